package scheduler

func (s *Scheduler) Snapshot() Stats {
	s.mu.Lock()
	cfg := s.cfg
	running := s.sup != nil
	s.mu.Unlock()

	st := Stats{
		Enabled:      cfg.Enabled,
		Running:      running,
		TaskTick:     cfg.TaskTick,
		ReminderTick: cfg.ReminderTick,
		Tenants:      len(s.reg.Tenants()),
		Engine:       s.engine.Snapshot(),
	}
	for _, t := range s.reg.Snapshot() {
		st.Tasks++
		if t.Enabled {
			st.EnabledTasks++
		}
		if t.RetryAt != nil {
			st.BackoffTasks++
		}
	}
	s.rmu.Lock()
	st.ClaimedReminders = len(s.claimed)
	s.rmu.Unlock()
	return st
}
