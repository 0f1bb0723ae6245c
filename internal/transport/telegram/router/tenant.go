package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"kidbot/internal/models"
	"kidbot/internal/task/cronexpr"
	"kidbot/internal/task/ratelimit"
	"kidbot/internal/task/registry"
	"kidbot/internal/task/scheduler"
)

// SchedulerPort is the part of the scheduler facade chat commands use.
type SchedulerPort interface {
	CreateTask(ctx context.Context, tenant string, spec registry.Spec) (models.Task, error)
	ListTasks(tenant string) []models.Task
	CancelTask(ctx context.Context, tenant, id string) (bool, error)
	SetTaskEnabled(ctx context.Context, tenant, id string, enabled bool) (bool, error)
	AddReminder(ctx context.Context, tenant, text string, dueAt time.Time, source models.Source) (models.Reminder, error)
	ListReminders(ctx context.Context, tenant string) ([]models.Reminder, error)
	CancelReminder(ctx context.Context, tenant, id string) (bool, error)
	Usage(tenant string) ratelimit.Usage
}

var errUsage = errors.New("usage")

// usageError carries the command's usage line back to the chat.
type usageError struct{ usage string }

func (e usageError) Error() string { return "Usage: " + e.usage }
func (e usageError) Unwrap() error { return errUsage }

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
	showLayout = "Mon 2006-01-02 15:04"
)

// TenantCommands builds the task and reminder commands. Times are read and shown in loc.
func TenantCommands(s SchedulerPort, loc *time.Location, now func() time.Time) []Command {
	if loc == nil {
		loc = time.Local
	}
	if now == nil {
		now = time.Now
	}
	t := &tenantCmds{s: s, loc: loc, now: now}
	return []Command{
		{Name: "tasks", Description: "list scheduled tasks", Usage: "/tasks", Handle: t.list},
		{Name: "schedule", Aliases: []string{"add"}, Description: "schedule a recurring message", Usage: `/schedule <name> <min> <hour> <day> <month> <weekday> <message>`, Handle: t.schedule},
		{Name: "cancel", Aliases: []string{"rm"}, Description: "delete a task", Usage: "/cancel <task id or name>", Handle: t.cancel},
		{Name: "pause", Description: "pause a task", Usage: "/pause <task id or name>", Handle: t.setEnabled(false)},
		{Name: "resume", Description: "resume a paused task", Usage: "/resume <task id or name>", Handle: t.setEnabled(true)},
		{Name: "remind", Description: "one-off reminder", Usage: "/remind <YYYY-MM-DD> <HH:MM> <text> or /remind in <30m|2h> <text>", Handle: t.remind},
		{Name: "reminders", Description: "list pending reminders", Usage: "/reminders", Handle: t.reminders},
		{Name: "forget", Description: "delete a pending reminder", Usage: "/forget <reminder id>", Handle: t.forget},
		{Name: "usage", Aliases: []string{"quota"}, Description: "show quota usage", Usage: "/usage", Handle: t.usage},
	}
}

type tenantCmds struct {
	s   SchedulerPort
	loc *time.Location
	now func() time.Time
}

func (t *tenantCmds) list(ctx context.Context, req *Request) error {
	tasks := t.s.ListTasks(req.Tenant)
	if len(tasks) == 0 {
		req.Reply(ctx, "No tasks yet. Add one with /schedule.")
		return nil
	}
	var b strings.Builder
	for i, task := range tasks {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%s [%s] %s", task.Name, task.ID, task.Cron)
		if !task.Enabled {
			b.WriteString(" (paused)")
		}
		if task.System {
			b.WriteString(" (managed)")
		}
		if task.NextRun != nil && task.Enabled {
			fmt.Fprintf(&b, "\nnext: %s", task.NextRun.In(t.loc).Format(showLayout))
		}
		if task.LastStatus != "" {
			fmt.Fprintf(&b, "\nlast: %s", task.LastStatus)
			if task.LastRun != nil {
				fmt.Fprintf(&b, " at %s", task.LastRun.In(t.loc).Format(showLayout))
			}
		}
	}
	req.Reply(ctx, b.String())
	return nil
}

func (t *tenantCmds) schedule(ctx context.Context, req *Request) error {
	if len(req.Args) < 7 {
		return usageError{`/schedule <name> <min> <hour> <day> <month> <weekday> <message>`}
	}
	spec := registry.Spec{
		Name:        req.Args[0],
		Cron:        strings.Join(req.Args[1:6], " "),
		Description: strings.Join(req.Args[6:], " "),
		Kind:        models.KindMessage,
	}
	task, err := t.s.CreateTask(ctx, req.Tenant, spec)
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("Scheduled %s [%s].", task.Name, task.ID)
	if task.NextRun != nil {
		msg += " First run " + task.NextRun.In(t.loc).Format(showLayout) + "."
	}
	req.Reply(ctx, msg)
	return nil
}

// resolve accepts a task id or a task name.
func (t *tenantCmds) resolve(tenant, ref string) (models.Task, bool) {
	for _, task := range t.s.ListTasks(tenant) {
		if task.ID == ref || strings.EqualFold(task.Name, ref) {
			return task, true
		}
	}
	return models.Task{}, false
}

func (t *tenantCmds) cancel(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return usageError{"/cancel <task id or name>"}
	}
	task, ok := t.resolve(req.Tenant, req.Args[0])
	if !ok {
		return registry.ErrTaskNotFound
	}
	ok, err := t.s.CancelTask(ctx, req.Tenant, task.ID)
	if err != nil {
		return err
	}
	if !ok {
		return registry.ErrTaskNotFound
	}
	req.Reply(ctx, "Deleted "+task.Name+".")
	return nil
}

func (t *tenantCmds) setEnabled(enabled bool) HandlerFunc {
	verb, usage := "Paused", "/pause <task id or name>"
	if enabled {
		verb, usage = "Resumed", "/resume <task id or name>"
	}
	return func(ctx context.Context, req *Request) error {
		if len(req.Args) != 1 {
			return usageError{usage}
		}
		task, ok := t.resolve(req.Tenant, req.Args[0])
		if !ok {
			return registry.ErrTaskNotFound
		}
		ok, err := t.s.SetTaskEnabled(ctx, req.Tenant, task.ID, enabled)
		if err != nil {
			return err
		}
		if !ok {
			return registry.ErrTaskNotFound
		}
		req.Reply(ctx, verb+" "+task.Name+".")
		return nil
	}
}

func (t *tenantCmds) remind(ctx context.Context, req *Request) error {
	const usage = "/remind <YYYY-MM-DD> <HH:MM> <text> or /remind in <30m|2h> <text>"
	if len(req.Args) < 3 {
		return usageError{usage}
	}
	var due time.Time
	if strings.EqualFold(req.Args[0], "in") {
		d, err := time.ParseDuration(req.Args[1])
		if err != nil || d <= 0 {
			return usageError{usage}
		}
		due = t.now().Add(d).Truncate(time.Minute)
	} else {
		var err error
		due, err = time.ParseInLocation(dateLayout+" "+timeLayout, req.Args[0]+" "+req.Args[1], t.loc)
		if err != nil {
			return usageError{usage}
		}
	}
	r, err := t.s.AddReminder(ctx, req.Tenant, strings.Join(req.Args[2:], " "), due, models.SourceManual)
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("Reminder set for %s [%s].", r.DueAt.In(t.loc).Format(showLayout), r.ID)
	if !r.DueAt.After(t.now()) {
		msg = fmt.Sprintf("That time has passed; sending it now [%s].", r.ID)
	}
	req.Reply(ctx, msg)
	return nil
}

func (t *tenantCmds) reminders(ctx context.Context, req *Request) error {
	rs, err := t.s.ListReminders(ctx, req.Tenant)
	if err != nil {
		return err
	}
	if len(rs) == 0 {
		req.Reply(ctx, "No pending reminders.")
		return nil
	}
	lines := make([]string, 0, len(rs))
	for _, r := range rs {
		lines = append(lines, fmt.Sprintf("%s [%s] %s", r.DueAt.In(t.loc).Format(showLayout), r.ID, r.Text))
	}
	req.Reply(ctx, strings.Join(lines, "\n"))
	return nil
}

func (t *tenantCmds) forget(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return usageError{"/forget <reminder id>"}
	}
	ok, err := t.s.CancelReminder(ctx, req.Tenant, req.Args[0])
	if err != nil {
		return err
	}
	if !ok {
		req.Reply(ctx, "No such reminder.")
		return nil
	}
	req.Reply(ctx, "Reminder deleted.")
	return nil
}

func (t *tenantCmds) usage(ctx context.Context, req *Request) error {
	u := t.s.Usage(req.Tenant)
	req.Reply(ctx, fmt.Sprintf("Tasks: %s\nChanges (24h): %s\nRuns (1h): %s",
		ofLimit(u.ActiveTasks, u.MaxTasks), ofLimit(u.OperationsToday, u.DailyOperations), ofLimit(u.ExecutionsHour, u.HourlyExecutions)))
	return nil
}

func ofLimit(n, limit int) string {
	if limit <= 0 {
		return fmt.Sprintf("%d (no limit)", n)
	}
	return fmt.Sprintf("%d/%d", n, limit)
}

// userMessage renders a handler error for the chat. Internal failures are not echoed.
func userMessage(err error) string {
	var qe *ratelimit.QuotaError
	switch {
	case errors.Is(err, errUsage):
		return err.Error()
	case errors.As(err, &qe):
		return quotaMessage(qe)
	case errors.Is(err, cronexpr.ErrInvalidExpression):
		return "That schedule is not valid. Use five fields: minute hour day month weekday, e.g. 0 17 * * 1-5."
	case errors.Is(err, registry.ErrInvalidTask), errors.Is(err, scheduler.ErrInvalidReminder):
		return "Not accepted: " + err.Error()
	case errors.Is(err, registry.ErrTaskExists):
		return "A task with that name already exists."
	case errors.Is(err, registry.ErrTaskNotFound):
		return "No such task. See /tasks."
	case errors.Is(err, registry.ErrSystemTask):
		return "That task is managed by the administrator and cannot be changed here."
	case errors.Is(err, context.DeadlineExceeded):
		return "That took too long, please try again."
	default:
		return "Something went wrong, please try again later."
	}
}

func quotaMessage(qe *ratelimit.QuotaError) string {
	switch qe.Gate {
	case ratelimit.GateTaskCount:
		return fmt.Sprintf("You already have %d tasks, the maximum. Cancel one first.", qe.Limit)
	case ratelimit.GateDailyOps:
		msg := fmt.Sprintf("You reached %d changes in 24 hours.", qe.Limit)
		if qe.RetryAfter > 0 {
			msg += " Try again in " + qe.RetryAfter.Round(time.Minute).String() + "."
		}
		return msg
	default:
		return "Limit reached: " + qe.Error()
	}
}
