// Package registry holds every tenant's scheduled tasks.
//
// All operations are tenant-scoped. Lookups of a missing or foreign task report
// "not found" as a false result, never as an error, so one tenant cannot probe for
// another tenant's task ids.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"kidbot/internal/models"
	"kidbot/internal/storage"
	"kidbot/internal/task/cronexpr"
	"kidbot/internal/task/ratelimit"
	logx "kidbot/pkg/logx"
)

var (
	ErrTaskExists   = errors.New("task name already in use")
	ErrInvalidTask  = errors.New("invalid task")
	ErrTaskNotFound = errors.New("task not found")
	ErrSystemTask   = errors.New("task is managed by configuration")
)

const maxNameLen = 64

// Spec describes a task to create.
type Spec struct {
	Name        string
	Cron        string
	Description string
	Kind        models.Kind
	Disabled    bool

	// Zero values use the retry coordinator defaults.
	RetryInterval    time.Duration
	MaxRetryDuration time.Duration
}

type bucket struct {
	mu    sync.Mutex
	tasks map[string]models.Task // id -> task
}

type Registry struct {
	eval    *cronexpr.Evaluator
	limiter *ratelimit.Limiter
	store   storage.TaskStore
	log     logx.Logger

	tenants sync.Map // tenant -> *bucket

	Now   func() time.Time
	NewID func() string
}

func New(eval *cronexpr.Evaluator, limiter *ratelimit.Limiter, store storage.TaskStore, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	if store == nil {
		store = storage.NewMemory()
	}
	return &Registry{
		eval:    eval,
		limiter: limiter,
		store:   store,
		log:     log,
		Now:     time.Now,
		NewID:   newTaskID,
	}
}

func newTaskID() string {
	return "tsk_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func (r *Registry) bucket(tenant string) *bucket {
	if v, ok := r.tenants.Load(tenant); ok {
		return v.(*bucket)
	}
	v, _ := r.tenants.LoadOrStore(tenant, &bucket{tasks: map[string]models.Task{}})
	return v.(*bucket)
}

// Load restores tasks from the store and seeds the active-task counters.
func (r *Registry) Load(ctx context.Context) error {
	tasks, err := r.store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	active := map[string]int{}
	for _, t := range tasks {
		r.refreshNextRun(&t)
		b := r.bucket(t.Tenant)
		b.mu.Lock()
		b.tasks[t.ID] = t
		b.mu.Unlock()
		if !t.System {
			active[t.Tenant]++
		}
	}
	for tenant, n := range active {
		r.limiter.SetActive(tenant, n)
	}
	r.log.Info("tasks loaded", logx.Int("count", len(tasks)), logx.Int("tenants", len(active)))
	return nil
}

// Create schedules a message task and returns its id.
func (r *Registry) Create(ctx context.Context, tenant, name, cron, description string) (string, error) {
	t, err := r.CreateTask(ctx, tenant, Spec{Name: name, Cron: cron, Description: description, Kind: models.KindMessage})
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

// CreateTask schedules a task. Nothing is persisted or counted when it fails.
func (r *Registry) CreateTask(ctx context.Context, tenant string, spec Spec) (models.Task, error) {
	now := r.Now()
	spec, err := r.validate(tenant, spec, now)
	if err != nil {
		return models.Task{}, err
	}

	b := r.bucket(tenant)
	b.mu.Lock()
	defer b.mu.Unlock()

	// Quota check and record happen under the tenant lock so concurrent creates cannot overshoot.
	if err := r.limiter.Check(ratelimit.OpSchedule, tenant, "", now); err != nil {
		return models.Task{}, err
	}
	if _, ok := findByName(b, spec.Name); ok {
		return models.Task{}, fmt.Errorf("%w: %q", ErrTaskExists, spec.Name)
	}

	t := r.newTask(tenant, spec, now)
	if err := r.store.PutTask(ctx, t); err != nil {
		return models.Task{}, fmt.Errorf("persist task: %w", err)
	}
	b.tasks[t.ID] = t
	r.limiter.RecordScheduled(tenant, now)
	r.log.Debug("task created", logx.Tenant(tenant), logx.String("task", t.ID), logx.String("name", t.Name))
	return t.Clone(), nil
}

// Ensure creates or updates a configuration-managed task. It bypasses quotas.
func (r *Registry) Ensure(ctx context.Context, tenant string, spec Spec) (models.Task, error) {
	now := r.Now()
	spec, err := r.validate(tenant, spec, now)
	if err != nil {
		return models.Task{}, err
	}

	b := r.bucket(tenant)
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := findByName(b, spec.Name)
	if !ok {
		t := r.newTask(tenant, spec, now)
		t.System = true
		if err := r.store.PutTask(ctx, t); err != nil {
			return models.Task{}, fmt.Errorf("persist task: %w", err)
		}
		b.tasks[t.ID] = t
		return t.Clone(), nil
	}
	if !cur.System {
		return models.Task{}, fmt.Errorf("%w: %q", ErrTaskExists, spec.Name)
	}

	next := cur.Clone()
	next.Cron = spec.Cron
	next.Description = spec.Description
	next.Kind = spec.Kind
	next.Enabled = !spec.Disabled
	next.RetryInterval = spec.RetryInterval
	next.MaxRetryDuration = spec.MaxRetryDuration
	if next.Cron == cur.Cron && next.Description == cur.Description && next.Kind == cur.Kind &&
		next.Enabled == cur.Enabled && next.RetryInterval == cur.RetryInterval && next.MaxRetryDuration == cur.MaxRetryDuration {
		return cur.Clone(), nil
	}
	next.UpdatedAt = now
	if !next.Enabled {
		next.RetryAt = nil
		next.RetryPeriod = ""
	}
	r.refreshNextRun(&next)
	if err := r.store.PutTask(ctx, next); err != nil {
		return models.Task{}, fmt.Errorf("persist task: %w", err)
	}
	b.tasks[next.ID] = next
	return next.Clone(), nil
}

func (r *Registry) validate(tenant string, spec Spec, now time.Time) (Spec, error) {
	if !models.ValidTenant(tenant) {
		return spec, fmt.Errorf("%w: bad tenant %q", ErrInvalidTask, tenant)
	}
	spec.Name = strings.TrimSpace(spec.Name)
	spec.Cron = strings.TrimSpace(spec.Cron)
	spec.Description = strings.TrimSpace(spec.Description)
	if spec.Name == "" || utf8.RuneCountInString(spec.Name) > maxNameLen || strings.IndexFunc(spec.Name, unicode.IsSpace) >= 0 {
		return spec, fmt.Errorf("%w: name must be 1-%d characters without spaces", ErrInvalidTask, maxNameLen)
	}
	if spec.Kind == "" {
		spec.Kind = models.KindMessage
	}
	if !spec.Kind.Valid() {
		return spec, fmt.Errorf("%w: unknown kind %q", ErrInvalidTask, spec.Kind)
	}
	if spec.RetryInterval < 0 || spec.MaxRetryDuration < 0 {
		return spec, fmt.Errorf("%w: negative retry policy", ErrInvalidTask)
	}
	if _, err := r.eval.NextRun(spec.Cron, now); err != nil {
		return spec, fmt.Errorf("task %q: %w", spec.Name, err)
	}
	return spec, nil
}

func (r *Registry) newTask(tenant string, spec Spec, now time.Time) models.Task {
	t := models.Task{
		ID:               r.NewID(),
		Tenant:           tenant,
		Name:             spec.Name,
		Kind:             spec.Kind,
		Cron:             spec.Cron,
		Description:      spec.Description,
		Enabled:          !spec.Disabled,
		CreatedAt:        now,
		UpdatedAt:        now,
		RetryInterval:    spec.RetryInterval,
		MaxRetryDuration: spec.MaxRetryDuration,
	}
	r.refreshNextRun(&t)
	return t
}

// refreshNextRun restores the NextRun invariant for t.
func (r *Registry) refreshNextRun(t *models.Task) {
	if !t.Enabled {
		t.NextRun = nil
		return
	}
	next, err := r.eval.NextRun(t.Cron, t.Base())
	if err != nil {
		r.log.Warn("task has no next run", logx.Tenant(t.Tenant), logx.String("task", t.ID), logx.Err(err))
		t.NextRun = nil
		return
	}
	t.NextRun = &next
}

func findByName(b *bucket, name string) (models.Task, bool) {
	for _, t := range b.tasks {
		if t.Name == name {
			return t, true
		}
	}
	return models.Task{}, false
}

// List returns tenant's tasks ordered by name.
func (r *Registry) List(tenant string) []models.Task {
	v, ok := r.tenants.Load(tenant)
	if !ok {
		return nil
	}
	b := v.(*bucket)
	b.mu.Lock()
	out := make([]models.Task, 0, len(b.tasks))
	for _, t := range b.tasks {
		out = append(out, t.Clone())
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Get(tenant, id string) (models.Task, bool) {
	v, ok := r.tenants.Load(tenant)
	if !ok {
		return models.Task{}, false
	}
	b := v.(*bucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[id]
	if !ok {
		return models.Task{}, false
	}
	return t.Clone(), true
}

// Cancel removes a task. It returns false, nil when tenant owns no task with that id.
// The daily operation quota is checked before the lookup.
func (r *Registry) Cancel(ctx context.Context, tenant, id string) (bool, error) {
	now := r.Now()
	b := r.bucket(tenant)
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := r.limiter.Check(ratelimit.OpModify, tenant, "", now); err != nil {
		return false, err
	}
	t, ok := b.tasks[id]
	if !ok {
		return false, nil
	}
	if t.System {
		return false, ErrSystemTask
	}
	if err := r.store.DeleteTask(ctx, tenant, id); err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	delete(b.tasks, id)
	r.limiter.RecordCancelled(tenant, now)
	return true, nil
}

// SetEnabled pauses or resumes a task. A resumed task fires once for the instants it
// missed while paused, then follows its schedule.
func (r *Registry) SetEnabled(ctx context.Context, tenant, id string, enabled bool) (bool, error) {
	now := r.Now()
	b := r.bucket(tenant)
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := r.limiter.Check(ratelimit.OpModify, tenant, "", now); err != nil {
		return false, err
	}
	cur, ok := b.tasks[id]
	if !ok {
		return false, nil
	}
	if cur.Enabled == enabled {
		return true, nil
	}
	next := cur.Clone()
	next.Enabled = enabled
	next.UpdatedAt = now
	if !enabled {
		next.RetryAt = nil
		next.RetryPeriod = ""
	}
	r.refreshNextRun(&next)
	if err := r.store.PutTask(ctx, next); err != nil {
		return false, fmt.Errorf("persist task: %w", err)
	}
	b.tasks[id] = next
	r.limiter.RecordModified(tenant, now)
	return true, nil
}

// Update applies fn to a copy of the task and commits it. Identity fields are kept
// and NextRun is recomputed. The in-memory state is committed even when the store
// write fails; the store error is returned for logging.
func (r *Registry) Update(ctx context.Context, tenant, id string, fn func(*models.Task)) (models.Task, bool, error) {
	v, ok := r.tenants.Load(tenant)
	if !ok {
		return models.Task{}, false, nil
	}
	b := v.(*bucket)
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.tasks[id]
	if !ok {
		return models.Task{}, false, nil
	}
	next := cur.Clone()
	fn(&next)
	next.ID, next.Tenant, next.Name, next.System, next.CreatedAt = cur.ID, cur.Tenant, cur.Name, cur.System, cur.CreatedAt
	r.refreshNextRun(&next)
	b.tasks[id] = next

	if err := r.store.PutTask(ctx, next); err != nil {
		return next.Clone(), true, fmt.Errorf("persist task: %w", err)
	}
	return next.Clone(), true, nil
}

// Snapshot returns every task ordered by (tenant, name).
func (r *Registry) Snapshot() []models.Task {
	var out []models.Task
	r.tenants.Range(func(_, v any) bool {
		b := v.(*bucket)
		b.mu.Lock()
		for _, t := range b.tasks {
			out = append(out, t.Clone())
		}
		b.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tenant != out[j].Tenant {
			return out[i].Tenant < out[j].Tenant
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Tenants returns the tenants that own at least one task.
func (r *Registry) Tenants() []string {
	var out []string
	r.tenants.Range(func(k, v any) bool {
		b := v.(*bucket)
		b.mu.Lock()
		n := len(b.tasks)
		b.mu.Unlock()
		if n > 0 {
			out = append(out, k.(string))
		}
		return true
	})
	sort.Strings(out)
	return out
}

// RemoveTenant deletes every task of tenant, including configuration-managed ones,
// and drops its rate counters. It returns the number of tasks removed.
func (r *Registry) RemoveTenant(ctx context.Context, tenant string) (int, error) {
	v, ok := r.tenants.LoadAndDelete(tenant)
	r.limiter.Forget(tenant)
	if !ok {
		return 0, nil
	}
	b := v.(*bucket)
	b.mu.Lock()
	ids := make([]string, 0, len(b.tasks))
	for id := range b.tasks {
		ids = append(ids, id)
	}
	b.tasks = map[string]models.Task{}
	b.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := r.store.DeleteTask(ctx, tenant, id); err != nil {
			errs = append(errs, err)
		}
	}
	return len(ids), errors.Join(errs...)
}
