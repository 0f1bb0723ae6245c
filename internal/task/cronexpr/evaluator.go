// Package cronexpr evaluates 5-field cron expressions for scheduled tasks.
package cronexpr

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"kidbot/internal/models"
)

var ErrInvalidExpression = errors.New("invalid cron expression")

// DefaultHorizon bounds the search for the next matching instant.
const DefaultHorizon = 4 * 366 * 24 * time.Hour

type Option func(*Evaluator)

// WithHorizon overrides DefaultHorizon.
func WithHorizon(d time.Duration) Option {
	return func(e *Evaluator) {
		if d > 0 {
			e.horizon = d
		}
	}
}

// Evaluator computes cron fire times in a fixed timezone.
// It is safe for concurrent use; parsed expressions are cached.
type Evaluator struct {
	parser  cron.Parser
	loc     *time.Location
	horizon time.Duration

	cache sync.Map // expr -> cron.Schedule
}

func New(loc *time.Location, opts ...Option) *Evaluator {
	if loc == nil {
		loc = time.Local
	}
	e := &Evaluator{
		// Minute-resolution only: a seconds field is a parse error.
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:     loc,
		horizon: DefaultHorizon,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Evaluator) Location() *time.Location { return e.loc }

func (e *Evaluator) schedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidExpression)
	}
	if v, ok := e.cache.Load(expr); ok {
		return v.(cron.Schedule), nil
	}
	if strings.HasPrefix(expr, "@every") {
		return nil, fmt.Errorf("%w: %q: intervals are not cron schedules", ErrInvalidExpression, expr)
	}
	sched, err := e.parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidExpression, expr, err)
	}
	e.cache.Store(expr, sched)
	return sched, nil
}

// Validate parses expr and checks that it fires at least once within the horizon.
func (e *Evaluator) Validate(expr string) error {
	_, err := e.NextRun(expr, time.Now())
	return err
}

// NextRun returns the earliest instant strictly after `after` that matches expr.
func (e *Evaluator) NextRun(expr string, after time.Time) (time.Time, error) {
	sched, err := e.schedule(expr)
	if err != nil {
		return time.Time{}, err
	}
	from := after.In(e.loc)
	next := sched.Next(from)
	if next.IsZero() || next.Sub(from) > e.horizon {
		return time.Time{}, fmt.Errorf("%w: %q never fires within %s", ErrInvalidExpression, expr, e.horizon)
	}
	return next, nil
}

// ShouldRun reports whether t is due at now.
//
// A task fires once per computed instant: after the run commits LastRun, the next
// instant is computed from it and lies strictly in the future.
func (e *Evaluator) ShouldRun(t models.Task, now time.Time) bool {
	if !t.Enabled {
		return false
	}
	next, err := e.NextRun(t.Cron, t.Base())
	if err != nil {
		return false
	}
	return !now.Before(next)
}
