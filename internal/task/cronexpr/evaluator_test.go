package cronexpr

import (
	"errors"
	"math/rand"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kidbot/internal/models"
)

func at(s string) time.Time {
	t, err := time.Parse("2006-01-02 15:04:05", s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func TestNextRunTable(t *testing.T) {
	t.Parallel()
	e := New(time.UTC)
	tests := []struct {
		expr  string
		after string
		want  string
	}{
		{"*/5 * * * *", "2025-01-01 12:00:00", "2025-01-01 12:05:00"},
		{"*/5 * * * *", "2025-01-01 12:04:59", "2025-01-01 12:05:00"},
		{"*/5 * * * *", "2025-01-01 12:05:00", "2025-01-01 12:10:00"},
		{"0 7 * * 1", "2025-10-01 08:00:00", "2025-10-06 07:00:00"},
		{"30 8 1,15 * *", "2025-10-01 08:30:00", "2025-10-15 08:30:00"},
		{"0 9-17/4 * * *", "2025-10-01 13:00:00", "2025-10-01 17:00:00"},
		{"0 0 29 2 *", "2025-03-01 00:00:00", "2028-02-29 00:00:00"},
		{"0 0 1 jan *", "2025-06-01 00:00:00", "2026-01-01 00:00:00"},
		{"@daily", "2025-06-01 10:00:00", "2025-06-02 00:00:00"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.expr+"@"+tt.after, func(t *testing.T) {
			t.Parallel()
			got, err := e.NextRun(tt.expr, at(tt.after))
			require.NoError(t, err)
			require.True(t, got.Equal(at(tt.want)), "NextRun = %s, want %s", got, tt.want)
		})
	}
}

func TestNextRunInvalid(t *testing.T) {
	t.Parallel()
	e := New(time.UTC)
	for _, expr := range []string{"", "not cron", "* * * *", "0 * * * * *", "61 * * * *", "@every 5m", "0 0 30 2 *", "0 0 31 4 *"} {
		_, err := e.NextRun(expr, at("2025-01-01 00:00:00"))
		require.Error(t, err, expr)
		require.True(t, errors.Is(err, ErrInvalidExpression), "expr %q: %v", expr, err)
	}
}

func TestNextRunHonorsLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+7", 7*3600)
	e := New(loc)
	got, err := e.NextRun("0 7 * * *", at("2025-01-01 00:30:00"))
	require.NoError(t, err)
	require.True(t, got.Equal(at("2025-01-02 00:00:00")), "got %s", got.UTC())
}

func TestShouldRunScenario(t *testing.T) {
	t.Parallel()
	e := New(time.UTC)
	task := models.Task{Cron: "*/5 * * * *", Enabled: true, CreatedAt: at("2025-01-01 12:00:00")}

	require.False(t, e.ShouldRun(task, at("2025-01-01 12:04:59")))
	require.True(t, e.ShouldRun(task, at("2025-01-01 12:05:00")))

	last := at("2025-01-01 12:05:00")
	task.LastRun = &last
	require.False(t, e.ShouldRun(task, at("2025-01-01 12:05:30")), "same instant must not fire twice")
	next, err := e.NextRun(task.Cron, task.Base())
	require.NoError(t, err)
	require.True(t, next.Equal(at("2025-01-01 12:10:00")))
}

func TestShouldRunDisabledOrInvalid(t *testing.T) {
	t.Parallel()
	e := New(time.UTC)
	created := at("2020-01-01 00:00:00")
	now := at("2025-01-01 00:00:00")
	for _, expr := range []string{"* * * * *", "0 0 1 1 *", "*/5 * * * *"} {
		require.False(t, e.ShouldRun(models.Task{Cron: expr, Enabled: false, CreatedAt: created}, now), expr)
	}
	require.False(t, e.ShouldRun(models.Task{Cron: "bogus", Enabled: true, CreatedAt: created}, now))
}

// matches is a deliberately naive cron matcher used to cross-check NextRun.
func matches(expr string, t time.Time) bool {
	f := strings.Fields(expr)
	domStar := strings.HasPrefix(f[2], "*")
	dowStar := strings.HasPrefix(f[4], "*")
	dom := fieldMatches(f[2], t.Day(), 1, 31)
	dow := fieldMatches(f[4], int(t.Weekday()), 0, 6)
	day := dom && dow
	if !domStar && !dowStar {
		day = dom || dow
	}
	return fieldMatches(f[0], t.Minute(), 0, 59) &&
		fieldMatches(f[1], t.Hour(), 0, 23) &&
		fieldMatches(f[3], int(t.Month()), 1, 12) && day
}

func fieldMatches(field string, v, lo, hi int) bool {
	for _, part := range strings.Split(field, ",") {
		step := 1
		if i := strings.Index(part, "/"); i >= 0 {
			step, _ = strconv.Atoi(part[i+1:])
			part = part[:i]
		}
		start, end := lo, hi
		if part != "*" {
			if i := strings.Index(part, "-"); i >= 0 {
				start, _ = strconv.Atoi(part[:i])
				end, _ = strconv.Atoi(part[i+1:])
			} else {
				start, _ = strconv.Atoi(part)
				end = start
				if step > 1 {
					end = hi
				}
			}
		}
		if v >= start && v <= end && (v-start)%step == 0 {
			return true
		}
	}
	return false
}

func TestNextRunIsMinimalAndStrictlyAfter(t *testing.T) {
	t.Parallel()
	e := New(time.UTC)
	exprs := []string{
		"*/7 * * * *",
		"15,45 */3 * * *",
		"0 6-8 * * 1-5",
		"5 0 1-7 * 1",
		"0 12 * 2,8 *",
		"10-20/5 4 * * 0",
	}
	rng := rand.New(rand.NewSource(42))
	base := at("2025-01-01 00:00:00")
	for i := 0; i < 60; i++ {
		expr := exprs[i%len(exprs)]
		after := base.Add(time.Duration(rng.Int63n(int64(400 * 24 * time.Hour))))

		got, err := e.NextRun(expr, after)
		require.NoError(t, err, expr)
		require.True(t, got.After(after), "%s: %s not after %s", expr, got, after)
		require.Zero(t, got.Second())
		require.True(t, matches(expr, got), "%s: %s does not match", expr, got)

		for c := after.Truncate(time.Minute).Add(time.Minute); c.Before(got); c = c.Add(time.Minute) {
			if matches(expr, c) {
				t.Fatalf("%s after %s: earlier match %s before %s", expr, after, c, got)
			}
		}
	}
}
