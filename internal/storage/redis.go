package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"kidbot/internal/models"
	logx "kidbot/pkg/logx"
)

// redisStore keeps each record kind in one hash keyed by its identity, plus a sorted
// set of reminder due times for the due query.
//
// Keys (prefix defaults to "kidbot"):
//   - <prefix>:tasks          hash tenant/id -> task JSON
//   - <prefix>:reminders      hash id -> reminder JSON
//   - <prefix>:reminders:due  zset id scored by due unix ms
//   - <prefix>:retry          hash tenant/period -> retry JSON
//   - <prefix>:dedup:<key>    string until unix ms, expires at until
//   - <prefix>:audit          list of audit JSON, newest first, trimmed
type redisStore struct {
	client    *redis.Client
	prefix    string
	auditKeep int64
	log       logx.Logger
	now       func() time.Time
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info("storage opened", logx.String("driver", "redis"), logx.String("addr", addr))
	return newRedisStore(client, cfg.Redis, log), nil
}

func newRedisStore(client *redis.Client, cfg RedisConfig, log logx.Logger) *redisStore {
	prefix := strings.TrimSuffix(strings.TrimSpace(cfg.Prefix), ":")
	if prefix == "" {
		prefix = "kidbot"
	}
	keep := cfg.AuditKeep
	if keep <= 0 {
		keep = 10000
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisStore{client: client, prefix: prefix, auditKeep: keep, log: log, now: time.Now}
}

func (s *redisStore) key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) ListTasks(ctx context.Context) ([]models.Task, error) {
	all, err := s.client.HGetAll(ctx, s.key("tasks")).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Task, 0, len(all))
	for field, raw := range all {
		var t models.Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			s.log.Warn("skipping corrupt task record", logx.String("field", field), logx.Err(err))
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tenant != out[j].Tenant {
			return out[i].Tenant < out[j].Tenant
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *redisStore) PutTask(ctx context.Context, t models.Task) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.key("tasks"), t.Key(), b).Err()
}

func (s *redisStore) DeleteTask(ctx context.Context, tenant, id string) error {
	return s.client.HDel(ctx, s.key("tasks"), tenant+"/"+id).Err()
}

func (s *redisStore) AddReminder(ctx context.Context, r models.Reminder) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	ok, err := s.client.HSetNX(ctx, s.key("reminders"), r.ID, b).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	return s.client.ZAdd(ctx, s.key("reminders", "due"), redis.Z{Score: float64(r.DueAt.UnixMilli()), Member: r.ID}).Err()
}

func (s *redisStore) DueReminders(ctx context.Context, now time.Time, limit int) ([]models.Reminder, error) {
	if limit < 0 {
		limit = 0
	}
	// A zero count sends no LIMIT clause.
	ids, err := s.client.ZRangeByScore(ctx, s.key("reminders", "due"), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	return s.loadReminders(ctx, ids)
}

func (s *redisStore) loadReminders(ctx context.Context, ids []string) ([]models.Reminder, error) {
	vals, err := s.client.HMGet(ctx, s.key("reminders"), ids...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Reminder, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// Index entry without a record: drop it.
			_ = s.client.ZRem(ctx, s.key("reminders", "due"), ids[i]).Err()
			continue
		}
		var r models.Reminder
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			s.log.Warn("skipping corrupt reminder record", logx.String("id", ids[i]), logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	sortReminders(out)
	return out, nil
}

func (s *redisStore) ListReminders(ctx context.Context, tenant string) ([]models.Reminder, error) {
	all, err := s.client.HGetAll(ctx, s.key("reminders")).Result()
	if err != nil {
		return nil, err
	}
	var out []models.Reminder
	for id, raw := range all {
		var r models.Reminder
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			s.log.Warn("skipping corrupt reminder record", logx.String("id", id), logx.Err(err))
			continue
		}
		if r.Tenant == tenant {
			out = append(out, r)
		}
	}
	sortReminders(out)
	return out, nil
}

func (s *redisStore) CompleteReminder(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, s.key("reminders"), id)
	pipe.ZRem(ctx, s.key("reminders", "due"), id)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisStore) DeleteReminder(ctx context.Context, tenant, id string) (bool, error) {
	raw, err := s.client.HGet(ctx, s.key("reminders"), id).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var r models.Reminder
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return false, err
	}
	if r.Tenant != tenant {
		return false, nil
	}
	return true, s.CompleteReminder(ctx, id)
}

func (s *redisStore) ListRetries(ctx context.Context) ([]models.RetryState, error) {
	all, err := s.client.HGetAll(ctx, s.key("retry")).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.RetryState, 0, len(all))
	for field, raw := range all {
		var st models.RetryState
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			s.log.Warn("skipping corrupt retry record", logx.String("field", field), logx.Err(err))
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tenant != out[j].Tenant {
			return out[i].Tenant < out[j].Tenant
		}
		return out[i].Period < out[j].Period
	})
	return out, nil
}

func (s *redisStore) PutRetry(ctx context.Context, st models.RetryState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.key("retry"), st.Tenant+"/"+st.Period, b).Err()
}

func (s *redisStore) DeleteRetry(ctx context.Context, tenant, period string) error {
	return s.client.HDel(ctx, s.key("retry"), tenant+"/"+period).Err()
}

func (s *redisStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	ttl := until.Sub(s.now())
	if ttl <= 0 {
		return s.client.Del(ctx, s.key("dedup", key)).Err()
	}
	return s.client.Set(ctx, s.key("dedup", key), until.UnixMilli(), ttl).Err()
}

func (s *redisStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	ms, err := s.client.Get(ctx, s.key("dedup", key)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return fromMillis(ms), true, nil
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key("audit"), b)
	pipe.LTrim(ctx, s.key("audit"), 0, s.auditKeep-1)
	_, err = pipe.Exec(ctx)
	return err
}
