package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/orchestra/pkg/schema"
)

// Redis key layout, all under keyPrefix:
//
//	plans                  ZSET  plan id scored by creation time
//	plan:<id>              STRING  JSON Plan
//	plan:<id>:steps        HASH    step id -> JSON Step
//	plan:<id>:log          LIST    JSON LogEntry, in sequence order
//	log:id                 counter for LogEntry.ID
const keyPrefix = "orchestra:"

// redisTxRetries bounds optimistic-lock retries when a WATCHed key changes.
const redisTxRetries = 5

// RedisStore implements Store on Redis. Every write runs as a WATCH/MULTI/EXEC
// transaction so the state check, the row update and the log append are atomic.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects using a redis:// URL and verifies the connection.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func planKey(id string) string  { return keyPrefix + "plan:" + id }
func stepsKey(id string) string { return keyPrefix + "plan:" + id + ":steps" }
func logKey(id string) string   { return keyPrefix + "plan:" + id + ":log" }

var (
	plansIndexKey = keyPrefix + "plans"
	logIDKey      = keyPrefix + "log:id"
)

// Migrate has nothing to create; it only checks the server is reachable.
func (s *RedisStore) Migrate(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) CreatePlan(ctx context.Context, plan *Plan, steps []*Step) error {
	if plan.Status == "" {
		plan.Status = schema.PlanPending
	}
	plan.CreatedAt = timeOrNow(plan.CreatedAt)
	plan.UpdatedAt = plan.CreatedAt

	planData, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	fields := make(map[string]any, len(steps))
	for _, st := range steps {
		st.PlanID = plan.ID
		if st.State == "" {
			st.State = schema.StepPending
		}
		st.UpdatedAt = plan.CreatedAt
		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("marshal step %s: %w", st.ID, err)
		}
		fields[st.ID] = data
	}

	entry := &LogEntry{
		PlanID:    plan.ID,
		ToState:   string(plan.Status),
		Timestamp: plan.CreatedAt,
		Detail:    "submitted",
	}
	id, err := s.client.Incr(ctx, logIDKey).Result()
	if err != nil {
		return fmt.Errorf("allocate log id: %w", err)
	}
	entry.ID = id
	entry.Sequence = 1
	entryData, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	return s.watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, planKey(plan.ID)).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return schema.NewErrorf(schema.ErrCodeConflict, "plan %q already exists", plan.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, planKey(plan.ID), planData, 0)
			pipe.ZAdd(ctx, plansIndexKey, redis.Z{Score: float64(plan.CreatedAt.UnixNano()), Member: plan.ID})
			if len(fields) > 0 {
				pipe.HSet(ctx, stepsKey(plan.ID), fields)
			}
			pipe.RPush(ctx, logKey(plan.ID), entryData)
			return nil
		})
		return err
	}, planKey(plan.ID))
}

func (s *RedisStore) GetPlan(ctx context.Context, id string) (*Plan, error) {
	data, err := s.client.Get(ctx, planKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storeNotFound("plan", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	return &p, nil
}

func (s *RedisStore) ListPlans(ctx context.Context, filter PlanFilter) ([]*Plan, error) {
	lo := "-inf"
	if filter.Since != nil {
		lo = strconv.FormatInt(filter.Since.UnixNano(), 10)
	}
	ids, err := s.client.ZRangeByScore(ctx, plansIndexKey, &redis.ZRangeBy{Min: lo, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}

	var out []*Plan
	for _, id := range ids {
		p, err := s.GetPlan(ctx, id)
		if err != nil {
			if schema.CodeOf(err) == schema.ErrCodeNotFound {
				continue
			}
			return nil, err
		}
		if !filter.match(p) {
			continue
		}
		out = append(out, p)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *RedisStore) UpdatePlanStatus(ctx context.Context, entry *LogEntry, update PlanUpdate) error {
	entry.Timestamp = timeOrNow(entry.Timestamp)
	entry.StepID = ""
	if err := s.allocateID(ctx, entry); err != nil {
		return err
	}

	return s.watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, planKey(entry.PlanID)).Bytes()
		if errors.Is(err, redis.Nil) {
			return storeNotFound("plan", entry.PlanID)
		}
		if err != nil {
			return err
		}
		var p Plan
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("unmarshal plan: %w", err)
		}
		if string(p.Status) != entry.FromState {
			return stateConflict("plan", entry.PlanID, entry.FromState, string(p.Status))
		}
		p.Status = schema.PlanStatus(entry.ToState)
		p.UpdatedAt = entry.Timestamp
		if update.Error != nil {
			p.Error = *update.Error
		}
		if update.StartedAt != nil {
			p.StartedAt = update.StartedAt
		}
		if update.CompletedAt != nil {
			p.CompletedAt = update.CompletedAt
		}
		planData, err := json.Marshal(&p)
		if err != nil {
			return err
		}

		entryData, err := s.sequence(ctx, tx, entry)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, planKey(entry.PlanID), planData, 0)
			pipe.RPush(ctx, logKey(entry.PlanID), entryData)
			return nil
		})
		return err
	}, planKey(entry.PlanID), logKey(entry.PlanID))
}

func (s *RedisStore) GetStep(ctx context.Context, planID, stepID string) (*Step, error) {
	data, err := s.client.HGet(ctx, stepsKey(planID), stepID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storeNotFound("step", stepKey(planID, stepID))
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	var st Step
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal step: %w", err)
	}
	return &st, nil
}

func (s *RedisStore) ListSteps(ctx context.Context, planID string) ([]*Step, error) {
	all, err := s.client.HGetAll(ctx, stepsKey(planID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	out := make([]*Step, 0, len(all))
	for _, data := range all {
		var st Step
		if err := json.Unmarshal([]byte(data), &st); err != nil {
			return nil, fmt.Errorf("unmarshal step: %w", err)
		}
		out = append(out, &st)
	}
	sortSteps(out)
	return out, nil
}

func (s *RedisStore) CommitTransition(ctx context.Context, entry *LogEntry, update StepUpdate) error {
	if entry.StepID == "" {
		return schema.NewError(schema.ErrCodeValidation, "step transition without step id")
	}
	entry.Timestamp = timeOrNow(entry.Timestamp)
	if err := s.allocateID(ctx, entry); err != nil {
		return err
	}

	return s.watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, stepsKey(entry.PlanID), entry.StepID).Bytes()
		if errors.Is(err, redis.Nil) {
			return storeNotFound("step", stepKey(entry.PlanID, entry.StepID))
		}
		if err != nil {
			return err
		}
		var st Step
		if err := json.Unmarshal(data, &st); err != nil {
			return fmt.Errorf("unmarshal step: %w", err)
		}
		if string(st.State) != entry.FromState {
			return stateConflict("step", stepKey(entry.PlanID, entry.StepID), entry.FromState, string(st.State))
		}
		applyStepUpdate(&st, entry, update)
		stepData, err := json.Marshal(&st)
		if err != nil {
			return err
		}

		entryData, err := s.sequence(ctx, tx, entry)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, stepsKey(entry.PlanID), entry.StepID, stepData)
			pipe.RPush(ctx, logKey(entry.PlanID), entryData)
			return nil
		})
		return err
	}, stepsKey(entry.PlanID), logKey(entry.PlanID))
}

func (s *RedisStore) GetLog(ctx context.Context, planID, stepID string) ([]*LogEntry, error) {
	items, err := s.client.LRange(ctx, logKey(planID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get log: %w", err)
	}
	var out []*LogEntry
	for _, item := range items {
		var e LogEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("unmarshal log entry: %w", err)
		}
		if stepID != "" && e.StepID != stepID {
			continue
		}
		out = append(out, &e)
	}
	return out, nil
}

// watch runs fn under WATCH on keys, retrying when another client touched them.
func (s *RedisStore) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < redisTxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "redis transaction on %v kept conflicting", keys)
}

func (s *RedisStore) allocateID(ctx context.Context, entry *LogEntry) error {
	id, err := s.client.Incr(ctx, logIDKey).Result()
	if err != nil {
		return fmt.Errorf("allocate log id: %w", err)
	}
	entry.ID = id
	return nil
}

// sequence assigns the next per-plan sequence from the watched log length.
func (s *RedisStore) sequence(ctx context.Context, tx *redis.Tx, entry *LogEntry) ([]byte, error) {
	n, err := tx.LLen(ctx, logKey(entry.PlanID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get next sequence: %w", err)
	}
	entry.Sequence = n + 1
	return json.Marshal(entry)
}
