package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rendis/orchestra/pkg/schema"
)

// MemoryStore keeps everything in process memory. Nothing survives a restart;
// it exists for tests and for dry runs selected with the "memory:" scheme.
type MemoryStore struct {
	mu     sync.RWMutex
	plans  map[string]*Plan
	order  []string
	steps  map[string]map[string]*Step
	logs   map[string][]*LogEntry
	nextID int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans: make(map[string]*Plan),
		steps: make(map[string]map[string]*Step),
		logs:  make(map[string][]*LogEntry),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

func (m *MemoryStore) CreatePlan(_ context.Context, plan *Plan, steps []*Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.plans[plan.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "plan %q already exists", plan.ID)
	}
	if plan.Status == "" {
		plan.Status = schema.PlanPending
	}
	plan.CreatedAt = timeOrNow(plan.CreatedAt)
	plan.UpdatedAt = plan.CreatedAt

	byID := make(map[string]*Step, len(steps))
	for _, st := range steps {
		st.PlanID = plan.ID
		if st.State == "" {
			st.State = schema.StepPending
		}
		st.UpdatedAt = plan.CreatedAt
		byID[st.ID] = cloneStep(st)
	}
	m.plans[plan.ID] = clonePlan(plan)
	m.order = append(m.order, plan.ID)
	m.steps[plan.ID] = byID
	m.appendLog(&LogEntry{
		PlanID:    plan.ID,
		ToState:   string(plan.Status),
		Timestamp: plan.CreatedAt,
		Detail:    "submitted",
	})
	return nil
}

func (m *MemoryStore) GetPlan(_ context.Context, id string) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, storeNotFound("plan", id)
	}
	return clonePlan(p), nil
}

func (m *MemoryStore) ListPlans(_ context.Context, filter PlanFilter) ([]*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Plan
	for _, id := range m.order {
		p := m.plans[id]
		if !filter.match(p) {
			continue
		}
		out = append(out, clonePlan(p))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdatePlanStatus(_ context.Context, entry *LogEntry, update PlanUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plans[entry.PlanID]
	if !ok {
		return storeNotFound("plan", entry.PlanID)
	}
	if string(p.Status) != entry.FromState {
		return stateConflict("plan", entry.PlanID, entry.FromState, string(p.Status))
	}
	entry.Timestamp = timeOrNow(entry.Timestamp)
	p.Status = schema.PlanStatus(entry.ToState)
	p.UpdatedAt = entry.Timestamp
	if update.Error != nil {
		p.Error = *update.Error
	}
	if update.StartedAt != nil {
		t := *update.StartedAt
		p.StartedAt = &t
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		p.CompletedAt = &t
	}
	entry.StepID = ""
	m.appendLog(entry)
	return nil
}

func (m *MemoryStore) GetStep(_ context.Context, planID, stepID string) (*Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.steps[planID][stepID]
	if !ok {
		return nil, storeNotFound("step", stepKey(planID, stepID))
	}
	return cloneStep(st), nil
}

func (m *MemoryStore) ListSteps(_ context.Context, planID string) ([]*Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Step, 0, len(m.steps[planID]))
	for _, st := range m.steps[planID] {
		out = append(out, cloneStep(st))
	}
	sortSteps(out)
	return out, nil
}

func (m *MemoryStore) CommitTransition(_ context.Context, entry *LogEntry, update StepUpdate) error {
	if entry.StepID == "" {
		return schema.NewError(schema.ErrCodeValidation, "step transition without step id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.steps[entry.PlanID][entry.StepID]
	if !ok {
		return storeNotFound("step", stepKey(entry.PlanID, entry.StepID))
	}
	if string(st.State) != entry.FromState {
		return stateConflict("step", stepKey(entry.PlanID, entry.StepID), entry.FromState, string(st.State))
	}
	entry.Timestamp = timeOrNow(entry.Timestamp)
	applyStepUpdate(st, entry, update)
	m.appendLog(entry)
	return nil
}

func (m *MemoryStore) GetLog(_ context.Context, planID, stepID string) ([]*LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*LogEntry
	for _, e := range m.logs[planID] {
		if stepID != "" && e.StepID != stepID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// appendLog must be called with mu held.
func (m *MemoryStore) appendLog(entry *LogEntry) {
	m.nextID++
	entry.ID = m.nextID
	entry.Sequence = int64(len(m.logs[entry.PlanID]) + 1)
	entry.Timestamp = timeOrNow(entry.Timestamp)
	cp := *entry
	m.logs[entry.PlanID] = append(m.logs[entry.PlanID], &cp)
}

func applyStepUpdate(st *Step, entry *LogEntry, update StepUpdate) {
	st.State = schema.StepState(entry.ToState)
	st.UpdatedAt = entry.Timestamp
	if update.AttemptCount != nil {
		st.AttemptCount = *update.AttemptCount
	}
	if update.Result != nil {
		st.Result = append(json.RawMessage(nil), update.Result...)
	}
	if update.StartedAt != nil {
		t := *update.StartedAt
		st.StartedAt = &t
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		st.CompletedAt = &t
	}
}

func sortSteps(steps []*Step) {
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].WaveIndex != steps[j].WaveIndex {
			return steps[i].WaveIndex < steps[j].WaveIndex
		}
		return steps[i].ID < steps[j].ID
	})
}

// clonePlan copies through JSON so the definition's nested maps are not shared.
func clonePlan(p *Plan) *Plan {
	data, err := json.Marshal(p)
	if err != nil {
		cp := *p
		return &cp
	}
	var cp Plan
	if err := json.Unmarshal(data, &cp); err != nil {
		cp = *p
	}
	return &cp
}

func cloneStep(st *Step) *Step {
	data, err := json.Marshal(st)
	if err != nil {
		cp := *st
		return &cp
	}
	var cp Step
	if err := json.Unmarshal(data, &cp); err != nil {
		cp = *st
	}
	return &cp
}
