package engine

import (
	"sort"
	"time"

	"github.com/rendis/orchestra/pkg/schema"
)

// PlanReport summarizes a finished (or halted) plan run.
type PlanReport struct {
	PlanID             string                  `json:"plan_id"`
	Status             schema.PlanStatus       `json:"status"`
	StartedAt          time.Time               `json:"started_at"`
	CompletedAt        time.Time               `json:"completed_at"`
	Wall               time.Duration           `json:"wall"`
	Busy               time.Duration           `json:"busy"`
	ParallelEfficiency float64                 `json:"parallel_efficiency"`
	QualityScore       *float64                `json:"quality_score,omitempty"`
	Steps              map[string]*StepSummary `json:"steps"`
	Error              string                  `json:"error,omitempty"`
}

// StepSummary is one step's line in a PlanReport.
type StepSummary struct {
	State        schema.StepState `json:"state"`
	Attempts     int              `json:"attempts"`
	Duration     time.Duration    `json:"duration"`
	QualityScore *float64         `json:"quality_score,omitempty"`
	IsMock       bool             `json:"is_mock,omitempty"`
}

// MockSteps lists the steps whose final result came from a mock or fallback.
func (r *PlanReport) MockSteps() []string {
	var ids []string
	for id, s := range r.Steps {
		if s.IsMock {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ParallelEfficiency is busy time over wall-clock time. A plan whose steps
// ran strictly one after another scores about 1; wider waves score higher.
func ParallelEfficiency(busy, wall time.Duration) float64 {
	if wall <= 0 {
		return 0
	}
	return float64(busy) / float64(wall)
}

// WeightedScore is a quality score and the weight it carries.
type WeightedScore struct {
	Score  float64
	Weight float64
}

// QualityScore returns the weighted mean of scores. Non-positive weights count
// as 1. Returns nil when nothing was scored.
func QualityScore(scores []WeightedScore) *float64 {
	var sum, total float64
	for _, s := range scores {
		w := s.Weight
		if w <= 0 {
			w = 1
		}
		sum += s.Score * w
		total += w
	}
	if total == 0 {
		return nil
	}
	q := sum / total
	return &q
}
