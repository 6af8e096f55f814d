package agent

import (
	"context"
	"encoding/json"
)

// Mock is a stand-in agent that returns a canned payload. Every result it
// produces is flagged IsMock so callers can tell it apart from real output.
type Mock struct {
	Payload      any
	QualityScore *float64
}

// Execute implements Agent.
func (m *Mock) Execute(_ context.Context, in StepInput) (*StepResult, error) {
	payload := m.Payload
	if payload == nil {
		payload = map[string]any{"mock": true, "step_id": in.StepID}
	}
	res, err := Succeeded(payload)
	if err != nil {
		return nil, err
	}
	res.IsMock = true
	res.QualityScore = m.QualityScore
	return res, nil
}

// Echo returns an agent that succeeds with its StepInput as payload.
// Handy for wiring tests and dry runs.
func Echo() Agent {
	return Func(func(_ context.Context, in StepInput) (*StepResult, error) {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		return &StepResult{Success: true, Payload: data}, nil
	})
}
