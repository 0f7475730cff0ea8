package saga

import (
	"fmt"
	"time"
)

// Status is the lifecycle status of a saga.
type Status string

const (
	StatusActive       Status = "active"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCompensating Status = "compensating"
)

// Step describes one step of a template. Handler names are resolved by the
// driver, never by the manager.
type Step struct {
	Type                string        `yaml:"type"`
	Handler             string        `yaml:"handler"`
	Timeout             time.Duration `yaml:"timeout"`
	MaxRetries          int           `yaml:"max_retries"`
	CompensationHandler string        `yaml:"compensation_handler"`
}

// Saga is one tracked workflow instance. Steps are fixed at construction.
type Saga struct {
	ID            string
	Type          string
	CurrentStep   int
	Steps         []Step
	Context       map[string]any
	CorrelationID string
	Actor         string
	Status        Status
	StartedAt     time.Time
	EndedAt       time.Time
	// Attempts counts failed attempts per step index.
	Attempts []int
	Error    string
}

// StepDescriptor tells a driver which handler to run next.
type StepDescriptor struct {
	SagaID        string
	SagaType      string
	CorrelationID string
	NextStep      string
	Handler       string
	Context       map[string]any
	// StepNumber is the zero-based index of the step.
	StepNumber int
	TotalSteps int
	Timeout    time.Duration
	MaxRetries int
	// Attempt is one for the first try of a step.
	Attempt int
}

// Completion reports a saga that reached a terminal status.
type Completion struct {
	SagaID   string
	Status   Status
	Duration time.Duration
	Context  map[string]any
	Error    string
}

// Advance is the outcome of recording a step result: exactly one of Next and
// Completed is set.
type Advance struct {
	Next      *StepDescriptor
	Completed *Completion
}

// CompensationStep is one rollback action in a compensation plan.
type CompensationStep struct {
	StepNumber int
	StepType   string
	Handler    string
	// Result is what the step recorded when it completed.
	Result any
}

// Failure is the outcome of a failed step: a retry of the same step, or a
// compensation plan for the completed steps in reverse order.
type Failure struct {
	Status       Status
	Retry        *StepDescriptor
	Compensation []CompensationStep
	// Completed is set when the saga failed with nothing to compensate.
	Completed *Completion
}

// StatusReport is the query view of one saga. Error is set when the saga is
// unknown.
type StatusReport struct {
	SagaID        string `json:"saga_id"`
	Status        Status `json:"status,omitempty"`
	Type          string `json:"type,omitempty"`
	CurrentStep   int    `json:"current_step"`
	TotalSteps    int    `json:"total_steps"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ActiveSummary is the list view of an active saga.
type ActiveSummary struct {
	SagaID        string        `json:"saga_id"`
	Type          string        `json:"type"`
	CurrentStep   int           `json:"current_step"`
	TotalSteps    int           `json:"total_steps"`
	CorrelationID string        `json:"correlation_id"`
	Duration      time.Duration `json:"duration"`
}

// ResultKey is the context key holding the result of a zero-based step.
func ResultKey(step int) string {
	return fmt.Sprintf("step_%d_result", step)
}

func (s *Saga) clone() Saga {
	out := *s
	out.Steps = append([]Step(nil), s.Steps...)
	out.Attempts = append([]int(nil), s.Attempts...)
	out.Context = cloneContext(s.Context)
	return out
}

func (s *Saga) descriptor() StepDescriptor {
	step := s.Steps[s.CurrentStep]
	return StepDescriptor{
		SagaID:        s.ID,
		SagaType:      s.Type,
		CorrelationID: s.CorrelationID,
		NextStep:      step.Type,
		Handler:       step.Handler,
		Context:       cloneContext(s.Context),
		StepNumber:    s.CurrentStep,
		TotalSteps:    len(s.Steps),
		Timeout:       step.Timeout,
		MaxRetries:    step.MaxRetries,
		Attempt:       s.Attempts[s.CurrentStep] + 1,
	}
}

func cloneContext(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return cloneContext(typed)
	case []any:
		items := make([]any, len(typed))
		for i, item := range typed {
			items[i] = cloneValue(item)
		}
		return items
	default:
		return value
	}
}
