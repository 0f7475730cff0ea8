package saga

import (
	"container/list"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/louisbranch/loremaster/internal/platform/errors"
	"github.com/louisbranch/loremaster/internal/platform/id"
)

// Retention bounds the archive of completed and failed sagas.
type Retention struct {
	// MaxArchived caps the number of archived sagas; the oldest is evicted
	// on insert. Zero disables the cap.
	MaxArchived int
	// MaxAge evicts archived sagas older than this on Prune. Zero disables
	// age-based eviction.
	MaxAge time.Duration
}

// DefaultRetention keeps a day of history, at most a thousand sagas.
var DefaultRetention = Retention{MaxArchived: 1000, MaxAge: 24 * time.Hour}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTemplates registers templates, replacing built-ins of the same type.
// A template that fails validation is not registered; starting a saga of its
// type reports the validation error.
func WithTemplates(templates ...Template) ManagerOption {
	return func(m *Manager) {
		for _, tmpl := range templates {
			tmpl.Steps = append([]Step(nil), tmpl.Steps...)
			if err := tmpl.Validate(); err != nil {
				delete(m.templates, tmpl.Type)
				m.invalid[tmpl.Type] = err
				continue
			}
			delete(m.invalid, tmpl.Type)
			m.templates[tmpl.Type] = tmpl
		}
	}
}

// WithRetention sets the archive retention policy.
func WithRetention(retention Retention) ManagerOption {
	return func(m *Manager) { m.retention = retention }
}

// WithClock overrides the manager time source.
func WithClock(clock func() time.Time) ManagerOption {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// StartOption configures a new saga.
type StartOption func(*Saga)

// WithCorrelationID threads an existing correlation id, such as the id of
// the command envelope that triggered the saga, instead of a fresh one.
func WithCorrelationID(correlationID string) StartOption {
	return func(s *Saga) {
		if correlationID = strings.TrimSpace(correlationID); correlationID != "" {
			s.CorrelationID = correlationID
		}
	}
}

// WithActor records who started the saga.
func WithActor(actor string) StartOption {
	return func(s *Saga) { s.Actor = strings.TrimSpace(actor) }
}

// Manager tracks active sagas and archives finished ones.
type Manager struct {
	templates map[string]Template
	invalid   map[string]error
	retention Retention
	clock     func() time.Time

	mu       sync.RWMutex
	active   map[string]*Saga
	archived map[string]*list.Element
	// order holds archived sagas oldest first.
	order *list.List
}

// NewManager creates a manager with the built-in templates.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		templates: DefaultTemplates(),
		invalid:   make(map[string]error),
		retention: DefaultRetention,
		clock:     time.Now,
		active:    make(map[string]*Saga),
		archived:  make(map[string]*list.Element),
		order:     list.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Types lists the registered saga types.
func (m *Manager) Types() []string {
	types := make([]string, 0, len(m.templates))
	for sagaType := range m.templates {
		types = append(types, sagaType)
	}
	sort.Strings(types)
	return types
}

// Template returns the template for a saga type.
func (m *Manager) Template(sagaType string) (Template, bool) {
	tmpl, ok := m.templates[strings.TrimSpace(sagaType)]
	if !ok {
		return Template{}, false
	}
	tmpl.Steps = append([]Step(nil), tmpl.Steps...)
	return tmpl, true
}

// Start creates an active saga and returns its id.
func (m *Manager) Start(sagaType string, input map[string]any, opts ...StartOption) (string, error) {
	desc, err := m.Begin(sagaType, input, opts...)
	if err != nil {
		return "", err
	}
	return desc.SagaID, nil
}

// Begin creates an active saga and returns the descriptor of its first step.
func (m *Manager) Begin(sagaType string, input map[string]any, opts ...StartOption) (StepDescriptor, error) {
	sagaType = strings.TrimSpace(sagaType)
	if err, bad := m.invalid[sagaType]; bad {
		return StepDescriptor{}, fmt.Errorf("start saga %q: %w", sagaType, err)
	}
	tmpl, ok := m.templates[sagaType]
	if ok && len(tmpl.Steps) == 0 {
		return StepDescriptor{}, fmt.Errorf("start saga %q: %w", sagaType, ErrTemplateInvalid)
	}
	if !ok {
		return StepDescriptor{}, apperrors.WithMetadata(apperrors.CodeUnknownSagaType,
			fmt.Sprintf("unknown saga type %q", sagaType),
			map[string]string{"saga_type": sagaType})
	}
	sagaID, err := id.NewID()
	if err != nil {
		return StepDescriptor{}, fmt.Errorf("generate saga id: %w", err)
	}
	s := &Saga{
		ID:        sagaID,
		Type:      sagaType,
		Steps:     append([]Step(nil), tmpl.Steps...),
		Context:   cloneContext(input),
		Status:    StatusActive,
		StartedAt: m.clock(),
		Attempts:  make([]int, len(tmpl.Steps)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.CorrelationID == "" {
		correlationID, err := id.NewID()
		if err != nil {
			return StepDescriptor{}, fmt.Errorf("generate correlation id: %w", err)
		}
		s.CorrelationID = correlationID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[s.ID] = s
	return s.descriptor(), nil
}

// Current returns the descriptor of an active saga's current step.
func (m *Manager) Current(sagaID string) (StepDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, err := m.activeLocked(sagaID)
	if err != nil {
		return StepDescriptor{}, err
	}
	return s.descriptor(), nil
}

// Advance records the current step's result and moves to the next step. The
// last step completes and archives the saga.
func (m *Manager) Advance(sagaID string, result any) (Advance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.activeLocked(sagaID)
	if err != nil {
		return Advance{}, err
	}
	s.Context[ResultKey(s.CurrentStep)] = cloneValue(result)
	s.CurrentStep++
	if s.CurrentStep < len(s.Steps) {
		desc := s.descriptor()
		return Advance{Next: &desc}, nil
	}

	s.Status = StatusCompleted
	completion := m.finishLocked(s)
	return Advance{Completed: &completion}, nil
}

// FailStep records a failed attempt of the current step. While the attempt
// count is within the step's MaxRetries the same step is returned for retry.
// Otherwise the saga moves to compensating and the plan lists completed steps
// with a compensation handler, most recent first. A saga with nothing to
// compensate fails immediately.
func (m *Manager) FailStep(sagaID string, cause error) (Failure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.activeLocked(sagaID)
	if err != nil {
		return Failure{}, err
	}
	s.Attempts[s.CurrentStep]++
	if s.Attempts[s.CurrentStep] <= s.Steps[s.CurrentStep].MaxRetries {
		desc := s.descriptor()
		return Failure{Status: StatusActive, Retry: &desc}, nil
	}
	return m.compensateLocked(s, cause), nil
}

// Abort gives up on the current step without consulting its retry budget.
func (m *Manager) Abort(sagaID string, cause error) (Failure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.activeLocked(sagaID)
	if err != nil {
		return Failure{}, err
	}
	s.Attempts[s.CurrentStep]++
	return m.compensateLocked(s, cause), nil
}

func (m *Manager) compensateLocked(s *Saga, cause error) Failure {
	s.Error = stepError(s, cause)

	var plan []CompensationStep
	for i := s.CurrentStep - 1; i >= 0; i-- {
		step := s.Steps[i]
		if step.CompensationHandler == "" {
			continue
		}
		plan = append(plan, CompensationStep{
			StepNumber: i,
			StepType:   step.Type,
			Handler:    step.CompensationHandler,
			Result:     cloneValue(s.Context[ResultKey(i)]),
		})
	}
	if len(plan) == 0 {
		s.Status = StatusFailed
		completion := m.finishLocked(s)
		return Failure{Status: StatusFailed, Completed: &completion}
	}
	s.Status = StatusCompensating
	return Failure{Status: StatusCompensating, Compensation: plan}
}

// Compensated records the outcome of the compensation walk-back and marks
// the saga failed.
func (m *Manager) Compensated(sagaID string, results map[string]any) (Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.active[sagaID]
	if !ok {
		return Completion{}, m.missingLocked(sagaID)
	}
	if s.Status != StatusCompensating {
		return Completion{}, notActive(s)
	}
	if len(results) > 0 {
		s.Context["compensation"] = cloneContext(results)
	}
	s.Status = StatusFailed
	return m.finishLocked(s), nil
}

// Get returns a copy of an active or archived saga.
func (m *Manager) Get(sagaID string) (Saga, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.active[sagaID]; ok {
		return s.clone(), nil
	}
	if elem, ok := m.archived[sagaID]; ok {
		return elem.Value.(*Saga).clone(), nil
	}
	return Saga{}, m.missingLocked(sagaID)
}

// Status reports a saga's status from the active set, then the archive. An
// unknown id yields a report with Error set.
func (m *Manager) Status(sagaID string) StatusReport {
	s, err := m.Get(sagaID)
	if err != nil {
		return StatusReport{SagaID: sagaID, Error: err.Error()}
	}
	return StatusReport{
		SagaID:        s.ID,
		Status:        s.Status,
		Type:          s.Type,
		CurrentStep:   s.CurrentStep,
		TotalSteps:    len(s.Steps),
		CorrelationID: s.CorrelationID,
	}
}

// Active lists active and compensating sagas, oldest first.
func (m *Manager) Active() []ActiveSummary {
	now := m.clock()
	m.mu.RLock()
	summaries := make([]ActiveSummary, 0, len(m.active))
	starts := make(map[string]time.Time, len(m.active))
	for _, s := range m.active {
		summaries = append(summaries, ActiveSummary{
			SagaID:        s.ID,
			Type:          s.Type,
			CurrentStep:   s.CurrentStep,
			TotalSteps:    len(s.Steps),
			CorrelationID: s.CorrelationID,
			Duration:      now.Sub(s.StartedAt),
		})
		starts[s.ID] = s.StartedAt
	}
	m.mu.RUnlock()

	sort.Slice(summaries, func(i, j int) bool {
		a, b := starts[summaries[i].SagaID], starts[summaries[j].SagaID]
		if a.Equal(b) {
			return summaries[i].SagaID < summaries[j].SagaID
		}
		return a.Before(b)
	})
	return summaries
}

// ArchivedCount returns the number of archived sagas.
func (m *Manager) ArchivedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.order.Len()
}

// Prune evicts archived sagas that ended before now minus MaxAge. It returns
// the number evicted.
func (m *Manager) Prune(now time.Time) int {
	if m.retention.MaxAge <= 0 {
		return 0
	}
	cutoff := now.Add(-m.retention.MaxAge)

	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for elem := m.order.Front(); elem != nil; {
		s := elem.Value.(*Saga)
		if !s.EndedAt.Before(cutoff) {
			break
		}
		next := elem.Next()
		m.order.Remove(elem)
		delete(m.archived, s.ID)
		evicted++
		elem = next
	}
	return evicted
}

// finishLocked moves a terminal saga from the active set into the archive.
func (m *Manager) finishLocked(s *Saga) Completion {
	s.EndedAt = m.clock()
	delete(m.active, s.ID)
	m.archived[s.ID] = m.order.PushBack(s)
	if limit := m.retention.MaxArchived; limit > 0 {
		for m.order.Len() > limit {
			oldest := m.order.Front()
			m.order.Remove(oldest)
			delete(m.archived, oldest.Value.(*Saga).ID)
		}
	}
	return Completion{
		SagaID:   s.ID,
		Status:   s.Status,
		Duration: s.EndedAt.Sub(s.StartedAt),
		Context:  cloneContext(s.Context),
		Error:    s.Error,
	}
}

func (m *Manager) activeLocked(sagaID string) (*Saga, error) {
	s, ok := m.active[sagaID]
	if !ok {
		return nil, m.missingLocked(sagaID)
	}
	if s.Status != StatusActive {
		return nil, notActive(s)
	}
	return s, nil
}

func (m *Manager) missingLocked(sagaID string) error {
	if elem, ok := m.archived[sagaID]; ok {
		return notActive(elem.Value.(*Saga))
	}
	return apperrors.WithMetadata(apperrors.CodeNotFound,
		fmt.Sprintf("saga %q not found", sagaID),
		map[string]string{"saga_id": sagaID})
}

func notActive(s *Saga) error {
	return apperrors.WithMetadata(apperrors.CodeSagaNotActive,
		fmt.Sprintf("saga %q is %s", s.ID, s.Status),
		map[string]string{"saga_id": s.ID, "status": string(s.Status)})
}

func stepError(s *Saga, cause error) string {
	step := s.Steps[s.CurrentStep]
	message := fmt.Sprintf("step %d (%s) failed after %d attempts", s.CurrentStep, step.Type, s.Attempts[s.CurrentStep])
	if cause != nil {
		message += ": " + cause.Error()
	}
	return message
}
