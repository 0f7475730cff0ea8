package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/loremaster/internal/platform/errors"
	"github.com/louisbranch/loremaster/internal/platform/id"
	"github.com/louisbranch/loremaster/internal/platform/timeouts"
	"github.com/louisbranch/loremaster/internal/services/game/domain/event"
)

// Status is the lifecycle status of an envelope.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Priority orders envelopes for collaborators that queue work.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// DefaultMaxRetries is the retry budget when none is given.
const DefaultMaxRetries = 3

// History event names.
const (
	HistoryCreated        = "created"
	HistoryStarted        = "processing_started"
	HistoryCompleted      = "completed"
	HistoryFailed         = "failed"
	HistoryRetryAttempted = "retry_attempted"
	HistoryCancelled      = "cancelled"
	HistoryTimedOut       = "timed_out"
)

// Header carries routing and retry metadata.
type Header struct {
	CorrelationID  string    `json:"correlation_id"`
	Intent         string    `json:"intent"`
	Actor          string    `json:"actor"`
	Timestamp      time.Time `json:"-"`
	Priority       Priority  `json:"priority"`
	TimeoutSeconds float64   `json:"timeout_seconds"`
	RetryCount     int       `json:"retry_count"`
	MaxRetries     int       `json:"max_retries"`
	TraceID        string    `json:"trace_id"`
}

// MarshalJSON encodes the timestamp as float seconds.
func (h Header) MarshalJSON() ([]byte, error) {
	type alias Header
	return json.Marshal(struct {
		alias
		Timestamp float64 `json:"timestamp"`
	}{alias: alias(h), Timestamp: event.ToSeconds(h.Timestamp)})
}

// UnmarshalJSON decodes a float-seconds timestamp.
func (h *Header) UnmarshalJSON(data []byte) error {
	type alias Header
	var wire struct {
		alias
		Timestamp float64 `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*h = Header(wire.alias)
	h.Timestamp = event.FromSeconds(wire.Timestamp)
	return nil
}

// Body carries what the routing layer extracted from the request.
type Body struct {
	Utterance  string         `json:"utterance"`
	Entities   map[string]any `json:"entities,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// HistoryEntry is one immutable record in the processing history.
type HistoryEntry struct {
	Timestamp time.Time `json:"-"`
	Event     string    `json:"event"`
	Status    Status    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
}

// MarshalJSON encodes the timestamp as float seconds.
func (h HistoryEntry) MarshalJSON() ([]byte, error) {
	type alias HistoryEntry
	return json.Marshal(struct {
		alias
		Timestamp float64 `json:"timestamp"`
	}{alias: alias(h), Timestamp: event.ToSeconds(h.Timestamp)})
}

// UnmarshalJSON decodes a float-seconds timestamp.
func (h *HistoryEntry) UnmarshalJSON(data []byte) error {
	type alias HistoryEntry
	var wire struct {
		alias
		Timestamp float64 `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*h = HistoryEntry(wire.alias)
	h.Timestamp = event.FromSeconds(wire.Timestamp)
	return nil
}

// Envelope is the lifecycle-tracked wrapper around one unit of work.
type Envelope struct {
	Header            Header         `json:"header"`
	Body              Body           `json:"body"`
	Status            Status         `json:"status"`
	Result            map[string]any `json:"result"`
	Error             string         `json:"error"`
	ProcessingHistory []HistoryEntry `json:"processing_history"`

	clock func() time.Time
}

// Option configures a new envelope.
type Option func(*Envelope)

// WithCorrelationID reuses an existing correlation id, for example when a
// collaborator resubmits the same logical request.
func WithCorrelationID(correlationID string) Option {
	return func(e *Envelope) {
		if correlationID = strings.TrimSpace(correlationID); correlationID != "" {
			e.Header.CorrelationID = correlationID
		}
	}
}

// WithPriority sets the envelope priority.
func WithPriority(priority Priority) Option {
	return func(e *Envelope) {
		e.Header.Priority = priority
	}
}

// WithTimeout sets the timeout measured from the header timestamp.
func WithTimeout(timeout time.Duration) Option {
	return func(e *Envelope) {
		e.Header.TimeoutSeconds = timeout.Seconds()
	}
}

// WithMaxRetries sets the retry budget.
func WithMaxRetries(maxRetries int) Option {
	return func(e *Envelope) {
		if maxRetries >= 0 {
			e.Header.MaxRetries = maxRetries
		}
	}
}

// WithClock overrides the time source for the header and history.
func WithClock(clock func() time.Time) Option {
	return func(e *Envelope) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// New creates a pending envelope with a fresh trace id and, unless one is
// supplied, a fresh correlation id.
func New(intent, actor string, body Body, opts ...Option) (*Envelope, error) {
	env := &Envelope{
		Header: Header{
			Intent:         strings.TrimSpace(intent),
			Actor:          strings.TrimSpace(actor),
			Priority:       PriorityNormal,
			TimeoutSeconds: timeouts.Command.Seconds(),
			MaxRetries:     DefaultMaxRetries,
		},
		Body:   body,
		Status: StatusPending,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(env)
	}
	if env.Header.CorrelationID == "" {
		correlationID, err := id.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate correlation id: %w", err)
		}
		env.Header.CorrelationID = correlationID
	}
	traceID, err := id.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate trace id: %w", err)
	}
	env.Header.TraceID = traceID
	env.Header.Timestamp = env.now()

	if err := env.Validate(); err != nil {
		return nil, err
	}
	env.record(HistoryCreated, "")
	return env, nil
}

// Decode parses an envelope from its JSON wire form and validates it.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeEnvelopeInvalid, "decode command envelope", err)
	}
	if env.Status == "" {
		env.Status = StatusPending
	}
	if env.Header.Priority == "" {
		env.Header.Priority = PriorityNormal
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks the structural invariants of the envelope.
func (e *Envelope) Validate() error {
	invalid := func(message string) error {
		return apperrors.Wrap(apperrors.CodeEnvelopeInvalid, "command envelope is invalid", errors.New(message))
	}
	switch {
	case strings.TrimSpace(e.Header.Intent) == "":
		return ErrIntentRequired
	case strings.TrimSpace(e.Header.CorrelationID) == "":
		return invalid("correlation id is required")
	case strings.TrimSpace(e.Header.Actor) == "":
		return invalid("actor is required")
	case e.Header.TimeoutSeconds < 0:
		return invalid("timeout must not be negative")
	case e.Header.RetryCount < 0 || e.Header.MaxRetries < 0:
		return invalid("retry counts must not be negative")
	}
	switch e.Header.Priority {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
	default:
		return invalid(fmt.Sprintf("unknown priority %q", e.Header.Priority))
	}
	switch e.Status {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
	default:
		return invalid(fmt.Sprintf("unknown status %q", e.Status))
	}
	return nil
}

// Start moves a pending envelope to processing.
func (e *Envelope) Start() error {
	if e.Status != StatusPending {
		return e.transitionError(StatusProcessing)
	}
	e.Status = StatusProcessing
	e.record(HistoryStarted, "")
	return nil
}

// Complete records a successful result.
func (e *Envelope) Complete(result map[string]any) error {
	if e.Status != StatusProcessing {
		return e.transitionError(StatusCompleted)
	}
	e.Status = StatusCompleted
	e.Result = result
	e.Error = ""
	e.record(HistoryCompleted, "")
	return nil
}

// Fail records a failed attempt and counts it against the retry budget.
func (e *Envelope) Fail(cause error) error {
	switch e.Status {
	case StatusPending, StatusProcessing, StatusFailed:
	default:
		return e.transitionError(StatusFailed)
	}
	detail := "unknown error"
	if cause != nil {
		detail = cause.Error()
	}
	e.Status = StatusFailed
	e.Error = detail
	e.Header.RetryCount++
	e.record(HistoryFailed, detail)
	return nil
}

// ShouldRetry reports whether a failed envelope may be retried. It is the
// only retry authority; callers must not retry on their own.
func (e *Envelope) ShouldRetry() bool {
	return e.Status == StatusFailed && e.Header.RetryCount < e.Header.MaxRetries
}

// Retry moves a failed envelope back to processing.
func (e *Envelope) Retry() error {
	if e.Status != StatusFailed {
		return e.transitionError(StatusProcessing)
	}
	if !e.ShouldRetry() {
		return apperrors.WithMetadata(apperrors.CodeRetryExhausted,
			fmt.Sprintf("command retries are exhausted after %d attempts", e.Header.RetryCount),
			map[string]string{"correlation_id": e.Header.CorrelationID})
	}
	e.Status = StatusProcessing
	e.record(HistoryRetryAttempted, fmt.Sprintf("attempt %d of %d", e.Header.RetryCount+1, e.Header.MaxRetries+1))
	return nil
}

// Cancel moves a pending, processing, or failed envelope to cancelled.
func (e *Envelope) Cancel(reason string) error {
	if !e.cancellable() {
		return e.transitionError(StatusCancelled)
	}
	e.Status = StatusCancelled
	if reason != "" {
		e.Error = reason
	}
	e.record(HistoryCancelled, reason)
	return nil
}

// TimeoutError returns the error recorded when the envelope deadline passes.
func (e *Envelope) TimeoutError() error {
	return apperrors.WithMetadata(apperrors.CodeCommandTimeout,
		fmt.Sprintf("command timed out after %gs", e.Header.TimeoutSeconds),
		map[string]string{"correlation_id": e.Header.CorrelationID, "intent": e.Header.Intent})
}

// Expire cancels an active envelope whose deadline has passed. It reports
// whether the envelope was expired.
func (e *Envelope) Expire(now time.Time) bool {
	if !e.cancellable() || !e.Expired(now) {
		return false
	}
	e.timeout()
	return true
}

func (e *Envelope) timeout() {
	e.Status = StatusCancelled
	e.Error = e.TimeoutError().Error()
	e.record(HistoryTimedOut, e.Error)
}

// Expired reports whether timeout_seconds have elapsed since the header
// timestamp. Envelopes without a timeout never expire.
func (e *Envelope) Expired(now time.Time) bool {
	deadline, ok := e.Deadline()
	return ok && !now.Before(deadline)
}

// Deadline returns the absolute deadline, if the envelope has one.
func (e *Envelope) Deadline() (time.Time, bool) {
	if e.Header.TimeoutSeconds <= 0 || e.Header.Timestamp.IsZero() {
		return time.Time{}, false
	}
	timeout := time.Duration(e.Header.TimeoutSeconds * float64(time.Second))
	return e.Header.Timestamp.Add(timeout), true
}

// Terminal reports whether the envelope reached completed or cancelled, or
// failed with no retries left.
func (e *Envelope) Terminal() bool {
	switch e.Status {
	case StatusCompleted, StatusCancelled:
		return true
	case StatusFailed:
		return !e.ShouldRetry()
	default:
		return false
	}
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	out := *e
	out.Body = Body{
		Utterance:  e.Body.Utterance,
		Entities:   cloneMap(e.Body.Entities),
		Context:    cloneMap(e.Body.Context),
		Parameters: cloneMap(e.Body.Parameters),
		Metadata:   cloneMap(e.Body.Metadata),
	}
	out.Result = cloneMap(e.Result)
	out.ProcessingHistory = append([]HistoryEntry(nil), e.ProcessingHistory...)
	return &out
}

func (e *Envelope) cancellable() bool {
	switch e.Status {
	case StatusPending, StatusProcessing, StatusFailed:
		return true
	default:
		return false
	}
}

func (e *Envelope) transitionError(to Status) error {
	return apperrors.WithMetadata(apperrors.CodeInvalidTransition,
		fmt.Sprintf("cannot move command from %s to %s", e.Status, to),
		map[string]string{"correlation_id": e.Header.CorrelationID, "from": string(e.Status), "to": string(to)})
}

func (e *Envelope) record(name, detail string) {
	e.ProcessingHistory = append(e.ProcessingHistory, HistoryEntry{
		Timestamp: e.now(),
		Event:     name,
		Status:    e.Status,
		Detail:    detail,
	})
}

func (e *Envelope) now() time.Time {
	if e.clock == nil {
		return event.NormalizeTime(time.Now())
	}
	return event.NormalizeTime(e.clock())
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		switch typed := value.(type) {
		case map[string]any:
			out[key] = cloneMap(typed)
		case []any:
			items := make([]any, len(typed))
			for i, item := range typed {
				if nested, ok := item.(map[string]any); ok {
					items[i] = cloneMap(nested)
				} else {
					items[i] = item
				}
			}
			out[key] = items
		default:
			out[key] = value
		}
	}
	return out
}
