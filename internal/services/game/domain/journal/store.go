package journal

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/loremaster/internal/platform/errors"
	"github.com/louisbranch/loremaster/internal/platform/otel"
	"github.com/louisbranch/loremaster/internal/platform/timeouts"
	"github.com/louisbranch/loremaster/internal/services/game/domain/event"
	"github.com/louisbranch/loremaster/internal/services/game/storage"
)

// PersistFailureFunc observes a persistence failure after it was logged.
type PersistFailureFunc func(ctx context.Context, err error)

// Option configures a Store.
type Option func(*Store)

// WithPersister sets the durable window store.
func WithPersister(persister storage.EventPersister) Option {
	return func(s *Store) {
		s.persister = persister
	}
}

// WithWindow sets how many trailing events are handed to the persister.
func WithWindow(window int) Option {
	return func(s *Store) {
		if window > 0 {
			s.window = window
		}
	}
}

// WithLogf overrides the log function used for non-fatal failures.
func WithLogf(logf func(format string, args ...any)) Option {
	return func(s *Store) {
		if logf != nil {
			s.logf = logf
		}
	}
}

// WithPersistFailureHook registers a callback run after each failed persist.
func WithPersistFailureHook(hook PersistFailureFunc) Option {
	return func(s *Store) {
		s.onPersistFailure = hook
	}
}

// Store is a thread-safe append-only event log.
type Store struct {
	registry         *event.Registry
	persister        storage.EventPersister
	window           int
	logf             func(format string, args ...any)
	onPersistFailure PersistFailureFunc
	tracer           trace.Tracer

	mu     sync.RWMutex
	events []event.Event
	ids    map[string]struct{}

	// persistMu serializes writes so a slower older window never overwrites
	// a newer one.
	persistMu sync.Mutex

	healthMu sync.Mutex
	health   Health
}

// New creates an empty store.
func New(registry *event.Registry, opts ...Option) (*Store, error) {
	if registry == nil {
		return nil, ErrRegistryRequired
	}
	s := &Store{
		registry: registry,
		window:   storage.DefaultWindow,
		logf:     log.Printf,
		ids:      make(map[string]struct{}),
		tracer:   otel.Tracer("game/journal"),
		health:   Health{LastLoadStatus: storage.LoadMissing},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Append validates and journals an event, then persists the trailing window.
// The returned id is the event's own id; the store never assigns identities.
func (s *Store) Append(ctx context.Context, evt event.Event) (string, error) {
	ctx, span := s.tracer.Start(ctx, "journal.Append",
		trace.WithAttributes(
			attribute.String("event.type", string(evt.Type)),
			attribute.String("event.correlation_id", evt.CorrelationID),
		))
	defer span.End()

	validated, err := s.registry.ValidateForAppend(evt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		return "", err
	}

	s.mu.Lock()
	if _, exists := s.ids[validated.ID]; exists {
		s.mu.Unlock()
		err := apperrors.WithMetadata(apperrors.CodeDuplicateEvent,
			fmt.Sprintf("event id %q already exists", validated.ID),
			map[string]string{"event_id": validated.ID})
		span.RecordError(err)
		span.SetStatus(codes.Error, "duplicate event")
		return "", err
	}
	s.events = append(s.events, validated)
	s.ids[validated.ID] = struct{}{}
	s.mu.Unlock()

	s.healthMu.Lock()
	s.health.Appended++
	s.healthMu.Unlock()

	s.persist(ctx)
	return validated.ID, nil
}

// AppendAll journals events in order and stops at the first failure. It
// returns the ids appended before the failure.
func (s *Store) AppendAll(ctx context.Context, events []event.Event) ([]string, error) {
	ids := make([]string, 0, len(events))
	for _, evt := range events {
		eventID, err := s.Append(ctx, evt)
		if err != nil {
			return ids, err
		}
		ids = append(ids, eventID)
	}
	return ids, nil
}

// persist writes the latest trailing window. Failures are logged and counted.
func (s *Store) persist(ctx context.Context) {
	if s.persister == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	window := s.tail(s.window)
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.Persist)
	defer cancel()

	err := s.persister.SaveEvents(persistCtx, window)

	s.healthMu.Lock()
	if err != nil {
		s.health.PersistFailures++
		s.health.LastPersistError = err.Error()
		s.health.persistFailing = true
	} else {
		s.health.Persisted++
		s.health.LastPersistError = ""
		s.health.persistFailing = false
	}
	s.healthMu.Unlock()

	if err != nil {
		s.logf("persist event window: %v", err)
		trace.SpanFromContext(ctx).RecordError(err)
		if s.onPersistFailure != nil {
			s.onPersistFailure(ctx, err)
		}
	}
}

// Flush persists the current window immediately.
func (s *Store) Flush(ctx context.Context) {
	s.persist(ctx)
}

// Load replaces the in-memory log with the persisted window.
//
// Load never fails: a missing, corrupt, or unreadable window degrades to an
// empty log and the outcome is recorded in Health.
func (s *Store) Load(ctx context.Context) storage.LoadStatus {
	ctx, span := s.tracer.Start(ctx, "journal.Load")
	defer span.End()

	if s.persister == nil {
		s.recordLoad(storage.LoadMissing, "")
		return storage.LoadMissing
	}

	result, err := s.persister.LoadEvents(ctx)
	if err != nil {
		s.logf("load event window: %v", err)
		span.RecordError(err)
		result = storage.LoadResult{Status: storage.LoadFailed, Detail: err.Error()}
	}
	if result.Status == "" {
		result.Status = storage.LoadOK
	}

	events := make([]event.Event, 0, len(result.Events))
	ids := make(map[string]struct{}, len(result.Events))
	if result.Status == storage.LoadOK {
		for _, evt := range result.Events {
			validated, err := s.registry.ValidateForAppend(evt)
			if err != nil {
				s.logf("skip persisted event %q: %v", evt.ID, err)
				continue
			}
			if _, exists := ids[validated.ID]; exists {
				continue
			}
			ids[validated.ID] = struct{}{}
			events = append(events, validated)
		}
	} else if result.Status == storage.LoadCorrupt {
		s.logf("event window is corrupt, starting empty: %s", result.Detail)
	}

	s.mu.Lock()
	s.events = events
	s.ids = ids
	s.mu.Unlock()

	span.SetAttributes(
		attribute.String("journal.load_status", string(result.Status)),
		attribute.Int("journal.loaded", len(events)),
	)
	s.recordLoad(result.Status, result.Detail)
	return result.Status
}

func (s *Store) recordLoad(status storage.LoadStatus, detail string) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	s.health.LastLoadStatus = status
	s.health.LastLoadDetail = detail
}

// Len returns the number of events in memory.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Events returns a copy of the full log in append order.
func (s *Store) Events() []event.Event {
	return s.filter(func(event.Event) bool { return true })
}

// EventsSince returns events whose timestamp is at or after since.
func (s *Store) EventsSince(since time.Time) []event.Event {
	since = event.NormalizeTime(since)
	return s.filter(func(evt event.Event) bool { return !evt.Timestamp.Before(since) })
}

// EventsByCorrelation returns events carrying the correlation id.
func (s *Store) EventsByCorrelation(correlationID string) []event.Event {
	return s.filter(func(evt event.Event) bool { return evt.CorrelationID == correlationID })
}

// EventsByActor returns events produced by actor.
func (s *Store) EventsByActor(actor string) []event.Event {
	return s.filter(func(evt event.Event) bool { return evt.Actor == actor })
}

// EventsByType returns events of the given type.
func (s *Store) EventsByType(evtType event.Type) []event.Event {
	return s.filter(func(evt event.Event) bool { return evt.Type == evtType })
}

func (s *Store) filter(keep func(event.Event) bool) []event.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]event.Event, 0)
	for _, evt := range s.events {
		if keep(evt) {
			out = append(out, evt.Clone())
		}
	}
	return out
}

// tail returns a copy of the last n events.
func (s *Store) tail(n int) []event.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := 0
	if n > 0 && len(s.events) > n {
		start = len(s.events) - n
	}
	out := make([]event.Event, 0, len(s.events)-start)
	for _, evt := range s.events[start:] {
		out = append(out, evt.Clone())
	}
	return out
}
