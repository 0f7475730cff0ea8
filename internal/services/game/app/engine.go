package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/louisbranch/loremaster/internal/platform/errors"
	"github.com/louisbranch/loremaster/internal/services/game/domain/command"
	"github.com/louisbranch/loremaster/internal/services/game/domain/event"
	"github.com/louisbranch/loremaster/internal/services/game/domain/journal"
	"github.com/louisbranch/loremaster/internal/services/game/domain/saga"
	"github.com/louisbranch/loremaster/internal/services/game/observability/audit"
	auditevents "github.com/louisbranch/loremaster/internal/services/game/observability/audit/events"
	"github.com/louisbranch/loremaster/internal/services/game/projection"
	"github.com/louisbranch/loremaster/internal/services/game/storage"
	"github.com/louisbranch/loremaster/internal/services/game/storage/jsonfile"
	storagesqlite "github.com/louisbranch/loremaster/internal/services/game/storage/sqlite"
)

// Engine owns the game-state runtime: the journal, the command pipeline and
// the saga layer.
type Engine struct {
	journal    *journal.Store
	commands   *command.Registry
	processor  *command.Processor
	correlator *command.Correlator
	sagas      *saga.Manager
	handlers   *saga.HandlerRegistry
	driver     *saga.Driver
	audit      *audit.Logger
	decisions  storage.DecisionReader

	closers []func() error
}

// NewEngine opens storage and builds the runtime. A missing or unreadable
// event log degrades to an empty journal; only configuration and storage
// open failures are returned.
func NewEngine(ctx context.Context, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{}

	persister, err := e.openEventLog(cfg)
	if err != nil {
		return nil, err
	}
	decisions, err := e.openAuditStore(cfg)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.decisions = decisions
	e.audit = audit.NewLogger(decisions)

	e.journal, err = journal.New(event.CoreRegistry(),
		journal.WithPersister(persister),
		journal.WithWindow(cfg.EventWindow),
		journal.WithPersistFailureHook(e.persistFailed),
	)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("create journal: %w", err)
	}
	if status := e.journal.Load(ctx); status != storage.LoadOK {
		health := e.journal.Health()
		log.Printf("event log %s: %s %s", cfg.EventLogPath, status, health.LastLoadDetail)
	}

	templates, err := loadTemplates(cfg.SagaTemplateDir)
	if err != nil {
		e.Close()
		return nil, err
	}

	e.commands = command.CoreRegistry()
	e.correlator = command.NewCorrelator()
	e.processor = command.NewProcessor(
		command.WithRegistry(e.commands),
		command.WithJournal(e.journal),
		command.WithAudit(e.audit),
	)
	e.sagas = saga.NewManager(
		saga.WithTemplates(templates...),
		saga.WithRetention(cfg.retention()),
	)
	e.handlers = saga.NewHandlerRegistry()
	e.driver = saga.NewDriver(e.sagas, e.handlers,
		saga.WithJournal(e.journal),
		saga.WithAudit(e.audit),
	)
	return e, nil
}

func (e *Engine) openEventLog(cfg Config) (storage.EventPersister, error) {
	if err := ensureDir(cfg.EventLogPath); err != nil {
		return nil, err
	}
	switch cfg.EventLogBackend {
	case BackendSQLite:
		store, err := storagesqlite.OpenEvents(cfg.EventLogPath, storagesqlite.WithWindow(cfg.EventWindow))
		if err != nil {
			return nil, fmt.Errorf("open sqlite event log: %w", err)
		}
		e.closers = append(e.closers, store.Close)
		return store, nil
	default:
		store, err := jsonfile.Open(cfg.EventLogPath, jsonfile.WithWindow(cfg.EventWindow))
		if err != nil {
			return nil, fmt.Errorf("open json event log: %w", err)
		}
		return store, nil
	}
}

func (e *Engine) openAuditStore(cfg Config) (interface {
	storage.DecisionStore
	storage.DecisionReader
}, error) {
	path := strings.TrimSpace(cfg.AuditDBPath)
	if path == "" {
		return audit.NewMemoryStore(), nil
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	store, err := storagesqlite.OpenAudit(path)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	e.closers = append(e.closers, store.Close)
	return store, nil
}

func loadTemplates(dir string) ([]saga.Template, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}
	templates, err := saga.LoadTemplates(dir)
	if err != nil {
		if len(templates) == 0 {
			return nil, fmt.Errorf("load saga templates: %w", err)
		}
		log.Printf("load saga templates: %v", err)
	}
	return templates, nil
}

func (e *Engine) persistFailed(ctx context.Context, err error) {
	e.audit.Record(ctx, audit.Decision{
		Name:     auditevents.JournalPersistFailed,
		Actor:    "system",
		Severity: audit.SeverityError,
		Attributes: map[string]any{
			"error": err.Error(),
		},
	})
}

// Submit runs an envelope to a terminal status. Intents registered with a
// saga type run that saga through the driver and ignore handler; other
// intents are processed with handler. The returned error is non-nil only
// when the envelope was rejected before running.
func (e *Engine) Submit(ctx context.Context, env *command.Envelope, handler command.Handler) (*command.Envelope, error) {
	if env != nil {
		if def, ok := e.commands.Definition(env.Header.Intent); ok && def.SagaType != "" {
			handler = e.sagaHandler(def.SagaType)
		}
	}
	return e.processor.Process(ctx, env, handler)
}

// sagaHandler runs a saga for an envelope. A saga that ends failed fails the
// envelope attempt; a retry starts a new saga after the previous one was
// compensated.
func (e *Engine) sagaHandler(sagaType string) command.Handler {
	return func(ctx context.Context, env *command.Envelope) (map[string]any, error) {
		report, err := e.driver.Run(ctx, sagaType, sagaInput(env),
			saga.WithCorrelationID(env.Header.CorrelationID),
			saga.WithActor(env.Header.Actor),
		)
		if err != nil {
			return nil, err
		}
		if report.Status != saga.StatusCompleted {
			return nil, apperrors.Wrap(apperrors.CodeSagaStepFailure,
				fmt.Sprintf("saga %s %s", report.SagaID, report.Status), errors.New(report.Error))
		}
		return map[string]any{
			"saga_id":     report.SagaID,
			"saga_type":   report.SagaType,
			"status":      string(report.Status),
			"context":     report.Context,
			"duration_ms": report.Duration.Milliseconds(),
		}, nil
	}
}

func sagaInput(env *command.Envelope) map[string]any {
	input := map[string]any{
		"intent": env.Header.Intent,
		"actor":  env.Header.Actor,
	}
	if env.Body.Utterance != "" {
		input["utterance"] = env.Body.Utterance
	}
	for key, values := range map[string]map[string]any{
		"entities":   env.Body.Entities,
		"context":    env.Body.Context,
		"parameters": env.Body.Parameters,
	} {
		if len(values) > 0 {
			input[key] = values
		}
	}
	return input
}

// StartSaga drives a saga directly, outside the command pipeline.
func (e *Engine) StartSaga(ctx context.Context, sagaType string, input map[string]any, opts ...saga.StartOption) (saga.Report, error) {
	return e.driver.Run(ctx, sagaType, input, opts...)
}

// StepDispatcher hands a saga step to an asynchronous collaborator, which
// answers through the engine correlator with key.
type StepDispatcher func(ctx context.Context, key string, inv saga.Invocation) error

// StepReplyKey is the correlation key a remote step attempt is answered on.
func StepReplyKey(inv saga.Invocation) string {
	key := fmt.Sprintf("%s/%d/%d", inv.SagaID, inv.StepNumber, inv.Attempt)
	if inv.Compensating {
		key += "/compensate"
	}
	return key
}

// RemoteStep adapts a dispatcher into a saga handler that blocks until the
// collaborator resolves the step's reply key or the step times out.
func (e *Engine) RemoteStep(dispatch StepDispatcher) saga.HandlerFunc {
	return func(ctx context.Context, inv saga.Invocation) (map[string]any, error) {
		key := StepReplyKey(inv)
		e.correlator.Expect(key)
		if err := dispatch(ctx, key, inv); err != nil {
			e.correlator.Forget(key)
			return nil, fmt.Errorf("dispatch %s: %w", inv.Handler, err)
		}
		reply, err := e.correlator.Wait(ctx, key)
		if err != nil {
			return nil, err
		}
		return reply.Result, reply.Err
	}
}

// State projects the current journal.
func (e *Engine) State() projection.State {
	return projection.ProjectStore(e.journal)
}

// Health reports journal health.
func (e *Engine) Health() journal.Health {
	return e.journal.Health()
}

// Journal exposes the event journal.
func (e *Engine) Journal() *journal.Store { return e.journal }

// Sagas exposes the saga manager.
func (e *Engine) Sagas() *saga.Manager { return e.sagas }

// Handlers exposes the saga handler registry.
func (e *Engine) Handlers() *saga.HandlerRegistry { return e.handlers }

// Commands exposes the intent registry.
func (e *Engine) Commands() *command.Registry { return e.commands }

// Correlator matches asynchronous replies to waiting handlers.
func (e *Engine) Correlator() *command.Correlator { return e.correlator }

// Decisions lists recorded audit decisions.
func (e *Engine) Decisions(ctx context.Context, correlationID string, limit int) ([]storage.AuditDecision, error) {
	return e.decisions.ListDecisions(ctx, correlationID, limit)
}

// Close flushes the journal and closes storage.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.journal != nil {
		e.journal.Flush(context.Background())
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			log.Printf("close storage: %v", err)
		}
	}
	e.closers = nil
}

func ensureDir(path string) error {
	if path == ":memory:" {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage dir: %w", err)
		}
	}
	return nil
}
