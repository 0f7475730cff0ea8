package command

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/louisbranch/loremaster/internal/platform/errors"
	"github.com/louisbranch/loremaster/internal/platform/otel"
	"github.com/louisbranch/loremaster/internal/services/game/domain/event"
	"github.com/louisbranch/loremaster/internal/services/game/observability/audit"
	auditevents "github.com/louisbranch/loremaster/internal/services/game/observability/audit/events"
)

// Handler executes one attempt of an envelope. It receives a copy of the
// envelope and must honor ctx cancellation.
type Handler func(ctx context.Context, env *Envelope) (map[string]any, error)

// EventAppender is the journal capability the processor needs.
type EventAppender interface {
	Append(ctx context.Context, evt event.Event) (string, error)
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithRegistry validates envelopes against registered intents.
func WithRegistry(registry *Registry) ProcessorOption {
	return func(p *Processor) { p.registry = registry }
}

// WithJournal records command_completed and command_failed events.
func WithJournal(journal EventAppender) ProcessorOption {
	return func(p *Processor) { p.journal = journal }
}

// WithAudit records retry, timeout, and join decisions.
func WithAudit(recorder audit.Recorder) ProcessorOption {
	return func(p *Processor) { p.audit = recorder }
}

// WithRejectDuplicates rejects an envelope whose correlation id is in flight
// instead of joining the running call.
func WithRejectDuplicates(reject bool) ProcessorOption {
	return func(p *Processor) { p.rejectDuplicates = reject }
}

// WithProcessorClock overrides the processor time source.
func WithProcessorClock(clock func() time.Time) ProcessorOption {
	return func(p *Processor) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithProcessorLogf overrides the log function for non-fatal failures.
func WithProcessorLogf(logf func(format string, args ...any)) ProcessorOption {
	return func(p *Processor) {
		if logf != nil {
			p.logf = logf
		}
	}
}

// Processor runs envelopes through their lifecycle.
//
// Envelopes sharing a correlation id never run concurrently: a second
// envelope either joins the in-flight call and receives its outcome, or is
// rejected with ErrCorrelationInFlight.
type Processor struct {
	registry         *Registry
	journal          EventAppender
	audit            audit.Recorder
	rejectDuplicates bool
	clock            func() time.Time
	logf             func(format string, args ...any)
	tracer           trace.Tracer

	group      singleflight.Group
	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewProcessor creates a processor.
func NewProcessor(opts ...ProcessorOption) *Processor {
	p := &Processor{
		clock:    time.Now,
		logf:     log.Printf,
		tracer:   otel.Tracer("game/command"),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs env to a terminal status and returns the resulting envelope.
//
// The returned error is non-nil only when the envelope was rejected before
// processing (validation or an in-flight duplicate); the returned envelope
// then carries the rejection in Error. Handler failures, panics, timeouts,
// and cancellation are reported through the envelope status.
func (p *Processor) Process(ctx context.Context, env *Envelope, handler Handler) (*Envelope, error) {
	if env == nil {
		return nil, ErrEnvelopeInvalid
	}
	env = env.Clone()
	if env.clock == nil {
		env.clock = p.clock
	}

	if err := p.validate(env, handler); err != nil {
		return p.reject(ctx, env, err, StatusFailed), err
	}

	correlationID := env.Header.CorrelationID
	if p.rejectDuplicates {
		if !p.claim(correlationID) {
			err := apperrors.WithMetadata(apperrors.CodeCorrelationInFlight,
				fmt.Sprintf("correlation id %q is already in flight", correlationID),
				map[string]string{"correlation_id": correlationID})
			return p.reject(ctx, env, err, StatusCancelled), err
		}
		defer p.release(correlationID)
		return p.run(ctx, env, handler), nil
	}

	p.inflightMu.Lock()
	_, joining := p.inflight[correlationID]
	if !joining {
		p.inflight[correlationID] = struct{}{}
	}
	results := p.group.DoChan(correlationID, func() (any, error) {
		return p.run(ctx, env, handler), nil
	})
	p.inflightMu.Unlock()

	if !joining {
		res := <-results
		p.release(correlationID)
		return res.Val.(*Envelope).Clone(), nil
	}
	return p.join(ctx, env, results), nil
}

// join waits for the in-flight call a duplicate envelope joined. The joiner
// leaves on its own cancellation or deadline; the shared call keeps running.
func (p *Processor) join(ctx context.Context, env *Envelope, results <-chan singleflight.Result) *Envelope {
	var expired <-chan time.Time
	if deadline, ok := env.Deadline(); ok {
		timer := time.NewTimer(deadline.Sub(p.clock()))
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case res := <-results:
		out := res.Val.(*Envelope).Clone()
		if out.Header.TraceID != env.Header.TraceID {
			p.record(ctx, out, auditevents.CommandJoined, audit.SeverityInfo, map[string]any{
				"joined_trace_id": env.Header.TraceID,
			})
		}
		return out
	case <-expired:
		env.timeout()
		p.timedOut(ctx, env)
		return env
	case <-ctx.Done():
		_ = env.Cancel(fmt.Sprintf("command cancelled: %v", ctx.Err()))
		return env
	}
}

// InFlight reports whether a correlation id is being processed.
func (p *Processor) InFlight(correlationID string) bool {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	_, ok := p.inflight[correlationID]
	return ok
}

func (p *Processor) validate(env *Envelope, handler Handler) error {
	if handler == nil {
		return ErrHandlerRequired
	}
	if env.Status != StatusPending && env.Status != StatusFailed {
		return env.transitionError(StatusProcessing)
	}
	if p.registry != nil {
		return p.registry.ValidateEnvelope(env)
	}
	return env.Validate()
}

func (p *Processor) reject(ctx context.Context, env *Envelope, err error, status Status) *Envelope {
	env.Error = err.Error()
	if env.cancellable() {
		if status == StatusCancelled {
			_ = env.Cancel(err.Error())
		} else {
			env.Status = StatusFailed
			env.record(HistoryFailed, err.Error())
		}
	}
	p.record(ctx, env, auditevents.CommandRejected, audit.SeverityWarn, map[string]any{
		"reason": err.Error(),
		"code":   string(apperrors.CodeOf(err)),
	})
	return env
}

func (p *Processor) claim(correlationID string) bool {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	if _, busy := p.inflight[correlationID]; busy {
		return false
	}
	p.inflight[correlationID] = struct{}{}
	return true
}

func (p *Processor) release(correlationID string) {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	delete(p.inflight, correlationID)
}

// run drives the retry loop. It never panics and always returns an envelope
// in a terminal status.
func (p *Processor) run(ctx context.Context, env *Envelope, handler Handler) *Envelope {
	ctx, span := p.tracer.Start(ctx, "command.Process", trace.WithAttributes(
		attribute.String("command.intent", env.Header.Intent),
		attribute.String("command.correlation_id", env.Header.CorrelationID),
		attribute.String("command.trace_id", env.Header.TraceID),
	))
	defer span.End()

	runCtx := ctx
	if deadline, ok := env.Deadline(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	if env.Status == StatusFailed {
		if err := env.Retry(); err != nil {
			span.SetStatus(codes.Error, "retries exhausted")
			return p.finish(ctx, env)
		}
	} else if err := env.Start(); err != nil {
		span.RecordError(err)
		env.Error = err.Error()
		return env
	}

	for {
		if env.Expire(p.clock()) {
			p.timedOut(ctx, env)
			break
		}
		result, err := p.invoke(runCtx, env, handler)
		if err == nil {
			_ = env.Complete(result)
			break
		}
		if runCtx.Err() != nil {
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				env.timeout()
				p.timedOut(ctx, env)
			} else {
				_ = env.Cancel(fmt.Sprintf("command cancelled: %v", ctx.Err()))
			}
			break
		}

		_ = env.Fail(err)
		span.RecordError(err)
		if !env.ShouldRetry() {
			break
		}
		p.record(ctx, env, auditevents.CommandRetry, audit.SeverityInfo, map[string]any{
			"attempt": env.Header.RetryCount + 1,
			"error":   err.Error(),
		})
		_ = env.Retry()
	}

	if env.Status != StatusCompleted {
		span.SetStatus(codes.Error, env.Error)
	}
	span.SetAttributes(
		attribute.String("command.status", string(env.Status)),
		attribute.Int("command.retry_count", env.Header.RetryCount),
	)
	return p.finish(ctx, env)
}

// invoke runs one handler attempt. The caller is released when ctx ends even
// if the handler ignores cancellation.
func (p *Processor) invoke(ctx context.Context, env *Envelope, handler Handler) (map[string]any, error) {
	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	attempt := env.Clone()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		result, err := handler(ctx, attempt)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Processor) timedOut(ctx context.Context, env *Envelope) {
	p.record(ctx, env, auditevents.CommandTimeout, audit.SeverityWarn, map[string]any{
		"timeout_seconds": env.Header.TimeoutSeconds,
		"retry_count":     env.Header.RetryCount,
	})
}

// finish journals the terminal outcome.
func (p *Processor) finish(ctx context.Context, env *Envelope) *Envelope {
	if p.journal == nil {
		return env
	}
	evt, err := OutcomeEvent(env, p.clock())
	if err != nil {
		p.logf("build command outcome event: %v", err)
		return env
	}
	if _, err := p.journal.Append(context.WithoutCancel(ctx), evt); err != nil {
		p.logf("journal command outcome %s: %v", env.Header.CorrelationID, err)
	}
	return env
}

func (p *Processor) record(ctx context.Context, env *Envelope, name string, severity audit.Severity, attrs map[string]any) {
	if p.audit == nil {
		return
	}
	if attrs == nil {
		attrs = make(map[string]any)
	}
	attrs["intent"] = env.Header.Intent
	attrs["status"] = string(env.Status)
	p.audit.Record(context.WithoutCancel(ctx), audit.Decision{
		Name:          name,
		Actor:         env.Header.Actor,
		CorrelationID: env.Header.CorrelationID,
		Severity:      severity,
		Attributes:    attrs,
		Timestamp:     p.clock(),
	})
}
