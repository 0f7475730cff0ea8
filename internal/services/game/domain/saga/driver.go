package saga

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/loremaster/internal/platform/errors"
	"github.com/louisbranch/loremaster/internal/platform/otel"
	"github.com/louisbranch/loremaster/internal/platform/timeouts"
	"github.com/louisbranch/loremaster/internal/services/game/domain/event"
	"github.com/louisbranch/loremaster/internal/services/game/observability/audit"
	auditevents "github.com/louisbranch/loremaster/internal/services/game/observability/audit/events"
)

// EventAppender is the journal capability the driver needs.
type EventAppender interface {
	Append(ctx context.Context, evt event.Event) (string, error)
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithJournal records saga_* events.
func WithJournal(journal EventAppender) DriverOption {
	return func(d *Driver) { d.journal = journal }
}

// WithAudit records saga decisions.
func WithAudit(recorder audit.Recorder) DriverOption {
	return func(d *Driver) { d.audit = recorder }
}

// WithBackOff sets the factory for the delay policy between step retries.
func WithBackOff(newBackOff func() backoff.BackOff) DriverOption {
	return func(d *Driver) {
		if newBackOff != nil {
			d.newBackOff = newBackOff
		}
	}
}

// WithDriverLogf overrides the log function for non-fatal failures.
func WithDriverLogf(logf func(format string, args ...any)) DriverOption {
	return func(d *Driver) {
		if logf != nil {
			d.logf = logf
		}
	}
}

// Report is the final outcome of a driven saga.
type Report struct {
	SagaID        string
	SagaType      string
	CorrelationID string
	Status        Status
	Context       map[string]any
	Duration      time.Duration
	Error         string
	// Compensated lists the compensation handlers that ran, in order.
	Compensated []string
}

// Driver executes sagas step by step: it resolves handler names, applies
// per-step timeouts, retries under each step's budget with exponential
// backoff, journals progress, and walks compensation back on failure.
type Driver struct {
	manager    *Manager
	handlers   *HandlerRegistry
	journal    EventAppender
	audit      audit.Recorder
	newBackOff func() backoff.BackOff
	clock      func() time.Time
	logf       func(format string, args ...any)
	tracer     trace.Tracer
}

// NewDriver creates a driver over a manager and a handler registry.
func NewDriver(manager *Manager, handlers *HandlerRegistry, opts ...DriverOption) *Driver {
	d := &Driver{
		manager:    manager,
		handlers:   handlers,
		newBackOff: defaultBackOff,
		clock:      time.Now,
		logf:       log.Printf,
		tracer:     otel.Tracer("game/saga"),
	}
	if manager != nil {
		d.clock = manager.clock
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return b
}

// Run starts a saga of the given type and drives it to a terminal status.
// Only UnknownSagaType and similar start failures are returned as errors;
// step failures are reported through the Report.
func (d *Driver) Run(ctx context.Context, sagaType string, input map[string]any, opts ...StartOption) (Report, error) {
	desc, err := d.manager.Begin(sagaType, input, opts...)
	if err != nil {
		return Report{}, err
	}
	s, err := d.manager.Get(desc.SagaID)
	if err != nil {
		return Report{}, err
	}
	d.appendEvent(ctx, s.Actor, event.TypeSagaStarted, desc, event.SagaPayload{
		SagaID:     desc.SagaID,
		SagaType:   desc.SagaType,
		StepNumber: desc.StepNumber,
		StepType:   desc.NextStep,
	})
	d.record(ctx, s.Actor, desc, auditevents.SagaStarted, audit.SeverityInfo, map[string]any{
		"total_steps": desc.TotalSteps,
	})
	return d.drive(ctx, s.Actor, desc), nil
}

// Resume drives an already started saga from its current step.
func (d *Driver) Resume(ctx context.Context, sagaID string) (Report, error) {
	desc, err := d.manager.Current(sagaID)
	if err != nil {
		return Report{}, err
	}
	s, err := d.manager.Get(sagaID)
	if err != nil {
		return Report{}, err
	}
	return d.drive(ctx, s.Actor, desc), nil
}

func (d *Driver) drive(ctx context.Context, actor string, desc StepDescriptor) Report {
	ctx, span := d.tracer.Start(ctx, "saga.Run", trace.WithAttributes(
		attribute.String("saga.id", desc.SagaID),
		attribute.String("saga.type", desc.SagaType),
		attribute.String("saga.correlation_id", desc.CorrelationID),
	))
	defer span.End()

	delays := d.newBackOff()
	for {
		result, err := d.runStep(ctx, desc)
		if err == nil {
			d.appendEvent(ctx, actor, event.TypeSagaStepCompleted, desc, event.SagaPayload{
				SagaID:     desc.SagaID,
				SagaType:   desc.SagaType,
				StepNumber: desc.StepNumber,
				StepType:   desc.NextStep,
				Handler:    desc.Handler,
				Attempt:    desc.Attempt,
				Result:     result,
			})
			advance, err := d.manager.Advance(desc.SagaID, result)
			if err != nil {
				return d.abandoned(ctx, span, desc, err)
			}
			if advance.Completed != nil {
				return d.completed(ctx, span, actor, desc, *advance.Completed, nil)
			}
			desc = *advance.Next
			delays.Reset()
			continue
		}

		span.RecordError(err)
		d.appendEvent(ctx, actor, event.TypeSagaStepFailed, desc, event.SagaPayload{
			SagaID:     desc.SagaID,
			SagaType:   desc.SagaType,
			StepNumber: desc.StepNumber,
			StepType:   desc.NextStep,
			Handler:    desc.Handler,
			Attempt:    desc.Attempt,
			Error:      err.Error(),
		})

		var failure Failure
		var failErr error
		if ctx.Err() != nil || errors.Is(err, ErrHandlerNotFound) {
			failure, failErr = d.manager.Abort(desc.SagaID, err)
		} else {
			failure, failErr = d.manager.FailStep(desc.SagaID, err)
		}
		if failErr != nil {
			return d.abandoned(ctx, span, desc, failErr)
		}

		if failure.Retry != nil {
			delay := delays.NextBackOff()
			d.record(ctx, actor, desc, auditevents.SagaStepRetry, audit.SeverityWarn, map[string]any{
				"step":    desc.NextStep,
				"attempt": failure.Retry.Attempt,
				"delay":   delay.String(),
				"error":   err.Error(),
			})
			if delay == backoff.Stop {
				delay = 0
			}
			if !sleep(ctx, delay) {
				failure, failErr = d.manager.Abort(desc.SagaID, ctx.Err())
				if failErr != nil {
					return d.abandoned(ctx, span, desc, failErr)
				}
			} else {
				desc = *failure.Retry
				continue
			}
		}

		if failure.Completed != nil {
			return d.completed(ctx, span, actor, desc, *failure.Completed, nil)
		}
		return d.compensate(ctx, span, actor, desc, failure.Compensation)
	}
}

// runStep runs one step attempt under the step timeout.
func (d *Driver) runStep(ctx context.Context, desc StepDescriptor) (map[string]any, error) {
	handler, ok := d.handlers.Lookup(desc.Handler)
	if !ok {
		return nil, apperrors.WithMetadata(apperrors.CodeHandlerNotFound,
			fmt.Sprintf("saga handler %q is not registered", desc.Handler),
			map[string]string{"handler": desc.Handler, "saga_type": desc.SagaType})
	}
	return d.invoke(ctx, desc.Timeout, handler, Invocation{
		SagaID:        desc.SagaID,
		SagaType:      desc.SagaType,
		CorrelationID: desc.CorrelationID,
		StepNumber:    desc.StepNumber,
		StepType:      desc.NextStep,
		Handler:       desc.Handler,
		Attempt:       desc.Attempt,
		Context:       desc.Context,
	})
}

// invoke runs a handler with a timeout and panic recovery. The driver stops
// waiting when the timeout passes even if the handler ignores ctx.
func (d *Driver) invoke(ctx context.Context, timeout time.Duration, handler HandlerFunc, inv Invocation) (map[string]any, error) {
	if timeout <= 0 {
		timeout = timeouts.SagaStep
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler %s panic: %v", inv.Handler, r)}
			}
		}()
		result, err := handler(stepCtx, inv)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, apperrors.Wrap(apperrors.CodeSagaStepFailure, fmt.Sprintf("%s failed", inv.Handler), out.err)
		}
		return out.result, nil
	case <-stepCtx.Done():
		return nil, apperrors.Wrap(apperrors.CodeSagaStepFailure,
			fmt.Sprintf("%s did not finish", inv.Handler), stepCtx.Err())
	}
}

// compensate runs the compensation plan. A failing compensation is logged
// and recorded; the walk-back continues with the remaining steps.
func (d *Driver) compensate(ctx context.Context, span trace.Span, actor string, desc StepDescriptor, plan []CompensationStep) Report {
	// Compensation must run even when the caller has gone away.
	compCtx := context.WithoutCancel(ctx)
	handlerNames := make([]string, 0, len(plan))
	for _, step := range plan {
		handlerNames = append(handlerNames, step.Handler)
	}
	d.record(ctx, actor, desc, auditevents.SagaCompensate, audit.SeverityWarn, map[string]any{
		"failed_step": desc.NextStep,
		"plan":        handlerNames,
	})

	results := make(map[string]any, len(plan))
	var ran []string
	for _, step := range plan {
		inv := Invocation{
			SagaID:        desc.SagaID,
			SagaType:      desc.SagaType,
			CorrelationID: desc.CorrelationID,
			StepNumber:    step.StepNumber,
			StepType:      step.StepType,
			Handler:       step.Handler,
			Attempt:       1,
			Context:       desc.Context,
			Compensating:  true,
			StepResult:    step.Result,
		}
		key := ResultKey(step.StepNumber)
		handler, ok := d.handlers.Lookup(step.Handler)
		if !ok {
			d.logf("saga %s: compensation handler %q is not registered", desc.SagaID, step.Handler)
			results[key] = map[string]any{"error": "handler not registered"}
			continue
		}
		result, err := d.invoke(compCtx, d.stepTimeout(desc.SagaType, step.StepNumber), handler, inv)
		if err != nil {
			d.logf("saga %s: compensation %s failed: %v", desc.SagaID, step.Handler, err)
			results[key] = map[string]any{"error": err.Error()}
			continue
		}
		ran = append(ran, step.Handler)
		results[key] = result
		d.appendEvent(compCtx, actor, event.TypeSagaCompensated, desc, event.SagaPayload{
			SagaID:     desc.SagaID,
			SagaType:   desc.SagaType,
			StepNumber: step.StepNumber,
			StepType:   step.StepType,
			Handler:    step.Handler,
			Result:     result,
		})
	}

	completion, err := d.manager.Compensated(desc.SagaID, results)
	if err != nil {
		return d.abandoned(compCtx, span, desc, err)
	}
	return d.completed(compCtx, span, actor, desc, completion, ran)
}

func (d *Driver) stepTimeout(sagaType string, stepNumber int) time.Duration {
	tmpl, ok := d.manager.Template(sagaType)
	if !ok || stepNumber >= len(tmpl.Steps) {
		return timeouts.SagaStep
	}
	return tmpl.Steps[stepNumber].Timeout
}

func (d *Driver) completed(ctx context.Context, span trace.Span, actor string, desc StepDescriptor, completion Completion, compensated []string) Report {
	evtType := event.TypeSagaCompleted
	severity := audit.SeverityInfo
	if completion.Status != StatusCompleted {
		evtType = event.TypeSagaFailed
		severity = audit.SeverityError
		span.SetStatus(codes.Error, completion.Error)
	}
	d.appendEvent(ctx, actor, evtType, desc, event.SagaPayload{
		SagaID:     desc.SagaID,
		SagaType:   desc.SagaType,
		StepNumber: desc.StepNumber,
		StepType:   desc.NextStep,
		Error:      completion.Error,
	})
	d.record(ctx, actor, desc, auditevents.SagaFinished, severity, map[string]any{
		"status":      string(completion.Status),
		"duration_ms": completion.Duration.Milliseconds(),
	})
	span.SetAttributes(attribute.String("saga.status", string(completion.Status)))
	return Report{
		SagaID:        completion.SagaID,
		SagaType:      desc.SagaType,
		CorrelationID: desc.CorrelationID,
		Status:        completion.Status,
		Context:       completion.Context,
		Duration:      completion.Duration,
		Error:         completion.Error,
		Compensated:   compensated,
	}
}

// abandoned reports a saga whose bookkeeping changed underneath the driver,
// for example when another caller advanced it concurrently.
func (d *Driver) abandoned(ctx context.Context, span trace.Span, desc StepDescriptor, err error) Report {
	d.logf("saga %s: %v", desc.SagaID, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	report := Report{
		SagaID:        desc.SagaID,
		SagaType:      desc.SagaType,
		CorrelationID: desc.CorrelationID,
		Error:         err.Error(),
	}
	if s, getErr := d.manager.Get(desc.SagaID); getErr == nil {
		report.Status = s.Status
		report.Context = s.Context
	}
	return report
}

func (d *Driver) appendEvent(ctx context.Context, actor string, evtType event.Type, desc StepDescriptor, payload event.SagaPayload) {
	if d.journal == nil {
		return
	}
	if actor == "" {
		actor = "system"
	}
	evt, err := event.New(evtType, actor, payload, d.clock())
	if err != nil {
		d.logf("saga %s: build %s event: %v", desc.SagaID, evtType, err)
		return
	}
	evt = evt.WithCorrelation(desc.CorrelationID)
	if _, err := d.journal.Append(context.WithoutCancel(ctx), evt); err != nil {
		d.logf("saga %s: journal %s: %v", desc.SagaID, evtType, err)
	}
}

func (d *Driver) record(ctx context.Context, actor string, desc StepDescriptor, name string, severity audit.Severity, attrs map[string]any) {
	if d.audit == nil {
		return
	}
	if attrs == nil {
		attrs = make(map[string]any)
	}
	attrs["saga_id"] = desc.SagaID
	attrs["saga_type"] = desc.SagaType
	d.audit.Record(context.WithoutCancel(ctx), audit.Decision{
		Name:          name,
		Actor:         actor,
		CorrelationID: desc.CorrelationID,
		Severity:      severity,
		Attributes:    attrs,
		Timestamp:     d.clock(),
	})
}

func sleep(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
