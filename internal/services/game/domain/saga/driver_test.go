package saga

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/louisbranch/loremaster/internal/services/game/domain/event"
	"github.com/louisbranch/loremaster/internal/services/game/observability/audit"
	auditevents "github.com/louisbranch/loremaster/internal/services/game/observability/audit/events"
)

type recordingJournal struct {
	mu     sync.Mutex
	events []event.Event
}

func (j *recordingJournal) Append(_ context.Context, evt event.Event) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, evt)
	return evt.ID, nil
}

func (j *recordingJournal) types() []event.Type {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]event.Type, len(j.events))
	for i, evt := range j.events {
		out[i] = evt.Type
	}
	return out
}

type driverFixture struct {
	manager   *Manager
	handlers  *HandlerRegistry
	journal   *recordingJournal
	decisions *audit.MemoryStore
	driver    *Driver
}

func newDriverFixture(t *testing.T, managerOpts ...ManagerOption) *driverFixture {
	t.Helper()
	f := &driverFixture{
		manager:   NewManager(managerOpts...),
		handlers:  NewHandlerRegistry(),
		journal:   &recordingJournal{},
		decisions: audit.NewMemoryStore(),
	}
	f.driver = NewDriver(f.manager, f.handlers,
		WithJournal(f.journal),
		WithAudit(audit.NewLogger(f.decisions)),
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
		WithDriverLogf(t.Logf),
	)
	return f
}

func (f *driverFixture) register(t *testing.T, name string, handler HandlerFunc) {
	t.Helper()
	if err := f.handlers.Register(name, handler); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func (f *driverFixture) decisionNames(t *testing.T) []string {
	t.Helper()
	decisions, err := f.decisions.ListDecisions(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	names := make([]string, len(decisions))
	for i, decision := range decisions {
		names[i] = decision.Name
	}
	return names
}

func succeed(result map[string]any) HandlerFunc {
	return func(context.Context, Invocation) (map[string]any, error) {
		return result, nil
	}
}

func registerSkillChallenge(t *testing.T, f *driverFixture, overrides map[string]HandlerFunc) {
	t.Helper()
	handlers := map[string]HandlerFunc{
		"skill.validate":         succeed(map[string]any{"valid": true}),
		"dice.roll":              succeed(map[string]any{"roll": 17}),
		"skill.apply_modifiers":  succeed(map[string]any{"modifier": 2}),
		"skill.revert_modifiers": succeed(map[string]any{"reverted": true}),
		"narration.outcome":      succeed(map[string]any{"text": "you slip past"}),
	}
	for name, handler := range overrides {
		handlers[name] = handler
	}
	for name, handler := range handlers {
		f.register(t, name, handler)
	}
}

func contains[T comparable](items []T, want T) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}

func TestDriverRunsSagaToCompletion(t *testing.T) {
	f := newDriverFixture(t)
	registerSkillChallenge(t, f, nil)

	report, err := f.driver.Run(context.Background(), TypeSkillChallenge,
		map[string]any{"skill": "stealth"}, WithCorrelationID("corr-1"), WithActor("alice"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != StatusCompleted || report.Error != "" {
		t.Fatalf("report = %+v", report)
	}
	if report.CorrelationID != "corr-1" {
		t.Fatalf("correlation = %q", report.CorrelationID)
	}
	roll, _ := report.Context[ResultKey(1)].(map[string]any)
	if roll["roll"] != 17 {
		t.Fatalf("context = %v", report.Context)
	}

	want := []event.Type{
		event.TypeSagaStarted,
		event.TypeSagaStepCompleted,
		event.TypeSagaStepCompleted,
		event.TypeSagaStepCompleted,
		event.TypeSagaStepCompleted,
		event.TypeSagaCompleted,
	}
	got := f.journal.types()
	if len(got) != len(want) {
		t.Fatalf("journal = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("journal[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	for _, evt := range f.journal.events {
		if evt.CorrelationID != "corr-1" || evt.Actor != "alice" {
			t.Fatalf("event %s correlation = %q actor = %q", evt.Type, evt.CorrelationID, evt.Actor)
		}
	}

	names := f.decisionNames(t)
	if !contains(names, auditevents.SagaStarted) || !contains(names, auditevents.SagaFinished) {
		t.Fatalf("decisions = %v", names)
	}
}

func TestDriverRetriesFailedStep(t *testing.T) {
	f := newDriverFixture(t)
	var mu sync.Mutex
	var attempts []int
	registerSkillChallenge(t, f, map[string]HandlerFunc{
		"dice.roll": func(_ context.Context, inv Invocation) (map[string]any, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts = append(attempts, inv.Attempt)
			if len(attempts) == 1 {
				return nil, errors.New("dice fell off the table")
			}
			return map[string]any{"roll": 12}, nil
		},
	})

	report, err := f.driver.Run(context.Background(), TypeSkillChallenge, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != StatusCompleted {
		t.Fatalf("report = %+v", report)
	}
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Fatalf("attempts = %v", attempts)
	}
	if !contains(f.journal.types(), event.TypeSagaStepFailed) {
		t.Fatalf("journal = %v, want a step failure", f.journal.types())
	}
	if !contains(f.decisionNames(t), auditevents.SagaStepRetry) {
		t.Fatalf("decisions = %v", f.decisionNames(t))
	}
}

func TestDriverCompensatesAfterRetriesExhausted(t *testing.T) {
	f := newDriverFixture(t)
	f.register(t, "skill.validate", succeed(nil))
	f.register(t, "dice.roll", succeed(nil))
	f.register(t, "skill.apply_modifiers", succeed(map[string]any{"modifier": 2}))

	var calls int
	f.register(t, "narration.outcome", func(context.Context, Invocation) (map[string]any, error) {
		calls++
		return nil, errors.New("narrator unavailable")
	})
	var compensated Invocation
	f.register(t, "skill.revert_modifiers", func(_ context.Context, inv Invocation) (map[string]any, error) {
		compensated = inv
		return map[string]any{"reverted": true}, nil
	})

	report, err := f.driver.Run(context.Background(), TypeSkillChallenge, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != StatusFailed {
		t.Fatalf("status = %s", report.Status)
	}
	// narration.outcome allows two retries.
	if calls != 3 {
		t.Fatalf("narration calls = %d, want 3", calls)
	}
	if len(report.Compensated) != 1 || report.Compensated[0] != "skill.revert_modifiers" {
		t.Fatalf("compensated = %v", report.Compensated)
	}
	if !compensated.Compensating || compensated.StepNumber != 2 {
		t.Fatalf("compensation invocation = %+v", compensated)
	}
	result, _ := compensated.StepResult.(map[string]any)
	if result["modifier"] != 2 {
		t.Fatalf("step result = %v", compensated.StepResult)
	}
	if !strings.Contains(report.Error, "narrator unavailable") {
		t.Fatalf("error = %q", report.Error)
	}

	types := f.journal.types()
	if !contains(types, event.TypeSagaCompensated) || types[len(types)-1] != event.TypeSagaFailed {
		t.Fatalf("journal = %v", types)
	}
	if !contains(f.decisionNames(t), auditevents.SagaCompensate) {
		t.Fatalf("decisions = %v", f.decisionNames(t))
	}
}

func TestDriverContinuesPastFailingCompensation(t *testing.T) {
	f := newDriverFixture(t)
	f.register(t, "combat.initialize", succeed(map[string]any{"arena": "bridge"}))
	f.register(t, "dice.initiative", succeed(nil))
	f.register(t, "combat.resolve_round", succeed(nil))
	f.register(t, "combat.apply_damage", func(context.Context, Invocation) (map[string]any, error) {
		return nil, errors.New("damage table missing")
	})
	f.register(t, "combat.rewind_round", func(context.Context, Invocation) (map[string]any, error) {
		return nil, errors.New("no snapshot")
	})
	f.register(t, "combat.teardown", succeed(map[string]any{"cleared": true}))

	report, err := f.driver.Run(context.Background(), TypeCombatEncounter, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != StatusFailed {
		t.Fatalf("status = %s", report.Status)
	}
	if len(report.Compensated) != 1 || report.Compensated[0] != "combat.teardown" {
		t.Fatalf("compensated = %v", report.Compensated)
	}
	results, _ := report.Context["compensation"].(map[string]any)
	failed, _ := results[ResultKey(2)].(map[string]any)
	if failed["error"] == nil {
		t.Fatalf("compensation results = %v", results)
	}
}

func TestDriverAbortsOnMissingHandler(t *testing.T) {
	f := newDriverFixture(t)
	f.register(t, "skill.validate", succeed(nil))

	report, err := f.driver.Run(context.Background(), TypeSkillChallenge, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != StatusFailed {
		t.Fatalf("status = %s", report.Status)
	}
	if !strings.Contains(report.Error, "dice.roll") {
		t.Fatalf("error = %q", report.Error)
	}
	s, err := f.manager.Get(report.SagaID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.Attempts[1] != 1 {
		t.Fatalf("attempts = %v, want one attempt without retries", s.Attempts)
	}
}

func TestDriverStepTimeout(t *testing.T) {
	tmpl := Template{
		Type: "slow",
		Steps: []Step{
			{Type: "wait", Handler: "slow.wait", Timeout: 20 * time.Millisecond},
		},
	}
	if err := tmpl.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	f := newDriverFixture(t, WithTemplates(tmpl))
	release := make(chan struct{})
	defer close(release)
	f.register(t, "slow.wait", func(context.Context, Invocation) (map[string]any, error) {
		<-release
		return nil, nil
	})

	start := time.Now()
	report, err := f.driver.Run(context.Background(), "slow", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("driver waited %s", elapsed)
	}
	if report.Status != StatusFailed || !strings.Contains(report.Error, "deadline") {
		t.Fatalf("report = %+v", report)
	}
}

func TestDriverRecoversHandlerPanic(t *testing.T) {
	f := newDriverFixture(t)
	f.register(t, "skill.validate", func(context.Context, Invocation) (map[string]any, error) {
		panic("boom")
	})

	report, err := f.driver.Run(context.Background(), TypeSkillChallenge, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != StatusFailed || !strings.Contains(report.Error, "panic") {
		t.Fatalf("report = %+v", report)
	}
}

func TestDriverUnknownType(t *testing.T) {
	f := newDriverFixture(t)
	if _, err := f.driver.Run(context.Background(), "nope", nil); !errors.Is(err, ErrUnknownSagaType) {
		t.Fatalf("err = %v", err)
	}
}

func TestDriverResume(t *testing.T) {
	f := newDriverFixture(t)
	registerSkillChallenge(t, f, nil)
	id, err := f.manager.Start(TypeSkillChallenge, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.manager.Advance(id, map[string]any{"valid": true}); err != nil {
		t.Fatalf("advance: %v", err)
	}

	report, err := f.driver.Resume(context.Background(), id)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if report.Status != StatusCompleted {
		t.Fatalf("report = %+v", report)
	}
	if got := len(f.journal.types()); got != 4 {
		t.Fatalf("journal = %v, want three steps and completion", f.journal.types())
	}
}

func TestHandlerRegistry(t *testing.T) {
	r := NewHandlerRegistry()
	if err := r.Register(" ", succeed(nil)); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := r.Register("a", nil); err == nil {
		t.Fatal("expected error for nil handler")
	}
	if err := r.Register("a", succeed(nil)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("a", succeed(nil)); err == nil {
		t.Fatal("expected duplicate error")
	}
	missing := r.Missing(DefaultTemplates()[TypeSceneTransition])
	if len(missing) != 4 {
		t.Fatalf("missing = %v", missing)
	}
}
