package projection

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/loremaster/internal/services/game/domain/event"
)

var t0 = time.Date(2026, 10, 19, 20, 0, 0, 0, time.UTC)

func evt(id string, evtType event.Type, actor string, offset time.Duration, data string) event.Event {
	return event.Event{
		ID:        id,
		Type:      evtType,
		Timestamp: t0.Add(offset),
		Actor:     actor,
		Data:      json.RawMessage(data),
	}
}

func sampleHistory() []event.Event {
	return []event.Event{
		evt("e1", event.TypeCharacterUpdate, "aria", 0, `{"name":"Aria","class":"ranger","attributes":{"agility":2}}`),
		evt("e2", event.TypeSceneChange, "gm", time.Second, `{"scenario":"The ruined gate","options":["climb","sneak"],"location":"North Pass"}`),
		evt("e3", event.TypePlayerAction, "aria", 2*time.Second, `{"action":"climb","target":"wall","details":{"rope":true}}`),
		evt("e4", event.TypeSkillCheck, "aria", 3*time.Second, `{"skill":"athletics","difficulty":12,"roll":15,"success":true}`),
		evt("e5", event.TypeScenarioChoice, "gm", 4*time.Second, `{"scenario":"Atop the wall","options":["jump","wait"],"choice":"wait"}`),
		evt("e6", event.TypeStateUpdate, "gm", 5*time.Second, `{"updates":{"weather":"storm","location":"Gatehouse"}}`),
	}
}

func TestProjectIsDeterministic(t *testing.T) {
	events := sampleHistory()
	first := Project(events, NewState())
	second := Project(events, NewState())
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("projections differ:\n%+v\n%+v", first, second)
	}
}

func TestProjectAppliesBuiltInHandlers(t *testing.T) {
	state := Project(sampleHistory(), NewState())

	if len(state.Errors) != 0 {
		t.Fatalf("unexpected errors: %+v", state.Errors)
	}
	aria, ok := state.Players["aria"]
	if !ok {
		t.Fatal("expected player aria")
	}
	if aria.Name != "Aria" || aria.Class != "ranger" {
		t.Fatalf("unexpected character fields: %+v", aria)
	}
	if aria.Attributes["agility"] != float64(2) {
		t.Fatalf("agility = %v", aria.Attributes["agility"])
	}
	if len(aria.Actions) != 1 || aria.Actions[0].Action != "climb" || aria.Actions[0].Target != "wall" {
		t.Fatalf("unexpected actions: %+v", aria.Actions)
	}
	if len(aria.SkillChecks) != 1 || aria.SkillChecks[0].Roll != 15 || !*aria.SkillChecks[0].Success {
		t.Fatalf("unexpected skill checks: %+v", aria.SkillChecks)
	}
	if len(state.Session.Events) != 1 || state.Session.Events[0].Summary != "climb -> wall" {
		t.Fatalf("unexpected session log: %+v", state.Session.Events)
	}
	if state.CurrentScenario != "Atop the wall" {
		t.Fatalf("scenario = %q", state.CurrentScenario)
	}
	if !reflect.DeepEqual(state.CurrentOptions, []string{"jump", "wait"}) {
		t.Fatalf("options = %v", state.CurrentOptions)
	}
	if len(state.SceneHistory) != 1 || state.SceneHistory[0].Choice != "wait" {
		t.Fatalf("unexpected scene history: %+v", state.SceneHistory)
	}
	if state.Session.Location != "Gatehouse" {
		t.Fatalf("location = %q", state.Session.Location)
	}
	if state.Custom["weather"] != "storm" {
		t.Fatalf("custom weather = %v", state.Custom["weather"])
	}
}

func TestProjectSortsByTimestampStably(t *testing.T) {
	events := []event.Event{
		evt("late", event.TypePlayerAction, "aria", 2*time.Second, `{"action":"third"}`),
		evt("tie-a", event.TypePlayerAction, "aria", time.Second, `{"action":"first"}`),
		evt("tie-b", event.TypePlayerAction, "aria", time.Second, `{"action":"second"}`),
	}
	state := Project(events, NewState())

	actions := state.Players["aria"].Actions
	want := []string{"first", "second", "third"}
	if len(actions) != len(want) {
		t.Fatalf("got %d actions, want %d", len(actions), len(want))
	}
	for i, action := range actions {
		if action.Action != want[i] {
			t.Fatalf("action %d = %q, want %q", i, action.Action, want[i])
		}
	}
	if events[0].ID != "late" {
		t.Fatal("caller event slice was reordered")
	}
}

func TestProjectSkipsUnknownEventTypes(t *testing.T) {
	base := sampleHistory()
	withUnknown := append([]event.Event{}, base[:3]...)
	withUnknown = append(withUnknown, evt("mystery", "telepathy", "aria", 2500*time.Millisecond, `{"thought":"hello"}`))
	withUnknown = append(withUnknown, base[3:]...)

	want := Project(base, NewState())
	got := Project(withUnknown, NewState())
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unknown event changed state:\n%+v\n%+v", got, want)
	}
	if len(got.Errors) != 0 {
		t.Fatalf("unknown event recorded errors: %+v", got.Errors)
	}
}

func TestProjectIsolatesHandlerErrors(t *testing.T) {
	events := []event.Event{
		evt("good-1", event.TypePlayerAction, "aria", 0, `{"action":"look"}`),
		evt("bad-json", event.TypeSkillCheck, "aria", time.Second, `{"skill":42}`),
		evt("no-actor", event.TypePlayerAction, "", 2*time.Second, `{"action":"shout"}`),
		evt("bad-options", event.TypeStateUpdate, "gm", 3*time.Second, `{"updates":{"current_options":"not a list","weather":"fog"}}`),
		evt("good-2", event.TypePlayerAction, "aria", 4*time.Second, `{"action":"listen"}`),
	}
	state := Project(events, NewState())

	if len(state.Errors) != 3 {
		t.Fatalf("errors = %+v, want 3 entries", state.Errors)
	}
	for i, id := range []string{"bad-json", "no-actor", "bad-options"} {
		if state.Errors[i].EventID != id {
			t.Fatalf("error %d event = %q, want %q", i, state.Errors[i].EventID, id)
		}
	}
	if _, ok := state.Custom["weather"]; ok {
		t.Fatal("rejected state update was partially applied")
	}
	if got := len(state.Players["aria"].Actions); got != 2 {
		t.Fatalf("aria actions = %d, want 2", got)
	}
}

func TestProjectRecoversHandlerPanics(t *testing.T) {
	const panicky event.Type = "test_panic"
	handlers[panicky] = func(*State, event.Event) error { panic("boom") }
	t.Cleanup(func() { delete(handlers, panicky) })

	state := Project([]event.Event{
		evt("p1", panicky, "aria", 0, `{}`),
		evt("a1", event.TypePlayerAction, "aria", time.Second, `{"action":"run"}`),
	}, NewState())

	if len(state.Errors) != 1 || !strings.Contains(state.Errors[0].Error, "boom") {
		t.Fatalf("unexpected errors: %+v", state.Errors)
	}
	if len(state.Players["aria"].Actions) != 1 {
		t.Fatal("folding did not continue after panic")
	}
}

func TestRejectedEventsLeaveStateUntouched(t *testing.T) {
	base := Project(sampleHistory(), NewState())
	for _, evtType := range HandledTypes() {
		t.Run(string(evtType), func(t *testing.T) {
			bad := evt("bad", evtType, "aria", time.Hour, `"not an object"`)
			bad.CorrelationID = "corr-bad"
			got := Project([]event.Event{bad}, base)

			if len(got.Errors) != len(base.Errors)+1 {
				t.Fatalf("errors = %+v, want one new entry", got.Errors)
			}
			got.Errors = base.Errors
			if !reflect.DeepEqual(got, base) {
				t.Fatalf("state changed by rejected %s event", evtType)
			}
		})
	}
}

func TestProjectDoesNotMutateInitialState(t *testing.T) {
	initial := NewState()
	initial.Players["aria"] = Player{Name: "Aria", Attributes: map[string]any{"agility": float64(1)}}
	initial.Custom["weather"] = "clear"
	snapshot := initial.Clone()

	_ = Project(sampleHistory(), initial)

	if !reflect.DeepEqual(initial, snapshot) {
		t.Fatalf("initial state mutated:\n%+v\n%+v", initial, snapshot)
	}
}

func TestProjectIgnoresProcessedFlag(t *testing.T) {
	events := sampleHistory()
	marked := make([]event.Event, len(events))
	for i, e := range events {
		e.Processed = true
		marked[i] = e
	}
	if !reflect.DeepEqual(Project(events, NewState()), Project(marked, NewState())) {
		t.Fatal("processed flag changed the projection")
	}
}

func TestProjectTracksSagaAndCommandEvents(t *testing.T) {
	started := evt("s1", event.TypeSagaStarted, "system", 0, `{"saga_id":"saga-1","saga_type":"skill_challenge"}`)
	step := evt("s2", event.TypeSagaStepCompleted, "system", time.Second, `{"saga_id":"saga-1","step_number":0}`)
	done := evt("s3", event.TypeSagaCompleted, "system", 2*time.Second, `{"saga_id":"saga-1"}`)
	cmd := evt("c1", event.TypeCommandFailed, "aria", 3*time.Second, `{"intent":"skill_check","status":"failed","retry_count":3,"error":"timeout"}`)
	cmd.CorrelationID = "corr-1"

	state := Project([]event.Event{started, step, done, cmd}, NewState())

	progress := state.Sagas["saga-1"]
	if progress.Type != "skill_challenge" || progress.Status != "completed" || progress.StepsCompleted != 1 {
		t.Fatalf("unexpected saga progress: %+v", progress)
	}
	outcome := state.Commands["corr-1"]
	if outcome.Status != "failed" || outcome.RetryCount != 3 || outcome.Error != "timeout" {
		t.Fatalf("unexpected command outcome: %+v", outcome)
	}
}

type staticSource []event.Event

func (s staticSource) Events() []event.Event { return s }

func TestProjectStore(t *testing.T) {
	state := ProjectStore(staticSource(sampleHistory()))
	if state.CurrentScenario != "Atop the wall" {
		t.Fatalf("scenario = %q", state.CurrentScenario)
	}
	empty := ProjectStore(nil)
	if len(empty.Players) != 0 || empty.Players == nil {
		t.Fatalf("expected empty initialized state, got %+v", empty)
	}
}
