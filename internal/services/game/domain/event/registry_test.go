package event

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestRegistryValidateForAppend_RejectsUnknownType(t *testing.T) {
	registry := CoreRegistry()

	_, err := registry.ValidateForAppend(Event{
		ID:        "evt-1",
		Type:      Type("weather_changed"),
		Timestamp: time.Unix(10, 0).UTC(),
		Data:      json.RawMessage(`{}`),
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrTypeUnknown) {
		t.Fatalf("expected ErrTypeUnknown, got %v", err)
	}
}

func TestRegistryValidateForAppend_RequiresEnvelopeFields(t *testing.T) {
	registry := CoreRegistry()
	base := Event{
		ID:        "evt-1",
		Type:      TypePlayerAction,
		Timestamp: time.Unix(10, 0).UTC(),
		Actor:     "aria",
		Data:      json.RawMessage(`{"action":"open door"}`),
	}

	tests := []struct {
		name   string
		mutate func(*Event)
		want   error
	}{
		{name: "missing id", mutate: func(e *Event) { e.ID = "  " }, want: ErrIDRequired},
		{name: "missing type", mutate: func(e *Event) { e.Type = "" }, want: ErrTypeRequired},
		{name: "missing timestamp", mutate: func(e *Event) { e.Timestamp = time.Time{} }, want: ErrTimestampRequired},
		{name: "invalid json", mutate: func(e *Event) { e.Data = json.RawMessage(`{`) }, want: ErrPayloadInvalid},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			evt := base
			tc.mutate(&evt)
			_, err := registry.ValidateForAppend(evt)
			if !errors.Is(err, tc.want) {
				t.Fatalf("error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestRegistryValidateForAppend_ValidatesTypedPayloads(t *testing.T) {
	registry := CoreRegistry()
	tests := []struct {
		name    string
		evtType Type
		data    string
		wantErr bool
	}{
		{name: "player action ok", evtType: TypePlayerAction, data: `{"action":"search"}`},
		{name: "player action missing action", evtType: TypePlayerAction, data: `{"target":"chest"}`, wantErr: true},
		{name: "skill check ok", evtType: TypeSkillCheck, data: `{"skill":"stealth","difficulty":12}`},
		{name: "skill check negative difficulty", evtType: TypeSkillCheck, data: `{"skill":"stealth","difficulty":-1}`, wantErr: true},
		{name: "skill check wrong type", evtType: TypeSkillCheck, data: `{"skill":42}`, wantErr: true},
		{name: "scenario choice ok", evtType: TypeScenarioChoice, data: `{"scenario":"bridge","options":["cross","wait"]}`},
		{name: "scenario choice missing scenario", evtType: TypeScenarioChoice, data: `{}`, wantErr: true},
		{name: "state update ok", evtType: TypeStateUpdate, data: `{"updates":{"weather":"rain"}}`},
		{name: "state update missing updates", evtType: TypeStateUpdate, data: `{}`, wantErr: true},
		{name: "character update empty ok", evtType: TypeCharacterUpdate, data: `{}`},
		{name: "scene change by location", evtType: TypeSceneChange, data: `{"location":"harbor"}`},
		{name: "scene change empty", evtType: TypeSceneChange, data: `{}`, wantErr: true},
		{name: "saga requires id", evtType: TypeSagaStarted, data: `{"saga_type":"skill_challenge"}`, wantErr: true},
		{name: "command requires intent", evtType: TypeCommandFailed, data: `{"status":"failed"}`, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := registry.ValidateForAppend(Event{
				ID:        "evt-1",
				Type:      tc.evtType,
				Timestamp: time.Unix(10, 0).UTC(),
				Data:      json.RawMessage(tc.data),
			})
			if tc.wantErr && !errors.Is(err, ErrPayloadInvalid) {
				t.Fatalf("expected ErrPayloadInvalid, got %v", err)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestRegistryValidateForAppend_NormalizesEvent(t *testing.T) {
	registry := CoreRegistry()
	local := time.FixedZone("test", 3600)
	data := json.RawMessage(`{"action":"wave"}`)

	evt, err := registry.ValidateForAppend(Event{
		ID:            " evt-1 ",
		Type:          TypePlayerAction,
		Timestamp:     time.Date(2026, 3, 1, 10, 0, 0, 123456789, local),
		Actor:         " aria ",
		CorrelationID: " corr-1 ",
		Data:          data,
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if evt.ID != "evt-1" || evt.Actor != "aria" || evt.CorrelationID != "corr-1" {
		t.Fatalf("expected trimmed fields, got %+v", evt)
	}
	if evt.Timestamp.Location() != time.UTC {
		t.Fatalf("expected UTC timestamp, got %v", evt.Timestamp.Location())
	}
	if evt.Timestamp.Nanosecond() != 123456000 {
		t.Fatalf("expected microsecond precision, got %d ns", evt.Timestamp.Nanosecond())
	}

	data[2] = 'X'
	if string(evt.Data) != `{"action":"wave"}` {
		t.Fatalf("expected validated event to own its payload, got %s", evt.Data)
	}
}

func TestRegistryValidateForAppend_DefaultsEmptyPayload(t *testing.T) {
	registry := CoreRegistry()
	evt, err := registry.ValidateForAppend(Event{
		ID:        "evt-1",
		Type:      TypeCharacterUpdate,
		Timestamp: time.Unix(10, 0),
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if string(evt.Data) != "{}" {
		t.Fatalf("data = %s, want {}", evt.Data)
	}
}

func TestRegistryRegister(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(Definition{Type: " "}); !errors.Is(err, ErrTypeRequired) {
		t.Fatalf("expected ErrTypeRequired, got %v", err)
	}
	if err := registry.Register(Definition{Type: "loot_found"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register(Definition{Type: "loot_found"}); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if !registry.Known("loot_found") {
		t.Fatal("expected loot_found to be known")
	}
	var nilRegistry *Registry
	if nilRegistry.Known("loot_found") {
		t.Fatal("expected nil registry to know nothing")
	}
}

func TestCoreRegistryListsAllTypes(t *testing.T) {
	types := CoreRegistry().ListTypes()
	if len(types) != 14 {
		t.Fatalf("expected 14 core types, got %d", len(types))
	}
	for i := 1; i < len(types); i++ {
		if types[i-1] >= types[i] {
			t.Fatalf("types not sorted: %v", types)
		}
	}
}
