package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/louisbranch/loremaster/internal/platform/id"
)

// Type identifies the event type string.
type Type string

const (
	TypePlayerAction    Type = "player_action"
	TypeSkillCheck      Type = "skill_check"
	TypeScenarioChoice  Type = "scenario_choice"
	TypeStateUpdate     Type = "state_update"
	TypeCharacterUpdate Type = "character_update"
	TypeSceneChange     Type = "scene_change"

	TypeSagaStarted       Type = "saga_started"
	TypeSagaStepCompleted Type = "saga_step_completed"
	TypeSagaStepFailed    Type = "saga_step_failed"
	TypeSagaCompensated   Type = "saga_compensated"
	TypeSagaCompleted     Type = "saga_completed"
	TypeSagaFailed        Type = "saga_failed"

	TypeCommandCompleted Type = "command_completed"
	TypeCommandFailed    Type = "command_failed"
)

// Event is one immutable fact in the game journal.
//
// Processed is carried on the wire for compatibility with older logs. Nothing
// in the engine reads it; projection always replays the full history.
type Event struct {
	ID            string
	Type          Type
	Timestamp     time.Time
	Actor         string
	Data          json.RawMessage
	CorrelationID string
	Processed     bool
}

// wireEvent is the persisted JSON shape: timestamps are float seconds and an
// absent correlation id is encoded as null.
type wireEvent struct {
	ID            string          `json:"event_id"`
	Type          Type            `json:"event_type"`
	Timestamp     float64         `json:"timestamp"`
	Actor         string          `json:"actor"`
	Data          json.RawMessage `json:"data"`
	CorrelationID *string         `json:"correlation_id"`
	Processed     bool            `json:"processed"`
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	wire := wireEvent{
		ID:        e.ID,
		Type:      e.Type,
		Timestamp: ToSeconds(e.Timestamp),
		Actor:     e.Actor,
		Data:      e.Data,
		Processed: e.Processed,
	}
	if len(wire.Data) == 0 {
		wire.Data = json.RawMessage("{}")
	}
	if e.CorrelationID != "" {
		correlationID := e.CorrelationID
		wire.CorrelationID = &correlationID
	}
	return json.Marshal(wire)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Event) UnmarshalJSON(data []byte) error {
	var wire wireEvent
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if math.IsNaN(wire.Timestamp) || math.IsInf(wire.Timestamp, 0) {
		return errors.New("event timestamp must be finite")
	}
	*e = Event{
		ID:        wire.ID,
		Type:      wire.Type,
		Timestamp: FromSeconds(wire.Timestamp),
		Actor:     wire.Actor,
		Data:      wire.Data,
		Processed: wire.Processed,
	}
	if wire.CorrelationID != nil {
		e.CorrelationID = *wire.CorrelationID
	}
	return nil
}

// NormalizeTime returns t in UTC at microsecond precision without a
// monotonic reading. Journal timestamps are normalized so they survive the
// float-seconds wire encoding unchanged.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// ToSeconds converts t to fractional Unix seconds.
func ToSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixMicro()) / 1e6
}

// FromSeconds converts fractional Unix seconds to a normalized time.
func FromSeconds(seconds float64) time.Time {
	if seconds == 0 {
		return time.Time{}
	}
	return time.UnixMicro(int64(math.Round(seconds * 1e6))).UTC()
}

// New builds an event with a fresh id, the given timestamp, and payload
// encoded as JSON. Payload validation happens in Registry.ValidateForAppend.
func New(evtType Type, actor string, payload any, now time.Time) (Event, error) {
	evtType = Type(strings.TrimSpace(string(evtType)))
	if evtType == "" {
		return Event{}, ErrTypeRequired
	}
	data, err := encodePayload(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", evtType, err)
	}
	eventID, err := id.NewID()
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        eventID,
		Type:      evtType,
		Timestamp: NormalizeTime(now),
		Actor:     strings.TrimSpace(actor),
		Data:      data,
	}, nil
}

// WithCorrelation returns a copy of e carrying the given correlation id.
func (e Event) WithCorrelation(correlationID string) Event {
	e.CorrelationID = strings.TrimSpace(correlationID)
	return e
}

// Clone returns a copy of e that shares no mutable memory with it.
func (e Event) Clone() Event {
	if e.Data != nil {
		e.Data = append(json.RawMessage(nil), e.Data...)
	}
	return e
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch typed := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(typed) == 0 {
			return json.RawMessage("{}"), nil
		}
		return append(json.RawMessage(nil), typed...), nil
	case []byte:
		if len(typed) == 0 {
			return json.RawMessage("{}"), nil
		}
		return append(json.RawMessage(nil), typed...), nil
	default:
		return json.Marshal(payload)
	}
}
