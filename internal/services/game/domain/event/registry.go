package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/louisbranch/loremaster/internal/platform/errors"
)

var (
	// ErrIDRequired indicates a missing event id.
	ErrIDRequired = apperrors.New(apperrors.CodeValidation, "event id is required")
	// ErrTypeRequired indicates a missing event type.
	ErrTypeRequired = apperrors.New(apperrors.CodeValidation, "event type is required")
	// ErrTypeUnknown indicates an unregistered event type.
	ErrTypeUnknown = apperrors.New(apperrors.CodeEventTypeUnknown, "event type is not registered")
	// ErrTimestampRequired indicates a zero event timestamp.
	ErrTimestampRequired = apperrors.New(apperrors.CodeValidation, "event timestamp is required")
	// ErrPayloadInvalid indicates malformed or schema-violating payload JSON.
	ErrPayloadInvalid = apperrors.New(apperrors.CodeEventPayloadInvalid, "event payload is invalid")
)

// PayloadValidator validates a payload JSON document.
type PayloadValidator func(json.RawMessage) error

// Definition registers metadata for an event type.
type Definition struct {
	Type            Type
	ValidatePayload PayloadValidator
}

// Registry stores event definitions and validates events before append.
type Registry struct {
	definitions map[Type]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{definitions: make(map[Type]Definition)}
}

// CoreRegistry returns a registry holding every built-in game event type.
func CoreRegistry() *Registry {
	registry := NewRegistry()
	for _, def := range coreDefinitions() {
		// Core definitions are static and unique.
		_ = registry.Register(def)
	}
	return registry
}

func coreDefinitions() []Definition {
	return []Definition{
		{Type: TypePlayerAction, ValidatePayload: validatePlayerAction},
		{Type: TypeSkillCheck, ValidatePayload: validateSkillCheck},
		{Type: TypeScenarioChoice, ValidatePayload: validateScenarioChoice},
		{Type: TypeStateUpdate, ValidatePayload: validateStateUpdate},
		{Type: TypeCharacterUpdate, ValidatePayload: validateCharacterUpdate},
		{Type: TypeSceneChange, ValidatePayload: validateSceneChange},
		{Type: TypeSagaStarted, ValidatePayload: validateSaga},
		{Type: TypeSagaStepCompleted, ValidatePayload: validateSaga},
		{Type: TypeSagaStepFailed, ValidatePayload: validateSaga},
		{Type: TypeSagaCompensated, ValidatePayload: validateSaga},
		{Type: TypeSagaCompleted, ValidatePayload: validateSaga},
		{Type: TypeSagaFailed, ValidatePayload: validateSaga},
		{Type: TypeCommandCompleted, ValidatePayload: validateCommand},
		{Type: TypeCommandFailed, ValidatePayload: validateCommand},
	}
}

// Register adds a new event type definition to the registry.
func (r *Registry) Register(def Definition) error {
	if r == nil {
		return errors.New("registry is required")
	}
	def.Type = Type(strings.TrimSpace(string(def.Type)))
	if def.Type == "" {
		return ErrTypeRequired
	}
	if r.definitions == nil {
		r.definitions = make(map[Type]Definition)
	}
	if _, exists := r.definitions[def.Type]; exists {
		return fmt.Errorf("event type already registered: %s", def.Type)
	}
	r.definitions[def.Type] = def
	return nil
}

// Known reports whether the event type is registered.
func (r *Registry) Known(evtType Type) bool {
	if r == nil {
		return false
	}
	_, ok := r.definitions[Type(strings.TrimSpace(string(evtType)))]
	return ok
}

// ValidateForAppend validates and normalizes an event before it is journaled.
func (r *Registry) ValidateForAppend(evt Event) (Event, error) {
	if r == nil {
		return Event{}, errors.New("registry is required")
	}
	evt.ID = strings.TrimSpace(evt.ID)
	if evt.ID == "" {
		return Event{}, ErrIDRequired
	}
	evt.Type = Type(strings.TrimSpace(string(evt.Type)))
	if evt.Type == "" {
		return Event{}, ErrTypeRequired
	}
	def, ok := r.definitions[evt.Type]
	if !ok {
		return Event{}, apperrors.WithMetadata(apperrors.CodeEventTypeUnknown,
			fmt.Sprintf("event type %q is not registered", evt.Type),
			map[string]string{"event_type": string(evt.Type)})
	}
	if evt.Timestamp.IsZero() {
		return Event{}, ErrTimestampRequired
	}
	evt.Timestamp = NormalizeTime(evt.Timestamp)
	evt.Actor = strings.TrimSpace(evt.Actor)
	evt.CorrelationID = strings.TrimSpace(evt.CorrelationID)

	if len(evt.Data) == 0 {
		evt.Data = json.RawMessage("{}")
	}
	if !json.Valid(evt.Data) {
		return Event{}, apperrors.Wrap(apperrors.CodeEventPayloadInvalid, "event payload is invalid", errors.New("payload json must be valid"))
	}
	if def.ValidatePayload != nil {
		if err := def.ValidatePayload(evt.Data); err != nil {
			return Event{}, apperrors.Wrap(apperrors.CodeEventPayloadInvalid,
				fmt.Sprintf("%s payload is invalid", evt.Type), err)
		}
	}
	return evt.Clone(), nil
}

// ListTypes returns the registered event types in sorted order.
func (r *Registry) ListTypes() []Type {
	if r == nil || len(r.definitions) == 0 {
		return nil
	}
	types := make([]Type, 0, len(r.definitions))
	for evtType := range r.definitions {
		types = append(types, evtType)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
