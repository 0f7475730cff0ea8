package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// PlayerActionPayload describes an action a player took in the fiction.
type PlayerActionPayload struct {
	Action  string         `json:"action"`
	Target  string         `json:"target,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// SkillCheckPayload records a resolved skill check.
type SkillCheckPayload struct {
	Skill      string `json:"skill"`
	Difficulty int    `json:"difficulty,omitempty"`
	Roll       int    `json:"roll,omitempty"`
	Modifier   int    `json:"modifier,omitempty"`
	Success    *bool  `json:"success,omitempty"`
}

// ScenarioChoicePayload records the scenario presented and the choice made.
type ScenarioChoicePayload struct {
	Scenario string   `json:"scenario"`
	Options  []string `json:"options,omitempty"`
	Choice   string   `json:"choice,omitempty"`
}

// StateUpdatePayload carries keys to shallow-merge into game state.
type StateUpdatePayload struct {
	Updates map[string]any `json:"updates"`
}

// CharacterUpdatePayload carries fields to merge into a player's character.
type CharacterUpdatePayload struct {
	Name       string         `json:"name,omitempty"`
	Class      string         `json:"class,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// SceneChangePayload moves the session to a new scene.
type SceneChangePayload struct {
	Scenario string   `json:"scenario"`
	Options  []string `json:"options,omitempty"`
	Location string   `json:"location,omitempty"`
}

// SagaPayload is shared by all saga_* events.
type SagaPayload struct {
	SagaID     string         `json:"saga_id"`
	SagaType   string         `json:"saga_type"`
	StepNumber int            `json:"step_number"`
	StepType   string         `json:"step_type,omitempty"`
	Handler    string         `json:"handler,omitempty"`
	Attempt    int            `json:"attempt,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// CommandPayload is shared by command_completed and command_failed events.
type CommandPayload struct {
	Intent     string         `json:"intent"`
	Status     string         `json:"status"`
	RetryCount int            `json:"retry_count"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// DecodePayload decodes an event's data into the payload type T.
func DecodePayload[T any](evt Event) (T, error) {
	var payload T
	data := evt.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return payload, fmt.Errorf("decode %s payload: %w", evt.Type, err)
	}
	return payload, nil
}

func validatePlayerAction(raw json.RawMessage) error {
	var payload PlayerActionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if strings.TrimSpace(payload.Action) == "" {
		return errors.New("action is required")
	}
	return nil
}

func validateSkillCheck(raw json.RawMessage) error {
	var payload SkillCheckPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if strings.TrimSpace(payload.Skill) == "" {
		return errors.New("skill is required")
	}
	if payload.Difficulty < 0 {
		return errors.New("difficulty must not be negative")
	}
	return nil
}

func validateScenarioChoice(raw json.RawMessage) error {
	var payload ScenarioChoicePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if strings.TrimSpace(payload.Scenario) == "" {
		return errors.New("scenario is required")
	}
	return nil
}

func validateStateUpdate(raw json.RawMessage) error {
	var payload StateUpdatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if payload.Updates == nil {
		return errors.New("updates is required")
	}
	return nil
}

func validateCharacterUpdate(raw json.RawMessage) error {
	var payload CharacterUpdatePayload
	return json.Unmarshal(raw, &payload)
}

func validateSceneChange(raw json.RawMessage) error {
	var payload SceneChangePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if strings.TrimSpace(payload.Scenario) == "" && strings.TrimSpace(payload.Location) == "" {
		return errors.New("scenario or location is required")
	}
	return nil
}

func validateSaga(raw json.RawMessage) error {
	var payload SagaPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if strings.TrimSpace(payload.SagaID) == "" {
		return errors.New("saga id is required")
	}
	return nil
}

func validateCommand(raw json.RawMessage) error {
	var payload CommandPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if strings.TrimSpace(payload.Intent) == "" {
		return errors.New("intent is required")
	}
	return nil
}
