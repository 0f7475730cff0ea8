package projection

import (
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/loremaster/internal/services/game/domain/event"
)

// handlerFunc applies one event to the state being folded. A handler decodes
// and validates the whole event before its first write to state: a returned
// error or a panic leaves no partial update, since Project keeps folding over
// the same state.
type handlerFunc func(*State, event.Event) error

// handlers maps each projected event type to its handler.
var handlers = map[event.Type]handlerFunc{
	event.TypePlayerAction:    applyPlayerAction,
	event.TypeSkillCheck:      applySkillCheck,
	event.TypeScenarioChoice:  applyScenarioChoice,
	event.TypeStateUpdate:     applyStateUpdate,
	event.TypeCharacterUpdate: applyCharacterUpdate,
	event.TypeSceneChange:     applySceneChange,

	event.TypeSagaStarted:       applySagaEvent,
	event.TypeSagaStepCompleted: applySagaEvent,
	event.TypeSagaStepFailed:    applySagaEvent,
	event.TypeSagaCompensated:   applySagaEvent,
	event.TypeSagaCompleted:     applySagaEvent,
	event.TypeSagaFailed:        applySagaEvent,

	event.TypeCommandCompleted: applyCommandOutcome,
	event.TypeCommandFailed:    applyCommandOutcome,
}

// HandledTypes lists the event types with a projection handler.
func HandledTypes() []event.Type {
	types := make([]event.Type, 0, len(handlers))
	for evtType := range handlers {
		types = append(types, evtType)
	}
	return types
}

var errActorRequired = errors.New("actor is required")

func playerFor(state *State, actor string) (Player, error) {
	if strings.TrimSpace(actor) == "" {
		return Player{}, errActorRequired
	}
	if state.Players == nil {
		state.Players = make(map[string]Player)
	}
	return state.Players[actor], nil
}

func applyPlayerAction(state *State, evt event.Event) error {
	payload, err := event.DecodePayload[event.PlayerActionPayload](evt)
	if err != nil {
		return err
	}
	player, err := playerFor(state, evt.Actor)
	if err != nil {
		return err
	}
	player.Actions = append(player.Actions, ActionEntry{
		EventID:   evt.ID,
		Action:    payload.Action,
		Target:    payload.Target,
		Details:   cloneMap(payload.Details),
		Timestamp: evt.Timestamp,
	})
	state.Players[evt.Actor] = player

	summary := payload.Action
	if payload.Target != "" {
		summary = fmt.Sprintf("%s -> %s", payload.Action, payload.Target)
	}
	state.Session.Events = append(state.Session.Events, SessionEntry{
		EventID:   evt.ID,
		Actor:     evt.Actor,
		Summary:   summary,
		Timestamp: evt.Timestamp,
	})
	return nil
}

func applySkillCheck(state *State, evt event.Event) error {
	payload, err := event.DecodePayload[event.SkillCheckPayload](evt)
	if err != nil {
		return err
	}
	player, err := playerFor(state, evt.Actor)
	if err != nil {
		return err
	}
	player.SkillChecks = append(player.SkillChecks, SkillCheckEntry{
		EventID:    evt.ID,
		Skill:      payload.Skill,
		Difficulty: payload.Difficulty,
		Roll:       payload.Roll,
		Modifier:   payload.Modifier,
		Success:    payload.Success,
		Timestamp:  evt.Timestamp,
	})
	state.Players[evt.Actor] = player
	return nil
}

func applyScenarioChoice(state *State, evt event.Event) error {
	payload, err := event.DecodePayload[event.ScenarioChoicePayload](evt)
	if err != nil {
		return err
	}
	state.CurrentScenario = payload.Scenario
	state.CurrentOptions = cloneSlice(payload.Options)
	state.SceneHistory = append(state.SceneHistory, SceneEntry{
		EventID:   evt.ID,
		Scenario:  payload.Scenario,
		Options:   cloneSlice(payload.Options),
		Choice:    payload.Choice,
		Timestamp: evt.Timestamp,
	})
	return nil
}

// applyStateUpdate shallow-merges updates. Keys naming typed state fields
// set those fields; everything else lands in Custom.
func applyStateUpdate(state *State, evt event.Event) error {
	payload, err := event.DecodePayload[event.StateUpdatePayload](evt)
	if err != nil {
		return err
	}

	// Validate typed keys before touching state so a bad update is all or nothing.
	var (
		scenario, location string
		options            []string
	)
	if raw, ok := payload.Updates["current_scenario"]; ok {
		if scenario, ok = raw.(string); !ok {
			return fmt.Errorf("current_scenario must be a string, got %T", raw)
		}
	}
	if raw, ok := payload.Updates["location"]; ok {
		if location, ok = raw.(string); !ok {
			return fmt.Errorf("location must be a string, got %T", raw)
		}
	}
	if raw, ok := payload.Updates["current_options"]; ok {
		if options, err = stringList(raw); err != nil {
			return fmt.Errorf("current_options: %w", err)
		}
	}

	for key, value := range payload.Updates {
		switch key {
		case "current_scenario":
			state.CurrentScenario = scenario
		case "location":
			state.Session.Location = location
		case "current_options":
			state.CurrentOptions = options
		default:
			if state.Custom == nil {
				state.Custom = make(map[string]any)
			}
			state.Custom[key] = cloneValue(value)
		}
	}
	return nil
}

func applyCharacterUpdate(state *State, evt event.Event) error {
	payload, err := event.DecodePayload[event.CharacterUpdatePayload](evt)
	if err != nil {
		return err
	}
	player, err := playerFor(state, evt.Actor)
	if err != nil {
		return err
	}
	if payload.Name != "" {
		player.Name = payload.Name
	}
	if payload.Class != "" {
		player.Class = payload.Class
	}
	if len(payload.Attributes) > 0 {
		if player.Attributes == nil {
			player.Attributes = make(map[string]any, len(payload.Attributes))
		}
		for key, value := range payload.Attributes {
			player.Attributes[key] = cloneValue(value)
		}
	}
	state.Players[evt.Actor] = player
	return nil
}

func applySceneChange(state *State, evt event.Event) error {
	payload, err := event.DecodePayload[event.SceneChangePayload](evt)
	if err != nil {
		return err
	}
	if payload.Scenario != "" {
		state.CurrentScenario = payload.Scenario
		state.CurrentOptions = cloneSlice(payload.Options)
	}
	if payload.Location != "" {
		state.Session.Location = payload.Location
	}
	return nil
}

func applySagaEvent(state *State, evt event.Event) error {
	payload, err := event.DecodePayload[event.SagaPayload](evt)
	if err != nil {
		return err
	}
	if payload.SagaID == "" {
		return errors.New("saga id is required")
	}
	if state.Sagas == nil {
		state.Sagas = make(map[string]SagaProgress)
	}
	progress := state.Sagas[payload.SagaID]
	if payload.SagaType != "" {
		progress.Type = payload.SagaType
	}
	switch evt.Type {
	case event.TypeSagaStarted:
		progress.Status = "active"
	case event.TypeSagaStepCompleted:
		progress.StepsCompleted++
	case event.TypeSagaStepFailed:
		progress.Failures++
		progress.LastError = payload.Error
	case event.TypeSagaCompensated:
		progress.Status = "compensating"
	case event.TypeSagaCompleted:
		progress.Status = "completed"
	case event.TypeSagaFailed:
		progress.Status = "failed"
		if payload.Error != "" {
			progress.LastError = payload.Error
		}
	}
	state.Sagas[payload.SagaID] = progress
	return nil
}

func applyCommandOutcome(state *State, evt event.Event) error {
	payload, err := event.DecodePayload[event.CommandPayload](evt)
	if err != nil {
		return err
	}
	if evt.CorrelationID == "" {
		return errors.New("correlation id is required")
	}
	if state.Commands == nil {
		state.Commands = make(map[string]CommandOutcome)
	}
	state.Commands[evt.CorrelationID] = CommandOutcome{
		Intent:     payload.Intent,
		Status:     payload.Status,
		RetryCount: payload.RetryCount,
		Error:      payload.Error,
	}
	return nil
}

func stringList(raw any) ([]string, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list, got %T", raw)
	}
	out := make([]string, 0, len(items))
	for i, item := range items {
		value, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("item %d must be a string, got %T", i, item)
		}
		out = append(out, value)
	}
	return out, nil
}
