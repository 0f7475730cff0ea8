package command

import (
	"time"

	"github.com/louisbranch/loremaster/internal/services/game/domain/event"
)

// NewEvent builds an event carrying the envelope's actor and correlation id.
// Callers supply the event type, payload, and timestamp.
func NewEvent(env *Envelope, eventType event.Type, payload any, now time.Time) (event.Event, error) {
	evt, err := event.New(eventType, env.Header.Actor, payload, now)
	if err != nil {
		return event.Event{}, err
	}
	return evt.WithCorrelation(env.Header.CorrelationID), nil
}

// OutcomeEvent builds the command_completed or command_failed event for a
// terminal envelope.
func OutcomeEvent(env *Envelope, now time.Time) (event.Event, error) {
	eventType := event.TypeCommandFailed
	if env.Status == StatusCompleted {
		eventType = event.TypeCommandCompleted
	}
	return NewEvent(env, eventType, event.CommandPayload{
		Intent:     env.Header.Intent,
		Status:     string(env.Status),
		RetryCount: env.Header.RetryCount,
		Result:     env.Result,
		Error:      env.Error,
	}, now)
}
