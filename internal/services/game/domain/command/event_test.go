package command

import (
	"errors"
	"testing"

	"github.com/louisbranch/loremaster/internal/services/game/domain/event"
)

func TestOutcomeEvent(t *testing.T) {
	env := newTestEnvelope(t, WithMaxRetries(1))
	_ = env.Start()
	_ = env.Fail(errors.New("no target"))

	evt, err := OutcomeEvent(env, fixedNow)
	if err != nil {
		t.Fatalf("outcome event: %v", err)
	}
	if evt.Type != event.TypeCommandFailed {
		t.Fatalf("type = %q", evt.Type)
	}
	if evt.CorrelationID != env.Header.CorrelationID || evt.Actor != "aria" {
		t.Fatalf("event lost envelope identity: %+v", evt)
	}
	payload, err := event.DecodePayload[event.CommandPayload](evt)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Intent != IntentPlayerAction || payload.Status != "failed" || payload.RetryCount != 1 || payload.Error != "no target" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if _, err := event.CoreRegistry().ValidateForAppend(evt); err != nil {
		t.Fatalf("outcome event should be journalable: %v", err)
	}
}
