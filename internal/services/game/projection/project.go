package projection

import (
	"fmt"
	"sort"

	"github.com/louisbranch/loremaster/internal/services/game/domain/event"
)

// EventSource exposes a snapshot of the complete event history.
type EventSource interface {
	Events() []event.Event
}

// Project folds events over a copy of initial and returns the new state.
//
// Events are stably sorted by timestamp, so equal timestamps keep their input
// order. Neither initial nor events is modified.
func Project(events []event.Event, initial State) State {
	state := initial.Clone()

	ordered := make([]event.Event, len(events))
	for i, evt := range events {
		ordered[i] = evt.Clone()
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	for _, evt := range ordered {
		handler, ok := handlers[evt.Type]
		if !ok {
			continue
		}
		if err := apply(&state, evt, handler); err != nil {
			state.Errors = append(state.Errors, ProjectionError{
				EventID:   evt.ID,
				EventType: string(evt.Type),
				Error:     err.Error(),
			})
		}
	}
	return state
}

// ProjectStore projects the full history of source onto an empty state.
func ProjectStore(source EventSource) State {
	if source == nil {
		return NewState()
	}
	return Project(source.Events(), NewState())
}

func apply(state *State, evt event.Event, handler handlerFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(state, evt)
}
