package projection

import "time"

// State is the projected game state.
type State struct {
	Players         map[string]Player         `json:"players"`
	Session         Session                   `json:"session"`
	CurrentScenario string                    `json:"current_scenario"`
	CurrentOptions  []string                  `json:"current_options"`
	SceneHistory    []SceneEntry              `json:"scene_history"`
	Custom          map[string]any            `json:"custom,omitempty"`
	Sagas           map[string]SagaProgress   `json:"sagas,omitempty"`
	Commands        map[string]CommandOutcome `json:"commands,omitempty"`
	Errors          []ProjectionError         `json:"errors"`
}

// Player is the projected view of one actor.
type Player struct {
	Name        string            `json:"name,omitempty"`
	Class       string            `json:"class,omitempty"`
	Attributes  map[string]any    `json:"attributes,omitempty"`
	Actions     []ActionEntry     `json:"actions"`
	SkillChecks []SkillCheckEntry `json:"skill_checks"`
}

// ActionEntry records one player action.
type ActionEntry struct {
	EventID   string         `json:"event_id"`
	Action    string         `json:"action"`
	Target    string         `json:"target,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// SkillCheckEntry records one resolved skill check.
type SkillCheckEntry struct {
	EventID    string    `json:"event_id"`
	Skill      string    `json:"skill"`
	Difficulty int       `json:"difficulty,omitempty"`
	Roll       int       `json:"roll,omitempty"`
	Modifier   int       `json:"modifier,omitempty"`
	Success    *bool     `json:"success,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Session holds session-wide facts.
type Session struct {
	Location string         `json:"location,omitempty"`
	Events   []SessionEntry `json:"events"`
}

// SessionEntry is one line of the session activity log.
type SessionEntry struct {
	EventID   string    `json:"event_id"`
	Actor     string    `json:"actor"`
	Summary   string    `json:"summary"`
	Timestamp time.Time `json:"timestamp"`
}

// SceneEntry records a scenario presented to the players.
type SceneEntry struct {
	EventID   string    `json:"event_id"`
	Scenario  string    `json:"scenario"`
	Options   []string  `json:"options,omitempty"`
	Choice    string    `json:"choice,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SagaProgress summarizes a saga from its journaled events.
type SagaProgress struct {
	Type           string `json:"type"`
	Status         string `json:"status"`
	StepsCompleted int    `json:"steps_completed"`
	Failures       int    `json:"failures"`
	LastError      string `json:"last_error,omitempty"`
}

// CommandOutcome is the terminal result of a command keyed by correlation id.
type CommandOutcome struct {
	Intent     string `json:"intent"`
	Status     string `json:"status"`
	RetryCount int    `json:"retry_count"`
	Error      string `json:"error,omitempty"`
}

// ProjectionError records an event whose handler failed.
type ProjectionError struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Error     string `json:"error"`
}

// NewState returns an empty state with initialized collections.
func NewState() State {
	return State{
		Players:  make(map[string]Player),
		Custom:   make(map[string]any),
		Sagas:    make(map[string]SagaProgress),
		Commands: make(map[string]CommandOutcome),
	}
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := State{
		Session: Session{
			Location: s.Session.Location,
			Events:   cloneSlice(s.Session.Events),
		},
		CurrentScenario: s.CurrentScenario,
		CurrentOptions:  cloneSlice(s.CurrentOptions),
		Errors:          cloneSlice(s.Errors),
		Custom:          cloneMap(s.Custom),
	}
	if s.Players != nil {
		out.Players = make(map[string]Player, len(s.Players))
		for name, player := range s.Players {
			out.Players[name] = player.clone()
		}
	}
	if s.SceneHistory != nil {
		out.SceneHistory = make([]SceneEntry, len(s.SceneHistory))
		for i, entry := range s.SceneHistory {
			entry.Options = cloneSlice(entry.Options)
			out.SceneHistory[i] = entry
		}
	}
	if s.Sagas != nil {
		out.Sagas = make(map[string]SagaProgress, len(s.Sagas))
		for id, progress := range s.Sagas {
			out.Sagas[id] = progress
		}
	}
	if s.Commands != nil {
		out.Commands = make(map[string]CommandOutcome, len(s.Commands))
		for id, outcome := range s.Commands {
			out.Commands[id] = outcome
		}
	}
	return out
}

func (p Player) clone() Player {
	out := Player{
		Name:       p.Name,
		Class:      p.Class,
		Attributes: cloneMap(p.Attributes),
	}
	if p.Actions != nil {
		out.Actions = make([]ActionEntry, len(p.Actions))
		for i, action := range p.Actions {
			action.Details = cloneMap(action.Details)
			out.Actions[i] = action
		}
	}
	if p.SkillChecks != nil {
		out.SkillChecks = make([]SkillCheckEntry, len(p.SkillChecks))
		for i, check := range p.SkillChecks {
			if check.Success != nil {
				success := *check.Success
				check.Success = &success
			}
			out.SkillChecks[i] = check
		}
	}
	return out
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	return append(make([]T, 0, len(in)), in...)
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return cloneMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return cloneSlice(typed)
	default:
		return value
	}
}
