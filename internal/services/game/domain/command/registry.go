package command

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	apperrors "github.com/louisbranch/loremaster/internal/platform/errors"
)

// Built-in intents submitted by the routing layer.
const (
	IntentPlayerAction      = "player_action"
	IntentSkillCheck        = "skill_check"
	IntentCombat            = "combat"
	IntentSceneTransition   = "scene_transition"
	IntentCharacterCreation = "character_creation"
	IntentScenarioChoice    = "scenario_choice"
	IntentStateUpdate       = "state_update"
)

// BodyValidator validates an envelope body for one intent.
type BodyValidator func(Body) error

// Definition registers metadata for an intent.
type Definition struct {
	Intent       string
	ValidateBody BodyValidator
	// SagaType names the saga template started for this intent. Empty means
	// the intent is handled by a single handler call.
	SagaType string
	// Timeout and MaxRetries override envelope defaults when non-zero.
	Timeout    time.Duration
	MaxRetries int
}

// Registry stores intent definitions and validates envelopes.
type Registry struct {
	definitions map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{definitions: make(map[string]Definition)}
}

// CoreRegistry returns a registry with the built-in intents.
func CoreRegistry() *Registry {
	registry := NewRegistry()
	for _, def := range coreDefinitions() {
		if err := registry.Register(def); err != nil {
			panic(err)
		}
	}
	return registry
}

func coreDefinitions() []Definition {
	requireUtterance := func(body Body) error {
		if strings.TrimSpace(body.Utterance) == "" {
			return errors.New("utterance is required")
		}
		return nil
	}
	requireEntity := func(key string) BodyValidator {
		return func(body Body) error {
			if _, ok := body.Entities[key]; !ok {
				return fmt.Errorf("entity %q is required", key)
			}
			return nil
		}
	}
	return []Definition{
		{Intent: IntentPlayerAction, ValidateBody: requireUtterance},
		{Intent: IntentSkillCheck, ValidateBody: requireEntity("skill"), SagaType: "skill_challenge"},
		{Intent: IntentCombat, SagaType: "combat_encounter", Timeout: 2 * time.Minute},
		{Intent: IntentSceneTransition, SagaType: "scene_transition"},
		{Intent: IntentCharacterCreation, SagaType: "character_creation", Timeout: 5 * time.Minute},
		{Intent: IntentScenarioChoice, ValidateBody: requireEntity("choice")},
		{Intent: IntentStateUpdate, ValidateBody: requireEntity("updates")},
	}
}

// Register adds a new intent definition to the registry.
func (r *Registry) Register(def Definition) error {
	if r == nil {
		return errors.New("registry is required")
	}
	def.Intent = strings.TrimSpace(def.Intent)
	if def.Intent == "" {
		return ErrIntentRequired
	}
	if def.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	if r.definitions == nil {
		r.definitions = make(map[string]Definition)
	}
	if _, exists := r.definitions[def.Intent]; exists {
		return fmt.Errorf("intent already registered: %s", def.Intent)
	}
	r.definitions[def.Intent] = def
	return nil
}

// ValidateEnvelope checks an envelope's structure, intent, and body.
func (r *Registry) ValidateEnvelope(env *Envelope) error {
	if env == nil {
		return ErrEnvelopeInvalid
	}
	if err := env.Validate(); err != nil {
		return err
	}
	def, ok := r.Definition(env.Header.Intent)
	if !ok {
		return apperrors.WithMetadata(apperrors.CodeValidation,
			fmt.Sprintf("command intent %q is not registered", env.Header.Intent),
			map[string]string{"intent": env.Header.Intent})
	}
	if def.ValidateBody != nil {
		if err := def.ValidateBody(env.Body); err != nil {
			return apperrors.Wrap(apperrors.CodeEnvelopeInvalid,
				fmt.Sprintf("%s body is invalid", def.Intent), err)
		}
	}
	return nil
}

// Definition returns the definition for a given intent.
func (r *Registry) Definition(intent string) (Definition, bool) {
	if r == nil {
		return Definition{}, false
	}
	intent = strings.TrimSpace(intent)
	if intent == "" {
		return Definition{}, false
	}
	def, ok := r.definitions[intent]
	return def, ok
}

// ListDefinitions returns a stable, sorted snapshot of registered definitions.
func (r *Registry) ListDefinitions() []Definition {
	if r == nil || len(r.definitions) == 0 {
		return nil
	}
	definitions := make([]Definition, 0, len(r.definitions))
	for _, definition := range r.definitions {
		definitions = append(definitions, definition)
	}
	sort.Slice(definitions, func(i, j int) bool {
		return definitions[i].Intent < definitions[j].Intent
	})
	return definitions
}

// Options returns envelope options derived from the intent definition.
func (def Definition) Options() []Option {
	var opts []Option
	if def.Timeout > 0 {
		opts = append(opts, WithTimeout(def.Timeout))
	}
	if def.MaxRetries > 0 {
		opts = append(opts, WithMaxRetries(def.MaxRetries))
	}
	return opts
}
