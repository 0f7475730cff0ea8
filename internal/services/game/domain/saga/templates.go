package saga

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/louisbranch/loremaster/internal/platform/errors"
	"github.com/louisbranch/loremaster/internal/platform/timeouts"
)

// Built-in saga types.
const (
	TypeSkillChallenge    = "skill_challenge"
	TypeCombatEncounter   = "combat_encounter"
	TypeSceneTransition   = "scene_transition"
	TypeCharacterCreation = "character_creation"
)

// Template is the ordered list of steps for a saga type.
type Template struct {
	Type  string `yaml:"type"`
	Steps []Step `yaml:"steps"`

	// SourceFile is set for templates loaded from disk.
	SourceFile string `yaml:"-"`
}

// Validate checks that the template can be executed and fills step defaults.
func (t *Template) Validate() error {
	t.Type = strings.TrimSpace(t.Type)
	if t.Type == "" {
		return apperrors.Wrap(apperrors.CodeValidation, "saga template is invalid", errors.New("type is required"))
	}
	if len(t.Steps) == 0 {
		return apperrors.Wrap(apperrors.CodeValidation, "saga template is invalid",
			fmt.Errorf("template %q has no steps", t.Type))
	}
	for i := range t.Steps {
		step := &t.Steps[i]
		step.Type = strings.TrimSpace(step.Type)
		step.Handler = strings.TrimSpace(step.Handler)
		step.CompensationHandler = strings.TrimSpace(step.CompensationHandler)
		if step.Type == "" || step.Handler == "" {
			return apperrors.Wrap(apperrors.CodeValidation, "saga template is invalid",
				fmt.Errorf("template %q step %d needs a type and a handler", t.Type, i))
		}
		if step.MaxRetries < 0 {
			return apperrors.Wrap(apperrors.CodeValidation, "saga template is invalid",
				fmt.Errorf("template %q step %q has negative max_retries", t.Type, step.Type))
		}
		if step.Timeout <= 0 {
			step.Timeout = timeouts.SagaStep
		}
	}
	return nil
}

// DefaultTemplates returns the built-in templates keyed by saga type.
func DefaultTemplates() map[string]Template {
	templates := []Template{
		{
			Type: TypeSkillChallenge,
			Steps: []Step{
				{Type: "validate_skill", Handler: "skill.validate"},
				{Type: "roll_dice", Handler: "dice.roll", MaxRetries: 2},
				{Type: "apply_modifiers", Handler: "skill.apply_modifiers", MaxRetries: 1, CompensationHandler: "skill.revert_modifiers"},
				{Type: "narrate_outcome", Handler: "narration.outcome", MaxRetries: 2},
			},
		},
		{
			Type: TypeCombatEncounter,
			Steps: []Step{
				{Type: "initialize_combat", Handler: "combat.initialize", MaxRetries: 1, CompensationHandler: "combat.teardown"},
				{Type: "roll_initiative", Handler: "dice.initiative", MaxRetries: 2},
				{Type: "resolve_round", Handler: "combat.resolve_round", Timeout: time.Minute, MaxRetries: 1, CompensationHandler: "combat.rewind_round"},
				{Type: "apply_damage", Handler: "combat.apply_damage", MaxRetries: 1, CompensationHandler: "combat.restore_health"},
				{Type: "check_victory", Handler: "combat.check_victory"},
				{Type: "narrate_combat", Handler: "narration.combat", MaxRetries: 2},
			},
		},
		{
			Type: TypeSceneTransition,
			Steps: []Step{
				{Type: "save_scene", Handler: "scene.save", MaxRetries: 1, CompensationHandler: "scene.restore"},
				{Type: "generate_scene", Handler: "scene.generate", Timeout: time.Minute, MaxRetries: 2},
				{Type: "announce_scene", Handler: "narration.scene", MaxRetries: 2},
			},
		},
		{
			Type: TypeCharacterCreation,
			Steps: []Step{
				{Type: "choose_ancestry", Handler: "character.ancestry", CompensationHandler: "character.discard"},
				{Type: "assign_traits", Handler: "character.traits", MaxRetries: 1},
				{Type: "choose_class", Handler: "character.class", MaxRetries: 1},
				{Type: "equip_character", Handler: "character.equip", MaxRetries: 1, CompensationHandler: "character.unequip"},
				{Type: "finalize_character", Handler: "character.finalize", MaxRetries: 1},
			},
		},
	}
	out := make(map[string]Template, len(templates))
	for _, tmpl := range templates {
		if err := tmpl.Validate(); err != nil {
			panic(err)
		}
		out[tmpl.Type] = tmpl
	}
	return out
}

// LoadTemplateFile parses a single YAML template.
func LoadTemplateFile(path string) (Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Template{}, err
	}
	var tmpl Template
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return Template{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := tmpl.Validate(); err != nil {
		return Template{}, fmt.Errorf("%s: %w", path, err)
	}
	tmpl.SourceFile = path
	return tmpl, nil
}

// LoadTemplates reads every *.yaml and *.yml file in dir. Files that fail to
// parse are reported in the joined error; the remaining templates are still
// returned, sorted by type.
func LoadTemplates(dir string) ([]Template, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read saga template dir %s: %w", dir, err)
	}

	var (
		templates []Template
		errs      []error
	)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !(strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")) {
			continue
		}
		tmpl, err := LoadTemplateFile(filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		templates = append(templates, tmpl)
	}
	sort.Slice(templates, func(i, j int) bool { return templates[i].Type < templates[j].Type })
	return templates, errors.Join(errs...)
}
