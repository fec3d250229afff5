package coordinator

import (
	"fmt"
	"sort"
	"time"

	"atrium/internal/capability"
	"atrium/internal/mission"
)

// TaskBlueprint is one entry of a mission template: a capability binding plus
// whether the resulting task gates mission termination.
type TaskBlueprint struct {
	Capability string `json:"capability" yaml:"capability"`
	Required   bool   `json:"required" yaml:"required"`
}

// RuleSet is the decomposition policy: a table of mission templates keyed by
// intention type. Decomposition itself is pure; the only side effects happen
// at dispatch.
type RuleSet struct {
	templates map[string][]TaskBlueprint
}

// NewRuleSet builds a rule set from a template table.
func NewRuleSet(templates map[string][]TaskBlueprint) *RuleSet {
	copied := make(map[string][]TaskBlueprint, len(templates))
	for intentionType, blueprints := range templates {
		copied[intentionType] = append([]TaskBlueprint(nil), blueprints...)
	}
	return &RuleSet{templates: copied}
}

// NewDefaultRuleSet returns the built-in mission templates for the
// building-assistant deployment.
func NewDefaultRuleSet() *RuleSet {
	return NewRuleSet(map[string][]TaskBlueprint{
		"call_elevator": {
			{Capability: capability.ElevatorControl, Required: true},
		},
		"find_person": {
			{Capability: capability.AccessSearch, Required: true},
			{Capability: capability.Notification, Required: false},
		},
		"energy_report": {
			{Capability: capability.Metering, Required: true},
			{Capability: capability.Notification, Required: false},
		},
		"set_temperature": {
			{Capability: capability.ClimateControl, Required: true},
		},
		"building_status": {
			{Capability: capability.Metering, Required: true},
			{Capability: capability.ClimateControl, Required: true},
			{Capability: capability.ElevatorControl, Required: false},
		},
	})
}

// Known reports whether an intention type maps to a mission template.
func (r *RuleSet) Known(intentionType string) bool {
	_, ok := r.templates[intentionType]
	return ok
}

// Types returns the known intention types in sorted order.
func (r *RuleSet) Types() []string {
	types := make([]string, 0, len(r.templates))
	for t := range r.templates {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Decompose expands an intention into its mission's tasks. It is deterministic:
// task ids derive from the mission id and blueprint index, so a redelivered
// decomposition message regenerates the identical task set instead of
// duplicating it. The intention's parameters pass through to every task; each
// tool agent extracts what it needs.
func (r *RuleSet) Decompose(m mission.Mission, intent mission.Intention, registry *capability.Registry, now time.Time) ([]mission.Task, error) {
	blueprints, ok := r.templates[intent.Type]
	if !ok {
		return nil, fmt.Errorf("no mission template for intention type %q", intent.Type)
	}

	tasks := make([]mission.Task, 0, len(blueprints))
	for idx, blueprint := range blueprints {
		policy, err := registry.Resolve(blueprint.Capability)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, mission.Task{
			TaskID:        fmt.Sprintf("task-%s-%02d", m.MissionID, idx),
			MissionID:     m.MissionID,
			Capability:    blueprint.Capability,
			Parameters:    intent.Parameters,
			Status:        mission.TaskPending,
			Required:      blueprint.Required,
			MaxAttempts:   policy.MaxAttempts,
			CreatedAt:     now,
			NextAttemptAt: now,
		})
	}
	return tasks, nil
}
