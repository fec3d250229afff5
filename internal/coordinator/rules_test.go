package coordinator

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atrium/internal/capability"
	"atrium/internal/mission"
)

func TestDecomposeIsDeterministic(t *testing.T) {
	rules := NewDefaultRuleSet()
	registry := capability.NewDefaultRegistry()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	m := mission.Mission{MissionID: "m1"}
	intent := mission.Intention{
		IntentionID: "intent-1",
		SessionID:   "session-1",
		Type:        "building_status",
		Parameters:  json.RawMessage(`{"floor":4}`),
	}

	first, err := rules.Decompose(m, intent, registry, now)
	require.NoError(t, err)
	second, err := rules.Decompose(m, intent, registry, now)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.Len(t, first, 3)
	assert.Equal(t, "task-m1-00", first[0].TaskID)
	assert.Equal(t, "task-m1-01", first[1].TaskID)
	assert.Equal(t, "task-m1-02", first[2].TaskID)
}

func TestDecomposeMarksRequiredAndOptional(t *testing.T) {
	rules := NewDefaultRuleSet()
	registry := capability.NewDefaultRegistry()

	m := mission.Mission{MissionID: "m1"}
	intent := mission.Intention{Type: "find_person"}

	tasks, err := rules.Decompose(m, intent, registry, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	assert.Equal(t, capability.AccessSearch, tasks[0].Capability)
	assert.True(t, tasks[0].Required)
	assert.Equal(t, capability.Notification, tasks[1].Capability)
	assert.False(t, tasks[1].Required)
}

func TestDecomposePassesParametersThrough(t *testing.T) {
	rules := NewDefaultRuleSet()
	registry := capability.NewDefaultRegistry()

	params := json.RawMessage(`{"target":"floor-7"}`)
	tasks, err := rules.Decompose(
		mission.Mission{MissionID: "m1"},
		mission.Intention{Type: "call_elevator", Parameters: params},
		registry,
		time.Now().UTC(),
	)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.JSONEq(t, string(params), string(tasks[0].Parameters))
	assert.Equal(t, mission.TaskPending, tasks[0].Status)
}

func TestDecomposeUnknownIntentionType(t *testing.T) {
	rules := NewDefaultRuleSet()
	registry := capability.NewDefaultRegistry()

	_, err := rules.Decompose(
		mission.Mission{MissionID: "m1"},
		mission.Intention{Type: "order_pizza"},
		registry,
		time.Now().UTC(),
	)
	require.Error(t, err)
}

func TestDecomposeUnknownCapabilityFails(t *testing.T) {
	rules := NewRuleSet(map[string][]TaskBlueprint{
		"haunt_basement": {{Capability: "poltergeist", Required: true}},
	})
	registry := capability.NewDefaultRegistry()

	_, err := rules.Decompose(
		mission.Mission{MissionID: "m1"},
		mission.Intention{Type: "haunt_basement"},
		registry,
		time.Now().UTC(),
	)
	require.Error(t, err)
}

func TestKnownAndTypes(t *testing.T) {
	rules := NewDefaultRuleSet()
	assert.True(t, rules.Known("call_elevator"))
	assert.False(t, rules.Known("order_pizza"))
	assert.Contains(t, rules.Types(), "energy_report")
}

func TestDecomposeAppliesPolicyAttempts(t *testing.T) {
	registry := capability.NewRegistry()
	registry.Register(capability.Metering, capability.Policy{Timeout: time.Minute, MaxAttempts: 5})

	rules := NewRuleSet(map[string][]TaskBlueprint{
		"energy_report": {{Capability: capability.Metering, Required: true}},
	})

	tasks, err := rules.Decompose(
		mission.Mission{MissionID: "m1"},
		mission.Intention{Type: "energy_report"},
		registry,
		time.Now().UTC(),
	)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, 5, tasks[0].MaxAttempts)
}
