package coordinator

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atrium/internal/acp"
	"atrium/internal/bus"
	"atrium/internal/capability"
	"atrium/internal/mission"
	"atrium/internal/state"
)

// captureBus records every publish synchronously so tests can assert on the
// exact message flow without racing a delivery goroutine.
type captureBus struct {
	mu        sync.Mutex
	published map[string][]acp.Message
	failTopic string
}

func newCaptureBus() *captureBus {
	return &captureBus{published: make(map[string][]acp.Message)}
}

func (b *captureBus) Publish(_ context.Context, topic string, msg acp.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failTopic != "" && strings.HasPrefix(topic, b.failTopic) {
		return context.DeadlineExceeded
	}
	b.published[topic] = append(b.published[topic], msg)
	return nil
}

func (b *captureBus) Subscribe(string, string, bus.Handler) error {
	return nil
}

func (b *captureBus) Close() error { return nil }

func (b *captureBus) topic(topic string) []acp.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]acp.Message(nil), b.published[topic]...)
}

func (b *captureBus) outcomes(t *testing.T) []acp.OutcomeBody {
	t.Helper()
	var out []acp.OutcomeBody
	for _, msg := range b.topic(string(acp.ChannelEvent)) {
		payload, err := acp.DecodeEvent(&msg)
		require.NoError(t, err)
		if payload.Kind != acp.EventMissionOutcome {
			continue
		}
		var body acp.OutcomeBody
		require.NoError(t, payload.DecodeBody(&body))
		out = append(out, body)
	}
	return out
}

type fixture struct {
	store *state.InMemoryStore
	bus   *captureBus
	coord *Coordinator
}

type deadLiveness map[string]bool

func (d deadLiveness) Alive(capability string) bool { return !d[capability] }

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	store := state.NewInMemoryStore()
	b := newCaptureBus()
	cfg := DefaultConfig()
	cfg.Retry.JitterFactor = 0
	cfg.Retry.BaseDelay = time.Second
	coord, err := New(store, b, capability.NewDefaultRegistry(), cfg, opts)
	require.NoError(t, err)
	return &fixture{store: store, bus: b, coord: coord}
}

func planMission(t *testing.T, f *fixture, missionID, intentionType string) acp.Message {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, f.store.CreateMission(ctx, mission.Mission{
		MissionID:   missionID,
		IntentionID: "intent-" + missionID,
		SessionID:   "session-1",
		Status:      mission.StatusPlanning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}))

	msg, err := acp.New(acp.TypeTask, missionID, acp.DecomposePayload{
		Intention: mission.Intention{
			IntentionID: "intent-" + missionID,
			SessionID:   "session-1",
			Type:        intentionType,
			Parameters:  json.RawMessage(`{"floor":3}`),
			ReceivedAt:  now,
		},
	})
	require.NoError(t, err)
	msg.Capability = ControlCapability
	msg.CorrelationID = "corr-decompose-" + missionID
	return msg
}

func resultFor(t *testing.T, task mission.Task, payload acp.ResultPayload) acp.Message {
	t.Helper()
	msg, err := acp.New(acp.TypeResult, task.MissionID, payload)
	require.NoError(t, err)
	msg.TaskID = task.TaskID
	msg.Capability = task.Capability
	msg.CorrelationID = task.CorrelationID
	return msg
}

func requireTask(t *testing.T, f *fixture, taskID string) mission.Task {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	return task
}

func TestDecomposeDispatchesTasks(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.NoError(t, f.coord.HandleDecompose(ctx, planMission(t, f, "m1", "building_status")))

	m, err := f.store.GetMission(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, mission.StatusDispatched, m.Status)
	assert.Len(t, m.RequiredTaskIDs, 2)
	assert.Len(t, m.OptionalTaskIDs, 1)
	assert.False(t, m.Deadline.IsZero())

	// One task message per capability topic.
	assert.Len(t, f.bus.topic("acp.task.metering"), 1)
	assert.Len(t, f.bus.topic("acp.task.climate-control"), 1)
	assert.Len(t, f.bus.topic("acp.task.elevator-control"), 1)

	task := requireTask(t, f, "task-m1-00")
	assert.Equal(t, mission.TaskDispatched, task.Status)
	assert.Equal(t, 1, task.AttemptCount)
	assert.NotEmpty(t, task.CorrelationID)
}

func TestDuplicateDecomposeIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	msg := planMission(t, f, "m1", "call_elevator")

	require.NoError(t, f.coord.HandleDecompose(ctx, msg))
	require.NoError(t, f.coord.HandleDecompose(ctx, msg))

	tasks, err := f.store.ListTasks(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
	assert.Len(t, f.bus.topic("acp.task.elevator-control"), 1)
}

func TestDecomposeFailsFastWithoutLiveExecutor(t *testing.T) {
	f := newFixture(t, Options{Liveness: deadLiveness{capability.ElevatorControl: true}})
	ctx := context.Background()

	require.NoError(t, f.coord.HandleDecompose(ctx, planMission(t, f, "m1", "call_elevator")))

	outcomes := f.bus.outcomes(t)
	require.Len(t, outcomes, 1)
	assert.Equal(t, mission.StatusFailed, outcomes[0].Status)
	assert.Contains(t, outcomes[0].Error, "no live executor")

	tasks, err := f.store.ListTasks(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestTrivialMissionCompletesImmediately(t *testing.T) {
	f := newFixture(t, Options{Rules: NewRuleSet(map[string][]TaskBlueprint{
		"noop": {},
	})})
	ctx := context.Background()

	require.NoError(t, f.coord.HandleDecompose(ctx, planMission(t, f, "m1", "noop")))

	outcomes := f.bus.outcomes(t)
	require.Len(t, outcomes, 1)
	assert.Equal(t, mission.StatusCompleted, outcomes[0].Status)
	assert.NotNil(t, outcomes[0].Results)
	assert.Empty(t, outcomes[0].Results)
}

func TestAllRequiredCompletedResolvesCompleted(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.coord.HandleDecompose(ctx, planMission(t, f, "m1", "call_elevator")))

	task := requireTask(t, f, "task-m1-00")
	res := resultFor(t, task, acp.ResultPayload{Status: acp.ResultSuccess, Data: json.RawMessage(`{"car":"B"}`)})
	require.NoError(t, f.coord.HandleResult(ctx, res))

	outcomes := f.bus.outcomes(t)
	require.Len(t, outcomes, 1)
	assert.Equal(t, mission.StatusCompleted, outcomes[0].Status)
	require.Len(t, outcomes[0].Results, 1)
	assert.Equal(t, "task-m1-00", outcomes[0].Results[0].TaskID)
}

func TestOptionalFailureDoesNotBlockCompletion(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.coord.HandleDecompose(ctx, planMission(t, f, "m1", "find_person")))

	// Required access-search succeeds.
	search := requireTask(t, f, "task-m1-00")
	require.NoError(t, f.coord.HandleResult(ctx, resultFor(t, search, acp.ResultPayload{Status: acp.ResultSuccess})))

	// Mission resolves without waiting for the optional notification task.
	outcomes := f.bus.outcomes(t)
	require.Len(t, outcomes, 1)
	assert.Equal(t, mission.StatusCompleted, outcomes[0].Status)
}

func TestDuplicateResultIsDiscarded(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.coord.HandleDecompose(ctx, planMission(t, f, "m1", "call_elevator")))

	task := requireTask(t, f, "task-m1-00")
	res := resultFor(t, task, acp.ResultPayload{Status: acp.ResultSuccess})
	require.NoError(t, f.coord.HandleResult(ctx, res))
	require.NoError(t, f.coord.HandleResult(ctx, res))

	assert.Len(t, f.bus.outcomes(t), 1)
}

func TestUnknownCorrelationIsDiscarded(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	msg, err := acp.New(acp.TypeResult, "m-ghost", acp.ResultPayload{Status: acp.ResultSuccess})
	require.NoError(t, err)
	msg.CorrelationID = "corr-from-nowhere"

	assert.NoError(t, f.coord.HandleResult(ctx, msg))
	assert.Empty(t, f.bus.outcomes(t))
}

func TestFailureRetriesThenExhausts(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.coord.HandleDecompose(ctx, planMission(t, f, "m1", "call_elevator")))

	maxAttempts := requireTask(t, f, "task-m1-00").MaxAttempts
	require.Equal(t, 3, maxAttempts)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		task := requireTask(t, f, "task-m1-00")
		require.Equal(t, mission.TaskDispatched, task.Status)
		require.Equal(t, attempt, task.AttemptCount)

		res := resultFor(t, task, acp.ResultPayload{Status: acp.ResultFailure, Error: "door jammed"})
		require.NoError(t, f.coord.HandleResult(ctx, res))

		if attempt < maxAttempts {
			// Requeued with a backoff, then redispatched by the sweeper.
			task = requireTask(t, f, "task-m1-00")
			require.Equal(t, mission.TaskPending, task.Status)
			require.False(t, task.NextAttemptAt.IsZero())
			require.NoError(t, f.coord.DispatchDue(ctx, task.NextAttemptAt.Add(time.Second)))
		}
	}

	task := requireTask(t, f, "task-m1-00")
	assert.Equal(t, mission.TaskFailed, task.Status)
	assert.Equal(t, maxAttempts, task.AttemptCount)
	assert.Equal(t, "door jammed", task.LastError)

	// Exactly maxAttempts dispatches went out.
	assert.Len(t, f.bus.topic("acp.task.elevator-control"), maxAttempts)

	outcomes := f.bus.outcomes(t)
	require.Len(t, outcomes, 1)
	assert.Equal(t, mission.StatusFailed, outcomes[0].Status)
}

func TestStaleResultAfterRetryIsDiscarded(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.coord.HandleDecompose(ctx, planMission(t, f, "m1", "call_elevator")))

	first := requireTask(t, f, "task-m1-00")
	require.NoError(t, f.coord.HandleResult(ctx, resultFor(t, first, acp.ResultPayload{Status: acp.ResultFailure, Error: "busy"})))
	require.NoError(t, f.coord.DispatchDue(ctx, time.Now().UTC().Add(time.Hour)))

	second := requireTask(t, f, "task-m1-00")
	require.NotEqual(t, first.CorrelationID, second.CorrelationID)

	// The first attempt's agent answers late; the result must not complete
	// the second attempt.
	late := resultFor(t, first, acp.ResultPayload{Status: acp.ResultSuccess})
	require.NoError(t, f.coord.HandleResult(ctx, late))

	task := requireTask(t, f, "task-m1-00")
	assert.Equal(t, mission.TaskDispatched, task.Status)
	assert.Empty(t, f.bus.outcomes(t))
}

func TestPartialFailureOutcome(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.coord.HandleDecompose(ctx, planMission(t, f, "m1", "building_status")))

	// Required metering completes; required climate-control exhausts retries.
	metering := requireTask(t, f, "task-m1-00")
	require.NoError(t, f.coord.HandleResult(ctx, resultFor(t, metering, acp.ResultPayload{Status: acp.ResultSuccess})))

	for {
		climate := requireTask(t, f, "task-m1-01")
		if climate.Status == mission.TaskFailed {
			break
		}
		if climate.Status == mission.TaskPending {
			require.NoError(t, f.coord.DispatchDue(ctx, time.Now().UTC().Add(time.Hour)))
			continue
		}
		require.NoError(t, f.coord.HandleResult(ctx, resultFor(t, climate, acp.ResultPayload{Status: acp.ResultFailure, Error: "sensor offline"})))
	}

	outcomes := f.bus.outcomes(t)
	require.Len(t, outcomes, 1)
	assert.Equal(t, mission.StatusPartiallyFailed, outcomes[0].Status)
}

func TestMissionTimeoutResolvesTimedOut(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.coord.HandleDecompose(ctx, planMission(t, f, "m1", "call_elevator")))

	m, err := f.store.GetMission(ctx, "m1")
	require.NoError(t, err)

	require.NoError(t, f.coord.SweepExpired(ctx, m.Deadline.Add(time.Second)))

	task := requireTask(t, f, "task-m1-00")
	assert.Equal(t, mission.TaskTimedOut, task.Status)

	outcomes := f.bus.outcomes(t)
	require.Len(t, outcomes, 1)
	assert.Equal(t, mission.StatusTimedOut, outcomes[0].Status)
}

func TestCompletedBeatsTimeoutRace(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.coord.HandleDecompose(ctx, planMission(t, f, "m1", "call_elevator")))

	task := requireTask(t, f, "task-m1-00")
	require.NoError(t, f.coord.HandleResult(ctx, resultFor(t, task, acp.ResultPayload{Status: acp.ResultSuccess})))

	// Sweeper fires after the fact; the completed task must stay completed.
	require.NoError(t, f.coord.HandleTimeout(ctx, "m1"))

	got := requireTask(t, f, "task-m1-00")
	assert.Equal(t, mission.TaskCompleted, got.Status)

	outcomes := f.bus.outcomes(t)
	require.NotEmpty(t, outcomes)
	assert.Equal(t, mission.StatusCompleted, outcomes[0].Status)
}

func TestCancelResolvesCancelled(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.coord.HandleDecompose(ctx, planMission(t, f, "m1", "call_elevator")))

	require.NoError(t, f.coord.Cancel(ctx, "m1"))

	task := requireTask(t, f, "task-m1-00")
	assert.Equal(t, mission.TaskCancelled, task.Status)

	// An in-flight task receives a cancellation message.
	taskMsgs := f.bus.topic("acp.task.elevator-control")
	require.Len(t, taskMsgs, 2)
	var payload acp.TaskPayload
	require.NoError(t, taskMsgs[1].DecodePayload(&payload))
	assert.True(t, payload.Cancel)

	outcomes := f.bus.outcomes(t)
	require.Len(t, outcomes, 1)
	assert.Equal(t, mission.StatusCancelled, outcomes[0].Status)
}

func TestPublishFailureRollsBackAttempt(t *testing.T) {
	f := newFixture(t, Options{})
	f.bus.failTopic = "acp.task.elevator-control"
	ctx := context.Background()

	require.NoError(t, f.coord.HandleDecompose(ctx, planMission(t, f, "m1", "call_elevator")))

	task := requireTask(t, f, "task-m1-00")
	assert.Equal(t, mission.TaskPending, task.Status)
	assert.Equal(t, 0, task.AttemptCount)
	assert.False(t, task.NextAttemptAt.IsZero())
}

func TestOpenBreakerDefersDispatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry.JitterFactor = 0
	cfg.Breaker.FailureThreshold = 1
	cfg.Breaker.Timeout = time.Hour

	store := state.NewInMemoryStore()
	b := newCaptureBus()
	coord, err := New(store, b, capability.NewDefaultRegistry(), cfg, Options{})
	require.NoError(t, err)
	f := &fixture{store: store, bus: b, coord: coord}
	ctx := context.Background()

	// Trip the elevator-control breaker.
	coord.breaker(capability.ElevatorControl).Mark(context.DeadlineExceeded)

	require.NoError(t, f.coord.HandleDecompose(ctx, planMission(t, f, "m1", "call_elevator")))

	task := requireTask(t, f, "task-m1-00")
	assert.Equal(t, mission.TaskPending, task.Status)
	assert.Equal(t, 0, task.AttemptCount)
	assert.False(t, task.NextAttemptAt.IsZero())
	assert.Empty(t, f.bus.topic("acp.task.elevator-control"))
}

func TestDispatchDueCancelsOrphansOfTerminalMissions(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, f.store.CreateMission(ctx, mission.Mission{
		MissionID: "m1",
		SessionID: "session-1",
		Status:    mission.StatusCancelled,
		CreatedAt: now,
		UpdatedAt: now,
	}))
	require.NoError(t, f.store.CreateTask(ctx, mission.Task{
		TaskID:        "task-m1-00",
		MissionID:     "m1",
		Capability:    capability.Metering,
		Status:        mission.TaskPending,
		MaxAttempts:   3,
		CreatedAt:     now,
		NextAttemptAt: now.Add(-time.Second),
	}))

	require.NoError(t, f.coord.DispatchDue(ctx, now))

	task := requireTask(t, f, "task-m1-00")
	assert.Equal(t, mission.TaskCancelled, task.Status)
	assert.Empty(t, f.bus.topic("acp.task.metering"))
}

func TestSilentAgentRetriedThenTimedOut(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.NoError(t, f.coord.HandleDecompose(ctx, planMission(t, f, "m1", "call_elevator")))

	task := requireTask(t, f, "task-m1-00")
	require.Equal(t, mission.TaskDispatched, task.Status)
	require.False(t, task.Deadline.IsZero())
	firstCorrelation := task.CorrelationID

	// The agent never answers. Each attempt expires at its deadline, returns
	// the task to pending with backoff, and the sweeper re-dispatches it.
	for attempt := 1; attempt < task.MaxAttempts; attempt++ {
		expired := requireTask(t, f, "task-m1-00")
		require.NoError(t, f.coord.SweepExpired(ctx, expired.Deadline.Add(time.Second)))

		requeued := requireTask(t, f, "task-m1-00")
		assert.Equal(t, mission.TaskPending, requeued.Status)
		assert.False(t, requeued.NextAttemptAt.IsZero())
		assert.Contains(t, requeued.LastError, "attempt deadline")

		require.NoError(t, f.coord.DispatchDue(ctx, requeued.NextAttemptAt.Add(time.Second)))
		redispatched := requireTask(t, f, "task-m1-00")
		assert.Equal(t, mission.TaskDispatched, redispatched.Status)
		assert.Equal(t, attempt+1, redispatched.AttemptCount)
	}

	// The last attempt expires too; no attempts remain.
	final := requireTask(t, f, "task-m1-00")
	require.Equal(t, final.MaxAttempts, final.AttemptCount)
	require.NoError(t, f.coord.SweepExpired(ctx, final.Deadline.Add(time.Second)))

	final = requireTask(t, f, "task-m1-00")
	assert.Equal(t, mission.TaskTimedOut, final.Status)
	assert.NotEqual(t, firstCorrelation, final.CorrelationID)
	assert.Len(t, f.bus.topic("acp.task.elevator-control"), final.MaxAttempts)

	outcomes := f.bus.outcomes(t)
	require.Len(t, outcomes, 1)
	assert.Equal(t, mission.StatusTimedOut, outcomes[0].Status)
}

func TestLateResultAfterAttemptExpiryDiscarded(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.NoError(t, f.coord.HandleDecompose(ctx, planMission(t, f, "m1", "call_elevator")))

	task := requireTask(t, f, "task-m1-00")
	late := resultFor(t, task, acp.ResultPayload{Status: acp.ResultSuccess, Data: json.RawMessage(`{}`)})

	require.NoError(t, f.coord.SweepExpired(ctx, task.Deadline.Add(time.Second)))
	requeued := requireTask(t, f, "task-m1-00")
	require.NoError(t, f.coord.DispatchDue(ctx, requeued.NextAttemptAt.Add(time.Second)))

	// The answer to the dead attempt arrives after re-dispatch.
	require.NoError(t, f.coord.HandleResult(ctx, late))

	current := requireTask(t, f, "task-m1-00")
	assert.Equal(t, mission.TaskDispatched, current.Status)
	assert.Empty(t, f.bus.outcomes(t))
}
