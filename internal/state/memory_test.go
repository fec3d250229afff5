package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atrium/internal/mission"
)

func testMission(id string) mission.Mission {
	now := time.Now().UTC()
	return mission.Mission{
		MissionID:   id,
		IntentionID: "intent-" + id,
		SessionID:   "session-1",
		Status:      mission.StatusPlanning,
		CreatedAt:   now,
		UpdatedAt:   now,
		Deadline:    now.Add(2 * time.Minute),
	}
}

func testTask(id, missionID string) mission.Task {
	now := time.Now().UTC()
	return mission.Task{
		TaskID:        id,
		MissionID:     missionID,
		Capability:    "metering",
		Status:        mission.TaskPending,
		Required:      true,
		MaxAttempts:   3,
		CorrelationID: "corr-" + id,
		CreatedAt:     now,
		Deadline:      now.Add(30 * time.Second),
	}
}

func TestCreateAndGetMission(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	m := testMission("m1")
	require.NoError(t, s.CreateMission(ctx, m))

	got, err := s.GetMission(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, m.MissionID, got.MissionID)
	assert.Equal(t, mission.StatusPlanning, got.Status)

	_, err = s.GetMission(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateMissionRejectsDuplicate(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateMission(ctx, testMission("m1")))
	require.Error(t, s.CreateMission(ctx, testMission("m1")))
}

func TestPutMissionIfEnforcesPrecondition(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateMission(ctx, testMission("m1")))

	m, err := s.GetMission(ctx, "m1")
	require.NoError(t, err)
	m.Status = mission.StatusDispatched

	ok, err := s.PutMissionIf(ctx, m, mission.StatusPlanning)
	require.NoError(t, err)
	assert.True(t, ok)

	// Stale writer still expects Planning; its write must be dropped.
	m.Status = mission.StatusFailed
	ok, err = s.PutMissionIf(ctx, m, mission.StatusPlanning)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetMission(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, mission.StatusDispatched, got.Status)
}

func TestConcurrentConditionalWriteAdmitsExactlyOneWinner(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, testTask("t1", "m1")))

	const writers = 16
	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := s.GetTask(ctx, "t1")
			if err != nil {
				return
			}
			task.Status = mission.TaskDispatched
			ok, err := s.PutTaskIf(ctx, task, mission.TaskPending)
			if err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
}

func TestGetTaskByCorrelation(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, testTask("t1", "m1")))

	got, err := s.GetTaskByCorrelation(ctx, "corr-t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TaskID)

	_, err = s.GetTaskByCorrelation(ctx, "corr-unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCorrelationIndexFollowsTaskUpdates(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, testTask("t1", "m1")))

	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	task.Status = mission.TaskDispatched
	task.CorrelationID = "corr-fresh"
	ok, err := s.PutTaskIf(ctx, task, mission.TaskPending)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetTaskByCorrelation(ctx, "corr-fresh")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TaskID)
}

func TestListTasksReturnsOnlyMissionTasks(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, testTask("t1", "m1")))
	require.NoError(t, s.CreateTask(ctx, testTask("t2", "m1")))
	require.NoError(t, s.CreateTask(ctx, testTask("t3", "m2")))

	tasks, err := s.ListTasks(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestListExpiredMissions(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	expired := testMission("m1")
	expired.Status = mission.StatusInProgress
	expired.Deadline = now.Add(-time.Minute)
	require.NoError(t, s.CreateMission(ctx, expired))

	alive := testMission("m2")
	alive.Status = mission.StatusInProgress
	alive.Deadline = now.Add(time.Minute)
	require.NoError(t, s.CreateMission(ctx, alive))

	terminal := testMission("m3")
	terminal.Status = mission.StatusCompleted
	terminal.Deadline = now.Add(-time.Minute)
	require.NoError(t, s.CreateMission(ctx, terminal))

	got, err := s.ListExpiredMissions(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].MissionID)
}

func TestListDueTasks(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	due := testTask("t1", "m1")
	due.NextAttemptAt = now.Add(-time.Second)
	require.NoError(t, s.CreateTask(ctx, due))

	notYet := testTask("t2", "m1")
	notYet.NextAttemptAt = now.Add(time.Minute)
	require.NoError(t, s.CreateTask(ctx, notYet))

	dispatched := testTask("t3", "m1")
	dispatched.Status = mission.TaskDispatched
	dispatched.NextAttemptAt = now.Add(-time.Second)
	require.NoError(t, s.CreateTask(ctx, dispatched))

	got, err := s.ListDueTasks(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].TaskID)
}

func TestReadsReturnCopies(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateMission(ctx, testMission("m1")))

	got, err := s.GetMission(ctx, "m1")
	require.NoError(t, err)
	got.Status = mission.StatusFailed

	again, err := s.GetMission(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, mission.StatusPlanning, again.Status)
}

func TestPutMissionIfRejectsIllegalTransition(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateMission(ctx, testMission("m1")))

	m, err := s.GetMission(ctx, "m1")
	require.NoError(t, err)
	m.Status = mission.StatusInProgress

	// Planning cannot jump straight to in-progress.
	ok, err := s.PutMissionIf(ctx, m, mission.StatusPlanning)
	require.Error(t, err)
	assert.False(t, ok)

	got, err := s.GetMission(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, mission.StatusPlanning, got.Status)
}

func TestPutTaskIfRejectsIllegalTransition(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateMission(ctx, testMission("m1")))
	require.NoError(t, s.CreateTask(ctx, testTask("t1", "m1")))

	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	task.Status = mission.TaskCompleted

	// A pending task has no attempt in flight to complete.
	ok, err := s.PutTaskIf(ctx, task, mission.TaskPending)
	require.Error(t, err)
	assert.False(t, ok)

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, mission.TaskPending, got.Status)
}

func TestPutTaskIfAllowsSameStatusUpdate(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, testTask("t1", "m1")))

	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	task.NextAttemptAt = time.Now().UTC().Add(time.Minute)

	ok, err := s.PutTaskIf(ctx, task, mission.TaskPending)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestListExpiredTasks(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	overdue := testTask("t1", "m1")
	overdue.Status = mission.TaskDispatched
	overdue.Deadline = now.Add(-time.Second)
	require.NoError(t, s.CreateTask(ctx, overdue))

	inFlight := testTask("t2", "m1")
	inFlight.Status = mission.TaskDispatched
	inFlight.Deadline = now.Add(time.Minute)
	require.NoError(t, s.CreateTask(ctx, inFlight))

	pending := testTask("t3", "m1")
	pending.Deadline = now.Add(-time.Second)
	require.NoError(t, s.CreateTask(ctx, pending))

	done := testTask("t4", "m1")
	done.Status = mission.TaskCompleted
	done.Deadline = now.Add(-time.Second)
	require.NoError(t, s.CreateTask(ctx, done))

	got, err := s.ListExpiredTasks(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].TaskID)
}
