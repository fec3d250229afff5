// Package state persists mission and task records. The sole mutation primitive
// is a conditional write keyed on the record's expected prior status, which is
// what makes concurrent coordinator instances safe without locks: a failed
// precondition is a lost race, not an error.
package state

import (
	"context"
	"errors"
	"time"

	"atrium/internal/mission"
)

// ErrNotFound is returned when a mission or task cannot be located.
var ErrNotFound = errors.New("record not found")

// Store is the durable mission/task state contract.
//
// Conditional writes return (false, nil) when the record's current status does
// not match the expectation; callers treat that as a benign race and drop
// their write. Reads are strongly consistent per key. No cross-key
// transactions exist: fan-in reasons about a mission through repeated
// single-key reads, re-triggered on every task update.
type Store interface {
	CreateMission(ctx context.Context, m mission.Mission) error
	GetMission(ctx context.Context, missionID string) (mission.Mission, error)
	PutMissionIf(ctx context.Context, m mission.Mission, expect mission.Status) (bool, error)

	CreateTask(ctx context.Context, t mission.Task) error
	GetTask(ctx context.Context, taskID string) (mission.Task, error)
	GetTaskByCorrelation(ctx context.Context, correlationID string) (mission.Task, error)
	PutTaskIf(ctx context.Context, t mission.Task, expect mission.TaskStatus) (bool, error)
	ListTasks(ctx context.Context, missionID string) ([]mission.Task, error)

	// ListExpiredMissions returns non-terminal missions whose deadline has
	// passed; ListDueTasks returns pending tasks whose next attempt is due;
	// ListExpiredTasks returns in-flight tasks whose attempt deadline has
	// passed without a result. All three feed the sweeper.
	ListExpiredMissions(ctx context.Context, now time.Time) ([]mission.Mission, error)
	ListDueTasks(ctx context.Context, now time.Time) ([]mission.Task, error)
	ListExpiredTasks(ctx context.Context, now time.Time) ([]mission.Task, error)
}
