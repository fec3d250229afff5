package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"atrium/internal/logging"
	"atrium/internal/mission"
)

const (
	missionTable = "missions"
	taskTable    = "tasks"
)

// PostgresStore implements Store on Postgres. The full record lives in a JSONB
// column; status, deadline and retry columns are denormalized so conditional
// writes and sweeper scans stay index-only.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: logging.NewComponentLogger("StatePostgres"),
	}
}

// EnsureSchema creates the mission and task tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("state store not initialized")
	}

	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    deadline TIMESTAMPTZ,
    record JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_missions_deadline ON %[1]s (deadline) WHERE status IN ('planning','dispatched','in_progress');
CREATE TABLE IF NOT EXISTS %[2]s (
    id TEXT PRIMARY KEY,
    mission_id TEXT NOT NULL,
    correlation_id TEXT,
    status TEXT NOT NULL,
    next_attempt_at TIMESTAMPTZ,
    deadline TIMESTAMPTZ,
    record JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_mission_id ON %[2]s (mission_id);
CREATE INDEX IF NOT EXISTS idx_tasks_correlation_id ON %[2]s (correlation_id);
CREATE INDEX IF NOT EXISTS idx_tasks_next_attempt ON %[2]s (next_attempt_at) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_tasks_deadline ON %[2]s (deadline) WHERE status IN ('dispatched','acknowledged');
`, missionTable, taskTable)

	_, err := s.pool.Exec(ctx, query)
	return err
}

func (s *PostgresStore) CreateMission(ctx context.Context, m mission.Mission) error {
	record, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode mission: %w", err)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (id, status, deadline, record, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)
`, missionTable)

	_, err = s.pool.Exec(ctx, query, m.MissionID, string(m.Status), nullableTime(m.Deadline), record, time.Now().UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("mission %s already exists", m.MissionID)
		}
		return fmt.Errorf("insert mission: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMission(ctx context.Context, missionID string) (mission.Mission, error) {
	query := fmt.Sprintf(`SELECT record FROM %s WHERE id = $1`, missionTable)

	var record []byte
	if err := s.pool.QueryRow(ctx, query, missionID).Scan(&record); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mission.Mission{}, ErrNotFound
		}
		return mission.Mission{}, fmt.Errorf("query mission: %w", err)
	}

	var m mission.Mission
	if err := json.Unmarshal(record, &m); err != nil {
		return mission.Mission{}, fmt.Errorf("decode mission %s: %w", missionID, err)
	}
	return m, nil
}

func (s *PostgresStore) PutMissionIf(ctx context.Context, m mission.Mission, expect mission.Status) (bool, error) {
	if m.Status != expect && !expect.CanTransition(m.Status) {
		return false, fmt.Errorf("mission %s: illegal transition %s -> %s", m.MissionID, expect, m.Status)
	}
	m.UpdatedAt = time.Now().UTC()
	record, err := json.Marshal(m)
	if err != nil {
		return false, fmt.Errorf("encode mission: %w", err)
	}

	query := fmt.Sprintf(`
UPDATE %s SET status = $2, deadline = $3, record = $4, updated_at = $5
WHERE id = $1 AND status = $6
`, missionTable)

	tag, err := s.pool.Exec(ctx, query,
		m.MissionID, string(m.Status), nullableTime(m.Deadline), record, m.UpdatedAt, string(expect))
	if err != nil {
		return false, fmt.Errorf("update mission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainMissionMiss(ctx, m.MissionID)
	}
	return true, nil
}

// explainMissionMiss distinguishes a lost race (row exists with a different
// status) from a missing row.
func (s *PostgresStore) explainMissionMiss(ctx context.Context, missionID string) (bool, error) {
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, missionTable)
	if err := s.pool.QueryRow(ctx, query, missionID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check mission: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, t mission.Task) error {
	record, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (id, mission_id, correlation_id, status, next_attempt_at, deadline, record, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
`, taskTable)

	_, err = s.pool.Exec(ctx, query,
		t.TaskID, t.MissionID, nullableString(t.CorrelationID), string(t.Status),
		nullableTime(t.NextAttemptAt), nullableTime(t.Deadline), record, time.Now().UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("task %s already exists", t.TaskID)
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (mission.Task, error) {
	query := fmt.Sprintf(`SELECT record FROM %s WHERE id = $1`, taskTable)
	return s.scanTask(s.pool.QueryRow(ctx, query, taskID))
}

func (s *PostgresStore) GetTaskByCorrelation(ctx context.Context, correlationID string) (mission.Task, error) {
	query := fmt.Sprintf(`SELECT record FROM %s WHERE correlation_id = $1`, taskTable)
	return s.scanTask(s.pool.QueryRow(ctx, query, correlationID))
}

func (s *PostgresStore) scanTask(row pgx.Row) (mission.Task, error) {
	var record []byte
	if err := row.Scan(&record); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mission.Task{}, ErrNotFound
		}
		return mission.Task{}, fmt.Errorf("query task: %w", err)
	}

	var t mission.Task
	if err := json.Unmarshal(record, &t); err != nil {
		return mission.Task{}, fmt.Errorf("decode task: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) PutTaskIf(ctx context.Context, t mission.Task, expect mission.TaskStatus) (bool, error) {
	if t.Status != expect && !expect.CanTransition(t.Status) {
		return false, fmt.Errorf("task %s: illegal transition %s -> %s", t.TaskID, expect, t.Status)
	}
	record, err := json.Marshal(t)
	if err != nil {
		return false, fmt.Errorf("encode task: %w", err)
	}

	query := fmt.Sprintf(`
UPDATE %s SET correlation_id = $2, status = $3, next_attempt_at = $4, deadline = $5, record = $6, updated_at = $7
WHERE id = $1 AND status = $8
`, taskTable)

	tag, err := s.pool.Exec(ctx, query,
		t.TaskID, nullableString(t.CorrelationID), string(t.Status),
		nullableTime(t.NextAttemptAt), nullableTime(t.Deadline), record, time.Now().UTC(), string(expect))
	if err != nil {
		return false, fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		check := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, taskTable)
		if err := s.pool.QueryRow(ctx, check, t.TaskID).Scan(&exists); err != nil {
			return false, fmt.Errorf("check task: %w", err)
		}
		if !exists {
			return false, ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, missionID string) ([]mission.Task, error) {
	query := fmt.Sprintf(`SELECT record FROM %s WHERE mission_id = $1 ORDER BY id`, taskTable)
	rows, err := s.pool.Query(ctx, query, missionID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *PostgresStore) ListExpiredMissions(ctx context.Context, now time.Time) ([]mission.Mission, error) {
	query := fmt.Sprintf(`
SELECT record FROM %s
WHERE status IN ('planning','dispatched','in_progress') AND deadline IS NOT NULL AND deadline <= $1
ORDER BY id
`, missionTable)

	rows, err := s.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("list expired missions: %w", err)
	}
	defer rows.Close()

	var missions []mission.Mission
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan mission: %w", err)
		}
		var m mission.Mission
		if err := json.Unmarshal(record, &m); err != nil {
			s.logger.Warn("skipping undecodable mission record: %v", err)
			continue
		}
		missions = append(missions, m)
	}
	return missions, rows.Err()
}

func (s *PostgresStore) ListDueTasks(ctx context.Context, now time.Time) ([]mission.Task, error) {
	query := fmt.Sprintf(`
SELECT record FROM %s
WHERE status = 'pending' AND next_attempt_at IS NOT NULL AND next_attempt_at <= $1
ORDER BY id
`, taskTable)

	rows, err := s.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("list due tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *PostgresStore) ListExpiredTasks(ctx context.Context, now time.Time) ([]mission.Task, error) {
	query := fmt.Sprintf(`
SELECT record FROM %s
WHERE status IN ('dispatched','acknowledged') AND deadline IS NOT NULL AND deadline <= $1
ORDER BY id
`, taskTable)

	rows, err := s.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("list expired tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows pgx.Rows) ([]mission.Task, error) {
	var tasks []mission.Task
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		var t mission.Task
		if err := json.Unmarshal(record, &t); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
