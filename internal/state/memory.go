package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"atrium/internal/mission"
)

// InMemoryStore is a lightweight Store implementation for tests and local
// development. Records are copied on the way in and out so callers never share
// slices with the store.
type InMemoryStore struct {
	mu            sync.RWMutex
	missions      map[string]mission.Mission
	tasks         map[string]mission.Task
	byMission     map[string][]string
	byCorrelation map[string]string
}

// NewInMemoryStore constructs an in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		missions:      make(map[string]mission.Mission),
		tasks:         make(map[string]mission.Task),
		byMission:     make(map[string][]string),
		byCorrelation: make(map[string]string),
	}
}

func (s *InMemoryStore) CreateMission(_ context.Context, m mission.Mission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.missions[m.MissionID]; ok {
		return fmt.Errorf("mission %s already exists", m.MissionID)
	}
	s.missions[m.MissionID] = copyMission(m)
	return nil
}

func (s *InMemoryStore) GetMission(_ context.Context, missionID string) (mission.Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.missions[missionID]
	if !ok {
		return mission.Mission{}, ErrNotFound
	}
	return copyMission(m), nil
}

func (s *InMemoryStore) PutMissionIf(_ context.Context, m mission.Mission, expect mission.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.missions[m.MissionID]
	if !ok {
		return false, ErrNotFound
	}
	if current.Status != expect {
		return false, nil
	}
	if m.Status != expect && !expect.CanTransition(m.Status) {
		return false, fmt.Errorf("mission %s: illegal transition %s -> %s", m.MissionID, expect, m.Status)
	}
	m.UpdatedAt = time.Now().UTC()
	s.missions[m.MissionID] = copyMission(m)
	return true, nil
}

func (s *InMemoryStore) CreateTask(_ context.Context, t mission.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.TaskID]; ok {
		return fmt.Errorf("task %s already exists", t.TaskID)
	}
	s.tasks[t.TaskID] = copyTask(t)
	s.byMission[t.MissionID] = append(s.byMission[t.MissionID], t.TaskID)
	if t.CorrelationID != "" {
		s.byCorrelation[t.CorrelationID] = t.TaskID
	}
	return nil
}

func (s *InMemoryStore) GetTask(_ context.Context, taskID string) (mission.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return mission.Task{}, ErrNotFound
	}
	return copyTask(t), nil
}

func (s *InMemoryStore) GetTaskByCorrelation(_ context.Context, correlationID string) (mission.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	taskID, ok := s.byCorrelation[correlationID]
	if !ok {
		return mission.Task{}, ErrNotFound
	}
	t, ok := s.tasks[taskID]
	if !ok {
		return mission.Task{}, ErrNotFound
	}
	return copyTask(t), nil
}

func (s *InMemoryStore) PutTaskIf(_ context.Context, t mission.Task, expect mission.TaskStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tasks[t.TaskID]
	if !ok {
		return false, ErrNotFound
	}
	if current.Status != expect {
		return false, nil
	}
	if t.Status != expect && !expect.CanTransition(t.Status) {
		return false, fmt.Errorf("task %s: illegal transition %s -> %s", t.TaskID, expect, t.Status)
	}
	s.tasks[t.TaskID] = copyTask(t)
	if t.CorrelationID != "" && t.CorrelationID != current.CorrelationID {
		s.byCorrelation[t.CorrelationID] = t.TaskID
	}
	return true, nil
}

func (s *InMemoryStore) ListTasks(_ context.Context, missionID string) ([]mission.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byMission[missionID]
	tasks := make([]mission.Task, 0, len(ids))
	for _, taskID := range ids {
		if t, ok := s.tasks[taskID]; ok {
			tasks = append(tasks, copyTask(t))
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].TaskID < tasks[j].TaskID })
	return tasks, nil
}

func (s *InMemoryStore) ListExpiredMissions(_ context.Context, now time.Time) ([]mission.Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var expired []mission.Mission
	for _, m := range s.missions {
		if m.Status.IsTerminal() || m.Deadline.IsZero() {
			continue
		}
		if !m.Deadline.After(now) {
			expired = append(expired, copyMission(m))
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].MissionID < expired[j].MissionID })
	return expired, nil
}

func (s *InMemoryStore) ListDueTasks(_ context.Context, now time.Time) ([]mission.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []mission.Task
	for _, t := range s.tasks {
		if t.Status != mission.TaskPending || t.NextAttemptAt.IsZero() {
			continue
		}
		if !t.NextAttemptAt.After(now) {
			due = append(due, copyTask(t))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].TaskID < due[j].TaskID })
	return due, nil
}

func (s *InMemoryStore) ListExpiredTasks(_ context.Context, now time.Time) ([]mission.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var overdue []mission.Task
	for _, t := range s.tasks {
		if t.Status != mission.TaskDispatched && t.Status != mission.TaskAcknowledged {
			continue
		}
		if t.Deadline.IsZero() || t.Deadline.After(now) {
			continue
		}
		overdue = append(overdue, copyTask(t))
	}
	sort.Slice(overdue, func(i, j int) bool { return overdue[i].TaskID < overdue[j].TaskID })
	return overdue, nil
}

func copyMission(m mission.Mission) mission.Mission {
	out := m
	out.RequiredTaskIDs = append([]string(nil), m.RequiredTaskIDs...)
	out.OptionalTaskIDs = append([]string(nil), m.OptionalTaskIDs...)
	if m.Outcome != nil {
		outcome := *m.Outcome
		outcome.Results = append([]mission.TaskResult(nil), m.Outcome.Results...)
		out.Outcome = &outcome
	}
	return out
}

func copyTask(t mission.Task) mission.Task {
	out := t
	out.Parameters = append([]byte(nil), t.Parameters...)
	out.Result = append([]byte(nil), t.Result...)
	return out
}
