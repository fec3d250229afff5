// Package coordinator owns the execution graph of a mission: decomposition
// into capability-bound tasks, dispatch, result fan-in, retry with backoff,
// and mission timeout. Handlers are stateless between invocations; every
// mutation is a conditional write against the state store, so any number of
// coordinator instances can process the same channels concurrently.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"atrium/internal/acp"
	"atrium/internal/bus"
	"atrium/internal/capability"
	atriumerrors "atrium/internal/errors"
	"atrium/internal/health"
	"atrium/internal/id"
	"atrium/internal/logging"
	"atrium/internal/mission"
	"atrium/internal/state"
)

// ControlCapability addresses decomposition messages to the coordinator on the
// task channel. It is not part of the tool-agent capability registry.
const ControlCapability = "mission-control"

// SubscriptionGroup is the consumer group shared by coordinator instances, so
// each inbound message is claimed by exactly one of them.
const SubscriptionGroup = "coordinator"

// Config carries the orchestration policy knobs. All of it is deployment
// configuration; none of it is hinted by task content.
type Config struct {
	MissionDeadline time.Duration             // wall-clock budget for a whole mission
	Retry           atriumerrors.RetryConfig  // backoff policy for task re-dispatch
	Breaker         atriumerrors.CircuitBreakerConfig
	BreakerEnabled  bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MissionDeadline: 2 * time.Minute,
		Retry: atriumerrors.RetryConfig{
			MaxAttempts:  3,
			BaseDelay:    2 * time.Second,
			MaxDelay:     30 * time.Second,
			JitterFactor: 0.2,
		},
		Breaker:        atriumerrors.DefaultCircuitBreakerConfig(),
		BreakerEnabled: true,
	}
}

// Coordinator decomposes missions, dispatches tasks and aggregates results.
type Coordinator struct {
	store    state.Store
	bus      bus.Bus
	registry *capability.Registry
	liveness health.Liveness
	rules    *RuleSet
	cfg      Config
	metrics  *Metrics
	logger   logging.Logger

	breakerMu sync.Mutex
	breakers  map[string]*atriumerrors.CircuitBreaker
}

// Options bundles optional dependencies for New.
type Options struct {
	Liveness health.Liveness
	Rules    *RuleSet
	Metrics  *Metrics
	Logger   logging.Logger
}

// New constructs a coordinator.
func New(store state.Store, b bus.Bus, registry *capability.Registry, cfg Config, opts Options) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("coordinator: state store is required")
	}
	if b == nil {
		return nil, fmt.Errorf("coordinator: bus is required")
	}
	if registry == nil {
		registry = capability.NewDefaultRegistry()
	}
	if cfg.MissionDeadline <= 0 {
		cfg.MissionDeadline = DefaultConfig().MissionDeadline
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry = DefaultConfig().Retry
	}

	liveness := opts.Liveness
	if liveness == nil {
		liveness = health.AlwaysAlive{}
	}
	rules := opts.Rules
	if rules == nil {
		rules = NewDefaultRuleSet()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = defaultMetrics()
	}

	return &Coordinator{
		store:    store,
		bus:      b,
		registry: registry,
		liveness: liveness,
		rules:    rules,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logging.OrNop(opts.Logger),
		breakers: make(map[string]*atriumerrors.CircuitBreaker),
	}, nil
}

// Start subscribes the coordinator to its channels: decomposition requests on
// its own task topic and results from every tool agent.
func (c *Coordinator) Start() error {
	if err := c.bus.Subscribe(acp.Topic(acp.ChannelTask, ControlCapability), SubscriptionGroup, c.HandleDecompose); err != nil {
		return err
	}
	return c.bus.Subscribe(acp.Topic(acp.ChannelResult, ""), SubscriptionGroup, c.HandleResult)
}

// Rules exposes the decomposition policy (the director validates intention
// types against it).
func (c *Coordinator) Rules() *RuleSet {
	return c.rules
}

// HandleDecompose turns a planning mission into its task set and dispatches
// it. Redelivery is safe: task ids are deterministic and the planning →
// dispatched mission transition is conditional, so exactly one invocation wins.
func (c *Coordinator) HandleDecompose(ctx context.Context, msg acp.Message) error {
	var payload acp.DecomposePayload
	if err := msg.DecodePayload(&payload); err != nil {
		return err
	}

	m, err := c.store.GetMission(ctx, msg.MissionID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			c.logger.Warn("decompose for unknown mission %s, discarding", msg.MissionID)
			return nil
		}
		return fmt.Errorf("load mission %s: %w", msg.MissionID, err)
	}
	if m.Status != mission.StatusPlanning {
		c.logger.Debug("mission %s already %s, discarding duplicate decompose", m.MissionID, m.Status)
		return nil
	}

	now := time.Now().UTC()
	tasks, err := c.rules.Decompose(m, payload.Intention, c.registry, now)
	if err != nil {
		// Decomposition error: unknown capability in a template. Fail the
		// mission immediately, no tasks dispatched.
		c.logger.Error("decomposition failed for mission %s: %v", m.MissionID, err)
		c.metrics.MissionStarted()
		return c.publishOutcome(ctx, m, mission.StatusFailed, nil, err.Error())
	}

	for _, t := range tasks {
		if !t.Required {
			continue
		}
		if !c.liveness.Alive(t.Capability) {
			err := fmt.Errorf("no live executor for required capability %q", t.Capability)
			c.logger.Error("mission %s not dispatchable: %v", m.MissionID, err)
			c.metrics.MissionStarted()
			return c.publishOutcome(ctx, m, mission.StatusFailed, nil, err.Error())
		}
	}

	// Trivial mission: nothing to execute resolves immediately.
	if len(tasks) == 0 {
		c.metrics.MissionStarted()
		return c.publishOutcome(ctx, m, mission.StatusCompleted, []mission.TaskResult{}, "")
	}

	for _, t := range tasks {
		if err := c.store.CreateTask(ctx, t); err != nil {
			// Redelivered decompose regenerates identical ids; an existing
			// task is a prior invocation's work, not a conflict.
			c.logger.Debug("task %s already present: %v", t.TaskID, err)
		}
	}

	for _, t := range tasks {
		if t.Required {
			m.RequiredTaskIDs = append(m.RequiredTaskIDs, t.TaskID)
		} else {
			m.OptionalTaskIDs = append(m.OptionalTaskIDs, t.TaskID)
		}
	}
	m.Status = mission.StatusDispatched
	m.Deadline = now.Add(c.cfg.MissionDeadline)

	ok, err := c.store.PutMissionIf(ctx, m, mission.StatusPlanning)
	if err != nil {
		return fmt.Errorf("transition mission %s to dispatched: %w", m.MissionID, err)
	}
	if !ok {
		c.logger.Debug("lost decompose race for mission %s", m.MissionID)
		return nil
	}
	c.metrics.MissionStarted()

	for _, t := range tasks {
		c.dispatch(ctx, t)
	}
	return nil
}

// dispatch moves one pending task to dispatched and publishes its message.
// Losing the conditional write means another instance already dispatched it.
func (c *Coordinator) dispatch(ctx context.Context, t mission.Task) {
	if t.AttemptCount >= t.MaxAttempts {
		c.logger.Warn("task %s has no attempts left, skipping dispatch", t.TaskID)
		return
	}

	if c.cfg.BreakerEnabled {
		if err := c.breaker(t.Capability).Allow(); err != nil {
			c.deferDispatch(ctx, t)
			return
		}
	}

	policy, err := c.registry.Resolve(t.Capability)
	if err != nil {
		c.logger.Error("task %s references unknown capability %q", t.TaskID, t.Capability)
		return
	}

	now := time.Now().UTC()
	retry := t.AttemptCount > 0

	t.Status = mission.TaskDispatched
	t.CorrelationID = id.NewCorrelationID()
	t.AttemptCount++
	t.Deadline = now.Add(policy.Timeout)
	t.NextAttemptAt = time.Time{}

	ok, err := c.store.PutTaskIf(ctx, t, mission.TaskPending)
	if err != nil {
		c.logger.Error("dispatch write for task %s failed: %v", t.TaskID, err)
		return
	}
	if !ok {
		c.logger.Debug("lost dispatch race for task %s", t.TaskID)
		return
	}

	msg, err := acp.New(acp.TypeTask, t.MissionID, acp.TaskPayload{
		Capability: t.Capability,
		Parameters: t.Parameters,
		Attempt:    t.AttemptCount,
		Deadline:   t.Deadline,
	})
	if err != nil {
		c.logger.Error("encode task message for %s: %v", t.TaskID, err)
		return
	}
	msg.TaskID = t.TaskID
	msg.Capability = t.Capability
	msg.CorrelationID = t.CorrelationID

	if err := c.bus.Publish(ctx, acp.Topic(acp.ChannelTask, t.Capability), msg); err != nil {
		c.logger.Error("publish task %s failed, requeueing: %v", t.TaskID, err)
		c.requeue(ctx, t, err.Error())
		return
	}
	c.metrics.ObserveDispatch(t.Capability, retry)
	c.logger.Info("dispatched task %s (capability %s, attempt %d/%d)",
		t.TaskID, t.Capability, t.AttemptCount, t.MaxAttempts)
}

// deferDispatch pushes a pending task's next attempt out without consuming an
// attempt, used when the capability's circuit breaker is open.
func (c *Coordinator) deferDispatch(ctx context.Context, t mission.Task) {
	delay := atriumerrors.BackoffDelay(0, c.cfg.Retry)
	t.NextAttemptAt = time.Now().UTC().Add(delay)
	if _, err := c.store.PutTaskIf(ctx, t, mission.TaskPending); err != nil {
		c.logger.Error("defer write for task %s failed: %v", t.TaskID, err)
	}
	c.logger.Debug("capability %s circuit open, deferring task %s by %v", t.Capability, t.TaskID, delay)
}

// requeue returns a dispatched task to pending after a publish failure so the
// sweeper can retry it. The consumed attempt is rolled back.
func (c *Coordinator) requeue(ctx context.Context, t mission.Task, reason string) {
	t.Status = mission.TaskPending
	t.AttemptCount--
	t.CorrelationID = ""
	t.LastError = reason
	t.NextAttemptAt = time.Now().UTC().Add(atriumerrors.BackoffDelay(0, c.cfg.Retry))
	if _, err := c.store.PutTaskIf(ctx, t, mission.TaskDispatched); err != nil {
		c.logger.Error("requeue write for task %s failed: %v", t.TaskID, err)
	}
}

// HandleResult consumes one result message. Unknown, stale or already-terminal
// correlations are discarded, which is what makes duplicate delivery safe.
func (c *Coordinator) HandleResult(ctx context.Context, msg acp.Message) error {
	var payload acp.ResultPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return err
	}
	if err := payload.Validate(); err != nil {
		return err
	}

	t, err := c.store.GetTaskByCorrelation(ctx, msg.CorrelationID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			c.logger.Debug("result with unknown correlation %s, discarding", msg.CorrelationID)
			c.metrics.ObserveDuplicate()
			return nil
		}
		return fmt.Errorf("lookup correlation %s: %w", msg.CorrelationID, err)
	}
	if t.Status.IsTerminal() {
		c.logger.Debug("result for terminal task %s, discarding", t.TaskID)
		c.metrics.ObserveDuplicate()
		return nil
	}
	if t.CorrelationID != msg.CorrelationID {
		// A newer attempt is outstanding; this result belongs to a dead one.
		c.logger.Debug("stale result for task %s, discarding", t.TaskID)
		c.metrics.ObserveDuplicate()
		return nil
	}

	prior := t.Status
	now := time.Now().UTC()

	if payload.Status == acp.ResultSuccess {
		t.Status = mission.TaskCompleted
		t.Result = payload.Data
		t.LastError = ""
		ok, err := c.store.PutTaskIf(ctx, t, prior)
		if err != nil {
			return fmt.Errorf("complete task %s: %w", t.TaskID, err)
		}
		if !ok {
			c.logger.Debug("lost completion race for task %s", t.TaskID)
			return nil
		}
		c.markBreaker(t.Capability, nil)
		c.metrics.ObserveTaskDone(t.Capability, string(mission.TaskCompleted), now.Sub(t.CreatedAt))
		return c.afterTaskUpdate(ctx, t.MissionID)
	}

	// Failure path: retry with backoff while attempts remain, then terminal.
	c.markBreaker(t.Capability, errors.New(payload.Error))
	t.LastError = payload.Error

	if t.AttemptCount < t.MaxAttempts {
		t.Status = mission.TaskPending
		t.NextAttemptAt = now.Add(atriumerrors.BackoffDelay(t.AttemptCount, c.cfg.Retry))
		ok, err := c.store.PutTaskIf(ctx, t, prior)
		if err != nil {
			return fmt.Errorf("requeue task %s: %w", t.TaskID, err)
		}
		if ok {
			c.logger.Info("task %s failed (attempt %d/%d), retrying after backoff: %s",
				t.TaskID, t.AttemptCount, t.MaxAttempts, payload.Error)
		}
		return nil
	}

	t.Status = mission.TaskFailed
	ok, err := c.store.PutTaskIf(ctx, t, prior)
	if err != nil {
		return fmt.Errorf("fail task %s: %w", t.TaskID, err)
	}
	if !ok {
		c.logger.Debug("lost failure race for task %s", t.TaskID)
		return nil
	}
	c.logger.Warn("task %s exhausted %d attempts: %s", t.TaskID, t.MaxAttempts, payload.Error)
	c.metrics.ObserveTaskDone(t.Capability, string(mission.TaskFailed), now.Sub(t.CreatedAt))
	return c.afterTaskUpdate(ctx, t.MissionID)
}

// DispatchDue dispatches pending tasks whose backoff has elapsed. The sweeper
// calls this on a schedule; it is also the recovery path for tasks created but
// never dispatched by a crashed instance.
func (c *Coordinator) DispatchDue(ctx context.Context, now time.Time) error {
	due, err := c.store.ListDueTasks(ctx, now)
	if err != nil {
		return fmt.Errorf("list due tasks: %w", err)
	}
	for _, t := range due {
		m, err := c.store.GetMission(ctx, t.MissionID)
		if err != nil {
			c.logger.Warn("due task %s has no mission: %v", t.TaskID, err)
			continue
		}
		if m.Status.IsTerminal() {
			t.Status = mission.TaskCancelled
			if _, err := c.store.PutTaskIf(ctx, t, mission.TaskPending); err != nil {
				c.logger.Error("cancel orphaned task %s: %v", t.TaskID, err)
			}
			continue
		}
		c.dispatch(ctx, t)
	}
	return nil
}

// HandleTimeout forces every non-terminal task of an expired mission to timed
// out and re-evaluates fan-in immediately.
func (c *Coordinator) HandleTimeout(ctx context.Context, missionID string) error {
	m, err := c.store.GetMission(ctx, missionID)
	if err != nil {
		return fmt.Errorf("load mission %s: %w", missionID, err)
	}
	if m.Status.IsTerminal() {
		return nil
	}

	tasks, err := c.store.ListTasks(ctx, missionID)
	if err != nil {
		return fmt.Errorf("list tasks for %s: %w", missionID, err)
	}

	now := time.Now().UTC()
	for _, t := range tasks {
		if t.Status.IsTerminal() {
			continue
		}
		prior := t.Status
		t.Status = mission.TaskTimedOut
		t.LastError = "mission deadline exceeded"
		ok, err := c.store.PutTaskIf(ctx, t, prior)
		if err != nil {
			return fmt.Errorf("time out task %s: %w", t.TaskID, err)
		}
		if ok {
			c.metrics.ObserveTaskDone(t.Capability, string(mission.TaskTimedOut), now.Sub(t.CreatedAt))
			c.logger.Warn("task %s timed out with mission %s", t.TaskID, missionID)
		}
	}
	return c.afterTaskUpdate(ctx, missionID)
}

// SweepExpired fails over attempts that ran out of their per-capability
// deadline, then applies HandleTimeout to every mission past its deadline.
func (c *Coordinator) SweepExpired(ctx context.Context, now time.Time) error {
	if err := c.expireAttempts(ctx, now); err != nil {
		c.logger.Error("attempt deadline sweep failed: %v", err)
	}

	expired, err := c.store.ListExpiredMissions(ctx, now)
	if err != nil {
		return fmt.Errorf("list expired missions: %w", err)
	}
	for _, m := range expired {
		if err := c.HandleTimeout(ctx, m.MissionID); err != nil {
			c.logger.Error("timeout handling for mission %s failed: %v", m.MissionID, err)
		}
	}
	return nil
}

// expireAttempts treats a dispatched task past its attempt deadline like a
// reported failure: the attempt is spent, the task returns to pending with
// backoff while attempts remain, and exhaustion is terminal. A result that
// still arrives for the dead attempt is discarded by the correlation check
// after re-dispatch mints a fresh correlation id.
func (c *Coordinator) expireAttempts(ctx context.Context, now time.Time) error {
	overdue, err := c.store.ListExpiredTasks(ctx, now)
	if err != nil {
		return fmt.Errorf("list expired tasks: %w", err)
	}
	for _, t := range overdue {
		prior := t.Status
		c.markBreaker(t.Capability, atriumerrors.NewTransientError(nil, "attempt deadline exceeded"))
		t.LastError = fmt.Sprintf("no result before attempt deadline (attempt %d/%d)", t.AttemptCount, t.MaxAttempts)

		if t.AttemptCount < t.MaxAttempts {
			t.Status = mission.TaskPending
			t.NextAttemptAt = now.Add(atriumerrors.BackoffDelay(t.AttemptCount, c.cfg.Retry))
			ok, err := c.store.PutTaskIf(ctx, t, prior)
			if err != nil {
				c.logger.Error("requeue timed-out task %s: %v", t.TaskID, err)
				continue
			}
			if ok {
				c.logger.Info("task %s missed its attempt deadline (attempt %d/%d), retrying after backoff",
					t.TaskID, t.AttemptCount, t.MaxAttempts)
			}
			continue
		}

		t.Status = mission.TaskTimedOut
		ok, err := c.store.PutTaskIf(ctx, t, prior)
		if err != nil {
			c.logger.Error("time out task %s: %v", t.TaskID, err)
			continue
		}
		if !ok {
			continue
		}
		c.metrics.ObserveTaskDone(t.Capability, string(mission.TaskTimedOut), now.Sub(t.CreatedAt))
		c.logger.Warn("task %s exhausted %d attempts without a result", t.TaskID, t.MaxAttempts)
		if err := c.afterTaskUpdate(ctx, t.MissionID); err != nil {
			c.logger.Error("fan-in after task %s timed out: %v", t.TaskID, err)
		}
	}
	return nil
}

// Cancel requests best-effort cancellation: still-pending tasks are cancelled
// directly, in-flight ones get a cancellation message, and fan-in resolves the
// mission from whatever terminal states result. Tool agents are not required
// to honor in-flight cancellation; their late results are discarded by the
// terminal-state rule.
func (c *Coordinator) Cancel(ctx context.Context, missionID string) error {
	m, err := c.store.GetMission(ctx, missionID)
	if err != nil {
		return err
	}
	if m.Status.IsTerminal() {
		return nil
	}

	tasks, err := c.store.ListTasks(ctx, missionID)
	if err != nil {
		return fmt.Errorf("list tasks for %s: %w", missionID, err)
	}

	for _, t := range tasks {
		switch t.Status {
		case mission.TaskPending:
			prior := t.Status
			t.Status = mission.TaskCancelled
			if _, err := c.store.PutTaskIf(ctx, t, prior); err != nil {
				return fmt.Errorf("cancel task %s: %w", t.TaskID, err)
			}
		case mission.TaskDispatched, mission.TaskAcknowledged:
			cancelMsg, err := acp.New(acp.TypeTask, missionID, acp.TaskPayload{
				Capability: t.Capability,
				Cancel:     true,
			})
			if err != nil {
				return err
			}
			cancelMsg.TaskID = t.TaskID
			cancelMsg.Capability = t.Capability
			cancelMsg.CorrelationID = t.CorrelationID
			if err := c.bus.Publish(ctx, acp.Topic(acp.ChannelTask, t.Capability), cancelMsg); err != nil {
				c.logger.Warn("cancellation publish for task %s failed: %v", t.TaskID, err)
			}
			prior := t.Status
			t.Status = mission.TaskCancelled
			if _, err := c.store.PutTaskIf(ctx, t, prior); err != nil {
				return fmt.Errorf("cancel task %s: %w", t.TaskID, err)
			}
		}
	}
	return c.afterTaskUpdate(ctx, missionID)
}

// afterTaskUpdate re-evaluates fan-in after any task state change. It also
// moves the mission from dispatched to in-progress on first activity.
func (c *Coordinator) afterTaskUpdate(ctx context.Context, missionID string) error {
	m, err := c.store.GetMission(ctx, missionID)
	if err != nil {
		return fmt.Errorf("load mission %s: %w", missionID, err)
	}
	if m.Status.IsTerminal() {
		return nil
	}

	if m.Status == mission.StatusDispatched {
		inProgress := m
		inProgress.Status = mission.StatusInProgress
		if _, err := c.store.PutMissionIf(ctx, inProgress, mission.StatusDispatched); err != nil {
			return fmt.Errorf("mark mission %s in progress: %w", missionID, err)
		}
		m = inProgress
	}

	tasks, err := c.store.ListTasks(ctx, missionID)
	if err != nil {
		return fmt.Errorf("list tasks for %s: %w", missionID, err)
	}

	required := make(map[string]bool, len(m.RequiredTaskIDs))
	for _, taskID := range m.RequiredTaskIDs {
		required[taskID] = true
	}

	var (
		completed, failed, timedOut, cancelled int
		outstanding                            bool
		results                                []mission.TaskResult
	)
	for _, t := range tasks {
		if t.Status.IsTerminal() {
			results = append(results, mission.TaskResult{
				TaskID:     t.TaskID,
				Capability: t.Capability,
				Status:     t.Status,
				Payload:    t.Result,
			})
		}
		if !required[t.TaskID] {
			continue
		}
		switch t.Status {
		case mission.TaskCompleted:
			completed++
		case mission.TaskFailed:
			failed++
		case mission.TaskTimedOut:
			timedOut++
		case mission.TaskCancelled:
			cancelled++
		default:
			outstanding = true
		}
	}
	if outstanding {
		return nil
	}

	// Fan-in: every required task is terminal, compute the mission outcome.
	var status mission.Status
	var reason string
	requiredTotal := completed + failed + timedOut + cancelled
	switch {
	case len(required) == 0:
		status = mission.StatusCompleted
	case completed == requiredTotal:
		status = mission.StatusCompleted
	case completed > 0:
		status = mission.StatusPartiallyFailed
		reason = "one or more required tasks did not complete"
	case timedOut > 0:
		status = mission.StatusTimedOut
		reason = "mission deadline exceeded"
	case cancelled > 0 && failed == 0:
		status = mission.StatusCancelled
		reason = "mission cancelled"
	default:
		status = mission.StatusFailed
		reason = "all required tasks failed"
	}

	return c.publishOutcome(ctx, m, status, results, reason)
}

// publishOutcome emits the mission-outcome event consumed by the director.
// The director owns the terminal mission write, so a duplicated event here
// collapses into a single response downstream.
func (c *Coordinator) publishOutcome(ctx context.Context, m mission.Mission, status mission.Status, results []mission.TaskResult, reason string) error {
	if results == nil {
		results = []mission.TaskResult{}
	}
	msg, err := acp.NewEvent(acp.EventMissionOutcome, m.MissionID, acp.OutcomeBody{
		MissionID: m.MissionID,
		Status:    status,
		Results:   results,
		Error:     reason,
	})
	if err != nil {
		return err
	}
	if err := c.bus.Publish(ctx, acp.Topic(acp.ChannelEvent, ""), msg); err != nil {
		return fmt.Errorf("publish outcome for %s: %w", m.MissionID, err)
	}
	c.metrics.ObserveOutcome(string(status))
	c.metrics.MissionFinished()
	c.logger.Info("mission %s resolved %s (%d results)", m.MissionID, status, len(results))
	return nil
}

func (c *Coordinator) breaker(capabilityName string) *atriumerrors.CircuitBreaker {
	c.breakerMu.Lock()
	defer c.breakerMu.Unlock()
	cb, ok := c.breakers[capabilityName]
	if !ok {
		cb = atriumerrors.NewCircuitBreaker(capabilityName, c.cfg.Breaker)
		c.breakers[capabilityName] = cb
	}
	return cb
}

func (c *Coordinator) markBreaker(capabilityName string, err error) {
	if !c.cfg.BreakerEnabled {
		return
	}
	c.breaker(capabilityName).Mark(err)
}
