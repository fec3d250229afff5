// Package toolagent provides a scriptable simulated tool agent. It speaks the
// same protocol as a real executor: it claims task messages for its
// capability, publishes exactly one result per accepted task, and heartbeats
// on a ticker. Used by integration tests and the agent-sim binary.
package toolagent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"atrium/internal/acp"
	"atrium/internal/bus"
	"atrium/internal/id"
	"atrium/internal/logging"
)

// Behavior scripts how the agent answers a task message.
type Behavior struct {
	// FailuresBeforeSuccess makes the agent report failure for the first N
	// attempts of each task, then succeed.
	FailuresBeforeSuccess int
	// AlwaysFail makes every attempt report failure.
	AlwaysFail bool
	// Mute makes the agent accept tasks but never answer (for timeout tests).
	Mute bool
	// Delay postpones each answer.
	Delay time.Duration
	// Respond, when set, overrides the canned behaviors entirely.
	Respond func(msg acp.Message) acp.ResultPayload
}

// Sim is a simulated tool agent for one capability.
type Sim struct {
	agentID    string
	capability string
	behavior   Behavior
	bus        bus.Bus
	logger     logging.Logger

	mu       sync.Mutex
	attempts map[string]int // task id -> attempts seen
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewSim constructs a simulated agent.
func NewSim(capability string, b bus.Bus, behavior Behavior, logger logging.Logger) *Sim {
	return &Sim{
		agentID:    fmt.Sprintf("sim-%s-%s", capability, id.NewKSUID()[:8]),
		capability: capability,
		behavior:   behavior,
		bus:        b,
		logger:     logging.OrNop(logger),
		attempts:   make(map[string]int),
		stopped:    make(chan struct{}),
	}
}

// Start subscribes the agent to its capability topic and begins heartbeating.
func (s *Sim) Start(heartbeatEvery time.Duration) error {
	topic := acp.Topic(acp.ChannelTask, s.capability)
	if err := s.bus.Subscribe(topic, "toolagent-"+s.capability, s.handleTask); err != nil {
		return err
	}
	if heartbeatEvery > 0 {
		go s.heartbeatLoop(heartbeatEvery)
	}
	return nil
}

// AgentID returns the generated agent identifier.
func (s *Sim) AgentID() string {
	return s.agentID
}

// Stop ends the heartbeat loop.
func (s *Sim) Stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

// Heartbeat publishes a single liveness announcement.
func (s *Sim) Heartbeat(ctx context.Context) error {
	msg, err := acp.New(acp.TypeHeartbeat, "", acp.HeartbeatPayload{
		AgentID:    s.agentID,
		Capability: s.capability,
		SentAt:     time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	msg.Capability = s.capability
	return s.bus.Publish(ctx, acp.Topic(acp.ChannelHeartbeat, ""), msg)
}

func (s *Sim) heartbeatLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopped:
			return
		case <-ticker.C:
			if err := s.Heartbeat(context.Background()); err != nil {
				s.logger.Warn("heartbeat failed: %v", err)
			}
		}
	}
}

func (s *Sim) handleTask(ctx context.Context, msg acp.Message) error {
	var payload acp.TaskPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return err
	}
	if payload.Cancel {
		s.logger.Info("cancellation received for task %s", msg.TaskID)
		return nil
	}

	if s.behavior.Delay > 0 {
		select {
		case <-time.After(s.behavior.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.behavior.Mute {
		s.logger.Debug("muted, swallowing task %s", msg.TaskID)
		return nil
	}

	result := s.resolve(msg)
	reply, err := acp.New(acp.TypeResult, msg.MissionID, result)
	if err != nil {
		return err
	}
	reply.TaskID = msg.TaskID
	reply.Capability = s.capability
	reply.CorrelationID = msg.CorrelationID

	return s.bus.Publish(ctx, acp.Topic(acp.ChannelResult, ""), reply)
}

func (s *Sim) resolve(msg acp.Message) acp.ResultPayload {
	if s.behavior.Respond != nil {
		return s.behavior.Respond(msg)
	}

	s.mu.Lock()
	s.attempts[msg.TaskID]++
	seen := s.attempts[msg.TaskID]
	s.mu.Unlock()

	if s.behavior.AlwaysFail || seen <= s.behavior.FailuresBeforeSuccess {
		return acp.ResultPayload{
			Status: acp.ResultFailure,
			Error:  fmt.Sprintf("simulated failure from %s", s.agentID),
		}
	}

	data, _ := json.Marshal(map[string]string{
		"agent_id": s.agentID,
		"handled":  msg.TaskID,
	})
	return acp.ResultPayload{Status: acp.ResultSuccess, Data: data}
}
