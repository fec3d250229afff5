// Package health consumes the heartbeat channel and tracks tool-agent
// liveness. The coordinator consults it at decomposition time so a required
// capability with no live executor fails fast instead of dispatching into the
// void.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"atrium/internal/acp"
	"atrium/internal/bus"
	"atrium/internal/logging"
)

// Liveness is the read side consumed by the coordinator.
type Liveness interface {
	Alive(capability string) bool
}

// AlwaysAlive is a Liveness that reports every capability live. Used when no
// heartbeat feed exists (tests, single-process development).
type AlwaysAlive struct{}

func (AlwaysAlive) Alive(string) bool { return true }

// AgentStatus is one entry of the liveness snapshot.
type AgentStatus struct {
	AgentID    string    `json:"agent_id"`
	Capability string    `json:"capability"`
	LastSeen   time.Time `json:"last_seen"`
	Alive      bool      `json:"alive"`
}

// Monitor tracks last-seen timestamps per agent keyed by capability.
type Monitor struct {
	ttl    time.Duration
	logger logging.Logger

	mu     sync.RWMutex
	agents map[string]map[string]time.Time // capability -> agent id -> last seen
	now    func() time.Time
}

// NewMonitor constructs a monitor. Agents silent for longer than ttl are
// considered dead.
func NewMonitor(ttl time.Duration, logger logging.Logger) *Monitor {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Monitor{
		ttl:    ttl,
		logger: logging.OrNop(logger),
		agents: make(map[string]map[string]time.Time),
		now:    time.Now,
	}
}

// Start subscribes the monitor to the heartbeat channel.
func (m *Monitor) Start(b bus.Bus, group string) error {
	return b.Subscribe(acp.Topic(acp.ChannelHeartbeat, ""), group, m.HandleHeartbeat)
}

// HandleHeartbeat records one heartbeat message.
func (m *Monitor) HandleHeartbeat(_ context.Context, msg acp.Message) error {
	var payload acp.HeartbeatPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return err
	}
	if payload.AgentID == "" {
		payload.AgentID = "unknown"
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	agents, ok := m.agents[msg.Capability]
	if !ok {
		agents = make(map[string]time.Time)
		m.agents[msg.Capability] = agents
	}
	if _, seen := agents[payload.AgentID]; !seen {
		m.logger.Info("agent %s came online for capability %s", payload.AgentID, msg.Capability)
	}
	agents[payload.AgentID] = m.now()
	return nil
}

// Alive reports whether any agent for the capability heartbeated within the TTL.
func (m *Monitor) Alive(capability string) bool {
	cutoff := m.now().Add(-m.ttl)

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, lastSeen := range m.agents[capability] {
		if lastSeen.After(cutoff) {
			return true
		}
	}
	return false
}

// Snapshot returns the current view of all known agents, sorted for stable output.
func (m *Monitor) Snapshot() []AgentStatus {
	cutoff := m.now().Add(-m.ttl)

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []AgentStatus
	for capability, agents := range m.agents {
		for agentID, lastSeen := range agents {
			out = append(out, AgentStatus{
				AgentID:    agentID,
				Capability: capability,
				LastSeen:   lastSeen,
				Alive:      lastSeen.After(cutoff),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Capability != out[j].Capability {
			return out[i].Capability < out[j].Capability
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}
