package acp

import (
	"encoding/json"
	"fmt"
	"time"

	"atrium/internal/mission"
)

// Result payload status values reported by tool agents.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// TaskPayload is carried on the task channel when dispatching work to a
// capability. Parameters are opaque to the engine.
type TaskPayload struct {
	Capability string          `json:"capability"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Attempt    int             `json:"attempt"`
	Deadline   time.Time       `json:"deadline"`
	Cancel     bool            `json:"cancel,omitempty"`
}

// ResultPayload is published by tool agents exactly once per accepted task.
type ResultPayload struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Validate enforces the tool-agent result contract.
func (p *ResultPayload) Validate() error {
	switch p.Status {
	case ResultSuccess:
		return nil
	case ResultFailure:
		if p.Error == "" {
			return fmt.Errorf("%w: failure result requires error", ErrMalformed)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown result status %q", ErrMalformed, p.Status)
	}
}

// DecomposePayload hands a freshly created mission to the coordinator. It
// travels on the task channel addressed to the coordinator's own capability,
// so exactly one coordinator instance claims each decomposition.
type DecomposePayload struct {
	Intention mission.Intention `json:"intention"`
}

// Event payload kinds carried on the event channel.
const (
	EventMissionOutcome = "mission_outcome"
	EventResponse       = "response"
)

// EventPayload wraps the kind-discriminated event body.
type EventPayload struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// OutcomeBody is published by the coordinator once fan-in resolves a mission.
type OutcomeBody struct {
	MissionID string               `json:"mission_id"`
	Status    mission.Status       `json:"status"`
	Results   []mission.TaskResult `json:"results"`
	Error     string               `json:"error,omitempty"`
}

// ResponseBody is the single per-mission response delivered to the
// conversation boundary.
type ResponseBody struct {
	MissionID string               `json:"mission_id"`
	SessionID string               `json:"session_id"`
	Status    mission.Status       `json:"status"`
	Results   []mission.TaskResult `json:"results"`
	Error     string               `json:"error,omitempty"`
}

// HeartbeatPayload announces tool-agent liveness on the heartbeat channel.
type HeartbeatPayload struct {
	AgentID    string    `json:"agent_id"`
	Capability string    `json:"capability"`
	SentAt     time.Time `json:"sent_at"`
}

// NewEvent builds an event-channel envelope with a kind-discriminated body.
func NewEvent(kind, missionID string, body any) (Message, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Message{}, fmt.Errorf("encode event body: %w", err)
	}
	return New(TypeEvent, missionID, EventPayload{Kind: kind, Body: raw})
}

// DecodeEvent extracts the kind-discriminated event payload from an envelope.
func DecodeEvent(msg *Message) (EventPayload, error) {
	var payload EventPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return EventPayload{}, err
	}
	if payload.Kind == "" {
		return EventPayload{}, fmt.Errorf("%w: event payload requires kind", ErrMalformed)
	}
	return payload, nil
}

// DecodeBody unmarshals the event body into the given value.
func (p EventPayload) DecodeBody(v any) error {
	if err := json.Unmarshal(p.Body, v); err != nil {
		return fmt.Errorf("%w: decode %s body: %v", ErrMalformed, p.Kind, err)
	}
	return nil
}
