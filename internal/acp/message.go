// Package acp defines the agent communication protocol envelope shared by the
// coordinator, director, health monitor and external tool agents. One envelope
// shape serves all four logical channels; payloads are channel-specific.
package acp

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"atrium/internal/id"
)

// SchemaVersion is the current envelope schema. Consumers must tolerate
// additive changes within the same major version.
const SchemaVersion = "1.0"

// ErrMalformed marks envelopes that fail schema validation. Such messages are
// routed to the dead-letter topic and never retried.
var ErrMalformed = errors.New("malformed acp message")

// MessageType identifies the logical channel an envelope belongs to.
type MessageType string

const (
	TypeTask      MessageType = "Task"
	TypeResult    MessageType = "Result"
	TypeEvent     MessageType = "Event"
	TypeHeartbeat MessageType = "Heartbeat"
)

var validTypes = map[MessageType]bool{
	TypeTask:      true,
	TypeResult:    true,
	TypeEvent:     true,
	TypeHeartbeat: true,
}

// Channel is a logical message channel name used for topic addressing.
type Channel string

const (
	ChannelTask      Channel = "acp.task"
	ChannelResult    Channel = "acp.result"
	ChannelEvent     Channel = "acp.event"
	ChannelHeartbeat Channel = "acp.heartbeat"

	// ChannelDeadLetter receives envelopes that failed schema validation.
	ChannelDeadLetter Channel = "acp.dlq"
)

// Topic renders the concrete bus topic for a channel. The task channel is
// capability-addressed: each capability gets its own topic so that routing, not
// content inspection, decides which agent claims a message.
func Topic(channel Channel, capability string) string {
	if channel == ChannelTask && capability != "" {
		return fmt.Sprintf("%s.%s", channel, capability)
	}
	return string(channel)
}

// Message is the transport envelope carried on every channel.
type Message struct {
	MessageID     string          `json:"message_id"`
	Type          MessageType     `json:"type"`
	CorrelationID string          `json:"correlation_id"`
	MissionID     string          `json:"mission_id"`
	TaskID        string          `json:"task_id,omitempty"`
	Capability    string          `json:"capability,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	SchemaVersion string          `json:"schema_version"`
	EmittedAt     time.Time       `json:"emitted_at"`
}

// New builds an envelope with a fresh message id and the current schema version.
func New(msgType MessageType, missionID string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode payload: %w", err)
	}
	return Message{
		MessageID:     id.NewMessageID(),
		Type:          msgType,
		MissionID:     missionID,
		Payload:       raw,
		SchemaVersion: SchemaVersion,
		EmittedAt:     time.Now().UTC(),
	}, nil
}

// Validate checks the envelope against the schema. Failures wrap ErrMalformed.
func (m *Message) Validate() error {
	if m.MessageID == "" {
		return fmt.Errorf("%w: missing message_id", ErrMalformed)
	}
	if !validTypes[m.Type] {
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, m.Type)
	}
	if m.SchemaVersion == "" {
		return fmt.Errorf("%w: missing schema_version", ErrMalformed)
	}
	switch m.Type {
	case TypeTask:
		if m.Capability == "" || m.CorrelationID == "" {
			return fmt.Errorf("%w: task message requires capability and correlation_id", ErrMalformed)
		}
	case TypeResult:
		if m.CorrelationID == "" {
			return fmt.Errorf("%w: result message requires correlation_id", ErrMalformed)
		}
	case TypeHeartbeat:
		if m.Capability == "" {
			return fmt.Errorf("%w: heartbeat message requires capability", ErrMalformed)
		}
	}
	return nil
}

// Encode serializes the envelope for the wire.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses an envelope off the wire and validates it.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// DecodePayload unmarshals the payload into the given value.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: decode payload: %v", ErrMalformed, err)
	}
	return nil
}
