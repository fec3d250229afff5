// Package bus is the at-least-once publish/subscribe transport underneath the
// ACP channels. Delivery is at-least-once and unordered across topics, so every
// consumer must be idempotent with respect to message and correlation ids.
package bus

import (
	"context"

	"atrium/internal/acp"
)

// Handler processes one delivered envelope. Returning an error that wraps
// acp.ErrMalformed, or one classified permanent by the errors package, routes
// the message to the dead-letter topic; any other error leaves the message
// eligible for redelivery.
type Handler func(ctx context.Context, msg acp.Message) error

// Bus is the transport contract.
//
// Group semantics: subscribers sharing a group split the topic's messages
// between them (task-channel claim semantics); subscribers in distinct groups
// each receive every message (result/event fan-out).
type Bus interface {
	Publish(ctx context.Context, topic string, msg acp.Message) error
	Subscribe(topic, group string, handler Handler) error
	Close() error
}
