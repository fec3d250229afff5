package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"atrium/internal/acp"
	atriumerrors "atrium/internal/errors"
	"atrium/internal/logging"
)

// InMemoryBus is a channel-backed Bus for tests and single-process runs.
// Each subscriber group gets a buffered queue per topic; one worker goroutine
// per group drains it, so members of a group split messages while distinct
// groups each see every message.
type InMemoryBus struct {
	mu     sync.RWMutex
	topics map[string]map[string]*groupQueue
	logger logging.Logger
	closed atomic.Bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

type groupQueue struct {
	messages chan acp.Message
	handlers []Handler
	next     atomic.Uint64
}

// NewInMemoryBus constructs an in-memory bus.
func NewInMemoryBus(logger logging.Logger) *InMemoryBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &InMemoryBus{
		topics: make(map[string]map[string]*groupQueue),
		logger: logging.OrNop(logger),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *InMemoryBus) Publish(_ context.Context, topic string, msg acp.Message) error {
	if b.closed.Load() {
		return fmt.Errorf("bus is closed")
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	b.mu.RLock()
	groups := b.topics[topic]
	queues := make([]*groupQueue, 0, len(groups))
	for _, q := range groups {
		queues = append(queues, q)
	}
	b.mu.RUnlock()

	for _, q := range queues {
		select {
		case q.messages <- msg:
		default:
			return fmt.Errorf("queue is full for topic %s", topic)
		}
	}
	return nil
}

func (b *InMemoryBus) Subscribe(topic, group string, handler Handler) error {
	if b.closed.Load() {
		return fmt.Errorf("bus is closed")
	}
	if handler == nil {
		return fmt.Errorf("handler is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	groups, ok := b.topics[topic]
	if !ok {
		groups = make(map[string]*groupQueue)
		b.topics[topic] = groups
	}

	q, ok := groups[group]
	if !ok {
		q = &groupQueue{messages: make(chan acp.Message, 256)}
		groups[group] = q
		b.wg.Add(1)
		go b.drain(topic, group, q)
	}
	q.handlers = append(q.handlers, handler)
	return nil
}

func (b *InMemoryBus) drain(topic, group string, q *groupQueue) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg := <-q.messages:
			b.mu.RLock()
			handlers := q.handlers
			b.mu.RUnlock()
			if len(handlers) == 0 {
				continue
			}
			handler := handlers[q.next.Add(1)%uint64(len(handlers))]
			if err := handler(b.ctx, msg); err != nil {
				if errors.Is(err, acp.ErrMalformed) || atriumerrors.IsPermanent(err) {
					b.deadLetter(topic, msg, err)
					continue
				}
				b.logger.Warn("handler failed on %s (group %s): %v", topic, group, err)
			}
		}
	}
}

func (b *InMemoryBus) deadLetter(topic string, msg acp.Message, cause error) {
	b.logger.Error("dead-lettering message %s from %s: %v", msg.MessageID, topic, cause)

	b.mu.RLock()
	groups := b.topics[string(acp.ChannelDeadLetter)]
	b.mu.RUnlock()
	for _, q := range groups {
		select {
		case q.messages <- msg:
		default:
			b.logger.Warn("dead-letter queue full, dropping message %s", msg.MessageID)
		}
	}
}

// Close stops delivery. Pending messages are dropped.
func (b *InMemoryBus) Close() error {
	if b.closed.Swap(true) {
		return fmt.Errorf("already closed")
	}
	b.cancel()
	b.wg.Wait()
	return nil
}
