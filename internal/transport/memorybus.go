package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryBus is an in-process Bus test double with the same dead-letter and
// ack-after-success semantics as RedisBus, minus durability across
// restarts.
type MemoryBus struct {
	mu      sync.Mutex
	queues  map[string][]Message
	seq     atomic.Int64
	closed  bool
}

// NewMemoryBus returns an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{queues: make(map[string][]Message)}
}

// Send appends value to topic's in-memory queue.
func (b *MemoryBus) Send(_ context.Context, topic, key string, value []byte, headers map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	id := fmt.Sprintf("%d-0", b.seq.Add(1))
	b.queues[topic] = append(b.queues[topic], Message{
		Topic: topic, Key: key, Value: value, Headers: cloneHeaders(headers), ID: id,
	})
	return nil
}

// Subscribe drains topic's queue in FIFO order, invoking handler for each
// message, until ctx is canceled. GroupID is accepted for interface
// parity but ignored — MemoryBus serves exactly one subscriber per topic.
func (b *MemoryBus) Subscribe(ctx context.Context, topic, groupID string, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, ok := b.pop(topic)
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
				continue
			}
		}

		if err := handler(ctx, msg); err != nil {
			headers := cloneHeaders(msg.Headers)
			headers[HeaderOriginalTopic] = topic
			headers[HeaderOriginalPartition] = "0"
			headers[HeaderOriginalOffset] = msg.ID
			headers[HeaderError] = err.Error()
			_ = b.Send(ctx, DeadLetterTopic(topic), msg.Key, msg.Value, headers)
		}
	}
}

func (b *MemoryBus) pop(topic string) (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[topic]
	if len(q) == 0 {
		return Message{}, false
	}
	msg := q[0]
	b.queues[topic] = q[1:]
	return msg, true
}

// Peek returns a snapshot of topic's pending queue without consuming it —
// test-only inspection of dead-letter routing and ordering.
func (b *MemoryBus) Peek(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.queues[topic]))
	copy(out, b.queues[topic])
	return out
}

// Close marks the bus closed; subsequent Send calls return ErrBusClosed.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Ping reports ErrBusClosed once Close has run, matching RedisBus's
// Ping so tests can exercise the health checker against either bus.
func (b *MemoryBus) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	return nil
}

func cloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

var _ Bus = (*MemoryBus)(nil)
