// Package queues provides durable at-least-once message queues.
//
// A received message stays in the queue, hidden for a visibility timeout,
// until it is deleted. Each receive bumps its dequeue count, which callers
// use both for retry backoff and for poison message detection. There is
// no deduplication: processors must be idempotent.
package queues

import (
	"context"
	"time"
)

const (
	// MaxMessageSize is the largest body Send accepts.
	MaxMessageSize = 64 * 1024
	// MaxDequeueCount is how many deliveries a message gets before it is
	// moved to the poison queue.
	MaxDequeueCount = 32
	// MaxReceiveCount bounds a single Receive call.
	MaxReceiveCount = 32
)

type QueueType string

const (
	Expand QueueType = "expand"
	Work   QueueType = "work"
)

func (t QueueType) Name() string {
	return string(t)
}

func (t QueueType) PoisonName() string {
	return string(t) + "-poison"
}

type Message struct {
	ID           string
	Body         []byte
	DequeueCount int
	InsertedAt   time.Time
	NextVisible  time.Time
	receipt      []byte
}

type Queue interface {
	Name() string
	Send(ctx context.Context, body []byte, delay time.Duration) error
	// Receive hides up to max visible messages for visibilityTimeout.
	Receive(ctx context.Context, max int, visibilityTimeout time.Duration) ([]*Message, error)
	// Delete fails with ErrNotFound if the message was received again by
	// someone else since msg was received.
	Delete(ctx context.Context, msg *Message) error
	UpdateVisibility(ctx context.Context, msg *Message, delay time.Duration) error
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

// Provider resolves queues by name.
type Provider interface {
	Queue(name string) Queue
}

// MessageDelay is the redelivery delay for a message that has already been
// attempted the given number of times: one second per attempt, at most a
// minute.
func MessageDelay(attempt int) time.Duration {
	return time.Duration(min(max(attempt, 0), 60)) * time.Second
}
