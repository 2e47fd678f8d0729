package queues

import (
	"context"
	"time"
)

// Processor handles one decoded message. A returned error makes the message
// visible again after MessageDelay(dequeueCount).
type Processor[T any] interface {
	Process(ctx context.Context, msg T, dequeueCount int) error
}

// BatchProcessor handles several messages of one schema at once and reports
// which of them should come back. Everything not listed is done.
type BatchProcessor[T any] interface {
	ProcessBatch(ctx context.Context, msgs []T, dequeueCount int) (BatchResult[T], error)
}

type Delayed[T any] struct {
	Message   T
	NotBefore time.Duration
}

type BatchResult[T any] struct {
	Failed        []T
	TryAgainLater []Delayed[T]
}

func (r *BatchResult[T]) Fail(msg T) {
	r.Failed = append(r.Failed, msg)
}

func (r *BatchResult[T]) Later(msg T, notBefore time.Duration) {
	r.TryAgainLater = append(r.TryAgainLater, Delayed[T]{Message: msg, NotBefore: notBefore})
}

func (r *BatchResult[T]) Empty() bool {
	return len(r.Failed) == 0 && len(r.TryAgainLater) == 0
}
