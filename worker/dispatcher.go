// Package worker receives queue messages and hands them to the processors
// registered for their schemas. Fan-out and homogeneous batch envelopes
// are unpacked here, so processors only ever see their own message type.
package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/NuGet/Insights-sub012/queues"
	"github.com/NuGet/Insights-sub012/utils"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

var MessageResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "insights",
	Subsystem: "worker",
	Name:      "messages",
}, []string{"schema", "result"})

type delayedRaw struct {
	data  json.RawMessage
	delay time.Duration
}

type handler struct {
	// single is set for plain processors, batch for batch processors.
	single func(ctx context.Context, data json.RawMessage, dequeueCount int) error
	batch  func(ctx context.Context, data []json.RawMessage, dequeueCount int) (failed []json.RawMessage, later []delayedRaw, err error)
}

// Dispatcher routes messages by schema name.
type Dispatcher struct {
	enqueuer *queues.Enqueuer
	logger   utils.Logger

	mu       sync.RWMutex
	handlers map[string]handler
}

func NewDispatcher(enqueuer *queues.Enqueuer, logger utils.Logger) *Dispatcher {
	return &Dispatcher{
		enqueuer: enqueuer,
		logger:   utils.OrDefault(logger),
		handlers: map[string]handler{},
	}
}

func (d *Dispatcher) add(schemaOf any, h handler) {
	schema, err := d.enqueuer.Serializer().SchemaOf(schemaOf)
	if err != nil {
		panic(err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[schema.Name]; ok {
		panic("worker: duplicate handler for " + schema.Name)
	}
	d.handlers[schema.Name] = h
}

func (d *Dispatcher) lookup(name string) (handler, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[name]
	if !ok {
		return handler{}, errors.Wrapf(insights_errors.ErrUnknownSchema, "no handler for %q", name)
	}
	return h, nil
}

// Handle registers a processor for the schema T is registered under.
func Handle[T any](d *Dispatcher, p queues.Processor[T]) {
	var zero T
	d.add(zero, handler{
		single: func(ctx context.Context, data json.RawMessage, dequeueCount int) error {
			msg, err := queues.Decode[T](data)
			if err != nil {
				return errors.Wrapf(err, "malformed %T message", zero)
			}
			return p.Process(ctx, msg, dequeueCount)
		},
	})
}

// HandleBatch registers a batch processor for the schema T is registered
// under.
func HandleBatch[T any](d *Dispatcher, p queues.BatchProcessor[T]) {
	var zero T
	d.add(zero, handler{
		batch: func(ctx context.Context, data []json.RawMessage, dequeueCount int) ([]json.RawMessage, []delayedRaw, error) {
			msgs := make([]T, 0, len(data))
			for _, raw := range data {
				msg, err := queues.Decode[T](raw)
				if err != nil {
					return nil, nil, errors.Wrapf(err, "malformed %T message", zero)
				}
				msgs = append(msgs, msg)
			}
			result, err := p.ProcessBatch(ctx, msgs, dequeueCount)
			if err != nil {
				return nil, nil, err
			}
			failed := make([]json.RawMessage, 0, len(result.Failed))
			for _, msg := range result.Failed {
				raw, err := json.Marshal(msg)
				if err != nil {
					return nil, nil, err
				}
				failed = append(failed, raw)
			}
			later := make([]delayedRaw, 0, len(result.TryAgainLater))
			for _, dm := range result.TryAgainLater {
				raw, err := json.Marshal(dm.Message)
				if err != nil {
					return nil, nil, err
				}
				later = append(later, delayedRaw{data: raw, delay: dm.NotBefore})
			}
			return failed, later, nil
		},
	})
}

// Dispatch processes one received message and settles it: deleted when
// done, made visible again later when it failed, and moved to the poison
// queue once it was delivered too often.
func (d *Dispatcher) Dispatch(ctx context.Context, q queues.Queue, msg *queues.Message) error {
	env, err := queues.ParseEnvelope(msg.Body)
	dequeueCount := msg.DequeueCount + env.PriorDequeues
	if dequeueCount > queues.MaxDequeueCount {
		d.logger.ErrorCtx(ctx, "moving message to the poison queue", "queue", q.Name(), "id", msg.ID, "dequeues", dequeueCount)
		if err := d.enqueuer.Poison(ctx, q.Name(), msg.Body); err != nil {
			return err
		}
		MessageResults.WithLabelValues("", "poison").Inc()
		return ignoreGone(q.Delete(ctx, msg))
	}

	if err != nil {
		d.logger.ErrorCtx(ctx, "malformed message", "queue", q.Name(), "id", msg.ID, "err", err)
		return d.retry(ctx, q, msg, "", err)
	}
	ctx = d.logger.WithDefaultArgs(ctx, "schema", env.SchemaName, "dequeues", dequeueCount)

	var delay time.Duration
	switch env.SchemaName {
	case queues.BulkEnqueueSchema:
		err = d.fanOut(ctx, env.Data)
	case queues.HomogeneousBatchSchema:
		delay, err = d.dispatchBatch(ctx, env.Data, dequeueCount)
	default:
		delay, err = d.dispatchOne(ctx, env, dequeueCount)
	}
	if err != nil {
		return d.retry(ctx, q, msg, env.SchemaName, err)
	}
	if delay > 0 {
		MessageResults.WithLabelValues(env.SchemaName, "later").Inc()
		return ignoreGone(q.UpdateVisibility(ctx, msg, delay))
	}
	MessageResults.WithLabelValues(env.SchemaName, "success").Inc()
	return ignoreGone(q.Delete(ctx, msg))
}

// retry leaves the message in the queue, visible again after a delay that
// grows with its dequeue count.
func (d *Dispatcher) retry(ctx context.Context, q queues.Queue, msg *queues.Message, schema string, cause error) error {
	MessageResults.WithLabelValues(schema, "failure").Inc()
	d.logger.WarnCtx(ctx, "message failed", "queue", q.Name(), "id", msg.ID, "err", cause)
	return ignoreGone(q.UpdateVisibility(ctx, msg, queues.MessageDelay(msg.DequeueCount)))
}

// ignoreGone drops the error of settling a message that was received by
// someone else in the meantime.
func ignoreGone(err error) error {
	if errors.Is(err, insights_errors.ErrNotFound) {
		return nil
	}
	return err
}

func (d *Dispatcher) fanOut(ctx context.Context, data json.RawMessage) error {
	bulk, err := queues.Decode[queues.BulkEnqueue](data)
	if err != nil {
		return errors.Wrap(err, "malformed fan-out message")
	}
	return d.enqueuer.EnqueueRaw(ctx, bulk.SchemaName, bulk.Messages, time.Duration(bulk.DelaySeconds)*time.Second)
}

// dispatchOne runs a single message. For batch processors it is a batch of
// one, whose failure or delay is returned as the visibility delay of the
// message itself.
func (d *Dispatcher) dispatchOne(ctx context.Context, env queues.Envelope, dequeueCount int) (time.Duration, error) {
	h, err := d.lookup(env.SchemaName)
	if err != nil {
		return 0, err
	}
	if h.single != nil {
		return 0, h.single(ctx, env.Data, dequeueCount)
	}
	failed, later, err := h.batch(ctx, []json.RawMessage{env.Data}, dequeueCount)
	switch {
	case err != nil:
		return 0, err
	case len(failed) > 0:
		return 0, errors.Errorf("%s message failed", env.SchemaName)
	case len(later) > 0:
		return max(later[0].delay, time.Second), nil
	}
	return 0, nil
}

// dispatchBatch runs a homogeneous batch. Members that failed or want to
// come back later are enqueued again as new messages and the batch itself
// is done, unless it only had one member. Failed members carry the batch's
// dequeue count along.
func (d *Dispatcher) dispatchBatch(ctx context.Context, data json.RawMessage, dequeueCount int) (time.Duration, error) {
	hb, err := queues.Decode[queues.HomogeneousBatch](data)
	if err != nil {
		return 0, errors.Wrap(err, "malformed batch message")
	}
	h, err := d.lookup(hb.SchemaName)
	if err != nil {
		return 0, err
	}
	if h.single != nil {
		return 0, d.runSingles(ctx, h, hb, dequeueCount)
	}

	failed, later, err := h.batch(ctx, hb.Messages, dequeueCount)
	if err != nil {
		return 0, err
	}
	if len(hb.Messages) == 1 {
		switch {
		case len(failed) > 0:
			return 0, errors.Errorf("%s message failed", hb.SchemaName)
		case len(later) > 0:
			return max(later[0].delay, time.Second), nil
		}
		return 0, nil
	}
	if len(failed) > 0 {
		d.logger.WarnCtx(ctx, "re-enqueueing failed batch members", "failed", len(failed), "count", len(hb.Messages))
		if err := d.enqueuer.EnqueueRetry(ctx, hb.SchemaName, failed, queues.MessageDelay(dequeueCount), dequeueCount); err != nil {
			return 0, err
		}
	}
	byDelay := map[time.Duration][]json.RawMessage{}
	var delays []time.Duration
	for _, l := range later {
		if _, ok := byDelay[l.delay]; !ok {
			delays = append(delays, l.delay)
		}
		byDelay[l.delay] = append(byDelay[l.delay], l.data)
	}
	for _, delay := range delays {
		if err := d.enqueuer.EnqueueRaw(ctx, hb.SchemaName, byDelay[delay], delay); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

// runSingles handles a batch of a schema whose processor takes one message
// at a time. Failed members go back to the queue on their own.
func (d *Dispatcher) runSingles(ctx context.Context, h handler, hb queues.HomogeneousBatch, dequeueCount int) error {
	var failed []json.RawMessage
	for _, raw := range hb.Messages {
		if err := h.single(ctx, raw, dequeueCount); err != nil {
			d.logger.WarnCtx(ctx, "batch member failed", "err", err)
			failed = append(failed, raw)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	if len(failed) == len(hb.Messages) {
		return errors.Errorf("all %d %s messages failed", len(failed), hb.SchemaName)
	}
	return d.enqueuer.EnqueueRetry(ctx, hb.SchemaName, failed, queues.MessageDelay(dequeueCount), dequeueCount)
}
