package queues

import (
	"context"
	"encoding/json"
	"time"

	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/NuGet/Insights-sub012/utils"
	"github.com/pkg/errors"
)

type EnqueuerOptions struct {
	// BulkEnqueueThreshold is the list length above which messages are
	// wrapped in fan-out messages instead of being sent one by one.
	BulkEnqueueThreshold int
	// BatchCount is how many messages go into one homogeneous batch.
	BatchCount int
	Logger     utils.Logger
}

func (o *EnqueuerOptions) SetDefaults() {
	if o.BulkEnqueueThreshold == 0 {
		o.BulkEnqueueThreshold = 1000
	}
	if o.BatchCount == 0 {
		o.BatchCount = 32
	}
	o.Logger = utils.OrDefault(o.Logger)
}

type Enqueuer struct {
	serializer *Serializer
	queues     Provider
	opts       EnqueuerOptions
}

func NewEnqueuer(serializer *Serializer, queues Provider, opts EnqueuerOptions) *Enqueuer {
	opts.SetDefaults()
	return &Enqueuer{serializer: serializer, queues: queues, opts: opts}
}

func (e *Enqueuer) Serializer() *Serializer {
	return e.serializer
}

// Enqueue sends messages to the queues their schemas route to. Messages of
// batch schemas are packed into homogeneous batches; long lists go out as
// fan-out messages. Payloads over the transport limit are split in half
// until they fit.
func (e *Enqueuer) Enqueue(ctx context.Context, messages []any, delay time.Duration) error {
	type group struct {
		schema Schema
		data   []json.RawMessage
	}
	var order []string
	groups := map[string]*group{}
	for _, msg := range messages {
		schema, data, err := e.serializer.Data(msg)
		if err != nil {
			return err
		}
		g, ok := groups[schema.Name]
		if !ok {
			g = &group{schema: schema}
			groups[schema.Name] = g
			order = append(order, schema.Name)
		}
		g.data = append(g.data, data)
	}
	for _, name := range order {
		g := groups[name]
		if err := e.enqueueRaw(ctx, g.schema, g.data, delay, true, 0); err != nil {
			return err
		}
	}
	return nil
}

// EnqueueRaw sends already serialized payloads of one schema. The fan-out
// processor calls it with bulk set to false.
func (e *Enqueuer) EnqueueRaw(ctx context.Context, schemaName string, data []json.RawMessage, delay time.Duration) error {
	schema, err := e.serializer.Lookup(schemaName)
	if err != nil {
		return err
	}
	return e.enqueueRaw(ctx, schema, data, delay, false, 0)
}

// EnqueueRetry sends data again as new messages which remember that the
// payload was already delivered priorDequeues times.
func (e *Enqueuer) EnqueueRetry(ctx context.Context, schemaName string, data []json.RawMessage, delay time.Duration, priorDequeues int) error {
	schema, err := e.serializer.Lookup(schemaName)
	if err != nil {
		return err
	}
	return e.enqueueRaw(ctx, schema, data, delay, false, priorDequeues)
}

func (e *Enqueuer) enqueueRaw(ctx context.Context, schema Schema, data []json.RawMessage, delay time.Duration, bulk bool, priorDequeues int) error {
	q := e.queues.Queue(schema.Queue.Name())
	if bulk && len(data) > e.opts.BulkEnqueueThreshold {
		e.opts.Logger.DebugCtx(ctx, "fanning out messages", "schema", schema.Name, "count", len(data))
		for _, chunk := range chunks(data, e.opts.BulkEnqueueThreshold) {
			err := e.sendSplit(ctx, q, chunk, 0, func(items []json.RawMessage) ([]byte, error) {
				return wrap(BulkEnqueueSchema, 1, BulkEnqueue{
					SchemaName:    schema.Name,
					SchemaVersion: schema.Version,
					Messages:      items,
					DelaySeconds:  int(delay / time.Second),
				}, 0)
			})
			if err != nil {
				return err
			}
		}
		return nil
	}
	if schema.Batch && len(data) > 1 {
		for _, chunk := range chunks(data, e.opts.BatchCount) {
			err := e.sendSplit(ctx, q, chunk, delay, func(items []json.RawMessage) ([]byte, error) {
				if len(items) == 1 {
					return json.Marshal(Envelope{SchemaName: schema.Name, SchemaVersion: schema.Version, Data: items[0], PriorDequeues: priorDequeues})
				}
				return wrap(HomogeneousBatchSchema, 1, HomogeneousBatch{
					SchemaName:    schema.Name,
					SchemaVersion: schema.Version,
					Messages:      items,
				}, priorDequeues)
			})
			if err != nil {
				return err
			}
		}
		return nil
	}
	for _, item := range data {
		body, err := json.Marshal(Envelope{SchemaName: schema.Name, SchemaVersion: schema.Version, Data: item, PriorDequeues: priorDequeues})
		if err != nil {
			return err
		}
		if err := q.Send(ctx, body, delay); err != nil {
			return errors.Wrapf(err, "failed to send %s message", schema.Name)
		}
	}
	return nil
}

func (e *Enqueuer) sendSplit(ctx context.Context, q Queue, items []json.RawMessage, delay time.Duration, build func([]json.RawMessage) ([]byte, error)) error {
	body, err := build(items)
	if err != nil {
		return err
	}
	err = q.Send(ctx, body, delay)
	if errors.Is(err, insights_errors.ErrTooLarge) && len(items) >= 2 {
		half := len(items) / 2
		e.opts.Logger.DebugCtx(ctx, "splitting oversized message", "count", len(items), "bytes", len(body))
		if err := e.sendSplit(ctx, q, items[:half], delay, build); err != nil {
			return err
		}
		return e.sendSplit(ctx, q, items[half:], delay, build)
	}
	return err
}

// Poison moves a message body to the poison queue of queueName.
func (e *Enqueuer) Poison(ctx context.Context, queueName string, body []byte) error {
	return e.queues.Queue(queueName+"-poison").Send(ctx, body, 0)
}

func chunks[T any](items []T, size int) [][]T {
	var out [][]T
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
