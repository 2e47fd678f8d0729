package queues

import (
	"encoding/json"
	"reflect"

	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/pkg/errors"
)

// Envelope is the wire form of every message. Schema names are short and
// stable, so concrete type names never leak onto the wire.
type Envelope struct {
	SchemaName    string          `json:"n"`
	SchemaVersion int             `json:"v"`
	Data          json.RawMessage `json:"d"`
	// PriorDequeues counts deliveries of the payload as part of earlier
	// messages, so retried batch members still reach the poison queue.
	PriorDequeues int `json:"p,omitempty"`
}

type Schema struct {
	Name    string
	Version int
	// Queue the messages of this schema are sent to.
	Queue QueueType
	// Batch tells whether the processor takes several messages at once,
	// which makes the enqueuer pack them into homogeneous batches.
	Batch bool
	Type  reflect.Type
}

const (
	HomogeneousBatchSchema = "hb"
	BulkEnqueueSchema      = "hbe"
)

// HomogeneousBatch carries several messages of one schema.
type HomogeneousBatch struct {
	SchemaName    string            `json:"n"`
	SchemaVersion int               `json:"v"`
	Messages      []json.RawMessage `json:"m"`
}

// BulkEnqueue is a fan-out request: the worker that receives it enqueues
// the contained messages, so a large list is spread across the pool.
type BulkEnqueue struct {
	SchemaName    string            `json:"n"`
	SchemaVersion int               `json:"v"`
	Messages      []json.RawMessage `json:"m"`
	DelaySeconds  int               `json:"s,omitempty"`
}

type Serializer struct {
	byName map[string]Schema
	byType map[reflect.Type]Schema
}

func NewSerializer() *Serializer {
	return &Serializer{
		byName: map[string]Schema{},
		byType: map[reflect.Type]Schema{},
	}
}

// Register binds a message type to a schema name. Registering the same
// name twice panics, it is a wiring bug.
func Register[T any](s *Serializer, name string, version int, queue QueueType, batch bool) {
	if name == HomogeneousBatchSchema || name == BulkEnqueueSchema {
		panic("queues: reserved schema name " + name)
	}
	if _, ok := s.byName[name]; ok {
		panic("queues: duplicate schema name " + name)
	}
	t := reflect.TypeOf((*T)(nil)).Elem()
	schema := Schema{Name: name, Version: version, Queue: queue, Batch: batch, Type: t}
	s.byName[name] = schema
	s.byType[t] = schema
}

func (s *Serializer) Lookup(name string) (Schema, error) {
	schema, ok := s.byName[name]
	if !ok {
		return Schema{}, errors.Wrapf(insights_errors.ErrUnknownSchema, "%q", name)
	}
	return schema, nil
}

func (s *Serializer) SchemaOf(msg any) (Schema, error) {
	t := reflect.TypeOf(msg)
	if t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	schema, ok := s.byType[t]
	if !ok {
		return Schema{}, errors.Wrapf(insights_errors.ErrUnknownSchema, "type %v", t)
	}
	return schema, nil
}

// Data serializes the message payload without the envelope.
func (s *Serializer) Data(msg any) (Schema, json.RawMessage, error) {
	schema, err := s.SchemaOf(msg)
	if err != nil {
		return Schema{}, nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return Schema{}, nil, errors.Wrapf(err, "failed to serialize %s message", schema.Name)
	}
	return schema, data, nil
}

func (s *Serializer) Serialize(msg any) ([]byte, error) {
	schema, data, err := s.Data(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{SchemaName: schema.Name, SchemaVersion: schema.Version, Data: data})
}

func ParseEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return env, errors.Wrap(err, "malformed message envelope")
	}
	if env.SchemaName == "" {
		return env, errors.Wrap(insights_errors.ErrUnknownSchema, "message without schema name")
	}
	return env, nil
}

func Decode[T any](data json.RawMessage) (T, error) {
	var msg T
	err := json.Unmarshal(data, &msg)
	return msg, err
}

func wrap(name string, version int, data any, priorDequeues int) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{SchemaName: name, SchemaVersion: version, Data: raw, PriorDequeues: priorDequeues})
}
