package queues

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
)

var MessageCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "insights",
	Subsystem: "queues",
	Name:      "messages",
}, []string{"queue", "op"})

type PebbleOptions struct {
	Clock        clock.Clock
	WriteOptions *pebble.WriteOptions
}

// PebbleQueues keeps every queue in one pebble database.
//
//	Q<name> 0 <visible at, unix nanos BE> <message id>  dequeue count, inserted at, body
type PebbleQueues struct {
	db     *pebble.DB
	opts   PebbleOptions
	queues *xsync.MapOf[string, *PebbleQueue]
}

func NewPebbleQueues(db *pebble.DB, opts PebbleOptions) *PebbleQueues {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.WriteOptions == nil {
		opts.WriteOptions = pebble.Sync
	}
	return &PebbleQueues{
		db:     db,
		opts:   opts,
		queues: xsync.NewMapOf[string, *PebbleQueue](),
	}
}

func (p *PebbleQueues) Queue(name string) Queue {
	q, _ := p.queues.LoadOrCompute(name, func() *PebbleQueue {
		return &PebbleQueue{
			name:   name,
			db:     p.db,
			clock:  p.opts.Clock,
			wo:     p.opts.WriteOptions,
			prefix: append(append([]byte{'Q'}, name...), 0),
		}
	})
	return q
}

type PebbleQueue struct {
	name   string
	db     *pebble.DB
	clock  clock.Clock
	wo     *pebble.WriteOptions
	prefix []byte
	// receive, delete and visibility updates move keys around
	mu sync.Mutex
}

func (q *PebbleQueue) Name() string {
	return q.name
}

func (q *PebbleQueue) key(visible time.Time, id []byte) []byte {
	key := bytes.Clone(q.prefix)
	key = binary.BigEndian.AppendUint64(key, uint64(visible.UnixNano()))
	return append(key, id...)
}

func (q *PebbleQueue) end() []byte {
	end := bytes.Clone(q.prefix)
	end[len(end)-1] = 1
	return end
}

func encodeMessage(dequeueCount int, inserted time.Time, body []byte) []byte {
	data := make([]byte, 0, 12+len(body))
	data = binary.BigEndian.AppendUint32(data, uint32(dequeueCount))
	data = binary.BigEndian.AppendUint64(data, uint64(inserted.UnixNano()))
	return append(data, body...)
}

func (q *PebbleQueue) decode(key, value []byte) (*Message, error) {
	rest := key[len(q.prefix):]
	if len(rest) != 8+16 || len(value) < 12 {
		return nil, errors.Errorf("queues: corrupt message in %s", q.name)
	}
	id, err := uuid.FromBytes(rest[8:])
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:           id.String(),
		DequeueCount: int(binary.BigEndian.Uint32(value[:4])),
		InsertedAt:   time.Unix(0, int64(binary.BigEndian.Uint64(value[4:12]))).UTC(),
		NextVisible:  time.Unix(0, int64(binary.BigEndian.Uint64(rest[:8]))).UTC(),
		Body:         bytes.Clone(value[12:]),
		receipt:      bytes.Clone(key),
	}, nil
}

func (q *PebbleQueue) Send(ctx context.Context, body []byte, delay time.Duration) error {
	if len(body) > MaxMessageSize {
		return errors.Wrapf(insights_errors.ErrTooLarge, "message of %d bytes", len(body))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	id := uuid.New()
	now := q.clock.Now()
	MessageCount.WithLabelValues(q.name, "send").Inc()
	return q.db.Set(q.key(now.Add(max(delay, 0)), id[:]), encodeMessage(0, now, body), q.wo)
}

func (q *PebbleQueue) Receive(ctx context.Context, maxCount int, visibilityTimeout time.Duration) ([]*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	maxCount = min(max(maxCount, 1), MaxReceiveCount)
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	upper := binary.BigEndian.AppendUint64(bytes.Clone(q.prefix), uint64(now.UnixNano())+1)
	iter, err := q.db.NewIter(&pebble.IterOptions{
		LowerBound: q.prefix,
		UpperBound: upper,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	batch := q.db.NewBatch()
	defer batch.Close()
	var messages []*Message
	for valid := iter.First(); valid && len(messages) < maxCount; valid = iter.Next() {
		msg, err := q.decode(iter.Key(), iter.Value())
		if err != nil {
			return nil, err
		}
		msg.DequeueCount++
		msg.NextVisible = now.Add(visibilityTimeout).UTC()
		if err := batch.Delete(msg.receipt, nil); err != nil {
			return nil, err
		}
		id := msg.receipt[len(q.prefix)+8:]
		msg.receipt = q.key(msg.NextVisible, id)
		if err := batch.Set(msg.receipt, encodeMessage(msg.DequeueCount, msg.InsertedAt, msg.Body), nil); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, nil
	}
	if err := batch.Commit(q.wo); err != nil {
		return nil, err
	}
	MessageCount.WithLabelValues(q.name, "receive").Add(float64(len(messages)))
	return messages, nil
}

func (q *PebbleQueue) exists(receipt []byte) (bool, error) {
	_, closer, err := q.db.Get(receipt)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, closer.Close()
}

func (q *PebbleQueue) Delete(ctx context.Context, msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	ok, err := q.exists(msg.receipt)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(insights_errors.ErrNotFound, "message %s in %s", msg.ID, q.name)
	}
	MessageCount.WithLabelValues(q.name, "delete").Inc()
	return q.db.Delete(msg.receipt, q.wo)
}

func (q *PebbleQueue) UpdateVisibility(ctx context.Context, msg *Message, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	ok, err := q.exists(msg.receipt)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(insights_errors.ErrNotFound, "message %s in %s", msg.ID, q.name)
	}
	batch := q.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(msg.receipt, nil); err != nil {
		return err
	}
	id := msg.receipt[len(q.prefix)+8:]
	next := q.clock.Now().Add(max(delay, 0)).UTC()
	receipt := q.key(next, id)
	if err := batch.Set(receipt, encodeMessage(msg.DequeueCount, msg.InsertedAt, msg.Body), nil); err != nil {
		return err
	}
	if err := batch.Commit(q.wo); err != nil {
		return err
	}
	msg.receipt = receipt
	msg.NextVisible = next
	return nil
}

func (q *PebbleQueue) Count(ctx context.Context) (int, error) {
	iter, err := q.db.NewIter(&pebble.IterOptions{
		LowerBound: q.prefix,
		UpperBound: q.end(),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for valid := iter.First(); valid; valid = iter.Next() {
		n++
	}
	return n, iter.Error()
}

func (q *PebbleQueue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.db.DeleteRange(q.prefix, q.end(), q.wo)
}
