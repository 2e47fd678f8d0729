package tables

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/NuGet/Insights-sub012/utils"
	"github.com/cespare/xxhash"
	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const lockStripes = 64

// PebbleStore keeps tables in a shared pebble database.
//
//	t<table>                      table marker
//	T<table> 0 <partition> 0 <row> row: etag length, etag, unix nanos, value
type PebbleStore struct {
	db    *pebble.DB
	wo    *pebble.WriteOptions
	max   int
	log   utils.Logger
	locks [lockStripes]sync.Mutex
	now   func() time.Time
}

type PebbleOptions struct {
	MaxValueSize int
	WriteOptions *pebble.WriteOptions
	Logger       utils.Logger
}

func (o *PebbleOptions) SetDefaults() {
	if o.MaxValueSize == 0 {
		o.MaxValueSize = DefaultMaxValueSize
	}
	if o.WriteOptions == nil {
		o.WriteOptions = pebble.Sync
	}
	o.Logger = utils.OrDefault(o.Logger)
}

func NewPebbleStore(db *pebble.DB, opts PebbleOptions) *PebbleStore {
	opts.SetDefaults()
	return &PebbleStore{
		db:  db,
		wo:  opts.WriteOptions,
		max: opts.MaxValueSize,
		log: opts.Logger,
		now: time.Now,
	}
}

func markerKey(table string) []byte {
	return append([]byte{'t'}, table...)
}

func tablePrefix(table string) []byte {
	key := make([]byte, 0, len(table)+2)
	key = append(key, 'T')
	key = append(key, table...)
	return append(key, 0)
}

func partitionPrefix(table, pk string) []byte {
	key := tablePrefix(table)
	key = append(key, pk...)
	return append(key, 0)
}

func rowKey(table, pk, rk string) []byte {
	return append(partitionPrefix(table, pk), rk...)
}

// successor of a prefix whose last byte is 0
func prefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	end[len(end)-1] = 1
	return end
}

func encodeValue(etag string, ts time.Time, value []byte) []byte {
	data := make([]byte, 0, 1+len(etag)+8+len(value))
	data = append(data, byte(len(etag)))
	data = append(data, etag...)
	data = binary.BigEndian.AppendUint64(data, uint64(ts.UnixNano()))
	return append(data, value...)
}

func decodeValue(data []byte) (etag string, ts time.Time, value []byte, err error) {
	if len(data) < 1 || len(data) < 1+int(data[0])+8 {
		return "", time.Time{}, nil, errors.New("tables: corrupt row value")
	}
	n := int(data[0])
	etag = string(data[1 : 1+n])
	ts = time.Unix(0, int64(binary.BigEndian.Uint64(data[1+n:1+n+8]))).UTC()
	value = bytes.Clone(data[1+n+8:])
	return
}

func (s *PebbleStore) lock(table, pk string) *sync.Mutex {
	h := xxhash.Sum64String(table + "\x00" + pk)
	return &s.locks[h%lockStripes]
}

func (s *PebbleStore) checkTable(table string) error {
	if err := ValidateTableName(table); err != nil {
		return err
	}
	_, closer, err := s.db.Get(markerKey(table))
	if err == pebble.ErrNotFound {
		return errors.Wrapf(insights_errors.ErrTableNotFound, "table %s", table)
	}
	if err != nil {
		return err
	}
	return closer.Close()
}

func (s *PebbleStore) CreateTable(ctx context.Context, table string) error {
	if err := ValidateTableName(table); err != nil {
		return err
	}
	err := s.db.Set(markerKey(table), nil, s.wo)
	observe("pebble", "create_table", err)
	return err
}

func (s *PebbleStore) DeleteTable(ctx context.Context, table string) error {
	if err := ValidateTableName(table); err != nil {
		return err
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	prefix := tablePrefix(table)
	if err := batch.DeleteRange(prefix, prefixEnd(prefix), nil); err != nil {
		return err
	}
	if err := batch.Delete(markerKey(table), nil); err != nil {
		return err
	}
	err := batch.Commit(s.wo)
	observe("pebble", "delete_table", err)
	return err
}

func (s *PebbleStore) TableExists(ctx context.Context, table string) (bool, error) {
	err := s.checkTable(table)
	if errors.Is(err, insights_errors.ErrTableNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *PebbleStore) get(table, pk, rk string) (*Row, error) {
	data, closer, err := s.db.Get(rowKey(table, pk, rk))
	if err == pebble.ErrNotFound {
		return nil, errors.Wrapf(insights_errors.ErrNotFound, "row %s/%s/%s", table, pk, rk)
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	etag, ts, value, err := decodeValue(data)
	if err != nil {
		return nil, err
	}
	return &Row{PartitionKey: pk, RowKey: rk, ETag: etag, Timestamp: ts, Value: value}, nil
}

func (s *PebbleStore) Get(ctx context.Context, table, partitionKey, rk string) (*Row, error) {
	if err := s.checkTable(table); err != nil {
		return nil, err
	}
	row, err := s.get(table, partitionKey, rk)
	observe("pebble", "get", err)
	return row, err
}

func (s *PebbleStore) Insert(ctx context.Context, table string, row Row) (string, error) {
	etags, err := s.Submit(ctx, table, []Operation{Insert(row)})
	if err != nil {
		return "", err
	}
	return etags[0], nil
}

func (s *PebbleStore) Replace(ctx context.Context, table string, row Row) (string, error) {
	etags, err := s.Submit(ctx, table, []Operation{Replace(row)})
	if err != nil {
		return "", err
	}
	return etags[0], nil
}

func (s *PebbleStore) Upsert(ctx context.Context, table string, row Row) (string, error) {
	etags, err := s.Submit(ctx, table, []Operation{Upsert(row)})
	if err != nil {
		return "", err
	}
	return etags[0], nil
}

func (s *PebbleStore) Delete(ctx context.Context, table, partitionKey, rk, etag string) error {
	_, err := s.Submit(ctx, table, []Operation{Delete(partitionKey, rk, etag)})
	return err
}

func (s *PebbleStore) Submit(ctx context.Context, table string, ops []Operation) ([]string, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	if err := validateBatch(ops, s.max); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.checkTable(table); err != nil {
		return nil, err
	}
	mu := s.lock(table, ops[0].Row.PartitionKey)
	mu.Lock()
	defer mu.Unlock()

	batch := s.db.NewIndexedBatch()
	defer batch.Close()
	etags := make([]string, len(ops))
	now := s.now().UTC()
	for i, op := range ops {
		key := rowKey(table, op.Row.PartitionKey, op.Row.RowKey)
		current, err := s.current(batch, key)
		if err != nil {
			return nil, err
		}
		err = precondition(op, current)
		if err != nil {
			observe("pebble", op.Type.String(), err)
			return nil, errors.Wrapf(err, "operation %d (%s %s/%s/%s)", i, op.Type, table, op.Row.PartitionKey, op.Row.RowKey)
		}
		if op.Type == OpDelete {
			err = batch.Delete(key, nil)
		} else {
			etags[i] = uuid.NewString()
			err = batch.Set(key, encodeValue(etags[i], now, op.Row.Value), nil)
		}
		if err != nil {
			return nil, err
		}
	}
	err := batch.Commit(s.wo)
	for _, op := range ops {
		observe("pebble", op.Type.String(), err)
	}
	if err != nil {
		return nil, err
	}
	return etags, nil
}

// current returns the stored etag, nil when the row does not exist
func (s *PebbleStore) current(batch *pebble.Batch, key []byte) (*string, error) {
	data, closer, err := batch.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	etag, _, _, err := decodeValue(data)
	if err != nil {
		return nil, err
	}
	return &etag, nil
}

func precondition(op Operation, current *string) error {
	switch op.Type {
	case OpInsert:
		if current != nil {
			return insights_errors.ErrConflict
		}
	case OpReplace, OpDelete:
		if current == nil {
			return insights_errors.ErrNotFound
		}
		if op.Row.ETag != "" && op.Row.ETag != *current {
			return insights_errors.ErrPreconditionFailed
		}
	}
	return nil
}

func (s *PebbleStore) Query(ctx context.Context, table string, q Query) ([]Row, error) {
	if err := s.checkTable(table); err != nil {
		return nil, err
	}
	prefix := partitionPrefix(table, q.PartitionKey)
	lower := append(bytes.Clone(prefix), q.MinRowKey...)
	upper := prefixEnd(prefix)
	if q.MaxRowKey != "" {
		upper = append(append(bytes.Clone(prefix), q.MaxRowKey...), 0)
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var rows []Row
	for valid := iter.First(); valid; valid = iter.Next() {
		if q.Limit > 0 && len(rows) >= q.Limit {
			break
		}
		etag, ts, value, err := decodeValue(iter.Value())
		if err != nil {
			return nil, err
		}
		rows = append(rows, Row{
			PartitionKey: q.PartitionKey,
			RowKey:       string(iter.Key()[len(prefix):]),
			ETag:         etag,
			Timestamp:    ts,
			Value:        value,
		})
	}
	observe("pebble", "query", iter.Error())
	return rows, iter.Error()
}

func (s *PebbleStore) ListPartitions(ctx context.Context, table string) ([]string, error) {
	if err := s.checkTable(table); err != nil {
		return nil, err
	}
	prefix := tablePrefix(table)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var partitions []string
	for valid := iter.First(); valid; {
		rest := iter.Key()[len(prefix):]
		end := bytes.IndexByte(rest, 0)
		if end < 0 {
			return nil, errors.New("tables: corrupt row key")
		}
		pk := string(rest[:end])
		partitions = append(partitions, pk)
		valid = iter.SeekGE(prefixEnd(partitionPrefix(table, pk)))
	}
	return partitions, iter.Error()
}
