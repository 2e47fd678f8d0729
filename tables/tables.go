// Package tables is a partition/row keyed entity store with optimistic
// concurrency. Every row carries an opaque ETag which changes on each
// write; conditional replace and delete compare against it.
//
// Rows within a partition are ordered by row key. A batch submitted with
// Submit touches a single partition and is applied atomically.
package tables

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// MaxBatchSize bounds the number of operations in one Submit call.
	MaxBatchSize = 100
	// DefaultMaxValueSize mirrors the classic 1 MiB entity limit of cloud
	// table services.
	DefaultMaxValueSize = 1 << 20
	maxKeyLength        = 1024
)

var OperationCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "insights",
	Subsystem: "tables",
	Name:      "operations",
}, []string{"backend", "op", "result"})

type Row struct {
	PartitionKey string
	RowKey       string
	// ETag is assigned by the store. On Replace and Delete a non-empty
	// ETag makes the operation conditional.
	ETag      string
	Timestamp time.Time
	Value     []byte
}

// Query selects rows of one partition with MinRowKey <= RowKey <= MaxRowKey.
// Empty bounds are open. Limit 0 means no limit.
type Query struct {
	PartitionKey string
	MinRowKey    string
	MaxRowKey    string
	Limit        int
}

type OperationType byte

const (
	OpInsert  OperationType = 'I'
	OpReplace OperationType = 'R'
	OpUpsert  OperationType = 'U'
	OpDelete  OperationType = 'D'
)

func (t OperationType) String() string {
	switch t {
	case OpInsert:
		return "insert"
	case OpReplace:
		return "replace"
	case OpUpsert:
		return "upsert"
	case OpDelete:
		return "delete"
	}
	return "unknown"
}

type Operation struct {
	Type OperationType
	Row  Row
}

func Insert(row Row) Operation  { return Operation{Type: OpInsert, Row: row} }
func Replace(row Row) Operation { return Operation{Type: OpReplace, Row: row} }
func Upsert(row Row) Operation  { return Operation{Type: OpUpsert, Row: row} }
func Delete(partitionKey, rowKey, etag string) Operation {
	return Operation{Type: OpDelete, Row: Row{PartitionKey: partitionKey, RowKey: rowKey, ETag: etag}}
}

type Store interface {
	// CreateTable and DeleteTable are idempotent.
	CreateTable(ctx context.Context, table string) error
	DeleteTable(ctx context.Context, table string) error
	TableExists(ctx context.Context, table string) (bool, error)

	Get(ctx context.Context, table, partitionKey, rowKey string) (*Row, error)
	// Insert fails with ErrConflict if the row exists.
	Insert(ctx context.Context, table string, row Row) (etag string, err error)
	// Replace fails with ErrNotFound for a missing row and with
	// ErrPreconditionFailed on an ETag mismatch.
	Replace(ctx context.Context, table string, row Row) (etag string, err error)
	Upsert(ctx context.Context, table string, row Row) (etag string, err error)
	Delete(ctx context.Context, table, partitionKey, rowKey, etag string) error

	Query(ctx context.Context, table string, q Query) ([]Row, error)
	ListPartitions(ctx context.Context, table string) ([]string, error)

	// Submit applies all operations or none. They must share a partition.
	Submit(ctx context.Context, table string, ops []Operation) (etags []string, err error)
}

var tableNameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]{2,62}$`)

func ValidateTableName(table string) error {
	if !tableNameRe.MatchString(table) {
		return errors.Wrapf(insights_errors.ErrInvalidKey, "table name %q", table)
	}
	return nil
}

func validateKey(kind, key string) error {
	if len(key) > maxKeyLength || strings.ContainsRune(key, 0) {
		return errors.Wrapf(insights_errors.ErrInvalidKey, "%s %q", kind, key)
	}
	return nil
}

func validateRow(row *Row, maxValueSize int) error {
	if err := validateKey("partition key", row.PartitionKey); err != nil {
		return err
	}
	if err := validateKey("row key", row.RowKey); err != nil {
		return err
	}
	if maxValueSize > 0 && len(row.Value) > maxValueSize {
		return errors.Wrapf(insights_errors.ErrTooLarge, "row %s/%s is %d bytes", row.PartitionKey, row.RowKey, len(row.Value))
	}
	return nil
}

func validateBatch(ops []Operation, maxValueSize int) error {
	if len(ops) > MaxBatchSize {
		return errors.Wrapf(insights_errors.ErrBatchTooLarge, "%d operations", len(ops))
	}
	for i := range ops {
		if ops[i].Row.PartitionKey != ops[0].Row.PartitionKey {
			return errors.Wrap(insights_errors.ErrInvalidKey, "batch spans several partitions")
		}
		if err := validateRow(&ops[i].Row, maxValueSize); err != nil {
			return err
		}
	}
	return nil
}

func observe(backend, op string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, insights_errors.ErrNotFound):
		result = "not_found"
	case errors.Is(err, insights_errors.ErrConflict):
		result = "conflict"
	case errors.Is(err, insights_errors.ErrPreconditionFailed):
		result = "precondition_failed"
	case errors.Is(err, insights_errors.ErrTooLarge):
		result = "too_large"
	default:
		result = "error"
	}
	OperationCount.WithLabelValues(backend, op, result).Inc()
}

// QueryAll pages through a whole partition range.
func QueryAll(ctx context.Context, s Store, table string, q Query, pageSize int) ([]Row, error) {
	if pageSize <= 0 {
		return s.Query(ctx, table, q)
	}
	var all []Row
	for {
		page := q
		page.Limit = pageSize
		rows, err := s.Query(ctx, table, page)
		if err != nil {
			return nil, err
		}
		all = append(all, rows...)
		if len(rows) < pageSize {
			return all, nil
		}
		// row keys never contain NUL, so this is the next possible key
		q.MinRowKey = rows[len(rows)-1].RowKey + "\x01"
	}
}
