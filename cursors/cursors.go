// Package cursors stores named timestamps that record how far a process
// has consumed the catalog. A cursor never moves backward.
package cursors

import (
	"context"
	"encoding/json"
	"time"

	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/NuGet/Insights-sub012/tables"
	"github.com/NuGet/Insights-sub012/utils"
	"github.com/pkg/errors"
)

const TableName = "cursors"

// DefaultValue is the value of a cursor that was never advanced.
var DefaultValue = time.Date(1601, 1, 1, 0, 0, 0, 0, time.UTC)

type Cursor struct {
	Name  string
	Value time.Time
	// ETag is empty for a cursor that is not persisted yet.
	ETag string
}

type cursorValue struct {
	Value time.Time `json:"v"`
}

type Options struct {
	Logger utils.Logger
}

type Service struct {
	store  tables.Store
	logger utils.Logger
}

func NewService(store tables.Store, opts Options) *Service {
	return &Service{store: store, logger: utils.OrDefault(opts.Logger)}
}

func (s *Service) Initialize(ctx context.Context) error {
	return s.store.CreateTable(ctx, TableName)
}

func fromRow(row *tables.Row) (*Cursor, error) {
	var v cursorValue
	if err := json.Unmarshal(row.Value, &v); err != nil {
		return nil, errors.Wrapf(err, "malformed cursor %s", row.RowKey)
	}
	return &Cursor{Name: row.RowKey, Value: v.Value.UTC(), ETag: row.ETag}, nil
}

func toRow(name string, value time.Time, etag string) tables.Row {
	data, _ := json.Marshal(cursorValue{Value: value.UTC()})
	return tables.Row{RowKey: name, ETag: etag, Value: data}
}

// Get returns the cursors in the order of names. Missing cursors come back
// with DefaultValue and no ETag.
func (s *Service) Get(ctx context.Context, names ...string) ([]*Cursor, error) {
	out := make([]*Cursor, 0, len(names))
	for _, name := range names {
		row, err := s.store.Get(ctx, TableName, "", name)
		if errors.Is(err, insights_errors.ErrNotFound) {
			out = append(out, &Cursor{Name: name, Value: DefaultValue})
			continue
		}
		if err != nil {
			return nil, err
		}
		c, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// GetOrCreate returns the named cursor, persisting it with DefaultValue if
// it does not exist.
func (s *Service) GetOrCreate(ctx context.Context, name string) (*Cursor, error) {
	for {
		row, err := s.store.Get(ctx, TableName, "", name)
		if err == nil {
			return fromRow(row)
		}
		if !errors.Is(err, insights_errors.ErrNotFound) {
			return nil, err
		}
		etag, err := s.store.Insert(ctx, TableName, toRow(name, DefaultValue, ""))
		if errors.Is(err, insights_errors.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.logger.DebugCtx(ctx, "created cursor", "cursor", name)
		return &Cursor{Name: name, Value: DefaultValue, ETag: etag}, nil
	}
}

// Update moves the cursor to value. The write is conditional on the ETag
// the cursor was read with, so a concurrent update fails with
// ErrPreconditionFailed. On success c carries the new value and ETag.
func (s *Service) Update(ctx context.Context, c *Cursor, value time.Time) error {
	if value.Before(c.Value) {
		return errors.Wrapf(insights_errors.ErrCursorMovedBackward, "cursor %s from %s to %s",
			c.Name, c.Value.Format(time.RFC3339Nano), value.Format(time.RFC3339Nano))
	}
	var (
		etag string
		err  error
	)
	if c.ETag == "" {
		etag, err = s.store.Insert(ctx, TableName, toRow(c.Name, value, ""))
	} else {
		etag, err = s.store.Replace(ctx, TableName, toRow(c.Name, value, c.ETag))
	}
	if err != nil {
		return errors.Wrapf(err, "failed to update cursor %s", c.Name)
	}
	s.logger.InfoCtx(ctx, "cursor moved", "cursor", c.Name, "from", c.Value, "to", value)
	c.Value = value.UTC()
	c.ETag = etag
	return nil
}

func (s *Service) Delete(ctx context.Context, name string) error {
	err := s.store.Delete(ctx, TableName, "", name, "")
	if errors.Is(err, insights_errors.ErrNotFound) {
		return nil
	}
	return err
}
