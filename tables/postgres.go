package tables

import (
	"context"
	"fmt"
	"time"

	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/NuGet/Insights-sub012/utils"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const (
	pgUndefinedTable  = "42P01"
	pgUniqueViolation = "23505"
)

// PostgresStore maps every table onto a PostgreSQL table with a
// (partition_key, row_key) primary key. Keys use the C collation so range
// queries follow byte order, same as the pebble store.
type PostgresStore struct {
	pool *pgxpool.Pool
	max  int
	log  utils.Logger
}

type PostgresOptions struct {
	MaxValueSize int
	Logger       utils.Logger
}

func NewPostgresStore(ctx context.Context, dsn string, opts PostgresOptions) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to reach postgres")
	}
	if opts.MaxValueSize == 0 {
		opts.MaxValueSize = DefaultMaxValueSize
	}
	return &PostgresStore{pool: pool, max: opts.MaxValueSize, log: utils.OrDefault(opts.Logger)}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func ident(table string) string {
	return pgx.Identifier{table}.Sanitize()
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUndefinedTable:
			return errors.Wrap(insights_errors.ErrTableNotFound, pgErr.Message)
		case pgUniqueViolation:
			return errors.Wrap(insights_errors.ErrConflict, pgErr.Message)
		}
	}
	return err
}

func (s *PostgresStore) CreateTable(ctx context.Context, table string) error {
	if err := ValidateTableName(table); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	partition_key TEXT COLLATE "C" NOT NULL,
	row_key TEXT COLLATE "C" NOT NULL,
	etag TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	value BYTEA NOT NULL,
	PRIMARY KEY (partition_key, row_key)
)`, ident(table)))
	observe("postgres", "create_table", err)
	return classify(err)
}

func (s *PostgresStore) DeleteTable(ctx context.Context, table string) error {
	if err := ValidateTableName(table); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, ident(table)))
	observe("postgres", "delete_table", err)
	return classify(err)
}

func (s *PostgresStore) TableExists(ctx context.Context, table string) (bool, error) {
	if err := ValidateTableName(table); err != nil {
		return false, err
	}
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, ident(table)).Scan(&exists)
	return exists, classify(err)
}

func (s *PostgresStore) Get(ctx context.Context, table, partitionKey, rk string) (*Row, error) {
	if err := ValidateTableName(table); err != nil {
		return nil, err
	}
	row := Row{PartitionKey: partitionKey, RowKey: rk}
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT etag, updated_at, value FROM %s WHERE partition_key = $1 AND row_key = $2`, ident(table)),
		partitionKey, rk,
	).Scan(&row.ETag, &row.Timestamp, &row.Value)
	if errors.Is(err, pgx.ErrNoRows) {
		err = errors.Wrapf(insights_errors.ErrNotFound, "row %s/%s/%s", table, partitionKey, rk)
	}
	observe("postgres", "get", err)
	if err != nil {
		return nil, classify(err)
	}
	row.Timestamp = row.Timestamp.UTC()
	return &row, nil
}

func (s *PostgresStore) Insert(ctx context.Context, table string, row Row) (string, error) {
	etags, err := s.Submit(ctx, table, []Operation{Insert(row)})
	if err != nil {
		return "", err
	}
	return etags[0], nil
}

func (s *PostgresStore) Replace(ctx context.Context, table string, row Row) (string, error) {
	etags, err := s.Submit(ctx, table, []Operation{Replace(row)})
	if err != nil {
		return "", err
	}
	return etags[0], nil
}

func (s *PostgresStore) Upsert(ctx context.Context, table string, row Row) (string, error) {
	etags, err := s.Submit(ctx, table, []Operation{Upsert(row)})
	if err != nil {
		return "", err
	}
	return etags[0], nil
}

func (s *PostgresStore) Delete(ctx context.Context, table, partitionKey, rk, etag string) error {
	_, err := s.Submit(ctx, table, []Operation{Delete(partitionKey, rk, etag)})
	return err
}

func (s *PostgresStore) Submit(ctx context.Context, table string, ops []Operation) ([]string, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	if err := ValidateTableName(table); err != nil {
		return nil, err
	}
	if err := validateBatch(ops, s.max); err != nil {
		return nil, err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	etags := make([]string, len(ops))
	now := time.Now().UTC()
	for i, op := range ops {
		if op.Type != OpDelete {
			etags[i] = uuid.NewString()
		}
		err := s.apply(ctx, tx, table, op, etags[i], now)
		observe("postgres", op.Type.String(), err)
		if err != nil {
			return nil, errors.Wrapf(classify(err), "operation %d (%s %s/%s/%s)", i, op.Type, table, op.Row.PartitionKey, op.Row.RowKey)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classify(err)
	}
	return etags, nil
}

func (s *PostgresStore) apply(ctx context.Context, tx pgx.Tx, table string, op Operation, etag string, now time.Time) error {
	t := ident(table)
	r := op.Row
	switch op.Type {
	case OpInsert:
		tag, err := tx.Exec(ctx, fmt.Sprintf(
			`INSERT INTO %s (partition_key, row_key, etag, updated_at, value) VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`, t),
			r.PartitionKey, r.RowKey, etag, now, r.Value)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return insights_errors.ErrConflict
		}
		return nil
	case OpUpsert:
		_, err := tx.Exec(ctx, fmt.Sprintf(
			`INSERT INTO %s (partition_key, row_key, etag, updated_at, value) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (partition_key, row_key) DO UPDATE SET etag = EXCLUDED.etag, updated_at = EXCLUDED.updated_at, value = EXCLUDED.value`, t),
			r.PartitionKey, r.RowKey, etag, now, r.Value)
		return err
	case OpReplace:
		tag, err := tx.Exec(ctx, fmt.Sprintf(
			`UPDATE %s SET etag = $3, updated_at = $4, value = $5 WHERE partition_key = $1 AND row_key = $2 AND ($6 = '' OR etag = $6)`, t),
			r.PartitionKey, r.RowKey, etag, now, r.Value, r.ETag)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return s.missingOrStale(ctx, tx, t, r)
		}
		return nil
	case OpDelete:
		tag, err := tx.Exec(ctx, fmt.Sprintf(
			`DELETE FROM %s WHERE partition_key = $1 AND row_key = $2 AND ($3 = '' OR etag = $3)`, t),
			r.PartitionKey, r.RowKey, r.ETag)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return s.missingOrStale(ctx, tx, t, r)
		}
		return nil
	}
	return errors.Errorf("tables: unknown operation %q", byte(op.Type))
}

func (s *PostgresStore) missingOrStale(ctx context.Context, tx pgx.Tx, t string, r Row) error {
	var one int
	err := tx.QueryRow(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE partition_key = $1 AND row_key = $2`, t),
		r.PartitionKey, r.RowKey).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return insights_errors.ErrNotFound
	}
	if err != nil {
		return err
	}
	return insights_errors.ErrPreconditionFailed
}

func (s *PostgresStore) Query(ctx context.Context, table string, q Query) ([]Row, error) {
	if err := ValidateTableName(table); err != nil {
		return nil, err
	}
	sql := fmt.Sprintf(`SELECT row_key, etag, updated_at, value FROM %s
WHERE partition_key = $1 AND row_key >= $2 AND ($3 = '' OR row_key <= $3)
ORDER BY row_key`, ident(table))
	args := []any{q.PartitionKey, q.MinRowKey, q.MaxRowKey}
	if q.Limit > 0 {
		sql += " LIMIT $4"
		args = append(args, q.Limit)
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var result []Row
	for rows.Next() {
		row := Row{PartitionKey: q.PartitionKey}
		if err := rows.Scan(&row.RowKey, &row.ETag, &row.Timestamp, &row.Value); err != nil {
			return nil, err
		}
		row.Timestamp = row.Timestamp.UTC()
		result = append(result, row)
	}
	observe("postgres", "query", rows.Err())
	return result, classify(rows.Err())
}

func (s *PostgresStore) ListPartitions(ctx context.Context, table string) ([]string, error) {
	if err := ValidateTableName(table); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT DISTINCT partition_key FROM %s ORDER BY partition_key`, ident(table)))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var partitions []string
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			return nil, err
		}
		partitions = append(partitions, pk)
	}
	return partitions, classify(rows.Err())
}
