// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package source

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"golang.org/x/time/rate"

	"github.com/custodia-engine/custodia/internal/logging"
	"github.com/custodia-engine/custodia/internal/models"
)

// Config configures the operational-database connection.
type Config struct {
	// Driver is the database/sql driver name.
	Driver string `koanf:"driver" validate:"required"`

	// DSN is the driver-specific connection string.
	DSN string `koanf:"dsn"`

	// ReadRateLimit throttles capture reads in rows per second so backup
	// jobs do not starve the operational workload. 0 disables throttling.
	ReadRateLimit int `koanf:"read_rate_limit"`

	// KeyColumn is the primary key column every configured table carries.
	KeyColumn string `koanf:"key_column"`

	// Watermark column names.
	CreatedColumn string `koanf:"created_column"`
	UpdatedColumn string `koanf:"updated_column"`
	DeletedColumn string `koanf:"deleted_column"`

	// MaxOpenConns caps the connection pool.
	MaxOpenConns int `koanf:"max_open_conns"`
}

func (c *Config) applyDefaults() {
	if c.Driver == "" {
		c.Driver = "duckdb"
	}
	if c.KeyColumn == "" {
		c.KeyColumn = "id"
	}
	if c.CreatedColumn == "" {
		c.CreatedColumn = "created_at"
	}
	if c.UpdatedColumn == "" {
		c.UpdatedColumn = "updated_at"
	}
	if c.DeletedColumn == "" {
		c.DeletedColumn = "deleted_at"
	}
}

// SQLDatabase implements Database over database/sql.
type SQLDatabase struct {
	db      *sql.DB
	cfg     Config
	limiter *rate.Limiter
}

// Open connects to the operational database.
func Open(cfg Config) (*SQLDatabase, error) {
	cfg.applyDefaults()

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening %s source: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging %s source: %w", cfg.Driver, err)
	}

	var limiter *rate.Limiter
	if cfg.ReadRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.ReadRateLimit), cfg.ReadRateLimit)
	}

	logging.Info().
		Str("driver", cfg.Driver).
		Int("read_rate_limit", cfg.ReadRateLimit).
		Msg("Operational database connected")
	return &SQLDatabase{db: db, cfg: cfg, limiter: limiter}, nil
}

// OpenDB wraps an existing connection. Tests use this with an in-memory
// database.
func OpenDB(db *sql.DB, cfg Config) *SQLDatabase {
	cfg.applyDefaults()
	var limiter *rate.Limiter
	if cfg.ReadRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.ReadRateLimit), cfg.ReadRateLimit)
	}
	return &SQLDatabase{db: db, cfg: cfg, limiter: limiter}
}

// quoteIdent makes a table or column name safe for interpolation. Names
// come from operator configuration, not request input, but quoting keeps
// odd names working.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// querier abstracts *sql.DB and *sql.Tx for read-only inspection.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// columns returns the table's column names, or ErrTableNotFound.
func columns(ctx context.Context, q querier, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT 0", quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTableNotFound, table, err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("inspecting %s: %w", table, err)
	}
	return cols, nil
}

func (s *SQLDatabase) columns(ctx context.Context, table string) ([]string, error) {
	return columns(ctx, s.db, table)
}

func contains(cols []string, name string) bool {
	for _, c := range cols {
		if c == name {
			return true
		}
	}
	return false
}

// ReadAll implements Reader. Soft-deleted rows are excluded; a full
// backup is a snapshot of live state.
func (s *SQLDatabase) ReadAll(ctx context.Context, table string) ([]models.Record, error) {
	cols, err := s.columns(ctx, table)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT * FROM %s", quoteIdent(table))
	if contains(cols, s.cfg.DeletedColumn) {
		query += fmt.Sprintf(" WHERE %s IS NULL", quoteIdent(s.cfg.DeletedColumn))
	}
	if contains(cols, s.cfg.KeyColumn) {
		query += fmt.Sprintf(" ORDER BY %s", quoteIdent(s.cfg.KeyColumn))
	}

	return s.readRecords(ctx, query, func(fields map[string]any) (models.ChangeKind, time.Time) {
		return models.ChangeInsert, fieldTime(fields, s.cfg.CreatedColumn)
	})
}

// ReadChangedSince implements Reader. A row soft-deleted after the
// watermark is a delete; created after is an insert; otherwise it
// changed in place.
func (s *SQLDatabase) ReadChangedSince(ctx context.Context, table string, since time.Time) ([]models.Record, error) {
	cols, err := s.columns(ctx, table)
	if err != nil {
		return nil, err
	}

	var conds []string
	for _, col := range []string{s.cfg.CreatedColumn, s.cfg.UpdatedColumn, s.cfg.DeletedColumn} {
		if contains(cols, col) {
			conds = append(conds, fmt.Sprintf("%s > ?", quoteIdent(col)))
		}
	}
	if len(conds) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoWatermark, table)
	}

	query := fmt.Sprintf("SELECT * FROM %s WHERE %s",
		quoteIdent(table), strings.Join(conds, " OR "))
	args := make([]any, len(conds))
	for i := range args {
		args[i] = since
	}

	return s.readRecords(ctx, query, func(fields map[string]any) (models.ChangeKind, time.Time) {
		if deleted := fieldTime(fields, s.cfg.DeletedColumn); !deleted.IsZero() && deleted.After(since) {
			return models.ChangeDelete, deleted
		}
		if created := fieldTime(fields, s.cfg.CreatedColumn); !created.IsZero() && created.After(since) {
			return models.ChangeInsert, created
		}
		return models.ChangeUpdate, fieldTime(fields, s.cfg.UpdatedColumn)
	}, args...)
}

// readRecords runs a query and converts rows to records, throttled by
// the read limiter.
func (s *SQLDatabase) readRecords(ctx context.Context, query string, classify func(map[string]any) (models.ChangeKind, time.Time), args ...any) ([]models.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying rows: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}

	var records []models.Record
	for rows.Next() {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		fields := make(map[string]any, len(cols))
		for i, col := range cols {
			fields[col] = normalizeValue(values[i])
		}

		kind, at := classify(fields)
		records = append(records, models.Record{Kind: kind, At: at, Fields: fields})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return records, nil
}

// Count implements Reader.
func (s *SQLDatabase) Count(ctx context.Context, table string) (int64, error) {
	cols, err := s.columns(ctx, table)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(table))
	if contains(cols, s.cfg.DeletedColumn) {
		query += fmt.Sprintf(" WHERE %s IS NULL", quoteIdent(s.cfg.DeletedColumn))
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting %s: %w", table, err)
	}
	return count, nil
}

// BeginRestore implements Sink. Every table replayed through the
// returned transaction commits together or not at all, so a failed
// restore never leaves the operational database half-loaded.
func (s *SQLDatabase) BeginRestore(ctx context.Context) (RestoreTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting restore transaction: %w", err)
	}
	return &sqlRestoreTx{tx: tx, key: s.cfg.KeyColumn}, nil
}

// sqlRestoreTx implements RestoreTx over a single *sql.Tx.
type sqlRestoreTx struct {
	tx  *sql.Tx
	key string
}

// Truncate implements RestoreTx.
func (r *sqlRestoreTx) Truncate(ctx context.Context, table string) error {
	if _, err := columns(ctx, r.tx, table); err != nil {
		return err
	}
	if _, err := r.tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", quoteIdent(table))); err != nil {
		return fmt.Errorf("truncating %s: %w", table, err)
	}
	return nil
}

// Apply implements RestoreTx.
func (r *sqlRestoreTx) Apply(ctx context.Context, table string, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}
	if _, err := columns(ctx, r.tx, table); err != nil {
		return err
	}

	for _, rec := range records {
		switch rec.Kind {
		case models.ChangeDelete:
			if _, err := r.tx.ExecContext(ctx,
				fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quoteIdent(table), quoteIdent(r.key)),
				rec.Fields[r.key]); err != nil {
				return fmt.Errorf("applying delete to %s: %w", table, err)
			}

		case models.ChangeUpdate:
			if _, err := r.tx.ExecContext(ctx,
				fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quoteIdent(table), quoteIdent(r.key)),
				rec.Fields[r.key]); err != nil {
				return fmt.Errorf("applying update to %s: %w", table, err)
			}
			if err := r.insert(ctx, table, rec); err != nil {
				return err
			}

		default: // insert
			if err := r.insert(ctx, table, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// Commit implements RestoreTx.
func (r *sqlRestoreTx) Commit() error {
	if err := r.tx.Commit(); err != nil {
		return fmt.Errorf("committing restore: %w", err)
	}
	return nil
}

// Rollback implements RestoreTx.
func (r *sqlRestoreTx) Rollback() error {
	return r.tx.Rollback()
}

func (r *sqlRestoreTx) insert(ctx context.Context, table string, rec models.Record) error {
	names := make([]string, 0, len(rec.Fields))
	for name := range rec.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	quoted := make([]string, len(names))
	marks := make([]string, len(names))
	args := make([]any, len(names))
	for i, name := range names {
		quoted[i] = quoteIdent(name)
		marks[i] = "?"
		args[i] = rec.Fields[name]
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table), strings.Join(quoted, ", "), strings.Join(marks, ", "))
	if _, err := r.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("applying insert to %s: %w", table, err)
	}
	return nil
}

// Close implements Database.
func (s *SQLDatabase) Close() error {
	return s.db.Close()
}

// fieldTime extracts a timestamp field, tolerating NULLs and the types
// drivers hand back.
func fieldTime(fields map[string]any, col string) time.Time {
	switch v := fields[col].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
		if t, err := time.Parse("2006-01-02 15:04:05", v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// normalizeValue converts driver byte slices to strings so records
// serialize predictably.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
