// ABOUTME: SQLite-backed Storage[T] using modernc.org/sqlite
// ABOUTME: Items are JSON rows keyed by id with a seq column preserving insertion order

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Codec serializes items for row storage. Polymorphic payloads should route
// through their tag registry here so variants round-trip.
type Codec[T any] struct {
	Marshal   func(T) ([]byte, error)
	Unmarshal func([]byte) (T, error)
}

var tableNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// SQLiteStorage implements Storage[T] on a SQLite table. Filters are
// predicates evaluated per row in Go, not pushed down as SQL.
type SQLiteStorage[T any] struct {
	db       *sql.DB
	table    string
	identity Identity[T]
	codec    Codec[T]
	pageSize int
	logger   *slog.Logger
}

// OpenSQLite opens (creating if needed) the database file at path. Parent
// directories are created. WAL mode is enabled for concurrent readers.
func OpenSQLite(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	return db, nil
}

// NewSQLiteStorage creates a Storage[T] over the named table, creating the
// table if it does not exist.
func NewSQLiteStorage[T any](db *sql.DB, table string, identity Identity[T], codec Codec[T]) (*SQLiteStorage[T], error) {
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		body BLOB NOT NULL
	)`, table)
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("creating table %s: %w", table, err)
	}
	return &SQLiteStorage[T]{
		db:       db,
		table:    table,
		identity: identity,
		codec:    codec,
		pageSize: DefaultPageSize,
		logger:   slog.Default().With("component", "storage", "table", table),
	}, nil
}

func (s *SQLiteStorage[T]) Create(ctx context.Context, item T) (uuid.UUID, error) {
	id := uuid.New()
	stored := s.identity.WithKey(item, id)
	body, err := s.codec.Marshal(stored)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encoding item: %w", err)
	}
	query := fmt.Sprintf("INSERT INTO %s (id, body) VALUES (?, ?)", s.table)
	if _, err := s.db.ExecContext(ctx, query, id.String(), body); err != nil {
		return uuid.Nil, fmt.Errorf("inserting item: %w", err)
	}
	return id, nil
}

func (s *SQLiteStorage[T]) Read(ctx context.Context, id uuid.UUID) (T, error) {
	var zero T
	query := fmt.Sprintf("SELECT body FROM %s WHERE id = ?", s.table)
	var body []byte
	err := s.db.QueryRowContext(ctx, query, id.String()).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, ErrNotFound
	}
	if err != nil {
		return zero, fmt.Errorf("reading item: %w", err)
	}
	return s.codec.Unmarshal(body)
}

func (s *SQLiteStorage[T]) Update(ctx context.Context, item T) error {
	id := s.identity.Key(item)
	body, err := s.codec.Marshal(item)
	if err != nil {
		return fmt.Errorf("encoding item: %w", err)
	}
	query := fmt.Sprintf("UPDATE %s SET body = ? WHERE id = ?", s.table)
	res, err := s.db.ExecContext(ctx, query, body, id.String())
	if err != nil {
		return fmt.Errorf("updating item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating item: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStorage[T]) Destroy(ctx context.Context, id uuid.UUID) (bool, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.table)
	res, err := s.db.ExecContext(ctx, query, id.String())
	if err != nil {
		return false, fmt.Errorf("destroying item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("destroying item: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStorage[T]) Search(ctx context.Context, filter Filter[T], pageID string) (Page[T], error) {
	matched, err := s.scan(ctx, filter)
	if err != nil {
		return Page[T]{}, err
	}
	return PaginateSlice(matched, pageID, s.pageSize)
}

func (s *SQLiteStorage[T]) Count(ctx context.Context, filter Filter[T]) (int, error) {
	if filter == nil {
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table)
		var n int
		if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
			return 0, fmt.Errorf("counting items: %w", err)
		}
		return n, nil
	}
	matched, err := s.scan(ctx, filter)
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}

func (s *SQLiteStorage[T]) Close() error {
	return s.db.Close()
}

// scan reads every row in seq order and applies the filter predicate.
func (s *SQLiteStorage[T]) scan(ctx context.Context, filter Filter[T]) ([]T, error) {
	query := fmt.Sprintf("SELECT body FROM %s ORDER BY seq", s.table)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("scanning items: %w", err)
	}
	defer rows.Close()

	var matched []T
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		item, err := s.codec.Unmarshal(body)
		if err != nil {
			return nil, fmt.Errorf("decoding row: %w", err)
		}
		if filter == nil || filter(item) {
			matched = append(matched, item)
		}
	}
	return matched, rows.Err()
}
