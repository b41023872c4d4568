package remotecache

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// PostgresStore is the shared-team RemoteCache backend — a Postgres
// database several checkouts/transports can poll concurrently.
// Grounded on the teacher's internal/storage.PostgresStore.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore connects to dsn and ensures the cache schema exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("remotecache: connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("remotecache: init schema: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Put(ctx context.Context, e Entry) error {
	query := `
		INSERT INTO patch_cache (hash, name, description, authors, timestamp, dependencies, size_bytes, fetched_at, applied)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (hash) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			authors = EXCLUDED.authors,
			timestamp = EXCLUDED.timestamp,
			dependencies = EXCLUDED.dependencies,
			size_bytes = EXCLUDED.size_bytes,
			fetched_at = EXCLUDED.fetched_at,
			applied = EXCLUDED.applied
	`
	_, err := s.db.ExecContext(ctx, query,
		e.Hash, e.Name, e.Description, strings.Join(e.Authors, ","),
		e.Timestamp, strings.Join(e.Dependencies, ","), e.SizeBytes, e.FetchedAt, e.Applied)
	if err != nil {
		return fmt.Errorf("remotecache: put %s: %w", e.Hash, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, hash string) (Entry, error) {
	var row sqliteRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM patch_cache WHERE hash = $1`, hash)
	if err != nil {
		if err == sql.ErrNoRows {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("remotecache: get %s: %w", hash, err)
	}
	return row.toEntry(), nil
}

func (s *PostgresStore) Pending(ctx context.Context) ([]Entry, error) {
	var rows []sqliteRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM patch_cache WHERE applied = false ORDER BY fetched_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("remotecache: list pending: %w", err)
	}
	entries := make([]Entry, len(rows))
	for i, r := range rows {
		entries[i] = r.toEntry()
	}
	return entries, nil
}

func (s *PostgresStore) MarkApplied(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE patch_cache SET applied = true WHERE hash = $1`, hash)
	if err != nil {
		return fmt.Errorf("remotecache: mark applied %s: %w", hash, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM patch_cache WHERE hash = $1`, hash)
	if err != nil {
		return fmt.Errorf("remotecache: delete %s: %w", hash, err)
	}
	return nil
}
