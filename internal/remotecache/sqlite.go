package remotecache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/jmoiron/sqlx"
)

// sqliteRow mirrors Entry with the scalar shape sqlx needs for a
// struct scan (authors/dependencies collapsed to a delimited string).
type sqliteRow struct {
	Hash         string `db:"hash"`
	Name         string `db:"name"`
	Description  string `db:"description"`
	Authors      string `db:"authors"`
	Timestamp    int64  `db:"timestamp"`
	Dependencies string `db:"dependencies"`
	SizeBytes    int64  `db:"size_bytes"`
	FetchedAt    int64  `db:"fetched_at"`
	Applied      bool   `db:"applied"`
}

func (r sqliteRow) toEntry() Entry {
	return Entry{
		Hash:         r.Hash,
		Name:         r.Name,
		Description:  r.Description,
		Authors:      splitList(r.Authors),
		Timestamp:    r.Timestamp,
		Dependencies: splitList(r.Dependencies),
		SizeBytes:    r.SizeBytes,
		FetchedAt:    r.FetchedAt,
		Applied:      r.Applied,
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// SQLiteStore is the local, single-machine RemoteCache backend — one
// file under .pijul/, no server required. Grounded on the teacher's
// internal/storage.SQLiteStore constructor shape.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (creating if necessary) a SQLite-backed cache
// at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("remotecache: create cache directory: %w", err)
		}
	}

	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("remotecache: connect to sqlite: %w", err)
	}
	db.Exec("PRAGMA foreign_keys = ON")
	db.Exec("PRAGMA journal_mode = WAL")

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("remotecache: init schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Put(ctx context.Context, e Entry) error {
	query := `
		INSERT OR REPLACE INTO patch_cache
		(hash, name, description, authors, timestamp, dependencies, size_bytes, fetched_at, applied)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.Hash, e.Name, e.Description, strings.Join(e.Authors, ","),
		e.Timestamp, strings.Join(e.Dependencies, ","), e.SizeBytes, e.FetchedAt, e.Applied)
	if err != nil {
		return fmt.Errorf("remotecache: put %s: %w", e.Hash, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, hash string) (Entry, error) {
	var row sqliteRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM patch_cache WHERE hash = ?`, hash)
	if err != nil {
		if err == sql.ErrNoRows {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("remotecache: get %s: %w", hash, err)
	}
	return row.toEntry(), nil
}

func (s *SQLiteStore) Pending(ctx context.Context) ([]Entry, error) {
	var rows []sqliteRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM patch_cache WHERE applied = 0 ORDER BY fetched_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("remotecache: list pending: %w", err)
	}
	entries := make([]Entry, len(rows))
	for i, r := range rows {
		entries[i] = r.toEntry()
	}
	return entries, nil
}

func (s *SQLiteStore) MarkApplied(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE patch_cache SET applied = 1 WHERE hash = ?`, hash)
	if err != nil {
		return fmt.Errorf("remotecache: mark applied %s: %w", hash, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM patch_cache WHERE hash = ?`, hash)
	if err != nil {
		return fmt.Errorf("remotecache: delete %s: %w", hash, err)
	}
	return nil
}
