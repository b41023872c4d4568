// Package remotecache implements the (expansion) remote patch cache:
// a relational side table, separate from the content-addressed
// .pijul/patches/*.gz envelopes, that a future pull/push transport
// would query to find out which patches it has already fetched but
// not yet applied. Grounded on the teacher's internal/storage package
// — a Store interface with interchangeable SQLite and PostgreSQL
// backends, selected by a driver string rather than a build tag.
package remotecache

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a cache lookup finds no matching entry.
var ErrNotFound = errors.New("remotecache: not found")

// Entry describes one fetched-but-maybe-not-yet-applied patch, enough
// for a transport to decide whether to fetch its envelope body or skip
// it because it is already cached and applied.
type Entry struct {
	Hash         string // hex-encoded ident.Hash digest
	Name         string
	Description  string
	Authors      []string
	Timestamp    int64 // Unix seconds, header.Timestamp
	Dependencies []string
	SizeBytes    int64
	FetchedAt    int64
	Applied      bool
}

// Store is the cache backend interface. SQLiteStore and PostgresStore
// both implement it over the same schema, chosen by
// config.RemoteConfig.CacheDriver.
type Store interface {
	Put(ctx context.Context, e Entry) error
	Get(ctx context.Context, hash string) (Entry, error)
	Pending(ctx context.Context) ([]Entry, error)
	MarkApplied(ctx context.Context, hash string) error
	Delete(ctx context.Context, hash string) error
	Close() error
}

// Open dispatches to the backend named by driver ("sqlite3" or "pgx"),
// mirroring the teacher's pattern of a single factory switch over a
// driver string rather than a build tag per backend.
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "", "sqlite3":
		return NewSQLiteStore(dsn)
	case "pgx", "postgres":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("remotecache: unknown cache driver %q", driver)
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS patch_cache (
	hash         TEXT PRIMARY KEY,
	name         TEXT,
	description  TEXT,
	authors      TEXT,
	timestamp    BIGINT,
	dependencies TEXT,
	size_bytes   BIGINT,
	fetched_at   BIGINT,
	applied      BOOLEAN NOT NULL DEFAULT FALSE
);
`
