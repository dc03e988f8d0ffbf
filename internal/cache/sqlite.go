package cache

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteDurable implements the durable tier on modernc.org/sqlite for
// single-node deployments.
type SQLiteDurable struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the durable cache database at dsn and
// configures WAL mode.
func NewSQLite(dsn string) (*SQLiteDurable, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "cache: sqlite open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "cache: sqlite exec %s", pragma)
		}
	}
	s := &SQLiteDurable{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key               TEXT PRIMARY KEY,
	value             BLOB NOT NULL,
	numeric_value     REAL,
	source_id         TEXT NOT NULL,
	fetched_at        DATETIME NOT NULL,
	ttl_seconds       INTEGER NOT NULL,
	quality           REAL NOT NULL,
	refresh_threshold REAL NOT NULL,
	compressed        INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_fetched_at ON cache_entries(fetched_at);
`

func (s *SQLiteDurable) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "cache: sqlite migrate")
}

func (s *SQLiteDurable) Get(ctx context.Context, key string) (*storedEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, value, numeric_value, source_id, fetched_at, ttl_seconds, quality, refresh_threshold, compressed
		FROM cache_entries WHERE key = ?`, key)

	var e storedEntry
	var numeric sql.NullFloat64
	var ttlSecs int64
	if err := row.Scan(&e.Key, &e.Value, &numeric, &e.SourceID, &e.FetchedAt, &ttlSecs, &e.Quality, &e.RefreshThreshold, &e.Compressed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, eris.Wrap(err, "cache: sqlite get")
	}
	if numeric.Valid {
		v := numeric.Float64
		e.Numeric = &v
	}
	e.TTL = time.Duration(ttlSecs) * time.Second
	return &e, true, nil
}

func (s *SQLiteDurable) Put(ctx context.Context, e storedEntry) error {
	var numeric any
	if e.Numeric != nil {
		numeric = *e.Numeric
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, numeric_value, source_id, fetched_at, ttl_seconds, quality, refresh_threshold, compressed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			numeric_value = excluded.numeric_value,
			source_id = excluded.source_id,
			fetched_at = excluded.fetched_at,
			ttl_seconds = excluded.ttl_seconds,
			quality = excluded.quality,
			refresh_threshold = excluded.refresh_threshold,
			compressed = excluded.compressed`,
		e.Key, e.Value, numeric, e.SourceID, e.FetchedAt.UTC(), int64(e.TTL/time.Second), e.Quality, e.RefreshThreshold, e.Compressed)
	return eris.Wrap(err, "cache: sqlite put")
}

func (s *SQLiteDurable) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	return eris.Wrap(err, "cache: sqlite delete")
}

func (s *SQLiteDurable) DeleteExpired(ctx context.Context, retention time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-retention).UTC()
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE fetched_at < ?`, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "cache: sqlite delete expired")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteDurable) Close() error {
	return s.db.Close()
}
