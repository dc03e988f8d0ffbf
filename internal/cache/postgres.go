package cache

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
)

// Pool abstracts the pgx pool methods used by the durable tier, so tests can
// substitute pgxmock.
type Pool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresDurable implements the durable tier on pgxpool for multi-process
// deployments sharing one cache.
type PostgresDurable struct {
	pool Pool
}

// preparedStatements lists queries prepared on each new connection; the
// get/put pair is on the hot path of every cache miss.
var preparedStatements = map[string]string{
	"cache_get": `SELECT key, value, numeric_value, source_id, fetched_at, ttl_seconds, quality, refresh_threshold, compressed FROM cache_entries WHERE key = $1`,
	"cache_put": `INSERT INTO cache_entries (key, value, numeric_value, source_id, fetched_at, ttl_seconds, quality, refresh_threshold, compressed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value, numeric_value = EXCLUDED.numeric_value, source_id = EXCLUDED.source_id,
			fetched_at = EXCLUDED.fetched_at, ttl_seconds = EXCLUDED.ttl_seconds, quality = EXCLUDED.quality,
			refresh_threshold = EXCLUDED.refresh_threshold, compressed = EXCLUDED.compressed`,
	"cache_delete": `DELETE FROM cache_entries WHERE key = $1`,
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key               TEXT PRIMARY KEY,
	value             BYTEA NOT NULL,
	numeric_value     DOUBLE PRECISION,
	source_id         TEXT NOT NULL,
	fetched_at        TIMESTAMPTZ NOT NULL,
	ttl_seconds       BIGINT NOT NULL,
	quality           DOUBLE PRECISION NOT NULL,
	refresh_threshold DOUBLE PRECISION NOT NULL,
	compressed        BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_fetched_at ON cache_entries(fetched_at);
`

// NewPostgres creates a PostgresDurable with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresDurable, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "cache: postgres parse config")
	}
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "cache: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "cache: postgres connect")
	}

	p := &PostgresDurable{pool: pool}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresDurable) migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "cache: postgres migrate")
}

func (p *PostgresDurable) Get(ctx context.Context, key string) (*storedEntry, bool, error) {
	row := p.pool.QueryRow(ctx, preparedStatements["cache_get"], key)

	var e storedEntry
	var numeric *float64
	var ttlSecs int64
	if err := row.Scan(&e.Key, &e.Value, &numeric, &e.SourceID, &e.FetchedAt, &ttlSecs, &e.Quality, &e.RefreshThreshold, &e.Compressed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, eris.Wrap(err, "cache: postgres get")
	}
	e.Numeric = numeric
	e.TTL = time.Duration(ttlSecs) * time.Second
	return &e, true, nil
}

func (p *PostgresDurable) Put(ctx context.Context, e storedEntry) error {
	var numeric *float64
	if e.Numeric != nil {
		numeric = e.Numeric
	}
	_, err := p.pool.Exec(ctx, preparedStatements["cache_put"],
		e.Key, e.Value, numeric, e.SourceID, e.FetchedAt.UTC(), int64(e.TTL/time.Second), e.Quality, e.RefreshThreshold, e.Compressed)
	return eris.Wrap(err, "cache: postgres put")
}

func (p *PostgresDurable) Delete(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, preparedStatements["cache_delete"], key)
	return eris.Wrap(err, "cache: postgres delete")
}

func (p *PostgresDurable) DeleteExpired(ctx context.Context, retention time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-retention).UTC()
	tag, err := p.pool.Exec(ctx, `DELETE FROM cache_entries WHERE fetched_at < $1`, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "cache: postgres delete expired")
	}
	return int(tag.RowsAffected()), nil
}

func (p *PostgresDurable) Close() error {
	p.pool.Close()
	return nil
}
