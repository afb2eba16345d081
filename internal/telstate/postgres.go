package telstate

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSQL = `
CREATE SCHEMA IF NOT EXISTS contim;
CREATE TABLE IF NOT EXISTS contim.telstate_series (
    key   text NOT NULL,
    ts    double precision NOT NULL,
    value jsonb NOT NULL,
    PRIMARY KEY (key, ts)
);
CREATE TABLE IF NOT EXISTS contim.telstate_immutable (
    key   text PRIMARY KEY,
    value jsonb NOT NULL
);`

const (
	insertSampleSQL = `INSERT INTO contim.telstate_series (key, ts, value)
VALUES ($1, $2, $3::jsonb)
ON CONFLICT (key, ts) DO UPDATE
SET value = EXCLUDED.value`

	insertImmutableSQL = `INSERT INTO contim.telstate_immutable (key, value)
VALUES ($1, $2::jsonb)
ON CONFLICT (key) DO NOTHING`

	immutableEqualSQL = `SELECT value = $2::jsonb FROM contim.telstate_immutable WHERE key = $1`

	immutableKeysSQL = `SELECT key FROM contim.telstate_immutable WHERE key = ANY($1)`

	seriesExistsSQL = `SELECT EXISTS (SELECT 1 FROM contim.telstate_series WHERE key = $1)`

	getImmutableSQL = `SELECT value FROM contim.telstate_immutable WHERE key = $1`

	getSeriesSQL = `SELECT ts, value FROM contim.telstate_series WHERE key = $1 ORDER BY ts`
)

// Postgres is a Store backed by a PostgreSQL database.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to databaseURL and creates the store tables.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %v", ErrStore, err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: create schema: %v", ErrStore, err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the pool resources.
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *Postgres) AddSamples(ctx context.Context, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}
	keys, values, err := encodeSamples(samples)
	if err != nil {
		return err
	}

	rows, err := p.pool.Query(ctx, immutableKeysSQL, keys)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	clash, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	if len(clash) > 0 {
		return fmt.Errorf("%w: '%s'", ErrImmutable, clash[0])
	}

	batch := &pgx.Batch{}
	for i, s := range samples {
		batch.Queue(insertSampleSQL, s.Key, s.TS, string(values[i]))
	}
	res := p.pool.SendBatch(ctx, batch)
	defer res.Close()

	for range samples {
		if _, err := res.Exec(); err != nil {
			return fmt.Errorf("%w: insert sample: %v", ErrStore, err)
		}
	}
	return nil
}

func (p *Postgres) AddImmutable(ctx context.Context, key string, value any) error {
	v, err := encode(key, value)
	if err != nil {
		return err
	}
	var series bool
	if err := p.pool.QueryRow(ctx, seriesExistsSQL, key).Scan(&series); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	if series {
		return fmt.Errorf("%w: '%s' holds a time series", ErrImmutable, key)
	}

	tag, err := p.pool.Exec(ctx, insertImmutableSQL, key, string(v))
	if err != nil {
		return fmt.Errorf("%w: insert '%s': %v", ErrStore, key, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var equal bool
	if err := p.pool.QueryRow(ctx, immutableEqualSQL, key, string(v)).Scan(&equal); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	if !equal {
		return fmt.Errorf("%w: '%s'", ErrImmutable, key)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, key string) ([]Entry, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, getImmutableSQL, key).Scan(&raw)
	switch {
	case err == nil:
		return []Entry{{Value: raw, Immutable: true}}, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	rows, err := p.pool.Query(ctx, getSeriesSQL, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			ts    float64
			value []byte
		)
		if err := rows.Scan(&ts, &value); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStore, err)
		}
		entries = append(entries, Entry{Value: value, TS: ts})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: '%s'", ErrNotFound, key)
	}
	return entries, nil
}

// encodeSamples validates samples and returns their distinct keys and
// encoded values.
func encodeSamples(samples []Sample) ([]string, [][]byte, error) {
	seen := map[string]bool{}
	var keys []string
	values := make([][]byte, len(samples))
	for i, s := range samples {
		if err := checkSample(s); err != nil {
			return nil, nil, err
		}
		v, err := encode(s.Key, s.Value)
		if err != nil {
			return nil, nil, err
		}
		values[i] = v
		if !seen[s.Key] {
			seen[s.Key] = true
			keys = append(keys, s.Key)
		}
	}
	return keys, values, nil
}
