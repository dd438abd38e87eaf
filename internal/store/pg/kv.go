// Package pg implements the warm KV on Postgres via the pgx stdlib driver.
// Schema is managed by golang-migrate (see migrations/ and the migrate
// command).
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/deskwire/internal/store"
)

// KV is a store.KV backed by Postgres.
type KV struct {
	db *sql.DB
}

// Open connects using the given DSN. The kv table must already exist
// (run `deskwire migrate up` first).
func Open(dsn string) (*KV, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("pg kv: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pg kv: ping: %w", err)
	}
	return &KV{db: db}, nil
}

func (s *KV) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv WHERE key = $1`, key,
	).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pg kv: get %s: %w", key, err)
	}
	if expires.Valid && !expires.Time.After(time.Now()) {
		s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = $1 AND expires_at <= now()`, key)
		return nil, store.ErrNotFound
	}
	return value, nil
}

func (s *KV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expires any
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at, updated_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value,
		   expires_at = EXCLUDED.expires_at, updated_at = now()`,
		key, value, expires,
	)
	if err != nil {
		return fmt.Errorf("pg kv: set %s: %w", key, err)
	}
	return nil
}

func (s *KV) CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error) {
	var expires any
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}

	if prev == nil {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO kv (key, value, expires_at, updated_at) VALUES ($1, $2, $3, now())
			 ON CONFLICT (key) DO NOTHING`,
			key, next, expires,
		)
		if err != nil {
			return false, fmt.Errorf("pg kv: cas insert %s: %w", key, err)
		}
		n, _ := res.RowsAffected()
		return n > 0, nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE kv SET value = $1, expires_at = $2, updated_at = now()
		 WHERE key = $3 AND value = $4`,
		next, expires, key, prev,
	)
	if err != nil {
		return false, fmt.Errorf("pg kv: cas %s: %w", key, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *KV) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("pg kv: delete %s: %w", key, err)
	}
	return nil
}

func (s *KV) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv
		 WHERE key LIKE $1 || '%' AND (expires_at IS NULL OR expires_at > now())
		 ORDER BY key ASC`,
		prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("pg kv: list %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *KV) Close() error { return s.db.Close() }
