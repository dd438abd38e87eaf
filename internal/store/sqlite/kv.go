// Package sqlite implements the warm KV on an embedded SQLite database.
// This is the default single-node backend; managed deployments use store/pg.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/deskwire/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv(expires_at) WHERE expires_at IS NOT NULL;
`

// KV is a store.KV backed by modernc.org/sqlite.
type KV struct {
	db *sql.DB
}

// Open creates (if needed) and opens the database at path.
func Open(path string) (*KV, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite kv: create dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("sqlite kv: open: %w", err)
	}
	// SQLite allows one writer; serialize through a single connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite kv: init schema: %w", err)
	}
	return &KV{db: db}, nil
}

func (s *KV) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expires sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv WHERE key = ?`, key,
	).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite kv: get %s: %w", key, err)
	}
	if expires.Valid && expires.Int64 <= time.Now().UnixMilli() {
		// Lazy expiry: treat as missing, purge opportunistically.
		s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ? AND expires_at <= ?`, key, time.Now().UnixMilli())
		return nil, store.ErrNotFound
	}
	return value, nil
}

func (s *KV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := time.Now().UnixMilli()
	var expires any
	if ttl > 0 {
		expires = now + ttl.Milliseconds()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value,
		   expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
		key, value, expires, now,
	)
	if err != nil {
		return fmt.Errorf("sqlite kv: set %s: %w", key, err)
	}
	return nil
}

func (s *KV) CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error) {
	now := time.Now().UnixMilli()
	var expires any
	if ttl > 0 {
		expires = now + ttl.Milliseconds()
	}

	if prev == nil {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO kv (key, value, expires_at, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(key) DO NOTHING`,
			key, next, expires, now,
		)
		if err != nil {
			return false, fmt.Errorf("sqlite kv: cas insert %s: %w", key, err)
		}
		n, _ := res.RowsAffected()
		return n > 0, nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE kv SET value = ?, expires_at = ?, updated_at = ?
		 WHERE key = ? AND value = ?`,
		next, expires, now, key, prev,
	)
	if err != nil {
		return false, fmt.Errorf("sqlite kv: cas %s: %w", key, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *KV) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlite kv: delete %s: %w", key, err)
	}
	return nil
}

func (s *KV) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv
		 WHERE key >= ? AND key < ? AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY key ASC`,
		prefix, prefix+"\xff", time.Now().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite kv: list %s: %w", prefix, err)
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
