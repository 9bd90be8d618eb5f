// Package storage persists session tokens and device identities in SQLite
// so a restarted client can log in with its cached temp password.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lagrange-go/lagrange/pkg/crypto"
	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("storage: not found")

// TokenRecord is one persisted token document.
type TokenRecord struct {
	Uin         uint32
	Uid         string
	Token       string // JSON
	Fingerprint string
	UpdatedAt   time.Time
}

// TokenStore is a SQLite-backed store keyed by uin.
type TokenStore struct {
	db *sql.DB
}

// OpenTokenStore opens or creates the database at path. ":memory:" works
// for tests.
func OpenTokenStore(path string) (*TokenStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open token store: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &TokenStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *TokenStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tokens (
		uin INTEGER PRIMARY KEY,
		uid TEXT NOT NULL DEFAULT '',
		token TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS devices (
		uin INTEGER PRIMARY KEY,
		guid TEXT NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	);

	CREATE INDEX IF NOT EXISTS idx_tokens_updated ON tokens(updated_at DESC);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// SaveToken stores the token JSON for uin. It reports whether the stored
// document changed.
func (s *TokenStore) SaveToken(ctx context.Context, uin uint32, uid, token string) (bool, error) {
	fp := crypto.Fingerprint([]byte(token))

	var current string
	err := s.db.QueryRowContext(ctx, `SELECT fingerprint FROM tokens WHERE uin = ?`, uin).Scan(&current)
	switch {
	case err == nil && current == fp:
		return false, nil
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("read token %d: %w", uin, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tokens (uin, uid, token, fingerprint, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(uin) DO UPDATE SET
			uid = excluded.uid,
			token = excluded.token,
			fingerprint = excluded.fingerprint,
			updated_at = excluded.updated_at
	`, uin, uid, token, fp, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("save token %d: %w", uin, err)
	}
	return true, nil
}

// LoadToken returns the stored token of uin, or ErrNotFound.
func (s *TokenStore) LoadToken(ctx context.Context, uin uint32) (*TokenRecord, error) {
	var (
		r       TokenRecord
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT uin, uid, token, fingerprint, updated_at FROM tokens WHERE uin = ?`, uin,
	).Scan(&r.Uin, &r.Uid, &r.Token, &r.Fingerprint, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load token %d: %w", uin, err)
	}
	r.UpdatedAt = time.Unix(updated, 0)
	return &r, nil
}

// DeleteToken forgets the token of uin, e.g. after it was rejected.
func (s *TokenStore) DeleteToken(ctx context.Context, uin uint32) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE uin = ?`, uin)
	if err != nil {
		return fmt.Errorf("delete token %d: %w", uin, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTokens returns every record, most recently updated first.
func (s *TokenStore) ListTokens(ctx context.Context) ([]*TokenRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uin, uid, token, fingerprint, updated_at FROM tokens ORDER BY updated_at DESC, uin`)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var out []*TokenRecord
	for rows.Next() {
		var (
			r       TokenRecord
			updated int64
		)
		if err := rows.Scan(&r.Uin, &r.Uid, &r.Token, &r.Fingerprint, &updated); err != nil {
			return nil, err
		}
		r.UpdatedAt = time.Unix(updated, 0)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// DeviceGUID returns the guid recorded for uin, or ErrNotFound.
func (s *TokenStore) DeviceGUID(ctx context.Context, uin uint32) (string, error) {
	var guid string
	err := s.db.QueryRowContext(ctx, `SELECT guid FROM devices WHERE uin = ?`, uin).Scan(&guid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return guid, err
}

// EnsureDeviceGUID returns the recorded guid of uin, recording guid first if
// none exists. The first guid wins so the device identity stays stable.
func (s *TokenStore) EnsureDeviceGUID(ctx context.Context, uin uint32, guid string) (string, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO devices (uin, guid) VALUES (?, ?)`, uin, guid); err != nil {
		return "", fmt.Errorf("record device %d: %w", uin, err)
	}
	return s.DeviceGUID(ctx, uin)
}

func (s *TokenStore) Close() error {
	return s.db.Close()
}
