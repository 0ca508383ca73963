package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/codexlearn/codex/pkg/entitlements"
)

// SQLiteConfig configures a SQLiteStore.
type SQLiteConfig struct {
	Path string
	// Now overrides the clock used for UpdatedAt stamps.
	Now func() time.Time
}

// SQLiteStore keeps subscription documents as JSON rows in a local SQLite
// database. Change notifications are dispatched in-process after commit.
type SQLiteStore struct {
	db       *sql.DB
	path     string
	now      func() time.Time
	writeMu  sync.Mutex
	dispatch *dispatcher
	closed   atomic.Bool
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLiteStore opens (or creates) the database at cfg.Path.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	// Pragmas go in the DSN so every pool connection is configured.
	dsn := cfg.Path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open subscription database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &SQLiteStore{db: db, path: cfg.Path, now: now, dispatch: newDispatcher()}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	log.Info().Str("path", cfg.Path).Msg("Subscription store initialized")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS subscriptions (
			user_id    TEXT PRIMARY KEY,
			version    INTEGER NOT NULL,
			document   TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS access_codes (
			code     TEXT PRIMARY KEY,
			redeemed INTEGER NOT NULL DEFAULT 0,
			document TEXT NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get reads the user's document.
func (s *SQLiteStore) Get(ctx context.Context, userID string) (*entitlements.Subscription, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	done := observe("sqlite", "get")
	doc, err := s.readDoc(ctx, s.db, userID)
	done(err)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrNotFound
	}
	return doc, nil
}

func (s *SQLiteStore) readDoc(ctx context.Context, q rowQueryer, userID string) (*entitlements.Subscription, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT document FROM subscriptions WHERE user_id = ?`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read subscription %s: %w", userID, err)
	}
	var doc entitlements.Subscription
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode subscription %s: %w", userID, err)
	}
	return &doc, nil
}

// Subscribe registers fn and delivers the current document immediately.
func (s *SQLiteStore) Subscribe(ctx context.Context, userID string, fn Listener) (func(), error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	// Holding the write lock orders the initial read before any later commit.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	doc, err := s.readDoc(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	r, cancel := s.dispatch.register(userID, fn)
	r.enqueue(event{sub: doc})
	return cancel, nil
}

// Update applies fn inside a transaction.
func (s *SQLiteStore) Update(ctx context.Context, userID string, fn UpdateFunc) (*entitlements.Subscription, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	done := observe("sqlite", "update")
	doc, changed, err := s.updateLocked(ctx, userID, nil, fn)
	done(err)
	if err != nil {
		return nil, err
	}
	if changed {
		s.dispatch.publish(userID, doc)
	}
	return doc.Clone(), nil
}

// updateLocked runs fn in a transaction; before, if set, runs first in the same transaction.
func (s *SQLiteStore) updateLocked(ctx context.Context, userID string, before func(*sql.Tx) error, fn UpdateFunc) (*entitlements.Subscription, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if before != nil {
		if err := before(tx); err != nil {
			return nil, false, err
		}
	}

	prev, err := s.readDoc(ctx, tx, userID)
	if err != nil {
		return nil, false, err
	}
	next, err := fn(prev.Clone())
	if err != nil {
		return nil, false, err
	}
	if next == nil {
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("commit: %w", err)
		}
		return prev, false, nil
	}
	doc, err := prepare(userID, prev, next, s.now())
	if err != nil {
		return nil, false, err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, false, fmt.Errorf("encode subscription: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO subscriptions (user_id, version, document, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			version = excluded.version,
			document = excluded.document,
			updated_at = excluded.updated_at`,
		userID, doc.Version, string(raw), doc.UpdatedAt.Unix())
	if err != nil {
		return nil, false, fmt.Errorf("write subscription %s: %w", userID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return doc, true, nil
}

// List returns every document ordered by user id.
func (s *SQLiteStore) List(ctx context.Context) ([]*entitlements.Subscription, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT document FROM subscriptions ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*entitlements.Subscription
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		var doc entitlements.Subscription
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		out = append(out, &doc)
	}
	return out, rows.Err()
}

// PutCodes upserts access codes.
func (s *SQLiteStore) PutCodes(ctx context.Context, codes ...AccessCode) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	for i := range codes {
		if err := putCode(ctx, tx, codes[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func putCode(ctx context.Context, tx *sql.Tx, c AccessCode) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode access code: %w", err)
	}
	redeemed := 0
	if c.Redeemed() {
		redeemed = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO access_codes (code, redeemed, document) VALUES (?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET redeemed = excluded.redeemed, document = excluded.document`,
		c.Code, redeemed, string(raw))
	if err != nil {
		return fmt.Errorf("write access code: %w", err)
	}
	return nil
}

func readCode(ctx context.Context, q rowQueryer, code string) (*AccessCode, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT document FROM access_codes WHERE code = ?`, code).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read access code: %w", err)
	}
	var c AccessCode
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("decode access code: %w", err)
	}
	return &c, nil
}

// GetCode looks up an access code.
func (s *SQLiteStore) GetCode(ctx context.Context, code string) (*AccessCode, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return readCode(ctx, s.db, code)
}

// RedeemCode marks the code used and writes the resulting document atomically.
func (s *SQLiteStore) RedeemCode(ctx context.Context, code, userID string, fn RedeemFunc) (*entitlements.Subscription, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var redeemed *AccessCode
	markUsed := func(tx *sql.Tx) error {
		c, err := readCode(ctx, tx, code)
		if err != nil {
			return err
		}
		if c.Redeemed() {
			return ErrCodeRedeemed
		}
		now := s.now().UTC()
		used := *c
		used.RedeemedBy = userID
		used.RedeemedAt = &now
		if err := putCode(ctx, tx, used); err != nil {
			return err
		}
		redeemed = c
		return nil
	}

	done := observe("sqlite", "redeem")
	doc, changed, err := s.updateLocked(ctx, userID, markUsed, func(cur *entitlements.Subscription) (*entitlements.Subscription, error) {
		return fn(*redeemed, cur)
	})
	done(err)
	if err != nil {
		return nil, err
	}
	if changed {
		s.dispatch.publish(userID, doc)
	}
	return doc.Clone(), nil
}

// Close stops subscriptions and closes the database.
func (s *SQLiteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.dispatch.close()
	return s.db.Close()
}
