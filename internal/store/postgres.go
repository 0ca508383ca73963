package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/codexlearn/codex/internal/metrics"
	"github.com/codexlearn/codex/pkg/entitlements"
)

const (
	notifyChannel        = "codex_subscription_changes"
	listenRetryDelay     = 5 * time.Second
	postgresConnectLimit = 10 * time.Second
)

// PostgresConfig configures a PostgresStore.
type PostgresConfig struct {
	DSN      string
	MaxConns int32
	Now      func() time.Time
}

// PostgresStore keeps subscription documents as JSONB rows. Every commit
// issues pg_notify; a dedicated LISTEN connection re-reads changed documents
// and dispatches them, so listeners in every process observe every writer.
type PostgresStore struct {
	pool     *pgxpool.Pool
	now      func() time.Time
	dispatch *dispatcher
	closed   atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewPostgresStore connects, creates the schema and starts the change listener.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = 10
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, postgresConnectLimit)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &PostgresStore{pool: pool, now: now, dispatch: newDispatcher()}
	if err := s.initSchema(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	listenCtx, stop := context.WithCancel(context.Background())
	s.cancel = stop
	s.wg.Add(1)
	go s.listen(listenCtx)

	log.Info().Int32("max_conns", poolCfg.MaxConns).Msg("Postgres subscription store initialized")
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS codex_subscriptions (
			user_id    TEXT PRIMARY KEY,
			version    BIGINT NOT NULL,
			document   JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS codex_access_codes (
			code     TEXT PRIMARY KEY,
			redeemed BOOLEAN NOT NULL DEFAULT FALSE,
			document JSONB NOT NULL
		);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

type pgRowQueryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgReadDoc(ctx context.Context, q pgRowQueryer, userID string) (*entitlements.Subscription, error) {
	var raw []byte
	err := q.QueryRow(ctx, `SELECT document FROM codex_subscriptions WHERE user_id = $1`, userID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read subscription %s: %w", userID, err)
	}
	var doc entitlements.Subscription
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode subscription %s: %w", userID, err)
	}
	return &doc, nil
}

// Get reads the user's document.
func (s *PostgresStore) Get(ctx context.Context, userID string) (*entitlements.Subscription, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	done := observe("postgres", "get")
	doc, err := pgReadDoc(ctx, s.pool, userID)
	done(err)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrNotFound
	}
	return doc, nil
}

// Subscribe registers fn and delivers the current document.
func (s *PostgresStore) Subscribe(ctx context.Context, userID string, fn Listener) (func(), error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	r, cancel := s.dispatch.register(userID, fn)
	doc, err := pgReadDoc(ctx, s.pool, userID)
	if err != nil {
		cancel()
		return nil, err
	}
	// A notification may already have delivered a newer version; enqueue drops stale ones.
	r.enqueue(event{sub: doc})
	return cancel, nil
}

// Update applies fn in a transaction serialized per user.
func (s *PostgresStore) Update(ctx context.Context, userID string, fn UpdateFunc) (*entitlements.Subscription, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	done := observe("postgres", "update")
	doc, err := s.update(ctx, userID, nil, fn)
	done(err)
	return doc, err
}

func (s *PostgresStore) update(ctx context.Context, userID string, before func(pgx.Tx) error, fn UpdateFunc) (*entitlements.Subscription, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return nil, fmt.Errorf("lock subscription %s: %w", userID, err)
	}
	if before != nil {
		if err := before(tx); err != nil {
			return nil, err
		}
	}

	prev, err := pgReadDoc(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	next, err := fn(prev.Clone())
	if err != nil {
		return nil, err
	}
	if next == nil {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return prev, nil
	}
	doc, err := prepare(userID, prev, next, s.now())
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode subscription: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO codex_subscriptions (user_id, version, document, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			version = EXCLUDED.version,
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at`,
		userID, doc.Version, raw, doc.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("write subscription %s: %w", userID, err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, userID); err != nil {
		return nil, fmt.Errorf("notify subscription %s: %w", userID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return doc.Clone(), nil
}

// List returns every document ordered by user id.
func (s *PostgresStore) List(ctx context.Context) ([]*entitlements.Subscription, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.pool.Query(ctx, `SELECT document FROM codex_subscriptions ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*entitlements.Subscription
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		var doc entitlements.Subscription
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		out = append(out, &doc)
	}
	return out, rows.Err()
}

func pgPutCode(ctx context.Context, tx pgx.Tx, c AccessCode) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode access code: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO codex_access_codes (code, redeemed, document) VALUES ($1, $2, $3)
		ON CONFLICT (code) DO UPDATE SET redeemed = EXCLUDED.redeemed, document = EXCLUDED.document`,
		c.Code, c.Redeemed(), raw)
	if err != nil {
		return fmt.Errorf("write access code: %w", err)
	}
	return nil
}

func pgReadCode(ctx context.Context, q pgRowQueryer, code string, forUpdate bool) (*AccessCode, error) {
	query := `SELECT document FROM codex_access_codes WHERE code = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var raw []byte
	err := q.QueryRow(ctx, query, code).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read access code: %w", err)
	}
	var c AccessCode
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode access code: %w", err)
	}
	return &c, nil
}

// PutCodes upserts access codes.
func (s *PostgresStore) PutCodes(ctx context.Context, codes ...AccessCode) error {
	if s.closed.Load() {
		return ErrClosed
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)
	for i := range codes {
		if err := pgPutCode(ctx, tx, codes[i]); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// GetCode looks up an access code.
func (s *PostgresStore) GetCode(ctx context.Context, code string) (*AccessCode, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return pgReadCode(ctx, s.pool, code, false)
}

// RedeemCode locks the code row, marks it used and writes the resulting document.
func (s *PostgresStore) RedeemCode(ctx context.Context, code, userID string, fn RedeemFunc) (*entitlements.Subscription, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var redeemed *AccessCode
	markUsed := func(tx pgx.Tx) error {
		c, err := pgReadCode(ctx, tx, code, true)
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
		if err := pgPutCode(ctx, tx, used); err != nil {
			return err
		}
		redeemed = c
		return nil
	}

	done := observe("postgres", "redeem")
	doc, err := s.update(ctx, userID, markUsed, func(cur *entitlements.Subscription) (*entitlements.Subscription, error) {
		return fn(*redeemed, cur)
	})
	done(err)
	return doc, err
}

func (s *PostgresStore) listen(ctx context.Context) {
	defer s.wg.Done()
	for {
		err := s.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Dur("retry_in", listenRetryDelay).Msg("Subscription change listener failed")
		metrics.RecordListenerError("postgres")
		s.dispatch.publishAll(fmt.Errorf("subscription change stream: %w", err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(listenRetryDelay):
		}
	}
}

func (s *PostgresStore) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	// Notifications sent while disconnected are lost; re-read every watched document.
	for _, userID := range s.dispatch.watched() {
		s.refresh(ctx, userID)
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.refresh(ctx, n.Payload)
	}
}

func (s *PostgresStore) refresh(ctx context.Context, userID string) {
	doc, err := pgReadDoc(ctx, s.pool, userID)
	if err != nil {
		if ctx.Err() == nil {
			s.dispatch.publishErr(userID, err)
		}
		return
	}
	if doc != nil {
		s.dispatch.publish(userID, doc)
	}
}

// Close stops the listener and closes the pool.
func (s *PostgresStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	s.dispatch.close()
	s.pool.Close()
	return nil
}
