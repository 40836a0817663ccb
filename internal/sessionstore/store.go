// Package sessionstore persists scs sessions in a PostgreSQL table and
// provides the expired-row purge used by the sweeper.
package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/ghaggin/brochure/internal/config"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
)

// Store implements scs.CtxStore over a pgx pool.
type Store struct {
	pool        *pgxpool.Pool
	table       string
	index       string
	createTable bool

	mu    sync.Mutex
	ready atomic.Bool
}

var _ scs.CtxStore = (*Store)(nil)

type Params struct {
	fx.In

	Pool   *pgxpool.Pool
	Config *config.Config
}

func New(p Params) *Store {
	return NewStore(p.Pool, p.Config.Session.Table, p.Config.Session.CreateTable)
}

// NewStore returns a store over the named table. The name may be schema
// qualified ("app.session").
func NewStore(pool *pgxpool.Pool, table string, createTable bool) *Store {
	parts := strings.Split(table, ".")
	return &Store{
		pool:        pool,
		table:       pgx.Identifier(parts).Sanitize(),
		index:       pgx.Identifier{parts[len(parts)-1] + "_expires_at_idx"}.Sanitize(),
		createTable: createTable,
	}
}

// ensureTable creates the table on first use. A failed attempt is retried
// by the next caller.
func (s *Store) ensureTable(ctx context.Context) error {
	if !s.createTable || s.ready.Load() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ready.Load() {
		return nil
	}

	ddl := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id         TEXT PRIMARY KEY,
				payload    BYTEA NOT NULL,
				expires_at TIMESTAMPTZ NOT NULL
			)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (expires_at)`, s.index, s.table),
	}

	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return unavailable("create table", err)
		}
	}

	s.ready.Store(true)
	return nil
}

// FindCtx returns the payload for token if the row exists and has not
// expired by the database clock.
func (s *Store) FindCtx(ctx context.Context, token string) ([]byte, bool, error) {
	if err := s.ensureTable(ctx); err != nil {
		return nil, false, err
	}

	var b []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT payload FROM %s WHERE id = $1 AND expires_at > now()`, s.table),
		token,
	).Scan(&b)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("find", err)
	}

	return b, true, nil
}

// CommitCtx upserts the row. Concurrent commits for one token resolve
// last-write-wins. An expiry that is already past deletes the row instead.
func (s *Store) CommitCtx(ctx context.Context, token string, b []byte, expiry time.Time) error {
	if !expiry.After(time.Now()) {
		return s.DeleteCtx(ctx, token)
	}

	if err := s.ensureTable(ctx); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`
			INSERT INTO %s (id, payload, expires_at) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload, expires_at = EXCLUDED.expires_at`, s.table),
		token, b, expiry.UTC(),
	)
	if err != nil {
		return unavailable("commit", err)
	}

	return nil
}

// DeleteCtx removes the row. Deleting a missing token is not an error.
func (s *Store) DeleteCtx(ctx context.Context, token string) error {
	if err := s.ensureTable(ctx); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table), token)
	if err != nil {
		return unavailable("delete", err)
	}

	return nil
}

func (s *Store) Find(token string) ([]byte, bool, error) {
	return s.FindCtx(context.Background(), token)
}

func (s *Store) Commit(token string, b []byte, expiry time.Time) error {
	return s.CommitCtx(context.Background(), token, b, expiry)
}

func (s *Store) Delete(token string) error {
	return s.DeleteCtx(context.Background(), token)
}

// DeleteExpired removes every row with expires_at <= now() in one
// transaction. now() is fixed at transaction start, so rows renewed while
// the sweep runs are left alone.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	if err := s.ensureTable(ctx); err != nil {
		return 0, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, unavailable("begin sweep", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= now()`, s.table))
	if err != nil {
		return 0, unavailable("sweep", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, unavailable("commit sweep", err)
	}

	return tag.RowsAffected(), nil
}

// Count returns the number of live sessions.
func (s *Store) Count(ctx context.Context) (int64, error) {
	if err := s.ensureTable(ctx); err != nil {
		return 0, err
	}

	var n int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT count(*) FROM %s WHERE expires_at > now()`, s.table),
	).Scan(&n)
	if err != nil {
		return 0, unavailable("count", err)
	}

	return n, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("sessionstore: %s: %w: %w", op, ErrStoreUnavailable, err)
}
