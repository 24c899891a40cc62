package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// rowQuerier is the subset of *pgxpool.Pool used by Postgres.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

type Postgres struct {
	db   rowQuerier
	pool *pgxpool.Pool
}

// OpenPostgres connects to databaseURL and verifies the connection. It does
// not run migrations; call Migrate for that.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: pool, pool: pool}, nil
}

// Migrate applies the embedded schema migrations.
func (p *Postgres) Migrate(ctx context.Context) error {
	if p.pool == nil {
		return errors.New("postgres store has no pool")
	}
	db := stdlib.OpenDBFromPool(p.pool)
	defer db.Close()
	return Migrate(ctx, db)
}

const selectSessionSQL = `
SELECT app_name, user_id, session_id, resumption_handle, created_at, updated_at
FROM relay_sessions
WHERE app_name = $1 AND user_id = $2 AND session_id = $3`

const insertSessionSQL = `
WITH inserted AS (
	INSERT INTO relay_sessions (app_name, user_id, session_id)
	VALUES ($1, $2, $3)
	ON CONFLICT (app_name, user_id, session_id) DO NOTHING
	RETURNING app_name, user_id, session_id, resumption_handle, created_at, updated_at
)
SELECT * FROM inserted
UNION ALL
SELECT app_name, user_id, session_id, resumption_handle, created_at, updated_at
FROM relay_sessions
WHERE app_name = $1 AND user_id = $2 AND session_id = $3
LIMIT 1`

const updateHandleSQL = `
UPDATE relay_sessions
SET resumption_handle = $4, updated_at = now()
WHERE app_name = $1 AND user_id = $2 AND session_id = $3
RETURNING updated_at`

func (p *Postgres) Get(ctx context.Context, key Key) (*Session, error) {
	sess, err := scanSession(p.db.QueryRow(ctx, selectSessionSQL, key.AppName, key.UserID, key.SessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	return sess, nil
}

func (p *Postgres) Create(ctx context.Context, key Key) (*Session, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	sess, err := scanSession(p.db.QueryRow(ctx, insertSessionSQL, key.AppName, key.UserID, key.SessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		// A concurrent insert committed after this statement's snapshot was
		// taken, so neither branch saw the row. It is visible now.
		sess, err = p.Get(ctx, key)
	}
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

func (p *Postgres) SetResumptionHandle(ctx context.Context, key Key, handle string) error {
	var updated time.Time
	err := p.db.QueryRow(ctx, updateHandleSQL, key.AppName, key.UserID, key.SessionID, handle).Scan(&updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update resumption handle: %w", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

func (p *Postgres) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

func scanSession(row pgx.Row) (*Session, error) {
	var (
		sess   Session
		handle *string
	)
	if err := row.Scan(&sess.AppName, &sess.UserID, &sess.SessionID, &handle, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	if handle != nil {
		sess.ResumptionHandle = *handle
	}
	return &sess, nil
}
