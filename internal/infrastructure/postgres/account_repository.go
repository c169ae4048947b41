package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/study-hub/study-hub/internal/domain/account"
)

// AccountRepository implements account.Repository.
type AccountRepository struct {
	pool *pgxpool.Pool
}

func NewAccountRepository(pool *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{pool: pool}
}

func (r *AccountRepository) UpsertAccount(ctx context.Context, address string) (*account.Account, error) {
	now := time.Now().UTC()
	row := r.pool.QueryRow(ctx, `
		INSERT INTO accounts (address, created_at, last_login_at)
		VALUES ($1,$2,$2)
		ON CONFLICT (address) DO UPDATE SET last_login_at=EXCLUDED.last_login_at
		RETURNING id, address, created_at, last_login_at
	`, address, now)
	return scanAccount(row)
}

func (r *AccountRepository) GetAccount(ctx context.Context, address string) (*account.Account, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, address, created_at, last_login_at FROM accounts WHERE address=$1
	`, address)
	return scanAccount(row)
}

func (r *AccountRepository) SaveChallenge(ctx context.Context, c *account.Challenge) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO wallet_challenges (address, nonce, created_at, expires_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (address) DO UPDATE SET
			nonce=EXCLUDED.nonce,
			created_at=EXCLUDED.created_at,
			expires_at=EXCLUDED.expires_at
	`, c.Address, c.Nonce, c.CreatedAt, c.ExpiresAt)
	return err
}

func (r *AccountRepository) ConsumeChallenge(ctx context.Context, address string) (*account.Challenge, error) {
	row := r.pool.QueryRow(ctx, `
		DELETE FROM wallet_challenges WHERE address=$1
		RETURNING address, nonce, created_at, expires_at
	`, address)
	var c account.Challenge
	if err := row.Scan(&c.Address, &c.Nonce, &c.CreatedAt, &c.ExpiresAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (r *AccountRepository) CreateSession(ctx context.Context, s *account.Session) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO wallet_sessions (session_id, token_hash, address, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5)
	`, s.SessionID, s.TokenHash, s.Address, s.CreatedAt, s.ExpiresAt)
	return err
}

func (r *AccountRepository) GetSessionByTokenHash(ctx context.Context, tokenHash string) (*account.Session, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, session_id, token_hash, address, created_at, expires_at
		FROM wallet_sessions WHERE token_hash=$1
	`, tokenHash)
	var s account.Session
	if err := row.Scan(&s.ID, &s.SessionID, &s.TokenHash, &s.Address, &s.CreatedAt, &s.ExpiresAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (r *AccountRepository) DeleteSession(ctx context.Context, sessionID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM wallet_sessions WHERE session_id=$1`, sessionID)
	return err
}

func (r *AccountRepository) DeleteExpiredSessions(ctx context.Context) (int, error) {
	res, err := r.pool.Exec(ctx, `DELETE FROM wallet_sessions WHERE expires_at < $1`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return int(res.RowsAffected()), nil
}

func scanAccount(row pgx.Row) (*account.Account, error) {
	var a account.Account
	var lastLogin *time.Time
	if err := row.Scan(&a.ID, &a.Address, &a.CreatedAt, &lastLogin); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	a.LastLoginAt = lastLogin
	return &a, nil
}
