package account

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Repository

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines account, challenge and session persistence.
type Repository interface {
	UpsertAccount(ctx context.Context, address string) (*Account, error)
	GetAccount(ctx context.Context, address string) (*Account, error)

	SaveChallenge(ctx context.Context, c *Challenge) error
	// ConsumeChallenge returns and deletes the challenge for an address, or
	// nil when none exists.
	ConsumeChallenge(ctx context.Context, address string) (*Challenge, error)

	CreateSession(ctx context.Context, s *Session) error
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (*Session, error)
	DeleteSession(ctx context.Context, sessionID uuid.UUID) error
	DeleteExpiredSessions(ctx context.Context) (int, error)
}
