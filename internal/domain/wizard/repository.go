package wizard

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Repository

import "context"

// Repository defines wizard session persistence. One row per profile key; the
// session is single-writer by construction, so no locking beyond the status
// preconditions is required.
type Repository interface {
	// Get returns the session for a profile key, or nil when none exists.
	Get(ctx context.Context, profileKey string) (*Session, error)
	// Save upserts the session keyed by its profile key.
	Save(ctx context.Context, s *Session) error
	// Delete removes the persisted session entirely.
	Delete(ctx context.Context, profileKey string) error
}
