package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/study-hub/study-hub/internal/domain/wizard"
)

// SessionRepository implements wizard.Repository.
type SessionRepository struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

func (r *SessionRepository) Get(ctx context.Context, profileKey string) (*wizard.Session, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, profile_key, status, owner, database_id, escrow_id, registry_id,
		       tx_hashes, form_data, pending_tx, milestone_progress, last_error,
		       created_at, updated_at
		FROM wizard_sessions WHERE profile_key=$1
	`, profileKey)
	return scanSession(row)
}

func (r *SessionRepository) Save(ctx context.Context, s *wizard.Session) error {
	txHashes, err := json.Marshal(s.TxHashes)
	if err != nil {
		return fmt.Errorf("marshal tx hashes: %w", err)
	}
	formData, err := json.Marshal(s.FormData)
	if err != nil {
		return fmt.Errorf("marshal form data: %w", err)
	}
	var pendingTx, progress []byte
	if s.PendingTx != nil {
		if pendingTx, err = json.Marshal(s.PendingTx); err != nil {
			return fmt.Errorf("marshal pending tx: %w", err)
		}
	}
	if s.Milestones != nil {
		if progress, err = json.Marshal(s.Milestones); err != nil {
			return fmt.Errorf("marshal milestone progress: %w", err)
		}
	}
	var databaseID *uuid.UUID
	if s.IDs.DatabaseID != uuid.Nil {
		id := s.IDs.DatabaseID
		databaseID = &id
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO wizard_sessions
		(profile_key, status, owner, database_id, escrow_id, registry_id,
		 tx_hashes, form_data, pending_tx, milestone_progress, last_error,
		 created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (profile_key) DO UPDATE SET
			status=EXCLUDED.status,
			owner=EXCLUDED.owner,
			database_id=EXCLUDED.database_id,
			escrow_id=EXCLUDED.escrow_id,
			registry_id=EXCLUDED.registry_id,
			tx_hashes=EXCLUDED.tx_hashes,
			form_data=EXCLUDED.form_data,
			pending_tx=EXCLUDED.pending_tx,
			milestone_progress=EXCLUDED.milestone_progress,
			last_error=EXCLUDED.last_error,
			updated_at=EXCLUDED.updated_at
	`, s.ProfileKey, string(s.Status), s.Owner, databaseID, s.IDs.EscrowID, s.IDs.RegistryID,
		txHashes, formData, pendingTx, progress, s.LastError, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r *SessionRepository) Delete(ctx context.Context, profileKey string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM wizard_sessions WHERE profile_key=$1`, profileKey)
	return err
}

func scanSession(row pgx.Row) (*wizard.Session, error) {
	var (
		s          wizard.Session
		status     string
		databaseID *uuid.UUID
		txHashes   []byte
		formData   []byte
		pendingTx  []byte
		progress   []byte
	)
	if err := row.Scan(&s.ID, &s.ProfileKey, &status, &s.Owner, &databaseID,
		&s.IDs.EscrowID, &s.IDs.RegistryID, &txHashes, &formData, &pendingTx,
		&progress, &s.LastError, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	s.Status = wizard.Status(status)
	if databaseID != nil {
		s.IDs.DatabaseID = *databaseID
	}
	if len(txHashes) > 0 {
		if err := json.Unmarshal(txHashes, &s.TxHashes); err != nil {
			return nil, fmt.Errorf("unmarshal tx hashes: %w", err)
		}
	}
	if len(formData) > 0 {
		if err := json.Unmarshal(formData, &s.FormData); err != nil {
			return nil, fmt.Errorf("unmarshal form data: %w", err)
		}
	}
	if len(pendingTx) > 0 {
		s.PendingTx = &wizard.PendingTx{}
		if err := json.Unmarshal(pendingTx, s.PendingTx); err != nil {
			return nil, fmt.Errorf("unmarshal pending tx: %w", err)
		}
	}
	if len(progress) > 0 {
		s.Milestones = &wizard.MilestoneProgress{}
		if err := json.Unmarshal(progress, s.Milestones); err != nil {
			return nil, fmt.Errorf("unmarshal milestone progress: %w", err)
		}
	}
	return &s, nil
}
