package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/study-hub/study-hub/internal/domain/chain"
	"github.com/study-hub/study-hub/internal/domain/wizard"
)

// IndexRepository implements chain.Indexer and chain.StudyDirectory against
// the platform database.
type IndexRepository struct {
	pool *pgxpool.Pool
}

func NewIndexRepository(pool *pgxpool.Pool) *IndexRepository {
	return &IndexRepository{pool: pool}
}

// CreateStudy assigns the study's database id before any on-chain step.
func (r *IndexRepository) CreateStudy(ctx context.Context, owner string, form *wizard.EscrowForm) (uuid.UUID, error) {
	id := uuid.New()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO studies
		(database_id, owner, title, description, total_funding, duration_days, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, id, owner, form.Title, form.Description, form.TotalFunding, form.DurationDays, time.Now().UTC())
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// IndexStep records a confirmed transaction exactly once per
// (databaseID, step, txHash). A duplicate call returns the ids derived by the
// first call instead of creating a second record.
func (r *IndexRepository) IndexStep(ctx context.Context, databaseID uuid.UUID, step wizard.Step, txHash string, chainID *big.Int, payload json.RawMessage) (chain.DerivedIDs, error) {
	var escrowID, registryID string
	switch step {
	case wizard.StepEscrow:
		escrowID = deriveID(databaseID, step, txHash)
	case wizard.StepRegistry:
		registryID = deriveID(databaseID, step, txHash)
	}

	var chainIDText *string
	if chainID != nil {
		s := chainID.String()
		chainIDText = &s
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO step_index_records
		(database_id, step, tx_hash, chain_id, payload, escrow_id, registry_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (database_id, step, tx_hash) DO NOTHING
	`, databaseID, string(step), txHash, chainIDText, payload, escrowID, registryID, time.Now().UTC())
	if err != nil {
		return chain.DerivedIDs{}, err
	}

	// Read back so a duplicate call yields the originally derived ids.
	var derived chain.DerivedIDs
	err = r.pool.QueryRow(ctx, `
		SELECT escrow_id, registry_id FROM step_index_records
		WHERE database_id=$1 AND step=$2 AND tx_hash=$3
	`, databaseID, string(step), txHash).Scan(&derived.EscrowID, &derived.RegistryID)
	if err != nil {
		return chain.DerivedIDs{}, fmt.Errorf("read index record: %w", err)
	}
	return derived, nil
}

// deriveID mints a deterministic identifier from the idempotency key.
func deriveID(databaseID uuid.UUID, step wizard.Step, txHash string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(databaseID.String()+":"+string(step)+":"+txHash)).String()
}
