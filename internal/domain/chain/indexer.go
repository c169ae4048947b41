package chain

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/google/uuid"

	"github.com/study-hub/study-hub/internal/domain/wizard"
)

// DerivedIDs are the identifiers minted by indexing a confirmed transaction.
// Empty for steps that mint nothing (criteria, milestones).
type DerivedIDs struct {
	EscrowID   string `json:"escrowId,omitempty"`
	RegistryID string `json:"registryId,omitempty"`
}

// Indexer durably records derived identifiers for a confirmed transaction,
// exactly once per (databaseID, step, txHash). A duplicate call returns the
// originally derived ids instead of creating a second record.
type Indexer interface {
	IndexStep(ctx context.Context, databaseID uuid.UUID, step wizard.Step, txHash string, chainID *big.Int, payload json.RawMessage) (DerivedIDs, error)
}

// StudyDirectory is the off-chain database that assigns a study's database id
// at creation, before any on-chain step.
type StudyDirectory interface {
	CreateStudy(ctx context.Context, owner string, form *wizard.EscrowForm) (uuid.UUID, error)
}
