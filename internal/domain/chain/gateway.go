package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/study-hub/study-hub/internal/domain/wizard"
)

var (
	// ErrUserDeclined signals that the wallet holder refused the signature
	// request. Nothing was broadcast; the step may be retried from scratch.
	ErrUserDeclined = errors.New("signature request declined")

	// ErrWalletUnavailable signals a disconnected or unreachable wallet.
	ErrWalletUnavailable = errors.New("wallet unavailable")

	// ErrTransport signals a broadcast, confirmation or indexing network
	// failure. If a hash exists, retries must reuse it and never re-sign.
	ErrTransport = errors.New("transport failure")

	// ErrConfirmationTimeout signals that confirmation polling gave up. The
	// transaction may still confirm; the hash is not discarded.
	ErrConfirmationTimeout = errors.New("confirmation timeout")

	// ErrTxReverted signals that the transaction was mined but reverted.
	ErrTxReverted = errors.New("transaction reverted")
)

// IsRetryable reports whether the active step can simply be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUserDeclined) ||
		errors.Is(err, ErrWalletUnavailable) ||
		errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrConfirmationTimeout)
}

// TxKind identifies the contract operation a transaction performs.
type TxKind string

const (
	TxCreateEscrow       TxKind = "create_escrow"
	TxPublishRegistry    TxKind = "publish_registry"
	TxSetCriteria        TxKind = "set_criteria"
	TxConfigureMilestone TxKind = "configure_milestone"
	TxMilestoneBatch     TxKind = "milestone_batch"
)

// TxPayload is a tagged transaction-build request. One variant per contract
// operation, matched exhaustively by the gateway, so a new operation is a
// compile-time-checked addition.
type TxPayload interface {
	Kind() TxKind
}

// CreateEscrowPayload funds a study escrow.
type CreateEscrowPayload struct {
	Owner        common.Address
	Title        string
	TotalFunding *big.Int
	DurationDays int
	Compensation string
}

func (CreateEscrowPayload) Kind() TxKind { return TxCreateEscrow }

// PublishRegistryPayload publishes the study to the public registry.
type PublishRegistryPayload struct {
	EscrowID  string
	Summary   string
	Condition string
	DataTypes []string
}

func (PublishRegistryPayload) Kind() TxKind { return TxPublishRegistry }

// SetCriteriaPayload records the eligibility criteria commitment.
type SetCriteriaPayload struct {
	RegistryID string
	Expression string
	MinAge     int
	MaxAge     int
}

func (SetCriteriaPayload) Kind() TxKind { return TxSetCriteria }

// ConfigureMilestonePayload configures a single milestone (sequential mode).
type ConfigureMilestonePayload struct {
	EscrowID string
	Index    int
	Title    string
	Reward   *big.Int
}

func (ConfigureMilestonePayload) Kind() TxKind { return TxConfigureMilestone }

// MilestoneBatchPayload configures all milestones in one transaction.
type MilestoneBatchPayload struct {
	EscrowID string
	Items    []wizard.MilestoneItem
}

func (MilestoneBatchPayload) Kind() TxKind { return TxMilestoneBatch }

// UnsignedTx describes a transaction ready for signing.
type UnsignedTx struct {
	Kind     TxKind
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
}

// Confirmation reports an on-chain confirmed transaction.
type Confirmation struct {
	ChainID     *big.Int
	BlockNumber uint64
}

// Gateway builds, signs/broadcasts and confirms transactions. Signing waits on
// human interaction with no upper bound; the context cancels waiting only, a
// transaction already broadcast cannot be withdrawn.
type Gateway interface {
	BuildTransaction(ctx context.Context, payload TxPayload) (*UnsignedTx, error)
	SignAndBroadcast(ctx context.Context, tx *UnsignedTx) (common.Hash, error)
	WaitForConfirmation(ctx context.Context, hash common.Hash) (*Confirmation, error)
}
