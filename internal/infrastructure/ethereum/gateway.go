package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"github.com/study-hub/study-hub/internal/domain/chain"
)

// Study escrow contract ABI (wizard-relevant surface).
const escrowABI = `[
	{
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "title", "type": "string"},
			{"name": "totalFunding", "type": "uint256"},
			{"name": "durationDays", "type": "uint256"},
			{"name": "compensation", "type": "string"}
		],
		"name": "createEscrow",
		"outputs": [],
		"stateMutability": "payable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "escrowRef", "type": "bytes32"},
			{"name": "index", "type": "uint256"},
			{"name": "title", "type": "string"},
			{"name": "reward", "type": "uint256"}
		],
		"name": "configureMilestone",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "escrowRef", "type": "bytes32"},
			{"name": "titles", "type": "string[]"},
			{"name": "rewards", "type": "uint256[]"}
		],
		"name": "configureMilestones",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

// Study registry contract ABI.
const registryABI = `[
	{
		"inputs": [
			{"name": "escrowRef", "type": "bytes32"},
			{"name": "summary", "type": "string"},
			{"name": "condition", "type": "string"},
			{"name": "dataTypes", "type": "string[]"}
		],
		"name": "publishStudy",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "registryRef", "type": "bytes32"},
			{"name": "expression", "type": "string"},
			{"name": "minAge", "type": "uint256"},
			{"name": "maxAge", "type": "uint256"}
		],
		"name": "setCriteria",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

// Config holds gateway settings.
type Config struct {
	EscrowContract   common.Address
	RegistryContract common.Address
	// Confirmations is the block depth before a receipt counts as confirmed.
	Confirmations uint64
	PollInterval  time.Duration
	// ConfirmTimeout bounds one confirmation wait; the hash survives it.
	ConfirmTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Confirmations == 0 {
		c.Confirmations = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 5 * time.Minute
	}
	return c
}

// Gateway implements chain.Gateway against an Ethereum-compatible node.
type Gateway struct {
	client      *ethclient.Client
	signer      Signer
	cfg         Config
	escrowABI   abi.ABI
	registryABI abi.ABI
	chainID     *big.Int
	logger      zerolog.Logger
}

// Dial connects to the node. The client is shared between the gateway and a
// local signer when one is configured.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, *big.Int, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial ethereum node: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("query chain id: %w", err)
	}
	return client, chainID, nil
}

// New prepares the contract ABIs over an already dialed client.
func New(client *ethclient.Client, chainID *big.Int, cfg Config, signer Signer, logger zerolog.Logger) (*Gateway, error) {
	escrow, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse escrow ABI: %w", err)
	}
	registry, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("parse registry ABI: %w", err)
	}
	return &Gateway{
		client:      client,
		signer:      signer,
		cfg:         cfg.withDefaults(),
		escrowABI:   escrow,
		registryABI: registry,
		chainID:     chainID,
		logger:      logger.With().Str("service", "eth_gateway").Logger(),
	}, nil
}

// ChainID returns the connected chain's id.
func (g *Gateway) ChainID() *big.Int {
	return new(big.Int).Set(g.chainID)
}

// BuildTransaction packs calldata for a tagged payload. Exhaustive over the
// payload variants; an unknown variant is a programming error.
func (g *Gateway) BuildTransaction(_ context.Context, payload chain.TxPayload) (*chain.UnsignedTx, error) {
	switch p := payload.(type) {
	case chain.CreateEscrowPayload:
		data, err := g.escrowABI.Pack("createEscrow",
			p.Owner, p.Title, p.TotalFunding, big.NewInt(int64(p.DurationDays)), p.Compensation)
		if err != nil {
			return nil, fmt.Errorf("pack createEscrow: %w", err)
		}
		return &chain.UnsignedTx{
			Kind:  p.Kind(),
			To:    g.cfg.EscrowContract,
			Data:  data,
			Value: new(big.Int).Set(p.TotalFunding),
		}, nil

	case chain.PublishRegistryPayload:
		data, err := g.registryABI.Pack("publishStudy",
			refHash(p.EscrowID), p.Summary, p.Condition, p.DataTypes)
		if err != nil {
			return nil, fmt.Errorf("pack publishStudy: %w", err)
		}
		return &chain.UnsignedTx{Kind: p.Kind(), To: g.cfg.RegistryContract, Data: data}, nil

	case chain.SetCriteriaPayload:
		data, err := g.registryABI.Pack("setCriteria",
			refHash(p.RegistryID), p.Expression, big.NewInt(int64(p.MinAge)), big.NewInt(int64(p.MaxAge)))
		if err != nil {
			return nil, fmt.Errorf("pack setCriteria: %w", err)
		}
		return &chain.UnsignedTx{Kind: p.Kind(), To: g.cfg.RegistryContract, Data: data}, nil

	case chain.ConfigureMilestonePayload:
		data, err := g.escrowABI.Pack("configureMilestone",
			refHash(p.EscrowID), big.NewInt(int64(p.Index)), p.Title, p.Reward)
		if err != nil {
			return nil, fmt.Errorf("pack configureMilestone: %w", err)
		}
		return &chain.UnsignedTx{Kind: p.Kind(), To: g.cfg.EscrowContract, Data: data}, nil

	case chain.MilestoneBatchPayload:
		titles := make([]string, len(p.Items))
		rewards := make([]*big.Int, len(p.Items))
		for i, item := range p.Items {
			titles[i] = item.Title
			rewards[i] = big.NewInt(item.Reward)
		}
		data, err := g.escrowABI.Pack("configureMilestones", refHash(p.EscrowID), titles, rewards)
		if err != nil {
			return nil, fmt.Errorf("pack configureMilestones: %w", err)
		}
		return &chain.UnsignedTx{Kind: p.Kind(), To: g.cfg.EscrowContract, Data: data}, nil

	default:
		return nil, fmt.Errorf("unsupported transaction payload %T", payload)
	}
}

// SignAndBroadcast hands the transaction to the signer. The wait for the
// wallet holder has no fixed upper bound; the context cancels waiting only.
func (g *Gateway) SignAndBroadcast(ctx context.Context, tx *chain.UnsignedTx) (common.Hash, error) {
	hash, err := g.signer.SignAndSend(ctx, tx)
	if err != nil {
		return common.Hash{}, err
	}
	g.logger.Info().
		Str("kind", string(tx.Kind)).
		Str("tx_hash", hash.Hex()).
		Msg("transaction broadcast")
	return hash, nil
}

// WaitForConfirmation polls for the receipt until the configured depth is
// reached. It never re-broadcasts; a timeout keeps the hash valid.
func (g *Gateway) WaitForConfirmation(ctx context.Context, hash common.Hash) (*chain.Confirmation, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := g.client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status == types.ReceiptStatusFailed {
				return nil, fmt.Errorf("tx %s: %w", hash.Hex(), chain.ErrTxReverted)
			}
			head, err := g.client.BlockNumber(ctx)
			if err != nil {
				return nil, fmt.Errorf("query head: %w: %v", chain.ErrTransport, err)
			}
			mined := receipt.BlockNumber.Uint64()
			if head >= mined+g.cfg.Confirmations-1 {
				return &chain.Confirmation{ChainID: g.ChainID(), BlockNumber: mined}, nil
			}
		case errors.Is(err, ethereum.NotFound):
			// Not mined yet, keep polling.
		case errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("tx %s: %w", hash.Hex(), chain.ErrConfirmationTimeout)
		default:
			return nil, fmt.Errorf("query receipt: %w: %v", chain.ErrTransport, err)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("tx %s: %w", hash.Hex(), chain.ErrConfirmationTimeout)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// refHash maps a platform identifier to its on-chain bytes32 reference.
func refHash(id string) [32]byte {
	return crypto.Keccak256Hash([]byte(id))
}
