package ethereum

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/study-hub/study-hub/internal/domain/chain"
)

// Signer signs and broadcasts a transaction, returning its hash. The primary
// implementation proxies the user's wallet; signing can suspend indefinitely
// while the user decides.
type Signer interface {
	SignAndSend(ctx context.Context, tx *chain.UnsignedTx) (common.Hash, error)
}

// WalletBridgeSigner forwards signature requests to the browser wallet
// bridge. The request blocks until the user approves or declines; cancelling
// the context abandons the wait but cannot recall an approved broadcast.
type WalletBridgeSigner struct {
	BridgeURL string
	Client    *http.Client
}

func NewWalletBridgeSigner(bridgeURL string) *WalletBridgeSigner {
	return &WalletBridgeSigner{
		BridgeURL: bridgeURL,
		// No client timeout: the user may take arbitrarily long to decide.
		Client: &http.Client{},
	}
}

type bridgeRequest struct {
	To       string `json:"to"`
	Data     string `json:"data"`
	Value    string `json:"value,omitempty"`
	GasLimit uint64 `json:"gasLimit,omitempty"`
}

type bridgeResponse struct {
	Hash     string `json:"hash,omitempty"`
	Declined bool   `json:"declined,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (s *WalletBridgeSigner) SignAndSend(ctx context.Context, tx *chain.UnsignedTx) (common.Hash, error) {
	req := bridgeRequest{
		To:       tx.To.Hex(),
		Data:     hexutil.Encode(tx.Data),
		GasLimit: tx.GasLimit,
	}
	if tx.Value != nil {
		req.Value = tx.Value.String()
	}
	body, err := json.Marshal(req)
	if err != nil {
		return common.Hash{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BridgeURL+"/sign", bytes.NewReader(body))
	if err != nil {
		return common.Hash{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return common.Hash{}, ctx.Err()
		}
		return common.Hash{}, fmt.Errorf("wallet bridge: %w: %v", chain.ErrWalletUnavailable, err)
	}
	defer resp.Body.Close()

	var out bridgeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return common.Hash{}, fmt.Errorf("wallet bridge response: %w: %v", chain.ErrTransport, err)
	}
	if out.Declined {
		return common.Hash{}, chain.ErrUserDeclined
	}
	if resp.StatusCode != http.StatusOK || out.Hash == "" {
		return common.Hash{}, fmt.Errorf("wallet bridge status %d %s: %w", resp.StatusCode, out.Error, chain.ErrTransport)
	}
	return common.HexToHash(out.Hash), nil
}

// LocalSigner signs with a configured private key against the node directly.
// Development use only; there is no human approval step.
type LocalSigner struct {
	client  *ethclient.Client
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
}

// NewLocalSigner parses a hex private key.
func NewLocalSigner(client *ethclient.Client, privateKeyHex string, chainID *big.Int) (*LocalSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &LocalSigner{
		client:  client,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
	}, nil
}

func (s *LocalSigner) SignAndSend(ctx context.Context, tx *chain.UnsignedTx) (common.Hash, error) {
	nonce, err := s.client.PendingNonceAt(ctx, s.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("query nonce: %w: %v", chain.ErrTransport, err)
	}
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas price: %w: %v", chain.ErrTransport, err)
	}

	value := tx.Value
	if value == nil {
		value = new(big.Int)
	}
	gasLimit := tx.GasLimit
	if gasLimit == 0 {
		to := tx.To
		gasLimit, err = s.client.EstimateGas(ctx, goethereum.CallMsg{
			From:  s.from,
			To:    &to,
			Value: value,
			Data:  tx.Data,
		})
		if err != nil {
			return common.Hash{}, fmt.Errorf("estimate gas: %w: %v", chain.ErrTransport, err)
		}
	}

	signed, err := types.SignNewTx(s.key, types.LatestSignerForChainID(s.chainID), &types.LegacyTx{
		Nonce:    nonce,
		To:       &tx.To,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     tx.Data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}
	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send transaction: %w: %v", chain.ErrTransport, err)
	}
	return signed.Hash(), nil
}
