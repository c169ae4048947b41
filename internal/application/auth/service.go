package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/study-hub/study-hub/internal/domain/account"
)

const challengeTTL = 5 * time.Minute

// Service authenticates wallet actors: the wallet signs a one-time challenge
// and receives a platform session token.
type Service struct {
	repo       account.Repository
	sessionTTL time.Duration
	logger     zerolog.Logger
}

// NewService creates an auth service.
func NewService(repo account.Repository, sessionTTL time.Duration, logger zerolog.Logger) *Service {
	return &Service{
		repo:       repo,
		sessionTTL: sessionTTL,
		logger:     logger.With().Str("service", "auth").Logger(),
	}
}

// Challenge issues a login nonce for a wallet address.
func (s *Service) Challenge(ctx context.Context, address string) (*account.Challenge, error) {
	addr, err := account.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	nonce, err := generateNonce()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	c := &account.Challenge{
		Address:   addr,
		Nonce:     nonce,
		CreatedAt: now,
		ExpiresAt: now.Add(challengeTTL),
	}
	if err := s.repo.SaveChallenge(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// VerifyResult contains the outcome of a successful signature verification.
type VerifyResult struct {
	Account *account.Account
	Session *account.Session
	Token   string
}

// Verify checks a wallet signature over the issued challenge and creates a
// platform session. The signature is a 65-byte EIP-191 personal-sign output.
func (s *Service) Verify(ctx context.Context, address, signature string) (*VerifyResult, error) {
	addr, err := account.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	c, err := s.repo.ConsumeChallenge(ctx, addr)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("no pending challenge for %s", addr)
	}
	if c.IsExpired(time.Now().UTC()) {
		return nil, fmt.Errorf("challenge expired")
	}

	recovered, err := recoverSigner(ChallengeMessage(c.Nonce), signature)
	if err != nil {
		return nil, err
	}
	if strings.ToLower(recovered.Hex()) != addr {
		return nil, fmt.Errorf("signature does not match address")
	}

	acct, err := s.repo.UpsertAccount(ctx, addr)
	if err != nil {
		return nil, err
	}

	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	sess := &account.Session{
		SessionID: uuid.New(),
		TokenHash: HashToken(token),
		Address:   addr,
		CreatedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	s.logger.Info().Str("address", addr).Msg("wallet login")
	return &VerifyResult{Account: acct, Session: sess, Token: token}, nil
}

// Authenticate validates a session token and returns the platform session.
func (s *Service) Authenticate(ctx context.Context, token string) (*account.Session, error) {
	if token == "" {
		return nil, fmt.Errorf("missing token")
	}
	sess, err := s.repo.GetSessionByTokenHash(ctx, HashToken(token))
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("session not found")
	}
	if sess.IsExpired(time.Now().UTC()) {
		_ = s.repo.DeleteSession(ctx, sess.SessionID)
		return nil, fmt.Errorf("session expired")
	}
	return sess, nil
}

// Logout deletes the session for a token.
func (s *Service) Logout(ctx context.Context, token string) error {
	sess, err := s.repo.GetSessionByTokenHash(ctx, HashToken(token))
	if err != nil || sess == nil {
		return err
	}
	return s.repo.DeleteSession(ctx, sess.SessionID)
}

// CleanupExpired removes expired sessions, returning the count.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	return s.repo.DeleteExpiredSessions(ctx)
}

// ChallengeMessage is the exact text the wallet signs.
func ChallengeMessage(nonce string) string {
	return "study-hub login: " + nonce
}

func recoverSigner(message, signature string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length %d", len(sig))
	}
	// Wallets return V as 27/28; crypto.SigToPub expects 0/1.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[crypto.RecoveryIDOffset] -= 27
	}
	hash := accounts.TextHash([]byte(message))
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// HashToken hashes a session token for at-rest storage.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func generateNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
