package account

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Account is a wallet-backed platform account.
type Account struct {
	ID          int64      `json:"id"`
	Address     string     `json:"address"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
}

// Challenge is a one-time login nonce the wallet must sign.
type Challenge struct {
	Address   string    `json:"address"`
	Nonce     string    `json:"nonce"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// IsExpired reports whether the challenge is past its TTL.
func (c *Challenge) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Session is an authenticated platform session.
type Session struct {
	ID        int64     `json:"id"`
	SessionID uuid.UUID `json:"sessionId"`
	TokenHash string    `json:"-"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// IsExpired reports whether the session is past its TTL.
func (s *Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

var addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// NormalizeAddress validates and lower-cases a wallet address.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !addressRe.MatchString(addr) {
		return "", fmt.Errorf("invalid wallet address %q", addr)
	}
	return strings.ToLower(addr), nil
}
