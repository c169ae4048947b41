package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// BudgetPolicy controls how a milestone budget overrun is handled.
type BudgetPolicy string

const (
	BudgetPolicyBlock BudgetPolicy = "block"
	BudgetPolicyWarn  BudgetPolicy = "warn"
)

// Config holds service configuration.
type Config struct {
	DatabaseURL   string
	MigrationsDir string
	ServerAddr    string

	SessionTTL          time.Duration
	SessionCookieName   string
	SessionCookieSecure bool

	EthRPCURL        string
	EscrowContract   string
	RegistryContract string
	Confirmations    uint64
	ConfirmPoll      time.Duration
	ConfirmTimeout   time.Duration
	WalletBridgeURL  string
	// LocalSignerKey enables the keyed development signer when set.
	LocalSignerKey string

	MilestoneBatchThreshold int
	BudgetPolicy            BudgetPolicy
}

// Load reads configuration from environment.
func Load() (*Config, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := getenv("POSTGRES_USER", "study_hub")
		pass := getenv("POSTGRES_PASSWORD", "study_hub_pass")
		db := getenv("POSTGRES_DB", "study_hub")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}

	policy := BudgetPolicy(getenv("BUDGET_POLICY", string(BudgetPolicyBlock)))
	if policy != BudgetPolicyBlock && policy != BudgetPolicyWarn {
		return nil, fmt.Errorf("invalid BUDGET_POLICY %q", policy)
	}

	return &Config{
		DatabaseURL:   dsn,
		MigrationsDir: getenv("MIGRATIONS_DIR", "internal/migrations"),
		ServerAddr:    getenv("SERVER_ADDR", "0.0.0.0:8080"),

		SessionTTL:          parseDuration(getenv("SESSION_TTL", "24h"), 24*time.Hour),
		SessionCookieName:   getenv("SESSION_COOKIE_NAME", "study_hub_session"),
		SessionCookieSecure: parseBool(getenv("SESSION_COOKIE_SECURE", "false"), false),

		EthRPCURL:        getenv("ETH_RPC_URL", "http://localhost:8545"),
		EscrowContract:   os.Getenv("ESCROW_CONTRACT"),
		RegistryContract: os.Getenv("REGISTRY_CONTRACT"),
		Confirmations:    parseUint(getenv("CONFIRMATIONS", "1"), 1),
		ConfirmPoll:      parseDuration(getenv("CONFIRM_POLL_INTERVAL", "3s"), 3*time.Second),
		ConfirmTimeout:   parseDuration(getenv("CONFIRM_TIMEOUT", "5m"), 5*time.Minute),
		WalletBridgeURL:  getenv("WALLET_BRIDGE_URL", "http://localhost:8546"),
		LocalSignerKey:   os.Getenv("LOCAL_SIGNER_KEY"),

		MilestoneBatchThreshold: parseInt(getenv("MILESTONE_BATCH_THRESHOLD", "6"), 6),
		BudgetPolicy:            policy,
	}, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}

func parseInt(val string, def int) int {
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func parseUint(val string, def uint64) uint64 {
	n, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return def
	}
	return n
}
