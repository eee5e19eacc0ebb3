package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	LedgerDriverSolana = "solana"
	LedgerDriverSim    = "sim"
)

// Config holds every runtime setting of the service
type Config struct {
	// Storage
	StoreDriver   string
	DBConnStr     string
	InventorySeed map[string]int // memory driver only

	// Transport
	GRPCAddr string
	HTTPAddr string
	APIToken string

	// Logging
	LogLevel  string
	LogFormat string

	// Ledger
	LedgerDriver        string
	SolanaRPCURL        string
	Wallet1             string
	Wallet2             string
	Middleman           string
	MiddlemanPrivateKey string

	// Split and fees
	SplitFirstPercent   decimal.Decimal
	ForwardFixedFee     decimal.Decimal
	ForwardSafetyMargin decimal.Decimal
	NetworkFee          decimal.Decimal

	// Checkout and matching
	MatchTolerance    decimal.Decimal
	MatchWindowBefore time.Duration
	MatchWindowAfter  time.Duration
	PaymentExpiry     time.Duration
	MinPaymentAmount  decimal.Decimal
	PriceBuffer       decimal.Decimal
	PriceCacheTTL     time.Duration
	CoinGeckoURL      string

	// Workers
	PollInterval        time.Duration
	RecoveryInterval    time.Duration
	DispatchInterval    time.Duration
	LockTTL             time.Duration
	StuckTimeout        time.Duration
	MaxRecoveryAttempts int

	// Forwarding
	ForwardLockWait       time.Duration
	ForwardConfirmTimeout time.Duration
	ForwardResendAfter    time.Duration

	// Alerts
	BalanceFloor     decimal.Decimal
	AlertCooldown    time.Duration
	TelegramBotToken string
	TelegramChatID   string
}

// Load reads the configuration from the environment, preloading .env when present
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from the given lookup function
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	e := &env{lookup: lookup}

	cfg := &Config{
		StoreDriver:   e.str("STORE_DRIVER", StoreDriverPostgres),
		DBConnStr:     e.str("DB_CONN_STR", ""),
		InventorySeed: e.stock("INVENTORY_SEED"),

		GRPCAddr: e.str("GRPC_ADDR", ":8080"),
		HTTPAddr: e.str("HTTP_ADDR", ":9090"),
		APIToken: e.str("API_TOKEN", "dev-token"),

		LogLevel:  e.str("LOG_LEVEL", "info"),
		LogFormat: e.str("LOG_FORMAT", "json"),

		LedgerDriver:        e.str("LEDGER_DRIVER", LedgerDriverSolana),
		SolanaRPCURL:        e.str("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com"),
		Wallet1:             e.str("SOL_WALLET1_ADDRESS", ""),
		Wallet2:             e.str("SOL_WALLET2_ADDRESS", ""),
		Middleman:           e.str("SOL_MIDDLEMAN_ADDRESS", ""),
		MiddlemanPrivateKey: e.str("SOL_MIDDLEMAN_PRIVATE_KEY", ""),

		SplitFirstPercent:   e.dec("SPLIT_FIRST_PERCENT", "20"),
		ForwardFixedFee:     e.dec("FORWARD_FIXED_FEE", "0.00001"),
		ForwardSafetyMargin: e.dec("FORWARD_SAFETY_MARGIN", "0.00001"),
		NetworkFee:          e.dec("NETWORK_FEE", "0.000005"),

		MatchTolerance:    e.dec("MATCH_TOLERANCE", "0.001"),
		MatchWindowBefore: e.duration("MATCH_WINDOW_BEFORE", 30*time.Minute),
		MatchWindowAfter:  e.duration("MATCH_WINDOW_AFTER", 5*time.Minute),
		PaymentExpiry:     e.duration("PAYMENT_EXPIRY", 20*time.Minute),
		MinPaymentAmount:  e.dec("MIN_PAYMENT_AMOUNT", "0.01"),
		PriceBuffer:       e.dec("PRICE_BUFFER", "0.01"),
		PriceCacheTTL:     e.duration("PRICE_CACHE_TTL", 90*time.Minute),
		CoinGeckoURL:      e.str("COINGECKO_URL", "https://api.coingecko.com/api/v3/simple/price"),

		PollInterval:        e.duration("POLL_INTERVAL", 30*time.Second),
		RecoveryInterval:    e.duration("RECOVERY_INTERVAL", time.Minute),
		DispatchInterval:    e.duration("DISPATCH_INTERVAL", time.Minute),
		LockTTL:             e.duration("LOCK_TTL", 30*time.Second),
		StuckTimeout:        e.duration("STUCK_TIMEOUT", 2*time.Minute),
		MaxRecoveryAttempts: e.integer("MAX_RECOVERY_ATTEMPTS", 5),

		ForwardLockWait:       e.duration("FORWARD_LOCK_WAIT", 10*time.Second),
		ForwardConfirmTimeout: e.duration("FORWARD_CONFIRM_TIMEOUT", 60*time.Second),
		ForwardResendAfter:    e.duration("FORWARD_RESEND_AFTER", 3*time.Minute),

		BalanceFloor:     e.dec("BALANCE_FLOOR", "0.05"),
		AlertCooldown:    e.duration("ALERT_COOLDOWN", 30*time.Minute),
		TelegramBotToken: e.str("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   e.str("TELEGRAM_ADMIN_CHAT_ID", ""),
	}

	if cfg.DBConnStr == "" {
		// Docker friendly: build it from individual vars
		cfg.DBConnStr = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			e.str("DB_HOST", "localhost"),
			e.str("DB_PORT", "5432"),
			e.str("DB_USER", "postgres"),
			e.str("DB_PASSWORD", "postgres"),
			e.str("DB_NAME", "payrecon"),
		)
	}

	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field rules
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q", StoreDriverPostgres, StoreDriverMemory))
	}
	switch c.LedgerDriver {
	case LedgerDriverSolana:
		if c.MiddlemanPrivateKey == "" {
			errs = append(errs, errors.New("SOL_MIDDLEMAN_PRIVATE_KEY is required for the solana ledger"))
		}
	case LedgerDriverSim:
	default:
		errs = append(errs, fmt.Errorf("LEDGER_DRIVER must be %q or %q", LedgerDriverSolana, LedgerDriverSim))
	}
	if c.Wallet1 == "" || c.Wallet2 == "" || c.Middleman == "" {
		errs = append(errs, errors.New("SOL_WALLET1_ADDRESS, SOL_WALLET2_ADDRESS and SOL_MIDDLEMAN_ADDRESS are required"))
	}
	if c.SplitFirstPercent.IsNegative() || c.SplitFirstPercent.GreaterThan(decimal.NewFromInt(100)) {
		errs = append(errs, errors.New("SPLIT_FIRST_PERCENT must be between 0 and 100"))
	}
	if c.MaxRecoveryAttempts < 1 {
		errs = append(errs, errors.New("MAX_RECOVERY_ATTEMPTS must be at least 1"))
	}
	if c.LockTTL <= 0 {
		errs = append(errs, errors.New("LOCK_TTL must be positive"))
	}
	if (c.TelegramBotToken == "") != (c.TelegramChatID == "") {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN and TELEGRAM_ADMIN_CHAT_ID must be set together"))
	}
	return errors.Join(errs...)
}

// env reads typed values and collects parse errors
type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *env) str(key, def string) string {
	if v, ok := e.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (e *env) dec(key, def string) decimal.Decimal {
	raw := e.str(key, def)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return decimal.RequireFromString(def)
	}
	return d
}

func (e *env) integer(key string, def int) int {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

// stock parses "p1=10,p2=5"
func (e *env) stock(key string) map[string]int {
	raw := e.str(key, "")
	seed := make(map[string]int)
	if raw == "" {
		return seed
	}
	for _, pair := range strings.Split(raw, ",") {
		id, qty, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || id == "" {
			e.errs = append(e.errs, fmt.Errorf("%s: malformed entry %q", key, pair))
			continue
		}
		n, err := strconv.Atoi(qty)
		if err != nil || n < 0 {
			e.errs = append(e.errs, fmt.Errorf("%s: invalid quantity for %s", key, id))
			continue
		}
		seed[id] = n
	}
	return seed
}
