package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds purchase server configuration.
type Config struct {
	DatabaseURL   string
	ServerAddr    string
	MigrationsDir string
	RunMigrations bool

	LedgerRPCURL           string
	LedgerContractAddress  string
	LedgerPrivateKey       string
	LedgerGasLimit         uint64
	LedgerMinConfirmations uint64
	LedgerPollInterval     time.Duration
	LedgerDropTimeout      time.Duration

	PaymentGatewayURL   string
	PaymentPollInterval time.Duration
	PaymentTimeout      time.Duration

	SessionTTL       time.Duration
	SessionGrace     time.Duration
	SessionKeyWindow time.Duration
	ReapInterval     time.Duration

	PumpIDs                 []string
	PumpDriverURL           string
	PumpMaxDispense         time.Duration
	PumpHandshakeTimeout    time.Duration
	PumpLitersPerActivation uint64

	NATSURL           string
	NATSSubjectPrefix string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DedupTTL      time.Duration

	OperatorTokenHash string
}

// GatewayConfig holds SMS payment gateway configuration.
type GatewayConfig struct {
	Addr          string
	MinPaymentEth float64
	AcceptRule    string
	KeyWindow     time.Duration
	MaxRecords    int

	NATSURL           string
	NATSSubjectPrefix string
}

// Load reads configuration from environment.
func Load() (*Config, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := getenv("POSTGRES_USER", "majisafe")
		pass := getenv("POSTGRES_PASSWORD", "majisafe_pass")
		db := getenv("POSTGRES_DB", "majisafe")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}

	cfg := &Config{
		DatabaseURL:   dsn,
		ServerAddr:    getenv("SERVER_ADDR", "0.0.0.0:8080"),
		MigrationsDir: getenv("MIGRATIONS_DIR", "internal/migrations"),
		RunMigrations: parseBool(getenv("RUN_MIGRATIONS", "true"), true),

		LedgerRPCURL:           getenv("LEDGER_RPC_URL", "https://rpc.api.moonbase.moonbeam.network"),
		LedgerContractAddress:  getenv("LEDGER_CONTRACT_ADDRESS", "0x4933781A5DDC86bdF9c9C9795647e763E0429E28"),
		LedgerPrivateKey:       os.Getenv("LEDGER_PRIVATE_KEY"),
		LedgerGasLimit:         parseUint(getenv("LEDGER_GAS_LIMIT", "200000"), 200000),
		LedgerMinConfirmations: parseUint(getenv("LEDGER_MIN_CONFIRMATIONS", "1"), 1),
		LedgerPollInterval:     parseDuration(getenv("LEDGER_POLL_INTERVAL", "2s"), 2*time.Second),
		LedgerDropTimeout:      parseDuration(getenv("LEDGER_DROP_TIMEOUT", "5m"), 5*time.Minute),

		PaymentGatewayURL:   getenv("PAYMENT_GATEWAY_URL", "http://localhost:5000"),
		PaymentPollInterval: parseDuration(getenv("PAYMENT_POLL_INTERVAL", "2s"), 2*time.Second),
		PaymentTimeout:      parseDuration(getenv("PAYMENT_TIMEOUT", "5s"), 5*time.Second),

		SessionTTL:       parseDuration(getenv("SESSION_TTL", "15m"), 15*time.Minute),
		SessionGrace:     parseDuration(getenv("SESSION_GRACE", "1m"), time.Minute),
		SessionKeyWindow: parseDuration(getenv("SESSION_KEY_WINDOW", "15m"), 15*time.Minute),
		ReapInterval:     parseDuration(getenv("REAP_INTERVAL", "10s"), 10*time.Second),

		PumpIDs:                 splitList(getenv("PUMP_IDS", "PUMP001")),
		PumpDriverURL:           os.Getenv("PUMP_DRIVER_URL"),
		PumpMaxDispense:         parseDuration(getenv("PUMP_MAX_DISPENSE", "10s"), 10*time.Second),
		PumpHandshakeTimeout:    parseDuration(getenv("PUMP_HANDSHAKE_TIMEOUT", "5s"), 5*time.Second),
		PumpLitersPerActivation: parseUint(getenv("PUMP_LITERS_PER_ACTIVATION", "0"), 0),

		NATSURL:           os.Getenv("NATS_URL"),
		NATSSubjectPrefix: getenv("NATS_SUBJECT_PREFIX", "majisafe.events"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       parseInt(getenv("REDIS_DB", "0"), 0),
		DedupTTL:      parseDuration(getenv("DEDUP_TTL", "24h"), 24*time.Hour),

		OperatorTokenHash: os.Getenv("OPERATOR_TOKEN_HASH"),
	}

	if len(cfg.PumpIDs) == 0 {
		return nil, fmt.Errorf("PUMP_IDS must name at least one pump")
	}
	if cfg.LedgerMinConfirmations == 0 {
		cfg.LedgerMinConfirmations = 1
	}
	if cfg.PumpMaxDispense <= 0 {
		return nil, fmt.Errorf("PUMP_MAX_DISPENSE must be positive")
	}
	return cfg, nil
}

// LoadGateway reads the SMS gateway configuration from environment.
func LoadGateway() (*GatewayConfig, error) {
	cfg := &GatewayConfig{
		Addr:          getenv("GATEWAY_ADDR", "0.0.0.0:5000"),
		MinPaymentEth: parseFloat(getenv("GATEWAY_MIN_PAYMENT_ETH", "0.001"), 0.001),
		AcceptRule:    os.Getenv("GATEWAY_ACCEPT_RULE"),
		KeyWindow:     parseDuration(getenv("SESSION_KEY_WINDOW", "15m"), 15*time.Minute),
		MaxRecords:    parseInt(getenv("GATEWAY_MAX_RECORDS", "1000"), 1000),

		NATSURL:           os.Getenv("NATS_URL"),
		NATSSubjectPrefix: getenv("NATS_SUBJECT_PREFIX", "majisafe.events"),
	}
	if cfg.MinPaymentEth < 0 {
		return nil, fmt.Errorf("GATEWAY_MIN_PAYMENT_ETH must not be negative")
	}
	return cfg, nil
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
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return def
	}
	return n
}

func parseUint(val string, def uint64) uint64 {
	n, err := strconv.ParseUint(strings.TrimSpace(val), 10, 64)
	if err != nil {
		return def
	}
	return n
}

func parseFloat(val string, def float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	if err != nil {
		return def
	}
	return f
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
