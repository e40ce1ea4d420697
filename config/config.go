package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Instrument
	Pair          string
	PriceStepUnit decimal.Decimal

	// Anchor schedule (local wall-clock time of the reference candle)
	AnchorLocalHour   int
	AnchorLocalMinute int
	LocalUTCOffset    int

	// Feeds
	KrakenRESTURL    string
	KrakenWSURL      string
	PollInterval     time.Duration
	PrimeLookback    time.Duration
	TickStaleAfter   time.Duration
	BreakoutTieBreak string

	// Verification
	VerifyEnabled  bool
	VerifyInterval time.Duration
	VerifyDelay    time.Duration

	// Storage
	SQLitePath   string
	JournalPath  string
	ResetOnStart bool

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	MetricsAddr   string
	APIAddr       string

	// Notification sinks (optional, empty disables)
	WebhookURL       string
	TelegramToken    string
	TelegramChatID   string
}

// Load reads configuration from environment variables. Defaults apply only
// when a variable is unset; a value that is set but unparsable is fatal, as
// are missing required variables and out-of-range values.
func Load() *Config {
	c := &Config{
		Pair:          getEnv("PAIR", "XRPUSD"),
		PriceStepUnit: mustDecimal("PRICE_STEP_UNIT", "0.0001"),

		AnchorLocalHour:   mustInt("ANCHOR_LOCAL_HOUR"),
		AnchorLocalMinute: mustInt("ANCHOR_LOCAL_MINUTE"),
		LocalUTCOffset:    mustInt("LOCAL_UTC_OFFSET"),

		KrakenRESTURL:    getEnv("KRAKEN_REST_URL", "https://api.kraken.com"),
		KrakenWSURL:      getEnv("KRAKEN_WS_URL", "wss://ws.kraken.com/"),
		PollInterval:     getEnvSeconds("POLL_INTERVAL_SEC", 10),
		PrimeLookback:    time.Duration(getEnvInt("PRIME_LOOKBACK_MIN", 120)) * time.Minute,
		TickStaleAfter:   getEnvSeconds("TICK_STALE_AFTER_SEC", 10),
		BreakoutTieBreak: getEnv("BREAKOUT_TIE_BREAK", "distance"),

		VerifyEnabled:  getEnvBool("VERIFY_ENABLED", true),
		VerifyInterval: getEnvSeconds("VERIFY_INTERVAL_SEC", 20),
		VerifyDelay:    getEnvSeconds("VERIFY_DELAY_SEC", 5),

		SQLitePath:   getEnv("SQLITE_PATH", "data/candles.db"),
		JournalPath:  getEnv("JOURNAL_PATH", "data/journal.db"),
		ResetOnStart: getEnvBool("RESET_STORAGE_ON_START", false),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		APIAddr:       getEnv("API_ADDR", ":8080"),

		WebhookURL:     getEnv("WEBHOOK_URL", ""),
		TelegramToken:  getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID: getEnv("TELEGRAM_CHAT_ID", ""),
	}

	if c.AnchorLocalHour < 0 || c.AnchorLocalHour > 23 {
		log.Fatalf("[config] ANCHOR_LOCAL_HOUR out of range: %d", c.AnchorLocalHour)
	}
	if c.AnchorLocalMinute < 0 || c.AnchorLocalMinute > 59 {
		log.Fatalf("[config] ANCHOR_LOCAL_MINUTE out of range: %d", c.AnchorLocalMinute)
	}
	if c.LocalUTCOffset < -12 || c.LocalUTCOffset > 14 {
		log.Fatalf("[config] LOCAL_UTC_OFFSET out of range: %d", c.LocalUTCOffset)
	}
	if !c.PriceStepUnit.IsPositive() {
		log.Fatalf("[config] PRICE_STEP_UNIT must be positive, got %s", c.PriceStepUnit)
	}
	switch c.BreakoutTieBreak {
	case "distance", "long", "short":
	default:
		log.Fatalf("[config] BREAKOUT_TIE_BREAK must be distance, long or short, got %q", c.BreakoutTieBreak)
	}
	if c.PollInterval <= 0 || c.VerifyInterval <= 0 || c.VerifyDelay < 0 {
		log.Fatalf("[config] poll/verify intervals must be positive")
	}

	return c
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func mustInt(key string) int {
	v := mustEnv(key)
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("[config] %s must be an integer, got %q", key, v)
	}
	return n
}

func mustDecimal(key, fallback string) decimal.Decimal {
	v := getEnv(key, fallback)
	d, err := decimal.NewFromString(v)
	if err != nil {
		log.Fatalf("[config] %s must be a decimal number, got %q", key, v)
	}
	return d
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("[config] %s must be an integer, got %q", key, v)
	}
	return n
}

func getEnvSeconds(key string, fallbackSec int) time.Duration {
	return time.Duration(getEnvInt(key, fallbackSec)) * time.Second
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Fatalf("[config] %s must be a boolean, got %q", key, v)
	}
	return b
}
