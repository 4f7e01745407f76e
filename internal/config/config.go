// Package config loads runtime configuration from the environment.
// Every knob has a default so the server starts with no env at all
// (in-memory store, bots on, ledger off).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the full runtime configuration.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	LedgerMode string

	InitialUserPoints decimal.Decimal
	InitialAMMPoints  decimal.Decimal
	DefaultB          decimal.Decimal

	PoolSize    int
	MaxOverflow int
	PoolRecycle time.Duration
	PoolPrePing bool

	EnableBots       bool
	TradeCooldown    time.Duration
	AllowedUsernames []string
}

// Load reads the configuration from the environment.
func Load() Config {
	return Config{
		Port:        envString("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		CacheTTL:    envSeconds("CACHE_TTL_SECONDS", 30),

		LedgerMode: envString("LEDGER_MODE", "off"),

		InitialUserPoints: envDecimal("INITIAL_USER_POINTS", 1000),
		InitialAMMPoints:  envDecimal("INITIAL_AMM_POINTS", 10000),
		DefaultB:          envDecimal("DEFAULT_B", 20),

		PoolSize:    envInt("DB_POOL_SIZE", 5),
		MaxOverflow: envInt("DB_MAX_OVERFLOW", 10),
		PoolRecycle: envSeconds("DB_POOL_RECYCLE_SECONDS", 1800),
		PoolPrePing: envBool("DB_POOL_PRE_PING", true),

		EnableBots:       envBool("ENABLE_BOTS", true),
		TradeCooldown:    envSeconds("TRADE_COOLDOWN_SECONDS", 3),
		AllowedUsernames: envList("ALLOWED_USERNAMES"),
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envSeconds(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Second
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDecimal(key string, def int64) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil && d.GreaterThan(decimal.Zero) {
			return d
		}
	}
	return decimal.NewFromInt(def)
}

// envList parses a comma-separated value; blanks are dropped.
func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
