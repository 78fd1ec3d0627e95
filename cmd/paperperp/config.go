package main

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/peter-kozarec/paperperp/pkg/exchange/sandbox"
	"github.com/peter-kozarec/paperperp/pkg/middleware"
	"github.com/peter-kozarec/paperperp/pkg/tradelog"
	"github.com/peter-kozarec/paperperp/pkg/utility/fixed"
)

const (
	RouterEventCapacity = 10000
	MonitorFlags        = middleware.MonitorOrdersRejected | middleware.MonitorOrdersCancelled | middleware.MonitorFills

	DefaultTradeLogDir  = "logs"
	DefaultMarketData   = "ws://localhost:8080/books"
	DefaultMetricsAddr  = ":9090"
	reconnectBackoffMin = 500 * time.Millisecond
	reconnectBackoffMax = 30 * time.Second
)

type Config struct {
	Engine      sandbox.Configuration
	Accounts    []string
	TradeLogDir string
	DuckDBPath  string
	NATSURL     string
	NATSSubject string
	MarketData  string
	MetricsAddr string
}

// EngineConfig returns the engine configuration for one account.
func (c Config) EngineConfig(account string) sandbox.Configuration {
	cfg := c.Engine
	cfg.Account = account
	return cfg
}

// LoadConfig reads the optional .env file, then the environment. Variables
// set in the environment win over the file; unset ones keep their defaults.
func LoadConfig(envPath string) (Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", envPath, err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg := Config{
		Engine:      sandbox.DefaultConfiguration(),
		Accounts:    []string{sandbox.DefaultConfiguration().Account},
		TradeLogDir: getEnv("PAPER_TRADE_LOG_DIR", DefaultTradeLogDir),
		DuckDBPath:  os.Getenv("PAPER_DUCKDB_PATH"),
		NATSURL:     os.Getenv("PAPER_NATS_URL"),
		NATSSubject: getEnv("PAPER_NATS_SUBJECT", tradelog.DefaultSubject),
		MarketData:  getEnv("MARKET_DATA_URL", DefaultMarketData),
		MetricsAddr: getEnv("METRICS_ADDR", DefaultMetricsAddr),
	}

	var err error
	if cfg.Engine.InitialBalance, err = decimalEnv("PAPER_INITIAL_BALANCE", cfg.Engine.InitialBalance); err != nil {
		return Config{}, err
	}
	if cfg.Engine.MaxLeverage, err = decimalEnv("PAPER_MAX_LEVERAGE", cfg.Engine.MaxLeverage); err != nil {
		return Config{}, err
	}
	if cfg.Engine.MakerFeeRate, err = decimalEnv("PAPER_MAKER_FEE_RATE", cfg.Engine.MakerFeeRate); err != nil {
		return Config{}, err
	}
	if cfg.Engine.TakerFeeRate, err = decimalEnv("PAPER_TAKER_FEE_RATE", cfg.Engine.TakerFeeRate); err != nil {
		return Config{}, err
	}

	delayMs, err := intEnv("PAPER_FILL_DELAY_MS", int(cfg.Engine.FillDelay/time.Millisecond))
	if err != nil {
		return Config{}, err
	}
	cfg.Engine.FillDelay = time.Duration(delayMs) * time.Millisecond

	if cfg.Engine.BookDepth, err = intEnv("PAPER_BOOK_DEPTH", cfg.Engine.BookDepth); err != nil {
		return Config{}, err
	}

	if accounts := splitList(os.Getenv("PAPER_ACCOUNTS")); len(accounts) > 0 {
		cfg.Accounts = accounts
	}

	if err := cfg.Engine.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func decimalEnv(key string, defaultValue fixed.Point) (fixed.Point, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	p, err := fixed.FromString(value)
	if err != nil {
		return fixed.Point{}, fmt.Errorf("%s: %w", key, err)
	}
	return p, nil
}

func intEnv(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// splitList splits a comma separated list, dropping blanks and duplicates.
func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item == "" || slices.Contains(out, item) {
			continue
		}
		out = append(out, item)
	}
	return out
}
