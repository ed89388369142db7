// Package config loads the process configuration from environment variables
// and translates it into the component configs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Stratton1/SOLATv3.1-sub000/broker"
	"github.com/Stratton1/SOLATv3.1-sub000/execution"
	"github.com/Stratton1/SOLATv3.1-sub000/feeds"
	"github.com/Stratton1/SOLATv3.1-sub000/gates"
	"github.com/Stratton1/SOLATv3.1-sub000/risk"
	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

// Config holds all configuration for the platform
type Config struct {
	// Mode
	Mode     types.Mode
	Env      string
	Host     string
	Port     int
	DataDir  string
	LogLevel string

	// Symbols: symbol -> IG epic
	EpicBySymbol map[string]string

	// IG broker
	IGAPIKey         string
	IGUsername       string
	IGPassword       string
	IGAccountID      string
	IGBaseURL        string
	IGStreamURL      string
	IGRequestTimeout time.Duration
	IGMaxRetries     int
	IGRateLimitRPS   float64
	IGRateLimitBurst int

	// Live gates
	LiveTradingEnabled bool
	LiveEnableToken    string
	LiveAccountID      string
	LiveMaxOrderSize   decimal.Decimal
	ConfirmationTTL    time.Duration
	PreliveMaxAge      time.Duration

	// Risk
	MaxPositionSize        decimal.Decimal
	MaxConcurrentPositions int
	MaxDailyLossPct        decimal.Decimal
	MaxTradesPerHour       int
	PerSymbolExposureCap   decimal.Decimal
	RequireSL              bool
	CloseOnKillSwitch      bool
	RequireArmConfirmation bool
	DemoMaxOrderSize       decimal.Decimal

	// Market data
	MarketDataMode   string // stream or poll
	PollInterval     time.Duration
	MaxQuotesPerSec  int
	MaxSubscriptions int
	PersistBars      bool
	StaleThreshold   time.Duration
	BarstoreDSN      string

	// Telegram (optional)
	TelegramToken  string
	TelegramChatID int64
}

// Load reads the environment. Only structurally invalid values are errors;
// missing optional settings fall back to defaults.
func Load() (*Config, error) {
	mode := types.Mode(strings.ToUpper(getEnv("MODE", string(types.ModeDemo))))
	if mode != types.ModeDemo && mode != types.ModeLive {
		return nil, fmt.Errorf("invalid MODE %q, want DEMO or LIVE", mode)
	}

	baseURL := os.Getenv("IG_BASE_URL_DEMO")
	if mode == types.ModeLive {
		baseURL = os.Getenv("IG_BASE_URL_LIVE")
	}

	cfg := &Config{
		Mode:     mode,
		Env:      getEnv("ENV", "dev"),
		Host:     getEnv("HOST", "127.0.0.1"),
		Port:     getEnvInt("PORT", 8080),
		DataDir:  getEnv("DATA_DIR", "data"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		IGAPIKey:         os.Getenv("IG_API_KEY"),
		IGUsername:       os.Getenv("IG_USERNAME"),
		IGPassword:       os.Getenv("IG_PASSWORD"),
		IGAccountID:      os.Getenv("IG_ACCOUNT_ID"),
		IGBaseURL:        baseURL,
		IGStreamURL:      os.Getenv("IG_STREAM_URL"),
		IGRequestTimeout: time.Duration(getEnvInt("IG_REQUEST_TIMEOUT_S", 15)) * time.Second,
		IGMaxRetries:     getEnvInt("IG_MAX_RETRIES", 3),
		IGRateLimitRPS:   getEnvFloat("IG_RATE_LIMIT_RPS", 2),
		IGRateLimitBurst: getEnvInt("IG_RATE_LIMIT_BURST", 4),

		LiveTradingEnabled: getEnvBool("LIVE_TRADING_ENABLED", false),
		LiveEnableToken:    os.Getenv("LIVE_ENABLE_TOKEN"),
		LiveAccountID:      os.Getenv("LIVE_ACCOUNT_ID"),
		LiveMaxOrderSize:   getEnvDecimal("LIVE_MAX_ORDER_SIZE", decimal.Zero),
		ConfirmationTTL:    time.Duration(getEnvInt("LIVE_CONFIRMATION_TTL_S", 300)) * time.Second,
		PreliveMaxAge:      time.Duration(getEnvInt("LIVE_PRELIVE_MAX_AGE_S", 86400)) * time.Second,

		MaxPositionSize:        getEnvDecimal("MAX_POSITION_SIZE", decimal.Zero),
		MaxConcurrentPositions: getEnvInt("MAX_CONCURRENT_POSITIONS", 0),
		MaxDailyLossPct:        getEnvDecimal("MAX_DAILY_LOSS_PCT", decimal.Zero),
		MaxTradesPerHour:       getEnvInt("MAX_TRADES_PER_HOUR", 0),
		PerSymbolExposureCap:   getEnvDecimal("PER_SYMBOL_EXPOSURE_CAP", decimal.Zero),
		RequireSL:              getEnvBool("REQUIRE_SL", true),
		CloseOnKillSwitch:      getEnvBool("CLOSE_ON_KILL_SWITCH", true),
		RequireArmConfirmation: getEnvBool("REQUIRE_ARM_CONFIRMATION", true),
		DemoMaxOrderSize:       getEnvDecimal("DEMO_MAX_ORDER_SIZE", decimal.NewFromInt(50)),

		MarketDataMode:   getEnv("MARKET_DATA_MODE", "stream"),
		PollInterval:     time.Duration(getEnvInt("MARKET_DATA_POLL_INTERVAL_MS", 5000)) * time.Millisecond,
		MaxQuotesPerSec:  getEnvInt("MARKET_DATA_MAX_QUOTES_PER_SEC", 4),
		MaxSubscriptions: getEnvInt("MARKET_DATA_MAX_SUBSCRIPTIONS", 40),
		PersistBars:      getEnvBool("MARKET_DATA_PERSIST_BARS", true),
		StaleThreshold:   time.Duration(getEnvInt("MARKET_DATA_STALE_THRESHOLD_S", 30)) * time.Second,
		BarstoreDSN:      getEnv("BARSTORE_DSN", ""),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	cfg.EpicBySymbol = parseSymbols(getEnv("SYMBOLS", "EURUSD:CS.D.EURUSD.MINI.IP"))
	if len(cfg.EpicBySymbol) == 0 {
		return nil, fmt.Errorf("SYMBOLS must map at least one symbol to an epic")
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if cfg.BarstoreDSN == "" {
		cfg.BarstoreDSN = cfg.DataDir + "/bars.db"
	}

	return cfg, nil
}

// parseSymbols parses "EURUSD:CS.D.EURUSD.MINI.IP,GBPUSD:CS.D.GBPUSD.MINI.IP".
func parseSymbols(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		symbol, epic, ok := strings.Cut(pair, ":")
		if !ok || symbol == "" || epic == "" {
			continue
		}
		out[strings.ToUpper(symbol)] = epic
	}
	return out
}

// Risk builds the risk engine config.
func (c *Config) Risk() risk.Config {
	return risk.Config{
		MaxPositionSize:        c.MaxPositionSize,
		MaxConcurrentPositions: c.MaxConcurrentPositions,
		MaxDailyLossPct:        c.MaxDailyLossPct,
		MaxTradesPerHour:       c.MaxTradesPerHour,
		PerSymbolExposureCap:   c.PerSymbolExposureCap,
		RequireSL:              c.RequireSL,
	}
}

// Gates builds the LIVE gate config.
func (c *Config) Gates() gates.Config {
	return gates.Config{
		LiveTradingEnabled: c.LiveTradingEnabled,
		LiveEnableToken:    c.LiveEnableToken,
		LiveAccountID:      c.LiveAccountID,
		LiveMaxOrderSize:   c.LiveMaxOrderSize,
		ConfirmationTTL:    c.ConfirmationTTL,
		PreliveMaxAge:      c.PreliveMaxAge,
		Risk:               c.Risk(),
	}
}

// Router builds the order router config.
func (c *Config) Router() execution.RouterConfig {
	accountID := c.IGAccountID
	if c.Mode == types.ModeLive && c.LiveAccountID != "" {
		accountID = c.LiveAccountID
	}
	return execution.RouterConfig{
		Mode:           c.Mode,
		AccountID:      accountID,
		CurrencyCode:   getEnv("IG_CURRENCY_CODE", "GBP"),
		EpicBySymbol:   c.EpicBySymbol,
		DemoArmEnabled: !c.RequireArmConfirmation,
	}
}

// IG builds the broker client config.
func (c *Config) IG() broker.IGConfig {
	epicSymbols := make(map[string]string, len(c.EpicBySymbol))
	for symbol, epic := range c.EpicBySymbol {
		epicSymbols[epic] = symbol
	}
	return broker.IGConfig{
		BaseURL:     c.IGBaseURL,
		APIKey:      c.IGAPIKey,
		Identifier:  c.IGUsername,
		Password:    c.IGPassword,
		AccountID:   c.IGAccountID,
		EpicSymbols: epicSymbols,
		RPS:         c.IGRateLimitRPS,
		Burst:       c.IGRateLimitBurst,
		Timeout:     c.IGRequestTimeout,
		MaxRetries:  c.IGMaxRetries,
	}
}

// Feeds builds the market data controller config.
func (c *Config) Feeds() feeds.ControllerConfig {
	return feeds.ControllerConfig{
		StaleAfter: c.StaleThreshold,
	}
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
