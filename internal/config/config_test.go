package config

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, types.ModeDemo, cfg.Mode)
	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, map[string]string{"EURUSD": "CS.D.EURUSD.MINI.IP"}, cfg.EpicBySymbol)
	assert.True(t, cfg.RequireSL)
	assert.True(t, cfg.CloseOnKillSwitch)
	assert.Equal(t, "data/bars.db", cfg.BarstoreDSN)
}

func TestLoadRejectsBadMode(t *testing.T) {
	t.Setenv("MODE", "paper")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MODE")
}

func TestLoadParsesSymbolMap(t *testing.T) {
	t.Setenv("SYMBOLS", "eurusd:CS.D.EURUSD.MINI.IP, GBPUSD:CS.D.GBPUSD.MINI.IP,,broken")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"EURUSD": "CS.D.EURUSD.MINI.IP",
		"GBPUSD": "CS.D.GBPUSD.MINI.IP",
	}, cfg.EpicBySymbol, "symbols uppercased, malformed pairs dropped")
}

func TestLoadBaseURLFollowsMode(t *testing.T) {
	t.Setenv("IG_BASE_URL_DEMO", "https://demo-api.example.com")
	t.Setenv("IG_BASE_URL_LIVE", "https://api.example.com")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://demo-api.example.com", cfg.IGBaseURL)

	t.Setenv("MODE", "LIVE")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", cfg.IGBaseURL)
}

func TestComponentConfigs(t *testing.T) {
	t.Setenv("MAX_POSITION_SIZE", "5")
	t.Setenv("MAX_CONCURRENT_POSITIONS", "3")
	t.Setenv("MAX_DAILY_LOSS_PCT", "2.5")
	t.Setenv("LIVE_TRADING_ENABLED", "true")
	t.Setenv("LIVE_ACCOUNT_ID", "Z123")
	t.Setenv("IG_ACCOUNT_ID", "D456")
	t.Setenv("REQUIRE_ARM_CONFIRMATION", "false")

	cfg, err := Load()
	require.NoError(t, err)

	riskCfg := cfg.Risk()
	assert.True(t, riskCfg.MaxPositionSize.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, 3, riskCfg.MaxConcurrentPositions)
	assert.True(t, riskCfg.MaxDailyLossPct.Equal(decimal.NewFromFloat(2.5)))

	gatesCfg := cfg.Gates()
	assert.True(t, gatesCfg.LiveTradingEnabled)
	assert.Equal(t, "Z123", gatesCfg.LiveAccountID)

	routerCfg := cfg.Router()
	assert.Equal(t, types.ModeDemo, routerCfg.Mode)
	assert.Equal(t, "D456", routerCfg.AccountID, "DEMO routes to the IG account")
	assert.True(t, routerCfg.DemoArmEnabled)

	igCfg := cfg.IG()
	assert.Equal(t, "EURUSD", igCfg.EpicSymbols["CS.D.EURUSD.MINI.IP"])
}
