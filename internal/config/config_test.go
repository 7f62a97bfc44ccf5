package config

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultSteamRateLimit, cfg.SteamRateLimitPerMinute)
	assert.Equal(t, DefaultTradeTimeout, cfg.TradeTimeoutSeconds)
	assert.Equal(t, DefaultAwaitLegTimeout, cfg.AwaitLegTimeoutSeconds)
	assert.True(t, cfg.PlatformFeePercent.Equal(decimal.RequireFromString("5.0")))
	assert.False(t, cfg.MaintenanceMode)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STEAM_RATE_LIMIT_PER_MINUTE", "40")
	t.Setenv("PLATFORM_FEE_PERCENT", "7.5")
	t.Setenv("MAINTENANCE_MODE", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 40, cfg.SteamRateLimitPerMinute)
	assert.True(t, cfg.PlatformFeePercent.Equal(decimal.RequireFromString("7.5")))
	assert.True(t, cfg.MaintenanceMode)
}

func TestBotCredentialsParsing(t *testing.T) {
	t.Setenv("STEAM_BOTS", `[{"steam_id":"76561198000000001","account_name":"bot01","password":"p","shared_secret":"s","identity_secret":"i"}]`)
	t.Setenv("BOT_SECRETS_KEY", "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Bots, 1)
	assert.Equal(t, "bot01", cfg.Bots[0].AccountName)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"zero rate limit", "STEAM_RATE_LIMIT_PER_MINUTE", "0"},
		{"negative fee", "PLATFORM_FEE_PERCENT", "-1"},
		{"fee over 100", "PLATFORM_FEE_PERCENT", "101"},
		{"zero trade timeout", "TRADE_TIMEOUT_SECONDS", "0"},
		{"bots without key", "STEAM_BOTS", `[{"steam_id":"76561198000000001","account_name":"bot01"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestInvertedPriceBounds(t *testing.T) {
	t.Setenv("MIN_LISTING_PRICE", "100")
	t.Setenv("MAX_LISTING_PRICE", "10")
	_, err := Load()
	assert.Error(t, err)
}
