package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearhold/clearhold/internal/network"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "FEE_RECIPIENT", "0x1234567890123456789012345678901234567890")
	setEnv(t, "PORT", "9090")
	setEnv(t, "SETTLEMENT_NETWORK", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, network.Base, cfg.SettlementNetwork)
	assert.Equal(t, DefaultProviderTimeout, cfg.RouteProviderTimeout)
}

func TestLoad_MissingFeeRecipient(t *testing.T) {
	setEnv(t, "FEE_RECIPIENT", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "FEE_RECIPIENT is required")
}

func TestLoad_UnknownSettlementNetwork(t *testing.T) {
	setEnv(t, "FEE_RECIPIENT", "0x1234567890123456789012345678901234567890")
	setEnv(t, "SETTLEMENT_NETWORK", "dogechain")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown network")
}

func TestLoad_ProviderTimeoutFormats(t *testing.T) {
	setEnv(t, "FEE_RECIPIENT", "0x1234567890123456789012345678901234567890")
	setEnv(t, "SETTLEMENT_NETWORK", "base")

	setEnv(t, "ROUTE_PROVIDER_TIMEOUT", "3s")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.RouteProviderTimeout)

	// Bare integers are seconds
	setEnv(t, "ROUTE_PROVIDER_TIMEOUT", "7")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, cfg.RouteProviderTimeout)
}

func TestConfig_EnvHelpers(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.True(t, cfg.IsProduction())
}
