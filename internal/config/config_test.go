package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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
	// Set required env vars
	setEnv(t, "PRIVATE_KEY", "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	setEnv(t, "ESCROW_CONTRACT", "0x1234567890123456789012345678901234567890")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultRPCURL, cfg.RPCURL)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, int64(DefaultFeeBps), cfg.FeeBps)
	assert.Equal(t, 48*time.Hour, cfg.TransferTimeout)
	assert.Equal(t, 72*time.Hour, cfg.ConfirmTimeout)
	assert.Equal(t, 14*24*time.Hour, cfg.ListingTTL)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
}

func TestLoad_MissingPrivateKey(t *testing.T) {
	// Clear private key
	setEnv(t, "PRIVATE_KEY", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "PRIVATE_KEY is required")
}

func TestLoad_InvalidPrivateKeyLength(t *testing.T) {
	setEnv(t, "PRIVATE_KEY", "tooshort")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "64 hex characters")
}

func TestLoad_DeadlineOverrides(t *testing.T) {
	setEnv(t, "PRIVATE_KEY", "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	setEnv(t, "ESCROW_CONTRACT", "0x1234567890123456789012345678901234567890")
	setEnv(t, "TRANSFER_TIMEOUT", "24h")
	setEnv(t, "SWEEP_INTERVAL", "30s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 24*time.Hour, cfg.TransferTimeout)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		PrivateKey:     "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		RPCURL:         "https://sepolia.base.org",
		EscrowContract: "0x1234567890123456789012345678901234567890",
		FeeBps:         250,
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "missing private key",
			mutate:  func(c *Config) { c.PrivateKey = "" },
			wantErr: "PRIVATE_KEY is required",
		},
		{
			name:    "invalid private key length",
			mutate:  func(c *Config) { c.PrivateKey = "abc123" },
			wantErr: "64 hex characters",
		},
		{
			name:    "prefixed private key accepted",
			mutate:  func(c *Config) { c.PrivateKey = "0x" + c.PrivateKey },
			wantErr: "",
		},
		{
			name:    "missing RPC URL",
			mutate:  func(c *Config) { c.RPCURL = "" },
			wantErr: "RPC_URL is required",
		},
		{
			name:    "missing escrow contract",
			mutate:  func(c *Config) { c.EscrowContract = "" },
			wantErr: "ESCROW_CONTRACT is required",
		},
		{
			name:    "fee above 100 percent",
			mutate:  func(c *Config) { c.FeeBps = 10001 },
			wantErr: "FEE_BPS",
		},
		{
			name:    "negative fee",
			mutate:  func(c *Config) { c.FeeBps = -1 },
			wantErr: "FEE_BPS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90m")
	setEnv(t, "TEST_DUR_BAD", "soon")

	assert.Equal(t, 90*time.Minute, getEnvDuration("TEST_DUR", time.Hour))
	assert.Equal(t, time.Hour, getEnvDuration("TEST_DUR_BAD", time.Hour))
	assert.Equal(t, time.Hour, getEnvDuration("NONEXISTENT_VAR", time.Hour))
}
