package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", strings.Repeat("k", 32))
	t.Setenv("JWT_SECRET", strings.Repeat("s", 32))
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Port)
	assert.Equal(t, "users.db", cfg.DBPath)
	assert.Equal(t, "bitget", cfg.Exchange)
	assert.Equal(t, 10*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, 5*time.Second, cfg.StorageTimeout)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	assert.False(t, cfg.IsProduction())
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "9090")
	t.Setenv("EXCHANGE", "PAPER")
	t.Setenv("GATEWAY_TIMEOUT", "2s")
	t.Setenv("PAPER_BALANCE", "2500.5")
	t.Setenv("ENV", "production")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "paper", cfg.Exchange)
	assert.Equal(t, 2*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, 2500.5, cfg.PaperBalance)
	assert.True(t, cfg.IsProduction())
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"short encryption key", "ENCRYPTION_KEY", "short", "ENCRYPTION_KEY"},
		{"short jwt secret", "JWT_SECRET", "short", "JWT_SECRET"},
		{"unknown exchange", "EXCHANGE", "kraken", "EXCHANGE"},
		{"bad port", "PORT", "70000", "PORT"},
		{"zero gateway timeout", "GATEWAY_TIMEOUT", "0s", "GATEWAY_TIMEOUT"},
		{"success rate above one", "PAPER_SUCCESS_RATE", "1.5", "PAPER_SUCCESS_RATE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.val)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
