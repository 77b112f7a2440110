package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("GATEWAY_SECRET_KEY", "sk_test")
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, ":8080", cfg.HTTPAddr)
		assert.Equal(t, 10*time.Second, cfg.GatewayTimeout)
		assert.Equal(t, 30*time.Second, cfg.FinalizeLease)
		assert.Equal(t, 10*time.Second, cfg.VerifyTimeout)
		assert.True(t, cfg.FeePercent.IsZero())
		assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("GATEWAY_SECRET_KEY", "sk_test")
		t.Setenv("GATEWAY_TIMEOUT", "3s")
		t.Setenv("FEE_PERCENT", "5")
		t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 3*time.Second, cfg.GatewayTimeout)
		assert.True(t, cfg.FeePercent.Equal(decimal.NewFromInt(5)))
		assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	})

	t.Run("missing secret", func(t *testing.T) {
		t.Setenv("GATEWAY_SECRET_KEY", "")
		_, err := Load()
		assert.ErrorContains(t, err, "GATEWAY_SECRET_KEY")
	})

	t.Run("bad duration", func(t *testing.T) {
		t.Setenv("GATEWAY_SECRET_KEY", "sk_test")
		t.Setenv("FINALIZE_LEASE", "soon")
		_, err := Load()
		assert.ErrorContains(t, err, "FINALIZE_LEASE")
	})

	t.Run("lease not longer than verify", func(t *testing.T) {
		t.Setenv("GATEWAY_SECRET_KEY", "sk_test")
		t.Setenv("VERIFY_TIMEOUT", "30s")
		t.Setenv("FINALIZE_LEASE", "30s")
		_, err := Load()
		assert.ErrorContains(t, err, "FINALIZE_LEASE")
		assert.ErrorContains(t, err, "VERIFY_TIMEOUT")
	})

	t.Run("lease longer than verify", func(t *testing.T) {
		t.Setenv("GATEWAY_SECRET_KEY", "sk_test")
		t.Setenv("VERIFY_TIMEOUT", "5s")
		t.Setenv("FINALIZE_LEASE", "6s")
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 5*time.Second, cfg.VerifyTimeout)
	})
}
