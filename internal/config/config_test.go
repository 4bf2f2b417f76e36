package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKEK = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("AUTH_SECRET", "test-auth-secret")
	t.Setenv("KEY_ENCRYPTION_KEY", testKEK)
	t.Setenv("S3_BUCKET", "test-bucket")
}

func TestConfigMethods(t *testing.T) {
	t.Run("Addr returns formatted port", func(t *testing.T) {
		cfg := &Config{Port: 3000}
		assert.Equal(t, ":3000", cfg.Addr())
	})

	t.Run("DeviceKeyTTL converts hours to duration", func(t *testing.T) {
		cfg := &Config{DeviceKeyTTLHours: 720}
		assert.Equal(t, 720*time.Hour, cfg.DeviceKeyTTL())
	})

	t.Run("DevicePayloadTTL converts seconds to duration", func(t *testing.T) {
		cfg := &Config{DevicePayloadTTLSecs: 120}
		assert.Equal(t, 120*time.Second, cfg.DevicePayloadTTL())
	})

	t.Run("KeyIssueCooldown converts seconds to duration", func(t *testing.T) {
		cfg := &Config{KeyIssueCooldownSecs: 10}
		assert.Equal(t, 10*time.Second, cfg.KeyIssueCooldown())
	})

	t.Run("MasterKeyCacheTTL converts seconds to duration", func(t *testing.T) {
		cfg := &Config{MasterKeyCacheTTLSecs: 60}
		assert.Equal(t, 60*time.Second, cfg.MasterKeyCacheTTL())
	})
}

func TestKEK(t *testing.T) {
	t.Run("decodes a 32-byte hex key", func(t *testing.T) {
		cfg := &Config{KeyEncryptionKey: testKEK}
		key, err := cfg.KEK()
		require.NoError(t, err)
		assert.Len(t, key, 32)
	})

	t.Run("rejects non-hex input", func(t *testing.T) {
		cfg := &Config{KeyEncryptionKey: "not hex at all"}
		_, err := cfg.KEK()
		assert.Error(t, err)
	})

	t.Run("rejects wrong length", func(t *testing.T) {
		cfg := &Config{KeyEncryptionKey: "abcd"}
		_, err := cfg.KEK()
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			KeyEncryptionKey: testKEK,
			AuthSecret:       strings.Repeat("x", 40),
			RedisURL:         "rediss://localhost:6380",
		}
	}

	t.Run("passes with strong secrets", func(t *testing.T) {
		assert.NoError(t, base().Validate(true))
	})

	t.Run("rejects short auth secret in production", func(t *testing.T) {
		cfg := base()
		cfg.AuthSecret = "short"
		assert.Error(t, cfg.Validate(true))
	})

	t.Run("rejects known weak secret in production", func(t *testing.T) {
		cfg := base()
		cfg.AuthSecret = "change-me"
		assert.Error(t, cfg.Validate(true))
	})

	t.Run("allows weak secrets outside production", func(t *testing.T) {
		cfg := base()
		cfg.AuthSecret = "dev"
		assert.NoError(t, cfg.Validate(false))
	})

	t.Run("always rejects a bad key encryption key", func(t *testing.T) {
		cfg := base()
		cfg.KeyEncryptionKey = "bad"
		assert.Error(t, cfg.Validate(false))
	})
}

func TestLoad(t *testing.T) {
	t.Run("loads config with defaults", func(t *testing.T) {
		setRequiredEnv(t)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 8080, cfg.Port)
		assert.Equal(t, "postgres://localhost/test", cfg.DatabaseURL)
		assert.Equal(t, "us-east-1", cfg.S3Region)
		assert.Equal(t, 720, cfg.DeviceKeyTTLHours)
		assert.Equal(t, 120, cfg.DevicePayloadTTLSecs)
		assert.Equal(t, 10, cfg.KeyIssueCooldownSecs)
		assert.Equal(t, 60, cfg.MasterKeyCacheTTLSecs)
		assert.Equal(t, "info", cfg.LogLevel)
	})

	t.Run("loads custom values", func(t *testing.T) {
		setRequiredEnv(t)
		t.Setenv("PORT", "3000")
		t.Setenv("DEVICE_PAYLOAD_TTL_SECONDS", "30")
		t.Setenv("LOG_LEVEL", "debug")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Port)
		assert.Equal(t, 30, cfg.DevicePayloadTTLSecs)
		assert.Equal(t, "debug", cfg.LogLevel)
	})

	t.Run("fails without required DATABASE_URL", func(t *testing.T) {
		setRequiredEnv(t)
		os.Unsetenv("DATABASE_URL")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("fails without required S3_BUCKET", func(t *testing.T) {
		setRequiredEnv(t)
		os.Unsetenv("S3_BUCKET")

		_, err := Load()
		assert.Error(t, err)
	})
}
