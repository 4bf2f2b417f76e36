package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL,required"`

	// AuthSecret verifies bearer tokens issued by the external session
	// service. This server never issues tokens itself.
	AuthSecret string `env:"AUTH_SECRET,required"`

	// KeyEncryptionKey seals master-key blobs before they reach the blob
	// store. Hex-encoded 32 bytes.
	KeyEncryptionKey string `env:"KEY_ENCRYPTION_KEY,required"`

	S3Bucket       string `env:"S3_BUCKET,required"`
	S3Region       string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Endpoint     string `env:"S3_ENDPOINT"`
	S3AccessKey    string `env:"S3_ACCESS_KEY"`
	S3SecretKey    string `env:"S3_SECRET_KEY"`
	S3UsePathStyle bool   `env:"S3_USE_PATH_STYLE" envDefault:"false"`

	DeviceKeyTTLHours     int `env:"DEVICE_KEY_TTL_HOURS" envDefault:"720"`
	DevicePayloadTTLSecs  int `env:"DEVICE_PAYLOAD_TTL_SECONDS" envDefault:"120"`
	KeyIssueCooldownSecs  int `env:"KEY_ISSUE_COOLDOWN_SECONDS" envDefault:"10"`
	MasterKeyCacheTTLSecs int `env:"MASTER_KEY_CACHE_TTL_SECONDS" envDefault:"60"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) DeviceKeyTTL() time.Duration {
	return time.Duration(c.DeviceKeyTTLHours) * time.Hour
}

func (c *Config) DevicePayloadTTL() time.Duration {
	return time.Duration(c.DevicePayloadTTLSecs) * time.Second
}

func (c *Config) KeyIssueCooldown() time.Duration {
	return time.Duration(c.KeyIssueCooldownSecs) * time.Second
}

func (c *Config) MasterKeyCacheTTL() time.Duration {
	return time.Duration(c.MasterKeyCacheTTLSecs) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// KEK decodes the key-encryption key.
func (c *Config) KEK() ([]byte, error) {
	key, err := hex.DecodeString(c.KeyEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decode KEY_ENCRYPTION_KEY: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("KEY_ENCRYPTION_KEY must be 32 bytes (64 hex chars)")
	}
	return key, nil
}

func (c *Config) Validate(isProduction bool) error {
	if _, err := c.KEK(); err != nil {
		return err
	}

	if isProduction {
		if err := validateSecret("AUTH_SECRET", c.AuthSecret); err != nil {
			return err
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if c.S3Endpoint != "" && strings.HasPrefix(c.S3Endpoint, "http://") {
			log.Warn().Msg("S3_ENDPOINT uses http:// in production: master key blobs travel unencrypted at the transport layer")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
