package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/stillwater-app/journal-server-go/internal/crypto"
	"github.com/stillwater-app/journal-server-go/internal/model"
	redisclient "github.com/stillwater-app/journal-server-go/internal/redis"
)

var (
	// ErrKeyUnavailable is the uniform failure for every device-key
	// problem: unknown key id, wrong platform, wrong user, bad token, or
	// expired payload. Clients recover by repeating the key exchange; the
	// specific check that failed is never disclosed.
	ErrKeyUnavailable = errors.New("device key unavailable")

	// ErrKeyIssueRatelimited bounds abuse of the modular exponentiation:
	// one successful issuance per user per cool-down window.
	ErrKeyIssueRatelimited = errors.New("device key issuance rate limited")

	ErrInvalidPlatform = errors.New("invalid platform")
)

type BeginKeyExchangeResult struct {
	KeyID        string `json:"keyId"`
	ServerPublic string `json:"serverPublic"`
	Salt         string `json:"salt"`
}

// DeviceKeyService performs the per-device DH handshake and holds the
// derived transport keys in the coordination store. A key is bound to the
// user and platform it was issued for and never crosses either.
type DeviceKeyService struct {
	redis      *redisclient.Client
	keyTTL     time.Duration
	payloadTTL time.Duration
	cooldown   time.Duration
}

func NewDeviceKeyService(
	redis *redisclient.Client,
	keyTTL, payloadTTL, cooldown time.Duration,
) *DeviceKeyService {
	return &DeviceKeyService{
		redis:      redis,
		keyTTL:     keyTTL,
		payloadTTL: payloadTTL,
		cooldown:   cooldown,
	}
}

// Begin runs the server side of the DH handshake and returns the key id,
// the server public value, and the HKDF salt. The salt is not secret.
func (s *DeviceKeyService) Begin(
	ctx context.Context,
	userID string,
	platform model.Platform,
	clientPublicB64 string,
) (*BeginKeyExchangeResult, error) {
	if !platform.Valid() {
		return nil, ErrInvalidPlatform
	}

	cooldownKey := redisclient.DeviceKeyCooldownKey(userID)
	ok, err := s.redis.SetNX(ctx, cooldownKey, 1, s.cooldown).Result()
	if err != nil {
		return nil, fmt.Errorf("issuance cooldown check: %w", err)
	}
	if !ok {
		return nil, ErrKeyIssueRatelimited
	}

	// The window only counts successful issuance. A handshake that dies
	// on a bad public value or a store failure hands the claim back.
	issued := false
	defer func() {
		if issued {
			return
		}
		if err := s.redis.Del(ctx, cooldownKey).Err(); err != nil {
			log.Warn().Err(err).Str("userId", userID).Msg("failed to release issuance cooldown")
		}
	}()

	clientPublic, err := crypto.DecodePublic(clientPublicB64)
	if err != nil {
		return nil, fmt.Errorf("client public value: %w", err)
	}

	priv, err := crypto.GeneratePrivate()
	if err != nil {
		return nil, err
	}
	serverPublic := crypto.PublicValue(priv)

	secret, err := crypto.SharedSecret(clientPublic, priv)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(secret)

	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, err
	}

	key, err := crypto.DeriveTransportKey(secret, salt)
	if err != nil {
		return nil, err
	}

	keyID := uuid.NewString()
	redisKey := redisclient.DeviceKeyKey(keyID)

	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, redisKey, map[string]any{
		"key":      key.Encode(),
		"platform": string(platform),
		"userId":   userID,
	})
	pipe.Expire(ctx, redisKey, s.keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("store device key: %w", err)
	}
	issued = true

	log.Info().
		Str("userId", userID).
		Str("keyId", keyID).
		Str("platform", string(platform)).
		Msg("device key issued")

	return &BeginKeyExchangeResult{
		KeyID:        keyID,
		ServerPublic: crypto.EncodePublic(serverPublic),
		Salt:         base64.StdEncoding.EncodeToString(salt),
	}, nil
}

// Decrypt opens a transport token under the device key, enforcing the
// payload TTL and the user/platform binding.
func (s *DeviceKeyService) Decrypt(
	ctx context.Context,
	keyID string,
	userID string,
	platform model.Platform,
	token string,
) ([]byte, error) {
	key, err := s.lookup(ctx, keyID, userID, platform)
	if err != nil {
		return nil, err
	}

	plaintext, err := crypto.DecryptTransport(key, token, s.payloadTTL)
	if err != nil {
		return nil, ErrKeyUnavailable
	}
	return plaintext, nil
}

// Encrypt seals a response payload under the device key.
func (s *DeviceKeyService) Encrypt(
	ctx context.Context,
	keyID string,
	userID string,
	platform model.Platform,
	plaintext []byte,
) (string, error) {
	key, err := s.lookup(ctx, keyID, userID, platform)
	if err != nil {
		return "", err
	}
	return crypto.EncryptTransport(key, plaintext)
}

func (s *DeviceKeyService) lookup(
	ctx context.Context,
	keyID, userID string,
	platform model.Platform,
) (*fernet.Key, error) {
	fields, err := s.redis.HGetAll(ctx, redisclient.DeviceKeyKey(keyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load device key: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrKeyUnavailable
	}

	if fields["platform"] != string(platform) || fields["userId"] != userID {
		log.Warn().
			Str("keyId", keyID).
			Str("platform", string(platform)).
			Msg("device key binding mismatch")
		return nil, ErrKeyUnavailable
	}

	key, err := fernet.DecodeKey(fields["key"])
	if err != nil {
		return nil, ErrKeyUnavailable
	}
	return key, nil
}
