package service

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stillwater-app/journal-server-go/internal/crypto"
	"github.com/stillwater-app/journal-server-go/internal/model"
)

// handshake runs the client side of the key exchange against Begin and
// returns the issued key id plus the client's derived transport key.
func handshake(t *testing.T, svc *DeviceKeyService, userID string, platform model.Platform) (string, *fernet.Key) {
	t.Helper()
	ctx := context.Background()

	clientPriv, err := crypto.GeneratePrivate()
	require.NoError(t, err)

	result, err := svc.Begin(ctx, userID, platform, crypto.EncodePublic(crypto.PublicValue(clientPriv)))
	require.NoError(t, err)

	serverPublic, err := crypto.DecodePublic(result.ServerPublic)
	require.NoError(t, err)
	salt, err := base64.StdEncoding.DecodeString(result.Salt)
	require.NoError(t, err)

	secret, err := crypto.SharedSecret(serverPublic, clientPriv)
	require.NoError(t, err)
	key, err := crypto.DeriveTransportKey(secret, salt)
	require.NoError(t, err)

	return result.KeyID, key
}

func TestDeviceKeyService_Begin(t *testing.T) {
	ctx := context.Background()

	t.Run("issues a key both sides can use", func(t *testing.T) {
		rc := newTestRedis(t)
		svc := NewDeviceKeyService(rc, time.Hour, time.Minute, time.Second)

		keyID, clientKey := handshake(t, svc, "user-1", model.PlatformIOS)

		// Client to server.
		token, err := crypto.EncryptTransport(clientKey, []byte(`{"parts":[]}`))
		require.NoError(t, err)
		plaintext, err := svc.Decrypt(ctx, keyID, "user-1", model.PlatformIOS, token)
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"parts":[]}`), plaintext)

		// Server to client.
		outbound, err := svc.Encrypt(ctx, keyID, "user-1", model.PlatformIOS, []byte("reply"))
		require.NoError(t, err)
		opened, err := crypto.DecryptTransport(clientKey, outbound, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, []byte("reply"), opened)
	})

	t.Run("enforces the issuance cooldown", func(t *testing.T) {
		rc := newTestRedis(t)
		svc := NewDeviceKeyService(rc, time.Hour, time.Minute, time.Minute)

		handshake(t, svc, "user-1", model.PlatformIOS)

		clientPriv, err := crypto.GeneratePrivate()
		require.NoError(t, err)
		_, err = svc.Begin(ctx, "user-1", model.PlatformIOS,
			crypto.EncodePublic(crypto.PublicValue(clientPriv)))
		assert.ErrorIs(t, err, ErrKeyIssueRatelimited)
	})

	t.Run("cooldown is per user", func(t *testing.T) {
		rc := newTestRedis(t)
		svc := NewDeviceKeyService(rc, time.Hour, time.Minute, time.Minute)

		handshake(t, svc, "user-1", model.PlatformIOS)
		handshake(t, svc, "user-2", model.PlatformAndroid)
	})

	t.Run("rejects an invalid platform", func(t *testing.T) {
		rc := newTestRedis(t)
		svc := NewDeviceKeyService(rc, time.Hour, time.Minute, time.Second)

		_, err := svc.Begin(ctx, "user-1", model.Platform("toaster"), "ignored")
		assert.ErrorIs(t, err, ErrInvalidPlatform)
	})

	t.Run("rejects a degenerate client public value", func(t *testing.T) {
		rc := newTestRedis(t)
		svc := NewDeviceKeyService(rc, time.Hour, time.Minute, time.Second)

		buf := make([]byte, crypto.DHValueSize)
		buf[crypto.DHValueSize-1] = 1
		_, err := svc.Begin(ctx, "user-1", model.PlatformIOS, base64.StdEncoding.EncodeToString(buf))
		assert.ErrorIs(t, err, crypto.ErrInvalidPublicValue)
	})

	t.Run("failed handshake does not burn the cooldown", func(t *testing.T) {
		rc := newTestRedis(t)
		svc := NewDeviceKeyService(rc, time.Hour, time.Minute, time.Minute)

		buf := make([]byte, crypto.DHValueSize)
		buf[crypto.DHValueSize-1] = 1
		_, err := svc.Begin(ctx, "user-1", model.PlatformIOS, base64.StdEncoding.EncodeToString(buf))
		require.ErrorIs(t, err, crypto.ErrInvalidPublicValue)

		// Only a successful issuance claims the window.
		handshake(t, svc, "user-1", model.PlatformIOS)
	})
}

func TestDeviceKeyService_Binding(t *testing.T) {
	ctx := context.Background()

	t.Run("wrong platform gets the uniform failure", func(t *testing.T) {
		rc := newTestRedis(t)
		svc := NewDeviceKeyService(rc, time.Hour, time.Minute, time.Second)

		keyID, clientKey := handshake(t, svc, "user-1", model.PlatformIOS)
		token, err := crypto.EncryptTransport(clientKey, []byte("payload"))
		require.NoError(t, err)

		_, err = svc.Decrypt(ctx, keyID, "user-1", model.PlatformAndroid, token)
		assert.ErrorIs(t, err, ErrKeyUnavailable)
	})

	t.Run("wrong user gets the uniform failure", func(t *testing.T) {
		rc := newTestRedis(t)
		svc := NewDeviceKeyService(rc, time.Hour, time.Minute, time.Second)

		keyID, clientKey := handshake(t, svc, "user-1", model.PlatformIOS)
		token, err := crypto.EncryptTransport(clientKey, []byte("payload"))
		require.NoError(t, err)

		_, err = svc.Decrypt(ctx, keyID, "user-2", model.PlatformIOS, token)
		assert.ErrorIs(t, err, ErrKeyUnavailable)
	})

	t.Run("unknown key id gets the uniform failure", func(t *testing.T) {
		rc := newTestRedis(t)
		svc := NewDeviceKeyService(rc, time.Hour, time.Minute, time.Second)

		_, err := svc.Decrypt(ctx, "ghost-key", "user-1", model.PlatformIOS, "token")
		assert.ErrorIs(t, err, ErrKeyUnavailable)
	})

	t.Run("expired payload gets the uniform failure", func(t *testing.T) {
		rc := newTestRedis(t)
		svc := NewDeviceKeyService(rc, time.Hour, time.Second, time.Second)

		keyID, clientKey := handshake(t, svc, "user-1", model.PlatformIOS)
		token, err := crypto.EncryptTransport(clientKey, []byte("payload"))
		require.NoError(t, err)

		// Token timestamps have second resolution; two full seconds puts
		// the token past the one second payload ttl deterministically.
		time.Sleep(2100 * time.Millisecond)

		_, err = svc.Decrypt(ctx, keyID, "user-1", model.PlatformIOS, token)
		assert.ErrorIs(t, err, ErrKeyUnavailable)
	})

	t.Run("bad token under a valid key gets the uniform failure", func(t *testing.T) {
		rc := newTestRedis(t)
		svc := NewDeviceKeyService(rc, time.Hour, time.Minute, time.Second)

		keyID, _ := handshake(t, svc, "user-1", model.PlatformIOS)

		_, err := svc.Decrypt(ctx, keyID, "user-1", model.PlatformIOS, "not a token")
		assert.ErrorIs(t, err, ErrKeyUnavailable)
	})
}
