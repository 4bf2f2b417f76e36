package crypto

import (
	"encoding/base64"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyExchange(t *testing.T) {
	t.Run("both sides derive the same shared secret", func(t *testing.T) {
		clientPriv, err := GeneratePrivate()
		require.NoError(t, err)
		serverPriv, err := GeneratePrivate()
		require.NoError(t, err)

		clientPub := PublicValue(clientPriv)
		serverPub := PublicValue(serverPriv)

		clientSecret, err := SharedSecret(serverPub, clientPriv)
		require.NoError(t, err)
		serverSecret, err := SharedSecret(clientPub, serverPriv)
		require.NoError(t, err)

		assert.Equal(t, clientSecret, serverSecret)
		assert.Len(t, clientSecret, DHValueSize)
	})

	t.Run("both sides derive the same transport key", func(t *testing.T) {
		clientPriv, err := GeneratePrivate()
		require.NoError(t, err)
		serverPriv, err := GeneratePrivate()
		require.NoError(t, err)

		salt, err := NewSalt()
		require.NoError(t, err)
		require.Len(t, salt, SaltSize)

		clientSecret, err := SharedSecret(PublicValue(serverPriv), clientPriv)
		require.NoError(t, err)
		serverSecret, err := SharedSecret(PublicValue(clientPriv), serverPriv)
		require.NoError(t, err)

		clientKey, err := DeriveTransportKey(clientSecret, salt)
		require.NoError(t, err)
		serverKey, err := DeriveTransportKey(serverSecret, salt)
		require.NoError(t, err)

		assert.Equal(t, clientKey, serverKey)
	})

	t.Run("different salts derive different keys", func(t *testing.T) {
		priv, err := GeneratePrivate()
		require.NoError(t, err)
		peer, err := GeneratePrivate()
		require.NoError(t, err)

		secret, err := SharedSecret(PublicValue(peer), priv)
		require.NoError(t, err)

		saltA, err := NewSalt()
		require.NoError(t, err)
		saltB, err := NewSalt()
		require.NoError(t, err)

		keyA, err := DeriveTransportKey(secret, saltA)
		require.NoError(t, err)
		keyB, err := DeriveTransportKey(secret, saltB)
		require.NoError(t, err)

		assert.NotEqual(t, keyA, keyB)
	})
}

func TestSharedSecret_RejectsDegenerateValues(t *testing.T) {
	priv, err := GeneratePrivate()
	require.NoError(t, err)

	pMinusOne := new(big.Int).Sub(groupPrime, big.NewInt(1))

	cases := []struct {
		name string
		peer *big.Int
	}{
		{"zero", big.NewInt(0)},
		{"one", big.NewInt(1)},
		{"p minus one", pMinusOne},
		{"prime itself", new(big.Int).Set(groupPrime)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := SharedSecret(tc.peer, priv)
			assert.ErrorIs(t, err, ErrInvalidPublicValue)
		})
	}
}

func TestEncodePublic(t *testing.T) {
	t.Run("round trips", func(t *testing.T) {
		priv, err := GeneratePrivate()
		require.NoError(t, err)
		pub := PublicValue(priv)

		decoded, err := DecodePublic(EncodePublic(pub))
		require.NoError(t, err)
		assert.Zero(t, pub.Cmp(decoded))
	})

	t.Run("always 256 bytes on the wire", func(t *testing.T) {
		// A small public value still pads to full width.
		encoded := EncodePublic(big.NewInt(0x1234))
		raw, err := base64.StdEncoding.DecodeString(encoded)
		require.NoError(t, err)
		assert.Len(t, raw, DHValueSize)
	})

	t.Run("rejects wrong length", func(t *testing.T) {
		short := base64.StdEncoding.EncodeToString([]byte("too short"))
		_, err := DecodePublic(short)
		assert.Error(t, err)
	})

	t.Run("rejects invalid base64", func(t *testing.T) {
		_, err := DecodePublic("not!!base64")
		assert.Error(t, err)
	})

	t.Run("rejects degenerate decoded value", func(t *testing.T) {
		buf := make([]byte, DHValueSize)
		buf[DHValueSize-1] = 1
		_, err := DecodePublic(base64.StdEncoding.EncodeToString(buf))
		assert.ErrorIs(t, err, ErrInvalidPublicValue)
	})
}
