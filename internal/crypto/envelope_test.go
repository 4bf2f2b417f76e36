package crypto

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope(t *testing.T) {
	t.Run("round trips", func(t *testing.T) {
		key, err := NewSymmetricKey()
		require.NoError(t, err)

		plaintext := []byte(`{"type":"chat_text","body":{"parts":[{"kind":"paragraph","text":"hi"}]}}`)
		sealed, err := Seal(key, plaintext)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, sealed)

		opened, err := Open(key, sealed)
		require.NoError(t, err)
		assert.Equal(t, plaintext, opened)
	})

	t.Run("same plaintext seals differently each time", func(t *testing.T) {
		key, err := NewSymmetricKey()
		require.NoError(t, err)

		a, err := Seal(key, []byte("payload"))
		require.NoError(t, err)
		b, err := Seal(key, []byte("payload"))
		require.NoError(t, err)

		assert.NotEqual(t, a, b)
	})

	t.Run("rejects wrong key", func(t *testing.T) {
		keyA, err := NewSymmetricKey()
		require.NoError(t, err)
		keyB, err := NewSymmetricKey()
		require.NoError(t, err)

		sealed, err := Seal(keyA, []byte("payload"))
		require.NoError(t, err)

		_, err = Open(keyB, sealed)
		assert.Error(t, err)
	})

	t.Run("rejects tampered ciphertext", func(t *testing.T) {
		key, err := NewSymmetricKey()
		require.NoError(t, err)

		sealed, err := Seal(key, []byte("payload"))
		require.NoError(t, err)
		sealed[len(sealed)-1] ^= 0x01

		_, err = Open(key, sealed)
		assert.Error(t, err)
	})

	t.Run("rejects truncated input", func(t *testing.T) {
		key, err := NewSymmetricKey()
		require.NoError(t, err)

		_, err = Open(key, []byte{0x01, 0x02})
		assert.Error(t, err)
	})

	t.Run("rejects short key", func(t *testing.T) {
		_, err := Seal([]byte("short"), []byte("payload"))
		assert.Error(t, err)
	})

	t.Run("compression pays off on repetitive content", func(t *testing.T) {
		key, err := NewSymmetricKey()
		require.NoError(t, err)

		plaintext := []byte(strings.Repeat("the same sentence over and over. ", 200))
		sealed, err := Seal(key, plaintext)
		require.NoError(t, err)

		assert.Less(t, len(sealed), len(plaintext))
	})
}

func TestWipe(t *testing.T) {
	b := []byte("sensitive material")
	Wipe(b)
	assert.Equal(t, bytes.Repeat([]byte{0}, len(b)), b)
}
