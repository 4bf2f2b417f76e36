package crypto

import (
	"errors"
	"time"

	"github.com/fernet/fernet-go"
)

// ErrTokenInvalid covers every transport decrypt failure: bad
// authentication tag, malformed token, or a timestamp past the TTL.
// Callers treat it as recoverable and re-run the key exchange.
var ErrTokenInvalid = errors.New("transport token invalid or expired")

// EncryptTransport seals plaintext as a timestamped fernet token,
// base64url on the wire.
func EncryptTransport(key *fernet.Key, plaintext []byte) (string, error) {
	tok, err := fernet.EncryptAndSign(plaintext, key)
	if err != nil {
		return "", err
	}
	return string(tok), nil
}

// DecryptTransport verifies and opens a transport token. A negative ttl
// disables the freshness check.
func DecryptTransport(key *fernet.Key, token string, ttl time.Duration) ([]byte, error) {
	msg := fernet.VerifyAndDecrypt([]byte(token), ttl, []*fernet.Key{key})
	if msg == nil {
		return nil, ErrTokenInvalid
	}
	return msg, nil
}
