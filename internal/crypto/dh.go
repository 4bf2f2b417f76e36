package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/fernet/fernet-go"
	"golang.org/x/crypto/hkdf"
)

// RFC 3526 group 14: 2048-bit MODP prime, generator 2.
const group14PrimeHex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74" +
	"020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F1437" +
	"4FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF05" +
	"98DA48361C55D39A69163FA8FD24CF5F8365D23DCA3AD961C62F356208552BB9" +
	"ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE" +
	"39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183" +
	"995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF"

const (
	// DHValueSize is the byte width of public values and the shared secret.
	DHValueSize = 256
	// SaltSize is the per-session HKDF salt width.
	SaltSize = 32
)

var (
	groupPrime     = mustParsePrime(group14PrimeHex)
	groupGenerator = big.NewInt(2)

	ErrInvalidPublicValue = errors.New("public value outside (1, p-1)")
)

func mustParsePrime(hex string) *big.Int {
	p, ok := new(big.Int).SetString(hex, 16)
	if !ok {
		panic("invalid group prime constant")
	}
	return p
}

// GeneratePrivate samples a 256-byte private exponent.
func GeneratePrivate() (*big.Int, error) {
	buf := make([]byte, DHValueSize)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, fmt.Errorf("sample private exponent: %w", err)
	}
	priv := new(big.Int).SetBytes(buf)
	if priv.Sign() == 0 {
		return nil, errors.New("zero private exponent")
	}
	return priv, nil
}

// PublicValue computes g^priv mod p.
func PublicValue(priv *big.Int) *big.Int {
	return new(big.Int).Exp(groupGenerator, priv, groupPrime)
}

// SharedSecret computes peer^priv mod p as a fixed-width 256-byte
// big-endian value, the HKDF input keying material.
func SharedSecret(peerPublic, priv *big.Int) ([]byte, error) {
	if err := checkPublicValue(peerPublic); err != nil {
		return nil, err
	}
	secret := new(big.Int).Exp(peerPublic, priv, groupPrime)
	out := make([]byte, DHValueSize)
	secret.FillBytes(out)
	return out, nil
}

func checkPublicValue(y *big.Int) error {
	one := big.NewInt(1)
	pMinusOne := new(big.Int).Sub(groupPrime, one)
	if y.Cmp(one) <= 0 || y.Cmp(pMinusOne) >= 0 {
		return ErrInvalidPublicValue
	}
	return nil
}

// NewSalt returns a fresh random 32-byte HKDF salt. The salt is returned
// to the client and is not secret.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// DeriveTransportKey runs HKDF-SHA256 over the shared secret and salt and
// returns the resulting 32-byte key as a fernet key.
func DeriveTransportKey(sharedSecret, salt []byte) (*fernet.Key, error) {
	var key fernet.Key
	r := hkdf.New(sha256.New, sharedSecret, salt, nil)
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return nil, fmt.Errorf("derive transport key: %w", err)
	}
	return &key, nil
}

// EncodePublic renders a public value as standard base64 of its fixed
// 256-byte big-endian form, the wire format for device public keys.
func EncodePublic(y *big.Int) string {
	buf := make([]byte, DHValueSize)
	y.FillBytes(buf)
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodePublic parses a standard-base64 256-byte public value.
func DecodePublic(encoded string) (*big.Int, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public value: %w", err)
	}
	if len(raw) != DHValueSize {
		return nil, fmt.Errorf("public value must be %d bytes, got %d", DHValueSize, len(raw))
	}
	y := new(big.Int).SetBytes(raw)
	if err := checkPublicValue(y); err != nil {
		return nil, err
	}
	return y, nil
}
