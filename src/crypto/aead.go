package crypto

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the size of a group symmetric key.
	KeySize = chacha20poly1305.KeySize
	// NonceSize is the size of the nonce prefixed to every ciphertext.
	NonceSize = chacha20poly1305.NonceSizeX
)

// ErrDecrypt is returned when a ciphertext fails authentication or is
// malformed.
var ErrDecrypt = errors.New("decryption failed")

// Encrypt seals plaintext under key with XChaCha20-Poly1305. A random nonce
// is drawn from rand and prefixed to the result. aad is authenticated but
// not encrypted.
func Encrypt(rand io.Reader, key, plaintext, aad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("bad key size %d: need %d", len(key), KeySize)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	nonce, err := RandomBytes(rand, NonceSize)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, NonceSize+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, aad), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func Decrypt(key, ciphertext, aad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrDecrypt
	}
	if len(ciphertext) < NonceSize {
		return nil, ErrDecrypt
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrDecrypt
	}
	plaintext, err := aead.Open(nil, ciphertext[:NonceSize], ciphertext[NonceSize:], aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
