package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// PBKDF2Iterations is the work factor of DeriveAgentKey.
const PBKDF2Iterations = 4096

// RandomBytes reads n bytes from rand.
func RandomBytes(rand io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// RandomHex returns n random bytes from rand as lowercase hex.
func RandomHex(rand io.Reader, n int) (string, error) {
	buf, err := RandomBytes(rand, n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// NewGroupKey returns a fresh symmetric key and the group id it names.
func NewGroupKey(rand io.Reader) (key []byte, gid string, err error) {
	key, err = RandomBytes(rand, KeySize)
	if err != nil {
		return nil, "", err
	}
	return key, Hash(key), nil
}

// DeriveAgentKey stretches a password into the key protecting agent records
// at rest.
func DeriveAgentKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, PBKDF2Iterations, KeySize, sha256.New)
}
