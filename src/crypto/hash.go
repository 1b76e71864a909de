package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/mosaicnetworks/stxt/src/common"
)

// SHA256 returns the SHA256 hash of the data.
func SHA256(data []byte) []byte {
	hasher := sha256.New()
	hasher.Write(data)
	hash := hasher.Sum(nil)
	return hash
}

// Hash returns the lowercase hex SHA256 digest of data. Group ids, message
// ids and envelope ids are all produced by Hash.
func Hash(data []byte) string {
	return hex.EncodeToString(SHA256(data))
}

// HashObject hashes the canonical encoding of v.
func HashObject(v interface{}) (string, error) {
	data, err := common.Marshal(v)
	if err != nil {
		return "", err
	}
	return Hash(data), nil
}

// HMAC returns the lowercase hex HMAC-SHA256 of data under key.
func HMAC(key, data []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// CheckHMAC compares a hex mac against HMAC(key, data) in constant time.
func CheckHMAC(key, data []byte, mac string) bool {
	expected, err := hex.DecodeString(mac)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return hmac.Equal(expected, h.Sum(nil))
}
