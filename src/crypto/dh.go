package crypto

import (
	"io"

	"golang.org/x/crypto/curve25519"
)

// PointSize is the size of an X25519 group element.
const PointSize = curve25519.PointSize

// Keypair is a Diffie-Hellman keypair on curve25519. Public is
// ScalarMult(Secret, Basepoint).
type Keypair struct {
	Secret []byte `json:"sec"`
	Public []byte `json:"pub"`
}

// GenerateKeypair draws a fresh secret from rand. The scalar is clamped by
// X25519 itself, so any 32 random bytes make a valid secret.
func GenerateKeypair(rand io.Reader) (Keypair, error) {
	sec, err := RandomBytes(rand, curve25519.ScalarSize)
	if err != nil {
		return Keypair{}, err
	}
	pub, err := curve25519.X25519(sec, curve25519.Basepoint)
	if err != nil {
		return Keypair{}, err
	}
	return Keypair{Secret: sec, Public: pub}, nil
}

// ScalarMult multiplies point by secret. Since both scalars are clamped
// deterministically, ScalarMult(a, ScalarMult(b, P)) equals
// ScalarMult(b, ScalarMult(a, P)), which multi-party exchanges rely on.
func ScalarMult(secret, point []byte) ([]byte, error) {
	return curve25519.X25519(secret, point)
}
