package message

import (
	"io"

	"github.com/mosaicnetworks/stxt/src/crypto"
)

// Envelope is the encrypted, content-addressed form of a Message.
type Envelope struct {
	Group      string `json:"group"`
	Ciphertext []byte `json:"ciphertext"`
	ID         string `json:"id"`
}

type envelopeContent struct {
	Group      string `json:"group"`
	Ciphertext []byte `json:"ciphertext"`
}

// NewEnvelope wraps a ciphertext received from elsewhere and computes its
// id.
func NewEnvelope(group string, ciphertext []byte) (*Envelope, error) {
	id, err := crypto.HashObject(envelopeContent{Group: group, Ciphertext: ciphertext})
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Group:      group,
		Ciphertext: ciphertext,
		ID:         id,
	}, nil
}

// Encrypt seals m under key. The group id is bound as associated data.
func (m *Message) Encrypt(rand io.Reader, key []byte) (*Envelope, error) {
	pt, err := m.Marshal()
	if err != nil {
		return nil, err
	}
	ct, err := crypto.Encrypt(rand, key, pt, []byte(m.Group))
	if err != nil {
		return nil, err
	}
	return NewEnvelope(m.Group, ct)
}

// Decrypt opens the Envelope with key and checks that the enclosed Message
// belongs to the same group and is correctly addressed.
func (e *Envelope) Decrypt(key []byte) (*Message, error) {
	pt, err := crypto.Decrypt(key, e.Ciphertext, []byte(e.Group))
	if err != nil {
		return nil, err
	}
	m, err := Unmarshal(pt)
	if err != nil {
		return nil, err
	}
	if m.Group != e.Group {
		return nil, ErrGroupMismatch
	}
	return m, nil
}

// Verify recomputes the Envelope id.
func (e *Envelope) Verify() error {
	id, err := crypto.HashObject(envelopeContent{Group: e.Group, Ciphertext: e.Ciphertext})
	if err != nil {
		return err
	}
	if id != e.ID {
		return ErrIDMismatch
	}
	return nil
}
