package message

import (
	"errors"
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/mosaicnetworks/stxt/src/common"
	"github.com/mosaicnetworks/stxt/src/crypto"
	"github.com/mosaicnetworks/stxt/src/tag"
)

// Body maps a state type to its key/value pairs.
type Body map[string]map[string]string

// Message is a node of a group's causal graph. Build it with New; fields
// must not change afterwards since ID covers all of them.
type Message struct {
	Group   string
	Parents []string
	From    tag.Tag
	Kind    Kind
	Body    Body
	Keys    map[string][]byte
	Time    int64
	ID      string
}

// content is the canonical form hashed into a Message ID. The kind and the
// author travel as strings, nil containers as empty ones.
type content struct {
	Group   string                       `json:"group"`
	Parents []string                     `json:"parents"`
	From    string                       `json:"from"`
	Kind    string                       `json:"kind"`
	Body    map[string]map[string]string `json:"body"`
	Keys    map[string][]byte            `json:"keys"`
	Time    int64                        `json:"time"`
}

// wire is the plaintext sealed inside an Envelope.
type wire struct {
	Group   string                       `json:"group"`
	Parents []string                     `json:"parents"`
	From    string                       `json:"from"`
	Kind    string                       `json:"kind"`
	Body    map[string]map[string]string `json:"body"`
	Keys    map[string][]byte            `json:"keys"`
	Time    int64                        `json:"time"`
	ID      string                       `json:"id"`
}

// New builds a Message and computes its ID. Parents are copied, sorted and
// deduplicated; the body and keys are copied too.
func New(group string, parents []string, from tag.Tag, kind Kind, body Body, keys map[string][]byte, time int64) (*Message, error) {
	m := &Message{
		Group:   group,
		Parents: normalizeParents(parents),
		From:    from,
		Kind:    kind,
		Body:    make(Body, len(body)),
		Keys:    make(map[string][]byte, len(keys)),
		Time:    time,
	}
	for t, kv := range body {
		m.Body[t] = maps.Clone(kv)
	}
	for name, pub := range keys {
		m.Keys[name] = slices.Clone(pub)
	}
	id, err := m.computeID()
	if err != nil {
		return nil, err
	}
	m.ID = id
	return m, nil
}

func normalizeParents(parents []string) []string {
	res := make([]string, 0, len(parents))
	res = append(res, parents...)
	slices.Sort(res)
	return slices.Compact(res)
}

func (m *Message) content() content {
	c := content{
		Group:   m.Group,
		Parents: m.Parents,
		From:    m.From.String(),
		Kind:    m.Kind.String(),
		Body:    m.Body,
		Keys:    m.Keys,
		Time:    m.Time,
	}
	if c.Parents == nil {
		c.Parents = []string{}
	}
	if c.Body == nil {
		c.Body = Body{}
	}
	if c.Keys == nil {
		c.Keys = map[string][]byte{}
	}
	return c
}

func (m *Message) computeID() (string, error) {
	return crypto.HashObject(m.content())
}

// Marshal returns the canonical plaintext of the Message, ID included.
func (m *Message) Marshal() ([]byte, error) {
	c := m.content()
	return common.Marshal(wire{
		Group:   c.Group,
		Parents: c.Parents,
		From:    c.From,
		Kind:    c.Kind,
		Body:    c.Body,
		Keys:    c.Keys,
		Time:    c.Time,
		ID:      m.ID,
	})
}

// Unmarshal parses a canonical plaintext and verifies that its ID matches
// its content.
func Unmarshal(data []byte) (*Message, error) {
	var w wire
	if err := common.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}

	from, err := tag.Parse(w.From)
	if err != nil {
		return nil, fmt.Errorf("malformed message author: %w", err)
	}
	kind, err := ParseKind(w.Kind)
	if err != nil {
		return nil, err
	}

	m, err := New(w.Group, w.Parents, from, kind, w.Body, w.Keys, w.Time)
	if err != nil {
		return nil, err
	}
	if m.ID != w.ID {
		return nil, ErrIDMismatch
	}
	return m, nil
}

// IsRoot reports whether m names no parents at all.
func (m *Message) IsRoot() bool {
	return len(m.Parents) == 0
}

// String ...
func (m *Message) String() string {
	return fmt.Sprintf("%s %s from %s", common.Abbrev(m.ID), m.Kind, m.From)
}

var (
	// ErrGroupMismatch is returned when a decrypted Message claims a group
	// other than the Envelope carrying it.
	ErrGroupMismatch = errors.New("message group does not match envelope")
	// ErrIDMismatch is returned when an id does not match the content it
	// addresses.
	ErrIDMismatch = errors.New("id does not match content")
)
