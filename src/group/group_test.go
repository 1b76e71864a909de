package group

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/mosaicnetworks/stxt/src/crypto"
	"github.com/mosaicnetworks/stxt/src/message"
	"github.com/mosaicnetworks/stxt/src/tag"
)

type countingObserver struct {
	key   []byte
	seen  int
	fails bool
}

func (o *countingObserver) DecryptEnvelope(env *message.Envelope) error {
	if o.fails {
		return errors.New("nope")
	}
	if _, err := env.Decrypt(o.key); err != nil {
		return err
	}
	o.seen++
	return nil
}

func testEnvelope(t *testing.T, key []byte, gid string, time int64) *message.Envelope {
	from, err := tag.New(tag.User, "alice", bytes.NewReader(bytes.Repeat([]byte{3}, 16)))
	if err != nil {
		t.Fatal(err)
	}
	m, err := message.New(gid, nil, from, message.Ping, nil, nil, time)
	if err != nil {
		t.Fatal(err)
	}
	env, err := m.Encrypt(rand.Reader, key)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func TestAddEnvelopeIdempotent(t *testing.T) {
	key, gid, err := crypto.NewGroupKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	g := New(gid)
	obs := &countingObserver{key: key}
	g.AddObserver(obs)

	env := testEnvelope(t, key, gid, 1)
	added, err := g.AddEnvelope(env)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, added, true)

	added, err = g.AddEnvelope(env)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, added, false)
	assert.Equal(t, g.Len(), 1)
	assert.Equal(t, obs.seen, 1)
	assert.Equal(t, g.HasEnvelope(env.ID), true)
}

func TestAddEnvelopeRejects(t *testing.T) {
	key, gid, err := crypto.NewGroupKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	otherKey, otherGid, err := crypto.NewGroupKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	g := New(gid)
	g.AddObserver(&countingObserver{key: key})

	if _, err := g.AddEnvelope(testEnvelope(t, otherKey, otherGid, 1)); !errors.Is(err, ErrWrongGroup) {
		t.Fatalf("expected ErrWrongGroup, got %v", err)
	}

	// right group id, wrong key: the observer cannot read it
	env := testEnvelope(t, otherKey, gid, 1)
	if _, err := g.AddEnvelope(env); !errors.Is(err, crypto.ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
	assert.Equal(t, g.Len(), 0)
}

func TestCarriedGroupAcceptsOpaqueEnvelopes(t *testing.T) {
	key, gid, err := crypto.NewGroupKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	g := New(gid)
	for i := int64(0); i < 5; i++ {
		if _, err := g.AddEnvelope(testEnvelope(t, key, gid, i)); err != nil {
			t.Fatal(err)
		}
	}
	ids := g.ListEnvelopes()
	assert.Equal(t, len(ids), 5)
	for i := 1; i < len(ids); i++ {
		if ids[i-1] >= ids[i] {
			t.Fatalf("ids should be sorted: %v", ids)
		}
	}

	h, err := FromRecord(g.Record())
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, h.ListEnvelopes(), ids)

	r := g.Record()
	r.Envelopes[0] = &message.Envelope{Group: gid, Ciphertext: []byte{1}, ID: "forged"}
	if _, err := FromRecord(r); !errors.Is(err, message.ErrIDMismatch) {
		t.Fatalf("expected ErrIDMismatch, got %v", err)
	}
}

func TestFailingObserverBlocksInsert(t *testing.T) {
	key, gid, err := crypto.NewGroupKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	g := New(gid)
	g.AddObserver(&countingObserver{fails: true})
	if _, err := g.AddEnvelope(testEnvelope(t, key, gid, 1)); err == nil {
		t.Fatal("expected error")
	}
	assert.Equal(t, g.Len(), 0)
}
