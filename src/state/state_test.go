package state

import (
	"bytes"
	"math/rand"
	"reflect"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/mosaicnetworks/stxt/src/graph"
	"github.com/mosaicnetworks/stxt/src/message"
	"github.com/mosaicnetworks/stxt/src/tag"
)

func newTag(t *testing.T, nick string, seed byte) tag.Tag {
	tg, err := tag.New(tag.User, nick, bytes.NewReader(bytes.Repeat([]byte{seed}, 16)))
	if err != nil {
		t.Fatal(err)
	}
	return tg
}

func TestSetDelChg(t *testing.T) {
	s := New()

	s.Chg("group", "missing", "other")
	assert.Equal(t, len(s.Types()), 0)

	s.Set("group", "g1", Local)
	s.Set("group", "g2", Share)
	s.Chg("group", "g1", "g3")

	_, ok := s.Get("group", "g1")
	assert.Equal(t, ok, false)
	v, _ := s.Get("group", "g3")
	assert.Equal(t, v, Local)
	assert.Equal(t, s.GroupLinks(), []string{"g2", "g3"})

	s.Del("group", "g2")
	s.Del("group", "g2")
	assert.Equal(t, s.GroupLinks(), []string{"g3"})

	snap := s.Snapshot()
	snap["group"]["g9"] = Local
	if _, ok := s.Get("group", "g9"); ok {
		t.Fatal("snapshot must not alias the state")
	}
}

func TestApply(t *testing.T) {
	alice := newTag(t, "alice", 1)
	bob := newTag(t, "bob", 2)

	epoch, err := message.New("g", nil, alice, message.Epoch, nil, nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	add, err := message.New("g", []string{epoch.ID}, alice, message.Set,
		message.Body{TypeUser: {bob.String(): Live}, TypeGroup: {"sub": Local}}, nil, 2)
	if err != nil {
		t.Fatal(err)
	}
	chg, err := message.New("g", []string{add.ID}, bob, message.Chg,
		message.Body{TypeGroup: {"sub": "sub2"}}, nil, 3)
	if err != nil {
		t.Fatal(err)
	}
	idle, err := message.New("g", []string{chg.ID}, alice, message.Del,
		message.Body{TypeGroup: {"nothing": ""}}, nil, 4)
	if err != nil {
		t.Fatal(err)
	}

	s := Build(graph.New([]*message.Message{idle, chg, add, epoch}))

	expected := map[string]map[string]string{
		TypeUser:  {alice.String(): Live, bob.String(): Live},
		TypeGroup: {"sub2": Local},
	}
	if !reflect.DeepEqual(s.Snapshot(), expected) {
		t.Fatalf("state should be %v, not %v", expected, s.Snapshot())
	}

	live := s.LiveUsers()
	assert.Equal(t, len(live), 2)
	if live[0] > live[1] {
		t.Fatalf("live users should be sorted: %v", live)
	}
}

// Concurrent writers racing on the same key resolve identically whatever
// the delivery order.
func TestDeterminism(t *testing.T) {
	alice := newTag(t, "alice", 1)
	bob := newTag(t, "bob", 2)
	authors := []tag.Tag{alice, bob}

	r := rand.New(rand.NewSource(7))
	var msgs []*message.Message
	epoch, err := message.New("g", nil, alice, message.Epoch, nil, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	msgs = append(msgs, epoch)

	kinds := []message.Kind{message.Set, message.Del, message.Chg}
	keys := []string{"a", "b", "c"}
	for i := 1; i < 60; i++ {
		parent := msgs[r.Intn(len(msgs))]
		kind := kinds[r.Intn(len(kinds))]
		k := keys[r.Intn(len(keys))]
		var body message.Body
		switch kind {
		case message.Set:
			body = message.Body{"x": {k: string(rune('0' + i%10))}}
		case message.Del:
			body = message.Body{"x": {k: ""}}
		case message.Chg:
			body = message.Body{"x": {k: keys[r.Intn(len(keys))]}}
		}
		m, err := message.New("g", []string{parent.ID}, authors[r.Intn(2)], kind, body, nil, int64(r.Intn(10)))
		if err != nil {
			t.Fatal(err)
		}
		msgs = append(msgs, m)
	}

	reference := Build(graph.New(msgs))
	for i := 0; i < 10; i++ {
		perm := append([]*message.Message(nil), msgs...)
		r.Shuffle(len(perm), func(a, b int) { perm[a], perm[b] = perm[b], perm[a] })
		s := Build(graph.New(perm))
		if !s.Equal(reference) {
			t.Fatalf("permutation %d diverged: %v vs %v", i, s.Snapshot(), reference.Snapshot())
		}
	}
}
