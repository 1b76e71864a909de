package peer

import (
	"crypto/rand"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/mosaicnetworks/stxt/src/common"
	"github.com/mosaicnetworks/stxt/src/crypto"
	"github.com/mosaicnetworks/stxt/src/group"
	"github.com/mosaicnetworks/stxt/src/message"
	"github.com/mosaicnetworks/stxt/src/state"
	"github.com/mosaicnetworks/stxt/src/store"
)

func attach(t *testing.T, s store.Store, user string) *Peer {
	p, err := Attach(s, user, "password", rand.Reader, common.NewTestEntry(t, common.TestLogLevel))
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// transfer copies every envelope of a group from one peer to another.
func transfer(t *testing.T, from, to *Peer, gid string) {
	src, err := from.GetGroup(gid)
	if err != nil {
		t.Fatal(err)
	}
	dst, err := to.GetGroup(gid)
	if err != nil {
		t.Fatal(err)
	}
	for _, env := range src.Envelopes() {
		if _, err := dst.AddEnvelope(env); err != nil {
			t.Fatal(err)
		}
	}
}

// exchangeAll copies the envelopes of a group between every pair of peers.
func exchangeAll(t *testing.T, gid string, peers ...*Peer) {
	for _, from := range peers {
		for _, to := range peers {
			if from != to {
				transfer(t, from, to, gid)
			}
		}
	}
}

func pingAll(t *testing.T, agents ...*Agent) {
	for _, a := range agents {
		if _, err := a.AddPing(); err != nil {
			t.Fatal(err)
		}
	}
}

// shareGroup makes owner create a group with every member live in it, and
// the members join it. The owner's agent comes first.
func shareGroup(t *testing.T, owner *Peer, members ...*Peer) []*Agent {
	a, err := owner.NewGroup()
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range members {
		if _, err := a.AddMember(m.Tag()); err != nil {
			t.Fatal(err)
		}
	}
	pingAll(t, a)

	agents := []*Agent{a}
	for _, m := range members {
		ma, err := m.JoinGroup(a.Key())
		if err != nil {
			t.Fatal(err)
		}
		transfer(t, owner, m, a.GroupID())
		agents = append(agents, ma)
	}
	return agents
}

func TestAttachAndReload(t *testing.T) {
	s := store.NewInmemStore()
	p := attach(t, s, "alice")

	root, err := p.RootAgent()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, root.NumMessages(), 1)
	assert.Equal(t, p.Tag().Nick(), "alice")

	sub, err := p.NewGroup()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sub.AddPing(); err != nil {
		t.Fatal(err)
	}
	if err := sub.Save(); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, root.GroupLinks(), []string{sub.GroupID()})

	q := attach(t, s, "alice")
	assert.Equal(t, q.Tag().String(), p.Tag().String())
	assert.Equal(t, q.RootGroupID(), p.RootGroupID())

	sub2, err := q.GetAgent(sub.GroupID())
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, sub2.NumMessages(), 2)
	assert.Equal(t, sub2.Key(), sub.Key())
	assert.Equal(t, sub2.State().Snapshot(), sub.State().Snapshot())

	if _, err := Attach(s, "alice", "wrong", rand.Reader, nil); !errors.Is(err, crypto.ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
	if _, err := Attach(s, "bob", "password", rand.Reader, nil); !errors.Is(err, ErrWrongUser) {
		t.Fatalf("expected ErrWrongUser, got %v", err)
	}
}

func TestJoinGroup(t *testing.T) {
	alice := attach(t, store.NewInmemStore(), "alice")
	bob := attach(t, store.NewInmemStore(), "bob")

	sub, err := alice.NewGroup()
	if err != nil {
		t.Fatal(err)
	}

	joined, err := bob.JoinGroup(sub.Key())
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, joined.GroupID(), sub.GroupID())

	again, err := bob.JoinGroup(sub.Key())
	if err != nil {
		t.Fatal(err)
	}
	if again != joined {
		t.Fatal("joining twice should return the same agent")
	}

	bobRoot, err := bob.RootAgent()
	if err != nil {
		t.Fatal(err)
	}
	mode, ok := bobRoot.State().Get(state.TypeGroup, sub.GroupID())
	assert.Equal(t, ok, true)
	assert.Equal(t, mode, state.Share)

	transfer(t, alice, bob, sub.GroupID())
	assert.Equal(t, joined.NumMessages(), 1)
}

func TestVisitIsCycleSafe(t *testing.T) {
	p := attach(t, store.NewInmemStore(), "alice")
	root, err := p.RootAgent()
	if err != nil {
		t.Fatal(err)
	}
	sub, err := p.NewGroup()
	if err != nil {
		t.Fatal(err)
	}
	// sub links back to root and to a group nobody holds
	if _, err := sub.LinkGroup(root.GroupID(), state.Local); err != nil {
		t.Fatal(err)
	}
	if _, err := sub.LinkGroup("nowhere", state.Share); err != nil {
		t.Fatal(err)
	}

	seen := make(map[string]int)
	unknown := 0
	err = p.Visit(func(gid string, g *group.Group, a *Agent) error {
		seen[gid]++
		if g == nil {
			unknown++
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, len(seen), 3)
	for gid, n := range seen {
		if n != 1 {
			t.Fatalf("%s visited %d times", gid, n)
		}
	}
	assert.Equal(t, unknown, 1)
}

func TestDuplicateMessageRejected(t *testing.T) {
	p := attach(t, store.NewInmemStore(), "alice")
	root, err := p.RootAgent()
	if err != nil {
		t.Fatal(err)
	}
	m, err := root.AddPing()
	if err != nil {
		t.Fatal(err)
	}
	// same message, second encryption
	env, err := m.Encrypt(rand.Reader, root.Key())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := root.Group().AddEnvelope(env); !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("expected ErrDuplicateMessage, got %v", err)
	}
}

func TestSoloGroupRotatesAtOnce(t *testing.T) {
	p := attach(t, store.NewInmemStore(), "alice")
	sub, err := p.NewGroup()
	if err != nil {
		t.Fatal(err)
	}
	next, err := sub.MaybeDeriveNextAgent()
	if err != nil {
		t.Fatal(err)
	}
	if next == nil {
		t.Fatal("a single user group is finished at birth")
	}
	assert.Equal(t, sub.Next(), next.GroupID())

	again, err := sub.MaybeDeriveNextAgent()
	if err != nil {
		t.Fatal(err)
	}
	if again != next {
		t.Fatal("rotation should be idempotent")
	}

	// the successor opens with an epoch and replays the state
	msgs := next.Messages()
	assert.Equal(t, msgs[0].Kind, message.Epoch)
	assert.Equal(t, next.State().Snapshot(), sub.State().Snapshot())
}

// Alice and Bob rotate a two user group by exchanging envelopes directly,
// then Alice collects the old epoch.
func TestRotationAndGC(t *testing.T) {
	aliceStore := store.NewInmemStore()
	alice := attach(t, aliceStore, "alice")
	bob := attach(t, store.NewInmemStore(), "bob")

	sub, err := alice.NewAgentWithNewGroup(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := sub.AddEpochIfMissing(); err != nil {
		t.Fatal(err)
	}
	if err := alice.linkFromRoot(sub.GroupID(), state.Local); err != nil {
		t.Fatal(err)
	}
	if _, err := sub.AddMember(bob.Tag()); err != nil {
		t.Fatal(err)
	}
	if _, err := sub.AddPing(); err != nil {
		t.Fatal(err)
	}

	bobSub, err := bob.JoinGroup(sub.Key())
	if err != nil {
		t.Fatal(err)
	}
	gid := sub.GroupID()

	transfer(t, alice, bob, gid)
	assert.Equal(t, bobSub.NumMessages(), 3)
	assert.Equal(t, sub.HasContributed(), true)
	assert.Equal(t, bobSub.HasContributed(), false)
	assert.Equal(t, len(bobSub.CurrentExchanges()), 1)

	// nothing to derive before Bob has spoken
	next, err := sub.MaybeDeriveNextAgent()
	if err != nil {
		t.Fatal(err)
	}
	if next != nil {
		t.Fatal("alice should not rotate yet")
	}

	if _, err := bobSub.AddPing(); err != nil {
		t.Fatal(err)
	}
	transfer(t, bob, alice, gid)
	assert.Equal(t, sub.NumMessages(), 4)
	assert.Equal(t, bobSub.HasContributed(), true)

	aliceNext, err := sub.MaybeDeriveNextAgent()
	if err != nil {
		t.Fatal(err)
	}
	bobNext, err := bobSub.MaybeDeriveNextAgent()
	if err != nil {
		t.Fatal(err)
	}
	if aliceNext == nil || bobNext == nil {
		t.Fatal("both should rotate")
	}
	assert.Equal(t, aliceNext.GroupID(), bobNext.GroupID())
	assert.Equal(t, aliceNext.Key(), bobNext.Key())

	// Bob has not spoken in the successor yet: no relink, nothing deleted
	relinks, err := alice.GC()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, len(relinks), 0)
	has, err := aliceStore.Has(store.Group, gid)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, has, true)

	transfer(t, bob, alice, aliceNext.GroupID())
	assert.Equal(t, aliceNext.MembersHaveCommitted(), true)

	relinks, err = alice.GC()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, relinks, map[string]string{gid: aliceNext.GroupID()})

	has, err = aliceStore.Has(store.Group, gid)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, has, false)
	has, err = aliceStore.Has(store.Agent, gid)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, has, false)

	root, err := alice.RootAgent()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, root.GroupLinks(), []string{aliceNext.GroupID()})

	// the old handle cannot write the collected epoch back
	if err := sub.Save(); !errors.Is(err, ErrCollected) {
		t.Fatalf("expected ErrCollected, got %v", err)
	}
	has, err = aliceStore.Has(store.Agent, gid)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, has, false)
}

// Three users rotate once every share has gone around, and all of them land
// in the same successor.
func TestThreeUserRotation(t *testing.T) {
	alice := attach(t, store.NewInmemStore(), "alice")
	bob := attach(t, store.NewInmemStore(), "bob")
	carol := attach(t, store.NewInmemStore(), "carol")

	agents := shareGroup(t, alice, bob, carol)
	gid := agents[0].GroupID()

	for round := 0; round < 3; round++ {
		pingAll(t, agents...)
		exchangeAll(t, gid, alice, bob, carol)
	}

	var successors []*Agent
	for _, a := range agents {
		assert.Equal(t, len(a.State().LiveUsers()), 3)
		next, err := a.MaybeDeriveNextAgent()
		if err != nil {
			t.Fatal(err)
		}
		if next == nil {
			t.Fatalf("%s should rotate", a.From())
		}
		successors = append(successors, next)
	}
	nextID := successors[0].GroupID()
	assert.NotEqual(t, nextID, gid)
	for _, next := range successors[1:] {
		assert.Equal(t, next.GroupID(), nextID)
		assert.Equal(t, next.Key(), successors[0].Key())
	}

	exchangeAll(t, nextID, alice, bob, carol)
	assert.Equal(t, successors[0].MembersHaveCommitted(), true)

	relinks, err := alice.GC()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, relinks, map[string]string{gid: nextID})
}

// Bob adds Carol after Alice has rotated but before Bob did. Alice drops
// her successor and everybody rotates under the new members.
func TestMembershipChangeRestartsRotation(t *testing.T) {
	aliceStore := store.NewInmemStore()
	alice := attach(t, aliceStore, "alice")
	bob := attach(t, store.NewInmemStore(), "bob")
	carol := attach(t, store.NewInmemStore(), "carol")

	agents := shareGroup(t, alice, bob)
	sub, bobSub := agents[0], agents[1]
	gid := sub.GroupID()

	pingAll(t, bobSub)
	transfer(t, bob, alice, gid)

	stale, err := sub.MaybeDeriveNextAgent()
	if err != nil {
		t.Fatal(err)
	}
	if stale == nil {
		t.Fatal("alice should rotate")
	}
	staleID := stale.GroupID()

	if _, err := bobSub.AddMember(carol.Tag()); err != nil {
		t.Fatal(err)
	}
	carolSub, err := carol.JoinGroup(sub.Key())
	if err != nil {
		t.Fatal(err)
	}
	exchangeAll(t, gid, alice, bob, carol)

	next, err := sub.MaybeDeriveNextAgent()
	if err != nil {
		t.Fatal(err)
	}
	if next != nil {
		t.Fatal("nothing to derive under the new members yet")
	}
	assert.Equal(t, sub.Next(), "")

	has, err := alice.HasAgent(staleID)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, has, false)
	has, err = aliceStore.Has(store.Group, staleID)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, has, false)

	reloaded, err := attach(t, aliceStore, "alice").GetAgent(gid)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, reloaded.Next(), "")

	all := []*Agent{sub, bobSub, carolSub}
	for round := 0; round < 3; round++ {
		pingAll(t, all...)
		exchangeAll(t, gid, alice, bob, carol)
	}

	var ids []string
	for _, a := range all {
		next, err := a.MaybeDeriveNextAgent()
		if err != nil {
			t.Fatal(err)
		}
		if next == nil {
			t.Fatalf("%s should rotate", a.From())
		}
		ids = append(ids, next.GroupID())
	}
	assert.Equal(t, ids[1], ids[0])
	assert.Equal(t, ids[2], ids[0])
	assert.NotEqual(t, ids[0], staleID)

	// once rotated under the current members the successor stays
	dropped, err := sub.DropStaleNext()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, dropped, false)
	assert.Equal(t, sub.Next(), ids[0])
}

func TestMembers(t *testing.T) {
	alice := attach(t, store.NewInmemStore(), "alice")
	bob := attach(t, store.NewInmemStore(), "bob")

	sub, err := alice.NewGroup()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, sub.HasMember(alice.Tag()), true)
	assert.Equal(t, sub.HasMember(bob.Tag()), false)

	if _, err := sub.AddMember(bob.Tag()); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, sub.HasMember(bob.Tag()), true)

	if _, err := sub.DelMember(bob.Tag()); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, sub.HasMember(bob.Tag()), false)
	assert.Equal(t, sub.State().LiveUsers(), []string{alice.Tag().String()})

	assert.Equal(t, len(sub.MessagesOfKind(message.Epoch)), 1)
	assert.Equal(t, len(sub.MessagesOfKind(message.Set)), 1)
	dels := sub.MessagesOfKind(message.Del)
	assert.Equal(t, len(dels), 1)
	assert.Equal(t, dels[0].Body[state.TypeUser][bob.Tag().String()], "")
}
