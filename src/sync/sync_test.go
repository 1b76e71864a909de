package sync

import (
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/mosaicnetworks/stxt/src/common"
	"github.com/mosaicnetworks/stxt/src/net"
	"github.com/mosaicnetworks/stxt/src/peer"
	"github.com/mosaicnetworks/stxt/src/store"
)

func attach(t *testing.T, s store.Store, user string) *peer.Peer {
	p, err := peer.Attach(s, user, "password", rand.Reader, common.NewTestEntry(t, common.TestLogLevel))
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func newSync(t *testing.T, p *peer.Peer, a *peer.Agent) *Sync {
	return New(p, a, rand.Reader, common.NewTestEntry(t, common.TestLogLevel))
}

func loopback(t *testing.T, p *peer.Peer) *Loopback {
	return NewLoopback(NewServer(p, rand.Reader, common.NewTestEntry(t, common.TestLogLevel)))
}

// countingRemote records how many requests and envelopes go out.
type countingRemote struct {
	inner     Remote
	requests  int
	envelopes int
}

func (c *countingRemote) SendRequest(method string, payload *Payload) (*Payload, error) {
	c.requests++
	c.envelopes += len(payload.Body.Envelopes)
	return c.inner.SendRequest(method, payload)
}

// sharedGroup makes Alice create a group and Bob join it.
func sharedGroup(t *testing.T, alice, bob *peer.Peer) (*peer.Agent, *peer.Agent) {
	a, err := alice.NewGroup()
	if err != nil {
		t.Fatal(err)
	}
	b, err := bob.JoinGroup(a.Key())
	if err != nil {
		t.Fatal(err)
	}
	return a, b
}

func ping(t *testing.T, a *peer.Agent, n int) {
	for i := 0; i < n; i++ {
		if _, err := a.AddPing(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestVerify(t *testing.T) {
	alice := attach(t, store.NewInmemStore(), "alice")
	bob := attach(t, store.NewInmemStore(), "bob")
	a, b := sharedGroup(t, alice, bob)

	sender := newSync(t, alice, a)
	receiver := newSync(t, bob, b)

	payload, err := sender.FormPayload(a.GroupID(), Body{EnvelopeIDs: []string{"aa"}})
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, payload.AgentGroup, a.GroupID())
	assert.Equal(t, len(payload.Nonce), 2*nonceSize)

	if err := receiver.Verify(payload); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	if err := receiver.Verify(payload); !errors.Is(err, ErrNonceReplay) {
		t.Fatalf("expected ErrNonceReplay, got %v", err)
	}

	tampered, err := sender.FormPayload(a.GroupID(), Body{EnvelopeIDs: []string{"aa"}})
	if err != nil {
		t.Fatal(err)
	}
	tampered.Body.EnvelopeIDs = []string{"bb"}
	if err := receiver.Verify(tampered); !errors.Is(err, ErrBadMAC) {
		t.Fatalf("expected ErrBadMAC, got %v", err)
	}
	// a rejected payload does not burn its nonce
	tampered.Body.EnvelopeIDs = []string{"aa"}
	if err := receiver.Verify(tampered); err != nil {
		t.Fatalf("restored payload rejected: %v", err)
	}

	// a key the receiver does not share
	other, err := alice.NewGroup()
	if err != nil {
		t.Fatal(err)
	}
	foreign, err := newSync(t, alice, other).FormPayload(other.GroupID(), Body{})
	if err != nil {
		t.Fatal(err)
	}
	if err := receiver.Verify(foreign); !errors.Is(err, ErrBadMAC) {
		t.Fatalf("expected ErrBadMAC, got %v", err)
	}
}

func TestStep(t *testing.T) {
	alice := attach(t, store.NewInmemStore(), "alice")
	a, err := alice.NewGroup()
	if err != nil {
		t.Fatal(err)
	}
	ping(t, a, 2)
	s := newSync(t, alice, a)

	opening, err := s.Step(a.GroupID(), nil)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, len(opening.EnvelopeIDs), 3)
	assert.Equal(t, len(opening.Envelopes), 0)

	// the counterpart holds one of our envelopes
	res, err := s.Step(a.GroupID(), &Body{EnvelopeIDs: opening.EnvelopeIDs[:1]})
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, len(res.Envelopes), 2)

	res, err = s.Step(a.GroupID(), &Body{EnvelopeIDs: opening.EnvelopeIDs})
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, len(res.Envelopes), 0)

	if _, err := s.Step("unknown", nil); !errors.Is(err, ErrUnknownGroup) {
		t.Fatalf("expected ErrUnknownGroup, got %v", err)
	}
}

func TestStepSkipsUndecryptable(t *testing.T) {
	bobStore := store.NewInmemStore()
	alice := attach(t, store.NewInmemStore(), "alice")
	bob := attach(t, bobStore, "bob")
	a, b := sharedGroup(t, alice, bob)
	ping(t, a, 1)

	junk := make([]byte, 64)
	if _, err := rand.Read(junk); err != nil {
		t.Fatal(err)
	}
	body := &Body{Envelopes: [][]byte{junk}}
	for _, env := range a.Group().Envelopes() {
		body.Envelopes = append(body.Envelopes, env.Ciphertext)
	}

	res, err := newSync(t, bob, b).Step(a.GroupID(), body)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, b.NumMessages(), 2)
	assert.Equal(t, res.EnvelopeIDs, a.Group().ListEnvelopes())

	reloaded := attach(t, bobStore, "bob")
	rb, err := reloaded.GetAgent(a.GroupID())
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, rb.NumMessages(), 2)
}

func TestServerRejects(t *testing.T) {
	alice := attach(t, store.NewInmemStore(), "alice")
	bob := attach(t, store.NewInmemStore(), "bob")
	a, _ := sharedGroup(t, alice, bob)
	remote := loopback(t, bob)

	payload, err := newSync(t, alice, a).FormPayload(a.GroupID(), Body{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := remote.SendRequest("get_group", payload); !errors.Is(err, ErrUnknownMethod) {
		t.Fatalf("expected ErrUnknownMethod, got %v", err)
	}

	// Bob has no agent in Alice's root group
	root, err := alice.RootAgent()
	if err != nil {
		t.Fatal(err)
	}
	payload, err = newSync(t, alice, root).FormPayload(root.GroupID(), Body{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := remote.SendRequest(MethodSyncGroup, payload); !errors.Is(err, ErrUnknownGroup) {
		t.Fatalf("expected ErrUnknownGroup, got %v", err)
	}

	// a group Bob does not hold, under a key he does
	payload, err = newSync(t, alice, a).FormPayload(root.GroupID(), Body{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := remote.SendRequest(MethodSyncGroup, payload); !errors.Is(err, ErrUnknownGroup) {
		t.Fatalf("expected ErrUnknownGroup, got %v", err)
	}
}

func TestSyncOneGroupConverges(t *testing.T) {
	alice := attach(t, store.NewInmemStore(), "alice")
	bob := attach(t, store.NewInmemStore(), "bob")
	a, b := sharedGroup(t, alice, bob)
	gid := a.GroupID()

	ping(t, a, 2)
	ping(t, b, 2)
	assert.Equal(t, a.NumMessages(), 3)
	assert.Equal(t, b.NumMessages(), 2)

	remote := &countingRemote{inner: loopback(t, bob)}
	s := newSync(t, alice, a)

	if err := s.SyncOneGroup(remote, gid); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, remote.requests, 2)
	assert.Equal(t, remote.envelopes, 3)
	assert.Equal(t, a.NumMessages(), 5)
	assert.Equal(t, b.NumMessages(), 5)
	assert.Equal(t, a.Group().ListEnvelopes(), b.Group().ListEnvelopes())
	assert.Equal(t, a.State().Snapshot(), b.State().Snapshot())

	remote.requests, remote.envelopes = 0, 0
	if err := s.SyncOneGroup(remote, gid); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, remote.requests, 1)
	assert.Equal(t, remote.envelopes, 0)
}

func TestSyncIsPersisted(t *testing.T) {
	bobStore := store.NewInmemStore()
	alice := attach(t, store.NewInmemStore(), "alice")
	bob := attach(t, bobStore, "bob")
	a, _ := sharedGroup(t, alice, bob)
	ping(t, a, 1)

	if err := newSync(t, alice, a).DoSync(loopback(t, bob)); err != nil {
		t.Fatal(err)
	}

	reloaded := attach(t, bobStore, "bob")
	b, err := reloaded.GetAgent(a.GroupID())
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, b.NumMessages(), 2)
}

// Alice and Bob talk in a two user group, rotate its key together and
// Alice collects the first epoch.
func TestAliceAndBob(t *testing.T) {
	aliceStore := store.NewInmemStore()
	alice := attach(t, aliceStore, "alice")
	bob := attach(t, store.NewInmemStore(), "bob")

	a, err := alice.NewGroup()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.AddMember(bob.Tag()); err != nil {
		t.Fatal(err)
	}
	if _, err := a.AddPing(); err != nil {
		t.Fatal(err)
	}
	gid := a.GroupID()

	b, err := bob.JoinGroup(a.Key())
	if err != nil {
		t.Fatal(err)
	}

	aliceSync := newSync(t, alice, a)
	bobSync := newSync(t, bob, b)
	toBob := loopback(t, bob)
	toAlice := loopback(t, alice)

	if err := aliceSync.DoSync(toBob); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, b.NumMessages(), 3)

	ping(t, b, 1)
	if err := bobSync.DoSync(toAlice); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, a.NumMessages(), 4)

	if _, err := a.SetState("topic", "title", "lunch"); err != nil {
		t.Fatal(err)
	}
	if err := aliceSync.DoSync(toBob); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, b.NumMessages(), 5)

	aliceNext, err := a.MaybeDeriveNextAgent()
	if err != nil {
		t.Fatal(err)
	}
	bobNext, err := b.MaybeDeriveNextAgent()
	if err != nil {
		t.Fatal(err)
	}
	if aliceNext == nil || bobNext == nil {
		t.Fatal("both should rotate")
	}
	assert.Equal(t, aliceNext.GroupID(), bobNext.GroupID())
	assert.NotEqual(t, aliceNext.GroupID(), gid)

	// Alice learns of Bob's successor epoch through the chain
	if err := aliceSync.DoSync(toBob); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, aliceNext.MembersHaveCommitted(), true)

	relinks, err := alice.GC()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, relinks, map[string]string{gid: aliceNext.GroupID()})

	has, err := aliceStore.Has(store.Group, gid)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, has, false)

	// a sync still holding the collected agent does not bring it back
	if err := aliceSync.DoSync(toBob); !errors.Is(err, peer.ErrCollected) {
		t.Fatalf("expected ErrCollected, got %v", err)
	}
	if _, err := alice.GC(); err != nil {
		t.Fatal(err)
	}
	for _, kind := range []store.Kind{store.Group, store.Agent} {
		has, err := aliceStore.Has(kind, gid)
		if err != nil {
			t.Fatal(err)
		}
		assert.Equal(t, has, false)
	}
}

func TestTransportRemote(t *testing.T) {
	alice := attach(t, store.NewInmemStore(), "alice")
	bob := attach(t, store.NewInmemStore(), "bob")
	a, b := sharedGroup(t, alice, bob)
	ping(t, a, 1)
	ping(t, b, 1)

	aliceAddr, aliceTrans := net.NewInmemTransport("")
	bobAddr, bobTrans := net.NewInmemTransport("")
	aliceTrans.Connect(bobAddr, bobTrans)
	bobTrans.Connect(aliceAddr, aliceTrans)
	defer aliceTrans.Close()
	defer bobTrans.Close()

	server := NewServer(bob, rand.Reader, common.NewTestEntry(t, common.TestLogLevel))
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case rpc := <-bobTrans.Consumer():
				server.ProcessRPC(rpc)
			case <-done:
				return
			}
		}
	}()

	remote := NewTransportRemote(aliceTrans, bobAddr)
	if err := newSync(t, alice, a).DoSync(remote); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, a.NumMessages(), 3)
	assert.Equal(t, b.NumMessages(), 3)

	// the server answers foreign commands with an error
	respCh := make(chan net.RPCResponse, 1)
	server.ProcessRPC(net.RPC{Command: "nonsense", RespChan: respCh})
	select {
	case resp := <-respCh:
		if resp.Error == nil {
			t.Fatal("expected an error")
		}
	case <-time.After(time.Second):
		t.Fatal("no response")
	}
}
