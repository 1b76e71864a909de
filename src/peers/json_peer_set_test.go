package peers

import (
	"fmt"
	"io/ioutil"
	"path/filepath"
	"testing"
)

func TestJSONPeerSet(t *testing.T) {
	dir := t.TempDir()

	// Create the store
	store := NewJSONPeerSet(dir)

	// Try a read, should get nothing
	peerSet, err := store.PeerSet()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if peerSet.Len() != 0 {
		t.Fatalf("peerSet: %v", peerSet)
	}

	peers := []*Peer{}
	for i := 0; i < 3; i++ {
		peers = append(peers, NewPeer(
			fmt.Sprintf("addr%d", i),
			fmt.Sprintf("group%d", i%2),
			fmt.Sprintf("peer%d", i),
		))
	}

	if err := store.Write(peers); err != nil {
		t.Fatalf("err: %v", err)
	}

	// Try a read, should find 3 peers
	peerSet, err = store.PeerSet()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if peerSet.Len() != 3 {
		t.Fatalf("peers: %v", peerSet.Peers)
	}

	for i := 0; i < 3; i++ {
		if *peerSet.Peers[i] != *peers[i] {
			t.Fatalf("peers[%d] should be %v, not %v", i, peers[i], peerSet.Peers[i])
		}
	}
}

func TestJSONPeerSetHandWritten(t *testing.T) {
	dir := t.TempDir()
	raw := `[
  {"NetAddr": "10.0.0.2:1337", "Group": "aa", "Moniker": "bob"},
  {"NetAddr": "10.0.0.3:1337", "Group": "aa"}
]`
	if err := ioutil.WriteFile(filepath.Join(dir, "peers.json"), []byte(raw), 0644); err != nil {
		t.Fatal(err)
	}

	peerSet, err := NewJSONPeerSet(dir).PeerSet()
	if err != nil {
		t.Fatal(err)
	}
	if peerSet.Len() != 2 {
		t.Fatalf("expected 2 peers, got %d", peerSet.Len())
	}
	if peerSet.Peers[0].Moniker != "bob" || peerSet.Peers[1].Moniker != "" {
		t.Fatalf("bad monikers: %v", peerSet.Peers)
	}
	if g := peerSet.Groups(); len(g) != 1 || g[0] != "aa" {
		t.Fatalf("bad groups: %v", g)
	}
}

func TestPeerSet(t *testing.T) {
	a := NewPeer("addr0", "g0", "")
	b := NewPeer("addr1", "g0", "")
	dup := NewPeer("addr0", "g0", "again")

	ps := NewPeerSet([]*Peer{a, b, dup})
	if ps.Len() != 2 {
		t.Fatalf("duplicates should be dropped, got %d peers", ps.Len())
	}

	ps2 := ps.WithRemovedPeer(a)
	if ps2.Len() != 1 || ps2.Peers[0] != b {
		t.Fatalf("bad removal: %v", ps2.Peers)
	}
	if ps.Len() != 2 {
		t.Fatal("WithRemovedPeer should not modify the original")
	}

	ps3 := ps2.WithNewPeer(NewPeer("addr0", "g1", ""))
	if ps3.Len() != 2 {
		t.Fatalf("bad addition: %v", ps3.Peers)
	}

	index, others := ExcludePeer(ps.Peers, "addr1")
	if index != 1 || len(others) != 1 {
		t.Fatalf("bad exclusion: %d %v", index, others)
	}
}
