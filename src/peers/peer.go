package peers

import (
	"fmt"

	"github.com/mosaicnetworks/stxt/src/common"
)

// Peer is a remote peer and the group we sync with it.
type Peer struct {
	NetAddr string
	Group   string
	Moniker string
}

// NewPeer ...
func NewPeer(netAddr, group, moniker string) *Peer {
	return &Peer{
		NetAddr: netAddr,
		Group:   group,
		Moniker: moniker,
	}
}

// Key identifies a peer entry within a PeerSet.
func (p *Peer) Key() string {
	return p.NetAddr + "/" + p.Group
}

func (p *Peer) String() string {
	if p.Moniker != "" {
		return fmt.Sprintf("%s@%s/%s", p.Moniker, p.NetAddr, common.Abbrev(p.Group))
	}
	return fmt.Sprintf("%s/%s", p.NetAddr, common.Abbrev(p.Group))
}

// ExcludePeer is used to exclude a single peer from a list of peers.
func ExcludePeer(peers []*Peer, peer string) (int, []*Peer) {
	index := -1
	otherPeers := make([]*Peer, 0, len(peers))
	for i, p := range peers {
		if p.NetAddr != peer {
			otherPeers = append(otherPeers, p)
		} else {
			index = i
		}
	}
	return index, otherPeers
}
