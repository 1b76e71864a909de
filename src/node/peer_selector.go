package node

import (
	"math/rand"
	"sync"

	"github.com/mosaicnetworks/stxt/src/peers"
)

//PeerSelector defines and interface for Peer Selectors
type PeerSelector interface {
	Peers() *peers.PeerSet
	UpdateLast(peer string)
	Next() *peers.Peer
}

//+++++++++++++++++++++++++++++++++++++++
//RANDOM

//RandomPeerSelector defines a struct which controls the random selection of peers
type RandomPeerSelector struct {
	sync.Mutex
	peers           *peers.PeerSet
	selectablePeers []*peers.Peer
	last            string
}

//NewRandomPeerSelector returns a selector over every peer of peerSet but the
//ones listening on selfAddr
func NewRandomPeerSelector(peerSet *peers.PeerSet, selfAddr string) *RandomPeerSelector {
	_, selectablePeers := peers.ExcludePeer(peerSet.Peers, selfAddr)
	return &RandomPeerSelector{
		peers:           peerSet,
		selectablePeers: selectablePeers,
	}
}

//Peers returns a set of peers
func (ps *RandomPeerSelector) Peers() *peers.PeerSet {
	return ps.peers
}

//UpdateLast sets the key of the last peer
func (ps *RandomPeerSelector) UpdateLast(peer string) {
	ps.Lock()
	defer ps.Unlock()
	ps.last = peer
}

//Next returns the next peer
func (ps *RandomPeerSelector) Next() *peers.Peer {
	ps.Lock()
	defer ps.Unlock()

	selectablePeers := ps.selectablePeers

	if len(selectablePeers) == 0 {
		return nil
	}

	if len(selectablePeers) > 1 {
		others := make([]*peers.Peer, 0, len(selectablePeers))
		for _, p := range selectablePeers {
			if p.Key() != ps.last {
				others = append(others, p)
			}
		}
		selectablePeers = others
	}

	i := rand.Intn(len(selectablePeers))

	return selectablePeers[i]
}
