package peers

//PeerSet is the set of remote peers a node gossips with
type PeerSet struct {
	Peers []*Peer          `json:"peers"`
	ByKey map[string]*Peer `json:"-"`
}

/* Constructors */

//NewPeerSet creates a new PeerSet from a list of Peers. Later duplicates of
//an entry are dropped.
func NewPeerSet(peers []*Peer) *PeerSet {
	peerSet := &PeerSet{
		Peers: make([]*Peer, 0, len(peers)),
		ByKey: make(map[string]*Peer),
	}

	for _, peer := range peers {
		if _, ok := peerSet.ByKey[peer.Key()]; ok {
			continue
		}
		peerSet.ByKey[peer.Key()] = peer
		peerSet.Peers = append(peerSet.Peers, peer)
	}

	return peerSet
}

//WithNewPeer returns a new PeerSet with a list of peers including the new one.
func (peerSet *PeerSet) WithNewPeer(peer *Peer) *PeerSet {
	peers := append([]*Peer{}, peerSet.Peers...)
	return NewPeerSet(append(peers, peer))
}

//WithRemovedPeer returns a new PeerSet with a list of peers excluding the
//provided one
func (peerSet *PeerSet) WithRemovedPeer(peer *Peer) *PeerSet {
	peers := []*Peer{}
	for _, p := range peerSet.Peers {
		if p.Key() != peer.Key() {
			peers = append(peers, p)
		}
	}
	return NewPeerSet(peers)
}

/* Utilities */

//Len returns the number of Peers in the PeerSet
func (peerSet *PeerSet) Len() int {
	return len(peerSet.Peers)
}

//Groups returns the ids of the groups shared with the peers, in order of
//first appearance
func (peerSet *PeerSet) Groups() []string {
	seen := make(map[string]bool)
	res := []string{}
	for _, p := range peerSet.Peers {
		if !seen[p.Group] {
			seen[p.Group] = true
			res = append(res, p.Group)
		}
	}
	return res
}
