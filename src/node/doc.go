// Package node implements the reactive component of a stxt peer.
//
// This is the part of stxt that drives gossip with remote peers, answers their
// sync requests, rotates group keys and collects superseded groups. Node
// implements a small state machine, Gossiping until it is shut down.
//
// Gossip
//
// A node gossips by repeatedly choosing a remote peer at random from
// peers.json, never the one it just synced with when there are others, and
// running a sync over the group shared with that peer (cf. the sync package).
// The sync starts from the newest epoch this peer holds of the group and
// follows the chain of rotations and group links from there.
//
// Incoming RPCs are consumed from the transport and served by a sync.Server.
//
// Rotation and collection
//
// After every gossip, each group with at least two live users tries to
// rotate its key. A group alone with its owner has nobody to agree a key with,
// and rotating it would only grow the chain. Every GCEvery gossips the node
// runs a garbage collection and remembers the relinks, so that peers.json
// entries naming collected groups keep working.
package node
