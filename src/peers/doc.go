// Package peers defines the remote peers a node gossips with and implements
// functions to manage collections of them.
//
// A remote peer is identified by the network address where it can be reached
// and by the id of the group it shares with us. Syncs with a peer are
// authenticated with the key of that group, so a peer entry is useless until
// we have agency in the group, typically after joining it with an invitation
// key. A Moniker is an optional, non-unique, user-friendly name.
//
// Upon starting up, a node expects to find a peers.json file in its data
// directory, listing the peers it should gossip with:
//
//  [
//    {"NetAddr": "10.0.0.2:1337", "Group": "7d1c...", "Moniker": "bob"}
//  ]
//
// A missing or empty file is not an error; the node then only answers
// incoming syncs.
package peers
