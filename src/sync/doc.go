// Package sync reconciles groups between two peers.
//
// A Sync is bound to one agent. Every request and response it exchanges is
// a Payload authenticated with an HMAC under the agent's group key and
// carrying a fresh nonce, so the protocol can run over an unauthenticated
// transport. Both peers must have agency in the agent group; the group
// being reconciled may be any group reachable from it.
//
// Reconciling one group takes one or two round trips. The requester sends
// the ids of the envelopes it holds; the responder answers with its own ids
// and the ciphertexts the requester lacks. The
// requester merges those and, if the responder lacks anything, pushes it in
// a second request. Merging is a union keyed by envelope id, so running a
// sync again after convergence moves no envelopes.
//
// DoSync walks every group reachable from the agent, following the agent
// chain once a group has rotated and the group links otherwise, and
// reconciles each group the peer has agency in.
package sync
