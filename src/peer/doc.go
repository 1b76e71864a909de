// Package peer manages one local identity and the groups it takes part in.
//
// A Peer owns a store, a user tag and a root group. Every group it holds a
// key for is handled by an Agent, which decrypts the group's envelopes,
// derives its graph and state, composes new messages and drives key
// rotation. Groups link to other groups through their state, so the groups
// a peer cares about form a graph anchored at the root group. Visit walks
// that graph and GC deletes whatever falls off it once every member has
// moved to a successor epoch.
//
// Key rotation
//
// Every message an Agent emits carries the key-exchange contributions it
// owes: it seeds its own exchange with its next public point and extends the
// unfinished exchanges of others with its next secret. When an exchange
// lacks only this Agent's contribution, MaybeDeriveNextAgent derives the
// next epoch key, creates the successor group, replays the current state
// into it and points Next at it. Peers rotate independently and meet in the
// same successor group since the derived key, and so the group id, is the
// same for all members.
package peer
