// Package message defines the nodes of a group's causal graph and their
// encrypted wire form.
//
// A Message is content-addressed: its ID is the hash of the canonical
// encoding of every other field, with parents sorted, so two peers building
// the same message agree on its ID and nobody ever assigns one. Messages
// reference their causal predecessors by ID only.
//
// An Envelope is what travels and what is stored. It carries the group id and
// the AEAD ciphertext of a Message under the group key, and is addressed by
// the hash of those two fields. Envelope and Message IDs are independent:
// encrypting the same Message twice yields two Envelopes.
package message
