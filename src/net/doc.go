// Package net implements the transports peers use to synchronize groups.
//
// A Transport carries SyncGroupRequests to a target address and delivers the
// requests it receives on its Consumer channel, where the owner answers them
// through RPC.Respond. There are two implementations:
//
// - Inmem: in-memory transport used for tests and for peers living in the
// same process
//
// - TCP: communicating over plain TCP
//
// TCP
//
// Each request is framed by a byte naming the RPC type followed by the
// canonical JSON encoding of the request. The answer is one JSON object
// holding an error string and the response. Outgoing connections are pooled
// per target and dropped on Close.
//
// To use a TCP transport, set the following configuration options (cf config
// package):
//
// - listen: the IP:PORT of the TCP socket to bind.
//
// - advertise: (optional) The address advertised to other peers. If the bind
// address is a local address not reachable by other peers, set advertise to
// the reachable public address.
//
// Payloads are authenticated end to end by the sync package, so the
// transport itself needs neither encryption nor peer authentication.
package net
