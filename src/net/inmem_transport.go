package net

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/mosaicnetworks/stxt/src/crypto"
)

// NewInmemAddr returns a random address for an in-memory transport.
func NewInmemAddr() string {
	addr, err := crypto.RandomHex(rand.Reader, 8)
	if err != nil {
		panic(fmt.Errorf("failed to read random bytes: %v", err))
	}
	return "inmem-" + addr
}

// InmemTransport routes requests between transports of the same process.
// Routes are explicit: a transport only reaches the peers it was connected
// to.
type InmemTransport struct {
	sync.RWMutex
	consumerCh chan RPC
	localAddr  string
	peers      map[string]*InmemTransport
	timeout    time.Duration
}

// NewInmemTransport creates a transport at addr, or at a random address if
// addr is empty, and returns the address along with it.
func NewInmemTransport(addr string) (string, *InmemTransport) {
	if addr == "" {
		addr = NewInmemAddr()
	}
	return addr, &InmemTransport{
		consumerCh: make(chan RPC, 16),
		localAddr:  addr,
		peers:      make(map[string]*InmemTransport),
		timeout:    time.Second,
	}
}

// Consumer implements the Transport interface.
func (i *InmemTransport) Consumer() <-chan RPC {
	return i.consumerCh
}

// LocalAddr implements the Transport interface.
func (i *InmemTransport) LocalAddr() string {
	return i.localAddr
}

// AdvertiseAddr implements the Transport interface.
func (i *InmemTransport) AdvertiseAddr() string {
	return i.localAddr
}

// SyncGroup implements the Transport interface.
func (i *InmemTransport) SyncGroup(target string, args *SyncGroupRequest, resp *SyncGroupResponse) error {
	i.RLock()
	peer, ok := i.peers[target]
	i.RUnlock()
	if !ok {
		return fmt.Errorf("failed to connect to peer: %v", target)
	}

	respCh := make(chan RPCResponse, 1)
	timeout := time.After(i.timeout)

	select {
	case peer.consumerCh <- RPC{Command: args, RespChan: respCh}:
	case <-timeout:
		return fmt.Errorf("command timed out")
	}

	select {
	case r := <-respCh:
		if r.Error != nil {
			return r.Error
		}
		out, ok := r.Response.(*SyncGroupResponse)
		if !ok || out == nil {
			return fmt.Errorf("unexpected response %T", r.Response)
		}
		*resp = *out
		return nil
	case <-timeout:
		return fmt.Errorf("command timed out")
	}
}

// Connect adds a route to t under addr.
func (i *InmemTransport) Connect(addr string, t Transport) {
	trans := t.(*InmemTransport)
	i.Lock()
	defer i.Unlock()
	i.peers[addr] = trans
}

// Disconnect removes the route to addr.
func (i *InmemTransport) Disconnect(addr string) {
	i.Lock()
	defer i.Unlock()
	delete(i.peers, addr)
}

// DisconnectAll removes every route.
func (i *InmemTransport) DisconnectAll() {
	i.Lock()
	defer i.Unlock()
	i.peers = make(map[string]*InmemTransport)
}

// Close drops every route.
func (i *InmemTransport) Close() error {
	i.DisconnectAll()
	return nil
}

// Listen is a no-op; requests are delivered as soon as they are sent.
func (i *InmemTransport) Listen() {
}
