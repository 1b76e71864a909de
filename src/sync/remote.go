package sync

import (
	"github.com/mosaicnetworks/stxt/src/net"
)

// Remote is the counterpart of a sync, seen from the requester.
type Remote interface {
	SendRequest(method string, payload *Payload) (*Payload, error)
}

// Loopback is a Remote that hands requests straight to the Server of a peer
// in the same process.
type Loopback struct {
	server *Server
}

// NewLoopback ...
func NewLoopback(server *Server) *Loopback {
	return &Loopback{server: server}
}

// SendRequest implements Remote.
func (l *Loopback) SendRequest(method string, payload *Payload) (*Payload, error) {
	return l.server.Handle(method, payload)
}

// TransportRemote is a Remote reached through a net.Transport.
type TransportRemote struct {
	trans  net.Transport
	target string
}

// NewTransportRemote returns a Remote for the peer listening at target.
func NewTransportRemote(trans net.Transport, target string) *TransportRemote {
	return &TransportRemote{
		trans:  trans,
		target: target,
	}
}

// Target ...
func (r *TransportRemote) Target() string {
	return r.target
}

// SendRequest implements Remote.
func (r *TransportRemote) SendRequest(method string, payload *Payload) (*Payload, error) {
	args := net.SyncGroupRequest{
		Method:  method,
		Payload: *payload,
	}
	var out net.SyncGroupResponse
	if err := r.trans.SyncGroup(r.target, &args, &out); err != nil {
		return nil, err
	}
	return &out.Payload, nil
}
