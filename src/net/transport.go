package net

// Transport carries sync requests between peers.
type Transport interface {
	// Listen serves incoming connections until Close. Transports that need
	// no listener return immediately.
	Listen()

	// Consumer delivers incoming requests. Each one must be answered
	// through RPC.Respond.
	Consumer() <-chan RPC

	// LocalAddr is the address the transport is bound to.
	LocalAddr() string

	// AdvertiseAddr is the address other peers should dial.
	AdvertiseAddr() string

	// SyncGroup sends one step of a group synchronization to target and
	// waits for the answer.
	SyncGroup(target string, args *SyncGroupRequest, resp *SyncGroupResponse) error

	// Close stops the transport and releases its connections.
	Close() error
}

// RPC is an incoming request together with the channel its answer goes
// back on.
type RPC struct {
	Command  interface{}
	RespChan chan<- RPCResponse
}

// RPCResponse is the answer to an RPC. A non-nil Error is relayed to the
// caller as the error of its call.
type RPCResponse struct {
	Response interface{}
	Error    error
}

// Respond answers the RPC. It must be called exactly once.
func (r *RPC) Respond(resp interface{}, err error) {
	r.RespChan <- RPCResponse{Response: resp, Error: err}
}
