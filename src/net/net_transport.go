package net

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"

	"github.com/mosaicnetworks/stxt/src/common"
)

const (
	rpcSyncGroup byte = 's'
)

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")
)

// wireResponse is what a NetworkTransport writes back for every request.
// An empty Error means success.
type wireResponse struct {
	Error    string            `json:"error"`
	Response SyncGroupResponse `json:"response"`
}

/*
NetworkTransport runs sync requests over a StreamLayer.

A request is one byte naming the RPC followed by its canonical JSON
encoding. The answer is a single wireResponse. Outgoing connections are
pooled per target and reused as long as the exchange on them completed.
*/
type NetworkTransport struct {
	logger *logrus.Entry

	pool *connPool

	consumeCh chan RPC

	shutdownOnce sync.Once
	shutdownCh   chan struct{}

	stream StreamLayer

	timeout time.Duration
}

// NewNetworkTransport creates a transport over stream. maxPool bounds the
// idle connections kept per target; timeout is the I/O deadline of a call.
func NewNetworkTransport(
	stream StreamLayer,
	maxPool int,
	timeout time.Duration,
	logger *logrus.Entry,
) *NetworkTransport {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	return &NetworkTransport{
		logger:     logger.WithField("prefix", "net"),
		pool:       newConnPool(maxPool),
		consumeCh:  make(chan RPC),
		shutdownCh: make(chan struct{}),
		stream:     stream,
		timeout:    timeout,
	}
}

// Close stops listening and drops pooled connections. It is idempotent.
func (n *NetworkTransport) Close() error {
	var err error
	n.shutdownOnce.Do(func() {
		close(n.shutdownCh)
		err = n.stream.Close()
		n.pool.close()
	})
	return err
}

// Consumer implements the Transport interface.
func (n *NetworkTransport) Consumer() <-chan RPC {
	return n.consumeCh
}

// LocalAddr implements the Transport interface.
func (n *NetworkTransport) LocalAddr() string {
	if addr := n.stream.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

// AdvertiseAddr implements the Transport interface.
func (n *NetworkTransport) AdvertiseAddr() string {
	return n.stream.AdvertiseAddr()
}

// IsShutdown reports whether Close was called.
func (n *NetworkTransport) IsShutdown() bool {
	select {
	case <-n.shutdownCh:
		return true
	default:
		return false
	}
}

func (n *NetworkTransport) getConn(target string) (*netConn, error) {
	if conn := n.pool.get(target); conn != nil {
		return conn, nil
	}

	conn, err := n.stream.Dial(target, n.timeout)
	if err != nil {
		return nil, err
	}
	return newNetConn(target, conn), nil
}

// SyncGroup implements the Transport interface.
func (n *NetworkTransport) SyncGroup(target string, args *SyncGroupRequest, resp *SyncGroupResponse) error {
	if n.IsShutdown() {
		return ErrTransportShutdown
	}

	conn, err := n.getConn(target)
	if err != nil {
		return err
	}

	if n.timeout > 0 {
		conn.conn.SetDeadline(time.Now().Add(n.timeout))
	}

	var out wireResponse
	if err := call(conn, rpcSyncGroup, args, &out); err != nil {
		conn.Release()
		return err
	}
	n.pool.put(conn)

	if out.Error != "" {
		return errors.New(out.Error)
	}
	*resp = out.Response
	return nil
}

// call writes one request on conn and reads its answer.
func call(conn *netConn, rpcType byte, args interface{}, out *wireResponse) error {
	if err := conn.w.WriteByte(rpcType); err != nil {
		return err
	}
	if err := conn.enc.Encode(args); err != nil {
		return err
	}
	if err := conn.w.Flush(); err != nil {
		return err
	}
	return conn.dec.Decode(out)
}

// Listen accepts connections until the transport is closed.
func (n *NetworkTransport) Listen() {
	for {
		conn, err := n.stream.Accept()
		if err != nil {
			if n.IsShutdown() {
				return
			}
			n.logger.WithError(err).Error("Failed to accept connection")
			continue
		}

		n.logger.WithFields(logrus.Fields{
			"node": conn.LocalAddr(),
			"from": conn.RemoteAddr(),
		}).Debug("accepted connection")

		go n.handleConn(conn)
	}
}

// handleConn serves requests on conn until it fails or closes.
func (n *NetworkTransport) handleConn(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReaderSize(conn, bufSize)
	w := bufio.NewWriterSize(conn, bufSize)
	dec := codec.NewDecoder(r, common.NewJSONHandle())
	enc := codec.NewEncoder(w, common.NewJSONHandle())

	for {
		err := n.handleCommand(r, dec, enc)
		switch {
		case err == nil:
		case err == io.EOF:
			return
		case err == ErrTransportShutdown:
			n.logger.WithError(err).Debug("Dropping connection")
			return
		default:
			n.logger.WithError(err).Error("Failed to handle incoming command")
			return
		}

		if err := w.Flush(); err != nil {
			n.logger.WithError(err).Error("Failed to flush response")
			return
		}
	}
}

// handleCommand decodes one request, hands it to the consumer and encodes
// the answer.
func (n *NetworkTransport) handleCommand(r *bufio.Reader, dec *codec.Decoder, enc *codec.Encoder) error {
	rpcType, err := r.ReadByte()
	if err != nil {
		return err
	}

	respCh := make(chan RPCResponse, 1)
	rpc := RPC{RespChan: respCh}

	switch rpcType {
	case rpcSyncGroup:
		var req SyncGroupRequest
		if err := dec.Decode(&req); err != nil {
			return err
		}
		rpc.Command = &req
	default:
		return fmt.Errorf("unknown rpc type %q", rpcType)
	}

	select {
	case n.consumeCh <- rpc:
	case <-n.shutdownCh:
		return ErrTransportShutdown
	}

	var resp RPCResponse
	select {
	case resp = <-respCh:
	case <-n.shutdownCh:
		return ErrTransportShutdown
	}

	var out wireResponse
	if resp.Error != nil {
		out.Error = resp.Error.Error()
	}
	if sr, ok := resp.Response.(*SyncGroupResponse); ok && sr != nil {
		out.Response = *sr
	}
	return enc.Encode(&out)
}
