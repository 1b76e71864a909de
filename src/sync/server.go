package sync

import (
	"fmt"
	"io"
	gosync "sync"

	"github.com/sirupsen/logrus"

	"github.com/mosaicnetworks/stxt/src/common"
	"github.com/mosaicnetworks/stxt/src/net"
	"github.com/mosaicnetworks/stxt/src/peer"
)

// Server answers sync requests on behalf of a peer. It keeps one Sync per
// agent group so that nonces are tracked per key.
type Server struct {
	peer *peer.Peer
	rand io.Reader

	mu    gosync.Mutex
	syncs map[string]*Sync

	logger *logrus.Entry
}

// NewServer ...
func NewServer(p *peer.Peer, rand io.Reader, logger *logrus.Entry) *Server {
	return &Server{
		peer:   p,
		rand:   rand,
		syncs:  make(map[string]*Sync),
		logger: logger,
	}
}

func (s *Server) getSync(gid string) (*Sync, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sy, ok := s.syncs[gid]; ok {
		return sy, nil
	}
	has, err := s.peer.HasAgent(gid)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, ErrUnknownGroup
	}
	a, err := s.peer.GetAgent(gid)
	if err != nil {
		return nil, err
	}
	sy := New(s.peer, a, s.rand, s.logger)
	s.syncs[gid] = sy
	return sy, nil
}

// Forget drops the Sync of a group, once its agent has been deleted.
func (s *Server) Forget(gid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.syncs, gid)
}

// Handle verifies a request payload, steps the sync and returns the
// authenticated response.
func (s *Server) Handle(method string, payload *Payload) (*Payload, error) {
	if method != MethodSyncGroup {
		return nil, ErrUnknownMethod
	}
	sy, err := s.getSync(payload.AgentGroup)
	if err != nil {
		return nil, err
	}
	if err := sy.Verify(payload); err != nil {
		return nil, err
	}
	body, err := sy.Step(payload.SyncGroup, &payload.Body)
	if err != nil {
		return nil, err
	}
	return sy.FormPayload(payload.SyncGroup, *body)
}

// ProcessRPC answers an RPC consumed from a net.Transport.
func (s *Server) ProcessRPC(rpc net.RPC) {
	switch cmd := rpc.Command.(type) {
	case *net.SyncGroupRequest:
		s.processSyncGroupRequest(rpc, cmd)
	default:
		s.logger.WithField("cmd", rpc.Command).Error("Unexpected RPC command")
		rpc.Respond(nil, fmt.Errorf("unexpected command"))
	}
}

func (s *Server) processSyncGroupRequest(rpc net.RPC, cmd *net.SyncGroupRequest) {
	s.logger.WithFields(logrus.Fields{
		"agent_group": common.Abbrev(cmd.Payload.AgentGroup),
		"sync_group":  common.Abbrev(cmd.Payload.SyncGroup),
	}).Debug("process SyncGroupRequest")

	resp := &net.SyncGroupResponse{}
	payload, err := s.Handle(cmd.Method, &cmd.Payload)
	if err != nil {
		s.logger.WithField("error", err).Error("SyncGroupRequest")
	} else {
		resp.Payload = *payload
	}
	rpc.Respond(resp, err)
}
