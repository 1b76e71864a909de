package sync

import (
	"errors"
	"io"
	gosync "sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/mosaicnetworks/stxt/src/common"
	"github.com/mosaicnetworks/stxt/src/crypto"
	"github.com/mosaicnetworks/stxt/src/group"
	"github.com/mosaicnetworks/stxt/src/message"
	"github.com/mosaicnetworks/stxt/src/net"
	"github.com/mosaicnetworks/stxt/src/peer"
)

// MethodSyncGroup is the only method a Remote serves.
const MethodSyncGroup = "sync_group"

const nonceSize = 32

var (
	// ErrNonceReplay is returned when a payload reuses a nonce.
	ErrNonceReplay = errors.New("nonce replay")
	// ErrBadMAC is returned when a payload does not authenticate under the
	// agent group key.
	ErrBadMAC = errors.New("bad mac")
	// ErrUnknownMethod is returned for any method but MethodSyncGroup.
	ErrUnknownMethod = errors.New("unknown sync method")
	// ErrUnknownGroup is returned when a peer holds nothing for a group it
	// is asked to sync.
	ErrUnknownGroup = errors.New("unknown group")
)

// Body is the part of a payload covered by the MAC.
type Body = net.SyncBody

// Payload is what travels between peers.
type Payload = net.SyncPayload

// Sync drives the sync protocol on behalf of one agent, as requester
// through DoSync and as responder through Step.
type Sync struct {
	peer  *peer.Peer
	agent *peer.Agent
	rand  io.Reader

	nonceLock gosync.Mutex
	nonces    map[string]bool

	logger *logrus.Entry
}

// New ...
func New(p *peer.Peer, a *peer.Agent, rand io.Reader, logger *logrus.Entry) *Sync {
	return &Sync{
		peer:   p,
		agent:  a,
		rand:   rand,
		nonces: make(map[string]bool),
		logger: logger.WithFields(logrus.Fields{
			"prefix": "sync",
			"agent":  common.Abbrev(a.GroupID()),
		}),
	}
}

// Agent ...
func (s *Sync) Agent() *peer.Agent {
	return s.agent
}

// normalize replaces nil lists with empty ones, so that a body MACs the
// same before and after a trip through the wire codec.
func normalize(b Body) Body {
	if b.EnvelopeIDs == nil {
		b.EnvelopeIDs = []string{}
	}
	if b.Envelopes == nil {
		b.Envelopes = [][]byte{}
	}
	return b
}

func (s *Sync) mac(b Body) (string, error) {
	data, err := common.Marshal(normalize(b))
	if err != nil {
		return "", err
	}
	return crypto.HMAC(s.agent.Key(), data), nil
}

// FormPayload authenticates a body for the group being synced.
func (s *Sync) FormPayload(syncGID string, body Body) (*Payload, error) {
	body = normalize(body)
	mac, err := s.mac(body)
	if err != nil {
		return nil, err
	}
	nonce, err := crypto.RandomHex(s.rand, nonceSize)
	if err != nil {
		return nil, err
	}
	return &Payload{
		AgentGroup: s.agent.GroupID(),
		SyncGroup:  syncGID,
		MAC:        mac,
		Body:       body,
		Nonce:      nonce,
	}, nil
}

// Verify checks the MAC of a payload and that its nonce is fresh. The nonce
// is only remembered once the payload authenticates.
func (s *Sync) Verify(payload *Payload) error {
	s.nonceLock.Lock()
	defer s.nonceLock.Unlock()

	if s.nonces[payload.Nonce] {
		s.logger.Warn("Nonce reuse, rejecting")
		return ErrNonceReplay
	}
	data, err := common.Marshal(normalize(payload.Body))
	if err != nil {
		return err
	}
	if !crypto.CheckHMAC(s.agent.Key(), data, payload.MAC) {
		s.logger.Warn("Bad HMAC, rejecting")
		return ErrBadMAC
	}
	s.nonces[payload.Nonce] = true
	return nil
}

func (s *Sync) getGroup(gid string) (*group.Group, error) {
	has, err := s.peer.HasGroup(gid)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, ErrUnknownGroup
	}
	return s.peer.GetGroup(gid)
}

// Step merges the envelopes of body into the group and answers with the
// ids held locally and the ciphertexts the counterpart has not shown it
// holds. A nil body opens a sync: the answer carries ids only. Envelopes
// that do not decrypt are skipped; the others are still merged and stored.
func (s *Sync) Step(syncGID string, body *Body) (*Body, error) {
	g, err := s.getGroup(syncGID)
	if err != nil {
		return nil, err
	}

	if body == nil {
		return &Body{EnvelopeIDs: g.ListEnvelopes()}, nil
	}

	candidates := make(map[string]bool)
	for _, id := range g.ListEnvelopes() {
		candidates[id] = true
	}

	added, rejected := 0, 0
	for _, ct := range body.Envelopes {
		env, err := message.NewEnvelope(syncGID, ct)
		if err != nil {
			return nil, err
		}
		delete(candidates, env.ID)
		ok, err := g.AddEnvelope(env)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"group":    common.Abbrev(syncGID),
				"envelope": common.Abbrev(env.ID),
				"error":    err,
			}).Warn("Rejecting envelope")
			rejected++
			continue
		}
		if ok {
			added++
		}
	}
	inhibited := len(candidates)
	for _, id := range body.EnvelopeIDs {
		delete(candidates, id)
	}
	inhibited -= len(candidates)

	ids := maps.Keys(candidates)
	slices.Sort(ids)
	res := &Body{Envelopes: make([][]byte, 0, len(ids))}
	for _, id := range ids {
		env, ok := g.GetEnvelope(id)
		if !ok {
			continue
		}
		res.Envelopes = append(res.Envelopes, env.Ciphertext)
	}

	s.logger.WithFields(logrus.Fields{
		"group":     common.Abbrev(syncGID),
		"received":  len(body.Envelopes),
		"added":     added,
		"rejected":  rejected,
		"inhibited": inhibited,
		"sending":   len(res.Envelopes),
	}).Debug("Step()")

	if added > 0 {
		if err := s.peer.PutGroup(g); err != nil {
			return nil, err
		}
	}

	res.EnvelopeIDs = g.ListEnvelopes()
	return res, nil
}

// SendRequest authenticates body, sends it and verifies the response.
func (s *Sync) SendRequest(remote Remote, syncGID string, body Body) (*Body, error) {
	payload, err := s.FormPayload(syncGID, body)
	if err != nil {
		return nil, err
	}
	resp, err := remote.SendRequest(MethodSyncGroup, payload)
	if err != nil {
		return nil, err
	}
	if err := s.Verify(resp); err != nil {
		return nil, err
	}
	return &resp.Body, nil
}

// SyncOneGroup reconciles one group with the remote.
func (s *Sync) SyncOneGroup(remote Remote, gid string) error {
	logger := s.logger.WithField("group", common.Abbrev(gid))

	req, err := s.Step(gid, nil)
	if err != nil {
		return err
	}
	logger.Debug("Sending 1st request")
	res, err := s.SendRequest(remote, gid, *req)
	if err != nil {
		return err
	}

	req, err = s.Step(gid, res)
	if err != nil {
		return err
	}
	if len(req.Envelopes) == 0 {
		logger.Debug("Synchronized after 1 RT")
		return nil
	}

	logger.WithField("envelopes", len(req.Envelopes)).Debug("Sending 2nd request")
	res, err = s.SendRequest(remote, gid, *req)
	if err != nil {
		return err
	}
	// Anything the remote still had for us is merged; what it asks back is
	// left to the next sync.
	if _, err := s.Step(gid, res); err != nil {
		return err
	}
	logger.Debug("Synchronized after 2 RTs")
	return nil
}

// DoSync saves the agent, then reconciles every group reachable from it
// that the peer has agency in. A failing group does not stop the walk; the
// first failure is returned at the end.
func (s *Sync) DoSync(remote Remote) error {
	s.logger.Debug("Starting top-level sync")

	if err := s.agent.Save(); err != nil {
		return err
	}

	var first error
	err := s.peer.VisitFrom(s.agent, func(gid string, g *group.Group, a *peer.Agent) error {
		if a == nil {
			return nil
		}
		if err := s.SyncOneGroup(remote, gid); err != nil {
			s.logger.WithFields(logrus.Fields{
				"group": common.Abbrev(gid),
				"error": err,
			}).Error("SyncOneGroup")
			if first == nil {
				first = err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return first
}
