package peer

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mosaicnetworks/stxt/src/common"
	"github.com/mosaicnetworks/stxt/src/crypto"
	"github.com/mosaicnetworks/stxt/src/group"
	"github.com/mosaicnetworks/stxt/src/state"
	"github.com/mosaicnetworks/stxt/src/store"
	"github.com/mosaicnetworks/stxt/src/tag"
)

// Configuration records.
const (
	cfgRootGroup = "root-group"
	cfgAgentSalt = "agent-salt"
	cfgUserTag   = "user-tag"

	saltSize = 32
)

var (
	// ErrWrongUser is returned when attaching to a store initialized for
	// another user.
	ErrWrongUser = errors.New("store belongs to another user")
	// ErrCollected is returned when saving a group or agent that garbage
	// collection has deleted.
	ErrCollected = errors.New("group was garbage collected")
)

// Peer is one local identity with its groups and agents.
type Peer struct {
	store       store.Store
	tag         tag.Tag
	agentKey    []byte
	rootGroupID string
	rand        io.Reader

	// mu guards the caches
	mu     sync.Mutex
	groups map[string]*group.Group
	agents map[string]*Agent
	// collected holds the ids deleted by DelGroupAndAgent, so that stale
	// handles cannot write them back
	collected map[string]bool

	// linkMu keeps garbage collection and rotation apart
	linkMu sync.Mutex

	logger *logrus.Entry
}

func newPeer(s store.Store, t tag.Tag, agentKey []byte, rootGroupID string, rand io.Reader, logger *logrus.Entry) *Peer {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	return &Peer{
		store:       s,
		tag:         t,
		agentKey:    agentKey,
		rootGroupID: rootGroupID,
		rand:        rand,
		groups:      make(map[string]*group.Group),
		agents:      make(map[string]*Agent),
		collected:   make(map[string]bool),
		logger:      logger.WithField("prefix", "peer"),
	}
}

// Attach opens the identity held in s, or creates one with a fresh root
// group if the store is empty. The password protects agent records.
func Attach(s store.Store, user, password string, rand io.Reader, logger *logrus.Entry) (*Peer, error) {
	has, err := s.Has(store.Cfg, cfgRootGroup)
	if err != nil {
		return nil, err
	}
	if has {
		return reload(s, user, password, rand, logger)
	}
	return initialize(s, user, password, rand, logger)
}

func reload(s store.Store, user, password string, rand io.Reader, logger *logrus.Entry) (*Peer, error) {
	gid, err := s.Get(store.Cfg, cfgRootGroup)
	if err != nil {
		return nil, err
	}
	salt, err := s.Get(store.Cfg, cfgAgentSalt)
	if err != nil {
		return nil, err
	}
	rawTag, err := s.Get(store.Cfg, cfgUserTag)
	if err != nil {
		return nil, err
	}
	t, err := tag.Parse(string(rawTag))
	if err != nil {
		return nil, common.NewStoreErr(string(store.Cfg), common.Corrupt, cfgUserTag)
	}
	if user != "" && t.Nick() != user {
		return nil, fmt.Errorf("%w: %s", ErrWrongUser, t)
	}

	p := newPeer(s, t, crypto.DeriveAgentKey(password, salt), string(gid), rand, logger)
	p.logger.WithFields(logrus.Fields{
		"user": t.String(),
		"root": common.Abbrev(p.rootGroupID),
	}).Debug("Reloading peer")

	// Fails on a wrong password.
	if _, err := p.RootAgent(); err != nil {
		return nil, err
	}
	return p, nil
}

func initialize(s store.Store, user, password string, rand io.Reader, logger *logrus.Entry) (*Peer, error) {
	t, err := tag.New(tag.User, user, rand)
	if err != nil {
		return nil, err
	}
	salt, err := crypto.RandomBytes(rand, saltSize)
	if err != nil {
		return nil, err
	}
	key, gid, err := crypto.NewGroupKey(rand)
	if err != nil {
		return nil, err
	}

	p := newPeer(s, t, crypto.DeriveAgentKey(password, salt), gid, rand, logger)
	p.logger.WithFields(logrus.Fields{
		"user": t.String(),
		"root": common.Abbrev(gid),
	}).Debug("Initializing root group")

	agent, err := p.NewAgentWithNewGroup(key)
	if err != nil {
		return nil, err
	}
	if err := agent.AddEpochIfMissing(); err != nil {
		return nil, err
	}
	if err := agent.Save(); err != nil {
		return nil, err
	}
	if err := s.Put(store.Cfg, cfgAgentSalt, salt); err != nil {
		return nil, err
	}
	if err := s.Put(store.Cfg, cfgUserTag, []byte(t.String())); err != nil {
		return nil, err
	}
	// Written last: its presence marks a complete initialization.
	if err := s.Put(store.Cfg, cfgRootGroup, []byte(gid)); err != nil {
		return nil, err
	}
	return p, nil
}

// Tag returns the user tag.
func (p *Peer) Tag() tag.Tag {
	return p.tag
}

// RootGroupID ...
func (p *Peer) RootGroupID() string {
	return p.rootGroupID
}

// RootAgent ...
func (p *Peer) RootAgent() (*Agent, error) {
	return p.GetAgent(p.rootGroupID)
}

// Store ...
func (p *Peer) Store() store.Store {
	return p.store
}

// ListGroups returns the ids of stored groups.
func (p *Peer) ListGroups() ([]string, error) {
	return p.store.Keys(store.Group)
}

// ListAgents returns the ids of groups with a stored agent.
func (p *Peer) ListAgents() ([]string, error) {
	return p.store.Keys(store.Agent)
}

// NewAgentWithNewGroup creates an empty group for key, or for a fresh key
// if key is nil, and an agent for it. Nothing is stored until the agent is
// saved.
func (p *Peer) NewAgentWithNewGroup(key []byte) (*Agent, error) {
	return p.newAgentWithNewGroup(key, tag.Tag{})
}

func (p *Peer) newAgentWithNewGroup(key []byte, t tag.Tag) (*Agent, error) {
	if key == nil {
		var err error
		key, _, err = crypto.NewGroupKey(p.rand)
		if err != nil {
			return nil, err
		}
	}
	gid := crypto.Hash(key)

	pair, err := crypto.GenerateKeypair(p.rand)
	if err != nil {
		return nil, err
	}
	nextPair, err := crypto.GenerateKeypair(p.rand)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.agents[gid]; ok {
		return nil, fmt.Errorf("agent for %s already exists", common.Abbrev(gid))
	}
	g, ok := p.groups[gid]
	if !ok {
		g = group.New(gid)
		p.groups[gid] = g
	}
	delete(p.collected, gid)
	a, err := newAgent(p, g, key, pair, nextPair, "", "", t)
	if err != nil {
		return nil, err
	}
	p.agents[gid] = a
	return a, nil
}

// NewGroup creates a group linked from the root group and opens it.
func (p *Peer) NewGroup() (*Agent, error) {
	a, err := p.NewAgentWithNewGroup(nil)
	if err != nil {
		return nil, err
	}
	if err := a.AddEpochIfMissing(); err != nil {
		return nil, err
	}
	if err := a.Save(); err != nil {
		return nil, err
	}
	if err := p.linkFromRoot(a.GroupID(), state.Local); err != nil {
		return nil, err
	}
	return a, nil
}

// JoinGroup takes agency in the group named by key, the invitation path,
// and links it from the root group. Joining a group twice returns the
// existing agent.
func (p *Peer) JoinGroup(key []byte) (*Agent, error) {
	gid := crypto.Hash(key)
	has, err := p.HasAgent(gid)
	if err != nil {
		return nil, err
	}
	if has {
		return p.GetAgent(gid)
	}

	a, err := p.NewAgentWithNewGroup(key)
	if err != nil {
		return nil, err
	}
	if err := a.Save(); err != nil {
		return nil, err
	}
	if err := p.linkFromRoot(gid, state.Share); err != nil {
		return nil, err
	}
	p.logger.WithField("group", common.Abbrev(gid)).Info("Joined group")
	return a, nil
}

func (p *Peer) linkFromRoot(gid, mode string) error {
	root, err := p.RootAgent()
	if err != nil {
		return err
	}
	if _, err := root.LinkGroup(gid, mode); err != nil {
		return err
	}
	return root.Save()
}

// HasGroup ...
func (p *Peer) HasGroup(gid string) (bool, error) {
	p.mu.Lock()
	_, ok := p.groups[gid]
	p.mu.Unlock()
	if ok {
		return true, nil
	}
	return p.store.Has(store.Group, gid)
}

// HasAgent ...
func (p *Peer) HasAgent(gid string) (bool, error) {
	p.mu.Lock()
	_, ok := p.agents[gid]
	p.mu.Unlock()
	if ok {
		return true, nil
	}
	return p.store.Has(store.Agent, gid)
}

// GetGroup returns the cached group or loads it from the store.
func (p *Peer) GetGroup(gid string) (*group.Group, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getGroup(gid)
}

func (p *Peer) getGroup(gid string) (*group.Group, error) {
	if g, ok := p.groups[gid]; ok {
		return g, nil
	}
	var r group.Record
	if err := store.GetObject(p.store, store.Group, gid, &r); err != nil {
		return nil, err
	}
	if r.ID != gid {
		return nil, common.NewStoreErr(string(store.Group), common.Corrupt, gid)
	}
	g, err := group.FromRecord(r)
	if err != nil {
		return nil, err
	}
	p.groups[gid] = g
	return g, nil
}

// AddGroup caches a group held without a key, so that its envelopes can be
// carried. It returns the group already known under that id, if any.
func (p *Peer) AddGroup(g *group.Group) *group.Group {
	p.mu.Lock()
	defer p.mu.Unlock()
	if known, ok := p.groups[g.ID()]; ok {
		return known
	}
	delete(p.collected, g.ID())
	p.groups[g.ID()] = g
	return g
}

// PutGroup stores a group. It fails with ErrCollected once the group has
// been deleted.
func (p *Peer) PutGroup(g *group.Group) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.collected[g.ID()] {
		return fmt.Errorf("%w: %s", ErrCollected, common.Abbrev(g.ID()))
	}
	if known, ok := p.groups[g.ID()]; ok && known != g {
		return fmt.Errorf("another group is cached under %s", common.Abbrev(g.ID()))
	}
	p.groups[g.ID()] = g

	return store.PutObject(p.store, store.Group, g.ID(), g.Record())
}

// GetAgent returns the cached agent or loads it, and its group, from the
// store.
func (p *Peer) GetAgent(gid string) (*Agent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if a, ok := p.agents[gid]; ok {
		return a, nil
	}

	g, err := p.getGroup(gid)
	if err != nil {
		return nil, err
	}

	sealed, err := p.store.Get(store.Agent, gid)
	if err != nil {
		return nil, err
	}
	plain, err := crypto.Decrypt(p.agentKey, sealed, []byte(gid))
	if err != nil {
		return nil, err
	}
	var r agentRecord
	if err := common.Unmarshal(plain, &r); err != nil {
		return nil, common.NewStoreErr(string(store.Agent), common.Corrupt, gid)
	}

	var t tag.Tag
	if r.Tag != "" {
		if t, err = tag.Parse(r.Tag); err != nil {
			return nil, common.NewStoreErr(string(store.Agent), common.Corrupt, gid)
		}
	}

	a, err := newAgent(p, g, r.Key, r.Pair, r.NextPair, r.Next, r.NextHash, t)
	if err != nil {
		return nil, err
	}
	p.agents[gid] = a
	return a, nil
}

// PutAgent stores an agent, sealed under the agent key. It fails with
// ErrCollected once the agent has been deleted.
func (p *Peer) PutAgent(a *Agent) error {
	gid := a.GroupID()

	plain, err := common.Marshal(a.record())
	if err != nil {
		return err
	}
	sealed, err := crypto.Encrypt(p.rand, p.agentKey, plain, []byte(gid))
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.collected[gid] {
		return fmt.Errorf("%w: %s", ErrCollected, common.Abbrev(gid))
	}
	if known, ok := p.agents[gid]; ok && known != a {
		return fmt.Errorf("another agent is cached under %s", common.Abbrev(gid))
	}
	p.agents[gid] = a

	return p.store.Put(store.Agent, gid, sealed)
}

// DelGroupAndAgent removes a group and its agent from the caches and the
// store. Later saves of either fail until the group is created anew.
func (p *Peer) DelGroupAndAgent(gid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.groups, gid)
	delete(p.agents, gid)
	p.collected[gid] = true

	if err := p.store.Del(store.Agent, gid); err != nil {
		return err
	}
	return p.store.Del(store.Group, gid)
}
