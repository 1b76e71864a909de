package peer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/mosaicnetworks/stxt/src/common"
	"github.com/mosaicnetworks/stxt/src/crypto"
	"github.com/mosaicnetworks/stxt/src/exchange"
	"github.com/mosaicnetworks/stxt/src/graph"
	"github.com/mosaicnetworks/stxt/src/group"
	"github.com/mosaicnetworks/stxt/src/message"
	"github.com/mosaicnetworks/stxt/src/state"
	"github.com/mosaicnetworks/stxt/src/tag"
)

// ErrDuplicateMessage is returned when two envelopes decrypt to the same
// message.
var ErrDuplicateMessage = errors.New("message already decrypted from another envelope")

// Agent is a peer's decrypting handle on one group epoch.
type Agent struct {
	peer  *Peer
	group *group.Group

	// mu guards everything below
	mu       sync.Mutex
	key      []byte
	pair     crypto.Keypair
	nextPair crypto.Keypair
	next     string
	// nextHash names the live users the next key was derived under
	nextHash string
	tag      tag.Tag

	msgs      map[string]*message.Message
	decrypted map[string]bool
	graph     *graph.Graph
	state     *state.State

	logger *logrus.Entry
}

func newAgent(p *Peer, g *group.Group, key []byte, pair, nextPair crypto.Keypair, next, nextHash string, t tag.Tag) (*Agent, error) {
	a := &Agent{
		peer:      p,
		group:     g,
		key:       key,
		pair:      pair,
		nextPair:  nextPair,
		next:      next,
		nextHash:  nextHash,
		tag:       t,
		msgs:      make(map[string]*message.Message),
		decrypted: make(map[string]bool),
		logger:    p.logger.WithFields(logrus.Fields{"prefix": "agent", "group": common.Abbrev(g.ID())}),
	}

	// Register first so that envelopes arriving while the backlog is
	// decrypted are not missed.
	g.AddObserver(a)
	for _, env := range g.Envelopes() {
		if err := a.DecryptEnvelope(env); err != nil {
			return nil, fmt.Errorf("decrypting %s: %w", common.Abbrev(env.ID), err)
		}
	}
	return a, nil
}

// Group ...
func (a *Agent) Group() *group.Group {
	return a.group
}

// GroupID ...
func (a *Agent) GroupID() string {
	return a.group.ID()
}

// Key returns the epoch key.
func (a *Agent) Key() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.key
}

// Next returns the id of the successor group, or "" before rotation.
func (a *Agent) Next() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

// From returns the tag messages are authored under: the agent's own tag if
// it has one, the peer's otherwise.
func (a *Agent) From() tag.Tag {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.from()
}

func (a *Agent) from() tag.Tag {
	if !a.tag.IsZero() {
		return a.tag
	}
	return a.peer.Tag()
}

// DecryptEnvelope implements group.Observer. Envelopes are decrypted once;
// decrypting a new one invalidates the graph and state.
func (a *Agent) DecryptEnvelope(env *message.Envelope) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.decrypted[env.ID] {
		return nil
	}
	m, err := env.Decrypt(a.key)
	if err != nil {
		return err
	}
	if _, ok := a.msgs[m.ID]; ok {
		return ErrDuplicateMessage
	}

	a.msgs[m.ID] = m
	a.decrypted[env.ID] = true
	a.graph = nil
	a.state = nil

	a.logger.WithFields(logrus.Fields{
		"msg":  common.Abbrev(m.ID),
		"kind": m.Kind,
		"from": m.From.String(),
	}).Debug("DecryptEnvelope()")

	return nil
}

func (a *Agent) getGraph() *graph.Graph {
	if a.graph == nil {
		a.graph = graph.New(maps.Values(a.msgs))
	}
	return a.graph
}

func (a *Agent) getState() *state.State {
	if a.state == nil {
		a.state = state.Build(a.getGraph())
	}
	return a.state
}

// Graph returns the graph over every decrypted message.
func (a *Agent) Graph() *graph.Graph {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.getGraph()
}

// State returns the state folded from every decrypted message. Callers must
// not modify it.
func (a *Agent) State() *state.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.getState()
}

// Messages returns every decrypted message in causal order.
func (a *Agent) Messages() []*message.Message {
	return a.Graph().Sorted()
}

// MessagesOfKind returns the decrypted messages of one kind in causal
// order.
func (a *Agent) MessagesOfKind(kind message.Kind) []*message.Message {
	var res []*message.Message
	for _, m := range a.Messages() {
		if m.Kind == kind {
			res = append(res, m)
		}
	}
	return res
}

// NumMessages ...
func (a *Agent) NumMessages() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.msgs)
}

// GroupLinks returns the sorted ids of the groups this group links to.
func (a *Agent) GroupLinks() []string {
	return a.State().GroupLinks()
}

// liveUsers is the set the key exchanges run over: the live users of the
// state plus the author of outgoing messages.
func (a *Agent) liveUsers() []string {
	live := a.getState().LiveUsers()
	from := a.from().String()
	if _, ok := slices.BinarySearch(live, from); !ok {
		live = append(live, from)
		slices.Sort(live)
	}
	return live
}

// CurrentExchanges returns the key exchanges published so far under the
// current live users, by name.
func (a *Agent) CurrentExchanges() map[string]*exchange.Exchange {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentExchanges()
}

// currentExchanges rebuilds the exchanges published so far under the
// current live users. Later messages overwrite earlier ones with the same
// name; exchanges of other live-user sets are ignored.
func (a *Agent) currentExchanges() map[string]*exchange.Exchange {
	exchs := make(map[string]*exchange.Exchange)
	g := a.getGraph()
	if g.Root() == nil {
		return exchs
	}
	live := a.liveUsers()
	for _, m := range g.Sorted() {
		for _, name := range sortedNames(m.Keys) {
			x, err := exchange.FromName(live, name, m.Keys[name])
			if err != nil {
				continue
			}
			exchs[name] = x
		}
	}
	return exchs
}

func sortedNames(m map[string][]byte) []string {
	names := maps.Keys(m)
	slices.Sort(names)
	return names
}

// NextKeyRotation returns the key-exchange contributions the next outgoing
// message must carry.
func (a *Agent) NextKeyRotation() (map[string][]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nextKeyRotation()
}

func (a *Agent) nextKeyRotation() (map[string][]byte, error) {
	from := a.from().String()
	exchs := a.currentExchanges()
	res := make(map[string][]byte)

	for _, name := range sortedExchangeNames(exchs) {
		x := exchs[name]
		if !x.NeedsUser(from) {
			continue
		}
		nn, err := x.ExtendedName(from)
		if err != nil {
			return nil, err
		}
		if _, ok := exchs[nn]; ok {
			continue
		}
		ext, err := x.ExtendWithUser(from, a.nextPair.Secret)
		if err != nil {
			return nil, err
		}
		exchs[nn] = ext
		res[nn] = ext.Pub()
	}

	seed, err := exchange.InitialName(a.liveUsers(), from, a.nextPair.Public)
	if err != nil {
		return nil, err
	}
	if _, ok := exchs[seed.Name()]; !ok {
		a.logger.WithField("exchange", seed.Name()).Debug("Seeding key exchange")
		res[seed.Name()] = seed.Pub()
	}

	return res, nil
}

func sortedExchangeNames(m map[string]*exchange.Exchange) []string {
	names := maps.Keys(m)
	slices.Sort(names)
	return names
}

// MaybeDeriveNextKey returns the next epoch key if an exchange lacks only
// this agent's contribution, nil otherwise.
func (a *Agent) MaybeDeriveNextKey() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key, _, err := a.maybeDeriveNextKey()
	return key, err
}

// maybeDeriveNextKey also returns the live-user hash of the exchange the
// key comes from.
func (a *Agent) maybeDeriveNextKey() ([]byte, string, error) {
	from := a.from().String()
	exchs := a.currentExchanges()
	for _, name := range sortedExchangeNames(exchs) {
		x := exchs[name]
		if x.IsFinished() && !x.HasUser(from) {
			a.logger.WithField("exchange", name).Debug("Found finished exchange, deriving next key")
			key, err := x.DeriveFinal(a.nextPair.Secret)
			if err != nil {
				return nil, "", err
			}
			return key, x.Hash(), nil
		}
	}
	return nil, "", nil
}

// MembersHaveCommitted reports whether every live user has authored at
// least one message.
func (a *Agent) MembersHaveCommitted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	authors := make(map[string]bool)
	for _, m := range a.msgs {
		authors[m.From.String()] = true
	}
	for _, u := range a.getState().LiveUsers() {
		if !authors[u] {
			return false
		}
	}
	return true
}

// HasContributed reports whether one of the current key exchanges carries
// this agent's share, which the other members need to derive the next key.
func (a *Agent) HasContributed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	from := a.from().String()
	for _, x := range a.currentExchanges() {
		if x.HasUser(from) {
			return true
		}
	}
	return false
}

// DropStaleNext forgets the successor when the live users have changed
// since its key was derived and its members have not all moved to it yet.
// The successor is deleted and rotation starts over under the new live
// users. It reports whether the successor was dropped.
func (a *Agent) DropStaleNext() (bool, error) {
	a.peer.linkMu.Lock()
	defer a.peer.linkMu.Unlock()
	return a.dropStaleNext()
}

func (a *Agent) dropStaleNext() (bool, error) {
	a.mu.Lock()
	next, derivedUnder := a.next, a.nextHash
	if next == "" || derivedUnder == "" {
		a.mu.Unlock()
		return false, nil
	}
	current, err := exchange.HashUsers(a.liveUsers())
	a.mu.Unlock()
	if err != nil {
		return false, err
	}
	if current == derivedUnder {
		return false, nil
	}

	has, err := a.peer.HasAgent(next)
	if err != nil {
		return false, err
	}
	if has {
		successor, err := a.peer.GetAgent(next)
		if err != nil {
			return false, err
		}
		if successor.MembersHaveCommitted() {
			return false, nil
		}
	}

	a.logger.WithField("next", common.Abbrev(next)).Info("Live users changed, dropping next group")

	a.mu.Lock()
	a.next = ""
	a.nextHash = ""
	a.mu.Unlock()

	if err := a.Save(); err != nil {
		return false, err
	}
	if has {
		if err := a.peer.DelGroupAndAgent(next); err != nil {
			return false, err
		}
	}
	return true, nil
}

// MaybeDeriveNextAgent rotates to the next epoch when the key exchange
// allows it. It returns nil while rotation is not possible and the same
// successor once it is. A successor derived under live users that have
// changed since is dropped first, see DropStaleNext.
func (a *Agent) MaybeDeriveNextAgent() (*Agent, error) {
	a.peer.linkMu.Lock()
	defer a.peer.linkMu.Unlock()

	if _, err := a.dropStaleNext(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	key, hash, err := a.maybeDeriveNextKey()
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	if a.next == "" {
		if key == nil {
			a.mu.Unlock()
			return nil, nil
		}
		a.next = crypto.Hash(key)
		a.nextHash = hash
	}
	next := a.next
	t := a.tag
	leaves := a.getGraph().LeafIDs()
	snapshot := a.getState().Snapshot()
	a.mu.Unlock()

	has, err := a.peer.HasAgent(next)
	if err != nil {
		return nil, err
	}
	if has {
		return a.peer.GetAgent(next)
	}

	if key == nil || crypto.Hash(key) != next {
		return nil, fmt.Errorf("cannot rederive key of next group %s", common.Abbrev(next))
	}

	successor, err := a.peer.newAgentWithNewGroup(key, t)
	if err != nil {
		return nil, err
	}
	a.logger.WithField("next", common.Abbrev(next)).Info("Rotating to next group")

	if _, err := successor.AddEpoch(leaves); err != nil {
		return nil, err
	}
	for _, ty := range sortedKeys(snapshot) {
		for _, k := range sortedKeys(snapshot[ty]) {
			if _, err := successor.SetState(ty, k, snapshot[ty][k]); err != nil {
				return nil, err
			}
		}
	}

	if err := a.Save(); err != nil {
		return nil, err
	}
	if err := successor.Save(); err != nil {
		return nil, err
	}
	return successor, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

// Save persists the group and then the agent. Both are overwrites, so a
// partial save is repaired by saving again.
func (a *Agent) Save() error {
	if err := a.peer.PutGroup(a.group); err != nil {
		return err
	}
	return a.peer.PutAgent(a)
}

/*******************************************************************************
Composing messages
*******************************************************************************/

// AddMsg composes, encrypts and appends a message. Nil parents means the
// current leaves.
func (a *Agent) AddMsg(kind message.Kind, body message.Body, parents []string) (*message.Message, error) {
	a.mu.Lock()
	if parents == nil {
		parents = a.getGraph().LeafIDs()
	}
	keys, err := a.nextKeyRotation()
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	m, err := message.New(a.group.ID(), parents, a.from(), kind, body, keys, time.Now().UnixNano())
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	env, err := m.Encrypt(a.peer.rand, a.key)
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}

	// The group calls back into DecryptEnvelope, which takes the lock.
	if _, err := a.group.AddEnvelope(env); err != nil {
		return nil, err
	}

	a.logger.WithFields(logrus.Fields{
		"msg":     common.Abbrev(m.ID),
		"kind":    kind,
		"parents": len(parents),
		"keys":    len(keys),
	}).Debug("AddMsg()")

	return m, nil
}

// AddEpoch opens the group. The parents name the leaves of the
// predecessor epoch, if any.
func (a *Agent) AddEpoch(parents []string) (*message.Message, error) {
	if parents == nil {
		parents = []string{}
	}
	return a.AddMsg(message.Epoch, nil, parents)
}

// AddEpochIfMissing opens an empty group.
func (a *Agent) AddEpochIfMissing() error {
	if a.group.Len() > 0 {
		return nil
	}
	_, err := a.AddEpoch(nil)
	return err
}

// AddPing ...
func (a *Agent) AddPing() (*message.Message, error) {
	return a.AddMsg(message.Ping, nil, nil)
}

// SetState emits a set message for t:k=v.
func (a *Agent) SetState(t, k, v string) (*message.Message, error) {
	return a.AddMsg(message.Set, message.Body{t: {k: v}}, nil)
}

// DelState emits a del message for t:k.
func (a *Agent) DelState(t, k string) (*message.Message, error) {
	return a.AddMsg(message.Del, message.Body{t: {k: ""}}, nil)
}

// ChgState emits a chg message renaming t:from to t:to.
func (a *Agent) ChgState(t, from, to string) (*message.Message, error) {
	return a.AddMsg(message.Chg, message.Body{t: {from: to}}, nil)
}

// AddMember marks a user live in the group.
func (a *Agent) AddMember(user tag.Tag) (*message.Message, error) {
	return a.SetState(state.TypeUser, user.String(), state.Live)
}

// DelMember removes a user from the group state. The user becomes live
// again if they author another message.
func (a *Agent) DelMember(user tag.Tag) (*message.Message, error) {
	return a.DelState(state.TypeUser, user.String())
}

// HasMember reports whether the state knows the user, live or idle.
func (a *Agent) HasMember(user tag.Tag) bool {
	_, ok := a.State().Get(state.TypeUser, user.String())
	return ok
}

// IdleMember marks a user idle.
func (a *Agent) IdleMember(user tag.Tag) (*message.Message, error) {
	return a.SetState(state.TypeUser, user.String(), state.Idle)
}

// LinkGroup links gid from this group.
func (a *Agent) LinkGroup(gid, mode string) (*message.Message, error) {
	return a.SetState(state.TypeGroup, gid, mode)
}

// ChgLink points a link at another group, keeping its mode.
func (a *Agent) ChgLink(from, to string) (*message.Message, error) {
	return a.ChgState(state.TypeGroup, from, to)
}

/*******************************************************************************
Persistence
*******************************************************************************/

// agentRecord is the plaintext of a stored agent.
type agentRecord struct {
	Tag      string         `json:"tag"`
	Key      []byte         `json:"key"`
	Pair     crypto.Keypair `json:"pair"`
	NextPair crypto.Keypair `json:"next_pair"`
	Next     string         `json:"next"`
	NextHash string         `json:"next_hash"`
}

func (a *Agent) record() agentRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return agentRecord{
		Tag:      a.tag.String(),
		Key:      a.key,
		Pair:     a.pair,
		NextPair: a.nextPair,
		Next:     a.next,
		NextHash: a.nextHash,
	}
}
