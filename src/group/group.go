// Package group holds the append-only envelope sets of group epochs.
//
// A Group can be carried without being readable: peers store and forward
// the envelopes of groups they hold no key for. Agents with the key
// register as observers and decrypt every envelope before it is accepted,
// so a Group observed by an Agent never holds an envelope the Agent could
// not read.
package group

import (
	"errors"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/mosaicnetworks/stxt/src/message"
)

// ErrWrongGroup is returned when adding an envelope addressed to another
// group.
var ErrWrongGroup = errors.New("envelope belongs to another group")

// Observer is notified of every new envelope before it is inserted. A
// non-nil error rejects the envelope.
type Observer interface {
	DecryptEnvelope(env *message.Envelope) error
}

// Group is one epoch's set of envelopes, keyed by envelope id.
type Group struct {
	id string

	mu        sync.RWMutex
	envelopes map[string]*message.Envelope
	observers []Observer
}

// New returns an empty Group.
func New(id string) *Group {
	return &Group{
		id:        id,
		envelopes: make(map[string]*message.Envelope),
	}
}

// ID ...
func (g *Group) ID() string {
	return g.id
}

// AddObserver registers o. Envelopes already held are not replayed.
func (g *Group) AddObserver(o Observer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.observers = append(g.observers, o)
}

// HasEnvelope ...
func (g *Group) HasEnvelope(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.envelopes[id]
	return ok
}

// GetEnvelope ...
func (g *Group) GetEnvelope(id string) (*message.Envelope, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.envelopes[id]
	return e, ok
}

// AddEnvelope merges env into the group. It reports whether env was new.
// Adding an envelope twice is a no-op.
func (g *Group) AddEnvelope(env *message.Envelope) (bool, error) {
	if env.Group != g.id {
		return false, ErrWrongGroup
	}
	if err := env.Verify(); err != nil {
		return false, err
	}

	g.mu.RLock()
	_, ok := g.envelopes[env.ID]
	observers := append([]Observer(nil), g.observers...)
	g.mu.RUnlock()
	if ok {
		return false, nil
	}

	for _, o := range observers {
		if err := o.DecryptEnvelope(env); err != nil {
			return false, err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.envelopes[env.ID]; ok {
		return false, nil
	}
	g.envelopes[env.ID] = env
	return true, nil
}

// ListEnvelopes returns the sorted envelope ids.
func (g *Group) ListEnvelopes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := maps.Keys(g.envelopes)
	slices.Sort(ids)
	return ids
}

// Envelopes returns every envelope, sorted by id.
func (g *Group) Envelopes() []*message.Envelope {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := maps.Keys(g.envelopes)
	slices.Sort(ids)
	res := make([]*message.Envelope, len(ids))
	for i, id := range ids {
		res[i] = g.envelopes[id]
	}
	return res
}

// Len returns the number of envelopes.
func (g *Group) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.envelopes)
}

// Record is the stored form of a Group.
type Record struct {
	ID        string              `json:"id"`
	Envelopes []*message.Envelope `json:"envelopes"`
}

// Record returns the stored form of g.
func (g *Group) Record() Record {
	return Record{
		ID:        g.id,
		Envelopes: g.Envelopes(),
	}
}

// FromRecord rebuilds a Group without observers. Envelopes whose ids do not
// verify are rejected.
func FromRecord(r Record) (*Group, error) {
	g := New(r.ID)
	for _, e := range r.Envelopes {
		if e.Group != r.ID {
			return nil, ErrWrongGroup
		}
		if err := e.Verify(); err != nil {
			return nil, err
		}
		g.envelopes[e.ID] = e
	}
	return g, nil
}
