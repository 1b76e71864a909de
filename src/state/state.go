// Package state folds a group's messages into its key/value state.
//
// State is only ever built by replaying messages in graph order, so two
// agents holding the same envelopes compute identical states.
package state

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/mosaicnetworks/stxt/src/graph"
	"github.com/mosaicnetworks/stxt/src/message"
)

// State types and the values they take.
const (
	TypeUser  = "user"
	TypeGroup = "group"

	Live = "live"
	Idle = "idle"

	Local = "local"
	Share = "share"
)

// State maps a type to its key/value pairs.
type State struct {
	types map[string]map[string]string
}

// New returns an empty State.
func New() *State {
	return &State{types: make(map[string]map[string]string)}
}

// Build replays every message of g in causal order.
func Build(g *graph.Graph) *State {
	s := New()
	for _, m := range g.Sorted() {
		s.Apply(m)
	}
	return s
}

// Apply folds one message into the state. Every message marks its author
// live; the kind decides what else happens.
func (s *State) Apply(m *message.Message) {
	s.Set(TypeUser, m.From.String(), Live)

	for _, t := range sortedKeys(m.Body) {
		kv := m.Body[t]
		for _, k := range sortedKeys(kv) {
			switch m.Kind {
			case message.Set:
				s.Set(t, k, kv[k])
			case message.Del:
				s.Del(t, k)
			case message.Chg:
				s.Chg(t, k, kv[k])
			}
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

// Set assigns v to t:k.
func (s *State) Set(t, k, v string) {
	ty, ok := s.types[t]
	if !ok {
		ty = make(map[string]string)
		s.types[t] = ty
	}
	ty[k] = v
}

// Del removes t:k. It does nothing if the key is absent.
func (s *State) Del(t, k string) {
	ty, ok := s.types[t]
	if !ok {
		return
	}
	delete(ty, k)
	if len(ty) == 0 {
		delete(s.types, t)
	}
}

// Chg renames t:from to t:to, keeping its value. It does nothing if from is
// absent.
func (s *State) Chg(t, from, to string) {
	v, ok := s.Get(t, from)
	if !ok || from == to {
		return
	}
	s.Del(t, from)
	s.Set(t, to, v)
}

// Get returns the value of t:k.
func (s *State) Get(t, k string) (string, bool) {
	v, ok := s.types[t][k]
	return v, ok
}

// Keys returns the sorted keys of type t.
func (s *State) Keys(t string) []string {
	return sortedKeys(s.types[t])
}

// Types returns the sorted type names.
func (s *State) Types() []string {
	return sortedKeys(s.types)
}

// LiveUsers returns the sorted tags of users marked live.
func (s *State) LiveUsers() []string {
	var res []string
	for _, k := range s.Keys(TypeUser) {
		if s.types[TypeUser][k] == Live {
			res = append(res, k)
		}
	}
	return res
}

// GroupLinks returns the sorted ids of linked groups.
func (s *State) GroupLinks() []string {
	return s.Keys(TypeGroup)
}

// Snapshot returns a deep copy of the state.
func (s *State) Snapshot() map[string]map[string]string {
	res := make(map[string]map[string]string, len(s.types))
	for t, kv := range s.types {
		res[t] = maps.Clone(kv)
	}
	return res
}

// Equal reports whether two states hold the same pairs.
func (s *State) Equal(o *State) bool {
	if len(s.types) != len(o.types) {
		return false
	}
	for t, kv := range s.types {
		if !maps.Equal(kv, o.types[t]) {
			return false
		}
	}
	return true
}
