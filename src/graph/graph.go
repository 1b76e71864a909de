// Package graph derives the causal structure of a set of decrypted messages:
// ancestry, dominators, roots, leaves and a deterministic total order.
//
// A parent id that is not in the set is simply ignored, so a message whose
// parents were never received behaves as a root.
package graph

import (
	"container/heap"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/mosaicnetworks/stxt/src/message"
)

type idSet map[string]struct{}

// Graph is an immutable view over a set of messages. Build a new one
// whenever the set changes.
type Graph struct {
	msgs      map[string]*message.Message
	children  map[string][]string
	ancestors map[string]idSet
	doms      map[string]idSet
	rank      map[string]int
	order     []*message.Message
	roots     []string
	leaves    []string
}

// New indexes msgs. Duplicate ids are collapsed.
func New(msgs []*message.Message) *Graph {
	g := &Graph{
		msgs:      make(map[string]*message.Message, len(msgs)),
		children:  make(map[string][]string),
		ancestors: make(map[string]idSet, len(msgs)),
		doms:      make(map[string]idSet, len(msgs)),
		rank:      make(map[string]int, len(msgs)),
	}
	for _, m := range msgs {
		g.msgs[m.ID] = m
	}
	for _, m := range g.msgs {
		for _, p := range g.localParents(m) {
			g.children[p] = append(g.children[p], m.ID)
		}
	}

	g.order = g.topoSort()
	for i, m := range g.order {
		g.rank[m.ID] = i
		g.indexAncestry(m)
		g.indexDoms(m)
	}

	for id, m := range g.msgs {
		if len(g.localParents(m)) == 0 {
			g.roots = append(g.roots, id)
		}
		if len(g.children[id]) == 0 {
			g.leaves = append(g.leaves, id)
		}
	}
	slices.SortFunc(g.roots, func(a, b string) int { return g.rank[a] - g.rank[b] })
	slices.Sort(g.leaves)

	return g
}

// localParents returns the parents of m that are present in the set.
func (g *Graph) localParents(m *message.Message) []string {
	res := make([]string, 0, len(m.Parents))
	for _, p := range m.Parents {
		if _, ok := g.msgs[p]; ok && p != m.ID {
			res = append(res, p)
		}
	}
	return res
}

// topoSort is Kahn's algorithm. Among the messages whose local parents are
// all placed, the one with the smallest (time, id) goes next.
func (g *Graph) topoSort() []*message.Message {
	pending := make(map[string]int, len(g.msgs))
	ready := &msgHeap{}
	for id, m := range g.msgs {
		n := len(g.localParents(m))
		pending[id] = n
		if n == 0 {
			heap.Push(ready, m)
		}
	}

	order := make([]*message.Message, 0, len(g.msgs))
	for ready.Len() > 0 {
		m := heap.Pop(ready).(*message.Message)
		order = append(order, m)
		for _, c := range g.children[m.ID] {
			pending[c]--
			if pending[c] == 0 {
				heap.Push(ready, g.msgs[c])
			}
		}
	}

	// Content addressing rules out cycles, but never drop a message.
	if len(order) < len(g.msgs) {
		var rest []*message.Message
		for id, n := range pending {
			if n > 0 {
				rest = append(rest, g.msgs[id])
			}
		}
		slices.SortFunc(rest, compareTimeID)
		order = append(order, rest...)
	}
	return order
}

func (g *Graph) indexAncestry(m *message.Message) {
	anc := make(idSet)
	for _, p := range g.localParents(m) {
		anc[p] = struct{}{}
		for a := range g.ancestors[p] {
			anc[a] = struct{}{}
		}
	}
	g.ancestors[m.ID] = anc
}

func (g *Graph) indexDoms(m *message.Message) {
	var doms idSet
	for _, p := range g.localParents(m) {
		pd := g.doms[p]
		if doms == nil {
			doms = make(idSet, len(pd))
			for d := range pd {
				doms[d] = struct{}{}
			}
			continue
		}
		for d := range doms {
			if _, ok := pd[d]; !ok {
				delete(doms, d)
			}
		}
	}
	if doms == nil {
		doms = make(idSet)
	}
	doms[m.ID] = struct{}{}
	g.doms[m.ID] = doms
}

// Len returns the number of messages.
func (g *Graph) Len() int {
	return len(g.msgs)
}

// Get returns the message with the given id.
func (g *Graph) Get(id string) (*message.Message, bool) {
	m, ok := g.msgs[id]
	return m, ok
}

// Ancestors returns the sorted ids of every local ancestor of id.
func (g *Graph) Ancestors(id string) []string {
	res := maps.Keys(g.ancestors[id])
	slices.Sort(res)
	return res
}

// IsAncestor reports whether a is a strict ancestor of b.
func (g *Graph) IsAncestor(a, b string) bool {
	_, ok := g.ancestors[b][a]
	return ok
}

// Dominates reports whether every path from a root to b passes through a.
// A message dominates itself.
func (g *Graph) Dominates(a, b string) bool {
	_, ok := g.doms[b][a]
	return ok
}

// Roots returns the ids of messages without local parents, earliest first.
func (g *Graph) Roots() []string {
	return append([]string(nil), g.roots...)
}

// LeafIDs returns the sorted ids of messages that are nobody's parent.
func (g *Graph) LeafIDs() []string {
	return append([]string(nil), g.leaves...)
}

// Root returns the earliest root, or nil for an empty graph.
func (g *Graph) Root() *message.Message {
	if len(g.roots) == 0 {
		return nil
	}
	return g.msgs[g.roots[0]]
}

// Sorted returns every message in causal order.
func (g *Graph) Sorted() []*message.Message {
	return append([]*message.Message(nil), g.order...)
}

// SortMsgs returns a copy of msgs in causal order: an ancestor always
// precedes its descendants, and incomparable messages follow (time, id).
// Messages unknown to the graph go last, by (time, id).
func (g *Graph) SortMsgs(msgs []*message.Message) []*message.Message {
	res := append([]*message.Message(nil), msgs...)
	slices.SortStableFunc(res, func(a, b *message.Message) int {
		ra, oka := g.rank[a.ID]
		rb, okb := g.rank[b.ID]
		switch {
		case oka && okb:
			return ra - rb
		case oka:
			return -1
		case okb:
			return 1
		default:
			return compareTimeID(a, b)
		}
	})
	return res
}

func compareTimeID(a, b *message.Message) int {
	switch {
	case a.Time < b.Time:
		return -1
	case a.Time > b.Time:
		return 1
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	default:
		return 0
	}
}

// msgHeap is a min-heap on (time, id).
type msgHeap []*message.Message

func (h msgHeap) Len() int            { return len(h) }
func (h msgHeap) Less(i, j int) bool  { return compareTimeID(h[i], h[j]) < 0 }
func (h msgHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *msgHeap) Push(x interface{}) { *h = append(*h, x.(*message.Message)) }
func (h *msgHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
