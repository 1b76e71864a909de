package peer

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/mosaicnetworks/stxt/src/common"
	"github.com/mosaicnetworks/stxt/src/group"
)

// GC deletes the groups that are no longer reachable once every completed
// rotation has been adopted. It returns the relinks it performed, old group
// id to successor id.
//
// A rotation counts as complete when every live member of the successor has
// authored a message in it. Links to the predecessor are then rewritten to
// the successor in every group this peer has agency in. Whatever the walk
// from the root no longer reaches is deleted.
func (p *Peer) GC() (map[string]string, error) {
	p.linkMu.Lock()
	defer p.linkMu.Unlock()

	logger := p.logger.WithField("prefix", "gc")

	// 1: mark
	allAgents := make(map[string]*Agent)
	allGroups := make(map[string]bool)
	err := p.Visit(func(gid string, g *group.Group, a *Agent) error {
		if a != nil {
			allAgents[gid] = a
		}
		if g != nil {
			allGroups[gid] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 2: schedule relinks
	relinks := make(map[string]string)
	for _, gid := range sortedAgentIDs(allAgents) {
		next := allAgents[gid].Next()
		if next == "" {
			continue
		}
		successor, ok := allAgents[next]
		if !ok {
			continue
		}
		if successor.MembersHaveCommitted() {
			logger.WithFields(logrus.Fields{
				"from": common.Abbrev(gid),
				"to":   common.Abbrev(next),
			}).Debug("Scheduling relink")
			relinks[gid] = next
		}
	}

	// 3: relink
	for _, gid := range sortedAgentIDs(allAgents) {
		a := allAgents[gid]
		dirty := false
		for _, link := range a.GroupLinks() {
			to, ok := relinks[link]
			if !ok {
				continue
			}
			logger.WithFields(logrus.Fields{
				"group": common.Abbrev(gid),
				"from":  common.Abbrev(link),
				"to":    common.Abbrev(to),
			}).Debug("Relinking")
			if _, err := a.ChgLink(link, to); err != nil {
				return nil, err
			}
			dirty = true
		}
		if dirty {
			if err := a.Save(); err != nil {
				return nil, err
			}
		}
	}

	// 4: unmark what is still reachable
	err = p.Visit(func(gid string, g *group.Group, a *Agent) error {
		delete(allGroups, gid)
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 5: sweep
	dead := maps.Keys(allGroups)
	slices.Sort(dead)
	for _, gid := range dead {
		logger.WithField("group", common.Abbrev(gid)).Info("Deleting unreachable group")
		if err := p.DelGroupAndAgent(gid); err != nil {
			return nil, err
		}
	}

	return relinks, nil
}

func sortedAgentIDs(m map[string]*Agent) []string {
	ids := maps.Keys(m)
	slices.Sort(ids)
	return ids
}
