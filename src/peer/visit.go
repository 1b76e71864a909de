package peer

import (
	"github.com/sirupsen/logrus"

	"github.com/mosaicnetworks/stxt/src/common"
	"github.com/mosaicnetworks/stxt/src/group"
)

// VisitFunc is called once for every group id reached. The group is nil
// when the peer holds nothing for the id, the agent is nil when the peer
// only carries the group.
type VisitFunc func(gid string, g *group.Group, a *Agent) error

// Visit walks every group reachable from the root group. An agent that has
// rotated leads to its successor only; otherwise to every group its state
// links to. Each id is reported at most once, so cycles in the links are
// harmless. The walk stops at the first error.
func (p *Peer) Visit(each VisitFunc) error {
	return p.visitGID(p.rootGroupID, make(map[string]bool), each)
}

// VisitFrom walks every group reachable from a, a included.
func (p *Peer) VisitFrom(a *Agent, each VisitFunc) error {
	return p.visitAgent(a, make(map[string]bool), each)
}

func (p *Peer) visitGID(gid string, visited map[string]bool, each VisitFunc) error {
	if visited[gid] {
		return nil
	}

	hasAgent, err := p.HasAgent(gid)
	if err != nil {
		return err
	}
	if hasAgent {
		a, err := p.GetAgent(gid)
		if err != nil {
			return err
		}
		return p.visitAgent(a, visited, each)
	}

	visited[gid] = true

	hasGroup, err := p.HasGroup(gid)
	if err != nil {
		return err
	}
	if hasGroup {
		g, err := p.GetGroup(gid)
		if err != nil {
			return err
		}
		p.logger.WithField("group", common.Abbrev(gid)).Debug("Visit carried group")
		return each(gid, g, nil)
	}

	p.logger.WithField("group", common.Abbrev(gid)).Debug("Visit unknown group")
	return each(gid, nil, nil)
}

func (p *Peer) visitAgent(a *Agent, visited map[string]bool, each VisitFunc) error {
	gid := a.GroupID()
	if visited[gid] {
		return nil
	}
	visited[gid] = true

	if err := each(gid, a.Group(), a); err != nil {
		return err
	}

	if next := a.Next(); next != "" {
		p.logger.WithFields(logrus.Fields{
			"group": common.Abbrev(gid),
			"next":  common.Abbrev(next),
		}).Debug("Visit next")
		return p.visitGID(next, visited, each)
	}

	for _, link := range a.GroupLinks() {
		if err := p.visitGID(link, visited, each); err != nil {
			return err
		}
	}
	return nil
}
