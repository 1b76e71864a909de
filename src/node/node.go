package node

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mosaicnetworks/stxt/src/common"
	"github.com/mosaicnetworks/stxt/src/config"
	"github.com/mosaicnetworks/stxt/src/group"
	"github.com/mosaicnetworks/stxt/src/net"
	"github.com/mosaicnetworks/stxt/src/peer"
	"github.com/mosaicnetworks/stxt/src/peers"
	psync "github.com/mosaicnetworks/stxt/src/sync"
)

//Node defines a stxt node
type Node struct {
	state

	conf   *config.Config
	logger *logrus.Entry

	peer   *peer.Peer
	server *psync.Server
	rand   io.Reader

	trans net.Transport
	netCh <-chan net.RPC

	peerSelector PeerSelector

	// mu protects the fields below
	mu sync.Mutex
	// syncs are the requester sides, one per agent group, so that response
	// nonces are remembered across gossips
	syncs map[string]*psync.Sync
	// aliases maps collected groups to the group that replaced them
	aliases map[string]string

	start      time.Time
	gossips    int
	syncErrors int
	rotations  int
	gcRuns     int

	sigintCh   chan os.Signal
	shutdownCh chan struct{}

	controlTimer *ControlTimer
}

//NewNode is a factory method that returns a Node instance
func NewNode(conf *config.Config,
	p *peer.Peer,
	peerSet *peers.PeerSet,
	trans net.Transport,
	rand io.Reader,
) *Node {
	//Prepare sigintCh to relay SIGINT system calls
	sigintCh := make(chan os.Signal, 1)
	signal.Notify(sigintCh, os.Interrupt, syscall.SIGINT)

	logger := conf.Logger().WithFields(logrus.Fields{
		"prefix": "node",
		"user":   p.Tag().String(),
	})

	node := Node{
		conf:         conf,
		logger:       logger,
		peer:         p,
		server:       psync.NewServer(p, rand, logger),
		rand:         rand,
		trans:        trans,
		netCh:        trans.Consumer(),
		peerSelector: NewRandomPeerSelector(peerSet, trans.AdvertiseAddr()),
		syncs:        make(map[string]*psync.Sync),
		aliases:      make(map[string]string),
		sigintCh:     sigintCh,
		shutdownCh:   make(chan struct{}),
		controlTimer: NewRandomControlTimer(),
	}

	return &node
}

//Init intialises the node
func (n *Node) Init() error {
	n.logger.WithFields(logrus.Fields{
		"root":  common.Abbrev(n.peer.RootGroupID()),
		"peers": n.peerSelector.Peers().Len(),
	}).Debug("Init")

	n.start = time.Now()
	n.setState(Gossiping)
	return nil
}

//RunAsync calls Run as a separate thread
func (n *Node) RunAsync(gossip bool) {
	n.logger.WithField("gossip", gossip).Debug("runasync")

	go n.Run(gossip)
}

//Run invokes the main loop of the node
func (n *Node) Run(gossip bool) {
	go n.controlTimer.Run(n.conf.HeartbeatTimeout)

	go n.trans.Listen()

	//Answer incoming syncs regardless of gossip
	go n.doBackgroundWork()

	for {
		state := n.getState()

		n.logger.WithField("state", state.String()).Debug("Run loop")

		switch state {
		case Gossiping:
			n.gossipLoop(gossip)
		case Shutdown:
			return
		}
	}
}

func (n *Node) resetTimer() {
	n.controlTimer.reset(n.conf.HeartbeatTimeout)
}

func (n *Node) doBackgroundWork() {
	for {
		select {
		case rpc := <-n.netCh:
			ok := n.goFunc(func() {
				n.logger.Debug("Processing RPC")
				n.processRPC(rpc)
			})
			if !ok {
				rpc.Respond(nil, fmt.Errorf("node busy"))
			}
		case <-n.shutdownCh:
			return
		case <-n.sigintCh:
			n.logger.Debug("Reacting to SIGINT - SHUTDOWN")
			n.Shutdown()
			os.Exit(0)
		}
	}
}

// gossipLoop periodically initiates gossip with a random peer.
func (n *Node) gossipLoop(gossip bool) {
	n.logger.Debug("GOSSIPING")

	for {
		select {
		case <-n.controlTimer.tickCh:
			if gossip {
				n.logger.Debug("Time to gossip!")
				p := n.peerSelector.Next()
				if p != nil {
					n.goFunc(func() { n.Gossip(p) })
				}
			}
			n.resetTimer()
		case <-n.shutdownCh:
			return
		}
	}
}

// Gossip syncs the group shared with p, then tries to rotate every group
// and, every GCEvery gossips, collects superseded ones.
func (n *Node) Gossip(p *peers.Peer) error {
	logger := n.logger.WithField("peer", p.String())

	start := time.Now()
	err := n.doSync(p)
	elapsed := time.Since(start)
	logger.WithField("duration", elapsed.Nanoseconds()).Debug("DoSync()")

	n.mu.Lock()
	n.gossips++
	if err != nil {
		n.syncErrors++
	}
	gossips := n.gossips
	n.mu.Unlock()

	n.peerSelector.UpdateLast(p.Key())

	if err != nil {
		logger.WithField("error", err).Error("DoSync()")
		return err
	}

	if _, err := n.Rotate(); err != nil {
		logger.WithField("error", err).Error("Rotate()")
		return err
	}

	if n.conf.GCEvery > 0 && gossips%n.conf.GCEvery == 0 {
		if _, err := n.GC(); err != nil {
			logger.WithField("error", err).Error("GC()")
			return err
		}
	}

	n.logStats()

	return nil
}

func (n *Node) doSync(p *peers.Peer) error {
	s, err := n.getSync(p.Group)
	if err != nil {
		return err
	}
	err = s.DoSync(n.remote(p.NetAddr))
	if errors.Is(err, peer.ErrCollected) {
		// the agent was collected under us, the next gossip resolves anew
		n.mu.Lock()
		delete(n.syncs, s.Agent().GroupID())
		n.mu.Unlock()
	}
	return err
}

// resolve follows the relinks of past collections.
func (n *Node) resolve(gid string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	for {
		to, ok := n.aliases[gid]
		if !ok {
			return gid
		}
		gid = to
	}
}

func (n *Node) getSync(gid string) (*psync.Sync, error) {
	gid = n.resolve(gid)

	n.mu.Lock()
	s, ok := n.syncs[gid]
	n.mu.Unlock()
	if ok {
		return s, nil
	}

	has, err := n.peer.HasAgent(gid)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, fmt.Errorf("no agency in group %s", common.Abbrev(gid))
	}
	a, err := n.peer.GetAgent(gid)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.syncs[gid]; ok {
		return s, nil
	}
	s = psync.New(n.peer, a, n.rand, n.logger)
	n.syncs[gid] = s
	return s, nil
}

// Rotate derives the next epoch of every reachable group whose key exchange
// has completed. Groups with less than two live users are left alone, and so
// are groups where our own share is not published yet: the other members
// could not follow. Successors derived before a membership change are
// dropped. It returns the number of groups that rotated.
func (n *Node) Rotate() (int, error) {
	var candidates, rotating []*peer.Agent
	err := n.peer.Visit(func(gid string, g *group.Group, a *peer.Agent) error {
		if a == nil {
			return nil
		}
		if a.Next() != "" {
			rotating = append(rotating, a)
			return nil
		}
		if len(a.State().LiveUsers()) < 2 || !a.HasContributed() {
			return nil
		}
		candidates = append(candidates, a)
		return nil
	})
	if err != nil {
		return 0, err
	}

	dropped := make(map[string]bool)
	for _, a := range rotating {
		if dropped[a.GroupID()] {
			continue
		}
		next := a.Next()
		ok, err := a.DropStaleNext()
		if err != nil {
			return 0, err
		}
		if ok {
			dropped[next] = true
			n.mu.Lock()
			delete(n.syncs, next)
			n.mu.Unlock()
			n.server.Forget(next)
		}
	}

	rotated := 0
	for _, a := range candidates {
		// dropped successors were visited before they were deleted
		if dropped[a.GroupID()] {
			continue
		}
		next, err := a.MaybeDeriveNextAgent()
		if err != nil {
			return rotated, err
		}
		if next == nil {
			continue
		}
		n.logger.WithFields(logrus.Fields{
			"group": common.Abbrev(a.GroupID()),
			"next":  common.Abbrev(next.GroupID()),
		}).Info("Rotated")
		rotated++
	}

	n.mu.Lock()
	n.rotations += rotated
	n.mu.Unlock()

	return rotated, nil
}

// GC runs a garbage collection and remembers its relinks.
func (n *Node) GC() (map[string]string, error) {
	relinks, err := n.peer.GC()
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	n.gcRuns++
	for from, to := range relinks {
		n.aliases[from] = to
		delete(n.syncs, from)
	}
	n.mu.Unlock()

	for from := range relinks {
		n.server.Forget(from)
	}

	return relinks, nil
}

//Shutdown shuts down the node
func (n *Node) Shutdown() {
	if n.getState() != Shutdown {
		n.logger.Debug("Shutdown")

		//Exit any non-shutdown state immediately
		n.setState(Shutdown)

		//Stop and wait for concurrent operations
		close(n.shutdownCh)

		//Release routines blocked on the timer before waiting for them
		n.controlTimer.Shutdown()

		n.waitRoutines()

		//The transport is closed once all concurrent operations are finished
		n.trans.Close()
	}
}

// GetState ...
func (n *Node) GetState() State {
	return n.getState()
}

// GetPeer returns the local peer.
func (n *Node) GetPeer() *peer.Peer {
	return n.peer
}

// GetPeers returns the remote peers.
func (n *Node) GetPeers() []*peers.Peer {
	return n.peerSelector.Peers().Peers
}

//GetStats returns stats
func (n *Node) GetStats() map[string]string {
	count := func(list func() ([]string, error)) string {
		l, err := list()
		if err != nil {
			return "?"
		}
		return strconv.Itoa(len(l))
	}

	n.mu.Lock()
	gossips, syncErrors := n.gossips, n.syncErrors
	rotations, gcRuns := n.rotations, n.gcRuns
	n.mu.Unlock()

	s := map[string]string{
		"gossips":      strconv.Itoa(gossips),
		"sync_errors":  strconv.Itoa(syncErrors),
		"sync_rate":    strconv.FormatFloat(n.SyncRate(), 'f', 2, 64),
		"rotations":    strconv.Itoa(rotations),
		"gc_runs":      strconv.Itoa(gcRuns),
		"groups":       count(n.peer.ListGroups),
		"agents":       count(n.peer.ListAgents),
		"num_peers":    strconv.Itoa(n.peerSelector.Peers().Len()),
		"time_elapsed": strconv.FormatFloat(time.Since(n.start).Seconds(), 'f', 2, 64),
		"user":         n.peer.Tag().String(),
		"root_group":   n.peer.RootGroupID(),
		"state":        n.getState().String(),
	}
	return s
}

func (n *Node) logStats() {
	stats := n.GetStats()

	n.logger.WithFields(logrus.Fields{
		"gossips":     stats["gossips"],
		"sync_errors": stats["sync_errors"],
		"sync_rate":   stats["sync_rate"],
		"rotations":   stats["rotations"],
		"gc_runs":     stats["gc_runs"],
		"groups":      stats["groups"],
		"agents":      stats["agents"],
		"num_peers":   stats["num_peers"],
		"state":       stats["state"],
	}).Debug("Stats")
}

//SyncRate returns the share of gossips that succeeded
func (n *Node) SyncRate() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	var syncErrorRate float64

	if n.gossips != 0 {
		syncErrorRate = float64(n.syncErrors) / float64(n.gossips)
	}

	return 1 - syncErrorRate
}
