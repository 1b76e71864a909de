package stxt

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/mosaicnetworks/stxt/src/config"
	"github.com/mosaicnetworks/stxt/src/crypto/keys"
	"github.com/mosaicnetworks/stxt/src/net"
	"github.com/mosaicnetworks/stxt/src/node"
	"github.com/mosaicnetworks/stxt/src/peer"
	"github.com/mosaicnetworks/stxt/src/peers"
	"github.com/mosaicnetworks/stxt/src/service"
	"github.com/mosaicnetworks/stxt/src/store"
)

// Stxt is a struct containing the key parts of a stxt node.
type Stxt struct {
	Config    *config.Config
	Node      *node.Node
	Transport net.Transport
	Store     store.Store
	Peer      *peer.Peer
	Peers     *peers.PeerSet
	Service   *service.Service
	logger    *logrus.Entry
}

// NewStxt is a factory method to produce a Stxt instance.
func NewStxt(c *config.Config) *Stxt {
	engine := &Stxt{
		Config: c,
		logger: c.Logger(),
	}

	return engine
}

func (s *Stxt) initTransport() error {
	transport, err := net.NewTCPTransport(
		s.Config.BindAddr,
		s.Config.AdvertiseAddr,
		s.Config.MaxPool,
		s.Config.TCPTimeout,
		s.logger,
	)

	if err != nil {
		return err
	}

	s.Transport = transport

	return nil
}

func (s *Stxt) initPeers() error {
	peerStore := peers.NewJSONPeerSet(s.Config.DataDir)

	peerSet, err := peerStore.PeerSet()
	if err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"path":  peerStore.Path(),
		"peers": peerSet.Len(),
	}).Debug("Loaded peers")

	s.Peers = peerSet

	return nil
}

func (s *Stxt) initStore() error {
	if !s.Config.Store {
		s.Store = store.NewInmemStore()

		s.logger.Debug("created new in-mem store")

		return nil
	}

	s.logger.WithField("path", s.Config.BadgerDir()).Debug("Attempting to load or create database")

	badgerStore, err := store.NewBadgerStore(s.Config.BadgerDir(), s.logger)
	if err != nil {
		return err
	}

	s.Store = badgerStore

	return nil
}

// PasswordFile is where the password is looked up when none is configured.
func (s *Stxt) PasswordFile() *keys.SecretFile {
	return keys.NewSecretFile(filepath.Join(s.Config.DataDir, keys.DefaultPasswordFile))
}

// KeyFile is where the key of group gid is exported.
func (s *Stxt) KeyFile(gid string) *keys.SecretFile {
	return keys.NewSecretFile(filepath.Join(s.Config.DataDir, keys.DefaultKeysDir, gid+".key"))
}

func (s *Stxt) password() (string, error) {
	if s.Config.Password != "" {
		return s.Config.Password, nil
	}

	f := s.PasswordFile()
	if _, err := os.Stat(f.Path()); os.IsNotExist(err) {
		return "", nil
	}

	return f.ReadSecret()
}

func (s *Stxt) initPeer() error {
	password, err := s.password()
	if err != nil {
		return err
	}

	p, err := peer.Attach(s.Store, s.Config.User, password, rand.Reader, s.logger)
	if err != nil {
		return fmt.Errorf("failed to attach peer: %s", err)
	}

	s.logger.WithFields(logrus.Fields{
		"user": p.Tag().String(),
		"root": p.RootGroupID(),
	}).Debug("Attached")

	s.Peer = p

	return nil
}

func (s *Stxt) initNode() error {
	s.Node = node.NewNode(
		s.Config,
		s.Peer,
		s.Peers,
		s.Transport,
		rand.Reader,
	)

	if err := s.Node.Init(); err != nil {
		return fmt.Errorf("failed to initialize node: %s", err)
	}

	return nil
}

func (s *Stxt) initService() error {
	if !s.Config.NoService {
		s.Service = service.NewService(s.Config.ServiceAddr, s.Node, s.logger)
	}
	return nil
}

// Open loads the store and the local peer, without any networking. It is
// enough for offline commands that only touch local groups.
func (s *Stxt) Open() error {
	if err := s.initStore(); err != nil {
		return err
	}

	if err := s.initPeer(); err != nil {
		s.Store.Close()
		return err
	}

	return nil
}

// Init opens the store and the peer, then sets up the transport, the node
// and the service.
func (s *Stxt) Init() error {
	if err := s.initPeers(); err != nil {
		return err
	}

	if err := s.Open(); err != nil {
		return err
	}

	if err := s.initTransport(); err != nil {
		s.Store.Close()
		return err
	}

	if err := s.initNode(); err != nil {
		return err
	}

	if err := s.initService(); err != nil {
		return err
	}

	return nil
}

// Run starts the service, if any, and blocks in the node's main loop.
func (s *Stxt) Run() {
	if s.Service != nil {
		go s.Service.Serve()
	}

	s.Node.Run(true)
}

// Close releases the store. Call it once the node, if any, is shut down.
func (s *Stxt) Close() error {
	if s.Store == nil {
		return nil
	}
	return s.Store.Close()
}

// Shutdown stops the node and closes the store.
func (s *Stxt) Shutdown() {
	if s.Node != nil {
		s.Node.Shutdown()
	}

	if err := s.Close(); err != nil {
		s.logger.WithError(err).Error("Closing store")
	}
}
