package peers

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/mosaicnetworks/stxt/src/common"
)

const (
	jsonPeerSetPath = "peers.json"
)

// JSONPeerSet is used to provide peer persistence on disk in the form of a JSON
// file.
type JSONPeerSet struct {
	l    sync.Mutex
	path string
}

// NewJSONPeerSet creates a new JSONPeerSet with reference to a base directory
// where the JSON file resides.
func NewJSONPeerSet(base string) *JSONPeerSet {
	store := &JSONPeerSet{
		path: filepath.Join(base, jsonPeerSetPath),
	}
	return store
}

// Path ...
func (j *JSONPeerSet) Path() string {
	return j.path
}

// PeerSet parses the underlying JSON file and returns the corresponding
// PeerSet. A missing or empty file yields an empty PeerSet.
func (j *JSONPeerSet) PeerSet() (*PeerSet, error) {
	j.l.Lock()
	defer j.l.Unlock()

	// Read the file
	buf, err := ioutil.ReadFile(j.path)
	if os.IsNotExist(err) {
		return NewPeerSet(nil), nil
	}
	if err != nil {
		return nil, err
	}

	// Check for no peers
	if len(buf) == 0 {
		return NewPeerSet(nil), nil
	}

	// Decode the peers
	var peers []*Peer
	if err := common.Unmarshal(buf, &peers); err != nil {
		return nil, err
	}

	return NewPeerSet(peers), nil
}

// Write persists a list of peers to the JSON file.
func (j *JSONPeerSet) Write(peers []*Peer) error {
	j.l.Lock()
	defer j.l.Unlock()

	buf, err := common.Marshal(peers)
	if err != nil {
		return err
	}

	// Write out as JSON
	return ioutil.WriteFile(j.path, buf, 0644)
}
