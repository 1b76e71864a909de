// Package store persists groups, agents and peer configuration.
//
// Records are opaque byte strings addressed by a Kind and a key. Missing
// keys are reported as common.StoreErr with type common.KeyNotFound.
package store

import (
	"github.com/mosaicnetworks/stxt/src/common"
)

// Kind partitions the key space.
type Kind string

const (
	// Group records hold envelope sets.
	Group Kind = "group"
	// Agent records hold encrypted agent keys.
	Agent Kind = "agent"
	// Cfg records hold peer configuration.
	Cfg Kind = "cfg"
)

// Store is an interface for backend stores.
type Store interface {
	// Has reports whether a record exists.
	Has(kind Kind, key string) (bool, error)
	// Get returns a record, or a KeyNotFound StoreErr.
	Get(kind Kind, key string) ([]byte, error)
	// Put inserts or overwrites a record.
	Put(kind Kind, key string, val []byte) error
	// Del removes a record. Deleting a missing record is not an error.
	Del(kind Kind, key string) error
	// Keys returns the sorted keys of a kind.
	Keys(kind Kind) ([]string, error)
	// Close releases the backend.
	Close() error
}

// GetObject decodes the record at kind/key into v.
func GetObject(s Store, kind Kind, key string, v interface{}) error {
	data, err := s.Get(kind, key)
	if err != nil {
		return err
	}
	if err := common.Unmarshal(data, v); err != nil {
		return common.NewStoreErr(string(kind), common.Corrupt, key)
	}
	return nil
}

// PutObject encodes v and stores it at kind/key.
func PutObject(s Store, kind Kind, key string, v interface{}) error {
	data, err := common.Marshal(v)
	if err != nil {
		return err
	}
	return s.Put(kind, key, data)
}
