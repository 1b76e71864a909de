package store

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	cm "github.com/mosaicnetworks/stxt/src/common"
)

// InmemStore keeps records in memory. It backs tests and peers started
// without a database.
type InmemStore struct {
	sync.RWMutex
	records map[Kind]map[string][]byte
	closed  bool
}

// NewInmemStore ...
func NewInmemStore() *InmemStore {
	return &InmemStore{
		records: make(map[Kind]map[string][]byte),
	}
}

// Has implements the Store interface.
func (s *InmemStore) Has(kind Kind, key string) (bool, error) {
	s.RLock()
	defer s.RUnlock()
	if s.closed {
		return false, cm.NewStoreErr(string(kind), cm.Closed, key)
	}
	_, ok := s.records[kind][key]
	return ok, nil
}

// Get implements the Store interface.
func (s *InmemStore) Get(kind Kind, key string) ([]byte, error) {
	s.RLock()
	defer s.RUnlock()
	if s.closed {
		return nil, cm.NewStoreErr(string(kind), cm.Closed, key)
	}
	val, ok := s.records[kind][key]
	if !ok {
		return nil, cm.NewStoreErr(string(kind), cm.KeyNotFound, key)
	}
	return slices.Clone(val), nil
}

// Put implements the Store interface.
func (s *InmemStore) Put(kind Kind, key string, val []byte) error {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return cm.NewStoreErr(string(kind), cm.Closed, key)
	}
	kv, ok := s.records[kind]
	if !ok {
		kv = make(map[string][]byte)
		s.records[kind] = kv
	}
	kv[key] = slices.Clone(val)
	return nil
}

// Del implements the Store interface.
func (s *InmemStore) Del(kind Kind, key string) error {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return cm.NewStoreErr(string(kind), cm.Closed, key)
	}
	delete(s.records[kind], key)
	return nil
}

// Keys implements the Store interface.
func (s *InmemStore) Keys(kind Kind) ([]string, error) {
	s.RLock()
	defer s.RUnlock()
	if s.closed {
		return nil, cm.NewStoreErr(string(kind), cm.Closed, "")
	}
	keys := maps.Keys(s.records[kind])
	slices.Sort(keys)
	return keys, nil
}

// Close implements the Store interface.
func (s *InmemStore) Close() error {
	s.Lock()
	defer s.Unlock()
	s.closed = true
	return nil
}
