package store

import (
	"strings"

	"github.com/dgraph-io/badger"
	badger_options "github.com/dgraph-io/badger/options"
	"github.com/sirupsen/logrus"

	cm "github.com/mosaicnetworks/stxt/src/common"
)

const separator = "_"

// BadgerStore persists records in a badger database. Keys are stored as
// <kind>_<key>.
type BadgerStore struct {
	db   *badger.DB
	path string
}

// NewBadgerStore opens an existing database or creates a new one if nothing
// is found in path.
func NewBadgerStore(path string, logger *logrus.Entry) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).
		WithSyncWrites(false).
		WithTruncate(true).
		WithTableLoadingMode(badger_options.FileIO).
		WithValueLogLoadingMode(badger_options.FileIO)

	if logger != nil {
		sub := logger.WithFields(logrus.Fields{"ns": "badger"})
		opts = opts.WithLogger(sub)
	}

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &BadgerStore{
		db:   handle,
		path: path,
	}, nil
}

// StorePath returns the directory of the database.
func (s *BadgerStore) StorePath() string {
	return s.path
}

func dbKey(kind Kind, key string) []byte {
	return []byte(string(kind) + separator + key)
}

func prefix(kind Kind) []byte {
	return []byte(string(kind) + separator)
}

// Has implements the Store interface.
func (s *BadgerStore) Has(kind Kind, key string) (bool, error) {
	_, err := s.Get(kind, key)
	if err != nil {
		if cm.IsStore(err, cm.KeyNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Get implements the Store interface.
func (s *BadgerStore) Get(kind Kind, key string) ([]byte, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dbKey(kind, key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, mapError(err, string(kind), key)
	}
	return val, nil
}

// Put implements the Store interface.
func (s *BadgerStore) Put(kind Kind, key string, val []byte) error {
	tx := s.db.NewTransaction(true)
	defer tx.Discard()

	//insert [kind_key] => [record bytes]
	if err := tx.Set(dbKey(kind, key), val); err != nil {
		return mapError(err, string(kind), key)
	}

	return mapError(tx.Commit(), string(kind), key)
}

// Del implements the Store interface.
func (s *BadgerStore) Del(kind Kind, key string) error {
	tx := s.db.NewTransaction(true)
	defer tx.Discard()

	if err := tx.Delete(dbKey(kind, key)); err != nil {
		return mapError(err, string(kind), key)
	}

	return mapError(tx.Commit(), string(kind), key)
}

// Keys implements the Store interface. Badger iterates in key order, so
// the result is sorted.
func (s *BadgerStore) Keys(kind Kind) ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		p := prefix(kind)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			k := string(it.Item().Key())
			keys = append(keys, strings.TrimPrefix(k, string(p)))
		}
		return nil
	})
	if err != nil {
		return nil, mapError(err, string(kind), "")
	}
	return keys, nil
}

// Close implements the Store interface.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func isDBKeyNotFound(err error) bool {
	return err.Error() == badger.ErrKeyNotFound.Error()
}

func mapError(err error, name, key string) error {
	if err != nil {
		if isDBKeyNotFound(err) {
			return cm.NewStoreErr(name, cm.KeyNotFound, key)
		}
	}
	return err
}
