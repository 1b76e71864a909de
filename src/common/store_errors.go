package common

import (
	"errors"
	"fmt"
)

// StoreErrType enumerates the failure modes of a Store.
type StoreErrType uint32

const (
	// KeyNotFound is returned when a record does not exist.
	KeyNotFound StoreErrType = iota
	// KeyAlreadyExists is returned when a record may not be overwritten.
	KeyAlreadyExists
	// Empty is returned when a record exists but holds nothing usable.
	Empty
	// Corrupt is returned when a record fails to decode or verify.
	Corrupt
	// Closed is returned when the store has been closed.
	Closed
)

// StoreErr is the typed error produced by stores and by the peer's
// persistence layer.
type StoreErr struct {
	dataType string
	errType  StoreErrType
	key      string
}

// NewStoreErr ...
func NewStoreErr(dataType string, errType StoreErrType, key string) StoreErr {
	return StoreErr{
		dataType: dataType,
		errType:  errType,
		key:      key,
	}
}

// Error ...
func (e StoreErr) Error() string {
	m := ""
	switch e.errType {
	case KeyNotFound:
		m = "Not Found"
	case KeyAlreadyExists:
		m = "Key Already Exists"
	case Empty:
		m = "Empty"
	case Corrupt:
		m = "Corrupt"
	case Closed:
		m = "Closed"
	}

	return fmt.Sprintf("%s, %s, %s", e.dataType, e.key, m)
}

// IsStore checks that an error is of type StoreErr and that it's code matches
// the provided StoreErr code.
func IsStore(err error, t StoreErrType) bool {
	var storeErr StoreErr
	return errors.As(err, &storeErr) && storeErr.errType == t
}
