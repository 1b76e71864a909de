// Package exchange implements multi-party Diffie-Hellman over curve25519.
//
// Every live user of a group is assigned a bit by its position in the
// sorted live-user list. An exchange carries a group element that has been
// multiplied by the secrets of every user whose bit is set. Each user seeds
// an exchange with its own public point and extends the exchanges of others
// with its secret. Once an exchange holds all bits but one, the missing
// user multiplies in its secret privately and hashes the result into the
// next epoch key. All users arrive at the same key since scalar
// multiplication commutes.
//
// Exchanges are named "<hash of live users>:<hex bits>". A name whose hash
// does not match the current live users belongs to a superseded membership
// and is rejected by FromName.
package exchange

import (
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/mosaicnetworks/stxt/src/crypto"
)

// MaxUsers is the largest live-user set an exchange can address.
const MaxUsers = 64

var (
	// ErrTooManyUsers ...
	ErrTooManyUsers = errors.New("too many live users for a key exchange")
	// ErrUnknownUser is returned when a user is not among the live users.
	ErrUnknownUser = errors.New("user is not live")
	// ErrNotFinished is returned by DeriveFinal on an exchange that still
	// lacks contributions.
	ErrNotFinished = errors.New("key exchange not finished")
	// ErrUserNotNeeded is returned when extending an exchange that is
	// finished or already carries the user.
	ErrUserNotNeeded = errors.New("user not needed by key exchange")
	// ErrStale is returned for an exchange started under a different
	// live-user set.
	ErrStale = errors.New("key exchange belongs to other live users")
	// ErrBadName ...
	ErrBadName = errors.New("malformed key exchange name")
)

// Exchange is an immutable, partially completed multi-party DH value.
type Exchange struct {
	users []string
	hash  string
	bits  uint64
	pub   []byte
}

// HashUsers returns the hash identifying a live-user set.
func HashUsers(live []string) (string, error) {
	users := sortedUsers(live)
	return crypto.HashObject(users)
}

func sortedUsers(live []string) []string {
	users := append([]string{}, live...)
	slices.Sort(users)
	return slices.Compact(users)
}

func newExchange(live []string, b uint64, pub []byte) (*Exchange, error) {
	users := sortedUsers(live)
	if len(users) > MaxUsers {
		return nil, ErrTooManyUsers
	}
	if len(users) == 0 {
		return nil, ErrUnknownUser
	}
	h, err := crypto.HashObject(users)
	if err != nil {
		return nil, err
	}
	return &Exchange{
		users: users,
		hash:  h,
		bits:  b,
		pub:   pub,
	}, nil
}

// InitialName seeds the exchange of user with its public point. With a
// single live user no bit is set and the exchange is finished at once.
func InitialName(live []string, user string, pub []byte) (*Exchange, error) {
	x, err := newExchange(live, 0, pub)
	if err != nil {
		return nil, err
	}
	idx, ok := x.index(user)
	if !ok {
		return nil, ErrUnknownUser
	}
	if len(x.users) > 1 {
		x.bits = 1 << uint(idx)
	}
	return x, nil
}

// FromName rebuilds an exchange published under name.
func FromName(live []string, name string, pub []byte) (*Exchange, error) {
	i := strings.LastIndexByte(name, ':')
	if i < 0 {
		return nil, ErrBadName
	}
	b, err := strconv.ParseUint(name[i+1:], 16, 64)
	if err != nil {
		return nil, ErrBadName
	}

	x, err := newExchange(live, b, pub)
	if err != nil {
		return nil, err
	}
	if name[:i] != x.hash {
		return nil, ErrStale
	}
	n := len(x.users)
	if n < MaxUsers && b>>uint(n) != 0 {
		return nil, ErrBadName
	}
	if n > 1 && (b == 0 || bits.OnesCount64(b) >= n) {
		return nil, ErrBadName
	}
	if n == 1 && b != 0 {
		return nil, ErrBadName
	}
	return x, nil
}

func (x *Exchange) index(user string) (int, bool) {
	return slices.BinarySearch(x.users, user)
}

// Name returns "<hash>:<hex bits>".
func (x *Exchange) Name() string {
	return nameOf(x.hash, x.bits)
}

func nameOf(hash string, b uint64) string {
	return hash + ":" + strconv.FormatUint(b, 16)
}

// Hash returns the live-user hash the exchange was started under.
func (x *Exchange) Hash() string {
	return x.hash
}

// Bits returns the contribution mask.
func (x *Exchange) Bits() uint64 {
	return x.bits
}

// Pub returns the group element.
func (x *Exchange) Pub() []byte {
	return x.pub
}

// Users returns the sorted live users.
func (x *Exchange) Users() []string {
	return append([]string(nil), x.users...)
}

// IsFinished reports whether exactly one user has not contributed.
func (x *Exchange) IsFinished() bool {
	return bits.OnesCount64(x.bits) == len(x.users)-1
}

// HasUser reports whether user has contributed.
func (x *Exchange) HasUser(user string) bool {
	idx, ok := x.index(user)
	return ok && x.bits&(1<<uint(idx)) != 0
}

// NeedsUser reports whether user may extend the exchange.
func (x *Exchange) NeedsUser(user string) bool {
	_, ok := x.index(user)
	return ok && !x.IsFinished() && !x.HasUser(user)
}

// ExtendedName is the name the exchange would have once extended by user.
func (x *Exchange) ExtendedName(user string) (string, error) {
	idx, ok := x.index(user)
	if !ok {
		return "", ErrUnknownUser
	}
	return nameOf(x.hash, x.bits|1<<uint(idx)), nil
}

// ExtendWithUser multiplies secret into the exchange and sets the bit of
// user. The receiver is left untouched.
func (x *Exchange) ExtendWithUser(user string, secret []byte) (*Exchange, error) {
	if !x.NeedsUser(user) {
		return nil, ErrUserNotNeeded
	}
	idx, _ := x.index(user)
	pub, err := crypto.ScalarMult(secret, x.pub)
	if err != nil {
		return nil, err
	}
	return &Exchange{
		users: x.users,
		hash:  x.hash,
		bits:  x.bits | 1<<uint(idx),
		pub:   pub,
	}, nil
}

// DeriveFinal completes a finished exchange with the secret of the missing
// user.
func (x *Exchange) DeriveFinal(secret []byte) ([]byte, error) {
	if !x.IsFinished() {
		return nil, ErrNotFinished
	}
	if len(x.users) == 1 {
		return crypto.SHA256(secret), nil
	}
	shared, err := crypto.ScalarMult(secret, x.pub)
	if err != nil {
		return nil, err
	}
	return crypto.SHA256(shared), nil
}

// String ...
func (x *Exchange) String() string {
	return fmt.Sprintf("%s(%d/%d)", x.Name(), bits.OnesCount64(x.bits), len(x.users))
}
