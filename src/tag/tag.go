// Package tag implements self-asserted identity claims.
//
// A Tag names a user or a group with a human nick and a 10 character base32
// guid. The guid carries 40 random bits spread together with 10 checksum bits
// derived from the kind, nick and random bits, so a mistyped or forged tag
// string is detected by Parse.
package tag

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/mosaicnetworks/stxt/src/crypto"
)

// Kind distinguishes user tags from group tags.
type Kind byte

const (
	// User tags name people.
	User Kind = 'u'
	// Group tags name conversations.
	Group Kind = 'g'
)

// String ...
func (k Kind) String() string {
	return string(k)
}

func parseKind(s string) (Kind, error) {
	switch s {
	case "u":
		return User, nil
	case "g":
		return Group, nil
	default:
		return 0, fmt.Errorf("%w: unknown kind %q", ErrBadTag, s)
	}
}

const (
	alphabet = "abcdefghijklmnopqrstuvwxyz234567"
	// GUIDLen is the number of base32 characters in a guid.
	GUIDLen = 10
)

var (
	// ErrBadTag is returned for malformed tags or guids that fail their
	// checksum.
	ErrBadTag = errors.New("bad tag")

	nickRegexp = regexp.MustCompile(`^\p{L}{1,20}$`)
)

// Tag is an immutable identity claim.
type Tag struct {
	kind Kind
	nick string
	guid string
}

// New creates a tag with a fresh guid drawn from rand.
func New(kind Kind, nick string, rand io.Reader) (Tag, error) {
	if _, err := parseKind(kind.String()); err != nil {
		return Tag{}, err
	}
	if !nickRegexp.MatchString(nick) {
		return Tag{}, fmt.Errorf("%w: invalid nick %q", ErrBadTag, nick)
	}

	var bits [5]byte
	if _, err := io.ReadFull(rand, bits[:]); err != nil {
		return Tag{}, err
	}

	return Tag{
		kind: kind,
		nick: nick,
		guid: encodeGUID(kind, nick, bits),
	}, nil
}

// Parse inverts String. It fails unless s is a canonical tag string with a
// valid guid.
func Parse(s string) (Tag, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 4 {
		return Tag{}, fmt.Errorf("%w: %q", ErrBadTag, s)
	}

	kind, err := parseKind(parts[0])
	if err != nil {
		return Tag{}, err
	}

	nick := parts[1]
	if !nickRegexp.MatchString(nick) {
		return Tag{}, fmt.Errorf("%w: invalid nick %q", ErrBadTag, nick)
	}

	guid := parts[2] + parts[3]
	if len(parts[2]) != GUIDLen/2 || len(parts[3]) != GUIDLen/2 {
		return Tag{}, fmt.Errorf("%w: invalid guid %q", ErrBadTag, guid)
	}
	if !checkGUID(kind, nick, guid) {
		return Tag{}, fmt.Errorf("%w: guid checksum mismatch in %q", ErrBadTag, s)
	}

	return Tag{kind: kind, nick: nick, guid: guid}, nil
}

// MustParse is like Parse but panics on error. Only use it on constants.
func MustParse(s string) Tag {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

// Kind ...
func (t Tag) Kind() Kind { return t.kind }

// Nick ...
func (t Tag) Nick() string { return t.nick }

// GUID returns the 10 character guid without its separator.
func (t Tag) GUID() string { return t.guid }

// IsZero reports whether t is the zero Tag.
func (t Tag) IsZero() bool { return t.guid == "" }

// String returns the canonical form kind-nick-xxxxx-xxxxx.
func (t Tag) String() string {
	if t.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s-%s-%s-%s", t.kind, t.nick, t.guid[:GUIDLen/2], t.guid[GUIDLen/2:])
}

// Equal compares canonical forms.
func (t Tag) Equal(o Tag) bool {
	return t.String() == o.String()
}

/*******************************************************************************
GUID
*******************************************************************************/

// checkBits returns the 10 checksum bits for a kind, nick and 40 random
// bits.
func checkBits(kind Kind, nick string, bits [5]byte) uint {
	h := crypto.SHA256([]byte(fmt.Sprintf("%s-%s-%s", kind, nick, hex.EncodeToString(bits[:]))))
	return uint(h[0])<<2 | uint(h[1])>>6
}

func nybble(bits [5]byte, i int) uint {
	b := bits[i/2]
	if i%2 == 0 {
		return uint(b >> 4)
	}
	return uint(b & 0xf)
}

func rotr5(v uint, n uint) uint {
	return ((v << (5 - n)) & 0x1f) | (v >> n)
}

func rotl5(v uint, n uint) uint {
	return ((v << n) & 0x1f) | (v >> (5 - n))
}

func encodeGUID(kind Kind, nick string, bits [5]byte) string {
	low := checkBits(kind, nick, bits)
	var sb strings.Builder
	for i := 0; i < GUIDLen; i++ {
		v := nybble(bits, i)<<1 | (low>>(GUIDLen-1-uint(i)))&1
		sb.WriteByte(alphabet[rotr5(v, uint(i%5))])
	}
	return sb.String()
}

func checkGUID(kind Kind, nick string, guid string) bool {
	var bits [5]byte
	var low uint
	for i := 0; i < GUIDLen; i++ {
		idx := strings.IndexByte(alphabet, guid[i])
		if idx < 0 {
			return false
		}
		v := rotl5(uint(idx), uint(i%5))
		low = low<<1 | v&1
		n := byte(v >> 1)
		if i%2 == 0 {
			bits[i/2] |= n << 4
		} else {
			bits[i/2] |= n
		}
	}
	return low == checkBits(kind, nick, bits)
}
