package keys

import (
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"os"
	"path"
	"strings"
	"sync"
)

const (
	// DefaultPasswordFile is the name of the password file in the data
	// directory.
	DefaultPasswordFile = "password"

	// DefaultKeysDir is the directory of exported group keys in the data
	// directory.
	DefaultKeysDir = "keys"
)

// SecretFile reads and writes a single secret stored as trimmed text in a
// user-only file.
type SecretFile struct {
	l    sync.Mutex
	path string
}

// NewSecretFile instantiates a new SecretFile with an underlying file.
func NewSecretFile(path string) *SecretFile {
	return &SecretFile{
		path: path,
	}
}

// Path returns the location of the underlying file.
func (k *SecretFile) Path() string {
	return k.path
}

// CheckFileInfo verifies that the file exists and has user permissions only.
func (k *SecretFile) CheckFileInfo() error {
	info, err := os.Stat(k.path)
	if err != nil {
		return err
	}

	// get file permissions
	perm := info.Mode().Perm()

	// build 000111111 mask
	var nonUserMask os.FileMode = (1 << 6) - 1

	// get permissions for 'groups' and 'others'
	nonUserPerm := perm & nonUserMask

	if nonUserPerm != 0 {
		return fmt.Errorf("%s permissions should exclude 'groups' and 'others'. Got %o", path.Base(k.path), perm)
	}

	return nil
}

// ReadSecret returns the trimmed content of the file.
func (k *SecretFile) ReadSecret() (string, error) {
	k.l.Lock()
	defer k.l.Unlock()

	if err := k.CheckFileInfo(); err != nil {
		return "", err
	}

	buf, err := ioutil.ReadFile(k.path)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(buf)), nil
}

// WriteSecret writes s to the file with user-only permissions.
func (k *SecretFile) WriteSecret(s string) error {
	k.l.Lock()
	defer k.l.Unlock()

	if err := os.MkdirAll(path.Dir(k.path), 0700); err != nil {
		return err
	}

	return ioutil.WriteFile(k.path, []byte(s), 0600)
}

// ReadKey reads a hex encoded key.
func (k *SecretFile) ReadKey() ([]byte, error) {
	s, err := k.ReadSecret()
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(s)
}

// WriteKey writes key as hex.
func (k *SecretFile) WriteKey(key []byte) error {
	return k.WriteSecret(hex.EncodeToString(key))
}
