package client

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// ErrKeyNotFound is returned by Keyring.Get for absent keys.
var ErrKeyNotFound = errors.New("key not found")

// Keyring is durable string-keyed storage for credentials.
type Keyring interface {
	Get(key string) (string, error)
	Set(key, value string) error
	// Delete removes a key. Deleting an absent key is not an error.
	Delete(key string) error
}

// fileKeyring keeps one file per key under a config directory,
// readable only by the owner.
type fileKeyring struct {
	dir string
}

var _ Keyring = (*fileKeyring)(nil)

// NewFileKeyring returns a file-backed Keyring. It defaults to
// <user config dir>/shule when no directory is given.
func NewFileKeyring(dir ...string) (Keyring, error) {
	var d string
	if len(dir) > 0 && dir[0] != "" {
		d = dir[0]
	} else {
		cfgDir, err := os.UserConfigDir()
		if err != nil {
			return nil, errors.Wrap(err, "resolving user config dir")
		}
		d = filepath.Join(cfgDir, "shule")
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return nil, errors.Wrap(err, "creating keyring dir")
	}
	return &fileKeyring{dir: d}, nil
}

func (kr *fileKeyring) Get(key string) (string, error) {
	data, err := os.ReadFile(filepath.Join(kr.dir, key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrKeyNotFound
		}
		return "", errors.Wrap(err, "reading key "+key)
	}
	return string(data), nil
}

func (kr *fileKeyring) Set(key, value string) error {
	if err := os.WriteFile(filepath.Join(kr.dir, key), []byte(value), 0o600); err != nil {
		return errors.Wrap(err, "writing key "+key)
	}
	return nil
}

func (kr *fileKeyring) Delete(key string) error {
	if err := os.Remove(filepath.Join(kr.dir, key)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "deleting key "+key)
	}
	return nil
}

// memKeyring is an in-memory Keyring for tests and throwaway sessions.
type memKeyring struct {
	mutex sync.RWMutex
	data  map[string]string
}

var _ Keyring = (*memKeyring)(nil)

func NewMemoryKeyring() Keyring {
	return &memKeyring{data: make(map[string]string)}
}

func (kr *memKeyring) Get(key string) (string, error) {
	kr.mutex.RLock()
	defer kr.mutex.RUnlock()
	val, ok := kr.data[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return val, nil
}

func (kr *memKeyring) Set(key, value string) error {
	kr.mutex.Lock()
	defer kr.mutex.Unlock()
	kr.data[key] = value
	return nil
}

func (kr *memKeyring) Delete(key string) error {
	kr.mutex.Lock()
	defer kr.mutex.Unlock()
	delete(kr.data, key)
	return nil
}
