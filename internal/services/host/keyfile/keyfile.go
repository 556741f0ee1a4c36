// Package keyfile loads PEM key files from disk into a KeyStore.
package keyfile

import (
	"fmt"
	"os"
	"strings"

	"github.com/louisbranch/dualhost/internal/services/host/keystore"
)

// Store is the part of the key store the loader writes to.
type Store interface {
	Add(material []byte, format keystore.Format, hasPrivate bool) (*keystore.Key, error)
	SetCurrent(id string) error
}

// LoadFile reads one PEM file and adds it to store.
func LoadFile(store Store, path string, hasPrivate bool) (*keystore.Key, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("key path is required")
	}
	material, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file %s: %w", path, err)
	}
	key, err := store.Add(material, keystore.FormatPEM, hasPrivate)
	if err != nil {
		return nil, fmt.Errorf("load key file %s: %w", path, err)
	}
	return key, nil
}

// Load adds the signing key at signingPath and makes it current, then adds
// every verify-only public key in publicPaths.
func Load(store Store, signingPath string, publicPaths ...string) (*keystore.Key, error) {
	signing, err := Rotate(store, signingPath)
	if err != nil {
		return nil, err
	}
	for _, path := range publicPaths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if _, err := LoadFile(store, path, false); err != nil {
			return nil, err
		}
	}
	return signing, nil
}

// Rotate loads the signing key at path and makes it current. Previously
// loaded keys stay available for verification.
func Rotate(store Store, path string) (*keystore.Key, error) {
	key, err := LoadFile(store, path, true)
	if err != nil {
		return nil, err
	}
	if err := store.SetCurrent(key.ID); err != nil {
		return nil, fmt.Errorf("set current key %s: %w", key.ID, err)
	}
	return key, nil
}
