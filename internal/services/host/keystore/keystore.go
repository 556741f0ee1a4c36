// Package keystore holds the rotating set of asymmetric keys used to sign and
// verify bearer tokens, and publishes their public halves as a JWKS.
//
// Readers load an immutable snapshot through an atomic pointer, so
// verification and discovery never block on, or observe part of, a
// concurrent Add or SetCurrent. Writers serialize on a mutex and publish a
// fresh snapshot.
package keystore

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"

	apperrors "github.com/louisbranch/dualhost/internal/platform/errors"
)

var (
	// ErrInvalidKeyMaterial matches malformed or unsupported key input.
	ErrInvalidKeyMaterial = apperrors.New(apperrors.CodeInvalidKeyMaterial, "invalid key material")
	// ErrUnknownKey matches lookups of an identifier the store does not hold.
	ErrUnknownKey = apperrors.New(apperrors.CodeUnknownKey, "unknown key")
	// ErrNoSigningKey matches stores without a usable current key.
	ErrNoSigningKey = apperrors.New(apperrors.CodeNoSigningKey, "no signing key")
)

// snapshot is never mutated after it is published.
type snapshot struct {
	keys    []*Key
	index   map[string]*Key
	current *Key
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		keys:    make([]*Key, len(s.keys), len(s.keys)+1),
		index:   make(map[string]*Key, len(s.index)+1),
		current: s.current,
	}
	copy(next.keys, s.keys)
	for id, key := range s.index {
		next.index[id] = key
	}
	return next
}

// KeyStore is an ordered collection of keys plus the current signing key.
type KeyStore struct {
	mu    sync.Mutex
	state atomic.Pointer[snapshot]
	now   func() time.Time
}

// Option configures a KeyStore.
type Option func(*KeyStore)

// WithClock overrides the clock used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *KeyStore) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns an empty KeyStore.
func New(opts ...Option) *KeyStore {
	s := &KeyStore{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.state.Store(&snapshot{index: map[string]*Key{}})
	return s
}

func (s *KeyStore) load() *snapshot {
	return s.state.Load()
}

// Add parses material and stores the key under its thumbprint identifier.
// Adding a key that is already present returns the stored key, upgraded with
// private material when this call supplies it. The first key able to sign
// becomes current.
func (s *KeyStore) Add(material []byte, format Format, hasPrivate bool) (*Key, error) {
	key, err := parseKey(material, format, hasPrivate, s.now())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.load()
	next := current.clone()
	if existing, ok := current.index[key.ID]; ok {
		if existing.CanSign() || !key.CanSign() {
			return existing, nil
		}
		key.CreatedAt = existing.CreatedAt
		for i, stored := range next.keys {
			if stored == existing {
				next.keys[i] = key
			}
		}
	} else {
		next.keys = append(next.keys, key)
	}
	next.index[key.ID] = key
	if next.current == nil && key.CanSign() {
		next.current = key
	}
	s.state.Store(next)
	return key, nil
}

// SetCurrent makes the identified key the one new tokens are signed with.
func (s *KeyStore) SetCurrent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.load()
	key, ok := current.index[id]
	if !ok {
		return unknownKey(id)
	}
	if !key.CanSign() {
		return apperrors.WithMetadata(apperrors.CodeNoSigningKey, "key has no private material", map[string]string{"kid": id})
	}
	if current.current == key {
		return nil
	}
	next := current.clone()
	next.current = key
	s.state.Store(next)
	return nil
}

// Get returns the identified key.
func (s *KeyStore) Get(id string) (*Key, error) {
	key, ok := s.load().index[id]
	if !ok {
		return nil, unknownKey(id)
	}
	return key, nil
}

// Current returns the signing key.
func (s *KeyStore) Current() (*Key, error) {
	key := s.load().current
	if key == nil {
		return nil, apperrors.New(apperrors.CodeNoSigningKey, "no current signing key")
	}
	return key, nil
}

// Keys returns the stored keys in insertion order.
func (s *KeyStore) Keys() []*Key {
	keys := s.load().keys
	out := make([]*Key, len(keys))
	copy(out, keys)
	return out
}

// Len returns the number of stored keys.
func (s *KeyStore) Len() int {
	return len(s.load().keys)
}

// PublicSet returns the public halves of every stored key as a JWK set.
// Private material is never included.
func (s *KeyStore) PublicSet() (jwk.Set, error) {
	set := jwk.NewSet()
	for _, key := range s.load().keys {
		if err := set.AddKey(key.jwk); err != nil {
			return nil, fmt.Errorf("add %s to jwks: %w", key.ID, err)
		}
	}
	return set, nil
}

// MarshalJWKS encodes PublicSet as the JSON document served for discovery.
func (s *KeyStore) MarshalJWKS() ([]byte, error) {
	set, err := s.PublicSet()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("encode jwks: %w", err)
	}
	return data, nil
}

func unknownKey(id string) error {
	return apperrors.WithMetadata(apperrors.CodeUnknownKey, "unknown key", map[string]string{"kid": id})
}
