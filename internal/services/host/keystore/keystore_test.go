package keystore

import (
	"crypto"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	mrand "math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/louisbranch/dualhost/internal/testkit/keyfakes"
)

func TestAddRSAPrivateKeyBecomesCurrent(t *testing.T) {
	store := New()
	signer := keyfakes.RSAKey(t, 0)

	key, err := store.Add(keyfakes.PrivatePEM(t, signer), FormatPEM, true)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if key.Type != KeyTypeRSA || key.Algorithm != "RS256" {
		t.Fatalf("unexpected type/alg %s/%s", key.Type, key.Algorithm)
	}
	if !key.CanSign() {
		t.Fatal("expected signing key")
	}
	current, err := store.Current()
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current.ID != key.ID {
		t.Fatalf("expected current %s, got %s", key.ID, current.ID)
	}
}

func TestAddIdentifierIsDeterministic(t *testing.T) {
	signer := keyfakes.RSAKey(t, 0)
	first, err := New().Add(keyfakes.PrivatePEM(t, signer), FormatPEM, true)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	store := New()
	fromPublic, err := store.Add(keyfakes.PublicPEM(t, signer), FormatPEM, false)
	if err != nil {
		t.Fatalf("add public: %v", err)
	}
	if fromPublic.ID != first.ID {
		t.Fatalf("expected same id from public material, got %s and %s", first.ID, fromPublic.ID)
	}
	again, err := store.Add(keyfakes.PublicPEM(t, signer), FormatPEM, false)
	if err != nil {
		t.Fatalf("add again: %v", err)
	}
	if again != fromPublic || store.Len() != 1 {
		t.Fatalf("expected duplicate add to return stored key, len=%d", store.Len())
	}
}

func TestAddPublicOnlyKeyCannotSign(t *testing.T) {
	store := New()
	key, err := store.Add(keyfakes.PublicPEM(t, keyfakes.RSAKey(t, 1)), FormatPEM, false)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if key.CanSign() {
		t.Fatal("expected verify-only key")
	}
	if _, err := store.Current(); !errors.Is(err, ErrNoSigningKey) {
		t.Fatalf("expected no signing key, got %v", err)
	}
	if err := store.SetCurrent(key.ID); !errors.Is(err, ErrNoSigningKey) {
		t.Fatalf("expected no signing key on set current, got %v", err)
	}
}

func TestAddDropsPrivateMaterialWhenNotRequested(t *testing.T) {
	store := New()
	key, err := store.Add(keyfakes.PrivatePEM(t, keyfakes.RSAKey(t, 0)), FormatPEM, false)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if key.CanSign() {
		t.Fatal("expected private material to be dropped")
	}
}

func TestAddUpgradesVerifyOnlyKey(t *testing.T) {
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store := New(WithClock(func() time.Time { return clock }))
	signer := keyfakes.RSAKey(t, 2)

	public, err := store.Add(keyfakes.PublicPEM(t, signer), FormatPEM, false)
	if err != nil {
		t.Fatalf("add public: %v", err)
	}
	clock = clock.Add(time.Hour)
	private, err := store.Add(keyfakes.PrivatePEM(t, signer), FormatPEM, true)
	if err != nil {
		t.Fatalf("add private: %v", err)
	}
	if private.ID != public.ID || !private.CanSign() {
		t.Fatal("expected upgraded signing key with same id")
	}
	if !private.CreatedAt.Equal(public.CreatedAt) {
		t.Fatalf("expected original created at, got %v", private.CreatedAt)
	}
	if store.Len() != 1 {
		t.Fatalf("expected one key, got %d", store.Len())
	}
	current, err := store.Current()
	if err != nil || current.ID != private.ID {
		t.Fatalf("expected upgraded key to become current, got %v, %v", current, err)
	}
}

func TestAddRejectsInvalidMaterial(t *testing.T) {
	store := New()
	weak, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate weak key: %v", err)
	}

	tests := []struct {
		name       string
		material   []byte
		format     Format
		hasPrivate bool
	}{
		{name: "garbage", material: []byte("not a key"), format: FormatPEM},
		{name: "empty der", material: nil, format: FormatDER},
		{name: "garbage der", material: []byte{0x30, 0x01, 0x00}, format: FormatDER},
		{name: "unknown block", material: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{1}}), format: FormatPEM},
		{name: "public flagged private", material: keyfakes.PublicPEM(t, keyfakes.RSAKey(t, 0)), format: FormatPEM, hasPrivate: true},
		{name: "weak rsa", material: keyfakes.PrivatePEM(t, weak), format: FormatPEM, hasPrivate: true},
		{name: "unknown format", material: keyfakes.PrivatePEM(t, keyfakes.RSAKey(t, 0)), format: Format(99), hasPrivate: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := store.Add(tc.material, tc.format, tc.hasPrivate); !errors.Is(err, ErrInvalidKeyMaterial) {
				t.Fatalf("expected invalid key material, got %v", err)
			}
		})
	}
	if store.Len() != 0 {
		t.Fatalf("expected nothing stored, got %d", store.Len())
	}
}

func TestAddSupportedEncodingsAndAlgorithms(t *testing.T) {
	rsaKey := keyfakes.RSAKey(t, 0)
	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(rsaKey)})
	pkcs1Public := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&rsaKey.PublicKey)})
	p384 := keyfakes.ECKey(t, elliptic.P384())
	sec1DER, err := x509.MarshalECPrivateKey(p384)
	if err != nil {
		t.Fatalf("marshal sec1: %v", err)
	}
	sec1 := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: sec1DER})
	p521DER, err := x509.MarshalPKCS8PrivateKey(keyfakes.ECKey(t, elliptic.P521()))
	if err != nil {
		t.Fatalf("marshal pkcs8: %v", err)
	}

	tests := []struct {
		name       string
		material   []byte
		format     Format
		hasPrivate bool
		alg        string
		keyType    KeyType
	}{
		{name: "pkcs1 private", material: pkcs1, format: FormatPEM, hasPrivate: true, alg: "RS256", keyType: KeyTypeRSA},
		{name: "pkcs1 public", material: pkcs1Public, format: FormatPEM, alg: "RS256", keyType: KeyTypeRSA},
		{name: "p256 pkcs8", material: keyfakes.PrivatePEM(t, keyfakes.ECKey(t, elliptic.P256())), format: FormatPEM, hasPrivate: true, alg: "ES256", keyType: KeyTypeEC},
		{name: "p384 sec1", material: sec1, format: FormatPEM, hasPrivate: true, alg: "ES384", keyType: KeyTypeEC},
		{name: "p521 der", material: p521DER, format: FormatDER, hasPrivate: true, alg: "ES512", keyType: KeyTypeEC},
		{name: "ed25519", material: keyfakes.PrivatePEM(t, keyfakes.Ed25519Key(t)), format: FormatPEM, hasPrivate: true, alg: "EdDSA", keyType: KeyTypeOKP},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			key, err := New().Add(tc.material, tc.format, tc.hasPrivate)
			if err != nil {
				t.Fatalf("add: %v", err)
			}
			if key.Algorithm != tc.alg || key.Type != tc.keyType {
				t.Fatalf("expected %s/%s, got %s/%s", tc.keyType, tc.alg, key.Type, key.Algorithm)
			}
			if key.CanSign() != tc.hasPrivate {
				t.Fatalf("expected CanSign=%v", tc.hasPrivate)
			}
			if _, err := x509.ParsePKIXPublicKey(key.PublicDER); err != nil {
				t.Fatalf("public der: %v", err)
			}
		})
	}
}

func TestGetAndSetCurrentUnknownKey(t *testing.T) {
	store := New()
	if _, err := store.Get("missing"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected unknown key, got %v", err)
	}
	if err := store.SetCurrent("missing"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected unknown key, got %v", err)
	}
}

func TestSetCurrentRotates(t *testing.T) {
	store := New()
	first, err := store.Add(keyfakes.PrivatePEM(t, keyfakes.RSAKey(t, 0)), FormatPEM, true)
	if err != nil {
		t.Fatalf("add first: %v", err)
	}
	second, err := store.Add(keyfakes.PrivatePEM(t, keyfakes.RSAKey(t, 1)), FormatPEM, true)
	if err != nil {
		t.Fatalf("add second: %v", err)
	}
	current, _ := store.Current()
	if current.ID != first.ID {
		t.Fatal("expected first key to stay current after add")
	}
	if err := store.SetCurrent(second.ID); err != nil {
		t.Fatalf("set current: %v", err)
	}
	current, _ = store.Current()
	if current.ID != second.ID {
		t.Fatal("expected rotation to second key")
	}
	if _, err := store.Get(first.ID); err != nil {
		t.Fatalf("expected retired key to stay verifiable: %v", err)
	}
	keys := store.Keys()
	if len(keys) != 2 || keys[0].ID != first.ID || keys[1].ID != second.ID {
		t.Fatal("expected insertion order to be preserved")
	}
}

func TestPublicSetRoundTripsWithoutPrivateMaterial(t *testing.T) {
	store := New()
	signers := []crypto.Signer{
		keyfakes.RSAKey(t, 0),
		keyfakes.ECKey(t, elliptic.P256()),
		keyfakes.Ed25519Key(t),
	}
	var ids []string
	for _, signer := range signers {
		key, err := store.Add(keyfakes.PrivatePEM(t, signer), FormatPEM, true)
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		ids = append(ids, key.ID)
	}

	data, err := store.MarshalJWKS()
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}

	var raw struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("decode jwks: %v", err)
	}
	if len(raw.Keys) != len(signers) {
		t.Fatalf("expected %d keys, got %d", len(signers), len(raw.Keys))
	}
	for i, entry := range raw.Keys {
		for _, private := range []string{"d", "p", "q", "dp", "dq", "qi"} {
			if _, ok := entry[private]; ok {
				t.Fatalf("key %d leaks private field %q", i, private)
			}
		}
		if entry["kid"] != ids[i] {
			t.Fatalf("expected kid %s, got %v", ids[i], entry["kid"])
		}
		if entry["use"] != "sig" {
			t.Fatalf("expected use sig, got %v", entry["use"])
		}
		if entry["alg"] == nil {
			t.Fatal("expected alg")
		}
	}

	set, err := jwk.Parse(data)
	if err != nil {
		t.Fatalf("parse jwks: %v", err)
	}
	for _, id := range ids {
		parsed, ok := set.LookupKeyID(id)
		if !ok {
			t.Fatalf("kid %s missing from set", id)
		}
		thumbprint, err := parsed.Thumbprint(crypto.SHA256)
		if err != nil {
			t.Fatalf("thumbprint: %v", err)
		}
		if got := base64.RawURLEncoding.EncodeToString(thumbprint); got != id {
			t.Fatalf("public material did not round-trip: thumbprint %s, kid %s", got, id)
		}
		stored, err := store.Get(id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if stored.ID != id {
			t.Fatalf("expected get to return %s", id)
		}
	}
}

func TestConcurrentWritesNeverTearReads(t *testing.T) {
	store := New()
	var materials [][]byte
	for i := 0; i < 3; i++ {
		materials = append(materials, keyfakes.PrivatePEM(t, keyfakes.RSAKey(t, i)))
	}
	for i := 0; i < 4; i++ {
		materials = append(materials, keyfakes.PrivatePEM(t, keyfakes.ECKey(t, elliptic.P256())))
	}

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	done := make(chan struct{})

	for w := 0; w < 3; w++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			rng := mrand.New(mrand.NewPCG(seed, seed*7+1))
			for i := 0; i < 200; i++ {
				material := materials[rng.IntN(len(materials))]
				key, err := store.Add(material, FormatPEM, true)
				if err != nil {
					errs <- fmt.Errorf("add: %w", err)
					return
				}
				if rng.IntN(2) == 0 {
					if err := store.SetCurrent(key.ID); err != nil {
						errs <- fmt.Errorf("set current: %w", err)
						return
					}
				}
			}
		}(uint64(w + 1))
	}

	var readers sync.WaitGroup
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				if current, err := store.Current(); err == nil {
					got, err := store.Get(current.ID)
					if err != nil || got.ID != current.ID || !got.CanSign() {
						errs <- fmt.Errorf("current key %s not consistently retrievable: %v", current.ID, err)
						return
					}
				}
				keys := store.Keys()
				seen := map[string]bool{}
				for _, key := range keys {
					if seen[key.ID] {
						errs <- fmt.Errorf("duplicate key %s in snapshot", key.ID)
						return
					}
					seen[key.ID] = true
				}
				data, err := store.MarshalJWKS()
				if err != nil {
					errs <- fmt.Errorf("jwks: %w", err)
					return
				}
				var doc struct {
					Keys []json.RawMessage `json:"keys"`
				}
				if err := json.Unmarshal(data, &doc); err != nil {
					errs <- fmt.Errorf("decode jwks: %w", err)
					return
				}
			}
		}()
	}

	wg.Wait()
	close(done)
	readers.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	if store.Len() > len(materials) {
		t.Fatalf("expected at most %d keys, got %d", len(materials), store.Len())
	}
}
