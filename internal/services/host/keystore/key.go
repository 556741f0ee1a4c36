package keystore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"

	apperrors "github.com/louisbranch/dualhost/internal/platform/errors"
)

// KeyType names the asymmetric key family.
type KeyType string

const (
	KeyTypeRSA KeyType = "RSA"
	KeyTypeEC  KeyType = "EC"
	KeyTypeOKP KeyType = "OKP"
)

// Format describes how key material is encoded.
type Format int

const (
	// FormatPEM is a PEM block: PKCS#8, PKCS#1, SEC1 or PKIX.
	FormatPEM Format = iota + 1
	// FormatDER is the raw DER body of one of the PEM encodings.
	FormatDER
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case FormatPEM:
		return "pem"
	case FormatDER:
		return "der"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

const minRSABits = 2048

// Key is one asymmetric key held by a KeyStore. Keys are immutable once
// stored.
type Key struct {
	// ID is the RFC 7638 SHA-256 thumbprint of the public key, base64url.
	ID string
	// Type is the key family.
	Type KeyType
	// Algorithm is the only JWS algorithm this key signs and verifies with.
	Algorithm string
	// PublicDER is the PKIX encoding of the public key.
	PublicDER []byte
	// CreatedAt is when the key entered the store.
	CreatedAt time.Time

	public  crypto.PublicKey
	private crypto.Signer
	jwk     jwk.Key
}

// Public returns the public key.
func (k *Key) Public() crypto.PublicKey {
	return k.public
}

// Signer returns the private key, or nil for verify-only keys.
func (k *Key) Signer() crypto.Signer {
	return k.private
}

// CanSign reports whether the key carries private material.
func (k *Key) CanSign() bool {
	return k != nil && k.private != nil
}

// parseKey decodes material into a Key. Private material is dropped unless
// hasPrivate is set; hasPrivate with public-only material is an error.
func parseKey(material []byte, format Format, hasPrivate bool, now time.Time) (*Key, error) {
	public, private, err := decodeMaterial(material, format)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidKeyMaterial, "decode key material", err)
	}
	if hasPrivate && private == nil {
		return nil, apperrors.New(apperrors.CodeInvalidKeyMaterial, "key material has no private key")
	}
	if !hasPrivate {
		private = nil
	}

	keyType, algorithm, err := describe(public)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidKeyMaterial, "unsupported key", err)
	}
	der, err := x509.MarshalPKIXPublicKey(public)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidKeyMaterial, "encode public key", err)
	}
	publicJWK, kid, err := buildJWK(public, algorithm)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidKeyMaterial, "build jwk", err)
	}

	return &Key{
		ID:        kid,
		Type:      keyType,
		Algorithm: algorithm,
		PublicDER: der,
		CreatedAt: now.UTC(),
		public:    public,
		private:   private,
		jwk:       publicJWK,
	}, nil
}

func decodeMaterial(material []byte, format Format) (crypto.PublicKey, crypto.Signer, error) {
	switch format {
	case FormatPEM:
		block, _ := pem.Decode(material)
		if block == nil {
			return nil, nil, fmt.Errorf("no PEM block found")
		}
		return decodeDER(block.Bytes, block.Type)
	case FormatDER:
		if len(material) == 0 {
			return nil, nil, fmt.Errorf("empty DER")
		}
		return decodeDER(material, "")
	default:
		return nil, nil, fmt.Errorf("unsupported format %s", format)
	}
}

// decodeDER parses der according to the PEM block type; an empty block type
// tries every supported encoding.
func decodeDER(der []byte, blockType string) (crypto.PublicKey, crypto.Signer, error) {
	switch blockType {
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(der)
		if err != nil {
			return nil, nil, fmt.Errorf("parse PKCS#8: %w", err)
		}
		return asSigner(parsed)
	case "RSA PRIVATE KEY":
		parsed, err := x509.ParsePKCS1PrivateKey(der)
		if err != nil {
			return nil, nil, fmt.Errorf("parse PKCS#1: %w", err)
		}
		return asSigner(parsed)
	case "EC PRIVATE KEY":
		parsed, err := x509.ParseECPrivateKey(der)
		if err != nil {
			return nil, nil, fmt.Errorf("parse SEC1: %w", err)
		}
		return asSigner(parsed)
	case "PUBLIC KEY":
		parsed, err := x509.ParsePKIXPublicKey(der)
		if err != nil {
			return nil, nil, fmt.Errorf("parse PKIX: %w", err)
		}
		return parsed, nil, nil
	case "RSA PUBLIC KEY":
		parsed, err := x509.ParsePKCS1PublicKey(der)
		if err != nil {
			return nil, nil, fmt.Errorf("parse PKCS#1 public: %w", err)
		}
		return parsed, nil, nil
	case "":
		for _, candidate := range []string{"PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY", "PUBLIC KEY", "RSA PUBLIC KEY"} {
			if public, private, err := decodeDER(der, candidate); err == nil {
				return public, private, nil
			}
		}
		return nil, nil, fmt.Errorf("unrecognized DER key encoding")
	default:
		return nil, nil, fmt.Errorf("unsupported PEM block %q", blockType)
	}
}

func asSigner(parsed any) (crypto.PublicKey, crypto.Signer, error) {
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, nil, fmt.Errorf("private key of type %T cannot sign", parsed)
	}
	return signer.Public(), signer, nil
}

// describe returns the key family and pinned JWS algorithm for a public key.
func describe(public crypto.PublicKey) (KeyType, string, error) {
	switch pub := public.(type) {
	case *rsa.PublicKey:
		if pub.N.BitLen() < minRSABits {
			return "", "", fmt.Errorf("rsa key is %d bits, need at least %d", pub.N.BitLen(), minRSABits)
		}
		return KeyTypeRSA, "RS256", nil
	case *ecdsa.PublicKey:
		switch pub.Curve {
		case elliptic.P256():
			return KeyTypeEC, "ES256", nil
		case elliptic.P384():
			return KeyTypeEC, "ES384", nil
		case elliptic.P521():
			return KeyTypeEC, "ES512", nil
		default:
			return "", "", fmt.Errorf("unsupported curve %s", pub.Curve.Params().Name)
		}
	case ed25519.PublicKey:
		return KeyTypeOKP, "EdDSA", nil
	default:
		return "", "", fmt.Errorf("unsupported public key type %T", public)
	}
}

// buildJWK converts the public key to a JWK tagged with its thumbprint kid,
// its algorithm, and signature use.
func buildJWK(public crypto.PublicKey, algorithm string) (jwk.Key, string, error) {
	key, err := jwk.PublicKeyOf(public)
	if err != nil {
		return nil, "", fmt.Errorf("import public key: %w", err)
	}
	thumbprint, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, "", fmt.Errorf("thumbprint: %w", err)
	}
	kid := base64.RawURLEncoding.EncodeToString(thumbprint)

	alg, ok := signatureAlgorithms[algorithm]
	if !ok {
		return nil, "", fmt.Errorf("no jwa mapping for %s", algorithm)
	}
	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, "", fmt.Errorf("set kid: %w", err)
	}
	if err := key.Set(jwk.AlgorithmKey, alg); err != nil {
		return nil, "", fmt.Errorf("set alg: %w", err)
	}
	if err := key.Set(jwk.KeyUsageKey, jwk.ForSignature); err != nil {
		return nil, "", fmt.Errorf("set use: %w", err)
	}
	return key, kid, nil
}

var signatureAlgorithms = map[string]jwa.SignatureAlgorithm{
	"RS256": jwa.RS256(),
	"ES256": jwa.ES256(),
	"ES384": jwa.ES384(),
	"ES512": jwa.ES512(),
	"EdDSA": jwa.EdDSA(),
}
