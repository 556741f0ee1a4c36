// Package keygen writes a fresh PKCS#8 PEM signing key for the host.
package keygen

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	entrypoint "github.com/louisbranch/dualhost/internal/platform/cmd"
	"github.com/louisbranch/dualhost/internal/services/host/keystore"
)

const rsaBits = 2048

// Options controls key generation.
type Options struct {
	// Path receives the private key.
	Path string
	// PublicPath, when set, receives the PKIX public key.
	PublicPath string
	// Algorithm is RS256, ES256, ES384 or EdDSA.
	Algorithm string
	// Force overwrites existing files.
	Force bool
	// Random overrides the entropy source.
	Random io.Reader
}

// ParseOptions parses flags into Options.
func ParseOptions(fs *flag.FlagSet, args []string) (Options, error) {
	opts := Options{Path: "private.pem", Algorithm: "RS256"}
	fs.StringVar(&opts.Path, "out", opts.Path, "Private key output path")
	fs.StringVar(&opts.PublicPath, "public-out", opts.PublicPath, "Optional public key output path")
	fs.StringVar(&opts.Algorithm, "alg", opts.Algorithm, "Signing algorithm: RS256, ES256, ES384 or EdDSA")
	fs.BoolVar(&opts.Force, "force", opts.Force, "Overwrite existing files")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Options{}, err
	}
	if strings.TrimSpace(opts.Path) == "" {
		return Options{}, errors.New("output path is required")
	}
	return opts, nil
}

// Run generates a key, writes it and reports its kid to out.
func Run(out io.Writer, opts Options) error {
	if out == nil {
		return errors.New("output is required")
	}
	random := opts.Random
	if random == nil {
		random = rand.Reader
	}
	signer, err := generate(strings.ToUpper(strings.TrimSpace(opts.Algorithm)), random)
	if err != nil {
		return err
	}

	der, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	key, err := keystore.New().Add(privatePEM, keystore.FormatPEM, true)
	if err != nil {
		return fmt.Errorf("check generated key: %w", err)
	}

	if err := writeFile(opts.Path, privatePEM, 0o600, opts.Force); err != nil {
		return err
	}
	if opts.PublicPath != "" {
		publicDER, err := x509.MarshalPKIXPublicKey(signer.Public())
		if err != nil {
			return fmt.Errorf("marshal public key: %w", err)
		}
		publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})
		if err := writeFile(opts.PublicPath, publicPEM, 0o644, opts.Force); err != nil {
			return err
		}
	}

	_, err = fmt.Fprintf(out, "wrote %s (alg=%s kid=%s)\n", opts.Path, key.Algorithm, key.ID)
	return err
}

func generate(algorithm string, random io.Reader) (crypto.Signer, error) {
	switch algorithm {
	case "RS256":
		key, err := rsa.GenerateKey(random, rsaBits)
		if err != nil {
			return nil, fmt.Errorf("generate rsa key: %w", err)
		}
		return key, nil
	case "ES256", "ES384":
		curve := elliptic.P256()
		if algorithm == "ES384" {
			curve = elliptic.P384()
		}
		key, err := ecdsa.GenerateKey(curve, random)
		if err != nil {
			return nil, fmt.Errorf("generate ecdsa key: %w", err)
		}
		return key, nil
	case "EDDSA":
		_, key, err := ed25519.GenerateKey(random)
		if err != nil {
			return nil, fmt.Errorf("generate ed25519 key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", algorithm)
	}
}

func writeFile(path string, data []byte, perm os.FileMode, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	file, err := os.OpenFile(path, flags, perm)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s already exists (use -force to overwrite)", path)
		}
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return file.Close()
}
