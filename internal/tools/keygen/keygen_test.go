package keygen

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/louisbranch/dualhost/internal/services/host/keystore"
)

func TestParseOptionsDefaults(t *testing.T) {
	opts, err := ParseOptions(flag.NewFlagSet("keygen", flag.ContinueOnError), nil)
	if err != nil {
		t.Fatalf("parse options: %v", err)
	}
	if opts.Path != "private.pem" || opts.Algorithm != "RS256" || opts.Force {
		t.Fatalf("unexpected defaults %+v", opts)
	}
}

func TestParseOptionsRejectsEmptyPath(t *testing.T) {
	if _, err := ParseOptions(flag.NewFlagSet("keygen", flag.ContinueOnError), []string{"-out", ""}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestRunRequiresOutput(t *testing.T) {
	if err := Run(nil, Options{Path: "x.pem"}); err == nil {
		t.Fatal("expected error when output is nil")
	}
}

func TestRunWritesLoadableKeys(t *testing.T) {
	for _, alg := range []string{"RS256", "ES256", "ES384", "EdDSA"} {
		t.Run(alg, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "private.pem")
			publicPath := filepath.Join(dir, "public.pem")
			buf := &bytes.Buffer{}
			if err := Run(buf, Options{Path: path, PublicPath: publicPath, Algorithm: alg}); err != nil {
				t.Fatalf("run: %v", err)
			}

			material, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("read key: %v", err)
			}
			store := keystore.New()
			key, err := store.Add(material, keystore.FormatPEM, true)
			if err != nil {
				t.Fatalf("load generated key: %v", err)
			}
			if key.Algorithm != alg {
				t.Fatalf("algorithm = %s, want %s", key.Algorithm, alg)
			}
			if !strings.Contains(buf.String(), "kid="+key.ID) {
				t.Fatalf("output %q missing kid %s", buf.String(), key.ID)
			}

			publicMaterial, err := os.ReadFile(publicPath)
			if err != nil {
				t.Fatalf("read public key: %v", err)
			}
			public, err := keystore.New().Add(publicMaterial, keystore.FormatPEM, false)
			if err != nil {
				t.Fatalf("load public key: %v", err)
			}
			if public.ID != key.ID {
				t.Fatalf("public kid %s != private kid %s", public.ID, key.ID)
			}

			info, err := os.Stat(path)
			if err != nil {
				t.Fatalf("stat: %v", err)
			}
			if perm := info.Mode().Perm(); perm&0o077 != 0 {
				t.Fatalf("private key is group/world accessible: %v", perm)
			}
		})
	}
}

func TestRunRefusesOverwriteWithoutForce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "private.pem")
	if err := os.WriteFile(path, []byte("keep"), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}
	err := Run(&bytes.Buffer{}, Options{Path: path, Algorithm: "ES256"})
	if err == nil || !strings.Contains(err.Error(), "-force") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "keep" {
		t.Fatalf("existing file was modified: %q", data)
	}

	if err := Run(&bytes.Buffer{}, Options{Path: path, Algorithm: "ES256", Force: true}); err != nil {
		t.Fatalf("forced run: %v", err)
	}
	data, _ = os.ReadFile(path)
	if !strings.Contains(string(data), "PRIVATE KEY") {
		t.Fatalf("expected new key, got %q", data)
	}
}

func TestRunRejectsUnknownAlgorithm(t *testing.T) {
	path := filepath.Join(t.TempDir(), "private.pem")
	if err := Run(&bytes.Buffer{}, Options{Path: path, Algorithm: "HS256"}); err == nil {
		t.Fatal("expected unsupported algorithm error")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("no file should be written, stat err = %v", err)
	}
}
