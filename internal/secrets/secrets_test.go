package secrets

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestEncryptor(t *testing.T) *Encryptor {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}
	return enc
}

func TestSealOpen(t *testing.T) {
	enc := newTestEncryptor(t)

	sealed, err := enc.Seal("ghs_verysecrettoken")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if strings.Contains(sealed, "ghs_") {
		t.Fatal("ciphertext leaks plaintext")
	}

	opened, err := enc.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if opened != "ghs_verysecrettoken" {
		t.Fatalf("got %q", opened)
	}
}

func TestSealIsNonDeterministic(t *testing.T) {
	enc := newTestEncryptor(t)
	a, err := enc.Seal("same")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	b, err := enc.Seal("same")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if a == b {
		t.Fatal("expected distinct nonces to produce distinct ciphertexts")
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	enc := newTestEncryptor(t)
	sealed, err := enc.Seal("value")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	if _, err := enc.Open("not-base64!!!"); err == nil {
		t.Fatal("expected error for malformed ciphertext")
	}
	if _, err := enc.Open("c2hvcnQ="); err == nil {
		t.Fatal("expected error for truncated ciphertext")
	}

	other := newTestEncryptor(t)
	if _, err := other.Open(sealed); err != ErrDecryptionFailed {
		t.Fatalf("expected ErrDecryptionFailed with wrong key, got %v", err)
	}
}

func TestNewEncryptorKeySize(t *testing.T) {
	if _, err := NewEncryptor([]byte("short")); err != ErrInvalidKeySize {
		t.Fatalf("expected ErrInvalidKeySize, got %v", err)
	}
}

func TestLoadOrCreateKey(t *testing.T) {
	dir := t.TempDir()

	key, err := LoadOrCreateKey("", dir)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	if len(key) != KeySize {
		t.Fatalf("key size = %d", len(key))
	}

	info, err := os.Stat(filepath.Join(dir, keyFileName))
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("key file mode = %v", info.Mode().Perm())
	}

	again, err := LoadOrCreateKey("", dir)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if string(again) != string(key) {
		t.Fatal("reload returned a different key")
	}
}

func TestLoadOrCreateKeyConfiguredWins(t *testing.T) {
	dir := t.TempDir()
	want, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	key, err := LoadOrCreateKey(EncodeKey(want), dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(key) != string(want) {
		t.Fatal("configured key was not honored")
	}
	if _, err := os.Stat(filepath.Join(dir, keyFileName)); !os.IsNotExist(err) {
		t.Fatal("configured key must not be written to disk")
	}

	if _, err := LoadOrCreateKey("bad base64", dir); err == nil {
		t.Fatal("expected error for invalid configured key")
	}
}
