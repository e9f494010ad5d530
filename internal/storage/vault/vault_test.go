package vault

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/felixgeelhaar/picala/internal/storage/local"
)

func openTestVault(t *testing.T) (*Vault, string) {
	t.Helper()
	dir := t.TempDir()
	v, err := Open(filepath.Join(dir, "secure"), filepath.Join(dir, "keys", "vault.key"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return v, dir
}

func TestVault_SetGet(t *testing.T) {
	v, _ := openTestVault(t)

	if err := v.Set("picala.auth.session", "secret-token"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok, err := v.Get("picala.auth.session")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok || got != "secret-token" {
		t.Errorf("Get() = %q, %v, want secret-token, true", got, ok)
	}
}

func TestVault_CiphertextOnDisk(t *testing.T) {
	v, dir := openTestVault(t)
	v.Set("k", "plaintext-marker")

	entries, err := os.ReadDir(filepath.Join(dir, "secure"))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	for _, e := range entries {
		data, _ := os.ReadFile(filepath.Join(dir, "secure", e.Name()))
		if strings.Contains(string(data), "plaintext-marker") {
			t.Errorf("file %s contains plaintext", e.Name())
		}
	}
}

func TestVault_KeyIsBoundToName(t *testing.T) {
	dir := t.TempDir()
	store, _ := local.NewStore(dir)
	key := bytes.Repeat([]byte{7}, 32)
	v, err := New(store, key)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	v.Set("a", "value-a")
	sealed, _, _ := store.Get("a")
	store.Set("b", sealed)

	if _, _, err := v.Get("b"); err != ErrCorrupt {
		t.Errorf("Get() error = %v, want %v", err, ErrCorrupt)
	}
}

func TestVault_ReopenWithSameKey(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "vault.key")

	v1, _ := Open(filepath.Join(dir, "secure"), keyPath)
	v1.Set("k", "v")

	v2, err := Open(filepath.Join(dir, "secure"), keyPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	got, ok, err := v2.Get("k")
	if err != nil || !ok || got != "v" {
		t.Errorf("Get() = %q, %v, %v", got, ok, err)
	}

	info, _ := os.Stat(keyPath)
	if info.Mode().Perm() != 0600 {
		t.Errorf("key mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestLoadOrCreateKey_RejectsShortKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.key")
	os.WriteFile(path, []byte("short"), 0600)

	if _, err := LoadOrCreateKey(path); err == nil {
		t.Error("LoadOrCreateKey() expected error for short key")
	}
}

func TestVault_DeleteAndClear(t *testing.T) {
	v, _ := openTestVault(t)
	v.Set("a", "1")
	v.Set("b", "2")

	v.Delete("a")
	if _, ok, _ := v.Get("a"); ok {
		t.Error("a still present after Delete()")
	}

	v.Clear()
	if _, ok, _ := v.Get("b"); ok {
		t.Error("b still present after Clear()")
	}
}
