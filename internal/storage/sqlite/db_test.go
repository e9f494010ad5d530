package sqlite

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return db
}

func TestOpen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	// Verify WAL mode
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q; want wal", journalMode)
	}
}

func TestMigrate(t *testing.T) {
	db := openTestDB(t)

	version, err := db.Version()
	if err != nil {
		t.Fatalf("Version() error = %v", err)
	}
	if version != 2 {
		t.Errorf("Version() = %d; want 2", version)
	}

	var name string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='kv'").Scan(&name)
	if err != nil {
		t.Errorf("kv table missing: %v", err)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := openTestDB(t)

	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestKVStore_SetGet(t *testing.T) {
	store := NewKVStore(openTestDB(t))

	if err := store.Set("picala.prefs.last-email", "a@b.co"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok, err := store.Get("picala.prefs.last-email")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok || got != "a@b.co" {
		t.Errorf("Get() = %q, %v, want a@b.co, true", got, ok)
	}
}

func TestKVStore_SetOverwrites(t *testing.T) {
	store := NewKVStore(openTestDB(t))

	store.Set("k", "one")
	store.Set("k", "two")

	got, _, _ := store.Get("k")
	if got != "two" {
		t.Errorf("Get() = %v, want two", got)
	}
}

func TestKVStore_GetMissing(t *testing.T) {
	store := NewKVStore(openTestDB(t))

	_, ok, err := store.Get("missing")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("Get() ok = true for missing key")
	}
}

func TestKVStore_DeleteClearKeys(t *testing.T) {
	store := NewKVStore(openTestDB(t))

	store.Set("b", "2")
	store.Set("a", "1")
	store.Set("c", "3")

	if err := store.Delete("c"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	keys, err := store.Keys()
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("Keys() = %v, want [a b]", keys)
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	keys, _ = store.Keys()
	if len(keys) != 0 {
		t.Errorf("Keys() after Clear() = %v", keys)
	}
}
