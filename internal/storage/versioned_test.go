package storage

import (
	"bytes"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	return zap.NewNop()
}

func version(b byte) [32]byte {
	var v [32]byte
	v[0] = b
	return v
}

func openTestStore(t *testing.T, backend string) *VersionedStore {
	t.Helper()
	dir := t.TempDir()
	var (
		be  Backend
		err error
	)
	switch backend {
	case "bolt":
		be, err = NewBoltBackend(filepath.Join(dir, "test.db"), testLogger())
	case "leveldb":
		be, err = NewLevelDBBackend(filepath.Join(dir, "leveldb"), testLogger())
	default:
		t.Fatalf("unknown backend %q", backend)
	}
	if err != nil {
		t.Fatalf("open %s backend: %v", backend, err)
	}
	store, err := Open(be, 0, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func backends() []string { return []string{"bolt", "leveldb"} }

func TestVersionedStore_UpdateAndGet(t *testing.T) {
	for _, backend := range backends() {
		t.Run(backend, func(t *testing.T) {
			store := openTestStore(t, backend)

			if !store.IsEmpty() {
				t.Error("new store should be empty")
			}
			err := store.Update(version(1), []Entry{
				{Key: []byte("a"), Value: []byte("1")},
				{Key: []byte("b"), Value: []byte("2")},
			}, nil)
			if err != nil {
				t.Fatalf("Update: %v", err)
			}

			v, ok, err := store.Get([]byte("a"))
			if err != nil || !ok {
				t.Fatalf("Get(a) = %v, %v", ok, err)
			}
			if !bytes.Equal(v, []byte("1")) {
				t.Errorf("Get(a) = %q", v)
			}
			if store.NumberOfVersions() != 1 {
				t.Errorf("NumberOfVersions = %d, want 1", store.NumberOfVersions())
			}
			last, ok := store.LastVersionID()
			if !ok || last != version(1) {
				t.Error("LastVersionID mismatch")
			}
		})
	}
}

func TestVersionedStore_DuplicateVersion(t *testing.T) {
	store := openTestStore(t, "bolt")
	if err := store.Update(version(1), nil, nil); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := store.Update(version(1), nil, nil); err != ErrVersionExists {
		t.Errorf("expected ErrVersionExists, got %v", err)
	}
}

func TestVersionedStore_KeyInBothSets(t *testing.T) {
	store := openTestStore(t, "bolt")
	err := store.Update(version(1),
		[]Entry{{Key: []byte("a"), Value: []byte("1")}},
		[][]byte{[]byte("a")})
	if err != ErrKeyInBothSets {
		t.Errorf("expected ErrKeyInBothSets, got %v", err)
	}
}

func TestVersionedStore_Rollback(t *testing.T) {
	for _, backend := range backends() {
		t.Run(backend, func(t *testing.T) {
			store := openTestStore(t, backend)

			_ = store.Update(version(1), []Entry{{Key: []byte("a"), Value: []byte("v1")}}, nil)
			_ = store.Update(version(2), []Entry{
				{Key: []byte("a"), Value: []byte("v2")},
				{Key: []byte("b"), Value: []byte("new")},
			}, nil)
			_ = store.Update(version(3), nil, [][]byte{[]byte("a")})

			if _, ok, _ := store.Get([]byte("a")); ok {
				t.Fatal("a should be deleted at version 3")
			}

			if err := store.Rollback(version(1)); err != nil {
				t.Fatalf("Rollback: %v", err)
			}
			v, ok, _ := store.Get([]byte("a"))
			if !ok || !bytes.Equal(v, []byte("v1")) {
				t.Errorf("after rollback a = %q, %v", v, ok)
			}
			if _, ok, _ := store.Get([]byte("b")); ok {
				t.Error("b should not exist after rollback to version 1")
			}
			if store.NumberOfVersions() != 1 {
				t.Errorf("NumberOfVersions = %d, want 1", store.NumberOfVersions())
			}
		})
	}
}

func TestVersionedStore_RollbackUnknownVersion(t *testing.T) {
	store := openTestStore(t, "bolt")
	_ = store.Update(version(1), nil, nil)
	err := store.Rollback(version(9))
	if err == nil {
		t.Fatal("expected error rolling back to unknown version")
	}
}

func TestVersionedStore_RollbackVersionsOrder(t *testing.T) {
	store := openTestStore(t, "bolt")
	for i := byte(1); i <= 5; i++ {
		_ = store.Update(version(i), nil, nil)
	}
	got := store.RollbackVersions(2)
	if len(got) != 2 || got[0] != version(5) || got[1] != version(4) {
		t.Errorf("RollbackVersions(2) = %v", got)
	}
	all := store.RollbackVersions(100)
	if len(all) != 5 {
		t.Errorf("RollbackVersions(100) returned %d versions", len(all))
	}
}

func TestVersionedStore_GetAll(t *testing.T) {
	store := openTestStore(t, "bolt")
	_ = store.Update(version(1), []Entry{
		{Key: []byte("x"), Value: []byte("1")},
		{Key: []byte("y"), Value: []byte("2")},
	}, nil)

	all, err := store.GetAll()
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("GetAll returned %d entries, want 2", len(all))
	}
}

func TestVersionedStore_PersistenceAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	// Phase 1: write three versions, close.
	{
		be, err := NewBoltBackend(dbPath, testLogger())
		if err != nil {
			t.Fatalf("NewBoltBackend (phase 1): %v", err)
		}
		store, err := Open(be, 0, testLogger())
		if err != nil {
			t.Fatalf("Open (phase 1): %v", err)
		}
		for i := byte(1); i <= 3; i++ {
			if err := store.Update(version(i), []Entry{{Key: []byte{i}, Value: []byte{i}}}, nil); err != nil {
				t.Fatalf("Update %d: %v", i, err)
			}
		}
		if err := store.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}

	// Phase 2: reopen, verify versions and data survived, then roll back.
	{
		be, err := NewBoltBackend(dbPath, testLogger())
		if err != nil {
			t.Fatalf("NewBoltBackend (phase 2): %v", err)
		}
		store, err := Open(be, 0, testLogger())
		if err != nil {
			t.Fatalf("Open (phase 2): %v", err)
		}
		defer store.Close()

		if store.NumberOfVersions() != 3 {
			t.Fatalf("versions after reopen = %d, want 3", store.NumberOfVersions())
		}
		last, ok := store.LastVersionID()
		if !ok || last != version(3) {
			t.Error("last version mismatch after reopen")
		}

		if err := store.Rollback(version(1)); err != nil {
			t.Fatalf("Rollback after reopen: %v", err)
		}
		if _, ok, _ := store.Get([]byte{2}); ok {
			t.Error("key from discarded version survived rollback")
		}
		v, ok, _ := store.Get([]byte{1})
		if !ok || !bytes.Equal(v, []byte{1}) {
			t.Error("key from retained version lost")
		}
	}
}

func TestVersionedStore_HistoryTrim(t *testing.T) {
	dir := t.TempDir()
	be, err := NewBoltBackend(filepath.Join(dir, "test.db"), testLogger())
	if err != nil {
		t.Fatalf("NewBoltBackend: %v", err)
	}
	store, err := Open(be, 2, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	for i := byte(1); i <= 4; i++ {
		_ = store.Update(version(i), []Entry{{Key: []byte("k"), Value: []byte{i}}}, nil)
	}
	// All four versions are listed, but undo depth is bounded to 2.
	if store.NumberOfVersions() != 4 {
		t.Fatalf("NumberOfVersions = %d, want 4", store.NumberOfVersions())
	}
	if err := store.Rollback(version(2)); err != nil {
		t.Fatalf("Rollback within history: %v", err)
	}
	if err := store.Rollback(version(1)); err == nil {
		t.Error("expected rollback past undo history to fail")
	}
}
