package storage

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
)

// Key-space layout inside the backend:
//
//	m/versions      ordered list of version ids, oldest first
//	k/<key>         current value of <key>
//	u/<version>     undo record reverting the update that produced <version>
var (
	metaVersionsKey = []byte("m/versions")
	kvPrefix        = []byte("k/")
	undoPrefix      = []byte("u/")
)

// DefaultMaxHistory bounds how many undo records a store retains. Rollbacks
// deeper than this fail with ErrUndoUnavailable.
const DefaultMaxHistory = 720

type undoEntry struct {
	Key     []byte `cbor:"1,keyasint"`
	Value   []byte `cbor:"2,keyasint"`
	Existed bool   `cbor:"3,keyasint"`
}

type undoRecord struct {
	Entries []undoEntry `cbor:"1,keyasint"`
}

// VersionedStore is an append-only sequence of (version, writeset) pairs over a
// Backend, with bounded rollback history. Updates are atomic; a rollback
// restores exactly the state present immediately after the update that produced
// the target version.
type VersionedStore struct {
	be         Backend
	logger     *zap.Logger
	maxHistory int

	mu       sync.RWMutex
	versions [][32]byte // oldest first
}

// Open loads (or initializes) a versioned store over the given backend.
func Open(be Backend, maxHistory int, logger *zap.Logger) (*VersionedStore, error) {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	s := &VersionedStore{be: be, logger: logger, maxHistory: maxHistory}

	raw, ok, err := be.Get(metaVersionsKey)
	if err != nil {
		return nil, fmt.Errorf("load version list: %w", err)
	}
	if ok {
		if err := cbor.Unmarshal(raw, &s.versions); err != nil {
			return nil, fmt.Errorf("decode version list: %w", err)
		}
	}
	return s, nil
}

func kvKey(key []byte) []byte {
	return append(append([]byte(nil), kvPrefix...), key...)
}

func undoKey(version [32]byte) []byte {
	return append(append([]byte(nil), undoPrefix...), version[:]...)
}

func (s *VersionedStore) indexOf(version [32]byte) int {
	for i := len(s.versions) - 1; i >= 0; i-- {
		if s.versions[i] == version {
			return i
		}
	}
	return -1
}

// Update atomically applies puts and deletes under the given version. The
// version must be new, and no key may appear in both sets.
func (s *VersionedStore) Update(version [32]byte, puts []Entry, deletes [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexOf(version) >= 0 {
		return ErrVersionExists
	}
	putKeys := make(map[string]struct{}, len(puts))
	for _, e := range puts {
		putKeys[string(e.Key)] = struct{}{}
	}
	for _, k := range deletes {
		if _, ok := putKeys[string(k)]; ok {
			return ErrKeyInBothSets
		}
	}

	// Record the prior state of every touched key so the update can be
	// reverted exactly.
	undo := undoRecord{}
	seen := make(map[string]struct{}, len(puts)+len(deletes))
	record := func(key []byte) error {
		if _, ok := seen[string(key)]; ok {
			return nil
		}
		seen[string(key)] = struct{}{}
		prev, existed, err := s.be.Get(kvKey(key))
		if err != nil {
			return err
		}
		undo.Entries = append(undo.Entries, undoEntry{Key: key, Value: prev, Existed: existed})
		return nil
	}
	for _, e := range puts {
		if err := record(e.Key); err != nil {
			return err
		}
	}
	for _, k := range deletes {
		if err := record(k); err != nil {
			return err
		}
	}

	undoBytes, err := cbor.Marshal(&undo)
	if err != nil {
		return err
	}

	newVersions := append(append([][32]byte(nil), s.versions...), version)
	versionBytes, err := cbor.Marshal(newVersions)
	if err != nil {
		return err
	}

	batchPuts := make([]Entry, 0, len(puts)+2)
	for _, e := range puts {
		batchPuts = append(batchPuts, Entry{Key: kvKey(e.Key), Value: e.Value})
	}
	batchPuts = append(batchPuts,
		Entry{Key: undoKey(version), Value: undoBytes},
		Entry{Key: metaVersionsKey, Value: versionBytes},
	)

	batchDeletes := make([][]byte, 0, len(deletes)+1)
	for _, k := range deletes {
		batchDeletes = append(batchDeletes, kvKey(k))
	}
	// Trim undo history beyond the retention bound.
	if excess := len(newVersions) - s.maxHistory; excess > 0 {
		batchDeletes = append(batchDeletes, undoKey(newVersions[excess-1]))
	}

	if err := s.be.Write(batchPuts, batchDeletes); err != nil {
		return fmt.Errorf("write version %x: %w", version[:8], err)
	}
	s.versions = newVersions
	return nil
}

// Rollback discards every version strictly newer than the target and restores
// the state present immediately after the target's update.
func (s *VersionedStore) Rollback(version [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(version)
	if idx < 0 {
		return fmt.Errorf("rollback to %x: %w", version[:8], ErrVersionNotFound)
	}

	// Replay undo records newest-first. An older record wins for keys touched
	// by several discarded versions, so later applications overwrite earlier
	// staged values.
	staged := make(map[string]*[]byte)
	for i := len(s.versions) - 1; i > idx; i-- {
		raw, ok, err := s.be.Get(undoKey(s.versions[i]))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("version %x: %w", s.versions[i][:8], ErrUndoUnavailable)
		}
		var rec undoRecord
		if err := cbor.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode undo record: %w", err)
		}
		for _, e := range rec.Entries {
			if e.Existed {
				v := e.Value
				staged[string(e.Key)] = &v
			} else {
				staged[string(e.Key)] = nil
			}
		}
	}

	var puts []Entry
	var deletes [][]byte
	for k, v := range staged {
		if v != nil {
			puts = append(puts, Entry{Key: kvKey([]byte(k)), Value: *v})
		} else {
			deletes = append(deletes, kvKey([]byte(k)))
		}
	}
	newVersions := append([][32]byte(nil), s.versions[:idx+1]...)
	versionBytes, err := cbor.Marshal(newVersions)
	if err != nil {
		return err
	}
	puts = append(puts, Entry{Key: metaVersionsKey, Value: versionBytes})
	for i := idx + 1; i < len(s.versions); i++ {
		deletes = append(deletes, undoKey(s.versions[i]))
	}

	if err := s.be.Write(puts, deletes); err != nil {
		return fmt.Errorf("rollback to %x: %w", version[:8], err)
	}
	s.logger.Debug("rolled back store",
		zap.Int("discarded", len(s.versions)-idx-1),
		zap.String("to", fmt.Sprintf("%x", version[:8])))
	s.versions = newVersions
	return nil
}

// LastVersionID returns the most recent version, if any.
func (s *VersionedStore) LastVersionID() ([32]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.versions) == 0 {
		return [32]byte{}, false
	}
	return s.versions[len(s.versions)-1], true
}

// RollbackVersions returns up to limit version ids, most recent first.
func (s *VersionedStore) RollbackVersions(limit int) [][32]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit > len(s.versions) {
		limit = len(s.versions)
	}
	out := make([][32]byte, 0, limit)
	for i := len(s.versions) - 1; i >= len(s.versions)-limit; i-- {
		out = append(out, s.versions[i])
	}
	return out
}

// Get returns the current value for key.
func (s *VersionedStore) Get(key []byte) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.be.Get(kvKey(key))
}

// GetAll returns every current entry. Iteration order is unspecified.
func (s *VersionedStore) GetAll() ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	err := s.be.Iterate(kvPrefix, func(key, value []byte) error {
		out = append(out, Entry{Key: bytes.TrimPrefix(key, kvPrefix), Value: value})
		return nil
	})
	return out, err
}

// IsEmpty reports whether the store has no versions.
func (s *VersionedStore) IsEmpty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.versions) == 0
}

// NumberOfVersions returns how many versions the store has accumulated.
func (s *VersionedStore) NumberOfVersions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.versions)
}

// Close closes the underlying backend.
func (s *VersionedStore) Close() error {
	return s.be.Close()
}
