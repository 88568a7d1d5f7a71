// Package secrets holds the wallet's private keys. The store is layered over a
// versioned KV but is versionless in semantics: every mutation is written under
// a freshly drawn random version, and those versions are never rolled back
// through. Secret entries survive every chain rollback untouched.
package secrets

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/djkazic/sidechain-go/internal/storage"
	"github.com/djkazic/sidechain-go/internal/types"
	"github.com/djkazic/sidechain-go/pkg/util"
)

var (
	ErrSecretExists   = errors.New("secrets: secret already present")
	ErrSecretNotFound = errors.New("secrets: secret not found")
)

type record struct {
	Seq    uint64 `cbor:"1,keyasint"`
	Secret Secret `cbor:"2,keyasint"`
}

// Store is an insertion-ordered map of proposition-hash to secret.
type Store struct {
	store  *storage.VersionedStore
	logger *zap.Logger

	mu      sync.RWMutex
	order   []string           // key strings, insertion order
	byKey   map[string]*Secret // key string -> secret
	nextSeq uint64
}

// storeKey is Blake2b256 over the proposition bytes.
func storeKey(p types.Proposition) []byte {
	h := util.Blake2b256(p[:])
	return h[:]
}

// NewStore opens the secret store, rebuilding the in-memory insertion-order
// index from the underlying versioned KV.
func NewStore(vs *storage.VersionedStore, logger *zap.Logger) (*Store, error) {
	s := &Store{store: vs, logger: logger, byKey: make(map[string]*Secret)}

	entries, err := vs.GetAll()
	if err != nil {
		return nil, fmt.Errorf("load secrets: %w", err)
	}
	type loaded struct {
		key string
		rec record
	}
	all := make([]loaded, 0, len(entries))
	for _, e := range entries {
		var rec record
		if err := cbor.Unmarshal(e.Value, &rec); err != nil {
			return nil, fmt.Errorf("decode secret record: %w", err)
		}
		all = append(all, loaded{key: string(e.Key), rec: rec})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].rec.Seq < all[j].rec.Seq })
	for _, l := range all {
		sec := l.rec.Secret
		s.order = append(s.order, l.key)
		s.byKey[l.key] = &sec
		if l.rec.Seq >= s.nextSeq {
			s.nextSeq = l.rec.Seq + 1
		}
	}
	logger.Debug("secret store loaded", zap.Int("secrets", len(s.order)))
	return s, nil
}

// Add stores a new secret. Fails if a secret for the same proposition already
// exists.
func (s *Store) Add(secret *Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := storeKey(secret.PublicImage())
	if _, ok := s.byKey[string(key)]; ok {
		return ErrSecretExists
	}

	raw, err := cbor.Marshal(&record{Seq: s.nextSeq, Secret: *secret})
	if err != nil {
		return err
	}
	version, err := storage.RandomVersion()
	if err != nil {
		return err
	}
	if err := s.store.Update(version, []storage.Entry{{Key: key, Value: raw}}, nil); err != nil {
		return err
	}

	cp := *secret
	s.order = append(s.order, string(key))
	s.byKey[string(key)] = &cp
	s.nextSeq++
	return nil
}

// Remove deletes the secret for the given proposition. Removal of an absent
// key is a no-op that still writes a version.
func (s *Store) Remove(p types.Proposition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	version, err := storage.RandomVersion()
	if err != nil {
		return err
	}
	key := storeKey(p)
	if _, ok := s.byKey[string(key)]; !ok {
		return s.store.Update(version, nil, nil)
	}
	if err := s.store.Update(version, nil, [][]byte{key}); err != nil {
		return err
	}

	delete(s.byKey, string(key))
	for i, k := range s.order {
		if k == string(key) {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns the secret for the given proposition.
func (s *Store) Get(p types.Proposition) (*Secret, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sec, ok := s.byKey[string(storeKey(p))]
	if !ok {
		return nil, false
	}
	cp := *sec
	return &cp, true
}

// Contains reports whether a secret for the proposition exists.
func (s *Store) Contains(p types.Proposition) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byKey[string(storeKey(p))]
	return ok
}

// List returns all secrets in insertion order.
func (s *Store) List() []*Secret {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Secret, 0, len(s.order))
	for _, k := range s.order {
		cp := *s.byKey[k]
		out = append(out, &cp)
	}
	return out
}

// PublicImages returns the set of propositions the store can unlock.
func (s *Store) PublicImages() map[types.Proposition]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[types.Proposition]struct{}, len(s.order))
	for _, k := range s.order {
		out[s.byKey[k].PublicImage()] = struct{}{}
	}
	return out
}

// Count returns how many secrets the store holds.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
