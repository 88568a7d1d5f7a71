package storage

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	leveldb "github.com/ipfs/go-ds-leveldb"
	"go.uber.org/zap"
)

// LevelDBBackend stores entries in a LevelDB datastore. Selectable through the
// `storage.backend = "leveldb"` config knob as an alternative to bolt.
type LevelDBBackend struct {
	ds     *leveldb.Datastore
	logger *zap.Logger
}

// NewLevelDBBackend opens (or creates) a LevelDB database at path.
func NewLevelDBBackend(path string, logger *zap.Logger) (*LevelDBBackend, error) {
	ds, err := leveldb.NewDatastore(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	logger.Debug("opened leveldb backend", zap.String("path", path))
	return &LevelDBBackend{ds: ds, logger: logger}, nil
}

// dsKey maps an opaque byte key onto the datastore's path-shaped key space.
func dsKey(key []byte) datastore.Key {
	return datastore.NewKey(hex.EncodeToString(key))
}

func (l *LevelDBBackend) Get(key []byte) ([]byte, bool, error) {
	v, err := l.ds.Get(context.Background(), dsKey(key))
	if err == datastore.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (l *LevelDBBackend) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	// Hex encoding is byte-aligned, so a byte prefix maps directly onto a
	// string prefix of the encoded key.
	res, err := l.ds.Query(context.Background(), query.Query{Prefix: "/"})
	if err != nil {
		return err
	}
	defer res.Close()

	want := hex.EncodeToString(prefix)
	for r := range res.Next() {
		if r.Error != nil {
			return r.Error
		}
		enc := strings.TrimPrefix(r.Key, "/")
		if !strings.HasPrefix(enc, want) {
			continue
		}
		key, err := hex.DecodeString(enc)
		if err != nil {
			return fmt.Errorf("malformed datastore key %q: %w", r.Key, err)
		}
		if err := fn(key, r.Value); err != nil {
			return err
		}
	}
	return nil
}

func (l *LevelDBBackend) Write(puts []Entry, deletes [][]byte) error {
	ctx := context.Background()
	batch, err := l.ds.Batch(ctx)
	if err != nil {
		return err
	}
	for _, e := range puts {
		if err := batch.Put(ctx, dsKey(e.Key), e.Value); err != nil {
			return err
		}
	}
	for _, k := range deletes {
		if err := batch.Delete(ctx, dsKey(k)); err != nil {
			return err
		}
	}
	return batch.Commit(ctx)
}

func (l *LevelDBBackend) Close() error {
	return l.ds.Close()
}
