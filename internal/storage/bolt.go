package storage

import (
	"bytes"
	"fmt"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var boltBucket = []byte("store")

// BoltBackend stores entries in a single-bucket bbolt database. It is the
// default persistence engine.
type BoltBackend struct {
	db     *bolt.DB
	logger *zap.Logger
}

// NewBoltBackend opens (or creates) a bbolt database at path.
func NewBoltBackend(path string, logger *zap.Logger) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	logger.Debug("opened bolt backend", zap.String("path", path))
	return &BoltBackend{db: db, logger: logger}, nil
}

func (b *BoltBackend) Get(key []byte) ([]byte, bool, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltBucket).Get(key)
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

func (b *BoltBackend) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := fn(append([]byte(nil), k...), append([]byte(nil), v...)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltBackend) Write(puts []Entry, deletes [][]byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(boltBucket)
		for _, e := range puts {
			if err := bkt.Put(e.Key, e.Value); err != nil {
				return err
			}
		}
		for _, k := range deletes {
			if err := bkt.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}
