package storage

import (
	"crypto/rand"
	"fmt"
)

// RandomVersion draws a random 32-byte version for writes that are not derived
// from a block. These versions exist only to satisfy the versioned store's API
// and are never used as rollback targets.
func RandomVersion() ([32]byte, error) {
	var v [32]byte
	if _, err := rand.Read(v[:]); err != nil {
		return [32]byte{}, fmt.Errorf("draw random version: %w", err)
	}
	return v, nil
}
