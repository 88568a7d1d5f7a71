package secrets

import (
	"crypto/rand"
	"fmt"

	"github.com/djkazic/sidechain-go/internal/types"
	"github.com/djkazic/sidechain-go/pkg/util"
)

// Secret is a private-key analogue with a derivable public image.
type Secret struct {
	PrivateKeyBytes [32]byte `cbor:"1,keyasint"`
}

// Generate draws a fresh random secret.
func Generate() (*Secret, error) {
	var s Secret
	if _, err := rand.Read(s.PrivateKeyBytes[:]); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	return &s, nil
}

// PublicImage derives the proposition this secret unlocks.
func (s *Secret) PublicImage() types.Proposition {
	buf := append([]byte("pub/"), s.PrivateKeyBytes[:]...)
	return types.Proposition(util.Blake2b256(buf))
}
