// v0
// internal/commitment/hasher.go
package commitment

import (
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
)

// Hash algorithm names accepted by HasherByName.
const (
	HashSHA256    = "sha256"
	HashMiMCBN254 = "mimc-bn254"
)

// Hasher maps a committed integer to a 256-bit digest.
type Hasher interface {
	Name() string
	Sum(value int64) ([]byte, error)
}

// SHA256 hashes the decimal ASCII form of the value, so sha256("42") is the
// fingerprint of 42.
type SHA256 struct{}

func (SHA256) Name() string { return HashSHA256 }

func (SHA256) Sum(value int64) ([]byte, error) {
	sum := sha256.Sum256([]byte(strconv.FormatInt(value, 10)))
	return sum[:], nil
}

// MiMC hashes the value as a single BN254 scalar field element. The digest
// is 32 bytes, the same size as SHA256, and can be recomputed inside a
// gnark circuit.
type MiMC struct{}

func (MiMC) Name() string { return HashMiMCBN254 }

func (MiMC) Sum(value int64) ([]byte, error) {
	if value < 0 {
		return nil, invalidValue(strconv.FormatInt(value, 10), "must not be negative")
	}
	var e fr.Element
	e.SetUint64(uint64(value))
	block := e.Bytes()
	h := mimc.NewMiMC()
	if _, err := h.Write(block[:]); err != nil {
		return nil, fmt.Errorf("mimc write: %w", err)
	}
	return h.Sum(nil), nil
}

// HasherByName resolves the configured hash algorithm. An empty name selects
// SHA256.
func HasherByName(name string) (Hasher, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", HashSHA256:
		return SHA256{}, nil
	case HashMiMCBN254, "mimc":
		return MiMC{}, nil
	default:
		return nil, fmt.Errorf("unsupported commitment hash %q", name)
	}
}
