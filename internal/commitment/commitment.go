// v0
// internal/commitment/commitment.go

// Package commitment binds an integer energy value to a public 256-bit
// fingerprint and checks disclosed (value, fingerprint) pairs.
//
// This is a plain commit-and-reveal scheme. A Proof carries the value next
// to its fingerprint, so nothing is hidden once a proof is produced, and
// small value domains can be brute forced from the fingerprint alone.
// Callers needing a privacy guarantee must replace the scheme, not tune it.
package commitment

import (
	"encoding/hex"
	"strconv"
	"strings"
)

// Size is the fingerprint length in bytes.
const Size = 32

// Fingerprint is the public digest of a committed value.
type Fingerprint []byte

// Hex returns the lowercase hex encoding used on the wire.
func (f Fingerprint) Hex() string { return hex.EncodeToString(f) }

func (f Fingerprint) String() string { return f.Hex() }

// MarshalText encodes the fingerprint as hex.
func (f Fingerprint) MarshalText() ([]byte, error) { return []byte(f.Hex()), nil }

// UnmarshalText decodes hex without enforcing the length, so a short
// fingerprint reaches Check and fails there instead of at decode time.
func (f *Fingerprint) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(strings.TrimSpace(string(text)))
	if err != nil {
		return invalidFingerprint(string(text), "not hex encoded")
	}
	*f = raw
	return nil
}

// ParseFingerprint decodes a hex-encoded 256-bit fingerprint.
func ParseFingerprint(s string) (Fingerprint, error) {
	trimmed := strings.TrimSpace(s)
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, invalidFingerprint(s, "not hex encoded")
	}
	if len(raw) != Size {
		return nil, invalidFingerprint(s, "expected "+strconv.Itoa(Size)+" bytes, got "+strconv.Itoa(len(raw)))
	}
	return Fingerprint(raw), nil
}

// ParseValue parses a decimal committed value. Non-numeric, fractional and
// negative inputs are rejected rather than coerced.
func ParseValue(s string) (int64, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, invalidValue(s, "empty")
	}
	v, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, invalidValue(s, "not an integer")
	}
	if v < 0 {
		return 0, invalidValue(s, "must not be negative")
	}
	return v, nil
}

// Proof discloses a value together with its fingerprint.
type Proof struct {
	Value       int64       `json:"value"`
	Fingerprint Fingerprint `json:"fingerprint"`
}

// Scheme is stateless apart from the hash algorithm; it is safe for
// concurrent use.
type Scheme struct {
	hasher Hasher
}

// NewScheme returns a scheme over h. A nil hasher selects SHA256.
func NewScheme(h Hasher) *Scheme {
	if h == nil {
		h = SHA256{}
	}
	return &Scheme{hasher: h}
}

// Algorithm names the hash in use.
func (s *Scheme) Algorithm() string { return s.hasher.Name() }

// Commit returns the fingerprint of value.
func (s *Scheme) Commit(value int64) (Fingerprint, error) {
	if value < 0 {
		return nil, invalidValue(strconv.FormatInt(value, 10), "must not be negative")
	}
	sum, err := s.hasher.Sum(value)
	if err != nil {
		return nil, err
	}
	return Fingerprint(sum), nil
}

// GenerateProof returns {value, Commit(value)}.
func (s *Scheme) GenerateProof(value int64) (Proof, error) {
	fp, err := s.Commit(value)
	if err != nil {
		return Proof{}, err
	}
	return Proof{Value: value, Fingerprint: fp}, nil
}
