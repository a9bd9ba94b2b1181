// v0
// internal/commitment/verifier.go
package commitment

import (
	"crypto/subtle"
	"log/slog"
)

// Verifier checks disclosed proofs against the scheme.
type Verifier struct {
	scheme *Scheme
	log    *slog.Logger
}

// NewVerifier builds a verifier. log may be nil.
func NewVerifier(scheme *Scheme, log *slog.Logger) *Verifier {
	if scheme == nil {
		scheme = NewScheme(nil)
	}
	return &Verifier{scheme: scheme, log: log}
}

// Check recomputes the fingerprint of p.Value and compares it with
// p.Fingerprint. A fingerprint of the wrong length is a mismatch, not an
// error; a negative value is an *InvalidInputError.
func (v *Verifier) Check(p Proof) (bool, error) {
	expected, err := v.scheme.Commit(p.Value)
	if err != nil {
		return false, err
	}
	ok := subtle.ConstantTimeCompare(expected, p.Fingerprint) == 1
	if v.log != nil {
		v.log.Debug("proof_checked", slog.Int64("value", p.Value), slog.Bool("valid", ok), slog.String("hash", v.scheme.Algorithm()))
	}
	return ok, nil
}
