// v0
// internal/commitment/errors.go
package commitment

import (
	"errors"
	"fmt"
)

// ErrInvalidInput is matched by every *InvalidInputError through errors.Is.
var ErrInvalidInput = errors.New("invalid commitment input")

// InvalidInputError reports a malformed value or fingerprint handed to the
// scheme or the verifier. It is always returned synchronously.
type InvalidInputError struct {
	Field  string
	Input  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	if e.Input == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Input, e.Reason)
}

func (e *InvalidInputError) Is(target error) bool {
	return target == ErrInvalidInput
}

func invalidValue(input, reason string) error {
	return &InvalidInputError{Field: "value", Input: input, Reason: reason}
}

func invalidFingerprint(input, reason string) error {
	return &InvalidInputError{Field: "fingerprint", Input: input, Reason: reason}
}
