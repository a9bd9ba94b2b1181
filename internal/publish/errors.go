// v0
// internal/publish/errors.go
package publish

import (
	"errors"
	"fmt"
)

var (
	// ErrContractViolation marks generator or scheme output that breaks its
	// contract. It stops the loop.
	ErrContractViolation = errors.New("reading contract violation")
	// ErrAlreadyRunning is returned when Run is entered twice concurrently.
	ErrAlreadyRunning = errors.New("publish loop already running")

	errNilDialer = errors.New("publish loop requires a dialer")
	errNilSource = errors.New("publish loop requires a reading source")
	errNilProver = errors.New("publish loop requires a prover")
	errNilLogger = errors.New("publish loop requires a logger")
)

// ConnError reports a failed broker handshake. It ends the start attempt.
type ConnError struct {
	Err error
}

func (e *ConnError) Error() string { return fmt.Sprintf("broker connect: %v", e.Err) }

func (e *ConnError) Unwrap() error { return e.Err }

// PubError reports one failed publish. The loop keeps going.
type PubError struct {
	Topic string
	Err   error
}

func (e *PubError) Error() string { return fmt.Sprintf("publish to %s: %v", e.Topic, e.Err) }

func (e *PubError) Unwrap() error { return e.Err }
