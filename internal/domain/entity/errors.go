package entity

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a source or store has no such resource
	ErrNotFound = errors.New("not found")

	// ErrRetryBudgetExhausted wraps the last transient failure after the final attempt
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

	// ErrPersistenceConflict signals a concurrent insert of the same natural key
	ErrPersistenceConflict = errors.New("duplicate natural key")

	// ErrInvalidRecord marks a record that can never be stored
	ErrInvalidRecord = errors.New("invalid transaction record")

	// ErrWindowTooLarge is returned when a block window holds more rows than the source pages through
	ErrWindowTooLarge = errors.New("window exceeds source offset limit")
)

// ErrorKind classifies source failures
type ErrorKind int

const (
	// Transient failures (timeouts, rate limits) may succeed when retried
	Transient ErrorKind = iota
	// Permanent failures (not found, malformed body) never succeed when retried
	Permanent
)

func (k ErrorKind) String() string {
	if k == Transient {
		return "transient"
	}
	return "permanent"
}

// SourceError is returned by the external transaction source
type SourceError struct {
	Kind       ErrorKind
	Op         string
	Network    Network
	StatusCode int
	Err        error
}

func (e *SourceError) Error() string {
	msg := fmt.Sprintf("%s source error on %s", e.Kind, e.Op)
	if e.Network != "" {
		msg += fmt.Sprintf(" (%s)", e.Network)
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// NewTransientError builds a retryable SourceError
func NewTransientError(op string, network Network, status int, err error) *SourceError {
	return &SourceError{Kind: Transient, Op: op, Network: network, StatusCode: status, Err: err}
}

// NewPermanentError builds a non-retryable SourceError
func NewPermanentError(op string, network Network, status int, err error) *SourceError {
	return &SourceError{Kind: Permanent, Op: op, Network: network, StatusCode: status, Err: err}
}

// IsTransient reports whether err is a retryable source failure
func IsTransient(err error) bool {
	var se *SourceError
	return errors.As(err, &se) && se.Kind == Transient
}

// IsPermanent reports whether err is a non-retryable source failure
func IsPermanent(err error) bool {
	var se *SourceError
	return errors.As(err, &se) && se.Kind == Permanent
}
