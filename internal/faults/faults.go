// Package faults classifies reconciliation failures so callers can decide
// whether an event should be retried, dropped, or treated as a no-op.
package faults

import (
	"errors"
	"fmt"
)

// ConfigurationError marks a fatal misconfiguration: an unknown tier, a
// quota plan missing from the catalogue, an out-of-range tier code. These
// must never be silently defaulted.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string { return "configuration: " + e.Err.Error() }
func (e *ConfigurationError) Unwrap() error { return e.Err }

// Configuration wraps err as a ConfigurationError.
func Configuration(format string, args ...any) error {
	return &ConfigurationError{Err: fmt.Errorf(format, args...)}
}

// IsConfiguration reports whether err is a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// TransientError marks a recoverable external failure (quota service or
// price oracle unreachable). The event is considered not applied and is
// eligible for redelivery by the outer delivery layer.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ErrDuplicateEvent signals that an idempotency guard tripped. The event
// was already applied; processing it again is a success with no effects.
var ErrDuplicateEvent = errors.New("duplicate event")

// ErrUnresolvable signals that the event's identifying reference matches no
// account. Redelivery will not change resolvability, so the event is
// dropped rather than retried.
var ErrUnresolvable = errors.New("account not resolvable")
