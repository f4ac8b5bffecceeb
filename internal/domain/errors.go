package domain

import (
	"errors"
	"fmt"
)

// The pipeline error taxonomy. Each class drives a different recovery path:
// validation errors are terminal per message and go to dead-letter, transient
// errors are retried with backoff, permanent sink errors divert the outbound
// record, and config errors fail startup.

// ValidationError marks a message that can never be processed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed: field %s: %s", e.Field, e.Reason)
	}
	return "validation failed: " + e.Reason
}

// TransientError wraps a dependency failure that is worth retrying.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a sink rejection that no retry can fix.
type PermanentError struct {
	Sink string
	Err  error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent failure in sink %s: %v", e.Sink, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// ConfigError marks a bad definition detected at load time.
type ConfigError struct {
	Item   string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Item, e.Reason)
}

// IsTransient reports whether err is classified as retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is a permanent sink rejection.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsValidation reports whether err is a terminal validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
