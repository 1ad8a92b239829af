package model

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds returned by the moderation core. Callers match them with errors.Is.
var (
	ErrValidation    = errors.New("validation failed")
	ErrAlreadyActive = errors.New("punishment already active")
	ErrNotFound      = errors.New("not found")
	ErrRateLimited   = errors.New("rate limited")
	ErrStorage       = errors.New("storage unavailable")
)

// ValidationError reports a malformed request. It is returned before any store access.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// RateLimitedError carries how long the moderator has to wait before retrying.
type RateLimitedError struct {
	Action     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s, retry in %s", e.Action, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// StorageError wraps a failure of the underlying database, including timeouts.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }
