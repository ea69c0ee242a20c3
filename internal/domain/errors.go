package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrLockHeld      = errors.New("lock already held")
	ErrValidation    = errors.New("validation failed")
	ErrUnavailable   = errors.New("collaborator unavailable")

	ErrInvalidTransition      = errors.New("invalid transition")
	ErrDuplicateActiveDispute = errors.New("submitter already has an active dispute on this market")
	ErrAlreadyDecided         = errors.New("dispute already decided")
	ErrAlreadyResolved        = errors.New("market already resolved")
	ErrWindowClosed           = errors.New("dispute window closed")
	ErrSupersededResolution   = errors.New("resolution superseded")
	ErrStaleVersion           = errors.New("stale market version")

	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrDuplicateCommit   = errors.New("stake already committed for dispute")
	ErrAlreadySettled    = errors.New("stake already settled")
)

// ValidationError reports malformed input. Code is a stable machine-readable
// name of the unmet rule.
type ValidationError struct {
	Field  string
	Code   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// TransitionError reports a lifecycle move the state machine does not allow.
type TransitionError struct {
	MarketID  string
	From      MarketStatus
	Attempted string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("market %s: cannot %s from %s", e.MarketID, e.Attempted, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ErrorKind groups errors by how a caller should react to them.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindStateConflict ErrorKind = "state_conflict"
	KindResource      ErrorKind = "resource"
	KindNotFound      ErrorKind = "not_found"
	KindAuth          ErrorKind = "auth"
	KindInternal      ErrorKind = "internal"
)

// KindOf classifies err. Unknown errors are internal.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrDuplicateActiveDispute),
		errors.Is(err, ErrAlreadyDecided),
		errors.Is(err, ErrAlreadyResolved),
		errors.Is(err, ErrWindowClosed),
		errors.Is(err, ErrSupersededResolution),
		errors.Is(err, ErrStaleVersion),
		errors.Is(err, ErrDuplicateCommit),
		errors.Is(err, ErrAlreadySettled),
		errors.Is(err, ErrAlreadyExists):
		return KindStateConflict
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrUnavailable),
		errors.Is(err, ErrLockHeld),
		errors.Is(err, ErrRateLimited):
		return KindResource
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrForbidden):
		return KindAuth
	}
	return KindInternal
}

// CodeOf returns the short guard name reported to API callers.
func CodeOf(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Code
	}
	codes := []struct {
		target error
		code   string
	}{
		{ErrInvalidTransition, "invalid_transition"},
		{ErrDuplicateActiveDispute, "duplicate_active_dispute"},
		{ErrAlreadyDecided, "already_decided"},
		{ErrAlreadyResolved, "already_resolved"},
		{ErrWindowClosed, "window_closed"},
		{ErrSupersededResolution, "resolution_superseded"},
		{ErrStaleVersion, "stale_version"},
		{ErrDuplicateCommit, "duplicate_commit"},
		{ErrAlreadySettled, "already_settled"},
		{ErrAlreadyExists, "already_exists"},
		{ErrInsufficientFunds, "insufficient_funds"},
		{ErrUnavailable, "unavailable"},
		{ErrLockHeld, "market_busy"},
		{ErrRateLimited, "rate_limited"},
		{ErrNotFound, "not_found"},
		{ErrUnauthorized, "unauthorized"},
		{ErrForbidden, "forbidden"},
	}
	for _, c := range codes {
		if errors.Is(err, c.target) {
			return c.code
		}
	}
	return "internal"
}
