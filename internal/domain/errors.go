package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Transport-signing rejection sentinels. Mutually exclusive; a verifier checks
// them in declaration order: header absence first, then cryptographic validity,
// then freshness, then replay.
var (
	ErrUnsigned     = fmt.Errorf("request carries no transport signature")
	ErrBadSignature = fmt.Errorf("transport signature does not verify")
	ErrStale        = fmt.Errorf("transport timestamp outside freshness window")
	ErrReplay       = fmt.Errorf("transport envelope already consumed")
)

// Harness failure sentinels.
var (
	ErrProtocol         = fmt.Errorf("gateway protocol violation")
	ErrTimeout          = fmt.Errorf("wait deadline exceeded")
	ErrUnexpectedStatus = fmt.Errorf("unexpected response status")
	ErrConfigLoad       = fmt.Errorf("failed to load configuration")
	ErrKeyUnavailable   = fmt.Errorf("signing key unavailable")
	ErrNodeUnreachable  = fmt.Errorf("node unreachable")
)

// ValidationError wraps a sentinel with the scenario context a failure report
// needs: which step, which node, and what was expected versus observed.
type ValidationError struct {
	Step   string // scenario step (e.g. "messages.realtime")
	Node   string // node key (e.g. "b"), empty when not node-specific
	Err    error  // underlying sentinel or wrapped error
	Detail string // expected-vs-actual detail
}

func (e *ValidationError) Error() string {
	msg := e.Step
	if e.Node != "" {
		msg += " [node " + e.Node + "]"
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", msg, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", msg, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError creates a ValidationError.
func NewValidationError(step, node string, err error, detail string) *ValidationError {
	return &ValidationError{Step: step, Node: node, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// RejectStatus maps a verifier rejection to the HTTP status the federation
// ingest endpoint surfaces it as. Replay gets its own status (409) so a caller
// can tell "well-formed but already consumed" apart from "invalid" (401/403).
func RejectStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnsigned), errors.Is(err, ErrStale):
		return http.StatusUnauthorized
	case errors.Is(err, ErrBadSignature):
		return http.StatusForbidden
	case errors.Is(err, ErrReplay):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
