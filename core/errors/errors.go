// Package errors defines the failure taxonomy shared by every settlement
// component. Client-side checks are advisory: the ledger re-validates at commit
// time, so each type states whether the operation may have reached the ledger.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound marks lookups of ledger or index records that do not exist.
	ErrNotFound = stderrors.New("not found")
	// ErrNotInitialized is wrapped by StateInconsistencyError when the
	// coordinator's global state is missing its configuration slots.
	ErrNotInitialized = stderrors.New("coordinator not initialized")
)

// ValidationError reports malformed input rejected before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Validation builds a ValidationError with a formatted reason.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// InsufficientFundsError reports a failed client-side balance precheck.
type InsufficientFundsError struct {
	Account   string
	Required  uint64
	Available uint64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: %s requires %d but holds %d (short %d)",
		e.Account, e.Required, e.Available, e.Shortfall())
}

// Shortfall is the amount missing to satisfy the requirement.
func (e *InsufficientFundsError) Shortfall() uint64 {
	if e.Available >= e.Required {
		return 0
	}
	return e.Required - e.Available
}

// NetworkError reports that the ledger could not be reached. The operation
// never reached the ledger, so retrying is safe.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Retryable always returns true for network failures.
func (e *NetworkError) Retryable() bool { return true }

// Network wraps err as a NetworkError for op.
func Network(op string, err error) error {
	if err == nil {
		return nil
	}
	return &NetworkError{Op: op, Err: err}
}

// OutcomeUnknownError reports a failure after a group was handed to the
// ledger. The group may have committed, so the caller must read ledger state
// before building it again.
type OutcomeUnknownError struct {
	Op   string
	TxID string
	Err  error
}

func (e *OutcomeUnknownError) Error() string {
	return fmt.Sprintf("outcome unknown: %s (tx %s): %v", e.Op, e.TxID, e.Err)
}

func (e *OutcomeUnknownError) Unwrap() error { return e.Err }

// OutcomeUnknown wraps err for a submission identified by txID. A wrapped
// NetworkError is flattened so the result is never reported as retryable.
func OutcomeUnknown(op, txID string, err error) error {
	if err == nil {
		return nil
	}
	var unknown *OutcomeUnknownError
	if stderrors.As(err, &unknown) {
		return err
	}
	var netErr *NetworkError
	if stderrors.As(err, &netErr) {
		err = fmt.Errorf("%s: %w", netErr.Op, netErr.Err)
	}
	return &OutcomeUnknownError{Op: op, TxID: txID, Err: err}
}

// RejectedByLedgerError reports an unmet precondition, stale parameters or a
// double-spend attempt. Precheck is set when a client-side check predicted the
// rejection and nothing was submitted. Not retryable without rebuilding.
type RejectedByLedgerError struct {
	Reason   string
	Precheck bool
	Err      error
}

func (e *RejectedByLedgerError) Error() string {
	prefix := "rejected by ledger"
	if e.Precheck {
		prefix = "rejected before submission"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Reason)
}

func (e *RejectedByLedgerError) Unwrap() error { return e.Err }

// Rejected builds a ledger rejection.
func Rejected(format string, args ...any) error {
	return &RejectedByLedgerError{Reason: fmt.Sprintf(format, args...)}
}

// Precondition builds a rejection predicted by a client-side check.
func Precondition(format string, args ...any) error {
	return &RejectedByLedgerError{Reason: fmt.Sprintf(format, args...), Precheck: true}
}

// NotFound builds a rejection for a ledger record that does not exist.
func NotFound(format string, args ...any) error {
	return &RejectedByLedgerError{Reason: fmt.Sprintf(format, args...), Err: ErrNotFound}
}

// StateInconsistencyError reports coordinator state missing required
// configuration. It is fatal until the coordinator is re-initialized.
type StateInconsistencyError struct {
	Missing []string
}

func (e *StateInconsistencyError) Error() string {
	return fmt.Sprintf("state inconsistency: %v: missing %s", ErrNotInitialized, strings.Join(e.Missing, ", "))
}

func (e *StateInconsistencyError) Unwrap() error { return ErrNotInitialized }

// IsRetryable reports whether err may be retried without rebuilding.
func IsRetryable(err error) bool {
	if IsOutcomeUnknown(err) {
		return false
	}
	var netErr *NetworkError
	return stderrors.As(err, &netErr)
}

// IsOutcomeUnknown reports whether err is an OutcomeUnknownError.
func IsOutcomeUnknown(err error) bool {
	var target *OutcomeUnknownError
	return stderrors.As(err, &target)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return stderrors.As(err, &target)
}

// IsInsufficientFunds reports whether err is an InsufficientFundsError.
func IsInsufficientFunds(err error) bool {
	var target *InsufficientFundsError
	return stderrors.As(err, &target)
}

// IsRejected reports whether err is a RejectedByLedgerError.
func IsRejected(err error) bool {
	var target *RejectedByLedgerError
	return stderrors.As(err, &target)
}

// IsStateInconsistency reports whether err is a StateInconsistencyError.
func IsStateInconsistency(err error) bool {
	var target *StateInconsistencyError
	return stderrors.As(err, &target)
}

// FormatRemaining renders a countdown for user-facing messages.
func FormatRemaining(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	return d.Round(time.Second).String()
}
