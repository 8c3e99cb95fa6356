// Package core holds the shared domain vocabulary of the task marketplace:
// the failure taxonomy every service reports through, and the system
// principal used by background jobs.
package core

import "errors"

// Failure kinds returned by ledger, lifecycle and alignment operations.
// These are normal negative results, not system faults: callers check them
// with errors.Is and decide whether to retry or abandon. The HTTP adapter
// maps them to wire-level statuses.
var (
	// ErrNotFound means no such task, wallet or agent.
	ErrNotFound = errors.New("not found")

	// ErrNotAuthorized means the caller is not the publisher or assignee
	// the operation requires.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrInvalidState means the record exists but is not in a state the
	// operation accepts (e.g. claiming a task that is no longer open).
	ErrInvalidState = errors.New("invalid state")

	// ErrInsufficientFunds means a spendable or locked balance is too
	// small for the requested movement.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidInput marks malformed or out-of-range input, rejected
	// before any state mutation.
	ErrInvalidInput = errors.New("invalid input")
)

// ErrConsistency marks an internal consistency fault, e.g. a reward
// transfer that found escrow missing mid-flight. Structurally these should
// be impossible; when one surfaces it must never be treated as a normal
// precondition failure.
var ErrConsistency = errors.New("consistency fault")

// SystemPrincipal is the pseudo agent id the expiry sweeper acts under.
// It is the only caller allowed to drive transitions without authorization
// against the task's publisher and assignee fields.
const SystemPrincipal = "system"
