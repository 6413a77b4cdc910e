package core

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the orchestration core. Callers branch on these
// with errors.Is rather than string matching.
var (
	// ErrNoResumableRun means no run in a resumable status exists for the
	// fleet; the caller should start fresh.
	ErrNoResumableRun = errors.New("no resumable run for fleet")

	// ErrClaimLost means the claim no longer belongs to the calling worker,
	// typically because a stale claim was reclaimed by another worker.
	ErrClaimLost = errors.New("claim no longer held by worker")

	// ErrPoolEmpty means no eligible egress endpoint matched the filters.
	// It signals backpressure, not failure; the caller must back off.
	ErrPoolEmpty = errors.New("no eligible endpoint in pool")

	// ErrRunHalted means a fatal failure stopped the run.
	ErrRunHalted = errors.New("run halted")
)

// FailureClass classifies fetch failures into retry semantics.
type FailureClass string

// Failure classes, coarsest to most severe.
const (
	// FailureTransient covers timeouts and resets; retried with backoff.
	FailureTransient FailureClass = "transient"
	// FailureBlocked means the target refused the egress identity; retried
	// on a different endpoint after the outcome is reported.
	FailureBlocked FailureClass = "blocked"
	// FailureStructural means the payload or target is permanently
	// malformed; the item goes straight to dead.
	FailureStructural FailureClass = "structural"
	// FailureResource means the rendering process crashed; the attempt
	// fails and a fresh resource is spawned for the next one.
	FailureResource FailureClass = "resource"
	// FailureFatal halts the run immediately (credentials, config, auth).
	FailureFatal FailureClass = "fatal"
)

// FetchError is the typed failure returned by Fetcher implementations.
type FetchError struct {
	Class FailureClass
	Err   error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch failed (%s): %v", e.Class, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError wraps err with a failure class.
func NewFetchError(class FailureClass, err error) *FetchError {
	return &FetchError{Class: class, Err: err}
}

// ClassOf extracts the failure class from err, defaulting to transient for
// unclassified errors so unknown failures stay retryable.
func ClassOf(err error) FailureClass {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Class
	}
	return FailureTransient
}
