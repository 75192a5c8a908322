/*
errors.go - Centralized error types for the blend engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The optimizer, ledger and stores return these; the API maps them to
  HTTP status codes through the helpers at the bottom of this file.

ERROR CATEGORIES:
  1. Specification errors - rejected before any selection work
  2. Ledger errors - lot uniqueness, commit races, reversal window
  3. Lookup errors - missing batches or blends

NOT AN ERROR:
  "No feasible selection" is a legitimate planning outcome. The optimizer
  returns an empty or partial proposal with notices instead of failing.

USAGE:
  if errors.Is(err, quality.ErrBatchUnavailable) {
      // Re-run the optimizer against a fresh snapshot
  }

SEE ALSO:
  - ledger/ledger.go: Commit and Delete
  - optimizer/target.go: Specification validation
*/
package quality

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidSpecification is returned for malformed targets or requests
	// (min > max, non-positive desired units, unknown strategy).
	ErrInvalidSpecification = errors.New("invalid specification")

	// ErrDuplicateLotID is returned when a blend with the same lot id exists.
	ErrDuplicateLotID = errors.New("duplicate lot id")

	// ErrBatchUnavailable is returned when a proposed batch was held or
	// consumed between proposal and commit. The caller must re-run selection.
	ErrBatchUnavailable = errors.New("batch unavailable")

	// ErrBlendNotFound is returned when a blend id does not exist.
	ErrBlendNotFound = errors.New("blend not found")

	// ErrBatchNotFound is returned when a batch key does not exist.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrExpiredWindow is returned when a reversal is attempted after the
	// retention window has closed.
	ErrExpiredWindow = errors.New("reversal window expired")

	// ErrEmptyProposal is returned when committing a proposal with no batches.
	ErrEmptyProposal = errors.New("proposal has no batches")

	// ErrInvalidBatch is returned by the inventory feed for malformed batches.
	ErrInvalidBatch = errors.New("invalid batch")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// SpecError names the offending field of an invalid specification.
type SpecError struct {
	Field  string
	Reason string
}

func (e *SpecError) Error() string {
	return fmt.Sprintf("invalid specification: %s: %s", e.Field, e.Reason)
}

func (e *SpecError) Unwrap() error {
	return ErrInvalidSpecification
}

// BatchUnavailableError lists the batches that lost the race.
type BatchUnavailableError struct {
	Batches []BatchKey
	States  []UsageState
}

func (e *BatchUnavailableError) Error() string {
	parts := make([]string, len(e.Batches))
	for i, k := range e.Batches {
		state := "missing"
		if i < len(e.States) && e.States[i] != "" {
			state = string(e.States[i])
		}
		parts[i] = fmt.Sprintf("%s (%s)", k, state)
	}
	return "batch unavailable: " + strings.Join(parts, ", ")
}

func (e *BatchUnavailableError) Unwrap() error {
	return ErrBatchUnavailable
}

// ExpiredWindowError reports how far past the window a reversal came in.
type ExpiredWindowError struct {
	BlendID BlendID
	Elapsed time.Duration
	Window  time.Duration
}

func (e *ExpiredWindowError) Error() string {
	return fmt.Sprintf("reversal window expired for blend %s: %s elapsed, window is %s",
		e.BlendID, e.Elapsed.Round(time.Minute), e.Window)
}

func (e *ExpiredWindowError) Unwrap() error {
	return ErrExpiredWindow
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidSpecification) ||
		errors.Is(err, ErrEmptyProposal) ||
		errors.Is(err, ErrInvalidBatch)
}

// IsConflict returns true if the request clashed with current state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateLotID) ||
		errors.Is(err, ErrBatchUnavailable) ||
		errors.Is(err, ErrExpiredWindow)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBlendNotFound) ||
		errors.Is(err, ErrBatchNotFound)
}
