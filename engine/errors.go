/*
errors.go - Centralized error types for the change detection engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match with errors.Is / errors.As; the api package maps these
  onto HTTP statuses.

ERROR CATEGORIES:
  1. Cycle errors - Concurrent trigger rejection
  2. Dispatch errors - Channel send failures
  3. State errors - Store-level failures

NOT ERRORS:
  Two conditions this engine deliberately treats as normal:
  - A missing previous snapshot (first run) yields an empty ChangeSet.
  - A suppressed channel is a reported outcome, never an error return.

SEE ALSO:
  - dispatcher.go: Produces CycleInProgress rejections
  - throttle.go: Fail-closed handling of corrupt channel state
  - ledger.go: Fail-open handling of an unavailable ledger
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrCycleInProgress is returned when a trigger arrives while another
	// classify+dispatch cycle for the same user is still running. The
	// second trigger is rejected, not queued.
	ErrCycleInProgress = errors.New("cycle already running for user")

	// ErrUnknownUser is returned when no snapshot has ever been captured
	// for the requested user.
	ErrUnknownUser = errors.New("unknown user")

	// ErrChannelSend is wrapped by per-channel delivery failures.
	ErrChannelSend = errors.New("channel send failed")

	// ErrFlushNotFound is returned when acknowledging a digest flush whose
	// id is not in flight.
	ErrFlushNotFound = errors.New("digest flush not found")

	// ErrUnknownChangeKind is returned when decoding a persisted change
	// record with an unrecognized kind tag.
	ErrUnknownChangeKind = errors.New("unknown change record kind")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ChannelSendError reports a delivery failure on a single channel. Other
// channels in the same cycle are unaffected.
type ChannelSendError struct {
	Channel string
	UserID  string
	Err     error
}

func (e *ChannelSendError) Error() string {
	return fmt.Sprintf("send on channel %q for user %q: %v", e.Channel, e.UserID, e.Err)
}

func (e *ChannelSendError) Unwrap() error { return ErrChannelSend }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsCycleInProgress reports whether err is a concurrent-trigger rejection.
func IsCycleInProgress(err error) bool {
	return errors.Is(err, ErrCycleInProgress)
}

// IsClientError returns true if the error is due to invalid caller input
// rather than an engine fault.
func IsClientError(err error) bool {
	return errors.Is(err, ErrUnknownUser) || errors.Is(err, ErrFlushNotFound)
}
