/*
digest.go - Digest accumulation and retained flushes

PURPOSE:
  Routes a change set either straight through (immediate cadence) or onto
  the user's digest queue for a later scheduled flush (digest cadence).

RETAIN-UNTIL-ACKNOWLEDGED:
  A flush must be atomic with respect to queue clearing: entries leave the
  pending queue only after the caller confirms delivery. BeginFlush moves
  them to an in-flight state under a flush id; Ack discards them, Nack
  returns them to the front of the queue. A crash between flush and ack
  re-delivers rather than loses.

SEE ALSO:
  - dispatcher.go: Submit is called inside the serialized cycle
  - api/scheduler.go: The external timer that decides WHEN flushes fire
*/
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// DISPATCH ACTION
// =============================================================================

// DispatchActionKind tags what the caller should do with a submitted or
// flushed change set.
type DispatchActionKind string

const (
	ActionSendNow      DispatchActionKind = "send_now"
	ActionQueued       DispatchActionKind = "queued"
	ActionFlushAndSend DispatchActionKind = "flush_and_send"
)

// DispatchAction is the result of Submit or Flush. ChangeSet is set for
// SendNow and FlushAndSend; FlushID only for FlushAndSend.
type DispatchAction struct {
	Kind      DispatchActionKind
	ChangeSet *ChangeSet
	FlushID   string
}

// =============================================================================
// DIGEST STORE
// =============================================================================

// DigestStore persists per-user queues of pending change sets.
type DigestStore interface {
	// AppendDigest adds a change set to the back of the user's queue.
	AppendDigest(ctx context.Context, userID string, cs *ChangeSet) error

	// BeginFlush moves every pending entry for the user into the in-flight
	// state under flushID and returns them in arrival order. An empty
	// queue returns an empty slice, not an error.
	BeginFlush(ctx context.Context, userID, flushID string) ([]*ChangeSet, error)

	// AckFlush discards the in-flight entries of a confirmed flush.
	// Returns ErrFlushNotFound for an unknown id.
	AckFlush(ctx context.Context, flushID string) error

	// NackFlush returns the in-flight entries of a failed flush to the
	// pending queue, preserving arrival order.
	NackFlush(ctx context.Context, flushID string) error

	// PendingDigests returns the user's queued change sets in arrival
	// order without consuming them (read-only view).
	PendingDigests(ctx context.Context, userID string) ([]*ChangeSet, error)

	// UsersWithPending returns every user with at least one queued entry.
	UsersWithPending(ctx context.Context) ([]string, error)
}

// =============================================================================
// ACCUMULATOR
// =============================================================================

// Accumulator implements the cadence decision: pass through or queue.
type Accumulator struct {
	Store DigestStore

	Now   func() time.Time
	NewID func() string
}

func NewAccumulator(store DigestStore) *Accumulator {
	return &Accumulator{Store: store}
}

func (a *Accumulator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now().UTC()
}

func (a *Accumulator) newID() string {
	if a.NewID != nil {
		return a.NewID()
	}
	return uuid.NewString()
}

// Submit routes a change set according to the user's cadence preference.
// Immediate returns SendNow unconditionally (the throttle has already been
// consulted by the caller); digest appends and returns Queued.
func (a *Accumulator) Submit(ctx context.Context, userID string, cs *ChangeSet, cadence Cadence) (DispatchAction, error) {
	if cadence != CadenceDigest {
		return DispatchAction{Kind: ActionSendNow, ChangeSet: cs}, nil
	}
	if err := a.Store.AppendDigest(ctx, userID, cs); err != nil {
		return DispatchAction{}, fmt.Errorf("queue digest for %s: %w", userID, err)
	}
	return DispatchAction{Kind: ActionQueued}, nil
}

// Flush merges the user's queued change sets into one, in arrival order,
// and returns it with the flush id the caller must Ack or Nack. A nil
// change set means the queue was empty.
func (a *Accumulator) Flush(ctx context.Context, userID string) (DispatchAction, error) {
	flushID := a.newID()
	queued, err := a.Store.BeginFlush(ctx, userID, flushID)
	if err != nil {
		return DispatchAction{}, fmt.Errorf("begin digest flush for %s: %w", userID, err)
	}
	if len(queued) == 0 {
		return DispatchAction{Kind: ActionQueued}, nil
	}

	merged := &ChangeSet{
		ID:          flushID,
		UserID:      userID,
		GeneratedAt: a.now(),
		Records:     []ChangeRecord{},
	}
	for _, cs := range queued {
		merged.Records = append(merged.Records, cs.Records...)
	}
	merged.Summary = Summarize(merged.Records)

	return DispatchAction{Kind: ActionFlushAndSend, ChangeSet: merged, FlushID: flushID}, nil
}

// Ack confirms delivery of a flush; the queued entries are discarded.
func (a *Accumulator) Ack(ctx context.Context, flushID string) error {
	return a.Store.AckFlush(ctx, flushID)
}

// Nack returns a failed flush's entries to the queue for redelivery.
func (a *Accumulator) Nack(ctx context.Context, flushID string) error {
	return a.Store.NackFlush(ctx, flushID)
}
