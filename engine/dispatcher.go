/*
dispatcher.go - Cycle orchestration

PURPOSE:
  RequestCycle is the sole entry point into the engine. It sequences
  SnapshotStore -> ChangeClassifier -> NotificationThrottle ->
  DigestAccumulator -> channel send, with no business logic of its own
  beyond that sequencing and per-channel independence: a suppressed or
  failed email channel never blocks the push channel.

CONCURRENCY:
  At most one classify+dispatch cycle per user may be in flight. Two
  trigger sources race per user - the scheduled timer and manual requests -
  so a per-user guard serializes entry; a second trigger while one runs is
  rejected with ErrCycleInProgress, not queued. Channel state and the
  digest queue are only touched from inside the held cycle. Unrelated
  users never serialize against each other.

RESULT CONTRACT:
  A completed cycle reports, per channel, exactly one of sent /
  suppressed-with-reason / queued / failed-with-error. Nothing is dropped
  without a classifiable outcome. The throttle window is consumed
  (RecordSend) only after a channel confirms delivery.
*/
package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CHANNEL - External notification transport
// =============================================================================

// Channel is one notification transport. Send must be atomic from the
// engine's point of view: it either delivered or it returns an error.
type Channel interface {
	Name() string
	Send(ctx context.Context, userID string, cs *ChangeSet) error
}

// =============================================================================
// CYCLE RESULT
// =============================================================================

// Outcome classifies what happened on one channel during a cycle.
type Outcome string

const (
	OutcomeSent       Outcome = "sent"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeQueued     Outcome = "queued"
	OutcomeFailed     Outcome = "failed"
)

// ChannelOutcome is the per-channel verdict of a cycle.
type ChannelOutcome struct {
	Channel string  `json:"channel"`
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"` // suppression reason
	Error   string  `json:"error,omitempty"`  // send failure detail
}

// CycleResult is the full report of one classify+dispatch cycle.
type CycleResult struct {
	CycleID    string           `json:"cycle_id"`
	UserID     string           `json:"user_id"`
	Source     TriggerSource    `json:"source"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	ChangeSet  *ChangeSet       `json:"change_set,omitempty"`
	Channels   []ChannelOutcome `json:"channels"`
}

// SentChannels lists the channels that confirmed delivery.
func (r *CycleResult) SentChannels() []string {
	var out []string
	for _, c := range r.Channels {
		if c.Outcome == OutcomeSent {
			out = append(out, c.Channel)
		}
	}
	return out
}

// =============================================================================
// CYCLE GUARD - At-most-one in-flight cycle per user
// =============================================================================

type cycleGuard struct {
	mu       sync.Mutex
	inFlight map[string]bool
}

// begin reserves the user's cycle slot; false means one is already running.
func (g *cycleGuard) begin(userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight == nil {
		g.inFlight = make(map[string]bool)
	}
	if g.inFlight[userID] {
		return false
	}
	g.inFlight[userID] = true
	return true
}

func (g *cycleGuard) end(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, userID)
}

// =============================================================================
// DISPATCHER
// =============================================================================

// Dispatcher wires the engine components together.
type Dispatcher struct {
	Snapshots  SnapshotStore
	Classifier *Classifier
	Throttle   *Throttle
	Digest     *Accumulator
	Prefs      PreferenceProvider
	Channels   []Channel
	Logger     *log.Logger

	// SendTimeout bounds each individual channel send. Zero means no
	// timeout beyond the caller's context.
	SendTimeout time.Duration

	Now   func() time.Time
	NewID func() string

	guard cycleGuard
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

func (d *Dispatcher) newID() string {
	if d.NewID != nil {
		return d.NewID()
	}
	return uuid.NewString()
}

// RequestCycle runs one classify+dispatch cycle for a user. Returns
// ErrCycleInProgress if a cycle for the same user is already in flight and
// ErrUnknownUser if no snapshot was ever captured for them.
func (d *Dispatcher) RequestCycle(ctx context.Context, userID string, source TriggerSource) (*CycleResult, error) {
	if !d.guard.begin(userID) {
		return nil, ErrCycleInProgress
	}
	defer d.guard.end(userID)

	result := &CycleResult{
		CycleID:   d.newID(),
		UserID:    userID,
		Source:    source,
		StartedAt: d.now(),
		Channels:  []ChannelOutcome{},
	}

	current, previous, err := d.Snapshots.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrUnknownUser
	}

	prefs := d.preferences(ctx, userID)
	cs := d.Classifier.Classify(ctx, current, previous, prefs.Filter(), userID)
	result.ChangeSet = cs

	// Nothing changed: the cycle completes without touching the throttle
	// or any channel.
	if cs.Empty() {
		result.FinishedAt = d.now()
		return result, nil
	}

	// All throttle decisions are taken against the state as of cycle start,
	// before any delivery is recorded. Otherwise the first confirmed send
	// would land inside the general window of every later channel and a
	// multi-channel cycle could only ever deliver once.
	now := d.now()
	decisions := make([]Decision, len(d.Channels))
	for i, ch := range d.Channels {
		decisions[i] = d.Throttle.ShouldDispatch(ctx, userID, ch.Name(), source, now)
	}

	// The digest queue is per user, so a digest-cadence change set is
	// appended once, not once per channel; every admitted channel reports
	// queued for this cycle.
	queuedOnce := false

	for i, ch := range d.Channels {
		decision := decisions[i]
		if !decision.Allow {
			result.Channels = append(result.Channels, ChannelOutcome{
				Channel: ch.Name(),
				Outcome: OutcomeSuppressed,
				Reason:  decision.Reason,
			})
			continue
		}

		if prefs.Cadence == CadenceDigest {
			if !queuedOnce {
				if _, err := d.Digest.Submit(ctx, userID, cs, CadenceDigest); err != nil {
					result.Channels = append(result.Channels, ChannelOutcome{
						Channel: ch.Name(),
						Outcome: OutcomeFailed,
						Error:   err.Error(),
					})
					continue
				}
				queuedOnce = true
			}
			result.Channels = append(result.Channels, ChannelOutcome{
				Channel: ch.Name(),
				Outcome: OutcomeQueued,
			})
			continue
		}

		result.Channels = append(result.Channels, d.deliver(ctx, ch, userID, cs, source, now))
	}

	result.FinishedAt = d.now()
	return result, nil
}

// FlushDigest delivers a user's accumulated digest. The same per-user
// guard serializes it against regular cycles. The flush is acknowledged
// only when at least one channel confirmed delivery; otherwise the queued
// entries are retained for the next attempt.
func (d *Dispatcher) FlushDigest(ctx context.Context, userID string) (*CycleResult, error) {
	if !d.guard.begin(userID) {
		return nil, ErrCycleInProgress
	}
	defer d.guard.end(userID)

	result := &CycleResult{
		CycleID:   d.newID(),
		UserID:    userID,
		Source:    SourceScheduled,
		StartedAt: d.now(),
		Channels:  []ChannelOutcome{},
	}

	action, err := d.Digest.Flush(ctx, userID)
	if err != nil {
		return nil, err
	}
	if action.Kind != ActionFlushAndSend {
		result.FinishedAt = d.now()
		return result, nil // empty queue
	}
	result.ChangeSet = action.ChangeSet

	// Decisions against pre-flush state, same as RequestCycle.
	now := d.now()
	decisions := make([]Decision, len(d.Channels))
	for i, ch := range d.Channels {
		decisions[i] = d.Throttle.ShouldDispatch(ctx, userID, ch.Name(), SourceScheduled, now)
	}

	for i, ch := range d.Channels {
		decision := decisions[i]
		if !decision.Allow {
			result.Channels = append(result.Channels, ChannelOutcome{
				Channel: ch.Name(),
				Outcome: OutcomeSuppressed,
				Reason:  decision.Reason,
			})
			continue
		}
		result.Channels = append(result.Channels, d.deliver(ctx, ch, userID, action.ChangeSet, SourceScheduled, now))
	}

	if len(result.SentChannels()) > 0 {
		err = d.Digest.Ack(ctx, action.FlushID)
	} else {
		err = d.Digest.Nack(ctx, action.FlushID)
	}
	if err != nil {
		return nil, err
	}

	result.FinishedAt = d.now()
	return result, nil
}

// deliver sends on one channel and consumes the throttle window only on
// confirmed delivery. A failure is recorded per channel and never rolls
// back another channel's state.
func (d *Dispatcher) deliver(ctx context.Context, ch Channel, userID string, cs *ChangeSet, source TriggerSource, now time.Time) ChannelOutcome {
	sendCtx := ctx
	if d.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, d.SendTimeout)
		defer cancel()
	}

	if err := ch.Send(sendCtx, userID, cs); err != nil {
		sendErr := &ChannelSendError{Channel: ch.Name(), UserID: userID, Err: err}
		if d.Logger != nil {
			d.Logger.Printf("[Dispatcher] %v", sendErr)
		}
		return ChannelOutcome{Channel: ch.Name(), Outcome: OutcomeFailed, Error: err.Error()}
	}

	if err := d.Throttle.RecordSend(ctx, userID, ch.Name(), source, now); err != nil {
		// Delivery happened; the window bookkeeping failed. Report sent
		// and log - the next cycle may fire early, never silently late.
		if d.Logger != nil {
			d.Logger.Printf("[Dispatcher] %v", err)
		}
	}
	return ChannelOutcome{Channel: ch.Name(), Outcome: OutcomeSent}
}

func (d *Dispatcher) preferences(ctx context.Context, userID string) Preferences {
	if d.Prefs == nil {
		return DefaultPreferences(userID)
	}
	prefs, err := d.Prefs.Preferences(ctx, userID)
	if err != nil {
		if d.Logger != nil {
			d.Logger.Printf("[Dispatcher] preference load failed for %s, using defaults: %v", userID, err)
		}
		return DefaultPreferences(userID)
	}
	return prefs
}
