/*
throttle.go - Per-user, per-channel notification throttling

PURPOSE:
  Decides whether a freshly produced change set may be dispatched on a
  given channel right now. Three independent policy layers:

  1. General debounce window (Wg): suppress any send within Wg of the last
     send on ANY channel - except a manual trigger is only held back by
     this rule when the previous send was also manual. A user mashing the
     refresh button is debounced; a user checking right after a scheduled
     run is not.
  2. Channel debounce window (Wc): each channel independently enforces its
     own, possibly longer, window.
  3. Manual quiet window (Qmanual): after a manual send, scheduled sends
     are suppressed entirely for Qmanual even once Wg/Wc have elapsed. The
     user just looked; the timer has nothing new to tell them. Manual
     triggers are never suppressed by this rule.

RECORDING:
  shouldDispatch never writes. The caller records the send only after the
  channel actually delivered, so a failed delivery does not consume the
  window. RecordSend updates both the channel row and the general row and
  keeps LastSentAt monotonically non-decreasing.

FAILURE POLICY:
  Fail-closed. Corrupt or unreadable channel state is treated as
  "never sent" so a bad timestamp cannot permanently mute a channel.
  (Contrast with ledger.go, which fails open. The asymmetry is
  intentional: favor surfacing a real change over hiding it.)
*/
package engine

import (
	"context"
	"fmt"
	"log"
	"time"
)

// GeneralChannel is the pseudo-channel name under which the aggregate
// "last send on any channel" state is recorded.
const GeneralChannel = "__general"

// Suppression reasons reported in cycle results.
const (
	ReasonGeneralWindow = "general debounce window"
	ReasonChannelWindow = "channel debounce window"
	ReasonManualQuiet   = "manual quiet window"
)

// =============================================================================
// CHANNEL STATE
// =============================================================================

// ChannelState is the persisted send history for one (user, channel) pair.
type ChannelState struct {
	UserID     string
	Channel    string
	LastSentAt time.Time
	LastSource TriggerSource
}

// ChannelStateStore persists ChannelState rows. Get returns nil (no error)
// when no state exists yet.
type ChannelStateStore interface {
	GetChannelState(ctx context.Context, userID, channel string) (*ChannelState, error)
	SaveChannelState(ctx context.Context, state ChannelState) error
}

// =============================================================================
// THROTTLE POLICY
// =============================================================================

// ThrottlePolicy carries the three window durations. ChannelWindows may
// override DefaultChannelWindow per channel (e.g. a higher-latency channel
// gets a longer window).
type ThrottlePolicy struct {
	GeneralWindow        time.Duration
	DefaultChannelWindow time.Duration
	ChannelWindows       map[string]time.Duration
	ManualQuietWindow    time.Duration
}

// DefaultThrottlePolicy mirrors the production defaults: 60s general,
// 60s per channel, 10 minute manual quiet window.
func DefaultThrottlePolicy() ThrottlePolicy {
	return ThrottlePolicy{
		GeneralWindow:        60 * time.Second,
		DefaultChannelWindow: 60 * time.Second,
		ManualQuietWindow:    10 * time.Minute,
	}
}

func (p ThrottlePolicy) channelWindow(channel string) time.Duration {
	if w, ok := p.ChannelWindows[channel]; ok {
		return w
	}
	return p.DefaultChannelWindow
}

// =============================================================================
// THROTTLE
// =============================================================================

// Decision is the outcome of a ShouldDispatch call. Suppression is a
// normal outcome, not an error.
type Decision struct {
	Allow  bool
	Reason string // set when Allow is false
}

// Throttle is the per-user, per-channel dispatch gate.
type Throttle struct {
	Store  ChannelStateStore
	Policy ThrottlePolicy
	Logger *log.Logger
}

func NewThrottle(store ChannelStateStore, policy ThrottlePolicy) *Throttle {
	return &Throttle{Store: store, Policy: policy}
}

// ShouldDispatch applies the three policy layers at time now. Read-only:
// an allowed dispatch consumes the window only once the caller calls
// RecordSend after confirmed delivery.
func (t *Throttle) ShouldDispatch(ctx context.Context, userID, channel string, source TriggerSource, now time.Time) Decision {
	general := t.loadState(ctx, userID, GeneralChannel)

	if general != nil {
		// Cross-source precedence: a recent manual send silences
		// scheduled attempts entirely.
		if source == SourceScheduled &&
			general.LastSource == SourceManual &&
			now.Sub(general.LastSentAt) < t.Policy.ManualQuietWindow {
			return Decision{Reason: ReasonManualQuiet}
		}

		// General debounce. A manual trigger is only held back when the
		// previous send was also manual.
		if now.Sub(general.LastSentAt) < t.Policy.GeneralWindow {
			if source != SourceManual || general.LastSource == SourceManual {
				return Decision{Reason: ReasonGeneralWindow}
			}
		}
	}

	if chanState := t.loadState(ctx, userID, channel); chanState != nil {
		if now.Sub(chanState.LastSentAt) < t.Policy.channelWindow(channel) {
			return Decision{Reason: ReasonChannelWindow}
		}
	}

	return Decision{Allow: true}
}

// RecordSend marks a confirmed delivery at time now on both the specific
// channel and the general pseudo-channel. LastSentAt never moves backwards.
func (t *Throttle) RecordSend(ctx context.Context, userID, channel string, source TriggerSource, now time.Time) error {
	for _, ch := range []string{channel, GeneralChannel} {
		state := ChannelState{UserID: userID, Channel: ch, LastSentAt: now, LastSource: source}
		if existing := t.loadState(ctx, userID, ch); existing != nil && existing.LastSentAt.After(now) {
			state.LastSentAt = existing.LastSentAt
		}
		if err := t.Store.SaveChannelState(ctx, state); err != nil {
			return fmt.Errorf("record send for %s/%s: %w", userID, ch, err)
		}
	}
	return nil
}

// loadState fails closed: any load error is logged and reported as
// "never sent" so a corrupt timestamp cannot permanently suppress a
// notification.
func (t *Throttle) loadState(ctx context.Context, userID, channel string) *ChannelState {
	state, err := t.Store.GetChannelState(ctx, userID, channel)
	if err != nil {
		if t.Logger != nil {
			t.Logger.Printf("[Throttle] state load failed for %s/%s, treating as never sent: %v", userID, channel, err)
		}
		return nil
	}
	return state
}
