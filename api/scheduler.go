/*
scheduler.go - Automated cycle and digest-flush scheduler

PURPOSE:
  Periodically runs detection cycles for every user with a stored snapshot
  and flushes pending digests. This is the "scheduled" trigger source; the
  manual source is the POST /cycle endpoint.

DESIGN:
  - Runs a background goroutine with two tickers, one per loop
  - Cycle loop walks every known user and requests a scheduled cycle
  - Flush loop walks users with pending digest entries and flushes them
  - A user mid-cycle is skipped, never queued, and retried next tick

CONFIGURATION:
  - CycleInterval: How often to run detection cycles (default: 15 min)
  - FlushInterval: How often to flush digests (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewCycleScheduler(store, dispatcher)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerCycle endpoint (manual cycles)
  - engine/dispatcher.go: RequestCycle / FlushDigest
*/
package api

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/routewatch/schedule-engine/engine"
	"github.com/routewatch/schedule-engine/metrics"
	"github.com/routewatch/schedule-engine/store/sqlite"
)

// CycleScheduler drives scheduled detection cycles and digest flushes.
type CycleScheduler struct {
	Store         *sqlite.Store
	Dispatcher    *engine.Dispatcher
	CycleInterval time.Duration
	FlushInterval time.Duration
	Enabled       bool

	cycleTicker *time.Ticker
	flushTicker *time.Ticker
	stop        chan bool
	wg          sync.WaitGroup
	mu          sync.Mutex
}

// NewCycleScheduler creates a new scheduler with default intervals.
func NewCycleScheduler(store *sqlite.Store, dispatcher *engine.Dispatcher) *CycleScheduler {
	return &CycleScheduler{
		Store:         store,
		Dispatcher:    dispatcher,
		CycleInterval: 15 * time.Minute,
		FlushInterval: 1 * time.Hour,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (cs *CycleScheduler) Start() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}

	cs.cycleTicker = time.NewTicker(cs.CycleInterval)
	cs.flushTicker = time.NewTicker(cs.FlushInterval)
	cs.wg.Add(1)

	go cs.run()

	log.Printf("[Scheduler] Started: cycles every %v, digest flush every %v", cs.CycleInterval, cs.FlushInterval)
}

// Stop stops the scheduler.
func (cs *CycleScheduler) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.cycleTicker != nil {
		cs.cycleTicker.Stop()
		cs.flushTicker.Stop()
		close(cs.stop)
		cs.wg.Wait()
		log.Println("[Scheduler] Stopped")
	}
}

func (cs *CycleScheduler) run() {
	defer cs.wg.Done()

	// Run immediately on start
	cs.runCycles()

	for {
		select {
		case <-cs.cycleTicker.C:
			cs.runCycles()
		case <-cs.flushTicker.C:
			cs.flushDigests()
		case <-cs.stop:
			return
		}
	}
}

func (cs *CycleScheduler) runCycles() {
	ctx := context.Background()

	users, err := cs.Store.ListUsers(ctx)
	if err != nil {
		log.Printf("[Scheduler] Error listing users: %v", err)
		return
	}

	ranCount := 0
	skippedCount := 0

	for _, userID := range users {
		result, err := cs.Dispatcher.RequestCycle(ctx, userID, engine.SourceScheduled)
		if err != nil {
			if errors.Is(err, engine.ErrCycleInProgress) {
				// Another trigger beat us to it. Retry next tick.
				skippedCount++
				metrics.CyclesTotal.WithLabelValues(string(engine.SourceScheduled), "rejected").Inc()
				continue
			}
			log.Printf("[Scheduler] Cycle failed for %s: %v", userID, err)
			metrics.CyclesTotal.WithLabelValues(string(engine.SourceScheduled), "error").Inc()
			continue
		}
		cs.recordRun(ctx, result)
		ranCount++
	}

	if ranCount > 0 || skippedCount > 0 {
		log.Printf("[Scheduler] Cycles completed: %d ran, %d skipped (in progress)", ranCount, skippedCount)
	}
	cs.updateBacklog(ctx)
}

func (cs *CycleScheduler) flushDigests() {
	ctx := context.Background()

	users, err := cs.Store.UsersWithPending(ctx)
	if err != nil {
		log.Printf("[Scheduler] Error listing pending digests: %v", err)
		return
	}

	for _, userID := range users {
		result, err := cs.Dispatcher.FlushDigest(ctx, userID)
		if err != nil {
			if errors.Is(err, engine.ErrCycleInProgress) {
				continue
			}
			log.Printf("[Scheduler] Digest flush failed for %s: %v", userID, err)
			continue
		}
		if result.ChangeSet != nil {
			cs.recordRun(ctx, result)
		}
	}

	if len(users) > 0 {
		log.Printf("[Scheduler] Digest flush completed for %d user(s)", len(users))
	}
	cs.updateBacklog(ctx)
}

// recordRun persists the audit row and bumps metrics. Mirrors the manual
// path in handlers.go.
func (cs *CycleScheduler) recordRun(ctx context.Context, result *engine.CycleResult) {
	metrics.CyclesTotal.WithLabelValues(string(result.Source), "completed").Inc()
	metrics.CycleDuration.Observe(result.FinishedAt.Sub(result.StartedAt).Seconds())
	for _, ch := range result.Channels {
		metrics.NotificationsTotal.WithLabelValues(ch.Channel, string(ch.Outcome)).Inc()
	}

	run := sqlite.CycleRun{
		ID:         result.CycleID,
		UserID:     result.UserID,
		Source:     result.Source,
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
		Outcomes:   result.Channels,
	}
	if result.ChangeSet != nil {
		run.Summary = result.ChangeSet.Summary
		for _, rec := range result.ChangeSet.Records {
			metrics.ChangesDetected.WithLabelValues(string(rec.Kind())).Inc()
		}
	}
	if err := cs.Store.SaveCycleRun(ctx, run); err != nil {
		log.Printf("[Scheduler] Failed to save cycle run %s: %v", result.CycleID, err)
	}
}

func (cs *CycleScheduler) updateBacklog(ctx context.Context) {
	users, err := cs.Store.UsersWithPending(ctx)
	if err != nil {
		return
	}
	metrics.DigestBacklog.Set(float64(len(users)))
}

// RunNow triggers an immediate cycle pass (for testing/admin).
func (cs *CycleScheduler) RunNow() {
	cs.runCycles()
}

// FlushNow triggers an immediate digest flush pass (for testing/admin).
func (cs *CycleScheduler) FlushNow() {
	cs.flushDigests()
}
