package engine_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routewatch/schedule-engine/engine"
	"github.com/routewatch/schedule-engine/engine/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestAccumulator(mem *store.Memory) *engine.Accumulator {
	a := engine.NewAccumulator(mem)
	a.Now = fixedClock()
	n := 0
	a.NewID = func() string {
		n++
		return fmt.Sprintf("flush-%d", n)
	}
	return a
}

// smallChangeSet builds a one-record change set whose id makes arrival
// order visible in merge assertions.
func smallChangeSet(id, jobID string) *engine.ChangeSet {
	records := []engine.ChangeRecord{engine.Added{Job: job(jobID, "s1", "2026-03-05")}}
	return &engine.ChangeSet{
		ID:          id,
		UserID:      "tech-1",
		GeneratedAt: time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC),
		Records:     records,
		Summary:     engine.Summarize(records),
	}
}

// =============================================================================
// CADENCE ROUTING
// =============================================================================

func TestAccumulator_ImmediateCadence_PassesThrough(t *testing.T) {
	// GIVEN: Immediate cadence
	// WHEN: Submitting a change set
	// THEN: SendNow with the set untouched; nothing is queued

	mem := store.NewMemory()
	a := newTestAccumulator(mem)
	cs := smallChangeSet("cs-1", "j1")

	action, err := a.Submit(context.Background(), "tech-1", cs, engine.CadenceImmediate)
	require.NoError(t, err)
	assert.Equal(t, engine.ActionSendNow, action.Kind)
	assert.Same(t, cs, action.ChangeSet)

	pending, err := mem.PendingDigests(context.Background(), "tech-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAccumulator_DigestCadence_Queues(t *testing.T) {
	// GIVEN: Digest cadence
	// WHEN: Submitting two change sets
	// THEN: Both queued in arrival order, neither delivered

	mem := store.NewMemory()
	a := newTestAccumulator(mem)
	ctx := context.Background()

	for _, cs := range []*engine.ChangeSet{smallChangeSet("cs-1", "j1"), smallChangeSet("cs-2", "j2")} {
		action, err := a.Submit(ctx, "tech-1", cs, engine.CadenceDigest)
		require.NoError(t, err)
		assert.Equal(t, engine.ActionQueued, action.Kind)
		assert.Nil(t, action.ChangeSet)
	}

	pending, err := mem.PendingDigests(ctx, "tech-1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "cs-1", pending[0].ID)
	assert.Equal(t, "cs-2", pending[1].ID)
}

// =============================================================================
// FLUSH - MERGE AND RETAIN-UNTIL-ACK
// =============================================================================

func TestAccumulator_Flush_MergesInArrivalOrder(t *testing.T) {
	// GIVEN: Two queued change sets
	// WHEN: Flushing
	// THEN: One merged set, records concatenated in arrival order, summary
	//       recomputed over the union

	mem := store.NewMemory()
	a := newTestAccumulator(mem)
	ctx := context.Background()

	_, err := a.Submit(ctx, "tech-1", smallChangeSet("cs-1", "j1"), engine.CadenceDigest)
	require.NoError(t, err)
	_, err = a.Submit(ctx, "tech-1", smallChangeSet("cs-2", "j2"), engine.CadenceDigest)
	require.NoError(t, err)

	action, err := a.Flush(ctx, "tech-1")
	require.NoError(t, err)
	assert.Equal(t, engine.ActionFlushAndSend, action.Kind)
	assert.Equal(t, "flush-1", action.FlushID)

	require.NotNil(t, action.ChangeSet)
	require.Len(t, action.ChangeSet.Records, 2)
	assert.Equal(t, "j1", action.ChangeSet.Records[0].JobIDs()[0])
	assert.Equal(t, "j2", action.ChangeSet.Records[1].JobIDs()[0])
	assert.Equal(t, engine.Summary{Added: 2}, action.ChangeSet.Summary)
}

func TestAccumulator_Flush_EmptyQueue_NothingToSend(t *testing.T) {
	mem := store.NewMemory()
	a := newTestAccumulator(mem)

	action, err := a.Flush(context.Background(), "tech-1")
	require.NoError(t, err)
	assert.Equal(t, engine.ActionQueued, action.Kind)
	assert.Nil(t, action.ChangeSet)
}

func TestAccumulator_Ack_DiscardsFlushedEntries(t *testing.T) {
	// GIVEN: A flush in flight
	// WHEN: The caller confirms delivery
	// THEN: The entries are gone for good

	mem := store.NewMemory()
	a := newTestAccumulator(mem)
	ctx := context.Background()

	_, err := a.Submit(ctx, "tech-1", smallChangeSet("cs-1", "j1"), engine.CadenceDigest)
	require.NoError(t, err)
	action, err := a.Flush(ctx, "tech-1")
	require.NoError(t, err)

	require.NoError(t, a.Ack(ctx, action.FlushID))

	pending, err := mem.PendingDigests(ctx, "tech-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAccumulator_Nack_ReturnsEntriesToFrontOfQueue(t *testing.T) {
	// GIVEN: A flush in flight, plus a change set that arrived while the
	//        flush was out for delivery
	// WHEN: Delivery fails and the flush is nacked
	// THEN: The flushed entries come back AHEAD of the late arrival, so
	//       the next digest still reads in true arrival order

	mem := store.NewMemory()
	a := newTestAccumulator(mem)
	ctx := context.Background()

	_, err := a.Submit(ctx, "tech-1", smallChangeSet("cs-1", "j1"), engine.CadenceDigest)
	require.NoError(t, err)
	action, err := a.Flush(ctx, "tech-1")
	require.NoError(t, err)

	_, err = a.Submit(ctx, "tech-1", smallChangeSet("cs-2", "j2"), engine.CadenceDigest)
	require.NoError(t, err)

	require.NoError(t, a.Nack(ctx, action.FlushID))

	pending, err := mem.PendingDigests(ctx, "tech-1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "cs-1", pending[0].ID)
	assert.Equal(t, "cs-2", pending[1].ID)
}

func TestAccumulator_AckUnknownFlush_ErrFlushNotFound(t *testing.T) {
	mem := store.NewMemory()
	a := newTestAccumulator(mem)

	err := a.Ack(context.Background(), "no-such-flush")
	assert.ErrorIs(t, err, engine.ErrFlushNotFound)
}
