/*
classifier_test.go - Specification tests for change classification

PURPOSE:
  These tests serve as EXECUTABLE SPECIFICATIONS of the classifier.
  Each test documents one behavior of the partition algorithm and
  validates that the implementation conforms to it.

ORGANIZATION:
  1. Baseline behavior - first run, no changes
  2. Individual change kinds - added, removed, moved, swapped, replaced
  3. Suppression - completed-job ledger, filter invisibility
  4. Tie-breaks and ambiguity - first-match determinism
  5. Correctness guarantees - partition, idempotence

READING THESE TESTS:
  Each test has:
  - A descriptive name that states the behavior
  - GIVEN/WHEN/THEN comments explaining the scenario
  - Clear assertions with explanatory messages
*/
package engine_test

import (
	"context"
	"encoding/json"
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

// fixedClock pins GeneratedAt so classified outputs are comparable.
func fixedClock() func() time.Time {
	at := time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

// seqIDs yields cs-1, cs-2, ... so ids are stable across a test.
func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("cs-%d", n)
	}
}

func newTestClassifier(mem *store.Memory) *engine.Classifier {
	c := engine.NewClassifier(engine.NewLedger(mem))
	c.Now = fixedClock()
	c.NewID = seqIDs()
	return c
}

func job(id, storeID, date string) engine.JobRecord {
	return engine.JobRecord{
		ID:          id,
		StoreID:     storeID,
		StoreName:   "Store " + storeID,
		VisitDate:   engine.MustVisitDate(date),
		VisitTime:   "09:00",
		ServiceList: []string{"soda fountain"},
	}
}

func snapshot(userID string, jobs ...engine.JobRecord) *engine.ScheduleSnapshot {
	snap := &engine.ScheduleSnapshot{
		OwnerUserID: userID,
		CapturedAt:  time.Date(2026, time.March, 2, 7, 0, 0, 0, time.UTC),
		Jobs:        make(map[string]engine.JobRecord, len(jobs)),
	}
	for _, j := range jobs {
		snap.Jobs[j.ID] = j
	}
	return snap
}

func classify(t *testing.T, c *engine.Classifier, current, previous *engine.ScheduleSnapshot) *engine.ChangeSet {
	t.Helper()
	return c.Classify(context.Background(), current, previous, engine.AcceptAll, "tech-1")
}

// =============================================================================
// BASELINE BEHAVIOR
// =============================================================================

func TestClassify_FirstRun_NoPrevious_EmptyChangeSet(t *testing.T) {
	// GIVEN: A user whose schedule was captured for the first time
	// WHEN: Classifying with no previous snapshot
	// THEN: The change set is empty; a baseline is not a change

	c := newTestClassifier(store.NewMemory())
	current := snapshot("tech-1", job("j1", "s1", "2026-03-05"))

	cs := classify(t, c, current, nil)

	assert.True(t, cs.Empty(), "first run must not report changes")
	assert.Equal(t, engine.Summary{}, cs.Summary)
}

func TestClassify_IdenticalSnapshots_EmptyChangeSet(t *testing.T) {
	// GIVEN: Two captures with the same jobs on the same dates
	// WHEN: Classifying
	// THEN: No records are emitted

	c := newTestClassifier(store.NewMemory())
	previous := snapshot("tech-1", job("j1", "s1", "2026-03-05"), job("j2", "s2", "2026-03-06"))
	current := snapshot("tech-1", job("j1", "s1", "2026-03-05"), job("j2", "s2", "2026-03-06"))

	cs := classify(t, c, current, previous)

	assert.True(t, cs.Empty())
}

// =============================================================================
// INDIVIDUAL CHANGE KINDS
// =============================================================================

func TestClassify_NewJob_ReportedAsAdded(t *testing.T) {
	// GIVEN: Current contains a job id the previous capture never had
	// WHEN: Classifying
	// THEN: Exactly one Added record carrying the full job

	c := newTestClassifier(store.NewMemory())
	previous := snapshot("tech-1", job("j1", "s1", "2026-03-05"))
	current := snapshot("tech-1", job("j1", "s1", "2026-03-05"), job("j2", "s2", "2026-03-09"))

	cs := classify(t, c, current, previous)

	require.Len(t, cs.Records, 1)
	added, ok := cs.Records[0].(engine.Added)
	require.True(t, ok, "expected an Added record, got %T", cs.Records[0])
	assert.Equal(t, "j2", added.Job.ID)
	assert.Equal(t, engine.Summary{Added: 1}, cs.Summary)
}

func TestClassify_MissingJob_ReportedAsRemoved(t *testing.T) {
	// GIVEN: A previous job id absent from current, not completed, with no
	//        same-date addition to pair with
	// WHEN: Classifying
	// THEN: Exactly one Removed record

	c := newTestClassifier(store.NewMemory())
	previous := snapshot("tech-1", job("j1", "s1", "2026-03-05"), job("j2", "s2", "2026-03-06"))
	current := snapshot("tech-1", job("j1", "s1", "2026-03-05"))

	cs := classify(t, c, current, previous)

	require.Len(t, cs.Records, 1)
	removed, ok := cs.Records[0].(engine.Removed)
	require.True(t, ok)
	assert.Equal(t, "j2", removed.Job.ID)
	assert.Equal(t, engine.Summary{Removed: 1}, cs.Summary)
}

func TestClassify_DateMoved_ReportedAsDateChanged(t *testing.T) {
	// GIVEN: The same job id in both snapshots with different visit dates
	// WHEN: Classifying
	// THEN: One DateChanged record with the old and new dates

	c := newTestClassifier(store.NewMemory())
	previous := snapshot("tech-1", job("j1", "s1", "2026-03-05"))
	current := snapshot("tech-1", job("j1", "s1", "2026-03-11"))

	cs := classify(t, c, current, previous)

	require.Len(t, cs.Records, 1)
	moved, ok := cs.Records[0].(engine.DateChanged)
	require.True(t, ok)
	assert.Equal(t, "j1", moved.JobID)
	assert.Equal(t, "2026-03-05", moved.OldDate.String())
	assert.Equal(t, "2026-03-11", moved.NewDate.String())
}

func TestClassify_InverseDateMoves_CollapseIntoSwapped(t *testing.T) {
	// GIVEN: Two jobs whose date transitions are exact mutual inverses
	// WHEN: Classifying
	// THEN: One Swapped record consumes both; no DateChanged leaks out

	c := newTestClassifier(store.NewMemory())
	previous := snapshot("tech-1", job("j1", "s1", "2026-03-05"), job("j2", "s2", "2026-03-09"))
	current := snapshot("tech-1", job("j1", "s1", "2026-03-09"), job("j2", "s2", "2026-03-05"))

	cs := classify(t, c, current, previous)

	require.Len(t, cs.Records, 1)
	swap, ok := cs.Records[0].(engine.Swapped)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"j1", "j2"}, swap.JobIDs())
	assert.True(t, swap.OldDateA.Equal(swap.NewDateB), "transitions must be mutual inverses")
	assert.True(t, swap.OldDateB.Equal(swap.NewDateA))
	assert.Equal(t, engine.Summary{Swapped: 1}, cs.Summary)
}

func TestClassify_ThreeWayRotation_IsThreeDateChanges_NotSwaps(t *testing.T) {
	// GIVEN: Three jobs rotated A->B->C->A; no pair is an exact inverse
	// WHEN: Classifying
	// THEN: Three DateChanged records, zero Swapped

	c := newTestClassifier(store.NewMemory())
	previous := snapshot("tech-1",
		job("j1", "s1", "2026-03-05"),
		job("j2", "s2", "2026-03-06"),
		job("j3", "s3", "2026-03-07"))
	current := snapshot("tech-1",
		job("j1", "s1", "2026-03-06"),
		job("j2", "s2", "2026-03-07"),
		job("j3", "s3", "2026-03-05"))

	cs := classify(t, c, current, previous)

	assert.Equal(t, engine.Summary{DateChanged: 3}, cs.Summary)
	for _, rec := range cs.Records {
		assert.IsType(t, engine.DateChanged{}, rec)
	}
}

func TestClassify_SameDateAddAndRemove_CollapseIntoReplaced(t *testing.T) {
	// GIVEN: j1 vanished from March 5 and j9 appeared on March 5
	// WHEN: Classifying
	// THEN: One Replaced record instead of an Added plus a Removed

	c := newTestClassifier(store.NewMemory())
	previous := snapshot("tech-1", job("j1", "s1", "2026-03-05"))
	current := snapshot("tech-1", job("j9", "s9", "2026-03-05"))

	cs := classify(t, c, current, previous)

	require.Len(t, cs.Records, 1)
	rep, ok := cs.Records[0].(engine.Replaced)
	require.True(t, ok)
	assert.Equal(t, "j1", rep.OldJob.ID)
	assert.Equal(t, "j9", rep.NewJob.ID)
	assert.Equal(t, "2026-03-05", rep.SharedDate.String())
	// Replaced counts as one add, one remove, and one replacement.
	assert.Equal(t, engine.Summary{Added: 1, Removed: 1, Replaced: 1}, cs.Summary)
}

func TestClassify_DifferentDateAddAndRemove_StaySeparate(t *testing.T) {
	// GIVEN: A removal on March 5 and an addition on March 6
	// WHEN: Classifying
	// THEN: The dates differ, so no replacement pairing happens

	c := newTestClassifier(store.NewMemory())
	previous := snapshot("tech-1", job("j1", "s1", "2026-03-05"))
	current := snapshot("tech-1", job("j9", "s9", "2026-03-06"))

	cs := classify(t, c, current, previous)

	assert.Equal(t, engine.Summary{Added: 1, Removed: 1}, cs.Summary)
	require.Len(t, cs.Records, 2)
	assert.IsType(t, engine.Added{}, cs.Records[0])
	assert.IsType(t, engine.Removed{}, cs.Records[1])
}

// =============================================================================
// SUPPRESSION - LEDGER AND FILTER
// =============================================================================

func TestClassify_CompletedJob_RemovalSuppressed(t *testing.T) {
	// GIVEN: j2 disappeared from current but its id is in the completed
	//        ledger (recorded in normalized form by the completion export)
	// WHEN: Classifying
	// THEN: No Removed record; the disappearance was a fulfillment

	mem := store.NewMemory()
	require.NoError(t, mem.AppendCompleted(context.Background(), "tech-1", " 10293 "))

	c := newTestClassifier(mem)
	previous := snapshot("tech-1", job("JOB-10293", "s2", "2026-03-06"), job("j1", "s1", "2026-03-05"))
	current := snapshot("tech-1", job("j1", "s1", "2026-03-05"))

	cs := classify(t, c, current, previous)

	assert.True(t, cs.Empty(), "a completed job must not be reported as removed")
}

func TestClassify_CompletedJob_DoesNotSuppressDateChange(t *testing.T) {
	// GIVEN: A job marked completed that nevertheless still appears in
	//        current with a moved date
	// WHEN: Classifying
	// THEN: The ledger only suppresses removals; the move is still reported

	mem := store.NewMemory()
	require.NoError(t, mem.AppendCompleted(context.Background(), "tech-1", "j1"))

	c := newTestClassifier(mem)
	previous := snapshot("tech-1", job("j1", "s1", "2026-03-05"))
	current := snapshot("tech-1", job("j1", "s1", "2026-03-11"))

	cs := classify(t, c, current, previous)

	assert.Equal(t, engine.Summary{DateChanged: 1}, cs.Summary)
}

func TestClassify_ReplacementWinsOverLedgerSuppression(t *testing.T) {
	// GIVEN: A departed job that is both completed AND has a same-date
	//        addition available
	// WHEN: Classifying
	// THEN: The replacement pairing runs first; the user learns who the
	//       new visit is, rather than hearing nothing

	mem := store.NewMemory()
	require.NoError(t, mem.AppendCompleted(context.Background(), "tech-1", "j1"))

	c := newTestClassifier(mem)
	previous := snapshot("tech-1", job("j1", "s1", "2026-03-05"))
	current := snapshot("tech-1", job("j9", "s9", "2026-03-05"))

	cs := classify(t, c, current, previous)

	require.Len(t, cs.Records, 1)
	assert.IsType(t, engine.Replaced{}, cs.Records[0])
}

func TestClassify_FilteredJob_InvisibleToEveryPass(t *testing.T) {
	// GIVEN: Preferences muting store s9; j9 (muted) appeared on the same
	//        date j1 (visible) disappeared from
	// WHEN: Classifying with the compiled filter
	// THEN: j9 cannot appear as Added AND cannot serve as a replacement
	//       candidate, so j1 is a plain Removed

	c := newTestClassifier(store.NewMemory())
	prefs := engine.Preferences{UserID: "tech-1", MutedStoreIDs: []string{"s9"}}
	previous := snapshot("tech-1", job("j1", "s1", "2026-03-05"))
	current := snapshot("tech-1", job("j9", "s9", "2026-03-05"))

	cs := c.Classify(context.Background(), current, previous, prefs.Filter(), "tech-1")

	require.Len(t, cs.Records, 1)
	assert.IsType(t, engine.Removed{}, cs.Records[0])
}

func TestClassify_ServiceKeywordFilter_HidesNonMatchingJobs(t *testing.T) {
	// GIVEN: A service keyword filter for "fountain"; the new job only
	//        carries "bag in box"
	// WHEN: Classifying
	// THEN: The non-matching addition is invisible

	c := newTestClassifier(store.NewMemory())
	prefs := engine.Preferences{UserID: "tech-1", ServiceKeyword: "fountain"}

	other := job("j2", "s2", "2026-03-06")
	other.ServiceList = []string{"bag in box"}
	previous := snapshot("tech-1", job("j1", "s1", "2026-03-05"))
	current := snapshot("tech-1", job("j1", "s1", "2026-03-05"), other)

	cs := c.Classify(context.Background(), current, previous, prefs.Filter(), "tech-1")

	assert.True(t, cs.Empty())
}

// =============================================================================
// TIE-BREAKS AND AMBIGUITY
// =============================================================================

func TestClassify_AmbiguousReplacement_FirstAdditionByIDWins(t *testing.T) {
	// GIVEN: One removal on March 5 and two additions on March 5
	// WHEN: Classifying
	// THEN: The addition with the lower job id is claimed into Replaced;
	//       the other remains a plain Added. Deterministic across runs.

	c := newTestClassifier(store.NewMemory())
	previous := snapshot("tech-1", job("j5", "s5", "2026-03-05"))
	current := snapshot("tech-1", job("a1", "s1", "2026-03-05"), job("a2", "s2", "2026-03-05"))

	cs := classify(t, c, current, previous)

	require.Len(t, cs.Records, 2)
	added, ok := cs.Records[0].(engine.Added)
	require.True(t, ok)
	assert.Equal(t, "a2", added.Job.ID, "the unclaimed addition survives as Added")
	rep, ok := cs.Records[1].(engine.Replaced)
	require.True(t, ok)
	assert.Equal(t, "a1", rep.NewJob.ID, "lowest id claimed first")
}

func TestClassify_TwoRemovalsOneAddition_SecondRemovalStaysRemoved(t *testing.T) {
	// GIVEN: Two departures and a single addition, all on March 5
	// WHEN: Classifying
	// THEN: One Replaced, one Removed; the single addition is claimed once

	c := newTestClassifier(store.NewMemory())
	previous := snapshot("tech-1", job("j1", "s1", "2026-03-05"), job("j2", "s2", "2026-03-05"))
	current := snapshot("tech-1", job("a1", "s9", "2026-03-05"))

	cs := classify(t, c, current, previous)

	assert.Equal(t, engine.Summary{Added: 1, Removed: 2, Replaced: 1}, cs.Summary)
}

// =============================================================================
// CORRECTNESS GUARANTEES
// =============================================================================

func TestClassify_Partition_EveryDifferingIDInExactlyOneRecord(t *testing.T) {
	// GIVEN: A busy diff touching all five change kinds at once
	// WHEN: Classifying
	// THEN: Every differing job id is referenced by exactly one record

	c := newTestClassifier(store.NewMemory())
	previous := snapshot("tech-1",
		job("keep", "s0", "2026-03-02"),
		job("gone", "s1", "2026-03-03"),
		job("old", "s2", "2026-03-04"),
		job("swapA", "s3", "2026-03-05"),
		job("swapB", "s4", "2026-03-06"),
		job("mover", "s5", "2026-03-07"))
	// "new" replaces "old" on March 4; "fresh" is a plain addition.
	current := snapshot("tech-1",
		job("keep", "s0", "2026-03-02"),
		job("new", "s6", "2026-03-04"),
		job("fresh", "s7", "2026-03-10"),
		job("swapA", "s3", "2026-03-06"),
		job("swapB", "s4", "2026-03-05"),
		job("mover", "s5", "2026-03-12"))

	cs := classify(t, c, current, previous)

	seen := make(map[string]int)
	for _, rec := range cs.Records {
		for _, id := range rec.JobIDs() {
			seen[id]++
		}
	}
	for _, id := range []string{"gone", "old", "new", "fresh", "swapA", "swapB", "mover"} {
		assert.Equal(t, 1, seen[id], "job %s must appear in exactly one record", id)
	}
	assert.NotContains(t, seen, "keep", "an unchanged job must not be referenced")
	assert.Equal(t, engine.Summary{Added: 2, Removed: 2, DateChanged: 1, Swapped: 1, Replaced: 1}, cs.Summary)
}

func TestClassify_IdenticalInputs_ByteEqualChangeSets(t *testing.T) {
	// GIVEN: Fixed clock and id source
	// WHEN: Classifying the same snapshot pair twice
	// THEN: The serialized change sets are byte-equal; map iteration
	//       randomness never leaks into the output

	previous := snapshot("tech-1",
		job("j1", "s1", "2026-03-05"), job("j2", "s2", "2026-03-05"),
		job("j3", "s3", "2026-03-06"), job("j4", "s4", "2026-03-07"))
	current := snapshot("tech-1",
		job("a1", "s8", "2026-03-05"), job("a2", "s9", "2026-03-05"),
		job("j3", "s3", "2026-03-07"), job("j4", "s4", "2026-03-06"))

	run := func() []byte {
		c := newTestClassifier(store.NewMemory())
		cs := classify(t, c, current, previous)
		data, err := json.Marshal(cs)
		require.NoError(t, err)
		return data
	}

	assert.Equal(t, string(run()), string(run()))
}
