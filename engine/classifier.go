/*
classifier.go - Snapshot diffing and change classification

PURPOSE:
  Partitions the job-level differences between two schedule snapshots into
  the five ChangeRecord kinds. The pass order below is load-bearing: it is
  what guarantees that every differing job id ends up in exactly one record
  and that an add+remove pair on the same date collapses into a single
  Replaced instead of two noisy alerts.

ALGORITHM (must run in this order):
  Pass 1  Additions: ids in current absent from previous.
  Pass 2  Date-change candidates: ids in both snapshots whose date moved.
          Not classified yet - pass 4 decides swap vs plain move.
  Pass 3  Removals/replacements: for each previous job missing from
          current, a same-date unclaimed addition becomes a Replaced;
          otherwise the completed-job ledger may suppress the removal;
          otherwise it is a genuine Removed.
  Pass 4  Swap resolution: two candidates with exactly inverse date
          transitions merge into one Swapped; leftovers are DateChanged.

DETERMINISM:
  Go map iteration order is randomized, so every pass walks ids and dates
  in sorted order. "First match wins" tie-breaks in passes 3 and 4 are
  therefore stable across runs: classify twice on identical inputs and the
  change sets are byte-equal. When more than one candidate could have
  matched, the classifier logs a diagnostic but never errors.

FILTERING:
  A job rejected by the filter predicate is invisible to every pass: it
  cannot trigger a record and cannot serve as a replacement candidate for
  another job. The predicate must be a pure function of the job at hand.

SEE ALSO:
  - types.go: ChangeRecord variants and Summary
  - ledger.go: Removal suppression
*/
package engine

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
)

// FilterPredicate decides whether a job is visible to the classifier.
// Must be pure: no cross-job state.
type FilterPredicate func(JobRecord) bool

// AcceptAll is the predicate used when a user has no filter configured.
func AcceptAll(JobRecord) bool { return true }

// =============================================================================
// CLASSIFIER
// =============================================================================

// Classifier produces ChangeSets from snapshot pairs. The zero value is
// usable: nil Ledger means no removal suppression, nil Now/NewID fall back
// to wall clock and random ids (tests inject fixed ones).
type Classifier struct {
	Ledger *Ledger
	Logger *log.Logger

	Now   func() time.Time
	NewID func() string
}

func NewClassifier(ledger *Ledger) *Classifier {
	return &Classifier{Ledger: ledger}
}

func (c *Classifier) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

func (c *Classifier) newID() string {
	if c.NewID != nil {
		return c.NewID()
	}
	return uuid.NewString()
}

// Classify diffs current against previous for one user. A nil previous is
// the normal first-run condition and yields an empty ChangeSet.
func (c *Classifier) Classify(ctx context.Context, current, previous *ScheduleSnapshot, filter FilterPredicate, userID string) *ChangeSet {
	cs := &ChangeSet{
		ID:          c.newID(),
		UserID:      userID,
		GeneratedAt: c.now(),
		Records:     []ChangeRecord{},
	}

	if previous == nil {
		return cs // no baseline to compare against
	}
	if filter == nil {
		filter = AcceptAll
	}

	cur := jobsOrEmpty(current)
	prev := jobsOrEmpty(previous)
	curIDs := sortedJobIDs(cur)

	// Pass 1 - additions. Provisional: pass 3 may claim a same-date
	// addition into a Replaced record.
	var adds []*addition
	addsByDate := make(map[string][]*addition)
	for _, id := range curIDs {
		job := cur[id]
		if _, inPrev := prev[id]; inPrev {
			continue
		}
		if !filter(job) {
			continue
		}
		a := &addition{job: job}
		adds = append(adds, a)
		key := job.VisitDate.String()
		addsByDate[key] = append(addsByDate[key], a)
	}

	// Pass 2 - date-change candidates. Final classification deferred to
	// pass 4.
	type moveCandidate struct {
		jobID            string
		oldDate, newDate VisitDate
		resolved         bool
	}
	var moves []*moveCandidate
	for _, id := range curIDs {
		curJob := cur[id]
		prevJob, inPrev := prev[id]
		if !inPrev || prevJob.VisitDate.Equal(curJob.VisitDate) {
			continue
		}
		if !filter(curJob) {
			continue
		}
		moves = append(moves, &moveCandidate{jobID: id, oldDate: prevJob.VisitDate, newDate: curJob.VisitDate})
	}

	// Pass 3 - removals and replacements, walked per date.
	goneByDate := make(map[string][]JobRecord)
	for _, id := range sortedJobIDs(prev) {
		job := prev[id]
		if _, inCur := cur[id]; inCur {
			continue
		}
		if !filter(job) {
			continue
		}
		key := job.VisitDate.String()
		goneByDate[key] = append(goneByDate[key], job)
	}

	var departures []ChangeRecord
	for _, dateKey := range sortedKeys(goneByDate) {
		for _, oldJob := range goneByDate[dateKey] {
			if match, extra := claimAddition(addsByDate[dateKey]); match != nil {
				match.claimed = true
				if extra && c.Logger != nil {
					c.Logger.Printf("[Classifier] ambiguous replacement for job %s on %s: multiple same-date additions, first match kept", oldJob.ID, dateKey)
				}
				departures = append(departures, Replaced{
					OldJob:     oldJob,
					NewJob:     match.job,
					SharedDate: oldJob.VisitDate,
				})
				continue
			}
			if c.Ledger.IsCompleted(ctx, userID, oldJob.ID) {
				continue // fulfilled, not removed
			}
			departures = append(departures, Removed{Job: oldJob})
		}
	}

	// Pass 4 - swap resolution among date-change candidates. First exact
	// inverse in input order wins; both candidates are consumed.
	var moved []ChangeRecord
	for i, m := range moves {
		if m.resolved {
			continue
		}
		for _, n := range moves[i+1:] {
			if n.resolved {
				continue
			}
			if m.oldDate.Equal(n.newDate) && m.newDate.Equal(n.oldDate) {
				m.resolved = true
				n.resolved = true
				moved = append(moved, Swapped{
					JobAID:   m.jobID,
					JobBID:   n.jobID,
					OldDateA: m.oldDate,
					NewDateA: m.newDate,
					OldDateB: n.oldDate,
					NewDateB: n.newDate,
				})
				break
			}
		}
	}
	for _, m := range moves {
		if m.resolved {
			continue
		}
		moved = append(moved, DateChanged{JobID: m.jobID, OldDate: m.oldDate, NewDate: m.newDate})
	}

	// Aggregate: additions not consumed by a replacement, then departures,
	// then moves.
	for _, a := range adds {
		if !a.claimed {
			cs.Records = append(cs.Records, Added{Job: a.job})
		}
	}
	cs.Records = append(cs.Records, departures...)
	cs.Records = append(cs.Records, moved...)
	cs.Summary = Summarize(cs.Records)
	return cs
}

// addition is a provisional pass-1 result; pass 3 may claim it into a
// Replaced record before it is finalized as Added.
type addition struct {
	job     JobRecord
	claimed bool
}

// claimAddition returns the first unclaimed same-date addition in input
// order, and whether more than one was available (the documented
// first-match tie-break of the replacement heuristic).
func claimAddition(adds []*addition) (match *addition, ambiguous bool) {
	for _, a := range adds {
		if a.claimed {
			continue
		}
		if match == nil {
			match = a
			continue
		}
		ambiguous = true
		break
	}
	return match, ambiguous
}

func jobsOrEmpty(snap *ScheduleSnapshot) map[string]JobRecord {
	if snap == nil || snap.Jobs == nil {
		return map[string]JobRecord{}
	}
	return snap.Jobs
}

func sortedJobIDs(jobs map[string]JobRecord) []string {
	ids := make([]string, 0, len(jobs))
	for id := range jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
