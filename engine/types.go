/*
Package engine provides the core schedule change detection engine.

PURPOSE:
  This package contains the domain types and algorithms for detecting
  changes between two captures of a user's visit schedule and for deciding
  whether a freshly produced change set may be dispatched to notification
  channels right now.

KEY CONCEPTS IN THIS FILE (types.go):
  - JobRecord: A single scheduled store visit, immutable once captured
  - ScheduleSnapshot: All of one user's jobs at one capture instant
  - ChangeRecord: A closed sum type over the five change kinds
  - ChangeSet: The classified differences between two snapshots
  - Summary: Per-kind tallies for a change set

DESIGN PRINCIPLES:
  1. Immutability: Snapshots and their jobs are never modified after capture
  2. Closed variants: ChangeRecord is a sealed interface so every consumer
     is forced into an exhaustive type switch
  3. Determinism: Classification of identical inputs yields identical,
     byte-equal change sets
  4. Partition: Every job id in either snapshot is referenced by exactly
     one change record (or deliberately suppressed by filter/ledger)

SEE ALSO:
  - classifier.go: Produces ChangeSets from snapshot pairs
  - throttle.go: Decides whether a change set may be dispatched
  - digest.go: Immediate vs batched delivery
  - dispatcher.go: End-to-end cycle orchestration
*/
package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// TRIGGER SOURCE & CADENCE
// =============================================================================

// TriggerSource identifies what started a classify+dispatch cycle.
type TriggerSource string

const (
	SourceManual    TriggerSource = "manual"    // user pressed the button
	SourceScheduled TriggerSource = "scheduled" // background timer
)

// Cadence is a user's delivery preference.
type Cadence string

const (
	CadenceImmediate Cadence = "immediate"
	CadenceDigest    Cadence = "digest"
)

// =============================================================================
// JOB RECORD - One scheduled store visit
// =============================================================================

// JobRecord is a single scheduled visit as captured from the source system.
// Immutable once captured; the classifier only ever reads it.
type JobRecord struct {
	ID             string    `json:"id"` // stable identifier, unique within a snapshot
	StoreID        string    `json:"store_id"`
	StoreName      string    `json:"store_name"`
	Address        string    `json:"address"`
	VisitDate      VisitDate `json:"visit_date"`
	VisitTime      string    `json:"visit_time"`
	DispenserCount int       `json:"dispenser_count"`
	ServiceList    []string  `json:"service_list"` // ordered
	Instructions   string    `json:"instructions,omitempty"`
}

// =============================================================================
// SCHEDULE SNAPSHOT - All jobs for one user at one capture instant
// =============================================================================

// ScheduleSnapshot holds every job scheduled for one user at capture time.
// Two snapshots per user exist at any time: current and previous. A new
// capture demotes current to previous (see SnapshotStore in snapshot.go).
type ScheduleSnapshot struct {
	OwnerUserID string               `json:"owner_user_id"`
	CapturedAt  time.Time            `json:"captured_at"`
	Jobs        map[string]JobRecord `json:"jobs"` // keyed by JobRecord.ID
}

// =============================================================================
// CHANGE RECORD - Closed sum over the five change kinds
// =============================================================================

// ChangeKind tags a ChangeRecord variant.
type ChangeKind string

const (
	KindAdded       ChangeKind = "added"
	KindRemoved     ChangeKind = "removed"
	KindDateChanged ChangeKind = "date_changed"
	KindSwapped     ChangeKind = "swapped"
	KindReplaced    ChangeKind = "replaced"
)

// ChangeRecord is the closed set of classified differences. The unexported
// method seals the interface: consumers must type-switch over the five
// concrete variants below and handle each one.
type ChangeRecord interface {
	Kind() ChangeKind

	// JobIDs returns every job id this record accounts for. Swapped and
	// Replaced consume two ids each; the rest consume one.
	JobIDs() []string

	change()
}

// Added reports a job present in current but not in previous.
type Added struct {
	Job JobRecord `json:"job"`
}

// Removed reports a job present in previous but not in current, that was
// neither replaced on the same date nor marked completed in the ledger.
type Removed struct {
	Job JobRecord `json:"job"`
}

// DateChanged reports a job present in both snapshots whose visit date moved
// and that did not participate in a mutual swap.
type DateChanged struct {
	JobID   string    `json:"job_id"`
	OldDate VisitDate `json:"old_date"`
	NewDate VisitDate `json:"new_date"`
}

// Swapped reports two distinct jobs whose date transitions are mutual
// inverses: OldDateA == NewDateB and OldDateB == NewDateA.
type Swapped struct {
	JobAID   string    `json:"job_a_id"`
	JobBID   string    `json:"job_b_id"`
	OldDateA VisitDate `json:"old_date_a"`
	NewDateA VisitDate `json:"new_date_a"`
	OldDateB VisitDate `json:"old_date_b"`
	NewDateB VisitDate `json:"new_date_b"`
}

// Replaced reports an add+remove pair collapsed into one record: the old job
// vanished and a new job appeared on the same visit date.
type Replaced struct {
	OldJob     JobRecord `json:"old_job"`
	NewJob     JobRecord `json:"new_job"`
	SharedDate VisitDate `json:"shared_date"`
}

func (Added) Kind() ChangeKind       { return KindAdded }
func (Removed) Kind() ChangeKind     { return KindRemoved }
func (DateChanged) Kind() ChangeKind { return KindDateChanged }
func (Swapped) Kind() ChangeKind     { return KindSwapped }
func (Replaced) Kind() ChangeKind    { return KindReplaced }

func (r Added) JobIDs() []string       { return []string{r.Job.ID} }
func (r Removed) JobIDs() []string     { return []string{r.Job.ID} }
func (r DateChanged) JobIDs() []string { return []string{r.JobID} }
func (r Swapped) JobIDs() []string     { return []string{r.JobAID, r.JobBID} }
func (r Replaced) JobIDs() []string    { return []string{r.OldJob.ID, r.NewJob.ID} }

func (Added) change()       {}
func (Removed) change()     {}
func (DateChanged) change() {}
func (Swapped) change()     {}
func (Replaced) change()    {}

// =============================================================================
// CHANGE SET - Ordered records plus per-kind tallies
// =============================================================================

// Summary counts records per variant. A Replaced increments both Added and
// Removed (it is one of each from the user's point of view) and also its own
// Replaced tally; Swapped has a dedicated tally.
type Summary struct {
	Added       int `json:"added"`
	Removed     int `json:"removed"`
	DateChanged int `json:"date_changed"`
	Swapped     int `json:"swapped"`
	Replaced    int `json:"replaced"`
}

// Total returns the number of change records summarized (not the sum of
// tallies, since Replaced counts into three of them).
func (s Summary) Total() int {
	return (s.Added - s.Replaced) + (s.Removed - s.Replaced) + s.DateChanged + s.Swapped + s.Replaced
}

// Summarize computes the tallies for a record sequence.
func Summarize(records []ChangeRecord) Summary {
	var s Summary
	for _, r := range records {
		switch r.(type) {
		case Added:
			s.Added++
		case Removed:
			s.Removed++
		case DateChanged:
			s.DateChanged++
		case Swapped:
			s.Swapped++
		case Replaced:
			s.Replaced++
			s.Added++
			s.Removed++
		}
	}
	return s
}

// ChangeSet is the classified difference between two snapshots.
type ChangeSet struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	GeneratedAt time.Time      `json:"generated_at"`
	Records     []ChangeRecord `json:"records"`
	Summary     Summary        `json:"summary"`
}

// Empty reports whether the change set carries no records.
func (cs *ChangeSet) Empty() bool {
	return cs == nil || len(cs.Records) == 0
}

// =============================================================================
// CHANGE SET SERIALIZATION
// =============================================================================
// Records is a slice of a sealed interface, so JSON round-tripping goes
// through a kind-tagged envelope. The digest queue persists change sets in
// this form; decoding an unknown kind is an error, never a silent drop.

type recordEnvelope struct {
	Kind    ChangeKind      `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type changeSetJSON struct {
	ID          string           `json:"id"`
	UserID      string           `json:"user_id"`
	GeneratedAt time.Time        `json:"generated_at"`
	Records     []recordEnvelope `json:"records"`
	Summary     Summary          `json:"summary"`
}

func (cs ChangeSet) MarshalJSON() ([]byte, error) {
	out := changeSetJSON{
		ID:          cs.ID,
		UserID:      cs.UserID,
		GeneratedAt: cs.GeneratedAt,
		Records:     make([]recordEnvelope, 0, len(cs.Records)),
		Summary:     cs.Summary,
	}
	for _, r := range cs.Records {
		payload, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		out.Records = append(out.Records, recordEnvelope{Kind: r.Kind(), Payload: payload})
	}
	return json.Marshal(out)
}

func (cs *ChangeSet) UnmarshalJSON(data []byte) error {
	var in changeSetJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	cs.ID = in.ID
	cs.UserID = in.UserID
	cs.GeneratedAt = in.GeneratedAt
	cs.Summary = in.Summary
	cs.Records = make([]ChangeRecord, 0, len(in.Records))
	for _, env := range in.Records {
		rec, err := decodeRecord(env)
		if err != nil {
			return err
		}
		cs.Records = append(cs.Records, rec)
	}
	return nil
}

func decodeRecord(env recordEnvelope) (ChangeRecord, error) {
	switch env.Kind {
	case KindAdded:
		var r Added
		err := json.Unmarshal(env.Payload, &r)
		return r, err
	case KindRemoved:
		var r Removed
		err := json.Unmarshal(env.Payload, &r)
		return r, err
	case KindDateChanged:
		var r DateChanged
		err := json.Unmarshal(env.Payload, &r)
		return r, err
	case KindSwapped:
		var r Swapped
		err := json.Unmarshal(env.Payload, &r)
		return r, err
	case KindReplaced:
		var r Replaced
		err := json.Unmarshal(env.Payload, &r)
		return r, err
	default:
		return nil, fmt.Errorf("decode change record: %w: %q", ErrUnknownChangeKind, env.Kind)
	}
}
