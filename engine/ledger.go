/*
ledger.go - Completed-job ledger

PURPOSE:
  The ledger is the set of job ids known to have been legitimately
  fulfilled. A job that disappears from the current snapshot because the
  tech already serviced it is NOT a removal, and alerting on it erodes
  trust in every real alert. The classifier consults the ledger before
  emitting any Removed record.

MATCHING:
  Lookup is two-stage: exact raw id first (cheap), then a normalized
  comparison. Source systems have historically drifted on id formatting -
  the capture side emits "JOB-10293" while the completion export emits
  " 10293 " - so normalization strips the JOB- prefix token and
  surrounding whitespace on both sides. NormalizeJobID is kept as an
  isolated pure function for exactly that reason.

FAILURE POLICY:
  Fail-open. A missing or unreadable ledger means "nothing completed":
  the engine would rather over-notify with a false removal than silently
  hide a real one. (Contrast with throttle.go, which fails closed.)

SEE ALSO:
  - classifier.go: The only consumer of IsCompleted
  - store/sqlite: Persistent backing store (append-only per user)
*/
package engine

import (
	"context"
	"log"
	"strings"
)

// completedIDPrefix is the token the capture side prepends to job ids and
// the completion export drops.
const completedIDPrefix = "JOB-"

// NormalizeJobID strips surrounding whitespace and the JOB- prefix token.
// Pure function; both ledger entries and lookup candidates pass through it.
func NormalizeJobID(id string) string {
	s := strings.TrimSpace(id)
	if len(s) >= len(completedIDPrefix) && strings.EqualFold(s[:len(completedIDPrefix)], completedIDPrefix) {
		s = s[len(completedIDPrefix):]
	}
	return strings.TrimSpace(s)
}

// =============================================================================
// LEDGER
// =============================================================================

// LedgerStore supplies the per-user completed-job id list. Append-only
// during the window the classifier consults it; truncation/rotation is an
// external concern.
type LedgerStore interface {
	CompletedJobIDs(ctx context.Context, userID string) ([]string, error)
}

// Ledger answers "was this job completed?" for the classifier. Read-only;
// it never mutates the backing store.
type Ledger struct {
	Store  LedgerStore
	Logger *log.Logger // optional; diagnostics for load failures
}

func NewLedger(store LedgerStore) *Ledger {
	return &Ledger{Store: store}
}

// IsCompleted reports whether jobID (raw or normalized form) is present in
// the user's completed-job ledger. An absent ledger or a load failure is
// treated as "nothing completed" - fail-open, logged, never an error.
func (l *Ledger) IsCompleted(ctx context.Context, userID, jobID string) bool {
	if l == nil || l.Store == nil {
		return false
	}

	entries, err := l.Store.CompletedJobIDs(ctx, userID)
	if err != nil {
		if l.Logger != nil {
			l.Logger.Printf("[Ledger] load failed for user %s, treating as empty: %v", userID, err)
		}
		return false
	}

	// Exact raw match first.
	for _, e := range entries {
		if e == jobID {
			return true
		}
	}

	// Normalized comparison on miss.
	want := NormalizeJobID(jobID)
	if want == "" {
		return false
	}
	for _, e := range entries {
		if NormalizeJobID(e) == want {
			return true
		}
	}
	return false
}
