/*
payload.go - Change set rendering

PURPOSE:
  Turns a ChangeSet into the human-readable text every channel delivers.
  Rendering is deterministic: the same change set always produces the same
  bytes (golden-tested), so downstream systems can dedupe on content.

SEE ALSO:
  - logchan.go, webhook.go, amqp.go: The channels that render payloads
*/
package channel

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/routewatch/schedule-engine/engine"
)

// Render produces the notification text for a change set. One headline
// with the per-kind tallies, then one line per record in classifier order.
func Render(cs *engine.ChangeSet) string {
	var b strings.Builder

	s := cs.Summary
	fmt.Fprintf(&b, "Schedule update: %s\n", headline(s))

	for _, rec := range cs.Records {
		switch r := rec.(type) {
		case engine.Added:
			fmt.Fprintf(&b, "+ added    %s %s (%s) on %s %s\n",
				r.Job.ID, r.Job.StoreName, r.Job.StoreID, r.Job.VisitDate, r.Job.VisitTime)
		case engine.Removed:
			fmt.Fprintf(&b, "- removed  %s %s (%s) was %s\n",
				r.Job.ID, r.Job.StoreName, r.Job.StoreID, r.Job.VisitDate)
		case engine.DateChanged:
			fmt.Fprintf(&b, "~ moved    %s: %s -> %s\n", r.JobID, r.OldDate, r.NewDate)
		case engine.Swapped:
			fmt.Fprintf(&b, "= swapped  %s and %s traded dates: %s <-> %s\n",
				r.JobAID, r.JobBID, r.OldDateA, r.OldDateB)
		case engine.Replaced:
			fmt.Fprintf(&b, "* replaced %s with %s on %s (%s -> %s)\n",
				r.OldJob.ID, r.NewJob.ID, r.SharedDate, r.OldJob.StoreName, r.NewJob.StoreName)
		}
	}
	return b.String()
}

func headline(s engine.Summary) string {
	parts := make([]string, 0, 4)
	if n := s.Added - s.Replaced; n > 0 {
		parts = append(parts, plural(n, "visit added", "visits added"))
	}
	if n := s.Removed - s.Replaced; n > 0 {
		parts = append(parts, plural(n, "visit removed", "visits removed"))
	}
	if s.DateChanged > 0 {
		parts = append(parts, plural(s.DateChanged, "visit rescheduled", "visits rescheduled"))
	}
	if s.Swapped > 0 {
		parts = append(parts, plural(s.Swapped, "date swap", "date swaps"))
	}
	if s.Replaced > 0 {
		parts = append(parts, plural(s.Replaced, "visit replaced", "visits replaced"))
	}
	if len(parts) == 0 {
		return "no changes"
	}
	return strings.Join(parts, ", ")
}

func plural(n int, singular, pluralForm string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", singular)
	}
	return fmt.Sprintf("%d %s", n, pluralForm)
}

// Envelope is the JSON body the webhook and AMQP channels publish.
type Envelope struct {
	UserID      string           `json:"user_id"`
	GeneratedAt time.Time        `json:"generated_at"`
	Summary     engine.Summary   `json:"summary"`
	Text        string           `json:"text"`
	ChangeSet   engine.ChangeSet `json:"change_set"`
}

// EncodeEnvelope builds the wire body for a change set.
func EncodeEnvelope(userID string, cs *engine.ChangeSet) ([]byte, error) {
	return json.Marshal(Envelope{
		UserID:      userID,
		GeneratedAt: cs.GeneratedAt,
		Summary:     cs.Summary,
		Text:        Render(cs),
		ChangeSet:   *cs,
	})
}
