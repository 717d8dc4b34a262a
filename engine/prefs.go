package engine

import (
	"context"
	"strings"
)

// =============================================================================
// USER PREFERENCES
// =============================================================================

// Preferences are the per-user settings the engine is handed: how to
// deliver (cadence) and what to care about (filter rules). How they are
// edited is an external concern.
type Preferences struct {
	UserID         string   `json:"user_id"`
	Cadence        Cadence  `json:"cadence"`
	MutedStoreIDs  []string `json:"muted_store_ids,omitempty"`
	ServiceKeyword string   `json:"service_keyword,omitempty"`
}

// DefaultPreferences apply to users who never configured anything:
// immediate delivery, every job visible.
func DefaultPreferences(userID string) Preferences {
	return Preferences{UserID: userID, Cadence: CadenceImmediate}
}

// Filter compiles the stored rules into a pure per-job predicate:
// a job is invisible when its store is muted, or when a service keyword is
// set and none of the job's services contains it.
func (p Preferences) Filter() FilterPredicate {
	muted := make(map[string]bool, len(p.MutedStoreIDs))
	for _, id := range p.MutedStoreIDs {
		muted[id] = true
	}
	keyword := strings.ToLower(strings.TrimSpace(p.ServiceKeyword))

	return func(job JobRecord) bool {
		if muted[job.StoreID] {
			return false
		}
		if keyword == "" {
			return true
		}
		for _, svc := range job.ServiceList {
			if strings.Contains(strings.ToLower(svc), keyword) {
				return true
			}
		}
		return false
	}
}

// PreferenceProvider supplies per-user preferences. Implementations return
// DefaultPreferences for unknown users rather than an error.
type PreferenceProvider interface {
	Preferences(ctx context.Context, userID string) (Preferences, error)
}
