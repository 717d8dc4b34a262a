package engine

import "context"

// =============================================================================
// SNAPSHOT STORE - Current/previous snapshot pairs per user
// =============================================================================

// SnapshotStore owns the two snapshots that exist per user at any time.
// The engine only reads via Load; capture ingestion writes via Save, which
// demotes the current snapshot to previous and installs the new current.
type SnapshotStore interface {
	// Load returns the current and previous snapshots for a user.
	// previous is nil when only one capture has ever been taken; that is
	// the normal first-run condition, not an error. current is nil only
	// for a user with no captures at all.
	Load(ctx context.Context, userID string) (current, previous *ScheduleSnapshot, err error)

	// Save installs snap as the user's current snapshot, demoting the old
	// current to previous. The old previous is discarded.
	Save(ctx context.Context, snap *ScheduleSnapshot) error

	// ListUsers returns every user with at least one captured snapshot.
	ListUsers(ctx context.Context) ([]string, error)
}
