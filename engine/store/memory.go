// Package store provides in-memory implementations of the engine's
// storage interfaces, used in tests and for development runs.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/routewatch/schedule-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements engine.SnapshotStore, engine.LedgerStore,
// engine.ChannelStateStore, engine.DigestStore and
// engine.PreferenceProvider behind one mutex.
type Memory struct {
	mu sync.RWMutex

	current  map[string]*engine.ScheduleSnapshot
	previous map[string]*engine.ScheduleSnapshot

	completed map[string][]string // userID -> job ids (append order)

	channelState map[stateKey]engine.ChannelState

	pending  map[string][]*engine.ChangeSet // userID -> arrival order
	inFlight map[string]flight              // flushID -> entries

	prefs map[string]engine.Preferences
}

type stateKey struct {
	UserID  string
	Channel string
}

type flight struct {
	userID  string
	entries []*engine.ChangeSet
}

func NewMemory() *Memory {
	return &Memory{
		current:      make(map[string]*engine.ScheduleSnapshot),
		previous:     make(map[string]*engine.ScheduleSnapshot),
		completed:    make(map[string][]string),
		channelState: make(map[stateKey]engine.ChannelState),
		pending:      make(map[string][]*engine.ChangeSet),
		inFlight:     make(map[string]flight),
		prefs:        make(map[string]engine.Preferences),
	}
}

// =============================================================================
// SNAPSHOT STORE
// =============================================================================

func (m *Memory) Load(_ context.Context, userID string) (*engine.ScheduleSnapshot, *engine.ScheduleSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current[userID], m.previous[userID], nil
}

// Save demotes the current snapshot to previous and installs snap.
func (m *Memory) Save(_ context.Context, snap *engine.ScheduleSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.current[snap.OwnerUserID]; ok {
		m.previous[snap.OwnerUserID] = cur
	}
	m.current[snap.OwnerUserID] = snap
	return nil
}

func (m *Memory) ListUsers(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := make([]string, 0, len(m.current))
	for u := range m.current {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}

// =============================================================================
// COMPLETED-JOB LEDGER STORE
// =============================================================================

func (m *Memory) CompletedJobIDs(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.completed[userID]))
	copy(out, m.completed[userID])
	return out, nil
}

// AppendCompleted records job ids as fulfilled. Append-only.
func (m *Memory) AppendCompleted(_ context.Context, userID string, jobIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed[userID] = append(m.completed[userID], jobIDs...)
	return nil
}

// =============================================================================
// CHANNEL STATE STORE
// =============================================================================

func (m *Memory) GetChannelState(_ context.Context, userID, channel string) (*engine.ChannelState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if state, ok := m.channelState[stateKey{userID, channel}]; ok {
		s := state
		return &s, nil
	}
	return nil, nil
}

func (m *Memory) SaveChannelState(_ context.Context, state engine.ChannelState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channelState[stateKey{state.UserID, state.Channel}] = state
	return nil
}

// =============================================================================
// DIGEST STORE
// =============================================================================

func (m *Memory) AppendDigest(_ context.Context, userID string, cs *engine.ChangeSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[userID] = append(m.pending[userID], cs)
	return nil
}

func (m *Memory) BeginFlush(_ context.Context, userID, flushID string) ([]*engine.ChangeSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.pending[userID]
	if len(entries) == 0 {
		return nil, nil
	}
	delete(m.pending, userID)
	m.inFlight[flushID] = flight{userID: userID, entries: entries}
	out := make([]*engine.ChangeSet, len(entries))
	copy(out, entries)
	return out, nil
}

func (m *Memory) AckFlush(_ context.Context, flushID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inFlight[flushID]; !ok {
		return engine.ErrFlushNotFound
	}
	delete(m.inFlight, flushID)
	return nil
}

func (m *Memory) NackFlush(_ context.Context, flushID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.inFlight[flushID]
	if !ok {
		return engine.ErrFlushNotFound
	}
	delete(m.inFlight, flushID)
	// Returned entries precede anything queued since the flush began.
	m.pending[f.userID] = append(append([]*engine.ChangeSet{}, f.entries...), m.pending[f.userID]...)
	return nil
}

func (m *Memory) PendingDigests(_ context.Context, userID string) ([]*engine.ChangeSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*engine.ChangeSet, len(m.pending[userID]))
	copy(out, m.pending[userID])
	return out, nil
}

func (m *Memory) UsersWithPending(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var users []string
	for u, entries := range m.pending {
		if len(entries) > 0 {
			users = append(users, u)
		}
	}
	sort.Strings(users)
	return users, nil
}

// =============================================================================
// PREFERENCE PROVIDER
// =============================================================================

func (m *Memory) Preferences(_ context.Context, userID string) (engine.Preferences, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.prefs[userID]; ok {
		return p, nil
	}
	return engine.DefaultPreferences(userID), nil
}

func (m *Memory) SavePreferences(_ context.Context, prefs engine.Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[prefs.UserID] = prefs
	return nil
}
