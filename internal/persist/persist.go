// Package persist bridges in-memory game mutations to the durable log.
// Every persisted mutation writes a snapshot + event pair and updates
// sync metadata as one transaction; non-critical actions are coalesced
// through a debounce window to bound write amplification during rapid
// interaction.
package persist

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/tallyhq/tally/internal/bus"
	"github.com/tallyhq/tally/internal/events"
	"github.com/tallyhq/tally/internal/game"
	"github.com/tallyhq/tally/internal/platform"
	"github.com/tallyhq/tally/internal/store"
)

// DefaultDebounce is the coalescing window for non-critical actions.
const DefaultDebounce = 500 * time.Millisecond

// Recorder is the persistence middleware. One Recorder serves the whole
// process; construct it once and pass it down.
type Recorder struct {
	store     *store.Store
	bus       *bus.Bus
	scheduler platform.Scheduler
	clientID  string
	window    time.Duration
	keep      int

	mu         sync.Mutex
	versions   map[string]int64
	debouncers map[string]*debouncer
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithDebounce overrides the coalescing window.
func WithDebounce(d time.Duration) Option {
	return func(r *Recorder) { r.window = d }
}

// WithSnapshotKeep overrides the per-game snapshot retention cap.
func WithSnapshotKeep(n int) Option {
	return func(r *Recorder) { r.keep = n }
}

// NewRecorder builds a Recorder bound to a store, an advisory change
// bus, and a background-sync capability (use platform.NopScheduler when
// none exists).
func NewRecorder(st *store.Store, b *bus.Bus, sched platform.Scheduler, opts ...Option) (*Recorder, error) {
	clientID, err := st.ClientID()
	if err != nil {
		return nil, fmt.Errorf("client identity: %w", err)
	}
	r := &Recorder{
		store:      st,
		bus:        b,
		scheduler:  sched,
		clientID:   clientID,
		window:     DefaultDebounce,
		keep:       store.DefaultSnapshotKeep,
		versions:   make(map[string]int64),
		debouncers: make(map[string]*debouncer),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// ClientID returns the process's persistent client identity.
func (r *Recorder) ClientID() string {
	return r.clientID
}

// Record persists a mutation with the scheduling policy the action
// demands: critical actions (game end, round complete, score writes)
// hit the log immediately; everything else is debounced, each new call
// cancelling the previous pending write.
func (r *Recorder) Record(gameID, userID string, action events.ActionType, payload any, state game.State) error {
	if events.IsCritical(action) {
		// A pending debounced write would persist a stale state after
		// this one; flush it first so versions stay ordered.
		if err := r.Flush(gameID); err != nil {
			return err
		}
		_, err := r.Persist(gameID, userID, action, payload, state)
		return err
	}
	r.DebouncedPersist(gameID, userID, action, payload, state)
	return nil
}

// DebouncedPersist schedules a persist after the debounce window,
// replacing any write already pending for the game.
func (r *Recorder) DebouncedPersist(gameID, userID string, action events.ActionType, payload any, state game.State) {
	d := r.debouncerFor(gameID)
	d.schedule(func() {
		if _, err := r.Persist(gameID, userID, action, payload, state); err != nil {
			d.recordError(err)
		}
	})
}

// Flush runs any pending debounced write for a game immediately. Used
// before critical writes and by tests that need determinism.
func (r *Recorder) Flush(gameID string) error {
	r.mu.Lock()
	d := r.debouncers[gameID]
	r.mu.Unlock()
	if d == nil {
		return nil
	}
	d.flush()
	return d.takeError()
}

// FlushAll runs every pending debounced write immediately, returning
// the first persist failure. One-shot callers must flush before Close
// or a write still inside its debounce window is lost.
func (r *Recorder) FlushAll() error {
	r.mu.Lock()
	ds := make([]*debouncer, 0, len(r.debouncers))
	for _, d := range r.debouncers {
		ds = append(ds, d)
	}
	r.mu.Unlock()

	var firstErr error
	for _, d := range ds {
		d.flush()
		if err := d.takeError(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close cancels all pending debounced writes without running them.
// Callers that want pending writes durable call FlushAll first.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.debouncers {
		d.stop()
	}
}

// Persist writes a snapshot + event pair and updates metadata as one
// transaction, then prunes old snapshots and fires best-effort
// notifications. Storage failures are returned to the caller: a failed
// local write is a condition the UI must surface.
func (r *Recorder) Persist(gameID, userID string, action events.ActionType, payload any, state game.State) (*store.Snapshot, error) {
	version, err := r.nextVersion(gameID)
	if err != nil {
		return nil, err
	}

	ev, err := events.New(gameID, userID, r.clientID, action, payload, version)
	if err != nil {
		return nil, err
	}

	var snap store.Snapshot
	err = r.store.WithTx(func(tx *sql.Tx) error {
		meta, err := store.MetadataTx(tx, gameID)
		if err != nil {
			return err
		}

		snap = store.Snapshot{
			ID:            store.SnapshotID(gameID, version),
			GameID:        gameID,
			LocalVersion:  version,
			ServerVersion: meta.LastSyncedVersion,
			State:         state.Clone(),
			UserID:        userID,
			Timestamp:     ev.Timestamp,
			Dirty:         true,
			SyncStatus:    store.StatusPending,
		}
		if err := store.SaveSnapshotTx(tx, snap); err != nil {
			return err
		}
		if err := store.SaveEventTx(tx, ev); err != nil {
			return err
		}

		if meta.SyncStatus == store.StatusSynced {
			meta.SyncStatus = store.StatusPending
		}
		if err := store.SaveMetadataTx(tx, meta); err != nil {
			return err
		}
		if err := store.RefreshPendingCountTx(tx, gameID); err != nil {
			return err
		}

		_, err = store.PruneOldSnapshotsTx(tx, gameID, r.keep)
		return err
	})
	if err != nil {
		r.releaseVersion(gameID, version)
		return nil, fmt.Errorf("persist %s for %s: %w", action, gameID, err)
	}

	// Advisory, best-effort: tell other contexts and ask for background
	// sync. Neither is a correctness mechanism.
	if r.bus != nil {
		r.bus.Publish(bus.StateChanged{GameID: gameID, LocalVersion: version, At: ev.Timestamp})
	}
	if r.scheduler != nil {
		r.scheduler.RequestSync(gameID)
	}

	return &snap, nil
}

// nextVersion increments the per-game monotonic counter, seeding it
// from the store on first use.
func (r *Recorder) nextVersion(gameID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.versions[gameID]; !ok {
		max, err := r.store.MaxLocalVersion(gameID)
		if err != nil {
			return 0, fmt.Errorf("seed version counter: %w", err)
		}
		r.versions[gameID] = max
	}
	r.versions[gameID]++
	return r.versions[gameID], nil
}

// releaseVersion rolls the counter back after a failed persist so the
// version sequence stays dense.
func (r *Recorder) releaseVersion(gameID string, version int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.versions[gameID] == version {
		r.versions[gameID]--
	}
}

func (r *Recorder) debouncerFor(gameID string) *debouncer {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.debouncers[gameID]
	if !ok {
		d = newDebouncer(r.window)
		r.debouncers[gameID] = d
	}
	return d
}

// ResumeResult is what a caller needs to pick a session back up.
type ResumeResult struct {
	State         game.State
	LocalVersion  int64
	ServerVersion int64
	PendingEvents []events.GameEvent
	NeedsSync     bool
}

// Resume returns the latest snapshot's state plus any events newer than
// it. When NeedsSync is set, callers must replay PendingEvents onto
// State before presenting it: the snapshot alone may lag the true state
// at the moment of a crash. Returns nil when the game was never
// persisted.
func (r *Recorder) Resume(gameID string) (*ResumeResult, error) {
	snap, err := r.store.LatestSnapshot(gameID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}

	newer, err := r.store.EventsSince(gameID, snap.LocalVersion)
	if err != nil {
		return nil, err
	}
	pendingCount, err := r.store.CountPendingEvents(gameID)
	if err != nil {
		return nil, err
	}

	return &ResumeResult{
		State:         snap.State,
		LocalVersion:  snap.LocalVersion,
		ServerVersion: snap.ServerVersion,
		PendingEvents: newer,
		NeedsSync:     snap.Dirty || pendingCount > 0,
	}, nil
}
