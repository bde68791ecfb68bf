// Package syncer pushes locally recorded game events to the sync server
// and keeps per-game sync metadata honest: one sync in flight per game,
// capped exponential backoff on failure, and conflict handling delegated
// to the resolver.
package syncer

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tallyhq/tally/internal/bus"
	"github.com/tallyhq/tally/internal/events"
	"github.com/tallyhq/tally/internal/resolve"
	"github.com/tallyhq/tally/internal/store"
	"github.com/tallyhq/tally/internal/syncclient"
)

// Retry delays double from baseRetryDelay per consecutive failure and
// cap at maxRetryDelay: 2s, 4s, 8s, 16s, 32s, 60s, 60s, ...
const (
	baseRetryDelay = time.Second
	maxRetryDelay  = 60 * time.Second
)

// Skip reasons returned in Result.Skipped when no sync was attempted.
const (
	SkipAlreadySyncing = "already_syncing"
	SkipOffline        = "offline"
	SkipPaused         = "paused"
	SkipConflict       = "conflict"
)

// Result reports the outcome of one sync attempt for one game.
type Result struct {
	GameID        string
	Synced        bool
	Skipped       string
	EventsSynced  int
	ServerVersion int64
	Resolution    *resolve.Outcome
}

// Manager coordinates sync for all games. Construct with New; all
// collaborators are injected.
type Manager struct {
	store    *store.Store
	client   *syncclient.Client
	resolver *resolve.Resolver
	bus      *bus.Bus
	nowFunc  func() time.Time

	mu        sync.Mutex
	inFlight  map[string]bool
	online    bool
	listeners []Listener
}

// New builds a sync manager. bus may be nil when no UI needs change
// notifications.
func New(st *store.Store, client *syncclient.Client, resolver *resolve.Resolver, b *bus.Bus) *Manager {
	return &Manager{
		store:    st,
		client:   client,
		resolver: resolver,
		bus:      b,
		nowFunc:  time.Now,
		inFlight: make(map[string]bool),
		online:   true,
	}
}

// Online reports the manager's current connectivity belief.
func (m *Manager) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a connectivity transition. Going offline is an
// in-memory flip only: nothing in the store changes, recording continues
// as usual. Going online emits a notification so the retry loop can
// sweep pending games.
func (m *Manager) SetOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()
	if !changed {
		return
	}
	if online {
		m.notify(Notification{Kind: KindOnline})
	} else {
		m.notify(Notification{Kind: KindOffline})
	}
}

// SyncGame pushes a game's pending events. force bypasses the offline,
// paused and conflict gates (used by explicit `tally sync`); it does not
// bypass the one-in-flight-per-game rule.
func (m *Manager) SyncGame(ctx context.Context, gameID string, force bool) (Result, error) {
	if !m.acquire(gameID) {
		return Result{GameID: gameID, Skipped: SkipAlreadySyncing}, nil
	}
	defer m.release(gameID)

	if !m.Online() && !force {
		return Result{GameID: gameID, Skipped: SkipOffline}, nil
	}

	meta, err := m.store.Metadata(gameID)
	if err != nil {
		return Result{GameID: gameID}, fmt.Errorf("load sync metadata: %w", err)
	}
	if meta.SyncStatus == store.StatusPaused && !force {
		return Result{GameID: gameID, Skipped: SkipPaused}, nil
	}
	if meta.HasConflict && !force {
		// An unresolved conflict blocks automatic sync until someone
		// picks a resolution.
		return Result{GameID: gameID, Skipped: SkipConflict}, nil
	}

	pending, err := m.store.PendingEvents(gameID)
	if err != nil {
		return Result{GameID: gameID}, fmt.Errorf("load pending events: %w", err)
	}
	snap, err := m.store.LatestSnapshot(gameID)
	if err != nil {
		return Result{GameID: gameID}, fmt.Errorf("load snapshot: %w", err)
	}

	// Nothing to push: settle the metadata and stop. A standing conflict
	// is never settled by idleness, forced or not.
	if len(pending) == 0 && (snap == nil || !snap.Dirty) {
		if meta.HasConflict {
			return Result{GameID: gameID, Skipped: SkipConflict}, nil
		}
		if err := m.markIdle(gameID); err != nil {
			return Result{GameID: gameID}, err
		}
		return Result{GameID: gameID, Synced: true, ServerVersion: meta.LastSyncedVersion}, nil
	}

	m.notify(Notification{Kind: KindSyncStart, GameID: gameID, Pending: len(pending)})
	if err := m.markSyncing(gameID); err != nil {
		return Result{GameID: gameID}, err
	}

	slog.Debug("pushing events", "game", gameID, "events", len(pending), "base_version", meta.LastSyncedVersion)
	resp, conflict, err := m.client.PushEvents(ctx, gameID, meta.LastSyncedVersion, pending)
	switch {
	case conflict != nil:
		return m.handleConflict(ctx, gameID, snap, pending, conflict)
	case err != nil:
		return m.handleFailure(gameID, err)
	}
	return m.handleSuccess(gameID, resp)
}

// handleSuccess acknowledges exactly the events the server applied and
// settles metadata at the new server version, all in one transaction.
func (m *Manager) handleSuccess(gameID string, resp *syncclient.PushResponse) (Result, error) {
	var acked int64
	err := m.store.WithTx(func(tx *sql.Tx) error {
		var err error
		acked, err = store.AcknowledgeEventsTx(tx, resp.AppliedEvents, resp.ServerVersion)
		if err != nil {
			return err
		}
		if err := store.MarkSnapshotSyncedTx(tx, gameID, resp.ServerVersion); err != nil {
			return err
		}
		return m.markSuccessTx(tx, gameID, resp.ServerVersion)
	})
	if err != nil {
		return Result{GameID: gameID}, fmt.Errorf("finalize sync: %w", err)
	}

	if int(acked) < len(resp.AppliedEvents) {
		slog.Debug("some applied events were already acknowledged", "game", gameID, "applied", len(resp.AppliedEvents), "acked", acked)
	}
	slog.Info("sync complete", "game", gameID, "events", len(resp.AppliedEvents), "server_version", resp.ServerVersion)
	m.notify(Notification{Kind: KindSyncComplete, GameID: gameID, EventsSynced: len(resp.AppliedEvents)})
	return Result{
		GameID:        gameID,
		Synced:        true,
		EventsSynced:  len(resp.AppliedEvents),
		ServerVersion: resp.ServerVersion,
	}, nil
}

// handleConflict hands the divergence to the resolver under the
// configured policy.
func (m *Manager) handleConflict(ctx context.Context, gameID string, snap *store.Snapshot, pending []events.GameEvent, conflict *syncclient.ConflictResponse) (Result, error) {
	slog.Warn("sync conflict", "game", gameID, "server_version", conflict.ServerVersion, "policy", m.resolver.Policy())

	outcome, err := m.resolver.ResolveAuto(ctx, resolve.Conflict{
		GameID:        gameID,
		Local:         snap,
		Pending:       pending,
		Remote:        conflict.Snapshot,
		ServerVersion: conflict.ServerVersion,
	})
	if err != nil {
		return m.handleFailure(gameID, fmt.Errorf("resolve conflict: %w", err))
	}

	m.notify(Notification{Kind: KindSyncConflict, GameID: gameID, Strategy: outcome.Strategy})
	if outcome.Strategy == resolve.Unresolved {
		return Result{GameID: gameID, Skipped: SkipConflict, Resolution: &outcome}, nil
	}

	// The resolver installed a new snapshot; let open views reload.
	if m.bus != nil && outcome.LocalVersion > 0 {
		m.bus.Publish(bus.StateChanged{GameID: gameID, LocalVersion: outcome.LocalVersion, At: m.nowFunc()})
	}
	m.notify(Notification{Kind: KindSyncComplete, GameID: gameID, EventsSynced: outcome.EventsCleared})
	return Result{
		GameID:        gameID,
		Synced:        true,
		EventsSynced:  outcome.EventsCleared,
		ServerVersion: outcome.ServerVersion,
		Resolution:    &outcome,
	}, nil
}

// handleFailure records the failure and schedules the next retry with
// capped exponential backoff.
func (m *Manager) handleFailure(gameID string, cause error) (Result, error) {
	err := m.store.WithTx(func(tx *sql.Tx) error {
		meta, err := store.MetadataTx(tx, gameID)
		if err != nil {
			return err
		}
		now := m.nowFunc().UTC()
		meta.RetryCount++
		next := now.Add(retryDelay(meta.RetryCount))
		meta.SyncStatus = store.StatusError
		meta.LastError = cause.Error()
		meta.LastAttemptAt = &now
		meta.NextRetryAt = &next
		return store.SaveMetadataTx(tx, meta)
	})
	if err != nil {
		slog.Error("record sync failure", "game", gameID, "err", err)
	}
	slog.Warn("sync failed", "game", gameID, "err", cause)
	m.notify(Notification{Kind: KindSyncError, GameID: gameID, Err: cause})
	return Result{GameID: gameID}, cause
}

// markSyncing flips metadata to syncing and stamps the attempt.
func (m *Manager) markSyncing(gameID string) error {
	return m.store.WithTx(func(tx *sql.Tx) error {
		meta, err := store.MetadataTx(tx, gameID)
		if err != nil {
			return err
		}
		now := m.nowFunc().UTC()
		meta.SyncStatus = store.StatusSyncing
		meta.LastAttemptAt = &now
		return store.SaveMetadataTx(tx, meta)
	})
}

// markSuccessTx resets retry and conflict state after a successful push.
func (m *Manager) markSuccessTx(tx *sql.Tx, gameID string, serverVersion int64) error {
	meta, err := store.MetadataTx(tx, gameID)
	if err != nil {
		return err
	}
	now := m.nowFunc().UTC()
	meta.LastSyncedVersion = serverVersion
	meta.LastServerAck = &now
	meta.LastAttemptAt = &now
	meta.SyncStatus = store.StatusSynced
	meta.HasConflict = false
	meta.RetryCount = 0
	meta.NextRetryAt = nil
	meta.LastError = ""
	return store.SaveMetadataTx(tx, meta)
}

// markIdle settles a game with no pending work as synced. A conflicted
// game is never settled here: clearing HasConflict is resolution's job,
// and a synced status alongside a standing conflict flag would lie.
func (m *Manager) markIdle(gameID string) error {
	return m.store.WithTx(func(tx *sql.Tx) error {
		meta, err := store.MetadataTx(tx, gameID)
		if err != nil {
			return err
		}
		if meta.HasConflict {
			return nil
		}
		if meta.SyncStatus == store.StatusSynced && meta.RetryCount == 0 {
			return nil
		}
		meta.SyncStatus = store.StatusSynced
		meta.RetryCount = 0
		meta.NextRetryAt = nil
		meta.LastError = ""
		if err := store.SaveMetadataTx(tx, meta); err != nil {
			return err
		}
		return store.RefreshPendingCountTx(tx, gameID)
	})
}

// Pause stops automatic sync for a game until Resume.
func (m *Manager) Pause(gameID string) error {
	return m.setStatus(gameID, store.StatusPaused)
}

// Resume re-enables sync for a paused game. The game lands in pending
// or synced depending on whether work is outstanding.
func (m *Manager) Resume(gameID string) error {
	return m.store.WithTx(func(tx *sql.Tx) error {
		meta, err := store.MetadataTx(tx, gameID)
		if err != nil {
			return err
		}
		if meta.SyncStatus != store.StatusPaused {
			return nil
		}
		if meta.PendingEventsCount > 0 {
			meta.SyncStatus = store.StatusPending
		} else {
			meta.SyncStatus = store.StatusSynced
		}
		return store.SaveMetadataTx(tx, meta)
	})
}

func (m *Manager) setStatus(gameID string, status store.Status) error {
	return m.store.WithTx(func(tx *sql.Tx) error {
		meta, err := store.MetadataTx(tx, gameID)
		if err != nil {
			return err
		}
		meta.SyncStatus = status
		return store.SaveMetadataTx(tx, meta)
	})
}

func (m *Manager) acquire(gameID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight[gameID] {
		return false
	}
	m.inFlight[gameID] = true
	return true
}

func (m *Manager) release(gameID string) {
	m.mu.Lock()
	delete(m.inFlight, gameID)
	m.mu.Unlock()
}

// retryDelay returns the backoff delay for the given consecutive
// failure count (1-based).
func retryDelay(retryCount int) time.Duration {
	d := baseRetryDelay
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return d
}
