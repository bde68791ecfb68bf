// Package resolve reconciles divergent local and server state for a
// game. Whatever strategy is chosen, the snapshot store, event log and
// metadata are updated in one transaction so they can never disagree,
// and the pending-count invariant survives.
package resolve

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tallyhq/tally/internal/events"
	"github.com/tallyhq/tally/internal/game"
	"github.com/tallyhq/tally/internal/replay"
	"github.com/tallyhq/tally/internal/store"
	"github.com/tallyhq/tally/internal/syncclient"
)

// Strategy is a conflict resolution verdict.
type Strategy string

// Resolution strategies.
const (
	// ServerWins discards local pending changes and adopts server state.
	// Pending events are acknowledged against the new server version
	// without being applied.
	ServerWins Strategy = "server_wins"
	// ClientWins force-pushes the local snapshot, overriding the server.
	// Reserved for explicit user override.
	ClientWins Strategy = "client_wins"
	// Merged folds local pending events onto the server's state and
	// installs the result as the new synced snapshot.
	Merged Strategy = "merged"
	// Unresolved leaves the conflict standing for manual action. Nothing
	// is acknowledged or dropped.
	Unresolved Strategy = "unresolved"
)

// Conflict describes a detected version divergence.
type Conflict struct {
	GameID        string
	Local         *store.Snapshot
	Pending       []events.GameEvent
	Remote        game.State
	ServerVersion int64
}

// Outcome reports what a resolution did. LocalVersion is the version of
// the snapshot left installed locally; zero when nothing was installed.
type Outcome struct {
	Strategy      Strategy
	State         game.State
	LocalVersion  int64
	ServerVersion int64
	EventsCleared int
}

// Resolver applies resolution strategies against the store and, for
// client-wins and merge, the remote server.
type Resolver struct {
	store   *store.Store
	client  *syncclient.Client
	policy  Strategy
	nowFunc func() time.Time
}

// New builds a resolver. policy is the strategy chosen when a conflict
// arrives without an explicit user decision; Unresolved is the safe
// default and the only policy that never discards or overrides data on
// its own.
func New(st *store.Store, client *syncclient.Client, policy Strategy) *Resolver {
	if policy == "" {
		policy = Unresolved
	}
	return &Resolver{store: st, client: client, policy: policy, nowFunc: time.Now}
}

// Policy returns the automatic strategy.
func (r *Resolver) Policy() Strategy {
	return r.policy
}

// ResolveAuto applies the configured policy. Called by the sync manager
// when the server reports a version conflict.
func (r *Resolver) ResolveAuto(ctx context.Context, c Conflict) (Outcome, error) {
	return r.Resolve(ctx, c, r.policy)
}

// Resolve applies an explicit strategy.
func (r *Resolver) Resolve(ctx context.Context, c Conflict, strategy Strategy) (Outcome, error) {
	switch strategy {
	case ServerWins:
		return r.serverWins(c)
	case ClientWins:
		return r.clientWins(ctx, c)
	case Merged:
		return r.merge(ctx, c)
	case Unresolved:
		return r.unresolved(c)
	default:
		return Outcome{}, fmt.Errorf("unknown strategy %q", strategy)
	}
}

// serverWins installs the server's state and acknowledges (discards)
// every pending event against the server version.
func (r *Resolver) serverWins(c Conflict) (Outcome, error) {
	version := c.localVersion() + 1
	outcome := Outcome{Strategy: ServerWins, State: c.Remote, LocalVersion: version, ServerVersion: c.ServerVersion}
	err := r.store.WithTx(func(tx *sql.Tx) error {
		if err := r.installSnapshot(tx, c, c.Remote, version, c.ServerVersion); err != nil {
			return err
		}
		cleared, err := store.AcknowledgeEventsTx(tx, eventIDs(c.Pending), c.ServerVersion)
		if err != nil {
			return err
		}
		outcome.EventsCleared = int(cleared)
		if err := r.markResolved(tx, c, c.ServerVersion); err != nil {
			return err
		}
		return r.logConflict(tx, c, ServerWins)
	})
	return outcome, err
}

// clientWins force-pushes the local snapshot and, on acknowledgment,
// marks everything synced at the server version the override produced.
func (r *Resolver) clientWins(ctx context.Context, c Conflict) (Outcome, error) {
	if c.Local == nil {
		return Outcome{}, fmt.Errorf("client_wins: no local snapshot to push")
	}
	ack, err := r.client.ForcePushSnapshot(ctx, c.GameID, c.Local.State, c.Local.LocalVersion)
	if err != nil {
		return Outcome{}, fmt.Errorf("force push: %w", err)
	}

	outcome := Outcome{Strategy: ClientWins, State: c.Local.State, LocalVersion: c.Local.LocalVersion, ServerVersion: ack.ServerVersion}
	err = r.store.WithTx(func(tx *sql.Tx) error {
		cleared, err := store.AcknowledgeEventsTx(tx, eventIDs(c.Pending), ack.ServerVersion)
		if err != nil {
			return err
		}
		outcome.EventsCleared = int(cleared)
		if err := store.MarkSnapshotSyncedTx(tx, c.GameID, ack.ServerVersion); err != nil {
			return err
		}
		if err := r.markResolved(tx, c, ack.ServerVersion); err != nil {
			return err
		}
		return r.logConflict(tx, c, ClientWins)
	})
	return outcome, err
}

// merge folds the local pending events onto the server's state, pushes
// the merged result, and installs it as the new synced snapshot with
// its own version.
func (r *Resolver) merge(ctx context.Context, c Conflict) (Outcome, error) {
	merged := MergeStates(c.Remote, c.Pending)
	version := c.localVersion() + 1

	ack, err := r.client.ForcePushSnapshot(ctx, c.GameID, merged, version)
	if err != nil {
		return Outcome{}, fmt.Errorf("push merged state: %w", err)
	}

	outcome := Outcome{Strategy: Merged, State: merged, LocalVersion: version, ServerVersion: ack.ServerVersion}
	err = r.store.WithTx(func(tx *sql.Tx) error {
		if err := r.installSnapshot(tx, c, merged, version, ack.ServerVersion); err != nil {
			return err
		}
		cleared, err := store.AcknowledgeEventsTx(tx, eventIDs(c.Pending), ack.ServerVersion)
		if err != nil {
			return err
		}
		outcome.EventsCleared = int(cleared)
		if err := r.markResolved(tx, c, ack.ServerVersion); err != nil {
			return err
		}
		return r.logConflict(tx, c, Merged)
	})
	return outcome, err
}

// unresolved parks the game in conflict status. Pending events are
// untouched: nothing is silently dropped, and automatic retry stays
// blocked until a person decides.
func (r *Resolver) unresolved(c Conflict) (Outcome, error) {
	outcome := Outcome{Strategy: Unresolved, ServerVersion: c.ServerVersion}
	err := r.store.WithTx(func(tx *sql.Tx) error {
		meta, err := store.MetadataTx(tx, c.GameID)
		if err != nil {
			return err
		}
		meta.SyncStatus = store.StatusConflict
		meta.HasConflict = true
		meta.NextRetryAt = nil
		if err := store.SaveMetadataTx(tx, meta); err != nil {
			return err
		}
		return r.logConflict(tx, c, Unresolved)
	})
	return outcome, err
}

// MergeStates replays pending local events on top of the server's
// state, ordered by creation timestamp. Events the server state cannot
// absorb are skipped; the merge prefers losing one malformed entry over
// losing the session.
func MergeStates(serverState game.State, pending []events.GameEvent) game.State {
	result := replay.Replay(serverState, pending)
	for _, ee := range result.Errors {
		slog.Warn("merge: event skipped", "event", ee.Event.ID, "err", ee.Err)
	}
	return result.State
}

// installSnapshot writes a resolution snapshot marked clean and synced.
func (r *Resolver) installSnapshot(tx *sql.Tx, c Conflict, state game.State, localVersion, serverVersion int64) error {
	return store.SaveSnapshotTx(tx, store.Snapshot{
		ID:            store.SnapshotID(c.GameID, localVersion),
		GameID:        c.GameID,
		LocalVersion:  localVersion,
		ServerVersion: serverVersion,
		State:         state,
		UserID:        localUserID(c),
		Timestamp:     r.nowFunc().UTC(),
		Dirty:         false,
		SyncStatus:    store.StatusSynced,
	})
}

// markResolved clears conflict and retry state and stamps the ack.
func (r *Resolver) markResolved(tx *sql.Tx, c Conflict, serverVersion int64) error {
	meta, err := store.MetadataTx(tx, c.GameID)
	if err != nil {
		return err
	}
	now := r.nowFunc().UTC()
	meta.LastSyncedVersion = serverVersion
	meta.LastServerAck = &now
	meta.SyncStatus = store.StatusSynced
	meta.HasConflict = false
	meta.RetryCount = 0
	meta.NextRetryAt = nil
	meta.LastError = ""
	if err := store.SaveMetadataTx(tx, meta); err != nil {
		return err
	}
	return store.RefreshPendingCountTx(tx, c.GameID)
}

func (r *Resolver) logConflict(tx *sql.Tx, c Conflict, strategy Strategy) error {
	var localState json.RawMessage
	var localVersion int64
	if c.Local != nil {
		localState, _ = json.Marshal(c.Local.State)
		localVersion = c.Local.LocalVersion
	}
	remoteState, _ := json.Marshal(c.Remote)
	return store.RecordConflictTx(tx, store.ConflictRecord{
		GameID:        c.GameID,
		Strategy:      string(strategy),
		LocalVersion:  localVersion,
		ServerVersion: c.ServerVersion,
		LocalState:    localState,
		RemoteState:   remoteState,
		ResolvedAt:    r.nowFunc().UTC(),
	})
}

func (c Conflict) localVersion() int64 {
	var v int64
	if c.Local != nil {
		v = c.Local.LocalVersion
	}
	for _, ev := range c.Pending {
		if ev.LocalVersion > v {
			v = ev.LocalVersion
		}
	}
	return v
}

func localUserID(c Conflict) string {
	if c.Local != nil {
		return c.Local.UserID
	}
	return ""
}

func eventIDs(evs []events.GameEvent) []string {
	ids := make([]string, len(evs))
	for i, ev := range evs {
		ids[i] = ev.ID
	}
	return ids
}
