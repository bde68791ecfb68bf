package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tallyhq/tally/internal/bus"
	"github.com/tallyhq/tally/internal/events"
	"github.com/tallyhq/tally/internal/game"
	"github.com/tallyhq/tally/internal/resolve"
	"github.com/tallyhq/tally/internal/store"
	"github.com/tallyhq/tally/internal/syncclient"
)

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	st, err := store.OpenConn(conn)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// newManager wires a manager against an httptest handler with the given
// conflict policy.
func newManager(t *testing.T, st *store.Store, handler http.Handler, policy resolve.Strategy) *Manager {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := syncclient.New(srv.URL, "", "c1")
	return New(st, client, resolve.New(st, client, policy), bus.New())
}

func seedPending(t *testing.T, st *store.Store, gameID string, n int) []events.GameEvent {
	t.Helper()
	state := game.NewState()
	state.Status = game.StatusActive
	state.Players = []game.Player{{ID: "p1", Name: "Ada", Seat: 0}}

	var out []events.GameEvent
	for v := 1; v <= n; v++ {
		ev, err := events.New(gameID, "u1", "c1", events.ActionScoreUpdate, events.ScoreUpdatePayload{
			RoundIndex: 0,
			Entry:      game.ScoreEntry{PlayerID: "p1", Points: v},
		}, int64(v))
		if err != nil {
			t.Fatalf("new event: %v", err)
		}
		ev.Timestamp = time.Now().UTC().Add(time.Duration(v) * time.Millisecond)
		if err := st.SaveEvent(ev); err != nil {
			t.Fatalf("save event: %v", err)
		}
		out = append(out, ev)
	}

	snap := store.Snapshot{
		ID:           store.SnapshotID(gameID, int64(n)),
		GameID:       gameID,
		LocalVersion: int64(n),
		State:        state,
		Timestamp:    time.Now().UTC(),
		Dirty:        true,
		SyncStatus:   store.StatusPending,
	}
	if err := st.SaveSnapshot(snap); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	if err := st.WithTx(func(tx *sql.Tx) error {
		if _, err := store.MetadataTx(tx, gameID); err != nil {
			return err
		}
		return store.RefreshPendingCountTx(tx, gameID)
	}); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	return out
}

// applyAllHandler acknowledges every pushed event at the given version.
func applyAllHandler(serverVersion int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req syncclient.PushRequest
		json.NewDecoder(r.Body).Decode(&req)
		resp := syncclient.PushResponse{ServerVersion: serverVersion}
		for _, ev := range req.Events {
			resp.AppliedEvents = append(resp.AppliedEvents, ev.ID)
		}
		json.NewEncoder(w).Encode(resp)
	})
}

func failingHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
}

func TestRetryDelayLadder(t *testing.T) {
	want := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	for i, w := range want {
		if got := retryDelay(i + 1); got != w {
			t.Errorf("retry %d: got %v, want %v", i+1, got, w)
		}
	}
}

func TestSyncGameSuccess(t *testing.T) {
	st := setupStore(t)
	seedPending(t, st, "g1", 2)
	m := newManager(t, st, applyAllHandler(10), resolve.Unresolved)

	var kinds []Kind
	m.AddListener(func(n Notification) { kinds = append(kinds, n.Kind) })

	res, err := m.SyncGame(context.Background(), "g1", false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !res.Synced || res.EventsSynced != 2 || res.ServerVersion != 10 {
		t.Fatalf("result: %+v", res)
	}

	count, _ := st.CountPendingEvents("g1")
	if count != 0 {
		t.Errorf("pending after sync: got %d, want 0", count)
	}
	meta, _ := st.Metadata("g1")
	if meta.SyncStatus != store.StatusSynced || meta.LastSyncedVersion != 10 {
		t.Fatalf("metadata: %+v", meta)
	}
	if meta.PendingEventsCount != 0 || meta.RetryCount != 0 || meta.NextRetryAt != nil {
		t.Fatalf("metadata not reset: %+v", meta)
	}
	snap, _ := st.LatestSnapshot("g1")
	if snap.Dirty || snap.SyncStatus != store.StatusSynced {
		t.Fatalf("snapshot not settled: %+v", snap)
	}
	if len(kinds) != 2 || kinds[0] != KindSyncStart || kinds[1] != KindSyncComplete {
		t.Fatalf("notifications: %v", kinds)
	}
}

func TestSyncGameAcknowledgesOnlyAppliedEvents(t *testing.T) {
	st := setupStore(t)
	evs := seedPending(t, st, "g1", 3)

	// Server applies all but the last event.
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req syncclient.PushRequest
		json.NewDecoder(r.Body).Decode(&req)
		resp := syncclient.PushResponse{ServerVersion: 10}
		for _, ev := range req.Events[:len(req.Events)-1] {
			resp.AppliedEvents = append(resp.AppliedEvents, ev.ID)
		}
		json.NewEncoder(w).Encode(resp)
	})
	m := newManager(t, st, handler, resolve.Unresolved)

	res, err := m.SyncGame(context.Background(), "g1", false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.EventsSynced != 2 {
		t.Fatalf("events synced: got %d, want 2", res.EventsSynced)
	}

	left, _ := st.PendingEvents("g1")
	if len(left) != 1 || left[0].ID != evs[2].ID {
		t.Fatalf("surviving pending: %+v", left)
	}
	meta, _ := st.Metadata("g1")
	if meta.PendingEventsCount != 1 {
		t.Errorf("pending count: got %d, want 1", meta.PendingEventsCount)
	}
}

func TestSyncGameFailureSchedulesBackoff(t *testing.T) {
	st := setupStore(t)
	seedPending(t, st, "g1", 1)
	m := newManager(t, st, failingHandler(), resolve.Unresolved)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.nowFunc = func() time.Time { return now }

	if _, err := m.SyncGame(context.Background(), "g1", false); err == nil {
		t.Fatal("expected error from failing server")
	}

	meta, _ := st.Metadata("g1")
	if meta.SyncStatus != store.StatusError || meta.RetryCount != 1 {
		t.Fatalf("metadata: %+v", meta)
	}
	if meta.LastError == "" {
		t.Error("last error not recorded")
	}
	wantNext := now.Add(2 * time.Second)
	if meta.NextRetryAt == nil || !meta.NextRetryAt.Equal(wantNext) {
		t.Fatalf("next retry: got %v, want %v", meta.NextRetryAt, wantNext)
	}

	// Second consecutive failure doubles the delay.
	if _, err := m.SyncGame(context.Background(), "g1", false); err == nil {
		t.Fatal("expected error")
	}
	meta, _ = st.Metadata("g1")
	if meta.RetryCount != 2 {
		t.Fatalf("retry count: got %d, want 2", meta.RetryCount)
	}
	wantNext = now.Add(4 * time.Second)
	if meta.NextRetryAt == nil || !meta.NextRetryAt.Equal(wantNext) {
		t.Fatalf("next retry: got %v, want %v", meta.NextRetryAt, wantNext)
	}

	// The pending event is untouched by failures.
	count, _ := st.CountPendingEvents("g1")
	if count != 1 {
		t.Errorf("pending after failure: got %d, want 1", count)
	}
}

func TestSyncGameOfflineSkips(t *testing.T) {
	st := setupStore(t)
	seedPending(t, st, "g1", 1)
	m := newManager(t, st, applyAllHandler(10), resolve.Unresolved)
	m.SetOnline(false)

	res, err := m.SyncGame(context.Background(), "g1", false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Skipped != SkipOffline {
		t.Fatalf("result: %+v", res)
	}

	// Recording continued offline; coming back online syncs everything.
	m.SetOnline(true)
	res, err = m.SyncGame(context.Background(), "g1", false)
	if err != nil {
		t.Fatalf("sync after reconnect: %v", err)
	}
	if !res.Synced || res.EventsSynced != 1 {
		t.Fatalf("result after reconnect: %+v", res)
	}
}

func TestSyncGameForceBypassesGates(t *testing.T) {
	st := setupStore(t)
	seedPending(t, st, "g1", 1)
	m := newManager(t, st, applyAllHandler(10), resolve.Unresolved)

	m.SetOnline(false)
	if err := m.Pause("g1"); err != nil {
		t.Fatalf("pause: %v", err)
	}

	res, err := m.SyncGame(context.Background(), "g1", true)
	if err != nil {
		t.Fatalf("forced sync: %v", err)
	}
	if !res.Synced || res.EventsSynced != 1 {
		t.Fatalf("result: %+v", res)
	}
}

func TestSyncGamePausedSkips(t *testing.T) {
	st := setupStore(t)
	seedPending(t, st, "g1", 1)
	m := newManager(t, st, applyAllHandler(10), resolve.Unresolved)

	if err := m.Pause("g1"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	res, err := m.SyncGame(context.Background(), "g1", false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Skipped != SkipPaused {
		t.Fatalf("result: %+v", res)
	}

	if err := m.Resume("g1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	meta, _ := st.Metadata("g1")
	if meta.SyncStatus != store.StatusPending {
		t.Fatalf("status after resume with pending work: %q", meta.SyncStatus)
	}
}

func TestSyncGameRefusesReentry(t *testing.T) {
	st := setupStore(t)
	m := newManager(t, st, applyAllHandler(10), resolve.Unresolved)

	if !m.acquire("g1") {
		t.Fatal("acquire failed on idle game")
	}
	res, err := m.SyncGame(context.Background(), "g1", false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Skipped != SkipAlreadySyncing {
		t.Fatalf("result: %+v", res)
	}
	m.release("g1")
}

func TestSyncGameNothingToSync(t *testing.T) {
	st := setupStore(t)
	// Leave the game in a stale error state with no actual work.
	meta, _ := st.Metadata("g1")
	meta.SyncStatus = store.StatusError
	meta.RetryCount = 3
	next := time.Now().UTC()
	meta.NextRetryAt = &next
	if err := st.SaveMetadata(meta); err != nil {
		t.Fatalf("save metadata: %v", err)
	}

	var called bool
	m := newManager(t, st, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}), resolve.Unresolved)

	res, err := m.SyncGame(context.Background(), "g1", false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !res.Synced {
		t.Fatalf("result: %+v", res)
	}
	if called {
		t.Error("no-work sync still hit the server")
	}
	meta, _ = st.Metadata("g1")
	if meta.SyncStatus != store.StatusSynced || meta.RetryCount != 0 || meta.NextRetryAt != nil {
		t.Fatalf("stale metadata not settled: %+v", meta)
	}
}

func TestSyncGameIdleNeverSettlesConflict(t *testing.T) {
	st := setupStore(t)
	// A conflicted game whose pending work was already cleared: the
	// no-work path must leave the conflict standing, even when forced.
	// Only resolution clears hasConflict.
	meta, _ := st.Metadata("g1")
	meta.SyncStatus = store.StatusConflict
	meta.HasConflict = true
	if err := st.SaveMetadata(meta); err != nil {
		t.Fatalf("save metadata: %v", err)
	}

	var called bool
	m := newManager(t, st, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}), resolve.Unresolved)

	for _, force := range []bool{false, true} {
		res, err := m.SyncGame(context.Background(), "g1", force)
		if err != nil {
			t.Fatalf("sync force=%v: %v", force, err)
		}
		if res.Skipped != SkipConflict {
			t.Fatalf("force=%v: %+v", force, res)
		}
	}
	if called {
		t.Error("conflicted no-work sync hit the server")
	}
	meta, _ = st.Metadata("g1")
	if !meta.HasConflict || meta.SyncStatus != store.StatusConflict {
		t.Fatalf("conflict settled by idleness: %+v", meta)
	}
}

func TestSyncGameUnresolvedConflictParks(t *testing.T) {
	st := setupStore(t)
	seedPending(t, st, "g1", 2)

	serverState := game.NewState()
	serverState.Status = game.StatusActive
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(syncclient.ConflictResponse{Snapshot: serverState, ServerVersion: 30})
	})
	m := newManager(t, st, handler, resolve.Unresolved)

	res, err := m.SyncGame(context.Background(), "g1", false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Skipped != SkipConflict || res.Resolution == nil || res.Resolution.Strategy != resolve.Unresolved {
		t.Fatalf("result: %+v", res)
	}

	count, _ := st.CountPendingEvents("g1")
	if count != 2 {
		t.Errorf("pending preserved: got %d, want 2", count)
	}
	meta, _ := st.Metadata("g1")
	if !meta.HasConflict || meta.SyncStatus != store.StatusConflict {
		t.Fatalf("metadata: %+v", meta)
	}

	// A later automatic sync is blocked until somebody resolves.
	res, err = m.SyncGame(context.Background(), "g1", false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Skipped != SkipConflict {
		t.Fatalf("conflict did not block retry: %+v", res)
	}
}

func TestSyncGameConflictResolvedByPolicy(t *testing.T) {
	st := setupStore(t)
	seedPending(t, st, "g1", 2)

	serverState := game.NewState()
	serverState.Status = game.StatusActive
	serverState.Players = []game.Player{{ID: "p9", Name: "Remote", Seat: 0}}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(syncclient.ConflictResponse{Snapshot: serverState, ServerVersion: 30})
	})
	m := newManager(t, st, handler, resolve.ServerWins)

	var installed []int64
	m.bus.Subscribe(func(msg bus.StateChanged) { installed = append(installed, msg.LocalVersion) })

	res, err := m.SyncGame(context.Background(), "g1", false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !res.Synced || res.Resolution == nil || res.Resolution.Strategy != resolve.ServerWins {
		t.Fatalf("result: %+v", res)
	}

	count, _ := st.CountPendingEvents("g1")
	if count != 0 {
		t.Errorf("pending after server wins: got %d, want 0", count)
	}
	snap, _ := st.LatestSnapshot("g1")
	if len(snap.State.Players) != 1 || snap.State.Players[0].ID != "p9" {
		t.Fatalf("server state not installed: %+v", snap.State.Players)
	}
	if len(installed) != 1 || installed[0] != snap.LocalVersion {
		t.Fatalf("state-changed publications: %v (snapshot at %d)", installed, snap.LocalVersion)
	}
}

func TestSetOnlineNotifiesOnTransition(t *testing.T) {
	st := setupStore(t)
	m := newManager(t, st, applyAllHandler(1), resolve.Unresolved)

	var kinds []Kind
	m.AddListener(func(n Notification) { kinds = append(kinds, n.Kind) })

	m.SetOnline(true) // no change
	m.SetOnline(false)
	m.SetOnline(false) // no change
	m.SetOnline(true)

	if len(kinds) != 2 || kinds[0] != KindOffline || kinds[1] != KindOnline {
		t.Fatalf("notifications: %v", kinds)
	}
}

func TestListenerPanicDoesNotBreakSync(t *testing.T) {
	st := setupStore(t)
	seedPending(t, st, "g1", 1)
	m := newManager(t, st, applyAllHandler(10), resolve.Unresolved)

	m.AddListener(func(Notification) { panic("broken listener") })

	res, err := m.SyncGame(context.Background(), "g1", false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !res.Synced {
		t.Fatalf("result: %+v", res)
	}
}

func TestStatusMessages(t *testing.T) {
	ts := time.Date(2026, 3, 1, 15, 4, 5, 0, time.UTC)
	cases := []struct {
		name   string
		meta   store.Metadata
		online bool
		want   string
	}{
		{"synced", store.Metadata{SyncStatus: store.StatusSynced}, true, "All changes saved"},
		{"one pending", store.Metadata{SyncStatus: store.StatusPending, PendingEventsCount: 1}, true, "1 change pending"},
		{"many pending", store.Metadata{SyncStatus: store.StatusPending, PendingEventsCount: 4}, true, "4 changes pending"},
		{"syncing", store.Metadata{SyncStatus: store.StatusSyncing}, true, "Syncing..."},
		{"conflict", store.Metadata{SyncStatus: store.StatusConflict, HasConflict: true}, true, "Sync conflict — run 'tally conflicts resolve'"},
		{"paused", store.Metadata{SyncStatus: store.StatusPaused}, true, "Sync paused"},
		{"offline pending", store.Metadata{SyncStatus: store.StatusPending, PendingEventsCount: 2}, false, "Offline — 2 changes pending"},
		{"offline clean", store.Metadata{SyncStatus: store.StatusSynced}, false, "Offline — all changes saved locally"},
		{"error with retry", store.Metadata{SyncStatus: store.StatusError, NextRetryAt: &ts}, true,
			"Sync error — retrying at " + ts.Local().Format("15:04:05")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := statusMessage(tc.meta, tc.online); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}
