package persist

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tallyhq/tally/internal/bus"
	"github.com/tallyhq/tally/internal/events"
	"github.com/tallyhq/tally/internal/game"
	"github.com/tallyhq/tally/internal/platform"
	"github.com/tallyhq/tally/internal/replay"
	"github.com/tallyhq/tally/internal/store"
)

type captureScheduler struct {
	requests []string
}

func (c *captureScheduler) RequestSync(gameID string) {
	c.requests = append(c.requests, gameID)
}

func setupRecorder(t *testing.T, opts ...Option) (*Recorder, *store.Store) {
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

	rec, err := NewRecorder(st, bus.New(), platform.NopScheduler{}, opts...)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	t.Cleanup(rec.Close)
	return rec, st
}

func activeState() game.State {
	state := game.NewState()
	state.Status = game.StatusActive
	state.Players = []game.Player{{ID: "p1", Name: "Ada", Seat: 0}}
	return state
}

func TestPersistWritesSnapshotEventAndMetadata(t *testing.T) {
	rec, st := setupRecorder(t)
	state := activeState()

	snap, err := rec.Persist("g1", "u1", events.ActionGameStart, events.GameStartPayload{StartedAt: time.Now().UTC()}, state)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if snap.LocalVersion != 1 || !snap.Dirty || snap.SyncStatus != store.StatusPending {
		t.Fatalf("snapshot: %+v", snap)
	}

	pending, err := st.PendingEvents("g1")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].LocalVersion != 1 {
		t.Fatalf("events: %+v", pending)
	}

	meta, err := st.Metadata("g1")
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta.SyncStatus != store.StatusPending || meta.PendingEventsCount != 1 {
		t.Fatalf("metadata: %+v", meta)
	}
}

func TestPersistVersionsIncrement(t *testing.T) {
	rec, st := setupRecorder(t)
	state := activeState()

	for i := 0; i < 3; i++ {
		state.EnsureRound(0)
		state.Rounds[0].UpsertScore(game.ScoreEntry{PlayerID: "p1", Points: i})
		if _, err := rec.Persist("g1", "u1", events.ActionScoreUpdate, events.ScoreUpdatePayload{
			RoundIndex: 0,
			Entry:      game.ScoreEntry{PlayerID: "p1", Points: i},
		}, state); err != nil {
			t.Fatalf("persist %d: %v", i, err)
		}
	}

	max, err := st.MaxLocalVersion("g1")
	if err != nil {
		t.Fatalf("max version: %v", err)
	}
	if max != 3 {
		t.Fatalf("max version: got %d, want 3", max)
	}
}

func TestVersionCounterSeedsFromStore(t *testing.T) {
	rec, st := setupRecorder(t)
	state := activeState()

	if _, err := rec.Persist("g1", "u1", events.ActionGameStart, events.GameStartPayload{StartedAt: time.Now().UTC()}, state); err != nil {
		t.Fatalf("persist: %v", err)
	}

	// A second Recorder over the same store (fresh process) must continue
	// the sequence, not restart it.
	rec2, err := NewRecorder(st, bus.New(), platform.NopScheduler{})
	if err != nil {
		t.Fatalf("second recorder: %v", err)
	}
	t.Cleanup(rec2.Close)

	snap, err := rec2.Persist("g1", "u1", events.ActionPlayerAdd, events.PlayerAddPayload{
		Player: game.Player{ID: "p2", Name: "Grace", Seat: 1},
	}, state)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if snap.LocalVersion != 2 {
		t.Fatalf("version: got %d, want 2", snap.LocalVersion)
	}
}

func TestCriticalActionFlushesPendingDebounce(t *testing.T) {
	rec, st := setupRecorder(t, WithDebounce(time.Hour))
	state := activeState()

	// Debounced write sits in its window.
	rec.Record("g1", "u1", events.ActionBidSet, events.BidSetPayload{RoundIndex: 0, PlayerID: "p1", Bid: 3}, state)

	// The critical write must flush it first so versions stay ordered.
	if err := rec.Record("g1", "u1", events.ActionScoreUpdate, events.ScoreUpdatePayload{
		RoundIndex: 0,
		Entry:      game.ScoreEntry{PlayerID: "p1", Points: 10},
	}, state); err != nil {
		t.Fatalf("record: %v", err)
	}

	pending, err := st.PendingEvents("g1")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("events: got %d, want 2 (debounced write flushed before critical)", len(pending))
	}
	if pending[0].Action != events.ActionBidSet || pending[1].Action != events.ActionScoreUpdate {
		t.Fatalf("order: %s then %s", pending[0].Action, pending[1].Action)
	}
}

func TestDebounceCoalescesRapidWrites(t *testing.T) {
	rec, st := setupRecorder(t, WithDebounce(time.Hour))
	state := activeState()

	for bid := 1; bid <= 5; bid++ {
		rec.DebouncedPersist("g1", "u1", events.ActionBidSet, events.BidSetPayload{
			RoundIndex: 0, PlayerID: "p1", Bid: bid,
		}, state)
	}
	if err := rec.Flush("g1"); err != nil {
		t.Fatalf("flush: %v", err)
	}

	pending, err := st.PendingEvents("g1")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("events: got %d, want 1 (rapid writes coalesce)", len(pending))
	}
	decoded, err := events.DecodePayload(pending[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := decoded.(*events.BidSetPayload).Bid; got != 5 {
		t.Fatalf("surviving write: got bid %d, want 5", got)
	}
}

func TestCloseCancelsPendingWrites(t *testing.T) {
	rec, st := setupRecorder(t, WithDebounce(time.Hour))
	state := activeState()

	rec.DebouncedPersist("g1", "u1", events.ActionBidSet, events.BidSetPayload{RoundIndex: 0, PlayerID: "p1", Bid: 1}, state)
	rec.Close()

	pending, err := st.PendingEvents("g1")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("events after close: got %d, want 0", len(pending))
	}
}

func TestFlushAllPersistsDebouncedWritesBeforeClose(t *testing.T) {
	rec, st := setupRecorder(t, WithDebounce(time.Hour))
	state := activeState()

	// The one-shot CLI sequence: a non-critical action enters the
	// debounce window, the process tears down before the window elapses.
	if err := rec.Record("g1", "u1", events.ActionGameStart, events.GameStartPayload{StartedAt: time.Now().UTC()}, state); err != nil {
		t.Fatalf("record: %v", err)
	}
	rec.DebouncedPersist("g2", "u1", events.ActionBidSet, events.BidSetPayload{RoundIndex: 0, PlayerID: "p1", Bid: 2}, state)

	if err := rec.FlushAll(); err != nil {
		t.Fatalf("flush all: %v", err)
	}
	rec.Close()

	for _, gameID := range []string{"g1", "g2"} {
		res, err := rec.Resume(gameID)
		if err != nil {
			t.Fatalf("resume %s: %v", gameID, err)
		}
		if res == nil {
			t.Fatalf("%s dropped at teardown: resume returned nil", gameID)
		}
	}
	pending, err := st.PendingEvents("g1")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Action != events.ActionGameStart {
		t.Fatalf("events: %+v", pending)
	}
}

func TestPersistRequestsBackgroundSync(t *testing.T) {
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	st, err := store.OpenConn(conn)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sched := &captureScheduler{}
	rec, err := NewRecorder(st, bus.New(), sched)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	t.Cleanup(rec.Close)

	if _, err := rec.Persist("g1", "u1", events.ActionGameStart, events.GameStartPayload{StartedAt: time.Now().UTC()}, activeState()); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if len(sched.requests) != 1 || sched.requests[0] != "g1" {
		t.Fatalf("sync requests: %v", sched.requests)
	}
}

func TestPersistEnforcesSnapshotRetention(t *testing.T) {
	rec, st := setupRecorder(t, WithSnapshotKeep(3))
	state := activeState()

	for i := 0; i < 6; i++ {
		if _, err := rec.Persist("g1", "u1", events.ActionScoreUpdate, events.ScoreUpdatePayload{
			RoundIndex: 0,
			Entry:      game.ScoreEntry{PlayerID: "p1", Points: i},
		}, state); err != nil {
			t.Fatalf("persist %d: %v", i, err)
		}
	}

	count, err := st.SnapshotCount("g1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("snapshots retained: got %d, want 3", count)
	}
	latest, _ := st.LatestSnapshot("g1")
	if latest == nil || latest.LocalVersion != 6 {
		t.Fatalf("latest: %+v", latest)
	}
}

func TestResumeAfterCrashReportsPendingWork(t *testing.T) {
	rec, st := setupRecorder(t)
	state := activeState()

	snap, err := rec.Persist("g1", "u1", events.ActionGameStart, events.GameStartPayload{StartedAt: time.Now().UTC()}, state)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}

	// Simulate a crash that captured the event but lost the snapshot
	// write that would have followed: an event newer than any snapshot.
	orphan, err := events.New("g1", "u1", rec.ClientID(), events.ActionScoreUpdate, events.ScoreUpdatePayload{
		RoundIndex: 0,
		Entry:      game.ScoreEntry{PlayerID: "p1", Points: 10},
	}, snap.LocalVersion+1)
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	if err := st.SaveEvent(orphan); err != nil {
		t.Fatalf("save event: %v", err)
	}

	res, err := rec.Resume("g1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res == nil {
		t.Fatal("resume returned nil for persisted game")
	}
	if !res.NeedsSync {
		t.Error("needs sync not reported")
	}
	if len(res.PendingEvents) != 1 || res.PendingEvents[0].ID != orphan.ID {
		t.Fatalf("pending events: %+v", res.PendingEvents)
	}

	// Replaying the orphan onto the snapshot recovers the lost score.
	recovered := replay.Replay(res.State, res.PendingEvents)
	if len(recovered.Errors) != 0 {
		t.Fatalf("replay errors: %v", recovered.Errors)
	}
	if got := recovered.State.Rounds[0].Scores[0].Points; got != 10 {
		t.Errorf("recovered score: got %d, want 10", got)
	}
}

func TestResumeUnknownGame(t *testing.T) {
	rec, _ := setupRecorder(t)
	res, err := rec.Resume("never-persisted")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res != nil {
		t.Fatalf("resume: got %+v, want nil", res)
	}
}
