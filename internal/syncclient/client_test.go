package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tallyhq/tally/internal/events"
	"github.com/tallyhq/tally/internal/game"
)

func testEvents(t *testing.T, n int) []events.GameEvent {
	t.Helper()
	var out []events.GameEvent
	for i := 0; i < n; i++ {
		ev, err := events.New("g1", "u1", "c1", events.ActionScoreUpdate, events.ScoreUpdatePayload{
			RoundIndex: 0,
			Entry:      game.ScoreEntry{PlayerID: "p1", Points: i},
		}, int64(i+1))
		if err != nil {
			t.Fatalf("new event: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

func TestPushEventsSuccess(t *testing.T) {
	var gotReq PushRequest
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/games/g1/events" {
			t.Errorf("path: %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(PushResponse{
			ServerVersion: 12,
			AppliedEvents: []string{gotReq.Events[0].ID},
		})
	}))
	defer srv.Close()

	client := New(srv.URL, "secret", "client-1")
	evs := testEvents(t, 2)

	resp, conflict, err := client.PushEvents(context.Background(), "g1", 5, evs)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if conflict != nil {
		t.Fatalf("unexpected conflict: %+v", conflict)
	}
	if resp.ServerVersion != 12 || len(resp.AppliedEvents) != 1 {
		t.Fatalf("response: %+v", resp)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("auth header: %q", gotAuth)
	}
	if gotReq.ClientID != "client-1" || gotReq.BaseVersion != 5 || len(gotReq.Events) != 2 {
		t.Fatalf("request: %+v", gotReq)
	}
	if _, err := time.Parse(time.RFC3339Nano, gotReq.Events[0].Timestamp); err != nil {
		t.Errorf("timestamp not RFC3339: %q", gotReq.Events[0].Timestamp)
	}
}

func TestPushEventsConflict(t *testing.T) {
	serverState := game.NewState()
	serverState.Status = game.StatusActive
	serverState.Players = []game.Player{{ID: "p9", Name: "Remote", Seat: 0}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(ConflictResponse{Snapshot: serverState, ServerVersion: 30})
	}))
	defer srv.Close()

	client := New(srv.URL, "", "client-1")
	resp, conflict, err := client.PushEvents(context.Background(), "g1", 5, testEvents(t, 1))

	if !errors.Is(err, ErrConflict) {
		t.Fatalf("error: got %v, want ErrConflict", err)
	}
	if resp != nil {
		t.Fatalf("response must be nil on conflict: %+v", resp)
	}
	if conflict == nil || conflict.ServerVersion != 30 {
		t.Fatalf("conflict: %+v", conflict)
	}
	if len(conflict.Snapshot.Players) != 1 || conflict.Snapshot.Players[0].ID != "p9" {
		t.Fatalf("server snapshot: %+v", conflict.Snapshot)
	}
}

func TestPushEventsErrorSentinels(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusNotFound, ErrNotFound},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			json.NewEncoder(w).Encode(map[string]string{"code": "err", "message": "nope"})
		}))
		client := New(srv.URL, "", "client-1")
		_, _, err := client.PushEvents(context.Background(), "g1", 0, testEvents(t, 1))
		srv.Close()

		if !errors.Is(err, tc.want) {
			t.Errorf("status %d: got %v, want %v", tc.status, err, tc.want)
		}
	}
}

func TestForcePushSnapshot(t *testing.T) {
	var gotReq ForcePushRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/games/g1/snapshots" {
			t.Errorf("path: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(ForcePushResponse{ServerVersion: 31})
	}))
	defer srv.Close()

	state := game.NewState()
	state.Status = game.StatusCompleted

	client := New(srv.URL, "", "client-1")
	resp, err := client.ForcePushSnapshot(context.Background(), "g1", state, 8)
	if err != nil {
		t.Fatalf("force push: %v", err)
	}
	if resp.ServerVersion != 31 {
		t.Fatalf("response: %+v", resp)
	}
	if !gotReq.Force || gotReq.LocalVersion != 8 {
		t.Fatalf("request: %+v", gotReq)
	}
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
	}))
	defer srv.Close()

	client := New(srv.URL, "", "client-1")
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	client = New(down.URL, "", "client-1")
	if err := client.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected error from unhealthy server")
	}
}
