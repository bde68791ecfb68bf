package events

import (
	"errors"
	"testing"
	"time"

	"github.com/tallyhq/tally/internal/game"
)

func TestNewSerializesPayloadImmediately(t *testing.T) {
	entry := game.ScoreEntry{PlayerID: "p1", Points: 10}
	payload := ScoreUpdatePayload{RoundIndex: 0, Entry: entry}

	ev, err := New("g1", "u1", "c1", ActionScoreUpdate, payload, 1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	// Mutating the caller's payload afterwards must not affect the event.
	payload.Entry.Points = 999

	decoded, err := DecodePayload(ev)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := decoded.(*ScoreUpdatePayload)
	if got.Entry.Points != 10 {
		t.Errorf("payload captured late: got %d, want 10", got.Entry.Points)
	}
}

func TestNewAssignsUniqueIDs(t *testing.T) {
	a, err := New("g1", "u1", "c1", ActionGameStart, GameStartPayload{StartedAt: time.Now().UTC()}, 1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	b, err := New("g1", "u1", "c1", ActionGameStart, GameStartPayload{StartedAt: time.Now().UTC()}, 2)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("ids not unique: %q vs %q", a.ID, b.ID)
	}
}

func TestDecodePayloadUnknownAction(t *testing.T) {
	ev, err := New("g1", "u1", "c1", ActionScoreUpdate, ScoreUpdatePayload{}, 1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ev.Action = "wild_card"

	_, err = DecodePayload(ev)
	if !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("error: got %v, want ErrUnknownAction", err)
	}
}

func TestIsValidActionType(t *testing.T) {
	for at := range AllActionTypes() {
		if !IsValidActionType(string(at)) {
			t.Errorf("%q reported invalid", at)
		}
	}
	if IsValidActionType("wild_card") {
		t.Error("unknown action reported valid")
	}
}

func TestIsCritical(t *testing.T) {
	critical := []ActionType{ActionGameComplete, ActionRoundComplete, ActionScoreUpdate, ActionScoreBatch}
	for _, at := range critical {
		if !IsCritical(at) {
			t.Errorf("%q should be critical", at)
		}
	}
	for _, at := range []ActionType{ActionBidSet, ActionPlayerAdd, ActionGameStart} {
		if IsCritical(at) {
			t.Errorf("%q should be debounced", at)
		}
	}
}
