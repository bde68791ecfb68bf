// Package replay reconstructs session state by folding an ordered event
// list onto a base snapshot. It is pure: the caller's base state is
// cloned, events are applied by creation timestamp, and a malformed
// event is recorded and skipped rather than aborting recovery.
package replay

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tallyhq/tally/internal/events"
	"github.com/tallyhq/tally/internal/game"
)

// EventError pairs a failed event with the reducer error it produced.
type EventError struct {
	Event events.GameEvent
	Err   error
}

// Result is the outcome of a replay.
type Result struct {
	State          game.State
	Errors         []EventError
	EventsReplayed int
}

// Replay folds events onto a clone of base. Events are stable-sorted by
// creation timestamp first, so effective order is defined by when each
// mutation happened, not by arrival order; ties keep insertion order.
func Replay(base game.State, evs []events.GameEvent) Result {
	state := base.Clone()

	sorted := make([]events.GameEvent, len(evs))
	copy(sorted, evs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	result := Result{}
	for _, ev := range sorted {
		if err := Apply(&state, ev); err != nil {
			if errors.Is(err, events.ErrUnknownAction) {
				// Forward compatibility: a newer client may emit types this
				// build has never seen. Leave state unchanged and move on.
				slog.Warn("replay: skipping unknown action", "event", ev.ID, "action", ev.Action)
				result.EventsReplayed++
				continue
			}
			slog.Warn("replay: event failed", "event", ev.ID, "action", ev.Action, "err", err)
			result.Errors = append(result.Errors, EventError{Event: ev, Err: err})
			continue
		}
		result.EventsReplayed++
	}

	result.State = state
	return result
}

// Apply dispatches a single event to its reducer. The switch over the
// decoded payload is exhaustive for the canonical action set.
func Apply(state *game.State, ev events.GameEvent) error {
	payload, err := events.DecodePayload(ev)
	if err != nil {
		return err
	}

	switch p := payload.(type) {
	case *events.GameStartPayload:
		state.Status = game.StatusActive
		t := p.StartedAt
		state.StartedAt = &t

	case *events.GameCompletePayload:
		state.Status = game.StatusCompleted
		t := p.EndedAt
		state.EndedAt = &t

	case *events.RoundStartPayload:
		if p.Index < 0 {
			return fmt.Errorf("round_start: negative index %d", p.Index)
		}
		state.EnsureRound(p.Index)
		state.Rounds[p.Index].Status = game.RoundActive
		state.CurrentRound = p.Index

	case *events.RoundCompletePayload:
		if p.Index < 0 {
			return fmt.Errorf("round_complete: negative index %d", p.Index)
		}
		state.EnsureRound(p.Index)
		r := &state.Rounds[p.Index]
		r.Status = game.RoundCompleted
		t := p.CompletedAt
		r.CompletedAt = &t
		state.CurrentRound = p.Index + 1

	case *events.ScoreUpdatePayload:
		if p.Entry.PlayerID == "" {
			return fmt.Errorf("score_update: missing player id")
		}
		state.EnsureRound(p.RoundIndex)
		state.Rounds[p.RoundIndex].UpsertScore(p.Entry)

	case *events.ScoreBatchPayload:
		state.EnsureRound(p.RoundIndex)
		for _, entry := range p.Entries {
			if entry.PlayerID == "" {
				return fmt.Errorf("score_batch: entry missing player id")
			}
			state.Rounds[p.RoundIndex].UpsertScore(entry)
		}

	case *events.BidSetPayload:
		state.EnsureRound(p.RoundIndex)
		upsertField(&state.Rounds[p.RoundIndex], p.PlayerID, func(e *game.ScoreEntry) {
			e.Bid = p.Bid
		})

	case *events.TrickSetPayload:
		state.EnsureRound(p.RoundIndex)
		upsertField(&state.Rounds[p.RoundIndex], p.PlayerID, func(e *game.ScoreEntry) {
			e.Tricks = p.Tricks
		})

	case *events.PlayerAddPayload:
		// Idempotent: re-adding the same id changes nothing.
		if state.FindPlayer(p.Player.ID) < 0 {
			state.Players = append(state.Players, p.Player)
		}

	case *events.PlayerRemovePayload:
		if i := state.FindPlayer(p.PlayerID); i >= 0 {
			state.Players = append(state.Players[:i], state.Players[i+1:]...)
		}

	case *events.PlayerUpdatePayload:
		if i := state.FindPlayer(p.Player.ID); i >= 0 {
			state.Players[i] = p.Player
		}

	case *events.StateRestorePayload:
		*state = p.State.Clone()

	case *events.StateMergePayload:
		state.Merge(p.Patch)

	default:
		return fmt.Errorf("%w: %T", events.ErrUnknownAction, payload)
	}

	return nil
}

// upsertField updates one field of a player's round entry, creating the
// entry if the player has none in that round yet.
func upsertField(r *game.Round, playerID string, set func(*game.ScoreEntry)) {
	for i := range r.Scores {
		if r.Scores[i].PlayerID == playerID {
			set(&r.Scores[i])
			return
		}
	}
	entry := game.ScoreEntry{PlayerID: playerID}
	set(&entry)
	r.Scores = append(r.Scores, entry)
}
