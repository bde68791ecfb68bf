// Package events defines the canonical event taxonomy for the sync
// system: the closed set of action types, the typed payload carried by
// each, and the GameEvent record that the store persists and the
// replayer folds.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tallyhq/tally/internal/game"
)

// ActionType is the canonical action type of an event.
type ActionType string

// Canonical action types.
const (
	ActionGameStart     ActionType = "game_start"
	ActionGameComplete  ActionType = "game_complete"
	ActionRoundStart    ActionType = "round_start"
	ActionRoundComplete ActionType = "round_complete"
	ActionScoreUpdate   ActionType = "score_update"
	ActionScoreBatch    ActionType = "score_batch"
	ActionBidSet        ActionType = "bid_set"
	ActionTrickSet      ActionType = "trick_set"
	ActionPlayerAdd     ActionType = "player_add"
	ActionPlayerRemove  ActionType = "player_remove"
	ActionPlayerUpdate  ActionType = "player_update"
	ActionStateRestore  ActionType = "state_restore"
	ActionStateMerge    ActionType = "state_merge"
)

// ErrUnknownAction is returned when decoding an action type this build
// does not recognize. Callers are expected to skip such events rather
// than abort (newer clients may introduce types an older replayer has
// never seen).
var ErrUnknownAction = errors.New("unknown action type")

// AllActionTypes returns all valid action types.
func AllActionTypes() map[ActionType]bool {
	return map[ActionType]bool{
		ActionGameStart:     true,
		ActionGameComplete:  true,
		ActionRoundStart:    true,
		ActionRoundComplete: true,
		ActionScoreUpdate:   true,
		ActionScoreBatch:    true,
		ActionBidSet:        true,
		ActionTrickSet:      true,
		ActionPlayerAdd:     true,
		ActionPlayerRemove:  true,
		ActionPlayerUpdate:  true,
		ActionStateRestore:  true,
		ActionStateMerge:    true,
	}
}

// IsValidActionType checks if the given action type string is valid.
func IsValidActionType(at string) bool {
	return AllActionTypes()[ActionType(at)]
}

// criticalActions persist immediately, bypassing the debounce window.
// Everything else may be coalesced.
var criticalActions = map[ActionType]bool{
	ActionGameComplete:  true,
	ActionRoundComplete: true,
	ActionScoreUpdate:   true,
	ActionScoreBatch:    true,
}

// IsCritical reports whether an action must be persisted synchronously.
func IsCritical(at ActionType) bool {
	return criticalActions[at]
}

// --- Typed payloads, one per action variant ---

// GameStartPayload starts a session.
type GameStartPayload struct {
	StartedAt time.Time `json:"started_at"`
}

// GameCompletePayload ends a session.
type GameCompletePayload struct {
	EndedAt time.Time `json:"ended_at"`
}

// RoundStartPayload opens (or re-opens) the round at Index and makes it
// current.
type RoundStartPayload struct {
	Index int `json:"index"`
}

// RoundCompletePayload marks the round at Index finished and advances
// the current-round pointer.
type RoundCompletePayload struct {
	Index       int       `json:"index"`
	CompletedAt time.Time `json:"completed_at"`
}

// ScoreUpdatePayload upserts one player's entry in a round.
type ScoreUpdatePayload struct {
	RoundIndex int             `json:"round_index"`
	Entry      game.ScoreEntry `json:"entry"`
}

// ScoreBatchPayload upserts several entries in one round at once.
type ScoreBatchPayload struct {
	RoundIndex int               `json:"round_index"`
	Entries    []game.ScoreEntry `json:"entries"`
}

// BidSetPayload records a player's bid for a round.
type BidSetPayload struct {
	RoundIndex int    `json:"round_index"`
	PlayerID   string `json:"player_id"`
	Bid        int    `json:"bid"`
}

// TrickSetPayload records tricks taken by a player in a round.
type TrickSetPayload struct {
	RoundIndex int    `json:"round_index"`
	PlayerID   string `json:"player_id"`
	Tricks     int    `json:"tricks"`
}

// PlayerAddPayload adds a player; re-adding the same id is a no-op.
type PlayerAddPayload struct {
	Player game.Player `json:"player"`
}

// PlayerRemovePayload removes a player by id.
type PlayerRemovePayload struct {
	PlayerID string `json:"player_id"`
}

// PlayerUpdatePayload replaces the player with the same id.
type PlayerUpdatePayload struct {
	Player game.Player `json:"player"`
}

// StateRestorePayload fully replaces session state.
type StateRestorePayload struct {
	State game.State `json:"state"`
}

// StateMergePayload shallow-merges a partial update.
type StateMergePayload struct {
	Patch game.Patch `json:"patch"`
}

// GameEvent is one persisted state mutation. IDs are generated client
// side and globally unique, so re-saving or re-submitting the same
// event is idempotent.
type GameEvent struct {
	ID            string          `json:"id"`
	GameID        string          `json:"game_id"`
	Action        ActionType      `json:"action_type"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
	LocalVersion  int64           `json:"local_version"`
	UserID        string          `json:"user_id"`
	ClientID      string          `json:"client_id"`
	Acknowledged  bool            `json:"acknowledged"`
	ServerVersion int64           `json:"server_version,omitempty"`
}

// New builds an event with a fresh unique id and creation timestamp.
// The payload is serialized immediately, so later mutation of the
// caller's objects cannot corrupt the stored event.
func New(gameID, userID, clientID string, action ActionType, payload any, localVersion int64) (GameEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return GameEvent{}, fmt.Errorf("marshal %s payload: %w", action, err)
	}
	return GameEvent{
		ID:           uuid.NewString(),
		GameID:       gameID,
		Action:       action,
		Payload:      raw,
		Timestamp:    time.Now().UTC(),
		LocalVersion: localVersion,
		UserID:       userID,
		ClientID:     clientID,
	}, nil
}

// DecodePayload unmarshals an event's payload into its typed form. The
// switch is exhaustive over the canonical action set; anything else is
// ErrUnknownAction.
func DecodePayload(e GameEvent) (any, error) {
	decode := func(v any) (any, error) {
		if err := json.Unmarshal(e.Payload, v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", e.Action, err)
		}
		return v, nil
	}
	switch e.Action {
	case ActionGameStart:
		return decode(&GameStartPayload{})
	case ActionGameComplete:
		return decode(&GameCompletePayload{})
	case ActionRoundStart:
		return decode(&RoundStartPayload{})
	case ActionRoundComplete:
		return decode(&RoundCompletePayload{})
	case ActionScoreUpdate:
		return decode(&ScoreUpdatePayload{})
	case ActionScoreBatch:
		return decode(&ScoreBatchPayload{})
	case ActionBidSet:
		return decode(&BidSetPayload{})
	case ActionTrickSet:
		return decode(&TrickSetPayload{})
	case ActionPlayerAdd:
		return decode(&PlayerAddPayload{})
	case ActionPlayerRemove:
		return decode(&PlayerRemovePayload{})
	case ActionPlayerUpdate:
		return decode(&PlayerUpdatePayload{})
	case ActionStateRestore:
		return decode(&StateRestorePayload{})
	case ActionStateMerge:
		return decode(&StateMergePayload{})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, e.Action)
	}
}
