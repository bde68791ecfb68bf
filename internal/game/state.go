// Package game defines the in-memory model of a scoring session: the
// players at the table, the rounds played so far, and the per-player
// entries (bid, tricks taken, points) recorded in each round.
package game

import "time"

// Session status values.
const (
	StatusSetup     = "setup"
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// Round status values.
const (
	RoundPending   = "pending"
	RoundActive    = "active"
	RoundCompleted = "completed"
)

// Player is a participant in the session.
type Player struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Seat   int    `json:"seat"`
	Dealer bool   `json:"dealer,omitempty"`
}

// ScoreEntry is one player's line in a round: their bid, the tricks they
// took, and the points awarded. Entries are keyed by PlayerID within a
// round; writing an entry for an existing player replaces it.
type ScoreEntry struct {
	PlayerID string `json:"player_id"`
	Bid      int    `json:"bid"`
	Tricks   int    `json:"tricks"`
	Points   int    `json:"points"`
}

// Round is a single hand of the game.
type Round struct {
	Index       int          `json:"index"`
	Status      string       `json:"status"`
	Scores      []ScoreEntry `json:"scores"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// State is the full session state carried by snapshots and rebuilt by
// replay. It is a plain value: callers that hand it to the replayer get
// back a fresh copy, never a mutated original.
type State struct {
	Status       string     `json:"status"`
	Players      []Player   `json:"players"`
	Rounds       []Round    `json:"rounds"`
	CurrentRound int        `json:"current_round"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// NewState returns an empty session in setup status.
func NewState() State {
	return State{
		Status:  StatusSetup,
		Players: []Player{},
		Rounds:  []Round{},
	}
}

// Clone returns a deep copy of the state. Slices are re-allocated so the
// copy shares no memory with the original.
func (s State) Clone() State {
	out := s
	out.Players = make([]Player, len(s.Players))
	copy(out.Players, s.Players)
	out.Rounds = make([]Round, len(s.Rounds))
	for i, r := range s.Rounds {
		rc := r
		rc.Scores = make([]ScoreEntry, len(r.Scores))
		copy(rc.Scores, r.Scores)
		if r.CompletedAt != nil {
			t := *r.CompletedAt
			rc.CompletedAt = &t
		}
		out.Rounds[i] = rc
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	return out
}

// Patch is a partial state update applied by a state-merge event. Nil
// fields are left untouched; non-nil fields replace the corresponding
// state field wholesale (shallow merge).
type Patch struct {
	Status       *string   `json:"status,omitempty"`
	Players      *[]Player `json:"players,omitempty"`
	Rounds       *[]Round  `json:"rounds,omitempty"`
	CurrentRound *int      `json:"current_round,omitempty"`
}

// Merge applies a patch to the state in place.
func (s *State) Merge(p Patch) {
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.Players != nil {
		s.Players = *p.Players
	}
	if p.Rounds != nil {
		s.Rounds = *p.Rounds
	}
	if p.CurrentRound != nil {
		s.CurrentRound = *p.CurrentRound
	}
}

// FindPlayer returns the index of the player with the given id, or -1.
func (s *State) FindPlayer(id string) int {
	for i, p := range s.Players {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// EnsureRound grows the rounds slice so index is addressable, filling
// gaps with pending rounds.
func (s *State) EnsureRound(index int) {
	for len(s.Rounds) <= index {
		s.Rounds = append(s.Rounds, Round{Index: len(s.Rounds), Status: RoundPending})
	}
}

// UpsertScore writes a score entry into the addressed round, replacing
// any existing entry for the same player. The round's score list is
// created if absent, so re-applying the same entry is a no-op in effect.
func (r *Round) UpsertScore(e ScoreEntry) {
	for i, existing := range r.Scores {
		if existing.PlayerID == e.PlayerID {
			r.Scores[i] = e
			return
		}
	}
	r.Scores = append(r.Scores, e)
}

// Totals returns cumulative points per player id across completed rounds.
func (s *State) Totals() map[string]int {
	totals := make(map[string]int, len(s.Players))
	for _, p := range s.Players {
		totals[p.ID] = 0
	}
	for _, r := range s.Rounds {
		for _, e := range r.Scores {
			totals[e.PlayerID] += e.Points
		}
	}
	return totals
}
