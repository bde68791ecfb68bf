package replay

import (
	"fmt"

	"github.com/tallyhq/tally/internal/game"
)

// ValidateState checks structural invariants on a replayed state and
// returns every violation found. Violations are reported, never
// auto-corrected.
func ValidateState(s game.State) []string {
	var problems []string

	if s.Players == nil {
		problems = append(problems, "players list is missing")
	}
	if s.Rounds == nil {
		problems = append(problems, "rounds list is missing")
	}
	for i, r := range s.Rounds {
		if r.Status == game.RoundCompleted && len(r.Scores) == 0 {
			problems = append(problems, fmt.Sprintf("round %d completed without scores", i))
		}
	}
	if s.CurrentRound < 0 || s.CurrentRound > len(s.Rounds) {
		problems = append(problems,
			fmt.Sprintf("current round %d out of range [0, %d]", s.CurrentRound, len(s.Rounds)))
	}

	return problems
}
