package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tallyhq/tally/internal/bus"
	"github.com/tallyhq/tally/internal/events"
	"github.com/tallyhq/tally/internal/game"
	"github.com/tallyhq/tally/internal/output"
	"github.com/tallyhq/tally/internal/persist"
	"github.com/tallyhq/tally/internal/platform"
	"github.com/tallyhq/tally/internal/replay"
	"github.com/tallyhq/tally/internal/syncconfig"
)

var gameCmd = &cobra.Command{
	Use:     "game",
	Short:   "Record games, players and scores",
	GroupID: "game",
}

var gameNewCmd = &cobra.Command{
	Use:   "new [id]",
	Short: "Start a new game",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		gameID := ""
		if len(args) > 0 {
			gameID = args[0]
		}
		if gameID == "" {
			gameID = "game-" + uuid.NewString()[:8]
		}

		return withRecorder(func(rec *persist.Recorder) error {
			if resume, err := rec.Resume(gameID); err != nil {
				output.Error("%v", err)
				return err
			} else if resume != nil {
				output.Error("game %s already exists", gameID)
				return fmt.Errorf("game exists")
			}

			now := time.Now().UTC()
			state := game.NewState()
			state.Status = game.StatusActive
			state.StartedAt = &now

			if err := rec.Record(gameID, "", events.ActionGameStart, events.GameStartPayload{StartedAt: now}, state); err != nil {
				output.Error("record game start: %v", err)
				return err
			}

			output.Success("Started game %s", gameID)
			return nil
		})
	},
}

var gameJoinCmd = &cobra.Command{
	Use:   "join <game> <player-name>",
	Short: "Add a player to a game",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		gameID, name := args[0], args[1]

		return withRecorder(func(rec *persist.Recorder) error {
			state, err := currentState(rec, gameID)
			if err != nil {
				return err
			}

			player := game.Player{
				ID:   "p-" + uuid.NewString()[:8],
				Name: name,
				Seat: len(state.Players),
			}
			state.Players = append(state.Players, player)

			if err := rec.Record(gameID, "", events.ActionPlayerAdd, events.PlayerAddPayload{Player: player}, state); err != nil {
				output.Error("record player: %v", err)
				return err
			}

			output.Success("Added %s (%s) to %s", name, player.ID, gameID)
			return nil
		})
	},
}

var gameScoreCmd = &cobra.Command{
	Use:   "score <game> <player> <points>",
	Short: "Record a player's points for a round",
	Long: `Records a score entry for a player. The round defaults to the game's
current round; --bid and --tricks attach bid/trick values to the entry.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		gameID := args[0]
		points, err := strconv.Atoi(args[2])
		if err != nil {
			output.Error("invalid points %q", args[2])
			return err
		}

		return withRecorder(func(rec *persist.Recorder) error {
			state, err := currentState(rec, gameID)
			if err != nil {
				return err
			}

			playerID, err := findPlayer(state, args[1])
			if err != nil {
				output.Error("%v", err)
				return err
			}

			roundIdx, _ := cmd.Flags().GetInt("round")
			if roundIdx < 0 {
				roundIdx = state.CurrentRound
			}
			bid, _ := cmd.Flags().GetInt("bid")
			tricks, _ := cmd.Flags().GetInt("tricks")

			entry := game.ScoreEntry{PlayerID: playerID, Bid: bid, Tricks: tricks, Points: points}
			state.EnsureRound(roundIdx)
			state.Rounds[roundIdx].Status = game.RoundActive
			state.Rounds[roundIdx].UpsertScore(entry)

			payload := events.ScoreUpdatePayload{RoundIndex: roundIdx, Entry: entry}
			if err := rec.Record(gameID, "", events.ActionScoreUpdate, payload, state); err != nil {
				output.Error("record score: %v", err)
				return err
			}

			output.Success("Round %d: %s scored %d", roundIdx+1, args[1], points)
			return nil
		})
	},
}

var gameRoundCmd = &cobra.Command{
	Use:   "round <game>",
	Short: "Complete the current round",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		gameID := args[0]

		return withRecorder(func(rec *persist.Recorder) error {
			state, err := currentState(rec, gameID)
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			idx := state.CurrentRound
			state.EnsureRound(idx)
			state.Rounds[idx].Status = game.RoundCompleted
			state.Rounds[idx].CompletedAt = &now
			state.CurrentRound = idx + 1

			payload := events.RoundCompletePayload{Index: idx, CompletedAt: now}
			if err := rec.Record(gameID, "", events.ActionRoundComplete, payload, state); err != nil {
				output.Error("record round: %v", err)
				return err
			}

			output.Success("Completed round %d of %s", idx+1, gameID)
			return nil
		})
	},
}

var gameFinishCmd = &cobra.Command{
	Use:   "finish <game>",
	Short: "Mark a game as completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		gameID := args[0]

		return withRecorder(func(rec *persist.Recorder) error {
			state, err := currentState(rec, gameID)
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			state.Status = game.StatusCompleted
			state.EndedAt = &now

			if err := rec.Record(gameID, "", events.ActionGameComplete, events.GameCompletePayload{EndedAt: now}, state); err != nil {
				output.Error("record game complete: %v", err)
				return err
			}

			output.Success("Finished %s", gameID)
			fmt.Print(output.Scoreboard(state))
			return nil
		})
	},
}

var gameShowCmd = &cobra.Command{
	Use:   "show <game>",
	Short: "Show a game's current scoreboard",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		gameID := args[0]

		return withRecorder(func(rec *persist.Recorder) error {
			state, err := currentState(rec, gameID)
			if err != nil {
				return err
			}

			asJSON, _ := cmd.Flags().GetBool("json")
			if asJSON {
				return output.JSON(state)
			}
			fmt.Print(output.Scoreboard(state))
			for _, problem := range replay.ValidateState(state) {
				output.Warning("%s", problem)
			}
			return nil
		})
	},
}

// withRecorder wires a persistence recorder over the local store, runs
// fn, and tears down. Debounced writes still pending when fn returns
// are flushed, not cancelled: in a one-shot process the debounce window
// never elapses on its own, and a cancelled write is a mutation the
// user was told succeeded but never happened. A flush failure becomes
// the command's error.
func withRecorder(fn func(rec *persist.Recorder) error) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	rec, err := persist.NewRecorder(st, bus.New(), platform.NopScheduler{},
		persist.WithDebounce(syncconfig.GetAutoSyncDebounce()),
		persist.WithSnapshotKeep(syncconfig.GetSnapshotKeep()))
	if err != nil {
		output.Error("%v", err)
		return err
	}
	defer rec.Close()

	runErr := fn(rec)

	if err := rec.FlushAll(); err != nil {
		output.Error("flush pending writes: %v", err)
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

// currentState reconstructs a game's state: latest snapshot plus any
// events recorded after it.
func currentState(rec *persist.Recorder, gameID string) (game.State, error) {
	resume, err := rec.Resume(gameID)
	if err != nil {
		output.Error("%v", err)
		return game.State{}, err
	}
	if resume == nil {
		output.Error("unknown game %s (run: tally game new)", gameID)
		return game.State{}, fmt.Errorf("unknown game")
	}
	result := replay.Replay(resume.State, resume.PendingEvents)
	return result.State, nil
}

// findPlayer resolves a player reference by id or (case-insensitive) name.
func findPlayer(state game.State, ref string) (string, error) {
	for _, p := range state.Players {
		if p.ID == ref || strings.EqualFold(p.Name, ref) {
			return p.ID, nil
		}
	}
	return "", fmt.Errorf("no player %q in game", ref)
}

func init() {
	gameScoreCmd.Flags().Int("round", -1, "Round number (0-based; default current)")
	gameScoreCmd.Flags().Int("bid", 0, "Player's bid for the round")
	gameScoreCmd.Flags().Int("tricks", 0, "Tricks taken by the player")
	gameShowCmd.Flags().Bool("json", false, "Output as JSON")

	gameCmd.AddCommand(gameNewCmd, gameJoinCmd, gameScoreCmd, gameRoundCmd, gameFinishCmd, gameShowCmd)
	rootCmd.AddCommand(gameCmd)
}
