package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tallyhq/tally/internal/output"
	"github.com/tallyhq/tally/internal/syncer"
)

var syncCmd = &cobra.Command{
	Use:     "sync [game]",
	Short:   "Push pending changes to the sync server",
	GroupID: "sync",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		all, _ := cmd.Flags().GetBool("all")

		if len(args) == 0 && !all {
			output.Error("specify a game or use --all")
			return fmt.Errorf("no game given")
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		mgr, err := buildManager(st, nil)
		if err != nil {
			return err
		}

		if all {
			sweep := mgr.SyncAllPendingGames(cmdContext(), force)
			output.Info("Synced %d of %d game(s)", sweep.Synced, sweep.Attempted)
			for gameID, gameErr := range sweep.Errors {
				output.Error("%s: %v", gameID, gameErr)
			}
			return sweep.Err()
		}

		gameID := args[0]
		result, err := mgr.SyncGame(cmdContext(), gameID, force)
		if err != nil {
			output.Error("sync %s: %v", gameID, err)
			return err
		}
		reportSync(result)
		return nil
	},
}

// reportSync prints a one-sync result.
func reportSync(result syncer.Result) {
	switch {
	case result.Skipped == syncer.SkipConflict:
		output.Warning("%s has an unresolved conflict (run: tally conflicts resolve %s)", result.GameID, result.GameID)
	case result.Skipped != "":
		output.Warning("%s skipped: %s", result.GameID, result.Skipped)
	case result.Resolution != nil:
		output.Success("%s: conflict resolved (%s), server at version %d", result.GameID, result.Resolution.Strategy, result.ServerVersion)
	case result.EventsSynced == 0:
		output.Success("%s: nothing to sync", result.GameID)
	default:
		output.Success("%s: synced %d event(s), server at version %d", result.GameID, result.EventsSynced, result.ServerVersion)
	}
}

var pauseCmd = &cobra.Command{
	Use:     "pause <game>",
	Short:   "Pause automatic sync for a game",
	GroupID: "sync",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		mgr, err := buildManager(st, nil)
		if err != nil {
			return err
		}
		if err := mgr.Pause(args[0]); err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("Paused sync for %s", args[0])
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:     "resume <game>",
	Short:   "Resume automatic sync for a paused game",
	GroupID: "sync",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		mgr, err := buildManager(st, nil)
		if err != nil {
			return err
		}
		if err := mgr.Resume(args[0]); err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("Resumed sync for %s", args[0])
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("force", false, "Sync even when offline, paused or conflicted")
	syncCmd.Flags().Bool("all", false, "Sync every known game")
	rootCmd.AddCommand(syncCmd, pauseCmd, resumeCmd)
}
