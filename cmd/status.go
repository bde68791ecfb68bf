package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tallyhq/tally/internal/output"
)

var statusCmd = &cobra.Command{
	Use:     "status [game]",
	Short:   "Show sync status for one game or all games",
	GroupID: "sync",
	Args:    cobra.MaximumNArgs(1),
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

		asJSON, _ := cmd.Flags().GetBool("json")

		if len(args) == 1 {
			gameID := args[0]
			meta, err := st.Metadata(gameID)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			if asJSON {
				return output.JSON(meta)
			}
			message, _ := mgr.StatusMessage(gameID)
			fmt.Printf("%s — %s\n", gameID, message)
			fmt.Print(output.SyncSummary(meta))
			return nil
		}

		ids, err := st.GameIDs()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if len(ids) == 0 {
			output.Info("No games recorded yet.")
			return nil
		}

		for _, gameID := range ids {
			meta, err := st.Metadata(gameID)
			if err != nil {
				output.Error("%s: %v", gameID, err)
				continue
			}
			fmt.Printf("%-24s %s  %d pending\n", gameID, output.StatusBadge(meta.SyncStatus), meta.PendingEventsCount)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(statusCmd)
}
