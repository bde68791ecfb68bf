package cmd

import (
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/tallyhq/tally/internal/output"
	"github.com/tallyhq/tally/internal/resolve"
	"github.com/tallyhq/tally/internal/syncer"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	Short:   "Inspect and resolve sync conflicts",
	GroupID: "sync",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list [game]",
	Short: "List unresolved conflicts, or a game's conflict history",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if len(args) == 1 {
			gameID := args[0]
			records, err := st.RecentConflicts(gameID, 20)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			if len(records) == 0 {
				output.Info("No conflict history for %s.", gameID)
				return nil
			}
			fmt.Print(output.SectionHeader("conflict history"))
			for _, rec := range records {
				fmt.Printf("  %s  %-12s local v%d vs server v%d\n",
					rec.ResolvedAt.Local().Format("2006-01-02 15:04:05"),
					rec.Strategy, rec.LocalVersion, rec.ServerVersion)
			}
			return nil
		}

		ids, err := st.GameIDs()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		found := 0
		for _, gameID := range ids {
			meta, err := st.Metadata(gameID)
			if err != nil || !meta.HasConflict {
				continue
			}
			found++
			fmt.Printf("%-24s %s  %d pending event(s)\n", gameID, output.StatusBadge(meta.SyncStatus), meta.PendingEventsCount)
		}
		if found == 0 {
			output.Info("No unresolved conflicts.")
		}
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <game>",
	Short: "Resolve a game's sync conflict",
	Long: `Re-attempts sync with an explicit conflict strategy:

  server  adopt the server's state, discarding local pending changes
  client  force-push local state, overriding the server
  merge   replay local pending changes on top of the server's state

Without --strategy an interactive picker is shown.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		gameID := args[0]

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		meta, err := st.Metadata(gameID)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if !meta.HasConflict {
			output.Info("%s has no unresolved conflict.", gameID)
			return nil
		}

		name, _ := cmd.Flags().GetString("strategy")
		strategy, err := pickStrategy(name)
		if err != nil {
			return err
		}

		client, err := buildClient(st)
		if err != nil {
			return err
		}
		resolver := resolve.New(st, client, strategy)
		mgr := syncer.New(st, client, resolver, nil)

		result, err := mgr.SyncGame(cmdContext(), gameID, true)
		if err != nil {
			output.Error("resolve %s: %v", gameID, err)
			return err
		}
		reportSync(result)
		return nil
	},
}

// pickStrategy maps a flag value to a strategy, or asks interactively.
func pickStrategy(name string) (resolve.Strategy, error) {
	switch name {
	case "server":
		return resolve.ServerWins, nil
	case "client":
		return resolve.ClientWins, nil
	case "merge":
		return resolve.Merged, nil
	case "":
	default:
		return "", fmt.Errorf("unknown strategy %q (want server, client or merge)", name)
	}

	var strategy resolve.Strategy
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[resolve.Strategy]().
				Title("Resolve conflict how?").
				Options(
					huh.NewOption("Keep server state (discard local changes)", resolve.ServerWins),
					huh.NewOption("Keep local state (override server)", resolve.ClientWins),
					huh.NewOption("Merge local changes onto server state", resolve.Merged),
				).
				Value(&strategy),
		),
	)
	if err := form.Run(); err != nil {
		return "", err
	}
	return strategy, nil
}

func init() {
	conflictsResolveCmd.Flags().String("strategy", "", "Resolution strategy: server, client or merge")
	conflictsCmd.AddCommand(conflictsListCmd, conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
