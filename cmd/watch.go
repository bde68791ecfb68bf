package cmd

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/tallyhq/tally/internal/platform"
	"github.com/tallyhq/tally/internal/syncconfig"
	"github.com/tallyhq/tally/internal/syncer"
	"github.com/tallyhq/tally/internal/tui/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live sync-status monitor",
	Long: `Launch a live-updating view of every game's sync state, with a feed of
sync activity as it happens. Connectivity is probed against the sync
server; background retry keeps running while the monitor is open.

Key bindings:
  s   Sync all games now
  r   Force refresh
  ?   Toggle help
  q   Quit`,
	GroupID: "sync",
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

		interval, _ := cmd.Flags().GetDuration("interval")
		if interval < 500*time.Millisecond {
			interval = 2 * time.Second
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		// Feed manager notifications into the TUI. The buffer absorbs
		// bursts; the TUI drains between frames.
		notifications := make(chan syncer.Notification, 64)
		removeListener := mgr.AddListener(func(n syncer.Notification) {
			select {
			case notifications <- n:
			default:
			}
		})
		defer removeListener()

		client, err := buildClient(st)
		if err != nil {
			return err
		}
		prober := platform.NewProber(func(ctx context.Context) error {
			return client.HealthCheck(ctx)
		}, 15*time.Second)
		go prober.Run(ctx)

		sched := platform.NewChanScheduler()
		if syncconfig.GetAutoSyncEnabled() {
			go mgr.RunRetryLoop(ctx, sched, prober, syncconfig.GetAutoSyncInterval())
		}

		model := watch.NewModel(st, mgr, notifications, interval)
		p := tea.NewProgram(model, tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("error running watch: %w", err)
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().Duration("interval", 2*time.Second, "Refresh interval (default 2s)")
	rootCmd.AddCommand(watchCmd)
}
