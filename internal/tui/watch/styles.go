package watch

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/tallyhq/tally/internal/store"
	"github.com/tallyhq/tally/internal/syncer"
)

var (
	// Base colors
	primaryColor = lipgloss.Color("212")
	mutedColor   = lipgloss.Color("241")
	successColor = lipgloss.Color("42")
	warningColor = lipgloss.Color("214")
	errorColor   = lipgloss.Color("196")

	// Panel styles
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	panelTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.Color("237")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	// Text styles
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	subtleStyle    = lipgloss.NewStyle().Foreground(mutedColor)
	helpStyle      = lipgloss.NewStyle().Foreground(mutedColor)
	timestampStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))

	onlineStyle  = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	offlineStyle = lipgloss.NewStyle().Foreground(errorColor).Bold(true)

	// Status styles
	statusStyles = map[store.Status]lipgloss.Style{
		store.StatusSynced:   lipgloss.NewStyle().Foreground(successColor),
		store.StatusPending:  lipgloss.NewStyle().Foreground(warningColor),
		store.StatusSyncing:  lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		store.StatusConflict: lipgloss.NewStyle().Foreground(errorColor).Bold(true),
		store.StatusError:    lipgloss.NewStyle().Foreground(errorColor),
		store.StatusOffline:  lipgloss.NewStyle().Foreground(mutedColor),
		store.StatusPaused:   lipgloss.NewStyle().Foreground(mutedColor),
	}

	// Feed kind badges
	feedBadges = map[syncer.Kind]lipgloss.Style{
		syncer.KindSyncStart:    lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		syncer.KindSyncComplete: lipgloss.NewStyle().Foreground(successColor),
		syncer.KindSyncError:    lipgloss.NewStyle().Foreground(errorColor),
		syncer.KindSyncConflict: lipgloss.NewStyle().Foreground(errorColor).Bold(true),
		syncer.KindOnline:       lipgloss.NewStyle().Foreground(successColor),
		syncer.KindOffline:      lipgloss.NewStyle().Foreground(mutedColor),
	}
)

// formatStatus renders a sync status with color
func formatStatus(s store.Status) string {
	style, ok := statusStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(string(s))
}

// formatFeedBadge renders a feed kind badge
func formatFeedBadge(k syncer.Kind) string {
	badges := map[syncer.Kind]string{
		syncer.KindSyncStart:    "[SYNC]",
		syncer.KindSyncComplete: "[ OK ]",
		syncer.KindSyncError:    "[ERR ]",
		syncer.KindSyncConflict: "[CONF]",
		syncer.KindOnline:       "[ ON ]",
		syncer.KindOffline:      "[OFF ]",
	}
	label, ok := badges[k]
	if !ok {
		label = "[????]"
	}
	if style, ok := feedBadges[k]; ok {
		return style.Render(label)
	}
	return subtleStyle.Render(label)
}
