// Package output provides styled terminal output helpers (success,
// error, warning, game and sync-status formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/tallyhq/tally/internal/game"
	"github.com/tallyhq/tally/internal/store"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	statusStyles = map[store.Status]lipgloss.Style{
		store.StatusSynced:   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		store.StatusPending:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		store.StatusSyncing:  lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		store.StatusConflict: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		store.StatusError:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		store.StatusOffline:  lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		store.StatusPaused:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
)

// Success prints a success message
func Success(format string, args ...interface{}) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...interface{}) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...interface{}) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...interface{}) {
	fmt.Println(fmt.Sprintf(format, args...))
}

// JSON outputs data as JSON
func JSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// Error codes for structured JSON output
const (
	ErrCodeNotFound      = "not_found"
	ErrCodeInvalidInput  = "invalid_input"
	ErrCodeConflict      = "conflict"
	ErrCodeDatabaseError = "database_error"
	ErrCodeSyncError     = "sync_error"
	ErrCodeOffline       = "offline"
)

// JSONError outputs an error as JSON
func JSONError(code, message string) {
	fmt.Printf(`{"error":{"code":"%s","message":"%s"}}`, code, message)
	fmt.Println()
}

// FormatSyncStatus formats a sync status with color
func FormatSyncStatus(s store.Status) string {
	style, ok := statusStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(fmt.Sprintf("[%s]", s))
}

// StatusBadge returns a sync status indicator with symbol
// e.g., "✓ synced", "↑ pending", "… syncing", "✗ conflict"
func StatusBadge(status store.Status) string {
	symbols := map[store.Status]string{
		store.StatusSynced:   "✓",
		store.StatusPending:  "↑",
		store.StatusSyncing:  "…",
		store.StatusConflict: "✗",
		store.StatusError:    "!",
		store.StatusOffline:  "○",
		store.StatusPaused:   "∥",
	}
	symbol, ok := symbols[status]
	if !ok {
		symbol = "?"
	}
	style, hasStyle := statusStyles[status]
	if hasStyle {
		return style.Render(fmt.Sprintf("%s %s", symbol, status))
	}
	return fmt.Sprintf("%s %s", symbol, status)
}

// GameLine returns a concise single-line game summary.
// Format: "game-id  3 players  round 4  [pending]"
func GameLine(gameID string, state game.State, status store.Status) string {
	var parts []string
	parts = append(parts, titleStyle.Render(gameID))
	parts = append(parts, subtleStyle.Render(fmt.Sprintf("%d players", len(state.Players))))
	parts = append(parts, subtleStyle.Render(fmt.Sprintf("round %d", state.CurrentRound+1)))
	parts = append(parts, FormatSyncStatus(status))
	return strings.Join(parts, "  ")
}

// Scoreboard renders the running totals for a game, highest first.
func Scoreboard(state game.State) string {
	totals := state.Totals()

	players := make([]game.Player, len(state.Players))
	copy(players, state.Players)
	sort.SliceStable(players, func(i, j int) bool {
		return totals[players[i].ID] > totals[players[j].ID]
	})

	var sb strings.Builder
	sb.WriteString(titleStyle.Render("SCOREBOARD"))
	sb.WriteString("\n")
	for i, p := range players {
		sb.WriteString(fmt.Sprintf("  %d. %-20s %5d\n", i+1, p.Name, totals[p.ID]))
	}
	return sb.String()
}

// SyncSummary renders a game's sync metadata for `tally status`.
func SyncSummary(meta store.Metadata) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Status: %s\n", StatusBadge(meta.SyncStatus)))
	sb.WriteString(fmt.Sprintf("Pending events: %d\n", meta.PendingEventsCount))
	sb.WriteString(fmt.Sprintf("Last synced version: %d\n", meta.LastSyncedVersion))
	if meta.LastServerAck != nil {
		sb.WriteString(fmt.Sprintf("Last server ack: %s\n", FormatTimeAgo(*meta.LastServerAck)))
	}
	if meta.RetryCount > 0 {
		sb.WriteString(fmt.Sprintf("Retries: %d\n", meta.RetryCount))
	}
	if meta.NextRetryAt != nil {
		sb.WriteString(fmt.Sprintf("Next retry: %s\n", meta.NextRetryAt.Local().Format("15:04:05")))
	}
	if meta.LastError != "" {
		sb.WriteString(fmt.Sprintf("Last error: %s\n", meta.LastError))
	}
	if meta.HasConflict {
		sb.WriteString(errorStyle.Render("Unresolved conflict — run 'tally conflicts resolve'"))
		sb.WriteString("\n")
	}
	return sb.String()
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1m ago"
		}
		return fmt.Sprintf("%dm ago", mins)
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1h ago"
		}
		return fmt.Sprintf("%dh ago", hours)
	case diff < 7*24*time.Hour:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	default:
		return t.Format("2006-01-02")
	}
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nCONFLICTS:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}

// IndentString indents each line in a string by the specified number of spaces
func IndentString(s string, spaces int) string {
	if s == "" {
		return ""
	}
	indent := strings.Repeat(" ", spaces)
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = indent + line
	}
	return strings.Join(lines, "\n")
}
