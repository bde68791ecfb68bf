package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// renderView draws the whole screen.
func (m Model) renderView() string {
	if m.Width > 0 && (m.Width < MinWidth || m.Height < MinHeight) {
		return subtleStyle.Render(fmt.Sprintf("Terminal too small (min %dx%d)", MinWidth, MinHeight))
	}

	var sections []string
	sections = append(sections, m.renderHeader())
	sections = append(sections, m.renderGames())
	sections = append(sections, m.renderFeed())
	if m.ShowHelp {
		sections = append(sections, m.renderHelp())
	} else {
		sections = append(sections, helpStyle.Render("q quit  s sync all  r refresh  ? help"))
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderHeader shows connectivity and sync activity.
func (m Model) renderHeader() string {
	title := titleStyle.Render("tally watch")

	var conn string
	if m.Online {
		conn = onlineStyle.Render("● online")
	} else {
		conn = offlineStyle.Render("● offline")
	}

	activity := ""
	if m.Syncing > 0 {
		activity = fmt.Sprintf("  %s syncing %d game(s)", m.Spinner.View(), m.Syncing)
	}

	refreshed := ""
	if !m.LastRefresh.IsZero() {
		refreshed = timestampStyle.Render("  refreshed " + m.LastRefresh.Format("15:04:05"))
	}

	line := fmt.Sprintf("%s  %s%s%s", title, conn, activity, refreshed)
	if m.Err != nil {
		line += "\n" + offlineStyle.Render("error: "+m.Err.Error())
	}
	return line
}

// renderGames draws the per-game status table.
func (m Model) renderGames() string {
	var sb strings.Builder
	if len(m.Rows) == 0 {
		sb.WriteString(subtleStyle.Render("No games recorded yet."))
	}
	for _, row := range m.Rows {
		status := formatStatus(row.Status)
		if row.Conflict {
			status = formatStatus(row.Status) + " " + offlineStyle.Render("!")
		}
		pending := subtleStyle.Render(fmt.Sprintf("%d pending", row.Pending))
		retries := ""
		if row.Retries > 0 {
			retries = subtleStyle.Render(fmt.Sprintf("  %d retries", row.Retries))
		}
		sb.WriteString(fmt.Sprintf("%-24s %-12s %s%s\n", row.GameID, status, pending, retries))
		if row.Message != "" {
			sb.WriteString(subtleStyle.Render("  " + row.Message))
			sb.WriteString("\n")
		}
	}
	return m.panel("GAMES", strings.TrimRight(sb.String(), "\n"))
}

// renderFeed draws recent sync activity, newest last.
func (m Model) renderFeed() string {
	var sb strings.Builder
	if len(m.Feed) == 0 {
		sb.WriteString(subtleStyle.Render("No sync activity yet."))
	}

	// Show only what fits; the feed itself is already capped.
	visible := m.Feed
	maxLines := m.Height - len(m.Rows) - 10
	if maxLines > 0 && len(visible) > maxLines {
		visible = visible[len(visible)-maxLines:]
	}
	for _, item := range visible {
		ts := timestampStyle.Render(item.Timestamp.Format("15:04:05"))
		badge := formatFeedBadge(item.Kind)
		gameID := item.GameID
		if gameID == "" {
			gameID = "-"
		}
		sb.WriteString(fmt.Sprintf("%s %s %-20s %s\n", ts, badge, gameID, item.Detail))
	}
	return m.panel("ACTIVITY", strings.TrimRight(sb.String(), "\n"))
}

func (m Model) renderHelp() string {
	help := strings.Join([]string{
		"q, ctrl+c   quit",
		"s           sync all games now",
		"r           refresh",
		"?           toggle help",
	}, "\n")
	return m.panel("HELP", help)
}

// panel wraps content with a border and title.
func (m Model) panel(title, content string) string {
	width := m.Width - 4
	if width < MinWidth-4 {
		width = MinWidth - 4
	}
	body := panelTitleStyle.Render(title) + "\n" + content
	return panelStyle.Width(width).Render(body)
}
