// Package watch is the live sync monitor TUI: one row per game with
// its sync status, plus a feed of recent sync activity.
package watch

import (
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/tallyhq/tally/internal/store"
	"github.com/tallyhq/tally/internal/syncer"
)

// maxFeedItems caps the activity feed kept in memory.
const maxFeedItems = 50

// FeedItem is one line in the activity feed.
type FeedItem struct {
	Timestamp time.Time
	Kind      syncer.Kind
	GameID    string
	Detail    string
}

// GameRow is one game's sync state for the table.
type GameRow struct {
	GameID   string
	Status   store.Status
	Pending  int
	Retries  int
	Message  string
	Conflict bool
}

// Model is the Bubble Tea model for the watch TUI
type Model struct {
	Store   *store.Store
	Manager *syncer.Manager

	// Notifications from the sync manager arrive on this channel via
	// the listener registered in cmd/watch.
	Notifications <-chan syncer.Notification

	// Window dimensions
	Width  int
	Height int

	// Data
	Rows        []GameRow
	Feed        []FeedItem
	Online      bool
	Syncing     int
	LastRefresh time.Time
	Err         error

	Spinner         spinner.Model
	ShowHelp        bool
	RefreshInterval time.Duration
}

// MinWidth is the minimum terminal width for proper display
const MinWidth = 40

// MinHeight is the minimum terminal height for proper display
const MinHeight = 10

// TickMsg triggers a data refresh
type TickMsg time.Time

// RefreshDataMsg carries refreshed rows
type RefreshDataMsg struct {
	Rows      []GameRow
	Online    bool
	Err       error
	Timestamp time.Time
}

// NotificationMsg wraps a sync manager notification
type NotificationMsg syncer.Notification

// NewModel creates a new watch model
func NewModel(st *store.Store, mgr *syncer.Manager, notifications <-chan syncer.Notification, interval time.Duration) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return Model{
		Store:           st,
		Manager:         mgr,
		Notifications:   notifications,
		Spinner:         sp,
		RefreshInterval: interval,
		Online:          mgr.Online(),
	}
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.fetchData(),
		m.scheduleTick(),
		m.waitForNotification(),
		m.Spinner.Tick,
	)
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		return m, nil

	case TickMsg:
		return m, tea.Batch(m.fetchData(), m.scheduleTick())

	case RefreshDataMsg:
		m.Rows = msg.Rows
		m.Online = msg.Online
		m.Err = msg.Err
		m.LastRefresh = msg.Timestamp
		return m, nil

	case NotificationMsg:
		m = m.applyNotification(syncer.Notification(msg))
		return m, tea.Batch(m.fetchData(), m.waitForNotification())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.Spinner, cmd = m.Spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// applyNotification folds a manager notification into the feed.
func (m Model) applyNotification(n syncer.Notification) Model {
	switch n.Kind {
	case syncer.KindOnline:
		m.Online = true
	case syncer.KindOffline:
		m.Online = false
	case syncer.KindSyncStart:
		m.Syncing++
	case syncer.KindSyncComplete, syncer.KindSyncError, syncer.KindSyncConflict:
		if m.Syncing > 0 {
			m.Syncing--
		}
	}

	m.Feed = append(m.Feed, FeedItem{
		Timestamp: time.Now(),
		Kind:      n.Kind,
		GameID:    n.GameID,
		Detail:    feedDetail(n),
	})
	if len(m.Feed) > maxFeedItems {
		m.Feed = m.Feed[len(m.Feed)-maxFeedItems:]
	}
	return m
}

// handleKey processes key input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "r":
		return m, m.fetchData()

	case "s":
		// Manual sync of everything, off the UI goroutine.
		mgr := m.Manager
		return m, func() tea.Msg {
			mgr.SyncAllPendingGames(contextBackground(), false)
			return TickMsg(time.Now())
		}

	case "?":
		m.ShowHelp = !m.ShowHelp
		return m, nil
	}

	return m, nil
}

// View implements tea.Model
func (m Model) View() string {
	return m.renderView()
}

// scheduleTick returns a command that sends a TickMsg after the refresh interval
func (m Model) scheduleTick() tea.Cmd {
	return tea.Tick(m.RefreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// fetchData returns a command that reloads the game rows
func (m Model) fetchData() tea.Cmd {
	st, mgr := m.Store, m.Manager
	return func() tea.Msg {
		return FetchData(st, mgr)
	}
}

// waitForNotification blocks on the listener channel
func (m Model) waitForNotification() tea.Cmd {
	ch := m.Notifications
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		n, ok := <-ch
		if !ok {
			return nil
		}
		return NotificationMsg(n)
	}
}
