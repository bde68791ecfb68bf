package syncer

import (
	"fmt"
	"log/slog"

	"github.com/tallyhq/tally/internal/resolve"
	"github.com/tallyhq/tally/internal/store"
)

// Kind classifies a sync notification.
type Kind string

// Notification kinds.
const (
	KindOnline       Kind = "online"
	KindOffline      Kind = "offline"
	KindSyncStart    Kind = "sync_start"
	KindSyncComplete Kind = "sync_complete"
	KindSyncError    Kind = "sync_error"
	KindSyncConflict Kind = "sync_conflict"
)

// Notification is delivered to listeners as sync progresses. Fields
// beyond Kind and GameID are set only where they apply.
type Notification struct {
	Kind         Kind
	GameID       string
	Pending      int
	EventsSynced int
	Strategy     resolve.Strategy
	Err          error
}

// Listener receives sync notifications. Listeners run on the syncing
// goroutine and should return quickly.
type Listener func(Notification)

// AddListener registers a listener and returns a function that removes
// it.
func (m *Manager) AddListener(fn Listener) func() {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	idx := len(m.listeners) - 1
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		if idx < len(m.listeners) {
			m.listeners[idx] = nil
		}
		m.mu.Unlock()
	}
}

// notify fans a notification out to listeners. A panicking listener is
// logged and skipped; it must never take down a sync.
func (m *Manager) notify(n Notification) {
	m.mu.Lock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		if fn == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("sync listener panicked", "kind", n.Kind, "panic", r)
				}
			}()
			fn(n)
		}()
	}
}

// StatusMessage renders a one-line human summary of a game's sync
// state, suitable for a status bar or `tally status`.
func (m *Manager) StatusMessage(gameID string) (string, error) {
	meta, err := m.store.Metadata(gameID)
	if err != nil {
		return "", err
	}
	return statusMessage(meta, m.Online()), nil
}

func statusMessage(meta store.Metadata, online bool) string {
	switch {
	case meta.HasConflict || meta.SyncStatus == store.StatusConflict:
		return "Sync conflict — run 'tally conflicts resolve'"
	case meta.SyncStatus == store.StatusPaused:
		return "Sync paused"
	case !online:
		if meta.PendingEventsCount == 1 {
			return "Offline — 1 change pending"
		}
		if meta.PendingEventsCount > 1 {
			return fmt.Sprintf("Offline — %d changes pending", meta.PendingEventsCount)
		}
		return "Offline — all changes saved locally"
	case meta.SyncStatus == store.StatusSyncing:
		return "Syncing..."
	case meta.SyncStatus == store.StatusError:
		if meta.NextRetryAt != nil {
			return fmt.Sprintf("Sync error — retrying at %s", meta.NextRetryAt.Local().Format("15:04:05"))
		}
		return "Sync error"
	case meta.PendingEventsCount == 1:
		return "1 change pending"
	case meta.PendingEventsCount > 1:
		return fmt.Sprintf("%d changes pending", meta.PendingEventsCount)
	default:
		return "All changes saved"
	}
}
