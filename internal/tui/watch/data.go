package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/tallyhq/tally/internal/store"
	"github.com/tallyhq/tally/internal/syncer"
)

// FetchData loads a row per known game.
func FetchData(st *store.Store, mgr *syncer.Manager) RefreshDataMsg {
	msg := RefreshDataMsg{Online: mgr.Online(), Timestamp: time.Now()}

	ids, err := st.GameIDs()
	if err != nil {
		msg.Err = err
		return msg
	}

	for _, gameID := range ids {
		meta, err := st.Metadata(gameID)
		if err != nil {
			msg.Err = err
			continue
		}
		message, err := mgr.StatusMessage(gameID)
		if err != nil {
			message = ""
		}
		msg.Rows = append(msg.Rows, GameRow{
			GameID:   gameID,
			Status:   meta.SyncStatus,
			Pending:  int(meta.PendingEventsCount),
			Retries:  meta.RetryCount,
			Message:  message,
			Conflict: meta.HasConflict,
		})
	}
	return msg
}

// feedDetail renders the variable part of a feed line.
func feedDetail(n syncer.Notification) string {
	switch n.Kind {
	case syncer.KindSyncStart:
		return fmt.Sprintf("pushing %d event(s)", n.Pending)
	case syncer.KindSyncComplete:
		return fmt.Sprintf("synced %d event(s)", n.EventsSynced)
	case syncer.KindSyncError:
		if n.Err != nil {
			return n.Err.Error()
		}
		return "sync failed"
	case syncer.KindSyncConflict:
		return fmt.Sprintf("conflict (%s)", n.Strategy)
	case syncer.KindOnline:
		return "connection restored"
	case syncer.KindOffline:
		return "connection lost"
	default:
		return ""
	}
}

func contextBackground() context.Context {
	return context.Background()
}
