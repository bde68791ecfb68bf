package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tallyhq/tally/internal/platform"
)

// DefaultRetryInterval is how often the retry loop checks for games
// whose backoff has elapsed.
const DefaultRetryInterval = 5 * time.Second

// SweepResult summarizes a SyncAllPendingGames pass.
type SweepResult struct {
	Attempted int
	Synced    int
	Errors    map[string]error
}

// Err collapses the sweep's per-game errors into one, or nil.
func (r SweepResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	ids := make([]string, 0, len(r.Errors))
	for id := range r.Errors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Errorf("sync failed for %d game(s): %s", len(ids), strings.Join(ids, ", "))
}

// SyncAllPendingGames syncs every known game concurrently. A failure in
// one game never blocks the others; per-game errors are collected in
// the result.
func (m *Manager) SyncAllPendingGames(ctx context.Context, force bool) SweepResult {
	result := SweepResult{Errors: make(map[string]error)}

	ids, err := m.store.GameIDs()
	if err != nil {
		result.Errors[""] = fmt.Errorf("list games: %w", err)
		return result
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, gameID := range ids {
		wg.Add(1)
		go func(gameID string) {
			defer wg.Done()
			res, err := m.SyncGame(ctx, gameID, force)
			mu.Lock()
			defer mu.Unlock()
			result.Attempted++
			if err != nil {
				result.Errors[gameID] = err
				return
			}
			if res.Synced {
				result.Synced++
			}
		}(gameID)
	}
	wg.Wait()
	return result
}

// RunRetryLoop drives background sync until ctx is cancelled: it drains
// on-demand requests from the scheduler, re-attempts games whose
// backoff has elapsed, and sweeps all games whenever connectivity comes
// back. Intended to run on its own goroutine.
func (m *Manager) RunRetryLoop(ctx context.Context, sched *platform.ChanScheduler, conn platform.Connectivity, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}

	var requests <-chan string
	if sched != nil {
		requests = sched.C
	}

	if conn != nil {
		m.SetOnline(conn.Online())
		unsubscribe := conn.Subscribe(func(online bool) {
			m.SetOnline(online)
			if online {
				go m.SyncAllPendingGames(ctx, false)
			}
		})
		defer unsubscribe()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case gameID := <-requests:
			if _, err := m.SyncGame(ctx, gameID, false); err != nil {
				slog.Debug("scheduled sync failed", "game", gameID, "err", err)
			}
		case <-ticker.C:
			m.retryDueGames(ctx)
		}
	}
}

// retryDueGames re-attempts games in error state whose NextRetryAt has
// passed. Games with an unresolved conflict are excluded at the query.
func (m *Manager) retryDueGames(ctx context.Context) {
	if !m.Online() {
		return
	}
	due, err := m.store.RetryDue(m.nowFunc().UTC())
	if err != nil {
		slog.Error("query retry-due games", "err", err)
		return
	}
	for _, gameID := range due {
		if _, err := m.SyncGame(ctx, gameID, false); err != nil {
			slog.Debug("retry failed", "game", gameID, "err", err)
		}
	}
}
