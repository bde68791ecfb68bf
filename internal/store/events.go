package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tallyhq/tally/internal/events"
)

// SaveEvent upserts an event by id. Event ids are generated client side
// and globally unique, so re-saving the same event is a no-op in effect.
func (s *Store) SaveEvent(ev events.GameEvent) error {
	return s.WithTx(func(tx *sql.Tx) error {
		return SaveEventTx(tx, ev)
	})
}

// SaveEventTx upserts an event within an existing transaction.
func SaveEventTx(tx *sql.Tx, ev events.GameEvent) error {
	if ev.ID == "" || ev.GameID == "" || ev.ClientID == "" {
		return fmt.Errorf("event missing required fields")
	}
	var serverVersion any
	if ev.Acknowledged {
		serverVersion = ev.ServerVersion
	}
	_, err := tx.Exec(`
		INSERT OR REPLACE INTO events
			(id, game_id, action_type, payload, timestamp, local_version, user_id, client_id, acknowledged, server_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.GameID, string(ev.Action), string(ev.Payload),
		formatTime(ev.Timestamp), ev.LocalVersion, ev.UserID, ev.ClientID,
		boolToInt(ev.Acknowledged), serverVersion,
	)
	if err != nil {
		return fmt.Errorf("save event %s: %w", ev.ID, err)
	}
	return nil
}

// PendingEvents returns all unacknowledged events for a game, ordered by
// creation timestamp ascending. This is exactly the set awaiting sync.
func (s *Store) PendingEvents(gameID string) ([]events.GameEvent, error) {
	return s.queryEvents(`
		SELECT id, game_id, action_type, payload, timestamp, local_version, user_id, client_id, acknowledged, server_version
		FROM events WHERE game_id = ? AND acknowledged = 0
		ORDER BY timestamp ASC, local_version ASC`, gameID)
}

// EventsSince returns events with a local version greater than version,
// ordered by creation timestamp.
func (s *Store) EventsSince(gameID string, version int64) ([]events.GameEvent, error) {
	return s.queryEvents(`
		SELECT id, game_id, action_type, payload, timestamp, local_version, user_id, client_id, acknowledged, server_version
		FROM events WHERE game_id = ? AND local_version > ?
		ORDER BY timestamp ASC, local_version ASC`, gameID, version)
}

func (s *Store) queryEvents(query string, args ...any) ([]events.GameEvent, error) {
	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []events.GameEvent
	for rows.Next() {
		var (
			ev            events.GameEvent
			action        string
			payload       string
			ts            string
			acked         int
			serverVersion sql.NullInt64
		)
		err := rows.Scan(&ev.ID, &ev.GameID, &action, &payload, &ts,
			&ev.LocalVersion, &ev.UserID, &ev.ClientID, &acked, &serverVersion)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Action = events.ActionType(action)
		ev.Payload = []byte(payload)
		ev.Timestamp, err = parseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp for %s: %w", ev.ID, err)
		}
		ev.Acknowledged = acked != 0
		if serverVersion.Valid {
			ev.ServerVersion = serverVersion.Int64
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// AcknowledgeEvents bulk-marks the given event ids acknowledged at a
// server version and keeps each affected game's pending count in step,
// all in one transaction. Returns the number of events modified.
func (s *Store) AcknowledgeEvents(eventIDs []string, serverVersion int64) (int64, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	var modified int64
	err := s.WithTx(func(tx *sql.Tx) error {
		var err error
		modified, err = AcknowledgeEventsTx(tx, eventIDs, serverVersion)
		return err
	})
	return modified, err
}

// AcknowledgeEventsTx is AcknowledgeEvents within a transaction.
func AcknowledgeEventsTx(tx *sql.Tx, eventIDs []string, serverVersion int64) (int64, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}

	// Collect the games touched so their pending counts can be refreshed.
	games := make(map[string]bool)
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(eventIDs)), ",")
	args := make([]any, len(eventIDs))
	for i, id := range eventIDs {
		args[i] = id
	}
	rows, err := tx.Query(`SELECT DISTINCT game_id FROM events WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("lookup games: %w", err)
	}
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			rows.Close()
			return 0, err
		}
		games[g] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	ackArgs := append([]any{serverVersion}, args...)
	res, err := tx.Exec(
		`UPDATE events SET acknowledged = 1, server_version = ? WHERE id IN (`+placeholders+`) AND acknowledged = 0`,
		ackArgs...,
	)
	if err != nil {
		return 0, fmt.Errorf("acknowledge events: %w", err)
	}
	modified, _ := res.RowsAffected()

	for g := range games {
		if err := RefreshPendingCountTx(tx, g); err != nil {
			return modified, err
		}
	}
	return modified, nil
}

// PruneOldEvents deletes acknowledged events older than the retention
// window. Unacknowledged events are never deleted. Returns rows removed.
func (s *Store) PruneOldEvents(gameID string, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.conn.Exec(
		`DELETE FROM events WHERE game_id = ? AND acknowledged = 1 AND timestamp < ?`,
		gameID, formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountPendingEvents returns the number of unacknowledged events for a
// game straight from the log (not the metadata counter).
func (s *Store) CountPendingEvents(gameID string) (int64, error) {
	var n int64
	err := s.conn.QueryRow(
		`SELECT COUNT(*) FROM events WHERE game_id = ? AND acknowledged = 0`, gameID,
	).Scan(&n)
	return n, err
}
