package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Metadata is the per-game sync bookkeeping row.
type Metadata struct {
	GameID             string
	LastSyncedVersion  int64
	LastServerAck      *time.Time
	SyncStatus         Status
	PendingEventsCount int64
	LastAttemptAt      *time.Time
	NextRetryAt        *time.Time
	RetryCount         int
	LastError          string
	HasConflict        bool
	StorageUsed        int64
}

// Metadata returns the bookkeeping row for a game, creating a default
// synced row lazily on first access.
func (s *Store) Metadata(gameID string) (Metadata, error) {
	var meta Metadata
	err := s.WithTx(func(tx *sql.Tx) error {
		var err error
		meta, err = MetadataTx(tx, gameID)
		return err
	})
	return meta, err
}

// MetadataTx is Metadata within a transaction.
func MetadataTx(tx *sql.Tx, gameID string) (Metadata, error) {
	meta, err := readMetadata(tx, gameID)
	if err == sql.ErrNoRows {
		meta = Metadata{GameID: gameID, SyncStatus: StatusSynced}
		if err := SaveMetadataTx(tx, meta); err != nil {
			return meta, err
		}
		return meta, nil
	}
	if err != nil {
		return meta, fmt.Errorf("read metadata for %s: %w", gameID, err)
	}
	return meta, nil
}

func readMetadata(q rowQuerier, gameID string) (Metadata, error) {
	var (
		meta                            Metadata
		status                          string
		lastAck, lastAttempt, nextRetry sql.NullString
		lastError                       sql.NullString
		hasConflict                     int
	)
	err := q.QueryRow(`
		SELECT game_id, last_synced_version, last_server_ack, sync_status, pending_events_count,
		       last_attempt_at, next_retry_at, retry_count, last_error, has_conflict, storage_used
		FROM sync_metadata WHERE game_id = ?`, gameID,
	).Scan(&meta.GameID, &meta.LastSyncedVersion, &lastAck, &status, &meta.PendingEventsCount,
		&lastAttempt, &nextRetry, &meta.RetryCount, &lastError, &hasConflict, &meta.StorageUsed)
	if err != nil {
		return meta, err
	}
	meta.SyncStatus = Status(status)
	meta.HasConflict = hasConflict != 0
	meta.LastError = lastError.String
	for _, pair := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{lastAck, &meta.LastServerAck},
		{lastAttempt, &meta.LastAttemptAt},
		{nextRetry, &meta.NextRetryAt},
	} {
		if pair.src.Valid && pair.src.String != "" {
			t, err := parseTime(pair.src.String)
			if err != nil {
				return meta, err
			}
			*pair.dst = &t
		}
	}
	return meta, nil
}

// SaveMetadata upserts a metadata row.
func (s *Store) SaveMetadata(meta Metadata) error {
	return s.WithTx(func(tx *sql.Tx) error {
		return SaveMetadataTx(tx, meta)
	})
}

// SaveMetadataTx upserts a metadata row within a transaction.
func SaveMetadataTx(tx *sql.Tx, meta Metadata) error {
	if meta.GameID == "" {
		return fmt.Errorf("metadata missing game id")
	}
	var lastAck, lastAttempt, nextRetry, lastError any
	if meta.LastServerAck != nil {
		lastAck = formatTime(*meta.LastServerAck)
	}
	if meta.LastAttemptAt != nil {
		lastAttempt = formatTime(*meta.LastAttemptAt)
	}
	if meta.NextRetryAt != nil {
		nextRetry = formatTime(*meta.NextRetryAt)
	}
	if meta.LastError != "" {
		lastError = meta.LastError
	}
	_, err := tx.Exec(`
		INSERT OR REPLACE INTO sync_metadata
			(game_id, last_synced_version, last_server_ack, sync_status, pending_events_count,
			 last_attempt_at, next_retry_at, retry_count, last_error, has_conflict, storage_used)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		meta.GameID, meta.LastSyncedVersion, lastAck, string(meta.SyncStatus),
		meta.PendingEventsCount, lastAttempt, nextRetry, meta.RetryCount,
		lastError, boolToInt(meta.HasConflict), meta.StorageUsed,
	)
	if err != nil {
		return fmt.Errorf("save metadata for %s: %w", meta.GameID, err)
	}
	return nil
}

// RefreshPendingCountTx recomputes a game's pending counter from the
// event log so the "count matches unacknowledged events" invariant holds
// whatever operation just ran.
func RefreshPendingCountTx(tx *sql.Tx, gameID string) error {
	_, err := tx.Exec(`
		UPDATE sync_metadata SET pending_events_count = (
			SELECT COUNT(*) FROM events WHERE game_id = ? AND acknowledged = 0
		) WHERE game_id = ?`, gameID, gameID)
	if err != nil {
		return fmt.Errorf("refresh pending count for %s: %w", gameID, err)
	}
	return nil
}

// RetryDue returns game ids whose scheduled retry time has passed.
// Conflicted and paused games are excluded: they need explicit action.
func (s *Store) RetryDue(now time.Time) ([]string, error) {
	rows, err := s.conn.Query(`
		SELECT game_id FROM sync_metadata
		WHERE sync_status = ? AND has_conflict = 0 AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		ORDER BY next_retry_at ASC`,
		string(StatusError), formatTime(now),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ConflictRecord is one row of the conflict log.
type ConflictRecord struct {
	ID            int64
	GameID        string
	Strategy      string
	LocalVersion  int64
	ServerVersion int64
	LocalState    json.RawMessage
	RemoteState   json.RawMessage
	ResolvedAt    time.Time
}

// RecordConflictTx appends a conflict-log row within a transaction.
func RecordConflictTx(tx *sql.Tx, rec ConflictRecord) error {
	localJSON := "null"
	if rec.LocalState != nil {
		localJSON = string(rec.LocalState)
	}
	remoteJSON := "null"
	if rec.RemoteState != nil {
		remoteJSON = string(rec.RemoteState)
	}
	_, err := tx.Exec(`
		INSERT INTO conflict_log (game_id, strategy, local_version, server_version, local_state, remote_state, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.GameID, rec.Strategy, rec.LocalVersion, rec.ServerVersion,
		localJSON, remoteJSON, formatTime(rec.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("record conflict for %s: %w", rec.GameID, err)
	}
	return nil
}

// RecentConflicts returns conflict-log rows for a game, newest first.
func (s *Store) RecentConflicts(gameID string, limit int) ([]ConflictRecord, error) {
	rows, err := s.conn.Query(`
		SELECT id, game_id, strategy, local_version, server_version,
		       COALESCE(local_state, 'null'), COALESCE(remote_state, 'null'), resolved_at
		FROM conflict_log WHERE game_id = ?
		ORDER BY resolved_at DESC, id DESC LIMIT ?`, gameID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConflictRecord
	for rows.Next() {
		var (
			rec           ConflictRecord
			local, remote string
			ts            string
		)
		if err := rows.Scan(&rec.ID, &rec.GameID, &rec.Strategy, &rec.LocalVersion,
			&rec.ServerVersion, &local, &remote, &ts); err != nil {
			return nil, err
		}
		rec.LocalState = json.RawMessage(local)
		rec.RemoteState = json.RawMessage(remote)
		rec.ResolvedAt, err = parseTime(ts)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
