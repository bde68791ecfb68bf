package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tallyhq/tally/internal/game"
)

// Status is the sync status of a game (and of the snapshot that carried
// its last mutation).
type Status string

// Sync status values.
const (
	StatusSynced   Status = "synced"
	StatusPending  Status = "pending"
	StatusSyncing  Status = "syncing"
	StatusConflict Status = "conflict"
	StatusError    Status = "error"
	StatusOffline  Status = "offline"
	StatusPaused   Status = "paused"
)

// Snapshot is a full copy of game state at a local version.
type Snapshot struct {
	ID            string
	GameID        string
	LocalVersion  int64
	ServerVersion int64
	State         game.State
	UserID        string
	Timestamp     time.Time
	Dirty         bool
	SyncStatus    Status
}

// SnapshotID builds the storage key for a game/version pair.
func SnapshotID(gameID string, localVersion int64) string {
	return fmt.Sprintf("%s:%d", gameID, localVersion)
}

// SaveSnapshot upserts a snapshot by id.
func (s *Store) SaveSnapshot(snap Snapshot) error {
	return s.WithTx(func(tx *sql.Tx) error {
		return SaveSnapshotTx(tx, snap)
	})
}

// SaveSnapshotTx upserts a snapshot within an existing transaction.
func SaveSnapshotTx(tx *sql.Tx, snap Snapshot) error {
	if snap.ID == "" || snap.GameID == "" {
		return fmt.Errorf("snapshot missing required fields")
	}
	stateJSON, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("marshal game state: %w", err)
	}
	_, err = tx.Exec(`
		INSERT OR REPLACE INTO snapshots
			(id, game_id, local_version, server_version, game_state, user_id, timestamp, dirty, sync_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.GameID, snap.LocalVersion, snap.ServerVersion,
		string(stateJSON), snap.UserID, formatTime(snap.Timestamp),
		boolToInt(snap.Dirty), string(snap.SyncStatus),
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.ID, err)
	}
	return nil
}

// LatestSnapshot returns the snapshot with the highest local version for
// a game, or nil when the game has never been persisted.
func (s *Store) LatestSnapshot(gameID string) (*Snapshot, error) {
	return latestSnapshot(s.conn, gameID)
}

// LatestSnapshotTx is LatestSnapshot within a transaction.
func LatestSnapshotTx(tx *sql.Tx, gameID string) (*Snapshot, error) {
	return latestSnapshot(tx, gameID)
}

type rowQuerier interface {
	QueryRow(query string, args ...any) *sql.Row
}

func latestSnapshot(q rowQuerier, gameID string) (*Snapshot, error) {
	row := q.QueryRow(`
		SELECT id, game_id, local_version, server_version, game_state, user_id, timestamp, dirty, sync_status
		FROM snapshots WHERE game_id = ?
		ORDER BY local_version DESC LIMIT 1`, gameID)

	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot for %s: %w", gameID, err)
	}
	return snap, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var (
		snap      Snapshot
		stateJSON string
		ts        string
		dirty     int
		status    string
	)
	err := row.Scan(&snap.ID, &snap.GameID, &snap.LocalVersion, &snap.ServerVersion,
		&stateJSON, &snap.UserID, &ts, &dirty, &status)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stateJSON), &snap.State); err != nil {
		return nil, fmt.Errorf("decode game state: %w", err)
	}
	snap.Timestamp, err = parseTime(ts)
	if err != nil {
		return nil, err
	}
	snap.Dirty = dirty != 0
	snap.SyncStatus = Status(status)
	return &snap, nil
}

// MarkSnapshotSynced stamps the latest snapshot of a game with the
// server version it was acknowledged at and clears the dirty flag.
func MarkSnapshotSyncedTx(tx *sql.Tx, gameID string, serverVersion int64) error {
	_, err := tx.Exec(`
		UPDATE snapshots SET server_version = ?, dirty = 0, sync_status = ?
		WHERE game_id = ? AND local_version = (
			SELECT MAX(local_version) FROM snapshots WHERE game_id = ?
		)`, serverVersion, string(StatusSynced), gameID, gameID)
	if err != nil {
		return fmt.Errorf("mark snapshot synced: %w", err)
	}
	return nil
}

// PruneOldSnapshots deletes all but the keep most recent snapshots for a
// game. The latest snapshot is never deleted. Returns rows removed.
func (s *Store) PruneOldSnapshots(gameID string, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	var removed int64
	err := s.WithTx(func(tx *sql.Tx) error {
		var err error
		removed, err = PruneOldSnapshotsTx(tx, gameID, keep)
		return err
	})
	return removed, err
}

// PruneOldSnapshotsTx is PruneOldSnapshots within a transaction.
func PruneOldSnapshotsTx(tx *sql.Tx, gameID string, keep int) (int64, error) {
	res, err := tx.Exec(`
		DELETE FROM snapshots WHERE game_id = ? AND local_version NOT IN (
			SELECT local_version FROM snapshots WHERE game_id = ?
			ORDER BY local_version DESC LIMIT ?
		)`, gameID, gameID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SnapshotCount returns the number of retained snapshots for a game.
func (s *Store) SnapshotCount(gameID string) (int, error) {
	var n int
	err := s.conn.QueryRow(`SELECT COUNT(*) FROM snapshots WHERE game_id = ?`, gameID).Scan(&n)
	return n, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
