// Package store provides the durable local persistence layer: versioned
// game-state snapshots, the append-only event log, per-game sync
// metadata, and the client identity record. It is a thin SQLite wrapper;
// retry policy and conflict handling live in the callers.
package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const dbFile = ".tally/scores.db"

// Retention defaults. Both can be overridden per call.
const (
	DefaultSnapshotKeep   = 10
	DefaultEventRetention = 7 * 24 * time.Hour
)

// Store wraps the database connection.
type Store struct {
	conn    *sql.DB
	baseDir string
}

// Open opens an existing database and applies any pending schema
// changes. It fails if the store was never initialized.
func Open(baseDir string) (*Store, error) {
	dbPath := filepath.Join(baseDir, dbFile)

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("database not found: run 'tally init' first")
	}

	conn, err := openConn(dbPath)
	if err != nil {
		return nil, err
	}

	s := &Store{conn: conn, baseDir: baseDir}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Initialize creates the database, schema and identity row.
func Initialize(baseDir string) (*Store, error) {
	dbPath := filepath.Join(baseDir, dbFile)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	conn, err := openConn(dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &Store{conn: conn, baseDir: baseDir}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// openConn opens a connection with the pragmas every writer needs.
func openConn(dbPath string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL allows concurrent reads while writes are serialized
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=500"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	// Slightly faster writes, still safe with WAL
	conn.Exec("PRAGMA synchronous=NORMAL")

	return conn, nil
}

// OpenConn wraps an already-open connection (used by tests that run
// against an in-memory database).
func OpenConn(conn *sql.DB) (*Store, error) {
	if _, err := conn.Exec(schema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.conn.Close()
}

// BaseDir returns the base directory for the database.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// Conn returns the underlying *sql.DB for callers that compose their
// own transactions.
func (s *Store) Conn() *sql.DB {
	return s.conn
}

// WithTx runs fn inside a transaction, committing on nil error.
func (s *Store) WithTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ClientID returns the persistent client identity, generating and
// storing one on first call. The id disambiguates which device produced
// which event when several devices edit the same game.
func (s *Store) ClientID() (string, error) {
	var id string
	err := s.conn.QueryRow(`SELECT client_id FROM client_identity WHERE id = 1`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("read client identity: %w", err)
	}

	id, err = generateClientID()
	if err != nil {
		return "", err
	}
	_, err = s.conn.Exec(
		`INSERT INTO client_identity (id, client_id, created_at) VALUES (1, ?, ?)`,
		id, formatTime(time.Now().UTC()),
	)
	if err != nil {
		return "", fmt.Errorf("store client identity: %w", err)
	}
	return id, nil
}

// generateClientID creates a new random client ID (16 bytes hex).
func generateClientID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// DeleteGameData removes snapshot, event, metadata and conflict-log
// records for a game in one transaction.
func (s *Store) DeleteGameData(gameID string) error {
	return s.WithTx(func(tx *sql.Tx) error {
		for _, table := range []string{"snapshots", "events", "sync_metadata", "conflict_log"} {
			if _, err := tx.Exec("DELETE FROM "+table+" WHERE game_id = ?", gameID); err != nil {
				return fmt.Errorf("delete %s: %w", table, err)
			}
		}
		return nil
	})
}

// StorageUsed returns an advisory byte count for a game's stored
// snapshots and events.
func (s *Store) StorageUsed(gameID string) (int64, error) {
	var snapBytes, evBytes sql.NullInt64
	err := s.conn.QueryRow(
		`SELECT COALESCE(SUM(LENGTH(game_state)), 0) FROM snapshots WHERE game_id = ?`, gameID,
	).Scan(&snapBytes)
	if err != nil {
		return 0, err
	}
	err = s.conn.QueryRow(
		`SELECT COALESCE(SUM(LENGTH(payload)), 0) FROM events WHERE game_id = ?`, gameID,
	).Scan(&evBytes)
	if err != nil {
		return 0, err
	}
	return snapBytes.Int64 + evBytes.Int64, nil
}

// MaxLocalVersion returns the highest local version recorded for a game
// across snapshots and events, or 0 when the game is unknown.
func (s *Store) MaxLocalVersion(gameID string) (int64, error) {
	var maxSnap, maxEv sql.NullInt64
	err := s.conn.QueryRow(
		`SELECT MAX(local_version) FROM snapshots WHERE game_id = ?`, gameID,
	).Scan(&maxSnap)
	if err != nil {
		return 0, err
	}
	err = s.conn.QueryRow(
		`SELECT MAX(local_version) FROM events WHERE game_id = ?`, gameID,
	).Scan(&maxEv)
	if err != nil {
		return 0, err
	}
	if maxEv.Int64 > maxSnap.Int64 {
		return maxEv.Int64, nil
	}
	return maxSnap.Int64, nil
}

// GameIDs returns all game ids known to the metadata table.
func (s *Store) GameIDs() ([]string, error) {
	rows, err := s.conn.Query(`SELECT game_id FROM sync_metadata ORDER BY game_id`)
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

// formatTime renders a timestamp for storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime tries common SQLite timestamp formats.
func parseTime(v string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", v)
}
