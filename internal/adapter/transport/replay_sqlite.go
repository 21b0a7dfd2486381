package transport

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteReplayStore is a ReplayStore backed by SQLite, for verifier
// deployments where several ingest workers share one replay table. The
// check-and-insert race is settled by the table's primary key: exactly one
// INSERT wins, everyone else observes a conflict.
type SQLiteReplayStore struct {
	db *sql.DB
}

// NewSQLiteReplayStore opens (or creates) the replay database at dbPath and
// runs the schema migration.
func NewSQLiteReplayStore(dbPath string) (*SQLiteReplayStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open replay db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS replay_keys (
			key        TEXT PRIMARY KEY,
			expires_at INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate replay db: %w", err)
	}
	return &SQLiteReplayStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteReplayStore) Close() error {
	return s.db.Close()
}

// CheckAndInsert implements ReplayStore. Insertion and the duplicate check
// are a single statement, so concurrent identical envelopes cannot both win.
func (s *SQLiteReplayStore) CheckAndInsert(key string, expiresAt time.Time) (bool, error) {
	now := time.Now().UnixMilli()
	if _, err := s.db.Exec("DELETE FROM replay_keys WHERE expires_at < ?", now); err != nil {
		return false, fmt.Errorf("evict expired replay keys: %w", err)
	}

	res, err := s.db.Exec(
		"INSERT INTO replay_keys (key, expires_at) VALUES (?, ?) ON CONFLICT(key) DO NOTHING",
		key, expiresAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("insert replay key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("replay insert result: %w", err)
	}
	return n == 1, nil
}
