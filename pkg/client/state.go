package client

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// State manages client-side persistent state: read markers per room and
// thread, a small config kv, and per-server connection history.
type State struct {
	db  *sql.DB
	dir string
}

// OpenState opens or creates the client state database
func OpenState(path string) (*State, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	// Client only needs one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	state := &State{db: db, dir: dir}
	if err := state.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return state, nil
}

// Close closes the state database
func (s *State) Close() error {
	return s.db.Close()
}

func (s *State) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS Config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ReadState (
	kind TEXT NOT NULL,
	target_id INTEGER NOT NULL,
	last_read_at INTEGER NOT NULL,
	last_read_message_id INTEGER,
	PRIMARY KEY (kind, target_id)
);

CREATE TABLE IF NOT EXISTS ConnectionHistory (
	server_url TEXT PRIMARY KEY,
	last_success_at INTEGER NOT NULL
);
`
	_, err := s.db.Exec(schema)
	return err
}

// GetConfig retrieves a configuration value
func (s *State) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM Config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetConfig stores a configuration value
func (s *State) SetConfig(key, value string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO Config (key, value) VALUES (?, ?)
	`, key, value)
	return err
}

// GetReadState returns the read marker for a room or thread
func (s *State) GetReadState(kind TimelineKind, targetID int64) (lastReadAt int64, lastReadMessageID *int64, err error) {
	var messageID sql.NullInt64
	err = s.db.QueryRow(`
		SELECT last_read_at, last_read_message_id
		FROM ReadState
		WHERE kind = ? AND target_id = ?
	`, string(kind), targetID).Scan(&lastReadAt, &messageID)

	if err == sql.ErrNoRows {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}

	if messageID.Valid {
		id := messageID.Int64
		lastReadMessageID = &id
	}

	return lastReadAt, lastReadMessageID, nil
}

// UpdateReadState updates the read marker for a room or thread
func (s *State) UpdateReadState(kind TimelineKind, targetID int64, timestamp int64, messageID *int64) error {
	var msgID sql.NullInt64
	if messageID != nil {
		msgID.Valid = true
		msgID.Int64 = *messageID
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO ReadState (kind, target_id, last_read_at, last_read_message_id)
		VALUES (?, ?, ?, ?)
	`, string(kind), targetID, timestamp, msgID)

	return err
}

// SaveSuccessfulConnection records a successful connection to a server
func (s *State) SaveSuccessfulConnection(serverURL string) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO ConnectionHistory (server_url, last_success_at)
		VALUES (?, ?)
	`, serverURL, now)
	return err
}

// GetLastSuccessfulConnection returns when a server was last reachable, or
// zero when it never was.
func (s *State) GetLastSuccessfulConnection(serverURL string) (int64, error) {
	var at int64
	err := s.db.QueryRow(`
		SELECT last_success_at FROM ConnectionHistory WHERE server_url = ?
	`, serverURL).Scan(&at)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return at, err
}

// GetStateDir returns the directory where state is stored
func (s *State) GetStateDir() string {
	return s.dir
}
