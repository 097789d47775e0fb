package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	dbFileName = "lanshare.db"
	// busyTimeoutMS is how long a writer waits on a locked database before
	// giving up, in milliseconds.
	busyTimeoutMS = 5000
	// checkpointPeriod controls periodic WAL truncation while running.
	checkpointPeriod = 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS message_log (
  session_id TEXT NOT NULL,
  direction  TEXT NOT NULL CHECK(direction IN ('sent','received')),
  seq        INTEGER NOT NULL,
  timestamp  INTEGER NOT NULL,
  body       TEXT NOT NULL,
  status     TEXT NOT NULL CHECK(status IN ('delivered','failed')) DEFAULT 'delivered',
  PRIMARY KEY (session_id, direction, seq)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_message_log_session_time
ON message_log (session_id, timestamp, seq);
`,
	`
CREATE TABLE IF NOT EXISTS access_codes (
  code_hash  TEXT PRIMARY KEY,
  role       TEXT NOT NULL CHECK(role IN ('visitor','member','admin')),
  sublan     TEXT NOT NULL DEFAULT '',
  expires_at INTEGER NOT NULL,
  reusable   INTEGER NOT NULL DEFAULT 0,
  consumed   INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_access_codes_expiry
ON access_codes (expires_at);
`,
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db *sql.DB

	checkpointStop chan struct{}
	checkpointWG   sync.WaitGroup
	closeOnce      sync.Once
}

// Open opens (or creates) the lanshare database under the given data
// directory, switches it to WAL mode, and brings the schema up to date. It
// returns the store and the database file path.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, dbFileName)

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=%d", filepath.ToSlash(dbPath), busyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open sqlite database: %w", err)
	}
	if err := prepare(db); err != nil {
		_ = db.Close()
		return nil, "", err
	}

	store := &Store{
		db:             db,
		checkpointStop: make(chan struct{}),
	}
	store.startCheckpointLoop()

	return store, dbPath, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.checkpointStop)
		s.checkpointWG.Wait()
		closeErr = s.db.Close()
		s.db = nil
	})
	return closeErr
}

// prepare pings the fresh connection, switches the journal to WAL, applies
// pending migrations, and truncates any WAL left over from a previous run.
func prepare(db *sql.DB) error {
	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping sqlite database: %w", err)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}

	if err := migrate(db); err != nil {
		return err
	}

	if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

// migrate applies the statements past the stored schema version in one
// transaction, keyed on PRAGMA user_version.
func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for ; version < len(migrations); version++ {
		if _, err := tx.Exec(migrations[version]); err != nil {
			return fmt.Errorf("apply migration %d: %w", version+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", version+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", version+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

func (s *Store) startCheckpointLoop() {
	s.checkpointWG.Add(1)
	go func() {
		defer s.checkpointWG.Done()
		ticker := time.NewTicker(checkpointPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);")
			case <-s.checkpointStop:
				return
			}
		}
	}()
}
