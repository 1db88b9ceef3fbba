package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "github.com/mattn/go-sqlite3"
)

var log = logging.Logger("storage")

const (
	dbFileName = "nearlink.db"

	walCheckpointInterval = 5 * time.Minute

	// defaultEventRetention caps the event log table. Older rows are
	// pruned on append once the cap is exceeded.
	defaultEventRetention = 10000
)

// migrations run in order. The schema version is tracked via
// PRAGMA user_version, so each new migration appends to this list.
var migrations = []string{
	`CREATE TABLE devices (
		device_id      TEXT PRIMARY KEY,
		display_name   TEXT NOT NULL DEFAULT '',
		first_seen     INTEGER NOT NULL,
		last_connected INTEGER,
		last_seen      INTEGER,
		connect_count  INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE TABLE event_log (
		id        TEXT PRIMARY KEY,
		message   TEXT NOT NULL,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX idx_event_log_timestamp ON event_log(timestamp DESC);`,
}

// Store wraps the SQLite database holding the device archive and the
// persisted activity log.
type Store struct {
	db   *sql.DB
	path string

	eventRetention int

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open creates or opens the database inside dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return OpenPath(filepath.Join(dataDir, dbFileName))
}

// OpenPath opens the database at an explicit file path, applies
// pending migrations, and starts the WAL checkpoint loop.
func OpenPath(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)

	store := &Store{
		db:             db,
		path:           path,
		eventRetention: defaultEventRetention,
		stop:           make(chan struct{}),
	}

	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}

	store.wg.Add(1)
	go store.walCheckpointLoop()

	return store, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		if err := s.checkpointWAL(); err != nil {
			log.Warnf("final WAL checkpoint failed: %v", err)
		}
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) enableWALMode() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if mode != "wal" {
		return fmt.Errorf("enable WAL mode: got journal_mode %q", mode)
	}
	return nil
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("bump schema version to %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
		log.Debugf("applied schema migration %d", i+1)
	}
	return nil
}

func (s *Store) walCheckpointLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(walCheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.checkpointWAL(); err != nil {
				log.Warnf("WAL checkpoint failed: %v", err)
			}
		case <-s.stop:
			return
		}
	}
}

func (s *Store) checkpointWAL() error {
	_, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

func nullInt64(v sql.NullInt64) int64 {
	if v.Valid {
		return v.Int64
	}
	return 0
}
