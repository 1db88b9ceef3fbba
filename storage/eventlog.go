package storage

import (
	"errors"
	"fmt"
)

// EventLogEntry is one persisted activity log line.
type EventLogEntry struct {
	ID        string
	Message   string
	Timestamp int64
}

// AppendEventLog stores one activity log entry and prunes the oldest
// rows beyond the retention cap.
func (s *Store) AppendEventLog(entry EventLogEntry) error {
	if entry.ID == "" {
		return errors.New("storage: event ID is required")
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		"INSERT INTO event_log (id, message, timestamp) VALUES (?, ?, ?)",
		entry.ID, entry.Message, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("append event log: %w", err)
	}

	return s.pruneEventLog()
}

// RecentEventLog returns up to limit entries, newest first.
func (s *Store) RecentEventLog(limit int) ([]EventLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		"SELECT id, message, timestamp FROM event_log ORDER BY timestamp DESC, id DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("query event log: %w", err)
	}
	defer rows.Close()

	var entries []EventLogEntry
	for rows.Next() {
		var entry EventLogEntry
		if err := rows.Scan(&entry.ID, &entry.Message, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event log entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ClearEventLog removes every persisted log entry.
func (s *Store) ClearEventLog() error {
	if _, err := s.db.Exec("DELETE FROM event_log"); err != nil {
		return fmt.Errorf("clear event log: %w", err)
	}
	return nil
}

// SetEventRetention overrides the retention cap. Zero or negative
// disables pruning.
func (s *Store) SetEventRetention(max int) {
	s.eventRetention = max
}

func (s *Store) pruneEventLog() error {
	if s.eventRetention <= 0 {
		return nil
	}

	_, err := s.db.Exec(`
		DELETE FROM event_log WHERE id NOT IN (
			SELECT id FROM event_log ORDER BY timestamp DESC, id DESC LIMIT ?
		)`, s.eventRetention)
	if err != nil {
		return fmt.Errorf("prune event log: %w", err)
	}
	return nil
}
