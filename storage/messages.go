package storage

import (
	"errors"
	"fmt"
)

// AppendLogEntry records one delivered (or failed) message. A replay of an
// already-logged (session, direction, seq) tuple is a no-op, so the log is
// idempotent under duplicate delivery.
func (s *Store) AppendLogEntry(entry LogEntry) error {
	if entry.SessionID == "" {
		return errors.New("session_id is required")
	}
	if err := validateDirection(entry.Direction); err != nil {
		return err
	}
	if entry.Status == "" {
		entry.Status = LogStatusDelivered
	}
	if err := validateLogStatus(entry.Status); err != nil {
		return err
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO message_log (
			session_id,
			direction,
			seq,
			timestamp,
			body,
			status
		) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.SessionID,
		entry.Direction,
		entry.Seq,
		entry.Timestamp,
		entry.Body,
		entry.Status,
	)
	if err != nil {
		return fmt.Errorf("append log entry %s/%d: %w", entry.SessionID, entry.Seq, err)
	}

	return nil
}

// History returns every logged message for a session ordered by timestamp,
// then sequence number.
func (s *Store) History(sessionID string) ([]LogEntry, error) {
	if sessionID == "" {
		return nil, errors.New("session_id is required")
	}

	rows, err := s.db.Query(
		`SELECT
			session_id,
			direction,
			seq,
			timestamp,
			body,
			status
		FROM message_log
		WHERE session_id = ?
		ORDER BY timestamp ASC, seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("load history for session %q: %w", sessionID, err)
	}
	defer rows.Close()

	entries := make([]LogEntry, 0)
	for rows.Next() {
		var entry LogEntry
		if err := rows.Scan(
			&entry.SessionID,
			&entry.Direction,
			&entry.Seq,
			&entry.Timestamp,
			&entry.Body,
			&entry.Status,
		); err != nil {
			return nil, fmt.Errorf("scan log entry row: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log entry rows: %w", err)
	}

	return entries, nil
}
