package store

import (
	"database/sql"
	"time"
)

// LedgerEntry is a single recorded event.
type LedgerEntry struct {
	ID         int64
	EventType  string
	Timestamp  time.Time
	Group      string
	Revision   string
	Detail     string
	EpisodeKey string
}

// AppendEvent records an event. When episodeKey is non-empty the insert
// is deduplicating: the unique partial index ensures first writer wins,
// and inserted reports whether this call recorded a fresh row.
func (s *Store) AppendEvent(eventType, group, revision, detail, episodeKey string) (inserted bool, err error) {
	insertSQL := `INSERT INTO event_ledger (event_type, timestamp, group_name, revision, detail, episode_key) VALUES (?, ?, ?, ?, ?, ?)`
	if episodeKey != "" {
		insertSQL = `INSERT OR IGNORE INTO event_ledger (event_type, timestamp, group_name, revision, detail, episode_key) VALUES (?, ?, ?, ?, ?, ?)`
	}

	res, err := s.db.Exec(insertSQL, eventType, time.Now().UTC().UnixMilli(), group, revision, detail, episodeKey)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// HasEpisode checks whether an episode key was already recorded.
func (s *Store) HasEpisode(episodeKey string) bool {
	if episodeKey == "" {
		return false // Empty key = no dedupe
	}

	var exists int
	err := s.db.QueryRow(`
		SELECT 1 FROM event_ledger
		WHERE episode_key = ?
		LIMIT 1
	`, episodeKey).Scan(&exists)

	return err == nil && exists == 1
}

// RecentEvents returns the newest events first.
func (s *Store) RecentEvents(limit int) ([]LedgerEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, event_type, timestamp, group_name, revision, detail, episode_key
		FROM event_ledger
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// EventsByGroup returns the newest events of one group first.
func (s *Store) EventsByGroup(group string, limit int) ([]LedgerEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, event_type, timestamp, group_name, revision, detail, episode_key
		FROM event_ledger
		WHERE group_name = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, group, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// DeleteEventsOlderThan removes entries past the retention window.
func (s *Store) DeleteEventsOlderThan(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	result, err := s.db.Exec(`
		DELETE FROM event_ledger WHERE timestamp < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanEntries(rows *sql.Rows) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	for rows.Next() {
		var entry LedgerEntry
		var group, revision, detail, episodeKey sql.NullString
		var timestamp int64

		err := rows.Scan(&entry.ID, &entry.EventType, &timestamp, &group, &revision, &detail, &episodeKey)
		if err != nil {
			return nil, err
		}

		entry.Timestamp = time.UnixMilli(timestamp).UTC()
		if group.Valid {
			entry.Group = group.String
		}
		if revision.Valid {
			entry.Revision = revision.String
		}
		if detail.Valid {
			entry.Detail = detail.String
		}
		if episodeKey.Valid {
			entry.EpisodeKey = episodeKey.String
		}

		entries = append(entries, entry)
	}

	return entries, rows.Err()
}
