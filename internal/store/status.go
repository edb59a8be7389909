package store

import (
	"database/sql"
	"time"
)

// GroupStatus is the persisted reconciliation state of one group.
type GroupStatus struct {
	Name                  string
	LastAppliedRevision   string
	LastAttemptedRevision string
	AppliedGeneration     int64
	Health                string
	Phase                 string
	LastError             string
	LastReconcile         time.Time
	NextDue               time.Time
	Suspended             bool
}

// UpsertGroupStatus writes the group's status row.
func (s *Store) UpsertGroupStatus(gs GroupStatus) error {
	_, err := s.db.Exec(`
		INSERT INTO group_status (name, last_applied_revision, last_attempted_revision, applied_generation, health, phase, last_error, last_reconcile, next_due, suspended, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			last_applied_revision = excluded.last_applied_revision,
			last_attempted_revision = excluded.last_attempted_revision,
			applied_generation = excluded.applied_generation,
			health = excluded.health,
			phase = excluded.phase,
			last_error = excluded.last_error,
			last_reconcile = excluded.last_reconcile,
			next_due = excluded.next_due,
			suspended = excluded.suspended,
			updated_at = excluded.updated_at
	`, gs.Name, gs.LastAppliedRevision, gs.LastAttemptedRevision, gs.AppliedGeneration, gs.Health, gs.Phase, gs.LastError,
		unixMilli(gs.LastReconcile), unixMilli(gs.NextDue), boolToInt(gs.Suspended), time.Now().UnixMilli())
	return err
}

// GetGroupStatus reads one group's status row.
func (s *Store) GetGroupStatus(name string) (GroupStatus, bool, error) {
	row := s.db.QueryRow(`
		SELECT name, last_applied_revision, last_attempted_revision, applied_generation, health, phase, last_error, last_reconcile, next_due, suspended
		FROM group_status WHERE name = ?
	`, name)
	gs, err := scanStatus(row)
	if err == sql.ErrNoRows {
		return GroupStatus{}, false, nil
	}
	if err != nil {
		return GroupStatus{}, false, err
	}
	return gs, true, nil
}

// ListGroupStatuses returns all status rows ordered by name.
func (s *Store) ListGroupStatuses() ([]GroupStatus, error) {
	rows, err := s.db.Query(`
		SELECT name, last_applied_revision, last_attempted_revision, applied_generation, health, phase, last_error, last_reconcile, next_due, suspended
		FROM group_status ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GroupStatus
	for rows.Next() {
		gs, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, gs)
	}
	return out, rows.Err()
}

// DeleteGroupStatus removes the row of a group that left the desired state.
func (s *Store) DeleteGroupStatus(name string) error {
	_, err := s.db.Exec(`DELETE FROM group_status WHERE name = ?`, name)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStatus(row rowScanner) (GroupStatus, error) {
	var gs GroupStatus
	var lastReconcile, nextDue int64
	var suspended int
	err := row.Scan(&gs.Name, &gs.LastAppliedRevision, &gs.LastAttemptedRevision, &gs.AppliedGeneration, &gs.Health, &gs.Phase,
		&gs.LastError, &lastReconcile, &nextDue, &suspended)
	if err != nil {
		return GroupStatus{}, err
	}
	gs.LastReconcile = fromUnixMilli(lastReconcile)
	gs.NextDue = fromUnixMilli(nextDue)
	gs.Suspended = suspended != 0
	return gs, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
