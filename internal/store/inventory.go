package store

import (
	"fmt"
	"time"

	"github.com/convergd/convergd/internal/manifest"
)

// InventoryItem is one applied object recorded for a group.
type InventoryItem struct {
	Key    manifest.Key
	Digest string // digest of the manifest as applied
}

// ReplaceInventory atomically replaces a group's applied-object set.
func (s *Store) ReplaceInventory(group string, items []InventoryItem) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM inventory WHERE group_name = ?`, group); err != nil {
		return fmt.Errorf("clear inventory for %s: %w", group, err)
	}
	now := time.Now().UnixMilli()
	for _, item := range items {
		_, err := tx.Exec(`
			INSERT INTO inventory (group_name, kind, namespace, name, digest, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, group, item.Key.Kind, item.Key.Namespace, item.Key.Name, item.Digest, now)
		if err != nil {
			return fmt.Errorf("insert inventory for %s: %w", group, err)
		}
	}
	return tx.Commit()
}

// ListInventory returns a group's applied objects ordered by key.
func (s *Store) ListInventory(group string) ([]InventoryItem, error) {
	rows, err := s.db.Query(`
		SELECT kind, namespace, name, digest
		FROM inventory WHERE group_name = ?
		ORDER BY kind, namespace, name
	`, group)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InventoryItem
	for rows.Next() {
		var item InventoryItem
		if err := rows.Scan(&item.Key.Kind, &item.Key.Namespace, &item.Key.Name, &item.Digest); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// DeleteInventory drops all inventory rows of a group.
func (s *Store) DeleteInventory(group string) error {
	_, err := s.db.Exec(`DELETE FROM inventory WHERE group_name = ?`, group)
	return err
}

// ListInventoryGroups returns the names of all groups holding inventory.
func (s *Store) ListInventoryGroups() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT group_name FROM inventory ORDER BY group_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}
