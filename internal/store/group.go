package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Group is the durable record of a known group: its identifier, master key,
// and the last revision we decrypted. Full snapshots live in the in-memory
// group cache; only the key material survives restarts.
type Group struct {
	GroupID   string // hex-encoded group identifier (32 bytes)
	MasterKey []byte // 32-byte master key
	Name      string // cached group name (may be empty)
	Revision  uint32 // last known revision
	UpdatedAt time.Time
}

// SaveGroup stores or updates a group record.
func (s *Store) SaveGroup(g *Group) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO groups (group_id, master_key, name, revision, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		g.GroupID, g.MasterKey, g.Name, g.Revision, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: save group: %w", err)
	}
	return nil
}

// GetGroup retrieves a group by its hex-encoded identifier.
// Returns nil, nil if unknown.
func (s *Store) GetGroup(groupID string) (*Group, error) {
	var g Group
	var updatedAt int64
	err := s.db.QueryRow(
		"SELECT group_id, master_key, name, revision, updated_at FROM groups WHERE group_id = ?",
		groupID,
	).Scan(&g.GroupID, &g.MasterKey, &g.Name, &g.Revision, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get group: %w", err)
	}
	g.UpdatedAt = time.Unix(updatedAt, 0)
	return &g, nil
}

// GetGroupByMasterKey retrieves a group by its master key.
// Returns nil, nil if unknown.
func (s *Store) GetGroupByMasterKey(masterKey []byte) (*Group, error) {
	var g Group
	var updatedAt int64
	err := s.db.QueryRow(
		"SELECT group_id, master_key, name, revision, updated_at FROM groups WHERE master_key = ?",
		masterKey,
	).Scan(&g.GroupID, &g.MasterKey, &g.Name, &g.Revision, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get group by master key: %w", err)
	}
	g.UpdatedAt = time.Unix(updatedAt, 0)
	return &g, nil
}

// GetAllGroups retrieves all stored groups.
func (s *Store) GetAllGroups() ([]*Group, error) {
	rows, err := s.db.Query(
		"SELECT group_id, master_key, name, revision, updated_at FROM groups ORDER BY name, group_id",
	)
	if err != nil {
		return nil, fmt.Errorf("store: list groups: %w", err)
	}
	defer rows.Close()

	var groups []*Group
	for rows.Next() {
		var g Group
		var updatedAt int64
		if err := rows.Scan(&g.GroupID, &g.MasterKey, &g.Name, &g.Revision, &updatedAt); err != nil {
			return nil, err
		}
		g.UpdatedAt = time.Unix(updatedAt, 0)
		groups = append(groups, &g)
	}
	return groups, rows.Err()
}
