package store

import (
	"encoding/json"
	"fmt"

	"github.com/gwillem/chatwire/internal/wirecrypto"
)

type preKeyRecord struct {
	ID   uint32 `json:"id"`
	Priv []byte `json:"priv"`
	Pub  []byte `json:"pub"`
}

// LoadPreKey loads a one-time pre-key by ID.
// Returns nil, nil if the key is unknown.
func (s *Store) LoadPreKey(id uint32) (*wirecrypto.PreKey, error) {
	var data []byte
	err := s.db.QueryRow(
		"SELECT record FROM pre_key WHERE id = ?", id,
	).Scan(&data)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load pre-key: %w", err)
	}

	var rec preKeyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("store: unmarshal pre-key: %w", err)
	}
	if len(rec.Priv) != 32 || len(rec.Pub) != 32 {
		return nil, fmt.Errorf("store: malformed pre-key %d", id)
	}
	pk := &wirecrypto.PreKey{ID: rec.ID}
	copy(pk.Priv[:], rec.Priv)
	copy(pk.Pub[:], rec.Pub)
	return pk, nil
}

// StorePreKey stores a one-time pre-key.
func (s *Store) StorePreKey(pk *wirecrypto.PreKey) error {
	data, err := json.Marshal(preKeyRecord{ID: pk.ID, Priv: pk.Priv[:], Pub: pk.Pub[:]})
	if err != nil {
		return fmt.Errorf("store: marshal pre-key: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO pre_key (id, record) VALUES (?, ?)",
		pk.ID, data,
	)
	if err != nil {
		return fmt.Errorf("store: store pre-key: %w", err)
	}
	return nil
}

// RemovePreKey deletes a consumed one-time pre-key.
func (s *Store) RemovePreKey(id uint32) error {
	_, err := s.db.Exec("DELETE FROM pre_key WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("store: remove pre-key: %w", err)
	}
	return nil
}
