package store

import (
	"fmt"

	"github.com/gwillem/chatwire/internal/wire"
	"github.com/gwillem/chatwire/internal/wirecrypto"
)

// LoadSession loads the session record for the given address.
// Returns nil, nil if no session exists.
func (s *Store) LoadSession(addr wire.Address) (*wirecrypto.SessionRecord, error) {
	var record []byte
	err := s.db.QueryRow(
		"SELECT record FROM session WHERE address = ? AND device_id = ?",
		addr.ACI, addr.Device,
	).Scan(&record)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load session: %w", err)
	}

	return wirecrypto.ParseSessionRecord(record)
}

// StoreSession stores the session record for the given address.
func (s *Store) StoreSession(addr wire.Address, rec *wirecrypto.SessionRecord) error {
	data, err := rec.Marshal()
	if err != nil {
		return fmt.Errorf("store: serialize session: %w", err)
	}

	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO session (address, device_id, record) VALUES (?, ?, ?)",
		addr.ACI, addr.Device, data,
	)
	if err != nil {
		return fmt.Errorf("store: store session: %w", err)
	}
	return nil
}

// DeleteSession removes the session record for the given address. The next
// message in either direction forces a fresh handshake.
func (s *Store) DeleteSession(addr wire.Address) error {
	_, err := s.db.Exec(
		"DELETE FROM session WHERE address = ? AND device_id = ?",
		addr.ACI, addr.Device,
	)
	if err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	return nil
}
