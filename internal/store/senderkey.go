package store

import (
	"fmt"

	"github.com/gwillem/chatwire/internal/wire"
	"github.com/gwillem/chatwire/internal/wirecrypto"
)

// LoadSenderKey loads the sender key record for the given sender and
// distribution ID. Returns nil, nil if not found.
func (s *Store) LoadSenderKey(sender wire.Address, dist wirecrypto.DistributionID) (*wirecrypto.SenderKeyRecord, error) {
	var record []byte
	err := s.db.QueryRow(
		"SELECT record FROM sender_key WHERE sender_aci = ? AND sender_device = ? AND distribution_id = ?",
		sender.ACI, sender.Device, dist[:],
	).Scan(&record)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load sender key: %w", err)
	}

	return wirecrypto.ParseSenderKeyRecord(record)
}

// StoreSenderKey stores the sender key record for the given sender and
// distribution ID.
func (s *Store) StoreSenderKey(sender wire.Address, dist wirecrypto.DistributionID, rec *wirecrypto.SenderKeyRecord) error {
	data, err := rec.Marshal()
	if err != nil {
		return fmt.Errorf("store: serialize sender key: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO sender_key (sender_aci, sender_device, distribution_id, record) VALUES (?, ?, ?, ?)",
		sender.ACI, sender.Device, dist[:], data,
	)
	if err != nil {
		return fmt.Errorf("store: store sender key: %w", err)
	}
	return nil
}

// SenderKeySharedWith returns the list of "aci.deviceID" addresses that have
// received our sender key for the given distribution ID.
func (s *Store) SenderKeySharedWith(dist wirecrypto.DistributionID) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT address FROM sender_key_shared WHERE distribution_id = ?",
		dist[:],
	)
	if err != nil {
		return nil, fmt.Errorf("store: query sender key shares: %w", err)
	}
	defer rows.Close()

	var addresses []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		addresses = append(addresses, addr)
	}
	return addresses, rows.Err()
}

// MarkSenderKeyShared records that the given addresses have received our
// sender key for the given distribution ID.
func (s *Store) MarkSenderKeyShared(dist wirecrypto.DistributionID, addresses []string) error {
	for _, addr := range addresses {
		_, err := s.db.Exec(
			"INSERT OR IGNORE INTO sender_key_shared (distribution_id, address) VALUES (?, ?)",
			dist[:], addr,
		)
		if err != nil {
			return fmt.Errorf("store: mark sender key shared: %w", err)
		}
	}
	return nil
}

// ClearSenderKeyShared removes distribution tracking for a specific address
// across all distribution IDs. Called when archiving a session, so the next
// group send re-delivers the sender key.
func (s *Store) ClearSenderKeyShared(address string) error {
	_, err := s.db.Exec(
		"DELETE FROM sender_key_shared WHERE address = ?",
		address,
	)
	if err != nil {
		return fmt.Errorf("store: clear sender key shared: %w", err)
	}
	return nil
}
