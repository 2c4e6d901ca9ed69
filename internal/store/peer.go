package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// Peer is per-contact bookkeeping: the profile key learned from their
// messages and the device IDs we currently fan out to.
type Peer struct {
	ACI        string
	ProfileKey []byte
	Devices    []uint32
}

// GetPeer retrieves peer bookkeeping by service identifier.
// Returns nil, nil if unknown.
func (s *Store) GetPeer(aci string) (*Peer, error) {
	p := &Peer{ACI: aci}
	var devices string
	err := s.db.QueryRow(
		"SELECT profile_key, devices FROM peer WHERE aci = ?", aci,
	).Scan(&p.ProfileKey, &devices)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get peer: %w", err)
	}
	p.Devices, err = parseDeviceList(devices)
	if err != nil {
		return nil, fmt.Errorf("store: peer %s: %w", aci, err)
	}
	return p, nil
}

// SavePeerProfileKey remembers the profile key a peer disclosed, creating
// the peer row if needed.
func (s *Store) SavePeerProfileKey(aci string, profileKey []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO peer (aci, profile_key) VALUES (?, ?)
		 ON CONFLICT(aci) DO UPDATE SET profile_key = excluded.profile_key`,
		aci, profileKey,
	)
	if err != nil {
		return fmt.Errorf("store: save profile key: %w", err)
	}
	return nil
}

// SetPeerDevices replaces the known device list for a peer.
func (s *Store) SetPeerDevices(aci string, devices []uint32) error {
	_, err := s.db.Exec(
		`INSERT INTO peer (aci, devices) VALUES (?, ?)
		 ON CONFLICT(aci) DO UPDATE SET devices = excluded.devices`,
		aci, formatDeviceList(devices),
	)
	if err != nil {
		return fmt.Errorf("store: set peer devices: %w", err)
	}
	return nil
}

// PeerDevices returns the known device list for a peer, empty if unknown.
func (s *Store) PeerDevices(aci string) ([]uint32, error) {
	p, err := s.GetPeer(aci)
	if err != nil || p == nil {
		return nil, err
	}
	return p.Devices, nil
}

func formatDeviceList(devices []uint32) string {
	parts := make([]string, len(devices))
	for i, d := range devices {
		parts[i] = strconv.FormatUint(uint64(d), 10)
	}
	return strings.Join(parts, ",")
}

func parseDeviceList(raw string) ([]uint32, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	devices := make([]uint32, 0, len(parts))
	for _, p := range parts {
		d, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad device list %q", raw)
		}
		devices = append(devices, uint32(d))
	}
	return devices, nil
}
