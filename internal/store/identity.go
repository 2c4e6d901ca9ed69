package store

import (
	"crypto/ed25519"
	"fmt"

	"github.com/gwillem/chatwire/internal/wirecrypto"
)

// IdentityKeyPair returns the local identity key pair from the cached
// account, loading the account on first use.
func (s *Store) IdentityKeyPair() (*wirecrypto.IdentityKeyPair, error) {
	if s.acct == nil {
		acct, err := s.LoadAccount()
		if err != nil {
			return nil, err
		}
		if acct == nil {
			return nil, fmt.Errorf("store: no account")
		}
	}
	return s.acct.KeyPair()
}

// PeerIdentity returns the remembered identity for a peer.
// Returns nil, nil if the peer is unknown.
func (s *Store) PeerIdentity(aci string) (*wirecrypto.PeerIdentity, error) {
	var boxPub, signPub []byte
	err := s.db.QueryRow(
		"SELECT box_pub, sign_pub FROM identity WHERE aci = ?", aci,
	).Scan(&boxPub, &signPub)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load identity: %w", err)
	}
	if len(boxPub) != 32 {
		return nil, fmt.Errorf("store: malformed identity for %s", aci)
	}

	id := &wirecrypto.PeerIdentity{SignPub: ed25519.PublicKey(signPub)}
	copy(id.BoxPub[:], boxPub)
	return id, nil
}

// SavePeerIdentity remembers a peer's identity keys, replacing any earlier
// record for the same peer.
func (s *Store) SavePeerIdentity(aci string, id *wirecrypto.PeerIdentity) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO identity (aci, box_pub, sign_pub) VALUES (?, ?, ?)",
		aci, id.BoxPub[:], []byte(id.SignPub),
	)
	if err != nil {
		return fmt.Errorf("store: save identity: %w", err)
	}
	return nil
}
