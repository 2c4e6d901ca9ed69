package store

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/gwillem/chatwire/internal/wirecrypto"
)

// Account holds the local credentials and identity key material needed to
// authenticate and operate.
type Account struct {
	ACI            string `json:"aci"`
	DeviceID       uint32 `json:"deviceId"`
	Password       string `json:"password"`
	RegistrationID uint32 `json:"registrationId"`

	BoxPrivate  []byte `json:"boxPrivate"`
	BoxPublic   []byte `json:"boxPublic"`
	SignPrivate []byte `json:"signPrivate"`
	SignPublic  []byte `json:"signPublic"`
	ProfileKey  []byte `json:"profileKey"`
}

const accountKey = "account"

// KeyPair reassembles the identity key pair from the stored account fields.
func (a *Account) KeyPair() (*wirecrypto.IdentityKeyPair, error) {
	if len(a.BoxPrivate) != 32 || len(a.BoxPublic) != 32 {
		return nil, fmt.Errorf("store: account has malformed box keys")
	}
	if len(a.SignPrivate) != ed25519.PrivateKeySize || len(a.SignPublic) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("store: account has malformed signing keys")
	}
	kp := &wirecrypto.IdentityKeyPair{
		SignPriv: ed25519.PrivateKey(a.SignPrivate),
		SignPub:  ed25519.PublicKey(a.SignPublic),
	}
	copy(kp.BoxPriv[:], a.BoxPrivate)
	copy(kp.BoxPub[:], a.BoxPublic)
	return kp, nil
}

// SetKeyPair stores the identity key pair into the account fields.
func (a *Account) SetKeyPair(kp *wirecrypto.IdentityKeyPair) {
	a.BoxPrivate = append([]byte(nil), kp.BoxPriv[:]...)
	a.BoxPublic = append([]byte(nil), kp.BoxPub[:]...)
	a.SignPrivate = append([]byte(nil), kp.SignPriv...)
	a.SignPublic = append([]byte(nil), kp.SignPub...)
}

// SaveAccount persists the account credentials to the database and caches
// them for identity lookups.
func (s *Store) SaveAccount(acct *Account) error {
	data, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("store: marshal account: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO account (key, value) VALUES (?, ?)",
		accountKey, data,
	)
	if err != nil {
		return fmt.Errorf("store: save account: %w", err)
	}
	s.acct = acct
	return nil
}

// LoadAccount loads the account credentials from the database.
// Returns nil, nil if no account has been saved.
func (s *Store) LoadAccount() (*Account, error) {
	var data []byte
	err := s.db.QueryRow(
		"SELECT value FROM account WHERE key = ?", accountKey,
	).Scan(&data)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load account: %w", err)
	}

	var acct Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, fmt.Errorf("store: unmarshal account: %w", err)
	}
	s.acct = &acct
	return &acct, nil
}
