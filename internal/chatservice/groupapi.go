package chatservice

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/gwillem/chatwire/internal/groups"
	"github.com/gwillem/chatwire/internal/store"
	"github.com/gwillem/chatwire/internal/wire"
	"github.com/gwillem/chatwire/internal/wirecrypto"
)

// defaultTokenTTL is how long a derived send-token bundle stays valid.
const defaultTokenTTL = 7 * 24 * time.Hour

// tokenSource derives send tokens from a group's secret params.
type tokenSource struct {
	params *wirecrypto.SecretParams
	ttl    time.Duration
}

func (ts tokenSource) SendTokens(acis []string) (map[string][]byte, time.Time, error) {
	ttl := ts.ttl
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	expiry := time.Now().Add(ttl).Truncate(time.Hour)
	tokens := make(map[string][]byte, len(acis))
	for _, aci := range acis {
		tokens[aci] = ts.params.SendToken(aci, expiry)
	}
	return tokens, expiry, nil
}

// encryptedGroup is the CBOR body of GET /v1/groups/{id}. The snapshot
// travels as one blob under the group's blob key; only the revision is
// visible to the server.
type encryptedGroup struct {
	Revision uint32 `cbor:"1,keyasint"`
	Blob     []byte `cbor:"2,keyasint"`
}

// encryptedChange is the CBOR body of PATCH /v1/groups/{id}.
type encryptedChange struct {
	Revision uint32 `cbor:"1,keyasint"`
	Blob     []byte `cbor:"2,keyasint"`
}

func groupPath(id wirecrypto.GroupID) string {
	return "/v1/groups/" + hex.EncodeToString(id[:])
}

// FetchGroup pulls the authoritative snapshot for a group, installs it in
// the cache with a fresh token bundle, and persists the master key.
func (s *Service) FetchGroup(ctx context.Context, masterKey wirecrypto.GroupMasterKey) (*groups.Group, error) {
	params, err := wirecrypto.DeriveSecretParams(masterKey)
	if err != nil {
		return nil, err
	}
	id := params.GroupID()

	resp, err := s.socket.SendRequest(ctx, "GET", groupPath(id), nil)
	if err != nil {
		return nil, err
	}
	if resp.Status != 200 {
		return nil, fmt.Errorf("chatservice: fetch group: status %d %s", resp.Status, resp.Message)
	}

	var eg encryptedGroup
	if err := cbor.Unmarshal(resp.Body, &eg); err != nil {
		return nil, fmt.Errorf("chatservice: parse group response: %w", err)
	}
	plain, err := params.DecryptBlob(eg.Blob)
	if err != nil {
		return nil, fmt.Errorf("chatservice: decrypt group blob: %w", err)
	}
	g := new(groups.Group)
	if err := cbor.Unmarshal(plain, g); err != nil {
		return nil, fmt.Errorf("chatservice: parse group snapshot: %w", err)
	}
	g.MasterKey = masterKey
	g.ID = id
	if g.Revision != eg.Revision {
		return nil, fmt.Errorf("chatservice: group revision mismatch: blob %d, record %d", g.Revision, eg.Revision)
	}

	if err := s.cache.Put(g, tokenSource{params: params}); err != nil && !errors.Is(err, groups.ErrStaleRevision) {
		return nil, err
	}
	if err := s.persistGroup(g); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *Service) persistGroup(g *groups.Group) error {
	return s.store.SaveGroup(&store.Group{
		GroupID:   hex.EncodeToString(g.ID[:]),
		MasterKey: g.MasterKey[:],
		Name:      g.Title,
		Revision:  g.Revision,
	})
}

// submitChange sends an encrypted change record. A 409 means the target
// revision was taken by a concurrent writer.
func (s *Service) submitChange(ctx context.Context, params *wirecrypto.SecretParams, change *groups.GroupChange) error {
	plain, err := cbor.Marshal(change)
	if err != nil {
		return fmt.Errorf("chatservice: marshal group change: %w", err)
	}
	blob, err := params.EncryptBlob(plain)
	if err != nil {
		return err
	}
	body, err := cbor.Marshal(&encryptedChange{Revision: change.Revision, Blob: blob})
	if err != nil {
		return fmt.Errorf("chatservice: marshal change body: %w", err)
	}

	resp, err := s.socket.SendRequest(ctx, "PATCH", groupPath(params.GroupID()), body)
	if err != nil {
		return err
	}
	switch resp.Status {
	case 200:
		return nil
	case 409:
		return fmt.Errorf("chatservice: submit change: %w", groups.ErrConflict)
	default:
		return fmt.Errorf("chatservice: submit change: status %d %s", resp.Status, resp.Message)
	}
}

// UpdateGroup pushes a change through the write-race reconciliation loop:
// on conflict the authoritative snapshot is refetched, already-true parts
// of the change are dropped, and the remainder is resubmitted. The returned
// change is what the server finally accepted; nil means everything the
// caller wanted was already true.
func (s *Service) UpdateGroup(ctx context.Context, masterKey wirecrypto.GroupMasterKey, change *groups.GroupChange) (*groups.GroupChange, error) {
	params, err := wirecrypto.DeriveSecretParams(masterKey)
	if err != nil {
		return nil, err
	}

	if change.Revision == 0 {
		g, err := s.groupSnapshot(ctx, masterKey)
		if err != nil {
			return nil, err
		}
		change.Revision = g.Revision + 1
	}

	r := groups.Reconciler{
		Fetch: func(ctx context.Context, _ wirecrypto.GroupID) (*groups.Group, error) {
			return s.FetchGroup(ctx, masterKey)
		},
		Submit: func(ctx context.Context, _ wirecrypto.GroupID, change *groups.GroupChange) error {
			return s.submitChange(ctx, params, change)
		},
	}
	accepted, err := r.Resubmit(ctx, params.GroupID(), change)
	if err != nil {
		return nil, err
	}
	if accepted != nil {
		// Keep the local copy in step without waiting for the server echo.
		if _, err := s.cache.ApplyUpdate(params.GroupID(), accepted, tokenSource{params: params}); err != nil {
			s.cache.Evict(params.GroupID())
		}
	}
	return accepted, nil
}

// groupSnapshot returns the cached snapshot for a group, fetching from the
// server when the cache has nothing servable.
func (s *Service) groupSnapshot(ctx context.Context, masterKey wirecrypto.GroupMasterKey) (*groups.Group, error) {
	params, err := wirecrypto.DeriveSecretParams(masterKey)
	if err != nil {
		return nil, err
	}
	if e, ok := s.cache.Get(params.GroupID()); ok {
		return e.Group, nil
	}
	return s.FetchGroup(ctx, masterKey)
}

// applyGroupContext folds the group context of an incoming message into
// local state: unknown groups are fetched in full, attached change records
// advance the cached snapshot, and anything the cache cannot bridge falls
// back to an authoritative refetch.
func (s *Service) applyGroupContext(ctx context.Context, gc *wire.GroupContext) error {
	if len(gc.MasterKey) != len(wirecrypto.GroupMasterKey{}) {
		return fmt.Errorf("chatservice: bad group master key length %d", len(gc.MasterKey))
	}
	var masterKey wirecrypto.GroupMasterKey
	copy(masterKey[:], gc.MasterKey)

	params, err := wirecrypto.DeriveSecretParams(masterKey)
	if err != nil {
		return err
	}
	id := params.GroupID()

	cached, ok := s.cache.Get(id)
	if !ok {
		_, err := s.FetchGroup(ctx, masterKey)
		return err
	}
	if gc.Revision <= cached.Group.Revision {
		return nil
	}

	if len(gc.Change) > 0 {
		plain, err := params.DecryptBlob(gc.Change)
		if err != nil {
			return fmt.Errorf("chatservice: decrypt group change: %w", err)
		}
		change := new(groups.GroupChange)
		if err := cbor.Unmarshal(plain, change); err != nil {
			return fmt.Errorf("chatservice: parse group change: %w", err)
		}
		updated, err := s.cache.ApplyUpdate(id, change, tokenSource{params: params})
		switch {
		case err == nil:
			return s.persistGroup(updated)
		case errors.Is(err, groups.ErrStaleRevision):
			return nil
		}
		// Gap or token failure: the entry is gone, refetch.
	}

	_, err = s.FetchGroup(ctx, masterKey)
	return err
}

// installSenderKey stores the sender key announced by a distribution
// message, so subsequent group messages from that sender decrypt.
func (s *Service) installSenderKey(sender wire.Address, skd []byte) error {
	s.cryptoMu.Lock()
	defer s.cryptoMu.Unlock()
	return wirecrypto.ProcessSenderKeyDistribution(sender, skd, s.store)
}
