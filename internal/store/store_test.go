package store

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/gwillem/chatwire/internal/wire"
	"github.com/gwillem/chatwire/internal/wirecrypto"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testAccount(t *testing.T) *Account {
	t.Helper()
	kp, err := wirecrypto.NewIdentityKeyPair()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	acct := &Account{
		ACI:            "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee",
		DeviceID:       1,
		Password:       "hunter2",
		RegistrationID: 4242,
	}
	acct.SetKeyPair(kp)
	return acct
}

func TestAccountRoundtrip(t *testing.T) {
	s := tempStore(t)

	if acct, err := s.LoadAccount(); err != nil || acct != nil {
		t.Fatalf("empty store: got %v, %v", acct, err)
	}

	want := testAccount(t)
	if err := s.SaveAccount(want); err != nil {
		t.Fatalf("save account: %v", err)
	}

	got, err := s.LoadAccount()
	if err != nil {
		t.Fatalf("load account: %v", err)
	}
	if got.ACI != want.ACI || got.DeviceID != want.DeviceID || got.Password != want.Password {
		t.Errorf("account mismatch: got %+v, want %+v", got, want)
	}

	kp, err := s.IdentityKeyPair()
	if err != nil {
		t.Fatalf("identity key pair: %v", err)
	}
	if !bytes.Equal(kp.BoxPub[:], want.BoxPublic) {
		t.Error("identity box key does not match saved account")
	}
}

func TestSessionRoundtrip(t *testing.T) {
	s := tempStore(t)
	addr := wire.NewAddress("peer-aci", 2)

	if rec, err := s.LoadSession(addr); err != nil || rec != nil {
		t.Fatalf("missing session: got %v, %v", rec, err)
	}

	rec := &wirecrypto.SessionRecord{SendCounter: 7}
	if err := s.StoreSession(addr, rec); err != nil {
		t.Fatalf("store session: %v", err)
	}

	got, err := s.LoadSession(addr)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if got == nil || got.SendCounter != 7 {
		t.Errorf("session mismatch: got %+v", got)
	}

	if err := s.DeleteSession(addr); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if got, err := s.LoadSession(addr); err != nil || got != nil {
		t.Fatalf("session after delete: got %v, %v", got, err)
	}
}

func TestPeerIdentityRoundtrip(t *testing.T) {
	s := tempStore(t)

	if id, err := s.PeerIdentity("nobody"); err != nil || id != nil {
		t.Fatalf("unknown peer: got %v, %v", id, err)
	}

	kp, err := wirecrypto.NewIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SavePeerIdentity("peer-aci", kp.Public()); err != nil {
		t.Fatalf("save identity: %v", err)
	}

	got, err := s.PeerIdentity("peer-aci")
	if err != nil {
		t.Fatalf("load identity: %v", err)
	}
	if !bytes.Equal(got.BoxPub[:], kp.BoxPub[:]) || !bytes.Equal(got.SignPub, kp.SignPub) {
		t.Error("peer identity mismatch")
	}
}

func TestPreKeyRoundtrip(t *testing.T) {
	s := tempStore(t)

	pk, err := wirecrypto.NewPreKey(31)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.StorePreKey(pk); err != nil {
		t.Fatalf("store pre-key: %v", err)
	}

	got, err := s.LoadPreKey(31)
	if err != nil {
		t.Fatalf("load pre-key: %v", err)
	}
	if got == nil || got.Pub != pk.Pub {
		t.Errorf("pre-key mismatch: got %+v", got)
	}

	if err := s.RemovePreKey(31); err != nil {
		t.Fatalf("remove pre-key: %v", err)
	}
	if got, err := s.LoadPreKey(31); err != nil || got != nil {
		t.Fatalf("pre-key after remove: got %v, %v", got, err)
	}
}

func TestSenderKeySharedTracking(t *testing.T) {
	s := tempStore(t)
	var dist wirecrypto.DistributionID
	copy(dist[:], "0123456789abcdef")

	if err := s.MarkSenderKeyShared(dist, []string{"a.1", "a.2", "b.1"}); err != nil {
		t.Fatalf("mark shared: %v", err)
	}
	// Marking again must not duplicate.
	if err := s.MarkSenderKeyShared(dist, []string{"a.1"}); err != nil {
		t.Fatalf("re-mark shared: %v", err)
	}

	addrs, err := s.SenderKeySharedWith(dist)
	if err != nil {
		t.Fatalf("shared with: %v", err)
	}
	if len(addrs) != 3 {
		t.Errorf("got %d shared addresses, want 3: %v", len(addrs), addrs)
	}

	if err := s.ClearSenderKeyShared("a.1"); err != nil {
		t.Fatalf("clear shared: %v", err)
	}
	addrs, err = s.SenderKeySharedWith(dist)
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range addrs {
		if a == "a.1" {
			t.Error("cleared address still tracked")
		}
	}
}

func TestEventBuffer(t *testing.T) {
	s := tempStore(t)

	if ev, err := s.BufferedEvent("fp1"); err != nil || ev != nil {
		t.Fatalf("unseen fingerprint: got %v, %v", ev, err)
	}

	if err := s.PutBufferedEvent("fp1", []byte("hello")); err != nil {
		t.Fatalf("put event: %v", err)
	}
	ev, err := s.BufferedEvent("fp1")
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if ev.Tombstone || string(ev.Plaintext) != "hello" {
		t.Errorf("event mismatch: %+v", ev)
	}

	if err := s.TombstoneBufferedEvent("fp1"); err != nil {
		t.Fatalf("tombstone: %v", err)
	}
	ev, err = s.BufferedEvent("fp1")
	if err != nil {
		t.Fatal(err)
	}
	if !ev.Tombstone || ev.Plaintext != nil {
		t.Errorf("tombstone mismatch: %+v", ev)
	}

	// nil plaintext writes a tombstone directly.
	if err := s.PutBufferedEvent("fp2", nil); err != nil {
		t.Fatal(err)
	}
	ev, err = s.BufferedEvent("fp2")
	if err != nil {
		t.Fatal(err)
	}
	if !ev.Tombstone {
		t.Error("nil plaintext should produce a tombstone")
	}
}

func TestPruneEventBuffer(t *testing.T) {
	s := tempStore(t)

	if err := s.PutBufferedEvent("old", []byte("x")); err != nil {
		t.Fatal(err)
	}
	n, err := s.PruneEventBuffer(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d rows, want 1", n)
	}
	if ev, err := s.BufferedEvent("old"); err != nil || ev != nil {
		t.Fatalf("event after prune: got %v, %v", ev, err)
	}
}

func TestWithTxRollback(t *testing.T) {
	s := tempStore(t)
	boom := errors.New("boom")

	err := s.WithTx(func(tx *Store) error {
		if err := tx.PutBufferedEvent("fp", []byte("x")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want wrapped boom", err)
	}

	if ev, err := s.BufferedEvent("fp"); err != nil || ev != nil {
		t.Fatalf("rolled-back write visible: got %v, %v", ev, err)
	}
}

func TestWithTxCommit(t *testing.T) {
	s := tempStore(t)
	addr := wire.NewAddress("peer", 1)

	err := s.WithTx(func(tx *Store) error {
		if err := tx.StoreSession(addr, &wirecrypto.SessionRecord{SendCounter: 1}); err != nil {
			return err
		}
		return tx.PutBufferedEvent("fp", []byte("plain"))
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	rec, err := s.LoadSession(addr)
	if err != nil || rec == nil {
		t.Fatalf("session after commit: %v, %v", rec, err)
	}
	ev, err := s.BufferedEvent("fp")
	if err != nil || ev == nil {
		t.Fatalf("event after commit: %v, %v", ev, err)
	}
}

func TestGroupRoundtrip(t *testing.T) {
	s := tempStore(t)

	g := &Group{
		GroupID:   "00ff",
		MasterKey: bytes.Repeat([]byte{7}, 32),
		Name:      "pelican fanciers",
		Revision:  9,
	}
	if err := s.SaveGroup(g); err != nil {
		t.Fatalf("save group: %v", err)
	}

	got, err := s.GetGroup("00ff")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if got == nil || got.Revision != 9 || got.Name != g.Name {
		t.Errorf("group mismatch: %+v", got)
	}

	byKey, err := s.GetGroupByMasterKey(g.MasterKey)
	if err != nil || byKey == nil || byKey.GroupID != "00ff" {
		t.Fatalf("get by master key: %v, %v", byKey, err)
	}

	all, err := s.GetAllGroups()
	if err != nil || len(all) != 1 {
		t.Fatalf("all groups: %v, %v", all, err)
	}
}

func TestPeerBookkeeping(t *testing.T) {
	s := tempStore(t)

	if p, err := s.GetPeer("x"); err != nil || p != nil {
		t.Fatalf("unknown peer: got %v, %v", p, err)
	}

	if err := s.SavePeerProfileKey("x", bytes.Repeat([]byte{1}, 32)); err != nil {
		t.Fatalf("save profile key: %v", err)
	}
	if err := s.SetPeerDevices("x", []uint32{1, 3}); err != nil {
		t.Fatalf("set devices: %v", err)
	}

	p, err := s.GetPeer("x")
	if err != nil {
		t.Fatal(err)
	}
	if len(p.ProfileKey) != 32 {
		t.Error("profile key lost")
	}
	if len(p.Devices) != 2 || p.Devices[0] != 1 || p.Devices[1] != 3 {
		t.Errorf("devices mismatch: %v", p.Devices)
	}

	devs, err := s.PeerDevices("x")
	if err != nil || len(devs) != 2 {
		t.Fatalf("peer devices: %v, %v", devs, err)
	}
}
