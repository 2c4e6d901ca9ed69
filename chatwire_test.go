package chatwire

import (
	"path/filepath"
	"testing"

	"github.com/gwillem/chatwire/internal/chatservice"
	"github.com/gwillem/chatwire/internal/wire"
	"github.com/gwillem/chatwire/internal/wirecrypto"
)

func TestCreateAccountAndLoad(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "chatwire.db")

	c := NewClient(WithDBPath(dbPath))
	if err := c.CreateAccount("alice-aci", 1); err != nil {
		t.Fatal(err)
	}
	if c.ACI() != "alice-aci" || c.DeviceID() != 1 {
		t.Fatalf("aci=%q device=%d", c.ACI(), c.DeviceID())
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if reopened.ACI() != "alice-aci" {
		t.Errorf("aci = %q after reload", reopened.ACI())
	}
	if reopened.acct.Password != c.acct.Password {
		t.Error("password not persisted")
	}
	if len(reopened.acct.ProfileKey) != 32 {
		t.Errorf("profile key length = %d", len(reopened.acct.ProfileKey))
	}
}

func TestLoadWithoutAccountFails(t *testing.T) {
	c := NewClient(WithDBPath(filepath.Join(t.TempDir(), "empty.db")))
	if err := c.Load(); err == nil {
		c.Close()
		t.Fatal("loaded a database with no account")
	}
}

func TestConvertResult(t *testing.T) {
	dm := &chatservice.DecryptionResult{
		Sender: wire.NewAddress("alice", 2),
		Content: &wire.Content{
			DataMessage: &wire.DataMessage{Body: "hi", Timestamp: 123},
		},
	}
	msg, err, ok := convertResult(dm)
	if err != nil || !ok {
		t.Fatalf("err=%v ok=%v", err, ok)
	}
	if msg.Sender != "alice" || msg.Device != 2 || msg.Body != "hi" || msg.Timestamp != 123 {
		t.Fatalf("msg = %+v", msg)
	}

	receipt := &chatservice.DecryptionResult{
		Sender:    wire.NewAddress("alice", 1),
		Receipt:   true,
		Timestamp: 456,
	}
	msg, err, ok = convertResult(receipt)
	if err != nil || !ok || !msg.Receipt || msg.Timestamp != 456 {
		t.Fatalf("receipt msg = %+v err=%v ok=%v", msg, err, ok)
	}

	// Duplicates are silent, null messages invisible.
	dup := &chatservice.DecryptionResult{Err: chatservice.ErrDuplicate}
	if _, _, ok := convertResult(dup); ok {
		t.Error("duplicate surfaced to application")
	}
	null := &chatservice.DecryptionResult{
		Sender:  wire.NewAddress("alice", 1),
		Content: &wire.Content{NullMessage: &wire.NullMessage{}},
	}
	if _, _, ok := convertResult(null); ok {
		t.Error("null message surfaced to application")
	}
}

func TestConvertResultDerivesGroupID(t *testing.T) {
	var masterKey wirecrypto.GroupMasterKey
	for i := range masterKey {
		masterKey[i] = byte(i)
	}
	res := &chatservice.DecryptionResult{
		Sender: wire.NewAddress("alice", 1),
		Content: &wire.Content{
			DataMessage: &wire.DataMessage{
				Body:  "group hello",
				Group: &wire.GroupContext{MasterKey: masterKey[:], Revision: 3},
			},
		},
	}
	msg, err, ok := convertResult(res)
	if err != nil || !ok {
		t.Fatalf("err=%v ok=%v", err, ok)
	}
	want, derr := deriveGroupID(masterKey[:])
	if derr != nil {
		t.Fatal(derr)
	}
	if msg.GroupID != want {
		t.Errorf("group id = %q, want %q", msg.GroupID, want)
	}
}
