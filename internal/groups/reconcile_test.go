package groups

import (
	"context"
	"errors"
	"testing"

	"github.com/gwillem/chatwire/internal/wirecrypto"
)

func TestReconcileDropsAlreadyTrueFields(t *testing.T) {
	title := "same"
	newTitle := "different"
	current := &Group{
		Title:    title,
		Revision: 10,
		Members:  []Member{{ACI: "alice", Role: RoleAdmin}},
		Banned:   []BannedMember{{ACI: "mallory"}},
	}

	proposed := &GroupChange{
		Revision:          8,
		AddMembers:        []Member{{ACI: "alice"}, {ACI: "bob"}}, // alice already in
		DeleteMembers:     []string{"carol"},                      // already gone
		ModifyMemberRoles: []RoleChange{{ACI: "alice", Role: RoleAdmin}}, // already admin
		AddBanned:         []BannedMember{{ACI: "mallory"}},       // already banned
		NewTitle:          &title,                                 // already the title
		NewDescription:    &newTitle,
	}

	got := Reconcile(proposed, current)

	if got.Revision != 11 {
		t.Errorf("revision = %d, want 11", got.Revision)
	}
	if len(got.AddMembers) != 1 || got.AddMembers[0].ACI != "bob" {
		t.Errorf("AddMembers = %+v, want only bob", got.AddMembers)
	}
	if got.DeleteMembers != nil {
		t.Errorf("DeleteMembers = %v, want dropped", got.DeleteMembers)
	}
	if got.ModifyMemberRoles != nil {
		t.Errorf("ModifyMemberRoles = %v, want dropped", got.ModifyMemberRoles)
	}
	if got.AddBanned != nil {
		t.Errorf("AddBanned = %v, want dropped", got.AddBanned)
	}
	if got.NewTitle != nil {
		t.Error("NewTitle kept although already true")
	}
	if got.NewDescription == nil {
		t.Error("NewDescription dropped although still different")
	}
}

func TestReconcileFullyAppliedIsEmpty(t *testing.T) {
	current := &Group{Revision: 4, Members: []Member{{ACI: "x", Role: RoleDefault}}}
	proposed := &GroupChange{Revision: 4, AddMembers: []Member{{ACI: "x"}}}
	if got := Reconcile(proposed, current); !got.IsEmpty() {
		t.Fatalf("change not empty after full application: %+v", got)
	}
}

func TestResubmitResolvesAfterConflict(t *testing.T) {
	var id wirecrypto.GroupID
	submits := 0
	r := &Reconciler{
		Fetch: func(ctx context.Context, _ wirecrypto.GroupID) (*Group, error) {
			// Concurrent edit moved the group to revision 7.
			return &Group{Revision: 7}, nil
		},
		Submit: func(ctx context.Context, _ wirecrypto.GroupID, change *GroupChange) error {
			submits++
			if change.Revision != 8 {
				return ErrConflict
			}
			return nil
		},
	}

	accepted, err := r.Resubmit(context.Background(), id, &GroupChange{
		Revision:   6,
		AddMembers: []Member{{ACI: "bob"}},
	})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if accepted == nil || accepted.Revision != 8 {
		t.Fatalf("accepted = %+v, want revision 8", accepted)
	}
	if submits != 2 {
		t.Errorf("submits = %d, want 2", submits)
	}
}

func TestResubmitNothingLeftToDo(t *testing.T) {
	var id wirecrypto.GroupID
	r := &Reconciler{
		Fetch: func(ctx context.Context, _ wirecrypto.GroupID) (*Group, error) {
			// The other device already added bob.
			return &Group{Revision: 7, Members: []Member{{ACI: "bob"}}}, nil
		},
		Submit: func(ctx context.Context, _ wirecrypto.GroupID, change *GroupChange) error {
			return ErrConflict
		},
	}

	accepted, err := r.Resubmit(context.Background(), id, &GroupChange{
		Revision:   6,
		AddMembers: []Member{{ACI: "bob"}},
	})
	if err != nil || accepted != nil {
		t.Fatalf("got %+v, %v; want nil change and nil error", accepted, err)
	}
}

func TestResubmitBoundedRetries(t *testing.T) {
	var id wirecrypto.GroupID
	submits := 0
	r := &Reconciler{
		MaxAttempts: 3,
		Fetch: func(ctx context.Context, _ wirecrypto.GroupID) (*Group, error) {
			// Revision keeps moving, the change never lands.
			return &Group{Revision: uint32(10 + submits)}, nil
		},
		Submit: func(ctx context.Context, _ wirecrypto.GroupID, change *GroupChange) error {
			submits++
			return ErrConflict
		},
	}

	_, err := r.Resubmit(context.Background(), id, &GroupChange{
		Revision:   2,
		AddMembers: []Member{{ACI: "bob"}},
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
	if submits != 3 {
		t.Errorf("submits = %d, want exactly MaxAttempts", submits)
	}
}

func TestResubmitNonConflictErrorPropagates(t *testing.T) {
	var id wirecrypto.GroupID
	boom := errors.New("server exploded")
	r := &Reconciler{
		Fetch: func(ctx context.Context, _ wirecrypto.GroupID) (*Group, error) {
			t.Fatal("fetch called for a non-conflict error")
			return nil, nil
		},
		Submit: func(ctx context.Context, _ wirecrypto.GroupID, change *GroupChange) error {
			return boom
		},
	}
	_, err := r.Resubmit(context.Background(), id, &GroupChange{Revision: 1, DeleteMembers: []string{"x"}})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want the submit error", err)
	}
}
