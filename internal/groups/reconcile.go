package groups

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/gwillem/chatwire/internal/wirecrypto"
)

// Reconcile returns a copy of proposed with every field that is already
// true in current dropped, retargeted at current.Revision+1. Reapplying an
// already-true change is a no-op that should not be sent again after a
// write race.
func Reconcile(proposed *GroupChange, current *Group) *GroupChange {
	out := &GroupChange{Revision: current.Revision + 1}

	for _, m := range proposed.AddMembers {
		if !current.IsMember(m.ACI) {
			out.AddMembers = append(out.AddMembers, m)
		}
	}
	for _, aci := range proposed.DeleteMembers {
		if current.IsMember(aci) {
			out.DeleteMembers = append(out.DeleteMembers, aci)
		}
	}
	for _, rc := range proposed.ModifyMemberRoles {
		if m := current.Member(rc.ACI); m != nil && m.Role != rc.Role {
			out.ModifyMemberRoles = append(out.ModifyMemberRoles, rc)
		}
	}

	for _, p := range proposed.AddPending {
		if !hasPending(current, p.ACI) && !current.IsMember(p.ACI) {
			out.AddPending = append(out.AddPending, p)
		}
	}
	for _, aci := range proposed.DeletePending {
		if hasPending(current, aci) {
			out.DeletePending = append(out.DeletePending, aci)
		}
	}
	for _, m := range proposed.PromotePending {
		if hasPending(current, m.ACI) {
			out.PromotePending = append(out.PromotePending, m)
		}
	}

	for _, r := range proposed.AddRequesting {
		if !hasRequesting(current, r.ACI) && !current.IsMember(r.ACI) {
			out.AddRequesting = append(out.AddRequesting, r)
		}
	}
	for _, aci := range proposed.DeleteRequesting {
		if hasRequesting(current, aci) {
			out.DeleteRequesting = append(out.DeleteRequesting, aci)
		}
	}
	for _, rc := range proposed.PromoteRequesting {
		if hasRequesting(current, rc.ACI) {
			out.PromoteRequesting = append(out.PromoteRequesting, rc)
		}
	}

	for _, b := range proposed.AddBanned {
		if !hasBanned(current, b.ACI) {
			out.AddBanned = append(out.AddBanned, b)
		}
	}
	for _, aci := range proposed.DeleteBanned {
		if hasBanned(current, aci) {
			out.DeleteBanned = append(out.DeleteBanned, aci)
		}
	}

	if proposed.NewTitle != nil && *proposed.NewTitle != current.Title {
		out.NewTitle = proposed.NewTitle
	}
	if proposed.NewDescription != nil && *proposed.NewDescription != current.Description {
		out.NewDescription = proposed.NewDescription
	}
	if proposed.NewAvatar != nil && *proposed.NewAvatar != current.Avatar {
		out.NewAvatar = proposed.NewAvatar
	}
	if proposed.NewAccess != nil && *proposed.NewAccess != current.Access {
		out.NewAccess = proposed.NewAccess
	}
	if proposed.NewMessageTimer != nil && *proposed.NewMessageTimer != current.MessageTimer {
		out.NewMessageTimer = proposed.NewMessageTimer
	}
	if proposed.NewInviteLinkPassword != nil && !bytes.Equal(proposed.NewInviteLinkPassword, current.InviteLinkPassword) {
		out.NewInviteLinkPassword = proposed.NewInviteLinkPassword
	}

	return out
}

func hasPending(g *Group, aci string) bool {
	for _, p := range g.Pending {
		if p.ACI == aci {
			return true
		}
	}
	return false
}

func hasRequesting(g *Group, aci string) bool {
	for _, r := range g.Requesting {
		if r.ACI == aci {
			return true
		}
	}
	return false
}

func hasBanned(g *Group, aci string) bool {
	for _, b := range g.Banned {
		if b.ACI == aci {
			return true
		}
	}
	return false
}

// DefaultMaxAttempts bounds the reconciler's submit retries.
const DefaultMaxAttempts = 3

// Reconciler resolves write races against the server: when a submitted
// change is rejected because of a concurrent edit, it refetches the
// authoritative snapshot, drops the parts of the change that are already
// true, and resubmits with the corrected target revision.
type Reconciler struct {
	// Fetch returns the authoritative snapshot for a group.
	Fetch func(ctx context.Context, id wirecrypto.GroupID) (*Group, error)

	// Submit sends a change to the server; it returns ErrConflict (possibly
	// wrapped) when the server rejects it due to a concurrent change.
	Submit func(ctx context.Context, id wirecrypto.GroupID, change *GroupChange) error

	// MaxAttempts bounds the number of submits; zero means
	// DefaultMaxAttempts.
	MaxAttempts int
}

// Resubmit pushes a change through the conflict-resolution loop. It returns
// the change as finally accepted by the server, which may be nil when
// reconciliation discovered there was nothing left to change.
func (r *Reconciler) Resubmit(ctx context.Context, id wirecrypto.GroupID, change *GroupChange) (*GroupChange, error) {
	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}

	for i := 0; i < attempts; i++ {
		err := r.Submit(ctx, id, change)
		if err == nil {
			return change, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}

		current, err := r.Fetch(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("groups: refetch during reconcile: %w", err)
		}
		change = Reconcile(change, current)
		if change.IsEmpty() {
			return nil, nil
		}
	}
	return nil, ErrConflict
}
