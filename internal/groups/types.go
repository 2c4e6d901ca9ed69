// Package groups holds decrypted group state: the snapshot model, sparse
// change records, an in-memory cache with revision-based conflict handling,
// and the reconciliation loop for write races against the server.
package groups

import (
	"bytes"

	"github.com/gwillem/chatwire/internal/wirecrypto"
)

// Role is a member's permission level within a group.
type Role uint8

const (
	RoleUnknown Role = iota
	RoleDefault
	RoleAdmin
)

// AccessLevel controls who may perform a class of group operations.
type AccessLevel uint8

const (
	AccessUnknown AccessLevel = iota
	AccessAny
	AccessMember
	AccessAdmin
	AccessUnsatisfiable
)

// AccessControl is the group's permission triple.
type AccessControl struct {
	Attributes AccessLevel `cbor:"1,keyasint"`
	Members    AccessLevel `cbor:"2,keyasint"`
	InviteLink AccessLevel `cbor:"3,keyasint"`
}

// Member is a full group member.
type Member struct {
	ACI        string `cbor:"1,keyasint"`
	Role       Role   `cbor:"2,keyasint"`
	ProfileKey []byte `cbor:"3,keyasint,omitempty"`
	JoinedAt   uint32 `cbor:"4,keyasint"` // revision at which the member joined
}

// PendingMember is an invited participant who has not yet accepted.
type PendingMember struct {
	ACI       string `cbor:"1,keyasint"`
	Role      Role   `cbor:"2,keyasint"`
	InvitedBy string `cbor:"3,keyasint"`
	Timestamp uint64 `cbor:"4,keyasint"`
}

// RequestingMember asked to join via the invite link and awaits approval.
type RequestingMember struct {
	ACI        string `cbor:"1,keyasint"`
	ProfileKey []byte `cbor:"2,keyasint,omitempty"`
	Timestamp  uint64 `cbor:"3,keyasint"`
}

// BannedMember may not join or request to join.
type BannedMember struct {
	ACI       string `cbor:"1,keyasint"`
	Timestamp uint64 `cbor:"2,keyasint"`
}

// Group is a decrypted group snapshot. A participant appears in at most one
// of members, pending, requesting, and banned; Apply maintains that.
type Group struct {
	MasterKey wirecrypto.GroupMasterKey `cbor:"-"`
	ID        wirecrypto.GroupID        `cbor:"-"`

	Title              string             `cbor:"1,keyasint"`
	Description        string             `cbor:"2,keyasint,omitempty"`
	Avatar             string             `cbor:"3,keyasint,omitempty"`
	Revision           uint32             `cbor:"4,keyasint"`
	Members            []Member           `cbor:"5,keyasint,omitempty"`
	Pending            []PendingMember    `cbor:"6,keyasint,omitempty"`
	Requesting         []RequestingMember `cbor:"7,keyasint,omitempty"`
	Banned             []BannedMember     `cbor:"8,keyasint,omitempty"`
	Access             AccessControl      `cbor:"9,keyasint"`
	InviteLinkPassword []byte             `cbor:"10,keyasint,omitempty"`
	MessageTimer       uint32             `cbor:"11,keyasint,omitempty"` // seconds, 0 = off
}

// clone returns a deep copy. Apply filters membership slices in place, so
// a snapshot handed out of the cache must not share backing arrays with the
// copy future changes are applied to.
func (g *Group) clone() *Group {
	out := *g
	out.Members = append([]Member(nil), g.Members...)
	out.Pending = append([]PendingMember(nil), g.Pending...)
	out.Requesting = append([]RequestingMember(nil), g.Requesting...)
	out.Banned = append([]BannedMember(nil), g.Banned...)
	out.InviteLinkPassword = bytes.Clone(g.InviteLinkPassword)
	return &out
}

// IsMember reports whether the identity is a full member.
func (g *Group) IsMember(aci string) bool {
	for _, m := range g.Members {
		if m.ACI == aci {
			return true
		}
	}
	return false
}

// Member returns the full member record for an identity, or nil.
func (g *Group) Member(aci string) *Member {
	for i := range g.Members {
		if g.Members[i].ACI == aci {
			return &g.Members[i]
		}
	}
	return nil
}

// MemberACIs returns the identities of all full members.
func (g *Group) MemberACIs() []string {
	acis := make([]string, len(g.Members))
	for i, m := range g.Members {
		acis[i] = m.ACI
	}
	return acis
}

// RoleChange retargets one member's role.
type RoleChange struct {
	ACI  string `cbor:"1,keyasint"`
	Role Role   `cbor:"2,keyasint"`
}

// GroupChange is a sparse diff against a group snapshot at Revision-1.
// Nil or empty fields leave the corresponding state untouched.
type GroupChange struct {
	Revision uint32 `cbor:"1,keyasint"`

	AddMembers        []Member     `cbor:"2,keyasint,omitempty"`
	DeleteMembers     []string     `cbor:"3,keyasint,omitempty"`
	ModifyMemberRoles []RoleChange `cbor:"4,keyasint,omitempty"`

	AddPending      []PendingMember `cbor:"5,keyasint,omitempty"`
	DeletePending   []string        `cbor:"6,keyasint,omitempty"`
	PromotePending  []Member        `cbor:"7,keyasint,omitempty"`

	AddRequesting     []RequestingMember `cbor:"8,keyasint,omitempty"`
	DeleteRequesting  []string           `cbor:"9,keyasint,omitempty"`
	PromoteRequesting []RoleChange       `cbor:"10,keyasint,omitempty"`

	AddBanned    []BannedMember `cbor:"11,keyasint,omitempty"`
	DeleteBanned []string       `cbor:"12,keyasint,omitempty"`

	NewTitle              *string        `cbor:"13,keyasint,omitempty"`
	NewDescription        *string        `cbor:"14,keyasint,omitempty"`
	NewAvatar             *string        `cbor:"15,keyasint,omitempty"`
	NewAccess             *AccessControl `cbor:"16,keyasint,omitempty"`
	NewMessageTimer       *uint32        `cbor:"17,keyasint,omitempty"`
	NewInviteLinkPassword []byte         `cbor:"18,keyasint,omitempty"`
}

// IsEmpty reports whether the change modifies nothing. Revision alone does
// not make a change non-empty.
func (c *GroupChange) IsEmpty() bool {
	return len(c.AddMembers) == 0 &&
		len(c.DeleteMembers) == 0 &&
		len(c.ModifyMemberRoles) == 0 &&
		len(c.AddPending) == 0 &&
		len(c.DeletePending) == 0 &&
		len(c.PromotePending) == 0 &&
		len(c.AddRequesting) == 0 &&
		len(c.DeleteRequesting) == 0 &&
		len(c.PromoteRequesting) == 0 &&
		len(c.AddBanned) == 0 &&
		len(c.DeleteBanned) == 0 &&
		c.NewTitle == nil &&
		c.NewDescription == nil &&
		c.NewAvatar == nil &&
		c.NewAccess == nil &&
		c.NewMessageTimer == nil &&
		c.NewInviteLinkPassword == nil
}

// Apply mutates the group in place with the change's contents and advances
// the revision to the change's target. The caller is responsible for
// checking that the change targets revision+1.
func (c *GroupChange) Apply(g *Group) {
	for _, m := range c.AddMembers {
		g.removeEverywhere(m.ACI)
		m.JoinedAt = c.Revision
		g.Members = append(g.Members, m)
	}
	for _, aci := range c.DeleteMembers {
		g.Members = deleteMember(g.Members, aci)
	}
	for _, rc := range c.ModifyMemberRoles {
		if m := g.Member(rc.ACI); m != nil {
			m.Role = rc.Role
		}
	}

	for _, p := range c.AddPending {
		g.removeEverywhere(p.ACI)
		g.Pending = append(g.Pending, p)
	}
	for _, aci := range c.DeletePending {
		g.Pending = deletePending(g.Pending, aci)
	}
	for _, m := range c.PromotePending {
		g.Pending = deletePending(g.Pending, m.ACI)
		if !g.IsMember(m.ACI) {
			m.JoinedAt = c.Revision
			g.Members = append(g.Members, m)
		}
	}

	for _, r := range c.AddRequesting {
		g.removeEverywhere(r.ACI)
		g.Requesting = append(g.Requesting, r)
	}
	for _, aci := range c.DeleteRequesting {
		g.Requesting = deleteRequesting(g.Requesting, aci)
	}
	for _, rc := range c.PromoteRequesting {
		var profileKey []byte
		for _, r := range g.Requesting {
			if r.ACI == rc.ACI {
				profileKey = r.ProfileKey
			}
		}
		g.Requesting = deleteRequesting(g.Requesting, rc.ACI)
		if !g.IsMember(rc.ACI) {
			g.Members = append(g.Members, Member{
				ACI:        rc.ACI,
				Role:       rc.Role,
				ProfileKey: profileKey,
				JoinedAt:   c.Revision,
			})
		}
	}

	for _, b := range c.AddBanned {
		g.removeEverywhere(b.ACI)
		g.Banned = append(g.Banned, b)
	}
	for _, aci := range c.DeleteBanned {
		g.Banned = deleteBanned(g.Banned, aci)
	}

	if c.NewTitle != nil {
		g.Title = *c.NewTitle
	}
	if c.NewDescription != nil {
		g.Description = *c.NewDescription
	}
	if c.NewAvatar != nil {
		g.Avatar = *c.NewAvatar
	}
	if c.NewAccess != nil {
		g.Access = *c.NewAccess
	}
	if c.NewMessageTimer != nil {
		g.MessageTimer = *c.NewMessageTimer
	}
	if c.NewInviteLinkPassword != nil {
		g.InviteLinkPassword = bytes.Clone(c.NewInviteLinkPassword)
	}

	g.Revision = c.Revision
}

// removeEverywhere drops the identity from all four membership categories,
// keeping the one-category-at-a-time invariant before an addition.
func (g *Group) removeEverywhere(aci string) {
	g.Members = deleteMember(g.Members, aci)
	g.Pending = deletePending(g.Pending, aci)
	g.Requesting = deleteRequesting(g.Requesting, aci)
	g.Banned = deleteBanned(g.Banned, aci)
}

func deleteMember(ms []Member, aci string) []Member {
	out := ms[:0]
	for _, m := range ms {
		if m.ACI != aci {
			out = append(out, m)
		}
	}
	return out
}

func deletePending(ps []PendingMember, aci string) []PendingMember {
	out := ps[:0]
	for _, p := range ps {
		if p.ACI != aci {
			out = append(out, p)
		}
	}
	return out
}

func deleteRequesting(rs []RequestingMember, aci string) []RequestingMember {
	out := rs[:0]
	for _, r := range rs {
		if r.ACI != aci {
			out = append(out, r)
		}
	}
	return out
}

func deleteBanned(bs []BannedMember, aci string) []BannedMember {
	out := bs[:0]
	for _, b := range bs {
		if b.ACI != aci {
			out = append(out, b)
		}
	}
	return out
}
