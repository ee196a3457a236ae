// Package channel implements the Channel Manager of spec §4.13: the glue
// between CRDT-backed Channel metadata and the MLS group that secures each
// channel's membership and messages.
//
// Grounded on mls/group for the per-channel MLS state and on crdt/lww.go for
// the channel's scalar metadata fields (name, description, visibility),
// which §3/§4.13 call out as explicitly LWW-backed.
package channel

import "github.com/spacechat/core/crdt"

// Role orders a member's standing within a channel (§4.13: "Space owner ⊇
// admin ⊃ member").
type Role uint8

const (
	RoleMember Role = iota
	RoleAdmin
	RoleOwner
)

// IsAdmin reports whether r has at least admin standing.
func (r Role) IsAdmin() bool { return r >= RoleAdmin }

// member tracks one channel member's role and the MLS public key their
// ratchet-tree leaf holds, letting role-gated operations translate a user
// id into a leaf index (§4.13).
type member struct {
	Role      Role
	PublicKey []byte
}

// Descriptor is a channel's CRDT-backed metadata (§3, §4.13): scalar fields
// are LWW registers so concurrent renames/description edits converge
// deterministically; membership/roles are a plain map with no lock of its
// own (role changes always flow through the MLS group's
// serialized commit stream, so they need no independent CRDT merge).
type Descriptor struct {
	Name        crdt.LWWRegister
	Description crdt.LWWRegister
	Visibility  crdt.LWWRegister

	members map[string]member
}

// NewDescriptor returns a Descriptor naming creator as the channel's
// initial owner (§4.13: "creator of a channel is its initial admin" — an
// owner outranks admin so creation grants the stronger role).
func NewDescriptor(name, creatorUserID string, creatorPublicKey []byte, timestamp uint64) *Descriptor {
	return &Descriptor{
		Name:        crdt.NewLWWRegister(name, creatorUserID, timestamp),
		Description: crdt.NewLWWRegister("", creatorUserID, timestamp),
		Visibility:  crdt.NewLWWRegister("private", creatorUserID, timestamp),
		members: map[string]member{
			creatorUserID: {Role: RoleOwner, PublicKey: creatorPublicKey},
		},
	}
}

// RoleOf returns userID's current role, or RoleMember/false if unknown.
func (d *Descriptor) RoleOf(userID string) (Role, bool) {
	m, ok := d.members[userID]
	return m.Role, ok
}

// IsAdmin reports whether userID currently holds at least admin standing.
func (d *Descriptor) IsAdmin(userID string) bool {
	m, ok := d.members[userID]
	return ok && m.Role.IsAdmin()
}

// AddMember records a newly-joined member at RoleMember.
func (d *Descriptor) AddMember(userID string, publicKey []byte) {
	d.members[userID] = member{Role: RoleMember, PublicKey: publicKey}
}

// RemoveMember drops userID from the descriptor's membership view.
func (d *Descriptor) RemoveMember(userID string) {
	delete(d.members, userID)
}

// SetRole assigns userID's role, used by promote/demote member operations.
func (d *Descriptor) SetRole(userID string, role Role) {
	m := d.members[userID]
	m.Role = role
	d.members[userID] = m
}

// PublicKeyOf returns the MLS public key recorded for userID, the value
// leaf-index lookups in the MLS group key off (§4.13: "look up the
// target's leaf index via group metadata").
func (d *Descriptor) PublicKeyOf(userID string) ([]byte, bool) {
	m, ok := d.members[userID]
	if !ok {
		return nil, false
	}
	return m.PublicKey, true
}
