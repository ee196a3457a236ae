package channel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spacechat/core/crdt"
)

// SpaceID opaquely identifies a Space (§3), independent of any single
// channel's MLS group id.
type SpaceID [16]byte

// NewSpaceID returns a fresh random SpaceID.
func NewSpaceID() (SpaceID, error) {
	raw, err := uuid.NewRandom()
	if err != nil {
		return SpaceID{}, fmt.Errorf("channel: generate space id: %w", err)
	}
	return SpaceID(raw), nil
}

// ErrNotSpaceMember is returned when an operation requires space membership
// the actor does not have.
var ErrNotSpaceMember = errors.New("channel: actor is not a space member")

func roleToString(r Role) string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleAdmin:
		return "admin"
	default:
		return "member"
	}
}

func roleFromString(s string) Role {
	switch s {
	case "owner":
		return RoleOwner
	case "admin":
		return RoleAdmin
	default:
		return RoleMember
	}
}

// Space is the CRDT-backed Space of §3: a name/description/icon/visibility
// LWW-backed like Channel (§4.13), a membership roster that must converge
// across a network partition the way Channel membership does, and an
// ordered list of the channels it owns.
//
// Grounded on `core_space/manager_impl.rs`'s SpaceManagerImpl for the
// operation set (create_space/add_member/remove_member/role checks,
// generalized from its single-process SQL store to this core's CRDT-backed
// metadata, per §3: Space membership is data that must merge across
// partitions, not a row a SQL transaction owns exclusively) and on
// `crdt/orset.go` for the member-presence roster — unlike Channel's plain
// membership map (whose convergence is delegated entirely to the MLS
// commit stream, see descriptor.go), a Space's membership has no MLS group
// underneath it serializing every change, so it needs the OR-Set's own
// merge discipline (§4.8) to converge.
type Space struct {
	ID SpaceID

	Name        crdt.LWWRegister
	Description crdt.LWWRegister
	Icon        crdt.LWWRegister
	Visibility  crdt.LWWRegister

	Owner string

	mu       sync.RWMutex
	members  *crdt.ORSet             // presence: which user ids are in the space
	roles    map[string]crdt.LWWRegister // per-user role, "owner"/"admin"/"member"
	channels []ChannelID                 // ordered sequence, per §3
	invites  map[string]*Invite
}

// NewSpace returns a Space naming ownerUserID as its sole member and owner
// (§3: Space.owner plus a members map the owner is seeded into).
func NewSpace(name, description, icon, visibility, ownerUserID, ownerNode string, timestamp uint64) (*Space, error) {
	id, err := NewSpaceID()
	if err != nil {
		return nil, err
	}
	s := &Space{
		ID:          id,
		Name:        crdt.NewLWWRegister(name, ownerNode, timestamp),
		Description: crdt.NewLWWRegister(description, ownerNode, timestamp),
		Icon:        crdt.NewLWWRegister(icon, ownerNode, timestamp),
		Visibility:  crdt.NewLWWRegister(visibility, ownerNode, timestamp),
		Owner:       ownerUserID,
		members:     crdt.NewORSet(),
		roles:       make(map[string]crdt.LWWRegister),
		invites:     make(map[string]*Invite),
	}
	s.members.Add(ownerUserID, ownerNode, timestamp)
	s.roles[ownerUserID] = crdt.NewLWWRegister(roleToString(RoleOwner), ownerNode, timestamp)
	return s, nil
}

// IsMember reports whether userID currently has an unremoved add-id in the
// membership OR-Set.
func (s *Space) IsMember(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.members.Contains(userID)
}

// RoleOf returns userID's current role. A member with no recorded role
// (possible immediately after a merge that introduced the membership
// add-id before the paired role write arrived) defaults to RoleMember.
func (s *Space) RoleOf(userID string) (Role, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.members.Contains(userID) {
		return RoleMember, false
	}
	reg, ok := s.roles[userID]
	if !ok {
		return RoleMember, true
	}
	return roleFromString(reg.Value()), true
}

// IsAdmin reports whether userID currently holds at least admin standing
// (§4.13: "Space owner ⊇ admin ⊃ member").
func (s *Space) IsAdmin(userID string) bool {
	role, ok := s.RoleOf(userID)
	return ok && role.IsAdmin()
}

// AddMember adds userID to the space at RoleMember, attributed to actorNode
// at the given logical timestamp (§4.8 add-id provenance).
func (s *Space) AddMember(userID, actorNode string, timestamp uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members.Add(userID, actorNode, timestamp)
	if _, ok := s.roles[userID]; !ok {
		s.roles[userID] = crdt.NewLWWRegister(roleToString(RoleMember), actorNode, timestamp)
	}
}

// RemoveMember tombstones userID's currently-observed add-ids (§4.8: a
// concurrent add not yet observed survives the remove).
func (s *Space) RemoveMember(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members.Remove(userID)
	delete(s.roles, userID)
}

// SetRole assigns userID's role as a fresh LWW write from actorNode at
// timestamp, converging deterministically against any concurrent
// promote/demote of the same user (§3).
func (s *Space) SetRole(userID, actorNode string, role Role, timestamp uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.members.Contains(userID) {
		return ErrNotSpaceMember
	}
	current := s.roles[userID]
	current.Set(roleToString(role), actorNode, timestamp)
	s.roles[userID] = current
	return nil
}

// AddChannel appends id to the space's ordered channel sequence (§3).
func (s *Space) AddChannel(id ChannelID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = append(s.channels, id)
}

// Channels returns the space's channel ids in creation order.
func (s *Space) Channels() []ChannelID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ChannelID, len(s.channels))
	copy(out, s.channels)
	return out
}

// CreateInvite mints a new Invite for the space, gated to admins
// (§4.13's role-gating convention applied to Space-level invite creation,
// matching `core_space/manager_impl.rs`'s check_admin_permission ahead of
// its own invite issuance).
func (s *Space) CreateInvite(actorUserID string, typ InviteType, target string, expiresAt *time.Time, maxUses *int) (*Invite, error) {
	if !s.IsAdmin(actorUserID) {
		return nil, ErrNotAdmin
	}
	inv, err := NewInvite(s.ID, typ, target, actorUserID, expiresAt, maxUses)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.invites[inv.ID] = inv
	s.mu.Unlock()
	return inv, nil
}

// Invite looks up a previously created invite by id.
func (s *Space) Invite(inviteID string) (*Invite, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invites[inviteID]
	return inv, ok
}

// Merge converges s with other's membership OR-Set and per-user role
// registers — the CRDT merge §3 requires for Space metadata to reconcile
// after a network partition, the same property §8 tests for OR-Set
// convergence directly. Name/Description/Icon/Visibility are merged via
// their own LWW rule; Owner, being set once at creation and never
// reassigned by any operation here, is left as s's value.
func (s *Space) Merge(other *Space) {
	// Snapshot other's state under its own lock first and release it before
	// taking s's lock, so two concurrent Merge calls in opposite directions
	// (a.Merge(b) and b.Merge(a)) can never hold both locks at once — the
	// same never-nest-two-component-locks discipline §5 requires between
	// the DHT's routing-table and storage-map locks.
	other.mu.RLock()
	otherMembers := other.members.Clone()
	otherRoles := make(map[string]crdt.LWWRegister, len(other.roles))
	for userID, reg := range other.roles {
		otherRoles[userID] = reg
	}
	otherName, otherDesc, otherIcon, otherVis := other.Name, other.Description, other.Icon, other.Visibility
	other.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.members = crdt.MergeORSets(s.members, otherMembers)
	for userID, reg := range otherRoles {
		if existing, ok := s.roles[userID]; ok {
			s.roles[userID] = crdt.MergeLWW(existing, reg)
		} else {
			s.roles[userID] = reg
		}
	}
	s.Name = crdt.MergeLWW(s.Name, otherName)
	s.Description = crdt.MergeLWW(s.Description, otherDesc)
	s.Icon = crdt.MergeLWW(s.Icon, otherIcon)
	s.Visibility = crdt.MergeLWW(s.Visibility, otherVis)
}
