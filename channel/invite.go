package channel

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InviteType tags how an Invite is redeemed (§3: "type ∈ {Link, Code,
// Direct(UserId)}").
type InviteType uint8

const (
	InviteTypeLink InviteType = iota
	InviteTypeCode
	InviteTypeDirect
)

// Errors an Invite's Redeem can return, distinguished per §7 ("invite-token
// errors (expired, malformed, wrong channel) are distinguished").
var (
	ErrInviteRevoked   = errors.New("channel: invite revoked")
	ErrInviteExhausted = errors.New("channel: invite has reached its max uses")
	ErrInviteWrongKind = errors.New("channel: direct invite redeemed by the wrong user")
)

// Invite is the Space-level invite record of §3: policy (link, code, or a
// direct grant to one user; an optional expiry; an optional use cap) that
// gates whether a redemption is allowed at all. It is distinct from the
// §6 InviteToken: InviteToken is the wire payload CreateInvite hands out
// once an MLS Add has already been committed; Invite is the bookkeeping
// that decides whether CreateInvite should run in the first place —
// `core_space/manager_impl.rs`'s SpaceInvite plays the same role ahead of
// its own `add_member`.
type Invite struct {
	mu sync.Mutex

	ID        string
	SpaceID   SpaceID
	Type      InviteType
	Target    string // Direct only: the one user id allowed to redeem it
	CreatedBy string
	ExpiresAt *time.Time // nil: never expires
	MaxUses   *int       // nil: unlimited
	UseCount  int
	Revoked   bool
}

// NewInvite returns a fresh, unused, unrevoked Invite for spaceID created by
// createdBy. target is only meaningful for InviteTypeDirect.
func NewInvite(spaceID SpaceID, typ InviteType, target, createdBy string, expiresAt *time.Time, maxUses *int) (*Invite, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	return &Invite{
		ID:        id.String(),
		SpaceID:   spaceID,
		Type:      typ,
		Target:    target,
		CreatedBy: createdBy,
		ExpiresAt: expiresAt,
		MaxUses:   maxUses,
	}, nil
}

// Revoke permanently disables the invite; every future Redeem fails with
// ErrInviteRevoked.
func (i *Invite) Revoke() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Revoked = true
}

// Redeem validates redeemerUserID's attempt to use the invite at now and,
// if it succeeds, atomically increments UseCount. The ordering (revoked,
// then expiry, then exhaustion, then kind) matches §3's field list and
// keeps the error returned specific enough for a client to act on (§7).
func (i *Invite) Redeem(redeemerUserID string, now time.Time) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.Revoked {
		return ErrInviteRevoked
	}
	if i.ExpiresAt != nil && now.After(*i.ExpiresAt) {
		return ErrInviteExpired
	}
	if i.MaxUses != nil && i.UseCount >= *i.MaxUses {
		return ErrInviteExhausted
	}
	if i.Type == InviteTypeDirect && i.Target != redeemerUserID {
		return ErrInviteWrongKind
	}
	i.UseCount++
	return nil
}
