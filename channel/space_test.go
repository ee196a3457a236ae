package channel

import (
	"errors"
	"testing"
	"time"
)

func TestNewSpaceSeedsOwner(t *testing.T) {
	sp, err := NewSpace("general", "", "", "public", "alice", "node-a", 1)
	if err != nil {
		t.Fatalf("new space: %v", err)
	}
	if !sp.IsMember("alice") {
		t.Fatalf("expected alice to be a member")
	}
	role, ok := sp.RoleOf("alice")
	if !ok || role != RoleOwner {
		t.Fatalf("expected alice to be owner, got role=%d ok=%v", role, ok)
	}
	if !sp.IsAdmin("alice") {
		t.Fatalf("expected owner to satisfy IsAdmin")
	}
}

func TestSpaceAddRemoveMember(t *testing.T) {
	sp, err := NewSpace("general", "", "", "public", "alice", "node-a", 1)
	if err != nil {
		t.Fatalf("new space: %v", err)
	}
	sp.AddMember("bob", "node-a", 2)
	if !sp.IsMember("bob") {
		t.Fatalf("expected bob to be a member after add")
	}
	if role, ok := sp.RoleOf("bob"); !ok || role != RoleMember {
		t.Fatalf("expected bob at RoleMember, got role=%d ok=%v", role, ok)
	}
	sp.RemoveMember("bob")
	if sp.IsMember("bob") {
		t.Fatalf("expected bob to no longer be a member after remove")
	}
}

func TestSpaceSetRoleRequiresMembership(t *testing.T) {
	sp, err := NewSpace("general", "", "", "public", "alice", "node-a", 1)
	if err != nil {
		t.Fatalf("new space: %v", err)
	}
	if err := sp.SetRole("bob", "node-a", RoleAdmin, 2); !errors.Is(err, ErrNotSpaceMember) {
		t.Fatalf("expected ErrNotSpaceMember, got %v", err)
	}
	sp.AddMember("bob", "node-a", 2)
	if err := sp.SetRole("bob", "node-a", RoleAdmin, 3); err != nil {
		t.Fatalf("set role: %v", err)
	}
	if role, _ := sp.RoleOf("bob"); role != RoleAdmin {
		t.Fatalf("expected bob promoted to admin, got %d", role)
	}
}

func TestSpaceMergeConvergesMembershipRegardlessOfOrder(t *testing.T) {
	a, err := NewSpace("general", "", "", "public", "alice", "node-a", 1)
	if err != nil {
		t.Fatalf("new space a: %v", err)
	}
	b, err := NewSpace("general", "", "", "public", "alice", "node-a", 1)
	if err != nil {
		t.Fatalf("new space b: %v", err)
	}
	b.members = a.members.Clone() // simulate b starting from a's initial state
	b.roles["alice"] = a.roles["alice"]

	a.AddMember("bob", "node-a", 2)
	b.AddMember("carol", "node-b", 2)

	merged1, merged2 := a, b
	merged1.Merge(b)
	merged2.Merge(a)

	for _, sp := range []*Space{merged1, merged2} {
		for _, user := range []string{"alice", "bob", "carol"} {
			if !sp.IsMember(user) {
				t.Fatalf("expected %q present after merge", user)
			}
		}
	}
}

func TestCreateInviteRequiresAdmin(t *testing.T) {
	sp, err := NewSpace("general", "", "", "public", "alice", "node-a", 1)
	if err != nil {
		t.Fatalf("new space: %v", err)
	}
	sp.AddMember("bob", "node-a", 2)
	if _, err := sp.CreateInvite("bob", InviteTypeLink, "", nil, nil); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}
	inv, err := sp.CreateInvite("alice", InviteTypeLink, "", nil, nil)
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}
	if inv.SpaceID != sp.ID {
		t.Fatalf("invite space id mismatch")
	}
}

func TestInviteRedeemEnforcesMaxUsesExpiryAndRevocation(t *testing.T) {
	max := 1
	inv, err := NewInvite(SpaceID{}, InviteTypeCode, "", "alice", nil, &max)
	if err != nil {
		t.Fatalf("new invite: %v", err)
	}
	if err := inv.Redeem("bob", time.Now()); err != nil {
		t.Fatalf("first redeem: %v", err)
	}
	if err := inv.Redeem("carol", time.Now()); !errors.Is(err, ErrInviteExhausted) {
		t.Fatalf("expected ErrInviteExhausted, got %v", err)
	}

	past := time.Now().Add(-time.Minute)
	expired, err := NewInvite(SpaceID{}, InviteTypeLink, "", "alice", &past, nil)
	if err != nil {
		t.Fatalf("new invite: %v", err)
	}
	if err := expired.Redeem("bob", time.Now()); !errors.Is(err, ErrInviteExpired) {
		t.Fatalf("expected ErrInviteExpired, got %v", err)
	}

	revoked, err := NewInvite(SpaceID{}, InviteTypeLink, "", "alice", nil, nil)
	if err != nil {
		t.Fatalf("new invite: %v", err)
	}
	revoked.Revoke()
	if err := revoked.Redeem("bob", time.Now()); !errors.Is(err, ErrInviteRevoked) {
		t.Fatalf("expected ErrInviteRevoked, got %v", err)
	}
}

func TestInviteDirectRejectsWrongRedeemer(t *testing.T) {
	inv, err := NewInvite(SpaceID{}, InviteTypeDirect, "bob", "alice", nil, nil)
	if err != nil {
		t.Fatalf("new invite: %v", err)
	}
	if err := inv.Redeem("mallory", time.Now()); !errors.Is(err, ErrInviteWrongKind) {
		t.Fatalf("expected ErrInviteWrongKind, got %v", err)
	}
	if err := inv.Redeem("bob", time.Now()); err != nil {
		t.Fatalf("expected the named target to redeem successfully: %v", err)
	}
}
