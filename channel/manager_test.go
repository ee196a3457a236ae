package channel

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/spacechat/core/mls/group"
)

func TestCreateChannelAssignsCreatorOwner(t *testing.T) {
	m := NewManager(group.Config{}, nil)
	ch, err := m.CreateChannel("alice", "alice@spacechat", []byte("alice-signing-pub"), "general", 1)
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	role, ok := ch.Descriptor.RoleOf("alice")
	if !ok || role != RoleOwner {
		t.Fatalf("expected alice to be owner, got role=%d ok=%v", role, ok)
	}
}

func TestCreateChannelInSpaceBindsChannelAndGatesMembership(t *testing.T) {
	m := NewManager(group.Config{}, nil)
	sp, err := m.CreateSpace("homebase", "", "", "public", "alice", "node-a", 1)
	if err != nil {
		t.Fatalf("create space: %v", err)
	}

	if _, err := m.CreateChannelInSpace(sp.ID, "mallory", "mallory@spacechat", []byte("mallory-pub"), "general", 2); !errors.Is(err, ErrNotSpaceMember) {
		t.Fatalf("expected ErrNotSpaceMember, got %v", err)
	}

	ch, err := m.CreateChannelInSpace(sp.ID, "alice", "alice@spacechat", []byte("alice-signing-pub"), "general", 2)
	if err != nil {
		t.Fatalf("create channel in space: %v", err)
	}
	channels := sp.Channels()
	if len(channels) != 1 || channels[0] != ch.ID {
		t.Fatalf("expected space to list the new channel, got %v", channels)
	}
}

func TestInviteJoinSendReceive(t *testing.T) {
	alice := NewManager(group.Config{}, nil)
	ch, err := alice.CreateChannel("alice", "alice@spacechat", []byte("alice-signing-pub"), "general", 1)
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}

	bobBundle, err := GenerateKeyPackage("bob", "bob@spacechat", []byte("bob-signing-pub"))
	if err != nil {
		t.Fatalf("generate key package: %v", err)
	}

	token, _, err := alice.CreateInvite(ch.ID, "alice", bobBundle.Public, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}

	expectedRoot := ch.Group.RootHash()

	bob := NewManager(group.Config{}, nil)
	bobChannel, err := bob.JoinChannel(token, "bob", bobBundle, expectedRoot)
	if err != nil {
		t.Fatalf("join channel: %v", err)
	}
	if bobChannel.ID != ch.ID {
		t.Fatalf("joined channel id mismatch")
	}
	if bobChannel.Group.Epoch() != ch.Group.Epoch() {
		t.Fatalf("epoch mismatch: bob=%d alice=%d", bobChannel.Group.Epoch(), ch.Group.Epoch())
	}

	msg, err := alice.SendMessage(ch.ID, []byte("hi bob"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	gotID, plaintext, err := bob.ReceiveMessage(&ch.ID, msg)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if gotID != ch.ID {
		t.Fatalf("unexpected channel id from receive")
	}
	if !bytes.Equal(plaintext, []byte("hi bob")) {
		t.Fatalf("plaintext = %q", plaintext)
	}
}

func TestReceiveMessageFallbackTriesEveryChannel(t *testing.T) {
	alice := NewManager(group.Config{}, nil)
	ch, err := alice.CreateChannel("alice", "alice@spacechat", []byte("alice-signing-pub"), "general", 1)
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	bobBundle, err := GenerateKeyPackage("bob", "bob@spacechat", []byte("bob-signing-pub"))
	if err != nil {
		t.Fatalf("generate key package: %v", err)
	}
	token, _, err := alice.CreateInvite(ch.ID, "alice", bobBundle.Public, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}
	expectedRoot := ch.Group.RootHash()
	bob := NewManager(group.Config{}, nil)
	if _, err := bob.JoinChannel(token, "bob", bobBundle, expectedRoot); err != nil {
		t.Fatalf("join: %v", err)
	}

	msg, err := alice.SendMessage(ch.ID, []byte("fallback path"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	gotID, plaintext, err := bob.ReceiveMessage(nil, msg)
	if err != nil {
		t.Fatalf("fallback receive: %v", err)
	}
	if gotID != ch.ID || !bytes.Equal(plaintext, []byte("fallback path")) {
		t.Fatalf("unexpected fallback result: id=%x plaintext=%q", gotID, plaintext)
	}
}

func TestCreateInviteRejectsNonAdmin(t *testing.T) {
	alice := NewManager(group.Config{}, nil)
	ch, err := alice.CreateChannel("alice", "alice@spacechat", []byte("alice-signing-pub"), "general", 1)
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	bobBundle, err := GenerateKeyPackage("bob", "bob@spacechat", []byte("bob-signing-pub"))
	if err != nil {
		t.Fatalf("generate key package: %v", err)
	}
	if _, _, err := alice.CreateInvite(ch.ID, "carol", bobBundle.Public, time.Now().Add(time.Hour)); err != ErrNotAdmin {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}
}

func TestJoinChannelRejectsExpiredInvite(t *testing.T) {
	alice := NewManager(group.Config{}, nil)
	ch, err := alice.CreateChannel("alice", "alice@spacechat", []byte("alice-signing-pub"), "general", 1)
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	bobBundle, err := GenerateKeyPackage("bob", "bob@spacechat", []byte("bob-signing-pub"))
	if err != nil {
		t.Fatalf("generate key package: %v", err)
	}
	token, _, err := alice.CreateInvite(ch.ID, "alice", bobBundle.Public, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}
	bob := NewManager(group.Config{}, nil)
	if _, err := bob.JoinChannel(token, "bob", bobBundle, ch.Group.RootHash()); err != ErrInviteExpired {
		t.Fatalf("expected ErrInviteExpired, got %v", err)
	}
}

func TestRemoveMemberAndProcessCommit(t *testing.T) {
	alice := NewManager(group.Config{}, nil)
	ch, err := alice.CreateChannel("alice", "alice@spacechat", []byte("alice-signing-pub"), "general", 1)
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	bobBundle, err := GenerateKeyPackage("bob", "bob@spacechat", []byte("bob-signing-pub"))
	if err != nil {
		t.Fatalf("generate key package: %v", err)
	}
	token, commit1, err := alice.CreateInvite(ch.ID, "alice", bobBundle.Public, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}
	expectedRoot := ch.Group.RootHash()
	bob := NewManager(group.Config{}, nil)
	bobChannel, err := bob.JoinChannel(token, "bob", bobBundle, expectedRoot)
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	// bob observes the add commit too, simulating a third party applying it
	// independently of the welcome join path.
	if _, err := bob.ProcessCommit(commit1); err == nil {
		t.Fatalf("expected bob's own freshly-joined group to reject a commit for an epoch it already reflects")
	}
	_ = bobChannel

	commit2, err := alice.RemoveMember(ch.ID, "alice", "bob")
	if err != nil {
		t.Fatalf("remove member: %v", err)
	}
	gotID, err := bob.ProcessCommit(commit2)
	if err != nil {
		t.Fatalf("process commit: %v", err)
	}
	if gotID != ch.ID {
		t.Fatalf("process commit dispatched to wrong channel")
	}
	if bobChannel.Group.Epoch() != ch.Group.Epoch() {
		t.Fatalf("epoch mismatch after remove: bob=%d alice=%d", bobChannel.Group.Epoch(), ch.Group.Epoch())
	}
}
