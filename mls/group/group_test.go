package group

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"golang.org/x/crypto/curve25519"

	"github.com/spacechat/core/mls"
	"github.com/spacechat/core/mls/proposal"
	"github.com/spacechat/core/mls/welcome"
)

func genX25519(t *testing.T) (pub, priv [32]byte) {
	t.Helper()
	if _, err := rand.Read(priv[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		t.Fatalf("derive pub: %v", err)
	}
	copy(pub[:], pubSlice)
	return pub, priv
}

func testGroupID() mls.GroupID {
	var id mls.GroupID
	copy(id[:], []byte("test-group-id-0123456789012345"))
	return id
}

func TestCommitRejectsEmptyCommit(t *testing.T) {
	g, err := Create(testGroupID(), []byte("alice-pub"), nil, bytes.Repeat([]byte{1}, 32), Config{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := g.Commit(nil, nil); err == nil {
		t.Fatalf("expected empty-commit rejection")
	}
}

func TestAddProposalCommitProducesWelcomeForNewMember(t *testing.T) {
	bobX25519Pub, bobX25519Priv := genX25519(t)
	appSecret := bytes.Repeat([]byte{0x42}, 32)

	alice, err := Create(testGroupID(), []byte("alice-pub"), []byte("metadata"), appSecret, Config{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := alice.AddProposal(proposal.Proposal{Kind: proposal.KindAdd, Epoch: 0, PublicKey: []byte("bob-pub")}); err != nil {
		t.Fatalf("add proposal: %v", err)
	}

	result, err := alice.Commit(nil, [][32]byte{bobX25519Pub})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if result.Welcome == nil {
		t.Fatalf("expected a welcome for the added member")
	}
	if alice.Epoch() != 1 {
		t.Fatalf("expected epoch 1, got %d", alice.Epoch())
	}

	expectedRoot := alice.RootHash()
	secrets, reconstructed, err := welcome.Join(*result.Welcome, bobX25519Pub, bobX25519Priv, expectedRoot)
	if err != nil {
		t.Fatalf("welcome join: %v", err)
	}
	if secrets.Epoch != 1 {
		t.Fatalf("expected welcome epoch 1, got %d", secrets.Epoch)
	}

	bob, err := JoinFromWelcome(testGroupID(), reconstructed, 1, []byte("metadata"), secrets, Config{})
	if err != nil {
		t.Fatalf("join from welcome: %v", err)
	}
	if bob.Epoch() != 1 {
		t.Fatalf("expected bob's epoch 1, got %d", bob.Epoch())
	}

	msg, err := alice.SealMessage([]byte("hello bob"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	plaintext, _, err := bob.OpenMessage(msg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("hello bob")) {
		t.Fatalf("decrypted = %q", plaintext)
	}
}

func TestOpenMessageRejectsReplay(t *testing.T) {
	appSecret := bytes.Repeat([]byte{0x11}, 32)
	g, err := Create(testGroupID(), []byte("alice-pub"), nil, appSecret, Config{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	msg, err := g.SealMessage([]byte("m"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, _, err := g.OpenMessage(msg); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, _, err := g.OpenMessage(msg); err == nil {
		t.Fatalf("expected replay rejection on second open")
	}
}

func TestApplyCommitConvergesWithLocalCommit(t *testing.T) {
	appSecret := bytes.Repeat([]byte{0x99}, 32)
	bobX25519Pub, _ := genX25519(t)

	alice, err := Create(testGroupID(), []byte("alice-pub"), nil, appSecret, Config{})
	if err != nil {
		t.Fatalf("create alice: %v", err)
	}
	// carol has the same initial single-member state as alice, simulating a
	// second current member who will apply alice's remote commit.
	carol, err := Create(testGroupID(), []byte("alice-pub"), nil, appSecret, Config{})
	if err != nil {
		t.Fatalf("create carol: %v", err)
	}

	if err := alice.AddProposal(proposal.Proposal{Kind: proposal.KindAdd, Epoch: 0, PublicKey: []byte("bob-pub")}); err != nil {
		t.Fatalf("add proposal: %v", err)
	}
	result, err := alice.Commit(nil, [][32]byte{bobX25519Pub})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := carol.ApplyCommit(result.Commit); err != nil {
		t.Fatalf("apply commit: %v", err)
	}
	if carol.Epoch() != alice.Epoch() {
		t.Fatalf("epoch mismatch: carol=%d alice=%d", carol.Epoch(), alice.Epoch())
	}
	if carol.RootHash() != alice.RootHash() {
		t.Fatalf("root hash mismatch after converging on the same commit")
	}
}

func TestApplyCommitRejectsBadConfirmationTagWithoutMutatingState(t *testing.T) {
	appSecret := bytes.Repeat([]byte{0x33}, 32)
	g, err := Create(testGroupID(), []byte("alice-pub"), nil, appSecret, Config{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rootBefore := g.RootHash()
	proposalsBefore := len(g.proposals)

	bad := proposal.Commit{
		CommitterLeaf: 0,
		Epoch:         1,
		Proposals: []proposal.Proposal{
			{Kind: proposal.KindAdd, Epoch: 0, PublicKey: []byte("mallory-pub")},
		},
		ConfirmationTag: [32]byte{0xff}, // wrong: does not match the candidate root
	}
	err = g.ApplyCommit(bad)
	if err == nil {
		t.Fatalf("expected confirmation tag mismatch")
	}
	if !errors.Is(err, mls.ErrVerifyFailed) {
		t.Fatalf("expected ErrVerifyFailed, got %v", err)
	}
	if g.Epoch() != 0 {
		t.Fatalf("epoch must remain unchanged after a rejected commit, got %d", g.Epoch())
	}
	if g.RootHash() != rootBefore {
		t.Fatalf("tree must remain unchanged after a rejected commit: root hash diverged")
	}
	if len(g.proposals) != proposalsBefore {
		t.Fatalf("proposal queue must remain unchanged after a rejected commit")
	}
	if _, ok := g.LeafIndexOf([]byte("mallory-pub")); ok {
		t.Fatalf("rejected Add proposal must not have landed a leaf")
	}
}

func TestApplyCommitRejectsWrongEpoch(t *testing.T) {
	appSecret := bytes.Repeat([]byte{0x55}, 32)
	g, err := Create(testGroupID(), []byte("alice-pub"), nil, appSecret, Config{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	bad := proposal.Commit{CommitterLeaf: 0, Epoch: 5}
	err = g.ApplyCommit(bad)
	if err == nil {
		t.Fatalf("expected epoch mismatch")
	}
	if _, ok := err.(*mls.EpochMismatchError); !ok {
		t.Fatalf("expected *mls.EpochMismatchError, got %T", err)
	}
}

func TestLeafIndexOfFindsMember(t *testing.T) {
	appSecret := bytes.Repeat([]byte{0x77}, 32)
	g, err := Create(testGroupID(), []byte("alice-pub"), nil, appSecret, Config{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	idx, ok := g.LeafIndexOf([]byte("alice-pub"))
	if !ok || idx != 0 {
		t.Fatalf("expected to find alice at leaf 0, got idx=%d ok=%v", idx, ok)
	}
	if _, ok := g.LeafIndexOf([]byte("nobody")); ok {
		t.Fatalf("expected no match for unknown public key")
	}
}
