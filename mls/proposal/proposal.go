// Package proposal implements the MLS proposal and commit machinery of
// spec §4.10: Add/Remove/Update/PreSharedKey proposals, validated against
// the current tree and epoch, bundled into an atomic Commit that advances
// the group's ratchet tree and derives the next epoch's application
// secret.
//
// Grounded on other_examples/f3aea00d (germtb-mlsgit AddMember/RemoveMember)
// for the add-appends/remove-blanks shape, generalized to operate on the
// spec's own mls/tree.Tree rather than a flat member slice, and on
// mls/keyschedule for the epoch-secret derivation step commits trigger.
package proposal

import (
	"bytes"
	"fmt"

	"lukechampine.com/blake3"

	"github.com/spacechat/core/mls"
	"github.com/spacechat/core/mls/tree"
)

// Kind tags a proposal variant (§4.10).
type Kind uint8

const (
	KindAdd Kind = iota
	KindRemove
	KindUpdate
	KindPreSharedKey
)

// Proposal is one pending group-membership change (§4.10).
type Proposal struct {
	Kind   Kind
	Sender uint32 // sender's leaf index
	Epoch  uint64

	// Add
	PublicKey []byte
	Identity  string

	// Remove, also reused as the target leaf for validation context
	LeafIndex uint32

	// PreSharedKey
	PSKID []byte
}

// Validate checks p against the current tree and epoch, per §4.10's
// per-variant rejection rules and §8's boundary behaviors.
func Validate(p Proposal, t *tree.Tree, currentEpoch uint64) error {
	if p.Epoch != currentEpoch {
		return mls.NewEpochMismatch(currentEpoch, p.Epoch)
	}
	switch p.Kind {
	case KindAdd:
		if len(p.PublicKey) == 0 {
			return fmt.Errorf("%w: add proposal missing public key", mls.ErrInvalidProposal)
		}
		for i := uint32(0); i < uint32(t.LeafCount()); i++ {
			existing, ok := t.PublicKey(i)
			if ok && bytes.Equal(existing, p.PublicKey) {
				return fmt.Errorf("%w: add proposal duplicates an existing public key", mls.ErrInvalidProposal)
			}
		}
	case KindRemove:
		if int(p.LeafIndex) >= t.LeafCount() {
			return fmt.Errorf("%w: remove proposal targets out-of-range leaf", mls.ErrInvalidProposal)
		}
		if t.IsBlank(p.LeafIndex) {
			return fmt.Errorf("%w: remove proposal targets a blank leaf", mls.ErrInvalidProposal)
		}
	case KindUpdate:
		current, ok := t.PublicKey(p.Sender)
		if ok && bytes.Equal(current, p.PublicKey) {
			return fmt.Errorf("%w: update proposal reuses the current key", mls.ErrInvalidProposal)
		}
	case KindPreSharedKey:
		if len(p.PSKID) == 0 {
			return fmt.Errorf("%w: pre-shared-key proposal missing id", mls.ErrInvalidProposal)
		}
	default:
		return fmt.Errorf("%w: unknown proposal kind", mls.ErrInvalidProposal)
	}
	return nil
}

// Apply deterministically applies proposals to t, in order: Add creates
// leaves, Update replaces the leaf key, Remove blanks the leaf, and
// PreSharedKey proposals have no tree effect (§4.10 epoch advance step).
// It returns the leaf index each Add proposal landed at, in proposal order.
func Apply(t *tree.Tree, proposals []Proposal) ([]uint32, error) {
	addedLeaves := make([]uint32, 0, len(proposals))
	for _, p := range proposals {
		switch p.Kind {
		case KindAdd:
			addedLeaves = append(addedLeaves, t.AddLeaf(p.PublicKey))
		case KindUpdate:
			if err := t.UpdateLeaf(p.Sender, p.PublicKey); err != nil {
				return nil, fmt.Errorf("%w: %v", mls.ErrInvalidState, err)
			}
		case KindRemove:
			if err := t.RemoveLeaf(p.LeafIndex); err != nil {
				return nil, fmt.Errorf("%w: %v", mls.ErrInvalidState, err)
			}
		case KindPreSharedKey:
			// no tree effect; consumed by the key schedule elsewhere.
		}
	}
	return addedLeaves, nil
}

// ConfirmationTag is a MAC/hash over the tree's root hash and the epoch it
// transitions into, letting receivers of the same commit verify they
// reached the same state (§4.10). §9 notes a production implementation
// should use a keyed MAC over the full group context per RFC 9420 §8.1;
// this sketch keeps the spec's simplified H(root ‖ epoch) construction.
func ConfirmationTag(rootHash [32]byte, epoch uint64) [32]byte {
	buf := make([]byte, 0, 40)
	buf = append(buf, rootHash[:]...)
	var e [8]byte
	for i := 7; i >= 0; i-- {
		e[i] = byte(epoch)
		epoch >>= 8
	}
	buf = append(buf, e[:]...)
	return blake3.Sum256(buf)
}
