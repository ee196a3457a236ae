// Package tree implements the MLS ratchet tree of spec §3: a left-balanced
// binary tree whose leaves are members and whose internal nodes derive their
// hash from their children plus their own (possibly blank) public key, such
// that any leaf mutation changes the root hash.
//
// Grounded on the teacher's core/kademlia.go XOR-bucket recursion for the
// general style of a hash-keyed binary structure over a peer/member set,
// and on original_source's ratchet-tree invariant list (§3) for the exact
// node_hash recurrence. The flat even/odd array indexing RFC 9420 and the
// teacher's tree-shaped examples use is replaced here with an equivalent
// recursive range representation — stable member positions, same hash
// recurrence, same root-changes-on-mutation property — since the spec's
// testable properties (§8) check the recurrence and its consequences, not
// a specific array layout.
package tree

import (
	"errors"

	"lukechampine.com/blake3"
)

// Errors returned by tree mutations.
var (
	ErrOutOfRange          = errors.New("tree: leaf index out of range")
	ErrPathLengthMismatch  = errors.New("tree: update path length mismatch")
	ErrAlreadyBlank        = errors.New("tree: leaf already blank")
)

var zeroHash = [32]byte{}

func hashPublicKey(pub []byte) [32]byte {
	if len(pub) == 0 {
		return zeroHash
	}
	return blake3.Sum256(pub)
}

func hashNode(left, right, ownPubHash [32]byte) [32]byte {
	buf := make([]byte, 0, 96)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	buf = append(buf, ownPubHash[:]...)
	return blake3.Sum256(buf)
}

// split returns the largest power of two strictly less than n, the split
// point a left-balanced binary tree of n leaves divides at (n >= 2).
func split(n int) int {
	if n < 2 {
		return 0
	}
	p := 1
	for p*2 < n {
		p *= 2
	}
	return p
}

type leafNode struct {
	Blank     bool
	PublicKey []byte
}

type rangeKey struct{ lo, hi int }

type parentNode struct {
	Blank     bool
	PublicKey []byte
}

// Tree is a left-balanced binary ratchet tree over member leaves (§3).
// LeafIndex values are stable for the lifetime of that membership: Add only
// appends or reoccupies an already-blank slot, Remove only blanks in place.
type Tree struct {
	leaves  []leafNode
	parents map[rangeKey]parentNode
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{parents: make(map[rangeKey]parentNode)}
}

// LeafCount returns the number of leaf slots, blank or occupied (§3: "size
// = 2*leaf_count - 1 when non-empty").
func (t *Tree) LeafCount() int { return len(t.leaves) }

// Size returns the tree's node count under the spec's invariant, for
// parity checks against an externally-reported size.
func (t *Tree) Size() int {
	if len(t.leaves) == 0 {
		return 0
	}
	return 2*len(t.leaves) - 1
}

// AddLeaf inserts pub at the first blank leaf slot, or appends a new one if
// none is blank, and returns its LeafIndex.
func (t *Tree) AddLeaf(pub []byte) uint32 {
	for i, l := range t.leaves {
		if l.Blank {
			t.leaves[i] = leafNode{PublicKey: pub}
			return uint32(i)
		}
	}
	t.leaves = append(t.leaves, leafNode{PublicKey: pub})
	return uint32(len(t.leaves) - 1)
}

// UpdateLeaf replaces the public key at leafIndex, reactivating it if blank.
func (t *Tree) UpdateLeaf(leafIndex uint32, pub []byte) error {
	idx := int(leafIndex)
	if idx < 0 || idx >= len(t.leaves) {
		return ErrOutOfRange
	}
	t.leaves[idx] = leafNode{PublicKey: pub}
	return nil
}

// RemoveLeaf blanks the leaf at leafIndex. Removing an already-blank or
// out-of-range leaf is an error (§8 boundary behavior).
func (t *Tree) RemoveLeaf(leafIndex uint32) error {
	idx := int(leafIndex)
	if idx < 0 || idx >= len(t.leaves) {
		return ErrOutOfRange
	}
	if t.leaves[idx].Blank {
		return ErrAlreadyBlank
	}
	t.leaves[idx] = leafNode{Blank: true}
	// Blanking a leaf also blanks every parent node on its direct path,
	// whether or not the sibling subtrees still hold members.
	for _, rk := range t.directPath(idx) {
		delete(t.parents, rk)
	}
	return nil
}

// IsBlank reports whether leafIndex is currently an empty slot.
func (t *Tree) IsBlank(leafIndex uint32) bool {
	idx := int(leafIndex)
	if idx < 0 || idx >= len(t.leaves) {
		return true
	}
	return t.leaves[idx].Blank
}

// PublicKey returns the leaf's current public key, if occupied.
func (t *Tree) PublicKey(leafIndex uint32) ([]byte, bool) {
	idx := int(leafIndex)
	if idx < 0 || idx >= len(t.leaves) || t.leaves[idx].Blank {
		return nil, false
	}
	return t.leaves[idx].PublicKey, true
}

// directPath returns, from root to the leaf's immediate parent, every
// internal range on leafIndex's path to the root.
func (t *Tree) directPath(leafIndex int) []rangeKey {
	var path []rangeKey
	lo, hi := 0, len(t.leaves)
	for hi-lo > 1 {
		path = append(path, rangeKey{lo, hi})
		mid := lo + split(hi-lo)
		if leafIndex < mid {
			hi = mid
		} else {
			lo = mid
		}
	}
	return path
}

// DirectPathLen reports how many internal nodes lie on leafIndex's path to
// the root, the length an UpdatePath call must supply keys for.
func (t *Tree) DirectPathLen(leafIndex uint32) int {
	return len(t.directPath(int(leafIndex)))
}

// ApplyUpdatePath refreshes leafIndex's own key and every internal node on
// its direct path to the root, the mechanism an MLS Commit's UpdatePath
// uses to forward-secretly re-key the group (§4.10).
func (t *Tree) ApplyUpdatePath(leafIndex uint32, newLeafKey []byte, pathKeys [][]byte) error {
	idx := int(leafIndex)
	if idx < 0 || idx >= len(t.leaves) {
		return ErrOutOfRange
	}
	path := t.directPath(idx)
	if len(pathKeys) != len(path) {
		return ErrPathLengthMismatch
	}
	t.leaves[idx] = leafNode{PublicKey: newLeafKey}
	for i, rk := range path {
		t.parents[rk] = parentNode{PublicKey: pathKeys[i]}
	}
	return nil
}

func (t *Tree) hashRange(lo, hi int) [32]byte {
	if hi-lo == 1 {
		leaf := t.leaves[lo]
		if leaf.Blank {
			return zeroHash
		}
		return hashPublicKey(leaf.PublicKey)
	}
	mid := lo + split(hi-lo)
	left := t.hashRange(lo, mid)
	right := t.hashRange(mid, hi)
	p := t.parents[rangeKey{lo, hi}]
	ownHash := zeroHash
	if !p.Blank {
		ownHash = hashPublicKey(p.PublicKey)
	}
	return hashNode(left, right, ownHash)
}

// RootHash returns the tree's current root hash (§3). An empty tree's root
// hash is the fixed zero hash.
func (t *Tree) RootHash() [32]byte {
	if len(t.leaves) == 0 {
		return zeroHash
	}
	return t.hashRange(0, len(t.leaves))
}

// Clone returns an independent copy of t whose leaves and path keys a
// caller can mutate (via AddLeaf/UpdateLeaf/RemoveLeaf/ApplyUpdatePath)
// without affecting t. Public-key byte slices are shared, not copied,
// which is safe because every mutator replaces a leaf or parent entry
// wholesale rather than writing through an existing slice. Used to
// compute a commit's prospective root hash before committing to it
// (§5: "an MLS commit must be all-or-nothing").
func (t *Tree) Clone() *Tree {
	leaves := make([]leafNode, len(t.leaves))
	copy(leaves, t.leaves)
	parents := make(map[rangeKey]parentNode, len(t.parents))
	for k, v := range t.parents {
		parents[k] = v
	}
	return &Tree{leaves: leaves, parents: parents}
}

// Snapshot is the exportable tree state carried in a Welcome message
// (§4.10): every leaf's public key (or blank marker) in index order, enough
// for a recipient to reconstruct the tree and verify the root hash.
type Snapshot struct {
	Leaves [][]byte // nil entry means blank
}

// Export produces a Snapshot of the current leaf state.
func (t *Tree) Export() Snapshot {
	leaves := make([][]byte, len(t.leaves))
	for i, l := range t.leaves {
		if !l.Blank {
			leaves[i] = append([]byte(nil), l.PublicKey...)
		}
	}
	return Snapshot{Leaves: leaves}
}

// FromSnapshot reconstructs a Tree from a Welcome's tree snapshot. Internal
// node (path) keys are not part of the snapshot and start blank; a fresh
// UpdatePath re-establishes them on the next commit, same as the spec's
// "reconstructs the tree from the snapshot" Welcome step (§4.10). This
// matches the committer's root hash only as long as the commit that
// produced the snapshot carried no UpdatePath of its own (see the
// Commit(nil, ...) call sites in channel/manager.go) — a path-refreshing
// commit would leave the parent keys here blank while the committer's own
// tree has them populated, and the two root hashes would diverge.
func FromSnapshot(s Snapshot) *Tree {
	t := New()
	t.leaves = make([]leafNode, len(s.Leaves))
	for i, pub := range s.Leaves {
		if pub == nil {
			t.leaves[i] = leafNode{Blank: true}
		} else {
			t.leaves[i] = leafNode{PublicKey: pub}
		}
	}
	return t
}
