package tree

import "testing"

func TestRootHashChangesOnLeafMutation(t *testing.T) {
	tr := New()
	tr.AddLeaf([]byte("alice-pub"))
	tr.AddLeaf([]byte("bob-pub"))
	before := tr.RootHash()

	if err := tr.UpdateLeaf(1, []byte("bob-pub-v2")); err != nil {
		t.Fatalf("update: %v", err)
	}
	after := tr.RootHash()
	if before == after {
		t.Fatalf("expected root hash to change after leaf mutation")
	}
}

func TestSizeInvariant(t *testing.T) {
	tr := New()
	if tr.Size() != 0 {
		t.Fatalf("expected empty tree size 0")
	}
	tr.AddLeaf([]byte("a"))
	tr.AddLeaf([]byte("b"))
	tr.AddLeaf([]byte("c"))
	if got, want := tr.Size(), 2*3-1; got != want {
		t.Fatalf("size = %d, want %d", got, want)
	}
}

func TestAddReoccupiesBlankSlot(t *testing.T) {
	tr := New()
	tr.AddLeaf([]byte("a"))
	idx := tr.AddLeaf([]byte("b"))
	if err := tr.RemoveLeaf(idx); err != nil {
		t.Fatalf("remove: %v", err)
	}
	reused := tr.AddLeaf([]byte("c"))
	if reused != idx {
		t.Fatalf("expected blank slot %d reused, got %d", idx, reused)
	}
	if tr.LeafCount() != 2 {
		t.Fatalf("expected leaf count unchanged at 2, got %d", tr.LeafCount())
	}
}

func TestRemoveAlreadyBlankFails(t *testing.T) {
	tr := New()
	idx := tr.AddLeaf([]byte("a"))
	if err := tr.RemoveLeaf(idx); err != nil {
		t.Fatalf("first remove: %v", err)
	}
	if err := tr.RemoveLeaf(idx); err != ErrAlreadyBlank {
		t.Fatalf("expected ErrAlreadyBlank, got %v", err)
	}
}

func TestRemoveOutOfRangeFails(t *testing.T) {
	tr := New()
	tr.AddLeaf([]byte("a"))
	if err := tr.RemoveLeaf(5); err != ErrOutOfRange {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

func TestSnapshotRoundTripPreservesRootHash(t *testing.T) {
	tr := New()
	tr.AddLeaf([]byte("a"))
	tr.AddLeaf([]byte("b"))
	tr.AddLeaf([]byte("c"))

	snap := tr.Export()
	restored := FromSnapshot(snap)
	if restored.RootHash() != tr.RootHash() {
		t.Fatalf("expected root hash preserved across snapshot round trip")
	}
}

func TestApplyUpdatePathChangesRootHash(t *testing.T) {
	tr := New()
	tr.AddLeaf([]byte("a"))
	tr.AddLeaf([]byte("b"))
	tr.AddLeaf([]byte("c"))
	before := tr.RootHash()

	n := tr.DirectPathLen(0)
	keys := make([][]byte, n)
	for i := range keys {
		keys[i] = []byte("path-key")
	}
	if err := tr.ApplyUpdatePath(0, []byte("a-v2"), keys); err != nil {
		t.Fatalf("update path: %v", err)
	}
	if tr.RootHash() == before {
		t.Fatalf("expected root hash to change after UpdatePath")
	}
}

func TestApplyUpdatePathWrongLengthFails(t *testing.T) {
	tr := New()
	tr.AddLeaf([]byte("a"))
	tr.AddLeaf([]byte("b"))
	if err := tr.ApplyUpdatePath(0, []byte("a-v2"), nil); err != ErrPathLengthMismatch {
		t.Fatalf("expected ErrPathLengthMismatch, got %v", err)
	}
}
