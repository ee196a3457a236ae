package proposal

// UpdatePath refreshes the committer's direct path to the root on a
// leaf-changing commit (§4.10).
type UpdatePath struct {
	LeafKey  []byte
	PathKeys [][]byte
}

// Commit bundles a set of proposals applied in a single atomic epoch step
// (§4.10). Either it contains proposals/a path, or it is empty — an empty
// commit (no proposals, no path) is rejected by the group orchestrator with
// ErrInvalidState (§8).
type Commit struct {
	CommitterLeaf   uint32
	Epoch           uint64
	Proposals       []Proposal
	Path            *UpdatePath
	ConfirmationTag [32]byte
}

// IsEmpty reports whether c carries neither proposals nor a path — the
// boundary case §8 requires be rejected before being applied.
func (c Commit) IsEmpty() bool {
	return len(c.Proposals) == 0 && c.Path == nil
}
