package crdt

// LWWRegister is a last-writer-wins scalar register tagged with a
// Lamport-style timestamp and the writing node's id for deterministic tie
// breaking (§3: used for Channel's scalar fields — name, visibility,
// description — per §4.13). Not exhaustively specified in the source spec;
// supplemented here as a complete primitive since Channel depends on it.
type LWWRegister struct {
	value     string
	timestamp uint64
	nodeID    string
}

// NewLWWRegister returns a register initialized to value, written by node
// at the given logical timestamp.
func NewLWWRegister(value, node string, timestamp uint64) LWWRegister {
	return LWWRegister{value: value, timestamp: timestamp, nodeID: node}
}

// Value returns the current winning value.
func (r LWWRegister) Value() string { return r.value }

// Timestamp returns the logical timestamp of the current winning write.
func (r LWWRegister) Timestamp() uint64 { return r.timestamp }

// Set assigns value as a new write from node at timestamp, in place,
// applying the same larger-timestamp-wins / node-id-tiebreak rule Merge
// uses, so a single-writer call site need not go through Merge explicitly.
func (r *LWWRegister) Set(value, node string, timestamp uint64) {
	*r = MergeLWW(*r, LWWRegister{value: value, timestamp: timestamp, nodeID: node})
}

// MergeLWW resolves two concurrent writes: the larger timestamp wins; ties
// are broken by the larger node id (§3).
func MergeLWW(a, b LWWRegister) LWWRegister {
	if a.timestamp != b.timestamp {
		if a.timestamp > b.timestamp {
			return a
		}
		return b
	}
	if a.nodeID >= b.nodeID {
		return a
	}
	return b
}
