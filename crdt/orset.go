package crdt

// AddID uniquely tags one add operation: the node that performed it and a
// Lamport-style logical timestamp from that node (§4.8, §3).
type AddID struct {
	NodeID    string
	Timestamp uint64
}

// ORSet is an observed-remove set over string elements (e.g. Channel
// membership, §3). Each element carries the set of add-ids that introduced
// it; remove tombstones every add-id currently observed for that element.
// Concurrent add-ids not observed by a remove survive it (§4.8).
type ORSet struct {
	adds       map[string]map[AddID]struct{}
	tombstones map[AddID]struct{}
}

// NewORSet returns an empty OR-Set.
func NewORSet() *ORSet {
	return &ORSet{
		adds:       make(map[string]map[AddID]struct{}),
		tombstones: make(map[AddID]struct{}),
	}
}

// Add introduces element under a fresh add-id from node at the given
// logical timestamp. Concurrent adds of the same element from different
// nodes (or the same node at different timestamps) coexist as distinct
// add-ids.
func (s *ORSet) Add(element, node string, timestamp uint64) {
	id := AddID{NodeID: node, Timestamp: timestamp}
	set, ok := s.adds[element]
	if !ok {
		set = make(map[AddID]struct{})
		s.adds[element] = set
	}
	set[id] = struct{}{}
}

// Remove tombstones every add-id currently present for element. An add-id
// introduced concurrently (not yet observed) is untouched and keeps the
// element present — this is the "remove wins only over what it observed"
// property (§4.8).
func (s *ORSet) Remove(element string) {
	for id := range s.adds[element] {
		s.tombstones[id] = struct{}{}
	}
}

// Contains reports whether element has at least one add-id not shadowed by
// a tombstone.
func (s *ORSet) Contains(element string) bool {
	for id := range s.adds[element] {
		if _, dead := s.tombstones[id]; !dead {
			return true
		}
	}
	return false
}

// Elements returns every element currently present, in no particular order.
func (s *ORSet) Elements() []string {
	out := make([]string, 0, len(s.adds))
	for el := range s.adds {
		if s.Contains(el) {
			out = append(out, el)
		}
	}
	return out
}

// Clone returns an independent deep copy of s.
func (s *ORSet) Clone() *ORSet {
	out := NewORSet()
	for el, ids := range s.adds {
		cp := make(map[AddID]struct{}, len(ids))
		for id := range ids {
			cp[id] = struct{}{}
		}
		out.adds[el] = cp
	}
	for id := range s.tombstones {
		out.tombstones[id] = struct{}{}
	}
	return out
}

// MergeORSets returns the union of a and b's add-ids and the union of their
// tombstones. Merge is commutative, associative, and idempotent (§4.8, §8).
func MergeORSets(a, b *ORSet) *ORSet {
	out := NewORSet()
	for id := range a.tombstones {
		out.tombstones[id] = struct{}{}
	}
	for id := range b.tombstones {
		out.tombstones[id] = struct{}{}
	}
	merge := func(src map[string]map[AddID]struct{}) {
		for el, ids := range src {
			set, ok := out.adds[el]
			if !ok {
				set = make(map[AddID]struct{})
				out.adds[el] = set
			}
			for id := range ids {
				set[id] = struct{}{}
			}
		}
	}
	merge(a.adds)
	merge(b.adds)
	return out
}

// GCStableTombstones discards tombstones whose introducing add-id's vector
// clock is dominated by stableClock — i.e. every participant named in
// stableClock has already seen that add (§9 "stable tombstone" criterion).
// The caller supplies, per tombstoned add-id's node, the highest timestamp
// known to be stable across all participants.
func (s *ORSet) GCStableTombstones(stableClock VectorClock) {
	retired := make(map[AddID]struct{})
	for id := range s.tombstones {
		if stable, ok := stableClock[id.NodeID]; ok && stable >= id.Timestamp {
			retired[id] = struct{}{}
			delete(s.tombstones, id)
		}
	}
	if len(retired) == 0 {
		return
	}
	// An add-id whose tombstone just became stable is provably dead
	// everywhere and can be dropped from adds too, along with any element
	// left with no add-ids at all.
	for el, ids := range s.adds {
		for id := range ids {
			if _, dead := retired[id]; dead {
				delete(ids, id)
			}
		}
		if len(ids) == 0 {
			delete(s.adds, el)
		}
	}
}
