package dht

import "sync"

// PeerState is a single candidate's progress within one KadSearch (§4.7).
type PeerState int

const (
	Pending PeerState = iota
	Querying
	Responded
	Failed
)

// OutcomeKind tags a completed search's result shape (§4.7, §7).
type OutcomeKind int

const (
	OutcomeValue OutcomeKind = iota
	OutcomeNodes
	OutcomeSearchFailed
)

// SearchOutcome is the terminal result of a KadSearch.
type SearchOutcome struct {
	Kind   OutcomeKind
	Value  []byte
	Nodes  []NodeID
	Reason string
}

// KadSearch tracks one iterative find_node/find_value lookup: per-candidate
// state, folded in as responses arrive, complete once every candidate is
// terminal (Responded or Failed) or the target value has been found
// (§4.7).
type KadSearch struct {
	ID     uint64
	Target NodeID

	mu        sync.Mutex
	states    map[NodeID]PeerState
	order     []NodeID // insertion order, for deterministic iteration
	found     bool
	foundVal  []byte
}

// NewKadSearch creates a search for target seeded with the given initial
// candidates, all Pending.
func NewKadSearch(id uint64, target NodeID, seed []NodeID) *KadSearch {
	s := &KadSearch{
		ID:     id,
		Target: target,
		states: make(map[NodeID]PeerState, len(seed)),
	}
	for _, p := range seed {
		s.addCandidateLocked(p)
	}
	return s
}

func (s *KadSearch) addCandidateLocked(p NodeID) {
	if _, ok := s.states[p]; ok {
		return
	}
	s.states[p] = Pending
	s.order = append(s.order, p)
}

// AddCandidates folds newly discovered peers into the search as Pending,
// skipping ones already tracked.
func (s *KadSearch) AddCandidates(peers []NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range peers {
		s.addCandidateLocked(p)
	}
}

// NextBatch returns up to alpha Pending candidates and marks them Querying.
func (s *KadSearch) NextBatch(alpha int) []NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]NodeID, 0, alpha)
	for _, p := range s.order {
		if len(out) >= alpha {
			break
		}
		if s.states[p] == Pending {
			s.states[p] = Querying
			out = append(out, p)
		}
	}
	return out
}

// MarkResponded records a successful response from p and folds in any
// peers it returned as new Pending candidates.
func (s *KadSearch) MarkResponded(p NodeID, returned []NodeID) {
	s.mu.Lock()
	s.states[p] = Responded
	s.mu.Unlock()
	s.AddCandidates(returned)
}

// MarkFailed records that p did not respond.
func (s *KadSearch) MarkFailed(p NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[p] = Failed
}

// MarkValueFound short-circuits the search: a find_value RPC returned the
// value directly.
func (s *KadSearch) MarkValueFound(value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.found = true
	s.foundVal = append([]byte(nil), value...)
}

// Done reports whether the search is complete: the value was found, or
// every known candidate is terminal (§4.7).
func (s *KadSearch) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.found {
		return true
	}
	for _, p := range s.order {
		if s.states[p] == Pending || s.states[p] == Querying {
			return false
		}
	}
	return true
}

// Responders returns every candidate currently marked Responded, in
// insertion order.
func (s *KadSearch) Responders() []NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]NodeID, 0, len(s.order))
	for _, p := range s.order {
		if s.states[p] == Responded {
			out = append(out, p)
		}
	}
	return out
}

// SearchManager owns many concurrent KadSearch instances behind a single
// lock; lookups by id are brief (§5).
type SearchManager struct {
	mu      sync.Mutex
	nextID  uint64
	byID    map[uint64]*KadSearch
}

// NewSearchManager returns an empty SearchManager.
func NewSearchManager() *SearchManager {
	return &SearchManager{byID: make(map[uint64]*KadSearch)}
}

// Start registers a new search for target seeded with seed candidates and
// returns it, keyed by a fresh search id.
func (m *SearchManager) Start(target NodeID, seed []NodeID) *KadSearch {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	s := NewKadSearch(m.nextID, target, seed)
	m.byID[s.ID] = s
	return s
}

// Get returns the search registered under id, if any.
func (m *SearchManager) Get(id uint64) (*KadSearch, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	return s, ok
}

// Complete unregisters a search, e.g. once its caller has consumed the
// outcome.
func (m *SearchManager) Complete(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, id)
}

// Len reports the number of in-flight searches.
func (m *SearchManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}
