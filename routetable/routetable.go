// Package routetable maintains the peer directory of spec §4.5: capability
// and reachability metadata per peer, and a best-effort diverse relay
// selection used by the onion router to avoid routing through multiple
// relays sharing the same autonomous system.
//
// Grounded on the teacher's core/kademlia.go peer-bucket bookkeeping for the
// shape of a lock-protected peer directory, generalized from distance
// buckets to capability/ASN metadata since this layer sits above, not
// inside, the DHT routing table.
package routetable

import (
	"sort"
	"sync"
)

// Capability is an advertised peer ability.
type Capability string

// Relay marks a peer willing to forward onion-routed packets (§4.6).
const Relay Capability = "relay"

// Entry is one peer's directory record.
type Entry struct {
	PeerID       string
	Capabilities map[Capability]struct{}
	ASN          uint32
	HasASN       bool
	Reachable    bool
}

// HasCapability reports whether the entry advertises cap.
func (e *Entry) HasCapability(cap Capability) bool {
	_, ok := e.Capabilities[cap]
	return ok
}

// Table is the lock-protected peer directory (§5: single lock per shared
// resource, entries created lazily).
type Table struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// New returns an empty route table.
func New() *Table {
	return &Table{entries: make(map[string]*Entry)}
}

// Upsert inserts or replaces the entry for a peer.
func (t *Table) Upsert(e Entry) {
	if e.Capabilities == nil {
		e.Capabilities = make(map[Capability]struct{})
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := e
	t.entries[e.PeerID] = &cp
}

// Remove drops a peer's directory entry.
func (t *Table) Remove(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, peerID)
}

// Get returns a copy of the entry for peerID, if any.
func (t *Table) Get(peerID string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[peerID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// PickDiverseRelays chooses up to k peers advertising Relay such that no
// two share an ASN, falling back to arbitrary diversity when ASN data is
// incomplete (§4.5). Ties are broken by ascending peer id for stability
// under unchanged inputs.
func (t *Table) PickDiverseRelays(k int) []string {
	t.mu.Lock()
	candidates := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		if e.Reachable && e.HasCapability(Relay) {
			candidates = append(candidates, e)
		}
	}
	t.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].PeerID < candidates[j].PeerID
	})

	picked := make([]string, 0, k)
	seenASN := make(map[uint32]struct{})
	var fallback []string

	for _, e := range candidates {
		if len(picked) >= k {
			break
		}
		if e.HasASN {
			if _, dup := seenASN[e.ASN]; dup {
				continue
			}
			seenASN[e.ASN] = struct{}{}
			picked = append(picked, e.PeerID)
		} else {
			fallback = append(fallback, e.PeerID)
		}
	}
	for _, peerID := range fallback {
		if len(picked) >= k {
			break
		}
		picked = append(picked, peerID)
	}
	// If ASN diversity alone could not fill k, top up with remaining
	// already-considered candidates regardless of ASN collision (best
	// effort, per §4.5), still in deterministic peer-id order.
	if len(picked) < k {
		already := make(map[string]struct{}, len(picked))
		for _, p := range picked {
			already[p] = struct{}{}
		}
		for _, e := range candidates {
			if len(picked) >= k {
				break
			}
			if _, ok := already[e.PeerID]; ok {
				continue
			}
			picked = append(picked, e.PeerID)
		}
	}
	return picked
}

// Len reports the number of tracked peers.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
