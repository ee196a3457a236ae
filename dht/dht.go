// Package dht implements the Kademlia routing table, iterative lookup, and
// value store of spec §4.7: 256-bit key space, XOR metric, configurable
// bucket size k and concurrency α, one bucket per bit, "oldest wins" when a
// bucket is full, and a SearchManager that owns many concurrent find_node
// lookups.
//
// Grounded on the teacher's core/kademlia.go for the bucket-array shape,
// SHA-256-then-truncate key derivation, and big.Int XOR-distance sort,
// generalized from its fixed 160-bit/20-byte space to the spec's 256-bit
// keys and from its single global lock to the routing-table/storage-map
// split lock discipline §5 requires (never held together).
package dht

import (
	"math/big"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"lukechampine.com/blake3"

	"github.com/spacechat/core/config"
)

// KeyBits is the width of the DHT's key space (§4.7).
const KeyBits = 256

// NodeID is a 256-bit Kademlia identifier, derived from a peer's Noise
// static public key.
type NodeID [32]byte

// HashKey derives a 256-bit DHT key from an arbitrary byte string using
// BLAKE3-256, the teacher's transitive hashing dependency, in place of the
// teacher's own truncated SHA-256 (§4.7's key space is wider than the
// teacher's 160 bits, so truncation would throw away entropy BLAKE3 at
// native width does not).
func HashKey(data []byte) NodeID {
	return NodeID(blake3.Sum256(data))
}

func xorDistance(a, b NodeID) *big.Int {
	var diff [32]byte
	for i := range diff {
		diff[i] = a[i] ^ b[i]
	}
	return new(big.Int).SetBytes(diff[:])
}

// bucketIndex returns the index of the most-significant differing bit
// between local and id, the bucket a peer belongs in (§4.7).
func bucketIndex(local, id NodeID) int {
	d := xorDistance(local, id)
	if d.Sign() == 0 {
		return -1 // id == local; never bucketed
	}
	return KeyBits - d.BitLen()
}

// peerEntry is one routing-table record.
type peerEntry struct {
	ID       NodeID
	Addr     string
	insertAt time.Time
}

// bucket holds up to k peers, oldest-wins on overflow: once full, a new
// candidate peer is simply dropped rather than evicting an existing entry
// (§4.7). The LRU cache here is sized to the bucket capacity purely for
// bounded, ordered accounting of current occupants — eviction on Add is
// never allowed to fire because callers gate on Len() before inserting.
type bucket struct {
	cache *lru.Cache[NodeID, *peerEntry]
}

func newBucket(size int) *bucket {
	c, _ := lru.New[NodeID, *peerEntry](size)
	return &bucket{cache: c}
}

// RoutingTable is the Kademlia peer directory: one bucket per bit of the
// key space, indexed by XOR distance from the local id (§4.7).
type RoutingTable struct {
	local      NodeID
	bucketSize int
	buckets    []*bucket

	mu  sync.Mutex
	log *logrus.Entry
}

// NewRoutingTable builds a routing table for local using cfg's bucket size
// and bucket count.
func NewRoutingTable(local NodeID, cfg config.Options) *RoutingTable {
	numBuckets := cfg.DHT.NumBuckets
	if numBuckets <= 0 {
		numBuckets = KeyBits
	}
	bucketSize := cfg.DHT.BucketSize
	if bucketSize <= 0 {
		bucketSize = 20
	}
	rt := &RoutingTable{
		local:      local,
		bucketSize: bucketSize,
		buckets:    make([]*bucket, numBuckets),
		log:        logrus.WithField("component", "dht.routingtable"),
	}
	for i := range rt.buckets {
		rt.buckets[i] = newBucket(bucketSize)
	}
	return rt
}

// Insert adds a peer to its bucket. The local id is never inserted (§4.7).
// If the owning bucket is already full, the peer is dropped (oldest wins).
func (rt *RoutingTable) Insert(id NodeID, addr string) {
	if id == rt.local {
		return
	}
	idx := bucketIndex(rt.local, id)
	if idx < 0 || idx >= len(rt.buckets) {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	b := rt.buckets[idx]
	if b.cache.Contains(id) {
		return // already present; refreshing does not reorder (oldest wins)
	}
	if b.cache.Len() >= rt.bucketSize {
		rt.log.WithField("bucket", idx).Debug("dht: bucket full, dropping candidate")
		return
	}
	b.cache.Add(id, &peerEntry{ID: id, Addr: addr, insertAt: time.Now()})
}

// Remove drops id from the routing table, if present.
func (rt *RoutingTable) Remove(id NodeID) {
	idx := bucketIndex(rt.local, id)
	if idx < 0 || idx >= len(rt.buckets) {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.buckets[idx].cache.Remove(id)
}

// Closest returns up to count peers closest to target by XOR distance,
// across all buckets, sorted ascending by distance with ties broken by
// ascending NodeID for determinism.
func (rt *RoutingTable) Closest(target NodeID, count int) []NodeID {
	rt.mu.Lock()
	all := make([]NodeID, 0)
	for _, b := range rt.buckets {
		for _, id := range b.cache.Keys() {
			all = append(all, id)
		}
	}
	rt.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		di, dj := xorDistance(all[i], target), xorDistance(all[j], target)
		if c := di.Cmp(dj); c != 0 {
			return c < 0
		}
		return lessNodeID(all[i], all[j])
	})
	if len(all) > count {
		all = all[:count]
	}
	return all
}

func lessNodeID(a, b NodeID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Len reports the total number of tracked peers across all buckets.
func (rt *RoutingTable) Len() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	n := 0
	for _, b := range rt.buckets {
		n += b.cache.Len()
	}
	return n
}

// Addr returns the known address for id, if tracked.
func (rt *RoutingTable) Addr(id NodeID) (string, bool) {
	idx := bucketIndex(rt.local, id)
	if idx < 0 || idx >= len(rt.buckets) {
		return "", false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	e, ok := rt.buckets[idx].cache.Get(id)
	if !ok {
		return "", false
	}
	return e.Addr, true
}
