package dht

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spacechat/core/config"
)

// Errors per §7.
var (
	ErrInvalidValue = errors.New("dht: invalid value")
	ErrNotFound     = errors.New("dht: not found")
	ErrTimeout      = errors.New("dht: rpc timeout")
	ErrSearchFailed = errors.New("dht: search failed")
)

// RPCTimeout is the per-hop RPC deadline (§5).
const RPCTimeout = 5 * time.Second

// record is a stored value with its expiration (§4.7).
type record struct {
	value     []byte
	expiresAt time.Time
}

// ValueStore is the local key/value map backing put/get, held under its own
// lock, never acquired together with the routing table's lock (§5).
type ValueStore struct {
	maxValueSize      int
	requireSignatures bool

	mu      sync.Mutex
	records map[NodeID]record
	log     *logrus.Entry
}

// NewValueStore builds a ValueStore from the dht section of cfg.
func NewValueStore(cfg config.Options) *ValueStore {
	maxSize := cfg.DHT.MaxValueSize
	if maxSize <= 0 {
		maxSize = 64 * 1024
	}
	return &ValueStore{
		maxValueSize:      maxSize,
		requireSignatures: cfg.DHT.RequireSignatures,
		records:           make(map[NodeID]record),
		log:               logrus.WithField("component", "dht.store"),
	}
}

// Put stores value under key locally with the given time-to-live.
func (vs *ValueStore) Put(key NodeID, value []byte, ttl time.Duration) error {
	if len(value) > vs.maxValueSize {
		return ErrInvalidValue
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.records[key] = record{value: append([]byte(nil), value...), expiresAt: time.Now().Add(ttl)}
	return nil
}

// Get returns the locally stored value for key, if present and unexpired.
func (vs *ValueStore) Get(key NodeID) ([]byte, bool) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	r, ok := vs.records[key]
	if !ok || time.Now().After(r.expiresAt) {
		return nil, false
	}
	return append([]byte(nil), r.value...), true
}

// MaintenanceTick garbage-collects expired values. Callers invoke this on a
// ticker paced by config.Options.DHT.BucketRefreshInterval (§4.7, §6).
func (vs *ValueStore) MaintenanceTick() {
	now := time.Now()
	vs.mu.Lock()
	defer vs.mu.Unlock()
	for k, r := range vs.records {
		if now.After(r.expiresAt) {
			delete(vs.records, k)
		}
	}
}

// Len reports the number of currently stored (possibly stale until the next
// tick) records.
func (vs *ValueStore) Len() int {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return len(vs.records)
}
