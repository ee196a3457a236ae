package dht

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spacechat/core/config"
)

// QueryNodeFunc performs one outbound find_node RPC to peer and returns the
// peers it reported (up to k), or an error on timeout/failure. Supplied by
// the caller, which owns the actual transport dispatch (§1: the overlay
// transport is a separate component DHT composes on top of).
type QueryNodeFunc func(ctx context.Context, peer NodeID) ([]NodeID, error)

// QueryValueFunc performs one outbound find_value RPC, returning either the
// value directly or a fallback list of closer nodes.
type QueryValueFunc func(ctx context.Context, peer NodeID, key NodeID) (value []byte, closer []NodeID, err error)

// StoreFunc performs one outbound store RPC to peer.
type StoreFunc func(ctx context.Context, peer NodeID, key NodeID, value []byte) error

var dhtLog = logrus.WithField("component", "dht")

// FindNode performs the iterative α-wide search of §4.7: at each round,
// query the α closest unqueried candidates, fold their responses into the
// candidate set, and stop once every candidate has been queried or
// responded.
func FindNode(ctx context.Context, rt *RoutingTable, mgr *SearchManager, target NodeID, cfg config.Options, query QueryNodeFunc) []NodeID {
	alpha := cfg.DHT.Alpha
	if alpha <= 0 {
		alpha = 3
	}
	bucketSize := cfg.DHT.BucketSize
	if bucketSize <= 0 {
		bucketSize = 20
	}

	seed := rt.Closest(target, bucketSize)
	search := mgr.Start(target, seed)
	defer mgr.Complete(search.ID)

	for !search.Done() {
		batch := search.NextBatch(alpha)
		if len(batch) == 0 {
			break // everything in flight or terminal; wait is pointless, nothing new to start
		}
		for _, peer := range batch {
			queryCtx, cancel := context.WithTimeout(ctx, RPCTimeout)
			peers, err := query(queryCtx, peer)
			cancel()
			if err != nil {
				dhtLog.WithField("peer", peer).Debug("dht: find_node query failed")
				search.MarkFailed(peer)
				continue
			}
			search.MarkResponded(peer, peers)
			for _, p := range peers {
				if addr, ok := rt.Addr(p); ok {
					rt.Insert(p, addr)
				}
			}
		}
	}

	// The result comes from the routing table: responses above only refresh
	// peers it already holds, and peers learned only from responses (with no
	// known address) are not added to it.
	return rt.Closest(target, bucketSize)
}

// Put stores value under key locally and pushes it to the k closest known
// peers via store (§4.7). Put never blocks on a single failed push.
func Put(ctx context.Context, rt *RoutingTable, vs *ValueStore, cfg config.Options, key NodeID, value []byte, ttl time.Duration, store StoreFunc) error {
	if err := vs.Put(key, value, ttl); err != nil {
		return err
	}
	bucketSize := cfg.DHT.BucketSize
	if bucketSize <= 0 {
		bucketSize = 20
	}
	for _, peer := range rt.Closest(key, bucketSize) {
		storeCtx, cancel := context.WithTimeout(ctx, RPCTimeout)
		if err := store(storeCtx, peer, key, value); err != nil {
			dhtLog.WithField("peer", peer).Debug("dht: store push failed")
		}
		cancel()
	}
	return nil
}

// Get checks the local store first, then iteratively pursues find_value
// across the routing table's known peers (§4.7).
func Get(ctx context.Context, rt *RoutingTable, vs *ValueStore, mgr *SearchManager, cfg config.Options, key NodeID, query QueryValueFunc) ([]byte, error) {
	if v, ok := vs.Get(key); ok {
		return v, nil
	}

	alpha := cfg.DHT.Alpha
	if alpha <= 0 {
		alpha = 3
	}
	bucketSize := cfg.DHT.BucketSize
	if bucketSize <= 0 {
		bucketSize = 20
	}

	seed := rt.Closest(key, bucketSize)
	if len(seed) == 0 {
		return nil, ErrNotFound
	}
	search := mgr.Start(key, seed)
	defer mgr.Complete(search.ID)

	for !search.Done() {
		batch := search.NextBatch(alpha)
		if len(batch) == 0 {
			break
		}
		for _, peer := range batch {
			queryCtx, cancel := context.WithTimeout(ctx, RPCTimeout)
			value, closer, err := query(queryCtx, peer, key)
			cancel()
			if err != nil {
				search.MarkFailed(peer)
				continue
			}
			if value != nil {
				search.MarkValueFound(value)
				_ = vs.Put(key, value, 0)
				return value, nil
			}
			search.MarkResponded(peer, closer)
		}
	}
	return nil, ErrNotFound
}
