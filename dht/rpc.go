package dht

import (
	"errors"

	"github.com/spacechat/core/wire"
)

// RPCKind tags the variant of a DHT RPC message (§6).
type RPCKind uint8

const (
	KindPing RPCKind = iota
	KindPong
	KindFindNode
	KindFindNodeResponse
	KindFindValue
	KindFindValueResponse
	KindStore
	KindStoreAck
)

// ErrMalformedRPC is returned when a wire-decoded RPC fails to parse.
var ErrMalformedRPC = errors.New("dht: malformed rpc")

// FindValueOutcome tags whether a FindValueResponse carries the value or a
// fallback list of closest known nodes (§6).
type FindValueOutcome uint8

const (
	OutcomeFound FindValueOutcome = iota
	OutcomeNotFound
)

// RPC is the tagged union of every DHT wire message (§6). Only the fields
// relevant to Kind are populated.
type RPC struct {
	Kind      RPCKind
	RequestID uint64

	Target    NodeID   // FindNode
	Nodes     []NodeID // FindNodeResponse, FindValueResponse(NotFound)
	Addrs     []string // parallel to Nodes

	Key   NodeID // FindValue, Store
	Value []byte // FindValueResponse(Found), Store

	Outcome FindValueOutcome // FindValueResponse

	Success bool   // StoreAck
	Error   string // StoreAck
}

// Encode serializes r with the shared deterministic field-order codec (§6).
func (r RPC) Encode() []byte {
	e := wire.NewEncoder()
	e.PutUint8(uint8(r.Kind))
	e.PutUint64(r.RequestID)

	switch r.Kind {
	case KindPing, KindPong:
		// no further fields
	case KindFindNode:
		e.PutBytes(r.Target[:])
	case KindFindNodeResponse:
		encodeNodeList(e, r.Nodes, r.Addrs)
	case KindFindValue:
		e.PutBytes(r.Key[:])
	case KindFindValueResponse:
		e.PutUint8(uint8(r.Outcome))
		if r.Outcome == OutcomeFound {
			e.PutBytes(r.Value)
		} else {
			encodeNodeList(e, r.Nodes, r.Addrs)
		}
	case KindStore:
		e.PutBytes(r.Key[:])
		e.PutBytes(r.Value)
	case KindStoreAck:
		if r.Success {
			e.PutUint8(1)
		} else {
			e.PutUint8(0)
		}
		e.PutBytes([]byte(r.Error))
	}
	return e.Bytes()
}

func encodeNodeList(e *wire.Encoder, nodes []NodeID, addrs []string) {
	e.PutUint32(uint32(len(nodes)))
	for i, n := range nodes {
		e.PutBytes(n[:])
		addr := ""
		if i < len(addrs) {
			addr = addrs[i]
		}
		e.PutBytes([]byte(addr))
	}
}

func decodeNodeList(d *wire.Decoder) ([]NodeID, []string, error) {
	count, err := d.Uint32()
	if err != nil {
		return nil, nil, ErrMalformedRPC
	}
	nodes := make([]NodeID, 0, count)
	addrs := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		idBytes, err := d.Bytes()
		if err != nil || len(idBytes) != 32 {
			return nil, nil, ErrMalformedRPC
		}
		var id NodeID
		copy(id[:], idBytes)
		addr, err := d.Bytes()
		if err != nil {
			return nil, nil, ErrMalformedRPC
		}
		nodes = append(nodes, id)
		addrs = append(addrs, string(addr))
	}
	return nodes, addrs, nil
}

// DecodeRPC parses the wire encoding produced by RPC.Encode.
func DecodeRPC(data []byte) (RPC, error) {
	d := wire.NewDecoder(data)
	kindByte, err := d.Uint8()
	if err != nil {
		return RPC{}, ErrMalformedRPC
	}
	r := RPC{Kind: RPCKind(kindByte)}
	r.RequestID, err = d.Uint64()
	if err != nil {
		return RPC{}, ErrMalformedRPC
	}

	switch r.Kind {
	case KindPing, KindPong:
	case KindFindNode:
		b, err := d.Bytes()
		if err != nil || len(b) != 32 {
			return RPC{}, ErrMalformedRPC
		}
		copy(r.Target[:], b)
	case KindFindNodeResponse:
		r.Nodes, r.Addrs, err = decodeNodeList(d)
		if err != nil {
			return RPC{}, err
		}
	case KindFindValue:
		b, err := d.Bytes()
		if err != nil || len(b) != 32 {
			return RPC{}, ErrMalformedRPC
		}
		copy(r.Key[:], b)
	case KindFindValueResponse:
		outcome, err := d.Uint8()
		if err != nil {
			return RPC{}, ErrMalformedRPC
		}
		r.Outcome = FindValueOutcome(outcome)
		if r.Outcome == OutcomeFound {
			r.Value, err = d.Bytes()
			if err != nil {
				return RPC{}, ErrMalformedRPC
			}
		} else {
			r.Nodes, r.Addrs, err = decodeNodeList(d)
			if err != nil {
				return RPC{}, err
			}
		}
	case KindStore:
		keyBytes, err := d.Bytes()
		if err != nil || len(keyBytes) != 32 {
			return RPC{}, ErrMalformedRPC
		}
		copy(r.Key[:], keyBytes)
		r.Value, err = d.Bytes()
		if err != nil {
			return RPC{}, ErrMalformedRPC
		}
	case KindStoreAck:
		flag, err := d.Uint8()
		if err != nil {
			return RPC{}, ErrMalformedRPC
		}
		r.Success = flag == 1
		errBytes, err := d.Bytes()
		if err != nil {
			return RPC{}, ErrMalformedRPC
		}
		r.Error = string(errBytes)
	default:
		return RPC{}, ErrMalformedRPC
	}
	return r, nil
}
