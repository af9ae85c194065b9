package model

import "bytes"

// Key prefixes for the three logical tables sharing one flat key space.
// The trailing ':' keeps every prefix from being a prefix of another.
var (
	NodePrefix      = []byte("node:")
	EdgePrefix      = []byte("edge:")
	AdjacencyPrefix = []byte("adj:")
)

// NodeKey returns the store key for a node record: "node:" + 16 id bytes.
func NodeKey(id NodeID) []byte {
	return makeKey(NodePrefix, id[:])
}

// EdgeKey returns the store key for an edge record: "edge:" + 16 id bytes.
func EdgeKey(id EdgeID) []byte {
	return makeKey(EdgePrefix, id[:])
}

// AdjacencyKey returns the store key for a node's adjacency record.
func AdjacencyKey(id NodeID) []byte {
	return makeKey(AdjacencyPrefix, id[:])
}

func makeKey(prefix, id []byte) []byte {
	key := make([]byte, 0, len(prefix)+len(id))
	key = append(key, prefix...)
	key = append(key, id...)
	return key
}

// NodeIDFromKey extracts the node id from a node or adjacency key.
func NodeIDFromKey(key []byte) (NodeID, error) {
	switch {
	case bytes.HasPrefix(key, NodePrefix):
		return NodeIDFromBytes(key[len(NodePrefix):])
	case bytes.HasPrefix(key, AdjacencyPrefix):
		return NodeIDFromBytes(key[len(AdjacencyPrefix):])
	}
	return NodeID{}, ErrInvalidID
}

// EdgeIDFromKey extracts the edge id from an edge key.
func EdgeIDFromKey(key []byte) (EdgeID, error) {
	if !bytes.HasPrefix(key, EdgePrefix) {
		return EdgeID{}, ErrInvalidID
	}
	return EdgeIDFromBytes(key[len(EdgePrefix):])
}
