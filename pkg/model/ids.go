package model

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrInvalidID is returned when an identifier cannot be parsed or is the zero id.
var ErrInvalidID = errors.New("invalid id")

// IDSize is the width in bytes of every node and edge identifier.
const IDSize = 16

// NodeID is a strongly-typed 128-bit node identifier.
//
// Externally a NodeID is rendered in the canonical UUID string form
// ("xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx"); internally the 16 raw bytes are
// used to build store keys. Using a distinct type from EdgeID means an edge id
// can never be passed where a node id is expected.
//
// Example:
//
//	id := model.NewNodeID()
//	fmt.Println(id) // 6f1c0c52-...
//	same, _ := model.ParseNodeID(id.String())
type NodeID [IDSize]byte

// EdgeID is a strongly-typed 128-bit edge identifier. See NodeID.
type EdgeID [IDSize]byte

// NewNodeID returns a fresh random (UUIDv4) node identifier.
func NewNodeID() NodeID {
	return NodeID(uuid.New())
}

// NewEdgeID returns a fresh random (UUIDv4) edge identifier.
func NewEdgeID() EdgeID {
	return EdgeID(uuid.New())
}

// ParseNodeID parses the canonical string form of a node id.
func ParseNodeID(s string) (NodeID, error) {
	u, err := parseID(s)
	return NodeID(u), err
}

// ParseEdgeID parses the canonical string form of an edge id.
func ParseEdgeID(s string) (EdgeID, error) {
	u, err := parseID(s)
	return EdgeID(u), err
}

// MustParseNodeID is like ParseNodeID but panics on error. Intended for tests
// and constants.
func MustParseNodeID(s string) NodeID {
	id, err := ParseNodeID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// MustParseEdgeID is like ParseEdgeID but panics on error.
func MustParseEdgeID(s string) EdgeID {
	id, err := ParseEdgeID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// NodeIDFromBytes converts 16 raw bytes into a NodeID.
func NodeIDFromBytes(b []byte) (NodeID, error) {
	var id NodeID
	if len(b) != IDSize {
		return id, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidID, IDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// EdgeIDFromBytes converts 16 raw bytes into an EdgeID.
func EdgeIDFromBytes(b []byte) (EdgeID, error) {
	var id EdgeID
	if len(b) != IDSize {
		return id, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidID, IDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

func parseID(s string) (uuid.UUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q: %v", ErrInvalidID, s, err)
	}
	return u, nil
}

func (id NodeID) String() string { return uuid.UUID(id).String() }

// IsZero reports whether id is the all-zero (unassigned) id.
func (id NodeID) IsZero() bool { return id == NodeID{} }

// Bytes returns the raw 16-byte form.
func (id NodeID) Bytes() []byte { return id[:] }

// MarshalText implements encoding.TextMarshaler so ids render canonically in
// JSON and YAML.
func (id NodeID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *NodeID) UnmarshalText(b []byte) error {
	parsed, err := ParseNodeID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id EdgeID) String() string { return uuid.UUID(id).String() }

// IsZero reports whether id is the all-zero (unassigned) id.
func (id EdgeID) IsZero() bool { return id == EdgeID{} }

// Bytes returns the raw 16-byte form.
func (id EdgeID) Bytes() []byte { return id[:] }

// MarshalText implements encoding.TextMarshaler.
func (id EdgeID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *EdgeID) UnmarshalText(b []byte) error {
	parsed, err := ParseEdgeID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
