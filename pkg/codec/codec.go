// Package codec turns graph entities into bytes and back.
//
// A Codec must satisfy the round-trip law Decode(Encode(v)) == v for every
// valid entity, must reject malformed input with an error wrapping
// ErrMalformed instead of returning a partially populated value, and must
// never execute code or instantiate arbitrary types while decoding. Both
// shipped formats are schema driven over the closed model.Value space:
//
//   - Binary: length-prefixed tagged fields (protobuf wire format via
//     protowire), compact and the default.
//   - JSON: self-describing tagged objects, convenient for debugging.
//
// Sealed wraps either format with authenticated encryption.
package codec

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/orneryd/graphkv/pkg/model"
)

// Errors
var (
	// ErrMalformed marks bytes that do not decode into the expected entity.
	ErrMalformed = errors.New("codec: malformed payload")
	// ErrInvalidEntity marks an entity that cannot be encoded.
	ErrInvalidEntity = errors.New("codec: invalid entity")
)

// Codec encodes and decodes the three stored entity shapes.
type Codec interface {
	// Name identifies the format ("binary", "json", "sealed+binary", ...).
	Name() string

	EncodeNode(n *model.Node) ([]byte, error)
	DecodeNode(data []byte) (*model.Node, error)

	EncodeEdge(e *model.Edge) ([]byte, error)
	DecodeEdge(data []byte) (*model.Edge, error)

	EncodeAdjacency(a *model.Adjacency) ([]byte, error)
	DecodeAdjacency(data []byte) (*model.Adjacency, error)
}

// New returns the codec registered under name ("binary" or "json").
func New(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "binary":
		return Binary{}, nil
	case "json":
		return JSON{}, nil
	}
	return nil, fmt.Errorf("codec: unknown format %q", name)
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEntity, fmt.Sprintf(format, args...))
}

// validateProperties checks that props only holds encodable values, so an
// encoder never emits bytes its decoder would refuse.
func validateProperties(props model.Properties, depth int) error {
	if depth > model.MaxDepth {
		return invalid("nesting deeper than %d", model.MaxDepth)
	}
	for k, v := range props {
		if !utf8.ValidString(k) {
			return invalid("property key %q is not valid UTF-8", k)
		}
		if err := validateValue(v, depth); err != nil {
			return fmt.Errorf("property %q: %w", k, err)
		}
	}
	return nil
}

func validateValue(v model.Value, depth int) error {
	switch v.Kind() {
	case model.KindString:
		s, _ := v.AsString()
		if !utf8.ValidString(s) {
			return invalid("string is not valid UTF-8")
		}
	case model.KindInt, model.KindFloat, model.KindBool:
	case model.KindMap:
		m, _ := v.AsMap()
		return validateProperties(m, depth+1)
	case model.KindList:
		if depth+1 > model.MaxDepth {
			return invalid("nesting deeper than %d", model.MaxDepth)
		}
		items, _ := v.AsList()
		for _, item := range items {
			if err := validateValue(item, depth+1); err != nil {
				return err
			}
		}
	default:
		return invalid("value of kind %s", v.Kind())
	}
	return nil
}

func validateNode(n *model.Node) error {
	if n == nil {
		return invalid("nil node")
	}
	if n.ID.IsZero() {
		return invalid("node has zero id")
	}
	return validateProperties(n.Properties, 0)
}

func validateEdge(e *model.Edge) error {
	if e == nil {
		return invalid("nil edge")
	}
	if e.ID.IsZero() {
		return invalid("edge has zero id")
	}
	if e.Source.IsZero() || e.Target.IsZero() {
		return invalid("edge %s has a zero endpoint", e.ID)
	}
	return validateProperties(e.Properties, 0)
}
