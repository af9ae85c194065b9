package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/orneryd/graphkv/pkg/model"
)

// JSON encodes entities as self-describing JSON documents. Every property
// value is a {"type": ..., "value": ...} object so ints, floats and nested
// containers survive the trip exactly:
//
//	{"id":"6f1c...","properties":{"age":{"type":"int","value":30}}}
//
// Non-finite floats are written as the strings "NaN", "+Inf" and "-Inf". A
// NaN other than math.NaN() is written as "NaN:<16 hex digits>" holding its
// bit pattern.
type JSON struct{}

var canonicalNaN = math.Float64bits(math.NaN())

type jsonValue struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

type jsonNode struct {
	ID         string               `json:"id"`
	Properties map[string]jsonValue `json:"properties"`
}

type jsonEdge struct {
	ID         string               `json:"id"`
	Source     string               `json:"source"`
	Target     string               `json:"target"`
	Properties map[string]jsonValue `json:"properties"`
}

type jsonAdjacency struct {
	Outgoing []string `json:"outgoing"`
	Incoming []string `json:"incoming"`
}

func (JSON) Name() string { return "json" }

func (JSON) EncodeNode(n *model.Node) ([]byte, error) {
	if err := validateNode(n); err != nil {
		return nil, err
	}
	props, err := encodeJSONProperties(n.Properties)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jsonNode{ID: n.ID.String(), Properties: props})
}

func (JSON) DecodeNode(data []byte) (*model.Node, error) {
	var doc jsonNode
	if err := strictUnmarshal(data, &doc); err != nil {
		return nil, err
	}
	id, err := model.ParseNodeID(doc.ID)
	if err != nil || id.IsZero() {
		return nil, malformed("node id %q", doc.ID)
	}
	props, err := decodeJSONProperties(doc.Properties, 0)
	if err != nil {
		return nil, err
	}
	return &model.Node{ID: id, Properties: props}, nil
}

func (JSON) EncodeEdge(e *model.Edge) ([]byte, error) {
	if err := validateEdge(e); err != nil {
		return nil, err
	}
	props, err := encodeJSONProperties(e.Properties)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jsonEdge{
		ID:         e.ID.String(),
		Source:     e.Source.String(),
		Target:     e.Target.String(),
		Properties: props,
	})
}

func (JSON) DecodeEdge(data []byte) (*model.Edge, error) {
	var doc jsonEdge
	if err := strictUnmarshal(data, &doc); err != nil {
		return nil, err
	}
	id, err := model.ParseEdgeID(doc.ID)
	if err != nil || id.IsZero() {
		return nil, malformed("edge id %q", doc.ID)
	}
	src, err := model.ParseNodeID(doc.Source)
	if err != nil || src.IsZero() {
		return nil, malformed("edge source %q", doc.Source)
	}
	dst, err := model.ParseNodeID(doc.Target)
	if err != nil || dst.IsZero() {
		return nil, malformed("edge target %q", doc.Target)
	}
	props, err := decodeJSONProperties(doc.Properties, 0)
	if err != nil {
		return nil, err
	}
	return &model.Edge{ID: id, Source: src, Target: dst, Properties: props}, nil
}

func (JSON) EncodeAdjacency(a *model.Adjacency) ([]byte, error) {
	if a == nil {
		return nil, invalid("nil adjacency")
	}
	doc := jsonAdjacency{Outgoing: []string{}, Incoming: []string{}}
	for _, id := range a.Outgoing.Sorted() {
		doc.Outgoing = append(doc.Outgoing, id.String())
	}
	for _, id := range a.Incoming.Sorted() {
		doc.Incoming = append(doc.Incoming, id.String())
	}
	return json.Marshal(doc)
}

func (JSON) DecodeAdjacency(data []byte) (*model.Adjacency, error) {
	var doc jsonAdjacency
	if err := strictUnmarshal(data, &doc); err != nil {
		return nil, err
	}
	adj := model.NewAdjacency()
	if err := parseEdgeIDs(doc.Outgoing, adj.Outgoing); err != nil {
		return nil, err
	}
	if err := parseEdgeIDs(doc.Incoming, adj.Incoming); err != nil {
		return nil, err
	}
	return adj, nil
}

func parseEdgeIDs(in []string, into model.EdgeSet) error {
	for _, s := range in {
		id, err := model.ParseEdgeID(s)
		if err != nil {
			return malformed("edge id %q", s)
		}
		if into.Has(id) {
			return malformed("duplicate edge id %s in adjacency set", id)
		}
		into.Add(id)
	}
	return nil
}

// strictUnmarshal decodes exactly one JSON document into v, refusing unknown
// fields and trailing data.
func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return malformed("%v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return malformed("trailing data after document")
	}
	return nil
}

func encodeJSONProperties(props model.Properties) (map[string]jsonValue, error) {
	out := make(map[string]jsonValue, len(props))
	for k, v := range props {
		jv, err := encodeJSONValue(v)
		if err != nil {
			return nil, err
		}
		out[k] = jv
	}
	return out, nil
}

func encodeJSONValue(v model.Value) (jsonValue, error) {
	var (
		raw []byte
		err error
	)
	switch v.Kind() {
	case model.KindString:
		s, _ := v.AsString()
		raw, err = json.Marshal(s)
	case model.KindInt:
		i, _ := v.AsInt()
		raw = strconv.AppendInt(nil, i, 10)
	case model.KindFloat:
		f, _ := v.AsFloat()
		switch {
		case math.IsNaN(f) && math.Float64bits(f) == canonicalNaN:
			raw = []byte(`"NaN"`)
		case math.IsNaN(f):
			// Other NaN payloads keep their exact bits.
			raw = []byte(fmt.Sprintf(`"NaN:%016x"`, math.Float64bits(f)))
		case math.IsInf(f, 1):
			raw = []byte(`"+Inf"`)
		case math.IsInf(f, -1):
			raw = []byte(`"-Inf"`)
		default:
			raw = strconv.AppendFloat(nil, f, 'g', -1, 64)
		}
	case model.KindBool:
		b, _ := v.AsBool()
		raw = strconv.AppendBool(nil, b)
	case model.KindMap:
		m, _ := v.AsMap()
		var inner map[string]jsonValue
		if inner, err = encodeJSONProperties(m); err == nil {
			raw, err = json.Marshal(inner)
		}
	case model.KindList:
		items, _ := v.AsList()
		inner := make([]jsonValue, 0, len(items))
		for _, item := range items {
			jv, ierr := encodeJSONValue(item)
			if ierr != nil {
				return jsonValue{}, ierr
			}
			inner = append(inner, jv)
		}
		raw, err = json.Marshal(inner)
	default:
		return jsonValue{}, invalid("value of kind %s", v.Kind())
	}
	if err != nil {
		return jsonValue{}, err
	}
	return jsonValue{Type: v.Kind().String(), Value: raw}, nil
}

func decodeJSONProperties(in map[string]jsonValue, depth int) (model.Properties, error) {
	if depth > model.MaxDepth {
		return nil, malformed("nesting deeper than %d", model.MaxDepth)
	}
	props := make(model.Properties, len(in))
	for k, jv := range in {
		v, err := decodeJSONValue(jv, depth)
		if err != nil {
			return nil, err
		}
		props[k] = v
	}
	return props, nil
}

func decodeJSONValue(jv jsonValue, depth int) (model.Value, error) {
	raw := bytes.TrimSpace(jv.Value)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return model.Value{}, malformed("%s value missing", jv.Type)
	}
	switch model.KindFromString(jv.Type) {
	case model.KindString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return model.Value{}, malformed("string value: %v", err)
		}
		return model.String(s), nil
	case model.KindInt:
		i, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return model.Value{}, malformed("int value %s", raw)
		}
		return model.Int(i), nil
	case model.KindFloat:
		if raw[0] == '"' {
			switch string(raw) {
			case `"NaN"`:
				return model.Float(math.NaN()), nil
			case `"+Inf"`:
				return model.Float(math.Inf(1)), nil
			case `"-Inf"`:
				return model.Float(math.Inf(-1)), nil
			}
			if hex, ok := strings.CutPrefix(strings.Trim(string(raw), `"`), "NaN:"); ok && len(hex) == 16 {
				bits, err := strconv.ParseUint(hex, 16, 64)
				if err == nil && math.IsNaN(math.Float64frombits(bits)) {
					return model.Float(math.Float64frombits(bits)), nil
				}
			}
			return model.Value{}, malformed("float value %s", raw)
		}
		f, err := strconv.ParseFloat(string(raw), 64)
		if err != nil {
			return model.Value{}, malformed("float value %s", raw)
		}
		return model.Float(f), nil
	case model.KindBool:
		switch string(raw) {
		case "true":
			return model.Bool(true), nil
		case "false":
			return model.Bool(false), nil
		}
		return model.Value{}, malformed("bool value %s", raw)
	case model.KindMap:
		var inner map[string]jsonValue
		if err := strictUnmarshal(raw, &inner); err != nil {
			return model.Value{}, err
		}
		props, err := decodeJSONProperties(inner, depth+1)
		if err != nil {
			return model.Value{}, err
		}
		return model.Map(props), nil
	case model.KindList:
		if depth+1 > model.MaxDepth {
			return model.Value{}, malformed("nesting deeper than %d", model.MaxDepth)
		}
		var inner []jsonValue
		if err := strictUnmarshal(raw, &inner); err != nil {
			return model.Value{}, err
		}
		items := make([]model.Value, 0, len(inner))
		for _, item := range inner {
			v, err := decodeJSONValue(item, depth+1)
			if err != nil {
				return model.Value{}, err
			}
			items = append(items, v)
		}
		return model.List(items...), nil
	}
	return model.Value{}, malformed("unknown value type %q", jv.Type)
}
