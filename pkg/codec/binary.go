package codec

import (
	"math"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/orneryd/graphkv/pkg/model"
)

// Binary payload header: magic, entity tag, format version.
const (
	binaryMagic   = byte('G')
	binaryVersion = byte(1)

	tagNode      = byte('N')
	tagEdge      = byte('E')
	tagAdjacency = byte('A')

	headerSize = 3
)

// Field numbers. Entities:
//
//	Node      { 1: id bytes, 2: repeated Entry }
//	Edge      { 1: id bytes, 2: source bytes, 3: target bytes, 4: repeated Entry }
//	Adjacency { 1: repeated outgoing id, 2: repeated incoming id }
//	Entry     { 1: key string, 2: Value }
//	Value     { oneof 1: string, 2: sint64, 3: double, 4: bool, 5: MapBody, 6: ListBody }
//	MapBody   { 1: repeated Entry }
//	ListBody  { 1: repeated Value }
const (
	fieldID       protowire.Number = 1
	fieldNodeProp protowire.Number = 2

	fieldSource   protowire.Number = 2
	fieldTarget   protowire.Number = 3
	fieldEdgeProp protowire.Number = 4

	fieldOutgoing protowire.Number = 1
	fieldIncoming protowire.Number = 2

	fieldEntryKey   protowire.Number = 1
	fieldEntryValue protowire.Number = 2

	fieldString protowire.Number = 1
	fieldInt    protowire.Number = 2
	fieldFloat  protowire.Number = 3
	fieldBool   protowire.Number = 4
	fieldMap    protowire.Number = 5
	fieldList   protowire.Number = 6

	fieldItem protowire.Number = 1
)

// Binary is the default codec: a protobuf-wire encoding with a fixed schema.
// Property maps are written in sorted key order, so equal entities always
// encode to identical bytes.
type Binary struct{}

func (Binary) Name() string { return "binary" }

func (Binary) EncodeNode(n *model.Node) ([]byte, error) {
	if err := validateNode(n); err != nil {
		return nil, err
	}
	b := header(tagNode)
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendBytes(b, n.ID[:])
	return appendEntries(b, fieldNodeProp, n.Properties), nil
}

func (Binary) DecodeNode(data []byte) (*model.Node, error) {
	body, err := checkHeader(data, tagNode)
	if err != nil {
		return nil, err
	}
	var (
		id    model.NodeID
		seen  bool
		props = model.Properties{}
	)
	err = forEachField(body, func(num protowire.Number, typ protowire.Type, val []byte) error {
		if typ != protowire.BytesType {
			return malformed("node field %d has wire type %d", num, typ)
		}
		switch num {
		case fieldID:
			if seen {
				return malformed("node id repeated")
			}
			seen = true
			return decodeID(val, id[:])
		case fieldNodeProp:
			return decodeEntry(val, props, 0)
		}
		return malformed("unknown node field %d", num)
	})
	if err != nil {
		return nil, err
	}
	if !seen || id.IsZero() {
		return nil, malformed("node without id")
	}
	return &model.Node{ID: id, Properties: props}, nil
}

func (Binary) EncodeEdge(e *model.Edge) ([]byte, error) {
	if err := validateEdge(e); err != nil {
		return nil, err
	}
	b := header(tagEdge)
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendBytes(b, e.ID[:])
	b = protowire.AppendTag(b, fieldSource, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Source[:])
	b = protowire.AppendTag(b, fieldTarget, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Target[:])
	return appendEntries(b, fieldEdgeProp, e.Properties), nil
}

func (Binary) DecodeEdge(data []byte) (*model.Edge, error) {
	body, err := checkHeader(data, tagEdge)
	if err != nil {
		return nil, err
	}
	e := &model.Edge{Properties: model.Properties{}}
	var seen [4]bool
	err = forEachField(body, func(num protowire.Number, typ protowire.Type, val []byte) error {
		if typ != protowire.BytesType {
			return malformed("edge field %d has wire type %d", num, typ)
		}
		switch num {
		case fieldID, fieldSource, fieldTarget:
			if seen[num] {
				return malformed("edge field %d repeated", num)
			}
			seen[num] = true
			switch num {
			case fieldID:
				return decodeID(val, e.ID[:])
			case fieldSource:
				return decodeID(val, e.Source[:])
			default:
				return decodeID(val, e.Target[:])
			}
		case fieldEdgeProp:
			return decodeEntry(val, e.Properties, 0)
		}
		return malformed("unknown edge field %d", num)
	})
	if err != nil {
		return nil, err
	}
	if e.ID.IsZero() || e.Source.IsZero() || e.Target.IsZero() {
		return nil, malformed("edge missing id or endpoint")
	}
	return e, nil
}

func (Binary) EncodeAdjacency(a *model.Adjacency) ([]byte, error) {
	if a == nil {
		return nil, invalid("nil adjacency")
	}
	b := header(tagAdjacency)
	for _, id := range a.Outgoing.Sorted() {
		b = protowire.AppendTag(b, fieldOutgoing, protowire.BytesType)
		b = protowire.AppendBytes(b, id[:])
	}
	for _, id := range a.Incoming.Sorted() {
		b = protowire.AppendTag(b, fieldIncoming, protowire.BytesType)
		b = protowire.AppendBytes(b, id[:])
	}
	return b, nil
}

func (Binary) DecodeAdjacency(data []byte) (*model.Adjacency, error) {
	body, err := checkHeader(data, tagAdjacency)
	if err != nil {
		return nil, err
	}
	adj := model.NewAdjacency()
	err = forEachField(body, func(num protowire.Number, typ protowire.Type, val []byte) error {
		if typ != protowire.BytesType {
			return malformed("adjacency field %d has wire type %d", num, typ)
		}
		var set model.EdgeSet
		switch num {
		case fieldOutgoing:
			set = adj.Outgoing
		case fieldIncoming:
			set = adj.Incoming
		default:
			return malformed("unknown adjacency field %d", num)
		}
		var id model.EdgeID
		if err := decodeID(val, id[:]); err != nil {
			return err
		}
		if set.Has(id) {
			return malformed("duplicate edge id %s in adjacency set", id)
		}
		set.Add(id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return adj, nil
}

func header(tag byte) []byte {
	b := make([]byte, 0, 64)
	return append(b, binaryMagic, tag, binaryVersion)
}

func checkHeader(data []byte, tag byte) ([]byte, error) {
	if len(data) < headerSize {
		return nil, malformed("payload of %d bytes is shorter than header", len(data))
	}
	if data[0] != binaryMagic {
		return nil, malformed("bad magic byte 0x%02x", data[0])
	}
	if data[1] != tag {
		return nil, malformed("entity tag %q, want %q", data[1], tag)
	}
	if data[2] != binaryVersion {
		return nil, malformed("unsupported version %d", data[2])
	}
	return data[headerSize:], nil
}

// forEachField walks a message body, handing each field's raw value to fn.
// Bytes fields arrive as their contents; varint and fixed64 fields arrive as
// the slice they occupy, decoded by the caller.
func forEachField(b []byte, fn func(num protowire.Number, typ protowire.Type, val []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformed("tag: %v", protowire.ParseError(n))
		}
		b = b[n:]

		var val []byte
		switch typ {
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return malformed("field %d: %v", num, protowire.ParseError(m))
			}
			val, n = v, m
		case protowire.VarintType:
			_, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return malformed("field %d: %v", num, protowire.ParseError(m))
			}
			val, n = b[:m], m
		case protowire.Fixed64Type:
			_, m := protowire.ConsumeFixed64(b)
			if m < 0 {
				return malformed("field %d: %v", num, protowire.ParseError(m))
			}
			val, n = b[:m], m
		default:
			return malformed("field %d: unsupported wire type %d", num, typ)
		}
		b = b[n:]

		if err := fn(num, typ, val); err != nil {
			return err
		}
	}
	return nil
}

func decodeID(val []byte, dst []byte) error {
	if len(val) != model.IDSize {
		return malformed("id of %d bytes", len(val))
	}
	copy(dst, val)
	return nil
}

func appendEntries(b []byte, field protowire.Number, props model.Properties) []byte {
	for _, k := range props.Keys() {
		b = protowire.AppendTag(b, field, protowire.BytesType)
		b = protowire.AppendBytes(b, appendEntry(nil, k, props[k]))
	}
	return b
}

func appendEntry(b []byte, key string, v model.Value) []byte {
	b = protowire.AppendTag(b, fieldEntryKey, protowire.BytesType)
	b = protowire.AppendString(b, key)
	b = protowire.AppendTag(b, fieldEntryValue, protowire.BytesType)
	return protowire.AppendBytes(b, appendValue(nil, v))
}

func appendValue(b []byte, v model.Value) []byte {
	switch v.Kind() {
	case model.KindString:
		s, _ := v.AsString()
		b = protowire.AppendTag(b, fieldString, protowire.BytesType)
		b = protowire.AppendString(b, s)
	case model.KindInt:
		i, _ := v.AsInt()
		b = protowire.AppendTag(b, fieldInt, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(i))
	case model.KindFloat:
		f, _ := v.AsFloat()
		b = protowire.AppendTag(b, fieldFloat, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(f))
	case model.KindBool:
		t, _ := v.AsBool()
		b = protowire.AppendTag(b, fieldBool, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(t))
	case model.KindMap:
		m, _ := v.AsMap()
		b = protowire.AppendTag(b, fieldMap, protowire.BytesType)
		b = protowire.AppendBytes(b, appendEntries(nil, fieldItem, m))
	case model.KindList:
		items, _ := v.AsList()
		var body []byte
		for _, item := range items {
			body = protowire.AppendTag(body, fieldItem, protowire.BytesType)
			body = protowire.AppendBytes(body, appendValue(nil, item))
		}
		b = protowire.AppendTag(b, fieldList, protowire.BytesType)
		b = protowire.AppendBytes(b, body)
	}
	return b
}

func decodeEntry(b []byte, into model.Properties, depth int) error {
	if depth > model.MaxDepth {
		return malformed("nesting deeper than %d", model.MaxDepth)
	}
	var (
		key            string
		value          model.Value
		haveK, haveVal bool
	)
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, val []byte) error {
		if typ != protowire.BytesType {
			return malformed("entry field %d has wire type %d", num, typ)
		}
		switch num {
		case fieldEntryKey:
			if haveK {
				return malformed("entry key repeated")
			}
			if !utf8.Valid(val) {
				return malformed("entry key is not valid UTF-8")
			}
			key, haveK = string(val), true
			return nil
		case fieldEntryValue:
			if haveVal {
				return malformed("entry value repeated")
			}
			v, err := decodeValue(val, depth)
			if err != nil {
				return err
			}
			value, haveVal = v, true
			return nil
		}
		return malformed("unknown entry field %d", num)
	})
	if err != nil {
		return err
	}
	if !haveK || !haveVal {
		return malformed("entry missing key or value")
	}
	if _, dup := into[key]; dup {
		return malformed("duplicate property %q", key)
	}
	into[key] = value
	return nil
}

func decodeValue(b []byte, depth int) (model.Value, error) {
	var (
		out   model.Value
		found bool
	)
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, val []byte) error {
		if found {
			return malformed("value holds more than one variant")
		}
		found = true
		switch {
		case num == fieldString && typ == protowire.BytesType:
			if !utf8.Valid(val) {
				return malformed("string is not valid UTF-8")
			}
			out = model.String(string(val))
		case num == fieldInt && typ == protowire.VarintType:
			u, _ := protowire.ConsumeVarint(val)
			out = model.Int(protowire.DecodeZigZag(u))
		case num == fieldFloat && typ == protowire.Fixed64Type:
			u, _ := protowire.ConsumeFixed64(val)
			out = model.Float(math.Float64frombits(u))
		case num == fieldBool && typ == protowire.VarintType:
			u, _ := protowire.ConsumeVarint(val)
			if u > 1 {
				return malformed("bool value %d", u)
			}
			out = model.Bool(u == 1)
		case num == fieldMap && typ == protowire.BytesType:
			props := model.Properties{}
			if err := forEachField(val, func(n protowire.Number, t protowire.Type, entry []byte) error {
				if n != fieldItem || t != protowire.BytesType {
					return malformed("map body field %d", n)
				}
				return decodeEntry(entry, props, depth+1)
			}); err != nil {
				return err
			}
			out = model.Map(props)
		case num == fieldList && typ == protowire.BytesType:
			if depth+1 > model.MaxDepth {
				return malformed("nesting deeper than %d", model.MaxDepth)
			}
			items := []model.Value{}
			if err := forEachField(val, func(n protowire.Number, t protowire.Type, item []byte) error {
				if n != fieldItem || t != protowire.BytesType {
					return malformed("list body field %d", n)
				}
				v, err := decodeValue(item, depth+1)
				if err != nil {
					return err
				}
				items = append(items, v)
				return nil
			}); err != nil {
				return err
			}
			out = model.List(items...)
		default:
			return malformed("value field %d with wire type %d", num, typ)
		}
		return nil
	})
	if err != nil {
		return model.Value{}, err
	}
	if !found {
		return model.Value{}, malformed("empty value")
	}
	return out, nil
}
