package codec

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/orneryd/graphkv/pkg/encryption"
	"github.com/orneryd/graphkv/pkg/model"
)

func testCodecs(t *testing.T) []Codec {
	t.Helper()
	enc, err := encryption.NewEncryptorWithPassword("codec-test", encryption.Config{
		KeyDerivation: encryption.KeyDerivation{Salt: []byte("salt"), Iterations: 1000},
	})
	require.NoError(t, err)
	sealed, err := NewSealed(Binary{}, enc)
	require.NoError(t, err)
	sealedJSON, err := NewSealed(JSON{}, enc)
	require.NoError(t, err)
	return []Codec{Binary{}, JSON{}, sealed, sealedJSON}
}

func richProperties() model.Properties {
	return model.Properties{
		"name":    model.String("Alice"),
		"unicode": model.String("naïve 日本"),
		"empty":   model.String(""),
		"age":     model.Int(30),
		"min":     model.Int(math.MinInt64),
		"max":     model.Int(math.MaxInt64),
		"score":   model.Float(-0.125),
		"nan":     model.Float(math.NaN()),
		"qnan":    model.Float(math.Float64frombits(0xfff8000000000000)),
		"snan":    model.Float(math.Float64frombits(0x7ff4000000000abc)),
		"inf":     model.Float(math.Inf(-1)),
		"active":  model.Bool(true),
		"off":     model.Bool(false),
		"tags":    model.List(model.String("a"), model.Int(2), model.List()),
		"address": model.Map(model.Properties{
			"city":  model.String("Oslo"),
			"geo":   model.List(model.Float(59.9), model.Float(10.7)),
			"empty": model.Map(nil),
		}),
	}
}

func TestRoundTrip(t *testing.T) {
	for _, c := range testCodecs(t) {
		c := c
		t.Run(c.Name(), func(t *testing.T) {
			t.Run("node", func(t *testing.T) {
				n := model.NewNode(richProperties())
				data, err := c.EncodeNode(n)
				require.NoError(t, err)
				got, err := c.DecodeNode(data)
				require.NoError(t, err)
				assert.True(t, n.Equal(got), "decoded %v", got.ToMap())
			})

			t.Run("node_without_properties", func(t *testing.T) {
				n := model.NewNode(nil)
				data, err := c.EncodeNode(n)
				require.NoError(t, err)
				got, err := c.DecodeNode(data)
				require.NoError(t, err)
				assert.Equal(t, n.ID, got.ID)
				assert.NotNil(t, got.Properties)
				assert.Empty(t, got.Properties)
			})

			t.Run("edge", func(t *testing.T) {
				e := model.NewEdge(model.NewNodeID(), model.NewNodeID(), model.Properties{
					"relation": model.String("friend"),
					"since":    model.Int(2019),
				})
				data, err := c.EncodeEdge(e)
				require.NoError(t, err)
				got, err := c.DecodeEdge(data)
				require.NoError(t, err)
				assert.True(t, e.Equal(got))
			})

			t.Run("self_loop_edge", func(t *testing.T) {
				n := model.NewNodeID()
				e := model.NewEdge(n, n, nil)
				data, err := c.EncodeEdge(e)
				require.NoError(t, err)
				got, err := c.DecodeEdge(data)
				require.NoError(t, err)
				assert.Equal(t, got.Source, got.Target)
			})

			t.Run("adjacency", func(t *testing.T) {
				adj := &model.Adjacency{
					Outgoing: model.NewEdgeSet(model.NewEdgeID(), model.NewEdgeID()),
					Incoming: model.NewEdgeSet(model.NewEdgeID()),
				}
				data, err := c.EncodeAdjacency(adj)
				require.NoError(t, err)
				got, err := c.DecodeAdjacency(data)
				require.NoError(t, err)
				assert.True(t, adj.Equal(got))
			})

			t.Run("empty_adjacency", func(t *testing.T) {
				data, err := c.EncodeAdjacency(model.NewAdjacency())
				require.NoError(t, err)
				got, err := c.DecodeAdjacency(data)
				require.NoError(t, err)
				assert.True(t, got.IsEmpty())
			})

			t.Run("rejects_invalid_entities", func(t *testing.T) {
				_, err := c.EncodeNode(&model.Node{Properties: model.Properties{}})
				assert.ErrorIs(t, err, ErrInvalidEntity)

				_, err = c.EncodeNode(model.NewNode(model.Properties{"bad": {}}))
				assert.ErrorIs(t, err, ErrInvalidEntity)

				_, err = c.EncodeEdge(&model.Edge{ID: model.NewEdgeID(), Source: model.NewNodeID()})
				assert.ErrorIs(t, err, ErrInvalidEntity)

				_, err = c.EncodeAdjacency(nil)
				assert.ErrorIs(t, err, ErrInvalidEntity)
			})

			t.Run("rejects_garbage", func(t *testing.T) {
				for _, data := range [][]byte{nil, {}, []byte("garbage"), {0xff, 0x00, 0x13}} {
					_, err := c.DecodeNode(data)
					assert.ErrorIs(t, err, ErrMalformed)
					_, err = c.DecodeEdge(data)
					assert.ErrorIs(t, err, ErrMalformed)
					_, err = c.DecodeAdjacency(data)
					assert.ErrorIs(t, err, ErrMalformed)
				}
			})

			t.Run("entity_kinds_are_not_interchangeable", func(t *testing.T) {
				data, err := c.EncodeNode(model.NewNode(nil))
				require.NoError(t, err)
				_, err = c.DecodeEdge(data)
				assert.ErrorIs(t, err, ErrMalformed)
			})
		})
	}
}

func TestBinary(t *testing.T) {
	c := Binary{}

	t.Run("deterministic", func(t *testing.T) {
		n := model.NewNode(richProperties())
		a, err := c.EncodeNode(n)
		require.NoError(t, err)
		b, err := c.EncodeNode(n.Clone())
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("every_truncation_is_rejected", func(t *testing.T) {
		data, err := c.EncodeNode(model.NewNode(richProperties()))
		require.NoError(t, err)
		for i := 0; i < len(data); i++ {
			got, err := c.DecodeNode(data[:i])
			if err == nil {
				// A cut on an entry boundary is still well formed but loses properties.
				assert.Less(t, len(got.Properties), len(richProperties()))
				continue
			}
			assert.ErrorIs(t, err, ErrMalformed)
			assert.Nil(t, got)
		}
	})

	t.Run("unknown_field_rejected", func(t *testing.T) {
		data, err := c.EncodeNode(model.NewNode(nil))
		require.NoError(t, err)
		data = protowire.AppendTag(data, 9, protowire.VarintType)
		data = protowire.AppendVarint(data, 1)
		_, err = c.DecodeNode(data)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("repeated_id_rejected", func(t *testing.T) {
		n := model.NewNode(nil)
		data, err := c.EncodeNode(n)
		require.NoError(t, err)
		data = protowire.AppendTag(data, fieldID, protowire.BytesType)
		data = protowire.AppendBytes(data, n.ID[:])
		_, err = c.DecodeNode(data)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("short_id_rejected", func(t *testing.T) {
		data := header(tagNode)
		data = protowire.AppendTag(data, fieldID, protowire.BytesType)
		data = protowire.AppendBytes(data, []byte{1, 2, 3})
		_, err := c.DecodeNode(data)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("duplicate_property_rejected", func(t *testing.T) {
		n := model.NewNode(model.Properties{"k": model.Int(1)})
		data, err := c.EncodeNode(n)
		require.NoError(t, err)
		data = appendEntries(data, fieldNodeProp, model.Properties{"k": model.Int(2)})
		_, err = c.DecodeNode(data)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("bad_bool_rejected", func(t *testing.T) {
		n := model.NewNode(nil)
		data, err := c.EncodeNode(n)
		require.NoError(t, err)
		var value []byte
		value = protowire.AppendTag(value, fieldBool, protowire.VarintType)
		value = protowire.AppendVarint(value, 7)
		var entry []byte
		entry = protowire.AppendTag(entry, fieldEntryKey, protowire.BytesType)
		entry = protowire.AppendString(entry, "flag")
		entry = protowire.AppendTag(entry, fieldEntryValue, protowire.BytesType)
		entry = protowire.AppendBytes(entry, value)
		data = protowire.AppendTag(data, fieldNodeProp, protowire.BytesType)
		data = protowire.AppendBytes(data, entry)
		_, err = c.DecodeNode(data)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("deep_nesting_rejected", func(t *testing.T) {
		v := model.String("leaf")
		for i := 0; i < model.MaxDepth+1; i++ {
			v = model.List(v)
		}
		_, err := c.EncodeNode(model.NewNode(model.Properties{"deep": v}))
		assert.ErrorIs(t, err, ErrInvalidEntity)
	})

	t.Run("duplicate_adjacency_id_rejected", func(t *testing.T) {
		id := model.NewEdgeID()
		data := header(tagAdjacency)
		for i := 0; i < 2; i++ {
			data = protowire.AppendTag(data, fieldOutgoing, protowire.BytesType)
			data = protowire.AppendBytes(data, id[:])
		}
		_, err := c.DecodeAdjacency(data)
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestJSON(t *testing.T) {
	c := JSON{}

	t.Run("large_ints_are_exact", func(t *testing.T) {
		n := model.NewNode(model.Properties{"big": model.Int(1<<53 + 1)})
		data, err := c.EncodeNode(n)
		require.NoError(t, err)
		got, err := c.DecodeNode(data)
		require.NoError(t, err)
		i, ok := got.Properties["big"].AsInt()
		require.True(t, ok)
		assert.Equal(t, int64(1<<53+1), i)
	})

	t.Run("nan_payloads_survive", func(t *testing.T) {
		for _, bits := range []uint64{math.Float64bits(math.NaN()), 0x7ff0000000000001, 0xfffc0000deadbeef} {
			n := model.NewNode(model.Properties{"x": model.Float(math.Float64frombits(bits))})
			data, err := c.EncodeNode(n)
			require.NoError(t, err)
			got, err := c.DecodeNode(data)
			require.NoError(t, err)
			f, ok := got.Properties["x"].AsFloat()
			require.True(t, ok)
			assert.Equal(t, bits, math.Float64bits(f))
		}
		data, err := c.EncodeNode(model.NewNode(model.Properties{"x": model.Float(math.NaN())}))
		require.NoError(t, err)
		assert.True(t, bytes.Contains(data, []byte(`"value":"NaN"`)))
	})

	t.Run("payload_is_readable", func(t *testing.T) {
		n := model.NewNode(model.Properties{"name": model.String("Alice")})
		data, err := c.EncodeNode(n)
		require.NoError(t, err)
		assert.True(t, bytes.Contains(data, []byte(`"name":{"type":"string","value":"Alice"}`)))
	})

	t.Run("strict_decoding", func(t *testing.T) {
		id := model.NewNodeID().String()
		bad := []string{
			`{"id":"` + id + `","properties":{},"extra":1}`,
			`{"id":"` + id + `","properties":{"x":{"type":"int","value":1.5}}}`,
			`{"id":"` + id + `","properties":{"x":{"type":"int","value":null}}}`,
			`{"id":"` + id + `","properties":{"x":{"type":"bool","value":"yes"}}}`,
			`{"id":"` + id + `","properties":{"x":{"type":"float","value":"NaN:zz"}}}`,
			`{"id":"` + id + `","properties":{"x":{"type":"float","value":"NaN:3ff0000000000000"}}}`,
			`{"id":"` + id + `","properties":{"x":{"type":"float","value":"\""}}}`,
			`{"id":"` + id + `","properties":{"x":{"type":"widget","value":1}}}`,
			`{"id":"` + id + `","properties":{"x":{"type":"string","value":"a","more":1}}}`,
			`{"id":"` + id + `"} {}`,
			`{"id":"nope"}`,
			`{"properties":{}}`,
		}
		for _, doc := range bad {
			_, err := c.DecodeNode([]byte(doc))
			assert.ErrorIs(t, err, ErrMalformed, doc)
		}
	})
}

func TestSealed(t *testing.T) {
	codecs := testCodecs(t)
	sealed := codecs[2]

	t.Run("name", func(t *testing.T) {
		assert.Equal(t, "sealed+binary", sealed.Name())
	})

	t.Run("plaintext_not_visible", func(t *testing.T) {
		n := model.NewNode(model.Properties{"secret": model.String("hunter2")})
		data, err := sealed.EncodeNode(n)
		require.NoError(t, err)
		assert.False(t, bytes.Contains(data, []byte("hunter2")))
	})

	t.Run("tampering_is_malformed", func(t *testing.T) {
		data, err := sealed.EncodeNode(model.NewNode(nil))
		require.NoError(t, err)
		data[len(data)-1] ^= 0x01
		_, err = sealed.DecodeNode(data)
		assert.ErrorIs(t, err, ErrMalformed)
		assert.ErrorIs(t, err, encryption.ErrDecryptionFailed)
	})

	t.Run("requires_dependencies", func(t *testing.T) {
		_, err := NewSealed(nil, nil)
		assert.Error(t, err)
	})
}

func TestNew(t *testing.T) {
	for name, want := range map[string]string{"": "binary", "binary": "binary", "JSON": "json"} {
		c, err := New(name)
		require.NoError(t, err)
		assert.Equal(t, want, c.Name())
	}
	_, err := New("pickle")
	assert.Error(t, err)
}
