package graph

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/graphkv/pkg/codec"
	"github.com/orneryd/graphkv/pkg/encryption"
	"github.com/orneryd/graphkv/pkg/metrics"
	"github.com/orneryd/graphkv/pkg/model"
	"github.com/orneryd/graphkv/pkg/storage"
)

var allBackends = []string{storage.BackendMemory, storage.BackendBadger, storage.BackendLog}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openKV(t *testing.T, backend string) storage.Store {
	t.Helper()
	kv, err := storage.Open(storage.Options{
		Backend:  backend,
		Dir:      t.TempDir(),
		SyncMode: storage.SyncNone,
		Logger:   quietLogger(),
	})
	require.NoError(t, err)
	return kv
}

func openStore(t *testing.T, backend string, opts ...Option) *Store {
	t.Helper()
	return openStoreWithCodec(t, backend, codec.Binary{}, opts...)
}

func openStoreWithCodec(t *testing.T, backend string, c codec.Codec, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	s := New(openKV(t, backend), c, opts...)
	t.Cleanup(func() { s.Close() })
	return s
}

// forEachBackend runs fn once per storage backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, backend string)) {
	for _, backend := range allBackends {
		t.Run(backend, func(t *testing.T) { fn(t, backend) })
	}
}

func testCodecs(t *testing.T) []codec.Codec {
	enc, err := encryption.NewEncryptorWithPassword("graph-test", encryption.Config{
		KeyDerivation: encryption.KeyDerivation{Salt: []byte("graph-test-salt"), Iterations: 1000},
	})
	require.NoError(t, err)
	sealed, err := codec.NewSealed(codec.Binary{}, enc)
	require.NoError(t, err)
	return []codec.Codec{codec.Binary{}, codec.JSON{}, sealed}
}

func person(name string, age int64) *model.Node {
	return model.NewNode(model.Properties{
		"name": model.String(name),
		"age":  model.Int(age),
	})
}

func TestAliceAndBob(t *testing.T) {
	for _, c := range testCodecs(t) {
		forEachBackend(t, func(t *testing.T, backend string) {
			t.Run(c.Name(), func(t *testing.T) {
				s := openStoreWithCodec(t, backend, c)

				a := person("Alice", 30)
				b := person("Bob", 25)
				require.NoError(t, s.PutNode(a))
				require.NoError(t, s.PutNode(b))

				e := model.NewEdge(a.ID, b.ID, model.Properties{"relation": model.String("friend")})
				require.NoError(t, s.PutEdge(e))

				got, err := s.GetNode(a.ID)
				require.NoError(t, err)
				require.NotNil(t, got)
				assert.True(t, got.Properties.Equal(model.Properties{
					"name": model.String("Alice"),
					"age":  model.Int(30),
				}))

				adjA, err := s.GetAdjacencyList(a.ID)
				require.NoError(t, err)
				require.NotNil(t, adjA)
				assert.True(t, adjA.Outgoing.Has(e.ID))
				assert.Zero(t, adjA.Incoming.Len())

				adjB, err := s.GetAdjacencyList(b.ID)
				require.NoError(t, err)
				require.NotNil(t, adjB)
				assert.True(t, adjB.Incoming.Has(e.ID))
				assert.Zero(t, adjB.Outgoing.Len())

				nodes, err := s.GetNodes([]model.NodeID{a.ID, b.ID})
				require.NoError(t, err)
				require.Len(t, nodes, 2)
				assert.True(t, nodes[0].Equal(a))
				assert.True(t, nodes[1].Equal(b))

				gotEdge, err := s.GetEdge(e.ID)
				require.NoError(t, err)
				assert.True(t, gotEdge.Equal(e))
			})
		})
	}
}

func TestNodes(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend string) {
		t.Run("missing_is_nil", func(t *testing.T) {
			s := openStore(t, backend)
			n, err := s.GetNode(model.NewNodeID())
			assert.NoError(t, err)
			assert.Nil(t, n)

			e, err := s.GetEdge(model.NewEdgeID())
			assert.NoError(t, err)
			assert.Nil(t, e)

			adj, err := s.GetAdjacencyList(model.NewNodeID())
			assert.NoError(t, err)
			assert.Nil(t, adj)
		})

		t.Run("overwrite_replaces_properties", func(t *testing.T) {
			s := openStore(t, backend)
			n := person("Alice", 30)
			require.NoError(t, s.PutNode(n))
			require.NoError(t, s.PutNode(model.NewNodeWithID(n.ID, model.Properties{"nick": model.String("al")})))

			got, err := s.GetNode(n.ID)
			require.NoError(t, err)
			assert.Equal(t, []string{"nick"}, got.Properties.Keys())
		})

		t.Run("get_nodes_order_and_gaps", func(t *testing.T) {
			s := openStore(t, backend)
			a, b, c := person("a", 1), person("b", 2), person("c", 3)
			require.NoError(t, s.PutNodes([]*model.Node{a, b, c}))

			missing := model.NewNodeID()
			nodes, err := s.GetNodes([]model.NodeID{c.ID, missing, a.ID, c.ID})
			require.NoError(t, err)
			require.Len(t, nodes, 2)
			assert.Equal(t, c.ID, nodes[0].ID)
			assert.Equal(t, a.ID, nodes[1].ID)

			empty, err := s.GetNodes(nil)
			require.NoError(t, err)
			assert.Empty(t, empty)
		})

		t.Run("get_nodes_bulk_returns_encoded_records", func(t *testing.T) {
			s := openStore(t, backend)
			a, b := person("a", 1), person("b", 2)
			require.NoError(t, s.PutNodes([]*model.Node{a, b}))

			raw, err := s.GetNodesBulk([]model.NodeID{a.ID, b.ID, model.NewNodeID()})
			require.NoError(t, err)
			require.Len(t, raw, 2)
			decoded, err := s.Codec().DecodeNode(raw[b.ID])
			require.NoError(t, err)
			assert.True(t, decoded.Equal(b))
		})

		t.Run("put_nodes_chunked", func(t *testing.T) {
			s := openStore(t, backend, WithBulkChunkSize(3))
			nodes := make([]*model.Node, 10)
			ids := make([]model.NodeID, 10)
			for i := range nodes {
				nodes[i] = person("n", int64(i))
				ids[i] = nodes[i].ID
			}
			require.NoError(t, s.PutNodes(nodes))
			got, err := s.GetNodes(ids)
			require.NoError(t, err)
			assert.Len(t, got, 10)
		})

		t.Run("invalid_input", func(t *testing.T) {
			s := openStore(t, backend)
			assert.ErrorIs(t, s.PutNode(nil), ErrInvalidData)
			assert.ErrorIs(t, s.PutNode(&model.Node{}), ErrInvalidID)

			bad := model.NewNode(model.Properties{"x": {}})
			good := person("ok", 1)
			assert.ErrorIs(t, s.PutNodes([]*model.Node{good, bad}), ErrInvalidData)
			n, err := s.GetNode(good.ID)
			require.NoError(t, err)
			assert.Nil(t, n, "nothing is written when any node fails to encode")
		})

		t.Run("update_node", func(t *testing.T) {
			s := openStore(t, backend)
			id := model.NewNodeID()

			created, err := s.UpdateNode(id, model.Properties{"name": model.String("Alice")}, nil)
			require.NoError(t, err)
			assert.Equal(t, id, created.ID)

			updated, err := s.UpdateNode(id, model.Properties{"age": model.Int(31)}, nil)
			require.NoError(t, err)
			assert.True(t, updated.Properties.Equal(model.Properties{
				"name": model.String("Alice"),
				"age":  model.Int(31),
			}))

			stored, err := s.GetNode(id)
			require.NoError(t, err)
			assert.True(t, stored.Equal(updated))

			replaced, err := s.UpdateNode(id, model.Properties{"only": model.Bool(true)}, MergeReplace)
			require.NoError(t, err)
			assert.Equal(t, []string{"only"}, replaced.Properties.Keys())

			_, err = s.UpdateNode(model.NodeID{}, nil, nil)
			assert.ErrorIs(t, err, ErrInvalidID)
		})
	})
}

func TestEdges(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend string) {
		t.Run("self_loop_single_record", func(t *testing.T) {
			s := openStore(t, backend)
			n := person("loop", 1)
			e := model.NewEdge(n.ID, n.ID, nil)
			require.NoError(t, s.PutEdge(e))

			adj, err := s.GetAdjacencyList(n.ID)
			require.NoError(t, err)
			assert.True(t, adj.Outgoing.Has(e.ID))
			assert.True(t, adj.Incoming.Has(e.ID))
		})

		t.Run("adjacency_does_not_need_nodes", func(t *testing.T) {
			s := openStore(t, backend)
			src, dst := model.NewNodeID(), model.NewNodeID()
			e := model.NewEdge(src, dst, nil)
			require.NoError(t, s.PutEdge(e))

			adj, err := s.GetAdjacencyList(src)
			require.NoError(t, err)
			assert.True(t, adj.Outgoing.Has(e.ID))
		})

		t.Run("re_put_keeps_index", func(t *testing.T) {
			s := openStore(t, backend)
			src, dst := model.NewNodeID(), model.NewNodeID()
			e := model.NewEdge(src, dst, model.Properties{"w": model.Int(1)})
			other := model.NewEdge(src, model.NewNodeID(), nil)
			require.NoError(t, s.PutEdge(e))
			require.NoError(t, s.PutEdge(other))

			e.Properties = model.Properties{"w": model.Int(2)}
			require.NoError(t, s.PutEdge(e))

			got, err := s.GetEdge(e.ID)
			require.NoError(t, err)
			assert.True(t, got.Properties.Equal(model.Properties{"w": model.Int(2)}))

			adj, err := s.GetAdjacencyList(src)
			require.NoError(t, err)
			assert.True(t, adj.Outgoing.Equal(model.NewEdgeSet(e.ID, other.ID)))
		})

		t.Run("endpoints_are_immutable", func(t *testing.T) {
			s := openStore(t, backend)
			e := model.NewEdge(model.NewNodeID(), model.NewNodeID(), nil)
			require.NoError(t, s.PutEdge(e))

			moved := model.NewEdgeWithID(e.ID, e.Source, model.NewNodeID(), nil)
			assert.ErrorIs(t, s.PutEdge(moved), ErrEndpointsChanged)
			assert.ErrorIs(t, s.PutEdgesBulk([]*model.Edge{moved}), ErrEndpointsChanged)

			adj, err := s.GetAdjacencyList(moved.Target)
			require.NoError(t, err)
			assert.Nil(t, adj)
		})

		t.Run("invalid_edges", func(t *testing.T) {
			s := openStore(t, backend)
			assert.ErrorIs(t, s.PutEdge(nil), ErrInvalidData)
			assert.ErrorIs(t, s.PutEdge(&model.Edge{ID: model.NewEdgeID()}), ErrInvalidID)
			assert.ErrorIs(t, s.PutEdge(&model.Edge{Source: model.NewNodeID(), Target: model.NewNodeID()}), ErrInvalidID)
		})

		t.Run("get_edges_and_lists", func(t *testing.T) {
			s := openStore(t, backend)
			a, b, c := model.NewNodeID(), model.NewNodeID(), model.NewNodeID()
			ab := model.NewEdge(a, b, nil)
			bc := model.NewEdge(b, c, nil)
			require.NoError(t, s.PutEdge(ab))
			require.NoError(t, s.PutEdge(bc))

			edges, err := s.GetEdges([]model.EdgeID{bc.ID, model.NewEdgeID(), ab.ID})
			require.NoError(t, err)
			require.Len(t, edges, 2)
			assert.Equal(t, bc.ID, edges[0].ID)
			assert.Equal(t, ab.ID, edges[1].ID)

			raw, err := s.GetEdgesBulk([]model.EdgeID{ab.ID, model.NewEdgeID()})
			require.NoError(t, err)
			assert.Len(t, raw, 1)
			assert.Contains(t, raw, ab.ID)

			lists, err := s.GetAdjacencyLists([]model.NodeID{a, b, c, model.NewNodeID()})
			require.NoError(t, err)
			require.Len(t, lists, 3)
			assert.True(t, lists[b].Incoming.Has(ab.ID))
			assert.True(t, lists[b].Outgoing.Has(bc.ID))
		})

		t.Run("update_edge", func(t *testing.T) {
			s := openStore(t, backend)
			e := model.NewEdge(model.NewNodeID(), model.NewNodeID(), model.Properties{
				"meta": model.Map(model.Properties{"a": model.Int(1)}),
			})
			require.NoError(t, s.PutEdge(e))

			updated, err := s.UpdateEdge(e.ID, model.Properties{
				"meta": model.Map(model.Properties{"b": model.Int(2)}),
			}, MergeDeep)
			require.NoError(t, err)
			meta, ok := updated.Properties["meta"].AsMap()
			require.True(t, ok)
			assert.Len(t, meta, 2)
			assert.Equal(t, e.Source, updated.Source)

			missing, err := s.UpdateEdge(model.NewEdgeID(), model.Properties{"x": model.Int(1)}, nil)
			assert.NoError(t, err)
			assert.Nil(t, missing)
		})
	})
}

func TestConflictReject(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend string) {
		s := openStore(t, backend, WithConflictPolicy(ConflictReject))

		n := person("a", 1)
		require.NoError(t, s.PutNode(n))
		assert.ErrorIs(t, s.PutNode(n), ErrDuplicateID)
		assert.ErrorIs(t, s.PutNodes([]*model.Node{person("b", 2), n}), ErrDuplicateID)

		fresh := person("c", 3)
		assert.ErrorIs(t, s.PutNodes([]*model.Node{fresh, fresh}), ErrDuplicateID)

		e := model.NewEdge(n.ID, model.NewNodeID(), nil)
		require.NoError(t, s.PutEdge(e))
		assert.ErrorIs(t, s.PutEdge(e), ErrDuplicateID)
		assert.ErrorIs(t, s.PutEdgesBulk([]*model.Edge{e}), ErrDuplicateID)
	})
}

func TestParseConflictPolicy(t *testing.T) {
	for in, want := range map[string]ConflictPolicy{
		"":          ConflictOverwrite,
		"overwrite": ConflictOverwrite,
		"REJECT":    ConflictReject,
	} {
		got, err := ParseConflictPolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseConflictPolicy("merge")
	assert.Error(t, err)
	assert.Equal(t, "reject", ConflictReject.String())
}

func TestClosed(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend string) {
		s := openStore(t, backend)
		require.NoError(t, s.Close())
		require.NoError(t, s.Close())

		id := model.NewNodeID()
		assert.ErrorIs(t, s.PutNode(person("a", 1)), ErrClosed)
		assert.ErrorIs(t, s.PutNodes([]*model.Node{person("a", 1)}), ErrClosed)
		assert.ErrorIs(t, s.PutEdge(model.NewEdge(id, id, nil)), ErrClosed)
		assert.ErrorIs(t, s.PutEdgesBulk([]*model.Edge{model.NewEdge(id, id, nil)}), ErrClosed)
		assert.ErrorIs(t, s.DeleteNode(id), ErrClosed)
		assert.ErrorIs(t, s.DeleteEdge(model.NewEdgeID()), ErrClosed)

		_, err := s.GetNode(id)
		assert.ErrorIs(t, err, ErrClosed)
		_, err = s.GetNodes([]model.NodeID{id})
		assert.ErrorIs(t, err, ErrClosed)
		_, err = s.GetEdge(model.NewEdgeID())
		assert.ErrorIs(t, err, ErrClosed)
		_, err = s.GetAdjacencyList(id)
		assert.ErrorIs(t, err, ErrClosed)
		_, err = s.UpdateNode(id, nil, nil)
		assert.ErrorIs(t, err, ErrClosed)
		_, err = s.Verify(testContext(t))
		assert.ErrorIs(t, err, ErrClosed)
		assert.ErrorIs(t, s.Sync(), ErrClosed)
	})
}

func TestCorruptRecords(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend string) {
		m := metrics.New(nil)
		s := openStore(t, backend, WithMetrics(m))

		n := person("a", 1)
		require.NoError(t, s.kv.Put(n.Key(), []byte("not a record")))
		_, err := s.GetNode(n.ID)
		require.ErrorIs(t, err, ErrCorrupt)
		assert.ErrorIs(t, err, codec.ErrMalformed)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.Corruptions))

		// A corrupt adjacency record blocks the edge write instead of being
		// silently replaced.
		src := model.NewNodeID()
		require.NoError(t, s.kv.Put(model.AdjacencyKey(src), []byte{0xff}))
		err = s.PutEdge(model.NewEdge(src, model.NewNodeID(), nil))
		assert.ErrorIs(t, err, ErrCorrupt)
		assert.False(t, errors.Is(err, ErrClosed))
	})
}

func TestMetrics(t *testing.T) {
	m := metrics.New(nil)
	s := openStore(t, storage.BackendMemory, WithMetrics(m))

	a, b := model.NewNodeID(), model.NewNodeID()
	require.NoError(t, s.PutEdgesBulk([]*model.Edge{
		model.NewEdge(a, b, nil),
		model.NewEdge(a, b, nil),
		model.NewEdge(b, a, nil),
	}))
	_, err := s.GetNode(a)
	require.NoError(t, err)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.EdgesIngested))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AdjacencyWrites))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("put_edges_bulk", metrics.StatusOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("get_node", metrics.StatusOK)))
}

func TestCompact(t *testing.T) {
	t.Run("memory_unsupported", func(t *testing.T) {
		s := openStore(t, storage.BackendMemory)
		assert.ErrorIs(t, s.Compact(), ErrUnsupported)
	})
	t.Run("log", func(t *testing.T) {
		s := openStore(t, storage.BackendLog)
		n := person("a", 1)
		require.NoError(t, s.PutNode(n))
		require.NoError(t, s.PutNode(n))
		require.NoError(t, s.Compact())
		got, err := s.GetNode(n.ID)
		require.NoError(t, err)
		assert.True(t, got.Equal(n))
	})
}
