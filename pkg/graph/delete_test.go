package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/graphkv/pkg/model"
)

func TestDeleteEdge(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend string) {
		s := openStore(t, backend)
		a, b := model.NewNodeID(), model.NewNodeID()
		ab := model.NewEdge(a, b, nil)
		ab2 := model.NewEdge(a, b, nil)
		require.NoError(t, s.PutEdgesBulk([]*model.Edge{ab, ab2}))

		require.NoError(t, s.DeleteEdge(ab.ID))
		e, err := s.GetEdge(ab.ID)
		require.NoError(t, err)
		assert.Nil(t, e)

		adjA, err := s.GetAdjacencyList(a)
		require.NoError(t, err)
		assert.True(t, adjA.Outgoing.Equal(model.NewEdgeSet(ab2.ID)))

		require.NoError(t, s.DeleteEdge(ab2.ID))
		adjA, err = s.GetAdjacencyList(a)
		require.NoError(t, err)
		assert.Nil(t, adjA, "empty adjacency records are removed")
		adjB, err := s.GetAdjacencyList(b)
		require.NoError(t, err)
		assert.Nil(t, adjB)

		assert.NoError(t, s.DeleteEdge(ab.ID), "deleting an absent edge is a no-op")
	})
}

func TestDeleteNode(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend string) {
		t.Run("cascades_to_edges", func(t *testing.T) {
			s := openStore(t, backend)
			a, b, c := person("a", 1), person("b", 2), person("c", 3)
			require.NoError(t, s.PutNodes([]*model.Node{a, b, c}))

			ab := model.NewEdge(a.ID, b.ID, nil)
			ba := model.NewEdge(b.ID, a.ID, nil)
			bc := model.NewEdge(b.ID, c.ID, nil)
			loop := model.NewEdge(b.ID, b.ID, nil)
			require.NoError(t, s.PutEdgesBulk([]*model.Edge{ab, ba, bc, loop}))

			require.NoError(t, s.DeleteNode(b.ID))

			n, err := s.GetNode(b.ID)
			require.NoError(t, err)
			assert.Nil(t, n)
			adj, err := s.GetAdjacencyList(b.ID)
			require.NoError(t, err)
			assert.Nil(t, adj)

			edges, err := s.GetEdges([]model.EdgeID{ab.ID, ba.ID, bc.ID, loop.ID})
			require.NoError(t, err)
			assert.Empty(t, edges)

			adjA, err := s.GetAdjacencyList(a.ID)
			require.NoError(t, err)
			assert.Nil(t, adjA)
			adjC, err := s.GetAdjacencyList(c.ID)
			require.NoError(t, err)
			assert.Nil(t, adjC)

			other, err := s.GetNode(a.ID)
			require.NoError(t, err)
			assert.NotNil(t, other, "neighbours survive")

			report, err := s.Verify(testContext(t))
			require.NoError(t, err)
			assert.True(t, report.OK())
		})

		t.Run("keeps_unrelated_edges", func(t *testing.T) {
			s := openStore(t, backend)
			a, b, c := model.NewNodeID(), model.NewNodeID(), model.NewNodeID()
			ab := model.NewEdge(a, b, nil)
			ac := model.NewEdge(a, c, nil)
			require.NoError(t, s.PutEdgesBulk([]*model.Edge{ab, ac}))

			require.NoError(t, s.DeleteNode(b))
			adjA, err := s.GetAdjacencyList(a)
			require.NoError(t, err)
			assert.True(t, adjA.Outgoing.Equal(model.NewEdgeSet(ac.ID)))
		})

		t.Run("absent_is_noop", func(t *testing.T) {
			s := openStore(t, backend)
			assert.NoError(t, s.DeleteNode(model.NewNodeID()))
		})

		t.Run("node_without_edges", func(t *testing.T) {
			s := openStore(t, backend)
			n := person("solo", 1)
			require.NoError(t, s.PutNode(n))
			require.NoError(t, s.DeleteNode(n.ID))
			got, err := s.GetNode(n.ID)
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	})
}
