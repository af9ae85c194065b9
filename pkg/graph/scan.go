package graph

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orneryd/graphkv/pkg/model"
	"github.com/orneryd/graphkv/pkg/storage"
)

func (s *Store) scanner() (storage.Scanner, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	sc, ok := s.kv.(storage.Scanner)
	if !ok {
		return nil, ErrUnsupported
	}
	return sc, nil
}

// ScanNodes calls fn for every stored node in key order. Returning
// ErrStopIteration from fn ends the scan early; any other error is returned.
func (s *Store) ScanNodes(ctx context.Context, fn func(n *model.Node) error) (err error) {
	defer s.observe("scan_nodes", time.Now(), &err)
	sc, err := s.scanner()
	if err != nil {
		return err
	}
	err = sc.Scan(ctx, model.NodePrefix, func(key, value []byte) error {
		n, err := s.decodeNode(key, value)
		if err != nil {
			return err
		}
		return fn(n)
	})
	return s.storeErr("scan nodes", err)
}

// ScanEdges calls fn for every stored edge in key order.
func (s *Store) ScanEdges(ctx context.Context, fn func(e *model.Edge) error) (err error) {
	defer s.observe("scan_edges", time.Now(), &err)
	sc, err := s.scanner()
	if err != nil {
		return err
	}
	err = sc.Scan(ctx, model.EdgePrefix, func(key, value []byte) error {
		e, err := s.decodeEdge(key, value)
		if err != nil {
			return err
		}
		return fn(e)
	})
	return s.storeErr("scan edges", err)
}

// Stats holds record counts per table.
type Stats struct {
	Nodes            int `json:"nodes" yaml:"nodes"`
	Edges            int `json:"edges" yaml:"edges"`
	AdjacencyRecords int `json:"adjacency_records" yaml:"adjacency_records"`
}

// Stats counts the records of each table. Records are not decoded.
func (s *Store) Stats(ctx context.Context) (st Stats, err error) {
	defer s.observe("stats", time.Now(), &err)
	sc, err := s.scanner()
	if err != nil {
		return Stats{}, err
	}
	count := func(prefix []byte, n *int) func() error {
		return func() error {
			return sc.Scan(ctx, prefix, func(_, _ []byte) error {
				*n++
				return nil
			})
		}
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(count(model.NodePrefix, &st.Nodes))
	g.Go(count(model.EdgePrefix, &st.Edges))
	g.Go(count(model.AdjacencyPrefix, &st.AdjacencyRecords))
	if err := g.Wait(); err != nil {
		return Stats{}, s.storeErr("stats", err)
	}
	return st, nil
}

// Direction names one side of an adjacency record.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// Issue is one adjacency inconsistency.
type Issue struct {
	Node      model.NodeID
	Edge      model.EdgeID
	Direction Direction
}

func (i Issue) String() string {
	return fmt.Sprintf("node %s %s edge %s", i.Node, i.Direction, i.Edge)
}

// Report describes the consistency of the adjacency table against the edge
// table.
type Report struct {
	Stats

	// Dangling lists adjacency entries naming an edge that is not stored.
	Dangling []Issue
	// Misplaced lists adjacency entries whose edge exists but does not have
	// the node as its source (outgoing) or target (incoming).
	Misplaced []Issue
	// Unindexed lists edges missing from an endpoint's adjacency set.
	Unindexed []Issue
	// Empty lists adjacency records with both sets empty.
	Empty []model.NodeID
}

// OK reports whether no inconsistency was found.
func (r *Report) OK() bool {
	return r.Problems() == 0
}

// Problems returns the number of inconsistencies found.
func (r *Report) Problems() int {
	return len(r.Dangling) + len(r.Misplaced) + len(r.Unindexed) + len(r.Empty)
}

type endpoints struct {
	source, target model.NodeID
}

// snapshot is the edge and adjacency tables loaded into memory.
type snapshot struct {
	nodes     int
	edges     map[model.EdgeID]endpoints
	adjacency map[model.NodeID]*model.Adjacency
}

func (s *Store) load(ctx context.Context, sc storage.Scanner) (*snapshot, error) {
	snap := &snapshot{
		edges:     make(map[model.EdgeID]endpoints),
		adjacency: make(map[model.NodeID]*model.Adjacency),
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sc.Scan(ctx, model.NodePrefix, func(_, _ []byte) error {
			snap.nodes++
			return nil
		})
	})
	g.Go(func() error {
		return sc.Scan(ctx, model.EdgePrefix, func(key, value []byte) error {
			e, err := s.decodeEdge(key, value)
			if err != nil {
				return err
			}
			snap.edges[e.ID] = endpoints{e.Source, e.Target}
			return nil
		})
	})
	g.Go(func() error {
		return sc.Scan(ctx, model.AdjacencyPrefix, func(key, value []byte) error {
			id, err := model.NodeIDFromKey(key)
			if err != nil {
				return s.corrupt(key, err)
			}
			adj, err := s.decodeAdjacency(key, value)
			if err != nil {
				return err
			}
			snap.adjacency[id] = adj
			return nil
		})
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snap, nil
}

func (snap *snapshot) report() *Report {
	r := &Report{Stats: Stats{
		Nodes:            snap.nodes,
		Edges:            len(snap.edges),
		AdjacencyRecords: len(snap.adjacency),
	}}
	check := func(node model.NodeID, set model.EdgeSet, dir Direction) {
		for id := range set {
			ends, ok := snap.edges[id]
			switch {
			case !ok:
				r.Dangling = append(r.Dangling, Issue{node, id, dir})
			case dir == Outgoing && ends.source != node, dir == Incoming && ends.target != node:
				r.Misplaced = append(r.Misplaced, Issue{node, id, dir})
			}
		}
	}
	for node, adj := range snap.adjacency {
		if adj.IsEmpty() {
			r.Empty = append(r.Empty, node)
			continue
		}
		check(node, adj.Outgoing, Outgoing)
		check(node, adj.Incoming, Incoming)
	}
	for id, ends := range snap.edges {
		if adj := snap.adjacency[ends.source]; adj == nil || !adj.Outgoing.Has(id) {
			r.Unindexed = append(r.Unindexed, Issue{ends.source, id, Outgoing})
		}
		if adj := snap.adjacency[ends.target]; adj == nil || !adj.Incoming.Has(id) {
			r.Unindexed = append(r.Unindexed, Issue{ends.target, id, Incoming})
		}
	}
	sortIssues(r.Dangling)
	sortIssues(r.Misplaced)
	sortIssues(r.Unindexed)
	slices.SortFunc(r.Empty, func(a, b model.NodeID) int { return bytes.Compare(a[:], b[:]) })
	return r
}

// rebuild derives every adjacency record from the edge table.
func (snap *snapshot) rebuild() adjacencyDelta {
	want := adjacencyDelta{}
	for id, ends := range snap.edges {
		want.entry(ends.source).Outgoing.Add(id)
		want.entry(ends.target).Incoming.Add(id)
	}
	return want
}

func sortIssues(issues []Issue) {
	slices.SortFunc(issues, func(a, b Issue) int {
		if c := bytes.Compare(a.Node[:], b.Node[:]); c != 0 {
			return c
		}
		if c := bytes.Compare(a.Edge[:], b.Edge[:]); c != 0 {
			return c
		}
		return int(a.Direction) - int(b.Direction)
	})
}

// Verify checks that the adjacency table indexes exactly the stored edges.
// The edge and adjacency tables are loaded into memory.
func (s *Store) Verify(ctx context.Context) (r *Report, err error) {
	defer s.observe("verify", time.Now(), &err)
	sc, err := s.scanner()
	if err != nil {
		return nil, err
	}
	snap, err := s.load(ctx, sc)
	if err != nil {
		return nil, s.storeErr("verify", err)
	}
	return snap.report(), nil
}

// Repair rebuilds the adjacency table from the edge table: records that
// differ from the rebuilt version are rewritten and records for nodes with
// no edges are deleted. Writes are blocked for the duration. It returns the
// report of the state found before repairing.
func (s *Store) Repair(ctx context.Context) (r *Report, err error) {
	defer s.observe("repair", time.Now(), &err)
	sc, err := s.scanner()
	if err != nil {
		return nil, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	snap, err := s.load(ctx, sc)
	if err != nil {
		return nil, s.storeErr("repair", err)
	}
	r = snap.report()
	if r.OK() {
		return r, nil
	}

	want := snap.rebuild()
	var stale [][]byte
	for node := range snap.adjacency {
		if _, ok := want[node]; !ok {
			stale = append(stale, model.AdjacencyKey(node))
		}
	}
	var changed []model.NodeID
	for _, node := range want.nodes() {
		if !want[node].Equal(snap.adjacency[node]) {
			changed = append(changed, node)
		}
	}

	err = s.writeChunked(len(changed), func(lo, hi int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch := make(map[string][]byte, hi-lo)
		for _, node := range changed[lo:hi] {
			data, err := s.codec.EncodeAdjacency(want[node])
			if err != nil {
				return fmt.Errorf("%w: adjacency %s: %w", ErrInvalidData, node, err)
			}
			batch[string(model.AdjacencyKey(node))] = data
		}
		if err := s.apply(func(rw readWriter) error { return rw.putBulk(batch) }); err != nil {
			return err
		}
		s.metrics.AddAdjacencyWrites(len(batch))
		return nil
	})
	if err != nil {
		return nil, s.storeErr("repair", err)
	}
	err = s.writeChunked(len(stale), func(lo, hi int) error {
		return s.apply(func(rw readWriter) error {
			for _, k := range stale[lo:hi] {
				if err := rw.delete(k); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, s.storeErr("repair", err)
	}

	s.log.Warn("adjacency repaired",
		"dangling", len(r.Dangling),
		"misplaced", len(r.Misplaced),
		"unindexed", len(r.Unindexed),
		"rewritten", len(changed),
		"deleted", len(stale))
	return r, nil
}
