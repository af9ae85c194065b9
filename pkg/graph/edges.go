package graph

import (
	"bytes"
	"fmt"
	"slices"
	"time"

	"github.com/orneryd/graphkv/pkg/model"
)

func (s *Store) encodeEdge(e *model.Edge) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil edge", ErrInvalidData)
	}
	if e.ID.IsZero() {
		return nil, fmt.Errorf("%w: edge has zero id", ErrInvalidID)
	}
	if e.Source.IsZero() || e.Target.IsZero() {
		return nil, fmt.Errorf("%w: edge %s has a zero endpoint", ErrInvalidID, e.ID)
	}
	data, err := s.codec.EncodeEdge(e)
	if err != nil {
		return nil, fmt.Errorf("%w: edge %s: %w", ErrInvalidData, e.ID, err)
	}
	return data, nil
}

func (s *Store) decodeEdge(key, data []byte) (*model.Edge, error) {
	e, err := s.codec.DecodeEdge(data)
	if err != nil {
		return nil, s.corrupt(key, err)
	}
	return e, nil
}

func (s *Store) decodeAdjacency(key, data []byte) (*model.Adjacency, error) {
	a, err := s.codec.DecodeAdjacency(data)
	if err != nil {
		return nil, s.corrupt(key, err)
	}
	return a, nil
}

// checkExisting applies the conflict policy and endpoint immutability to a
// stored edge record.
func (s *Store) checkExisting(e *model.Edge, data []byte) error {
	if s.policy == ConflictReject {
		return fmt.Errorf("%w: edge %s", ErrDuplicateID, e.ID)
	}
	old, err := s.decodeEdge(e.Key(), data)
	if err != nil {
		return err
	}
	if old.Source != e.Source || old.Target != e.Target {
		return fmt.Errorf("%w: edge %s is %s->%s, got %s->%s",
			ErrEndpointsChanged, e.ID, old.Source, old.Target, e.Source, e.Target)
	}
	return nil
}

// PutEdge stores e and indexes it in the source's outgoing set and the
// target's incoming set. Re-putting an edge replaces its properties; its
// endpoints cannot change.
func (s *Store) PutEdge(e *model.Edge) (err error) {
	defer s.observe("put_edge", time.Now(), &err)
	data, err := s.encodeEdge(e)
	if err != nil {
		return err
	}
	err = s.write(func(rw readWriter) error {
		existing, err := getRecord(rw, e.Key())
		if err != nil {
			return err
		}
		if existing != nil {
			if err := s.checkExisting(e, existing); err != nil {
				return err
			}
		}

		delta := adjacencyDelta{}
		delta.add(e)
		order := []model.NodeID{e.Source}
		if e.Target != e.Source {
			order = append(order, e.Target)
		}
		records, err := s.mergeAdjacency(rw, order, delta)
		if err != nil {
			return err
		}

		if err := rw.put(e.Key(), data); err != nil {
			return err
		}
		for _, r := range records {
			if err := rw.put(r.key, r.value); err != nil {
				return err
			}
		}
		s.metrics.AddAdjacencyWrites(len(records))
		return nil
	})
	return s.storeErr("put edge", err)
}

type pendingEdge struct {
	edge *model.Edge
	key  []byte
	data []byte
}

// PutEdgesBulk stores edges and their adjacency entries with one bulk write
// per table (one transaction on transactional backends). All adjacency
// updates for a node within the batch are merged, then unioned with the
// stored record, so the result does not depend on input order.
//
// Every edge is encoded before anything is written. A repeated id within the
// batch keeps the last occurrence. Batches larger than the configured chunk
// size are written chunk by chunk.
func (s *Store) PutEdgesBulk(edges []*model.Edge) (err error) {
	defer s.observe("put_edges_bulk", time.Now(), &err)
	if len(edges) == 0 {
		return nil
	}

	pending := make([]pendingEdge, 0, len(edges))
	index := make(map[model.EdgeID]int, len(edges))
	for _, e := range edges {
		data, err := s.encodeEdge(e)
		if err != nil {
			return err
		}
		if i, seen := index[e.ID]; seen {
			prev := pending[i].edge
			if prev.Source != e.Source || prev.Target != e.Target {
				return fmt.Errorf("%w: edge %s repeated in batch with different endpoints", ErrEndpointsChanged, e.ID)
			}
			if s.policy == ConflictReject {
				return fmt.Errorf("%w: edge %s repeated in batch", ErrDuplicateID, e.ID)
			}
			pending[i] = pendingEdge{edge: e, key: pending[i].key, data: data}
			continue
		}
		index[e.ID] = len(pending)
		pending = append(pending, pendingEdge{edge: e, key: e.Key(), data: data})
	}

	err = s.writeChunked(len(pending), func(lo, hi int) error {
		part := pending[lo:hi]
		var adjWrites int
		err := s.write(func(rw readWriter) error {
			var err error
			adjWrites, err = s.ingestChunk(rw, part)
			return err
		})
		if err != nil {
			return err
		}
		s.metrics.AddEdgesIngested(len(part))
		s.metrics.AddAdjacencyWrites(adjWrites)
		s.log.Debug("bulk edges written",
			"offset", lo, "edges", len(part), "total", len(pending), "adjacency_records", adjWrites)
		return nil
	})
	return s.storeErr("put edges bulk", err)
}

// ingestChunk writes one chunk of a bulk ingest and returns the number of
// adjacency records written.
func (s *Store) ingestChunk(rw readWriter, part []pendingEdge) (int, error) {
	keys := make([][]byte, len(part))
	for i, p := range part {
		keys[i] = p.key
	}
	existing, err := rw.getBulk(keys)
	if err != nil {
		return 0, err
	}

	delta := adjacencyDelta{}
	edgeBatch := make(map[string][]byte, len(part))
	for _, p := range part {
		if data, ok := existing[string(p.key)]; ok {
			if err := s.checkExisting(p.edge, data); err != nil {
				return 0, err
			}
		}
		delta.add(p.edge)
		edgeBatch[string(p.key)] = p.data
	}

	records, err := s.mergeAdjacency(rw, delta.nodes(), delta)
	if err != nil {
		return 0, err
	}
	adjBatch := make(map[string][]byte, len(records))
	for _, r := range records {
		adjBatch[string(r.key)] = r.value
	}

	if err := rw.putBulk(edgeBatch); err != nil {
		return 0, err
	}
	if err := rw.putBulk(adjBatch); err != nil {
		return 0, err
	}
	return len(records), nil
}

// GetEdge returns the edge with id, or nil if none is stored.
func (s *Store) GetEdge(id model.EdgeID) (e *model.Edge, err error) {
	defer s.observe("get_edge", time.Now(), &err)
	rw, err := s.reader()
	if err != nil {
		return nil, err
	}
	key := model.EdgeKey(id)
	data, err := getRecord(rw, key)
	if err != nil || data == nil {
		return nil, s.storeErr("get edge", err)
	}
	return s.decodeEdge(key, data)
}

// GetEdges returns the stored edges among ids, in input order. Absent ids
// are skipped and repeated ids are returned once.
func (s *Store) GetEdges(ids []model.EdgeID) (edges []*model.Edge, err error) {
	defer s.observe("get_edges", time.Now(), &err)
	raw, err := s.getEdgesRaw(ids)
	if err != nil {
		return nil, err
	}
	edges = make([]*model.Edge, 0, len(raw))
	seen := make(map[model.EdgeID]bool, len(raw))
	for _, id := range ids {
		data, ok := raw[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		e, err := s.decodeEdge(model.EdgeKey(id), data)
		if err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, nil
}

// GetEdgesBulk returns the encoded records of the stored edges among ids,
// keyed by id. Absent ids have no entry.
func (s *Store) GetEdgesBulk(ids []model.EdgeID) (raw map[model.EdgeID][]byte, err error) {
	defer s.observe("get_edges_bulk", time.Now(), &err)
	return s.getEdgesRaw(ids)
}

func (s *Store) getEdgesRaw(ids []model.EdgeID) (map[model.EdgeID][]byte, error) {
	rw, err := s.reader()
	if err != nil {
		return nil, err
	}
	out := make(map[model.EdgeID][]byte, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([][]byte, len(ids))
	for i, id := range ids {
		keys[i] = model.EdgeKey(id)
	}
	found, err := rw.getBulk(keys)
	if err != nil {
		return nil, s.storeErr("get edges", err)
	}
	for i, id := range ids {
		if data, ok := found[string(keys[i])]; ok {
			out[id] = data
		}
	}
	return out, nil
}

// GetAdjacencyList returns the node's incident edge ids, or nil if it has no
// adjacency record. The node table is not consulted.
func (s *Store) GetAdjacencyList(id model.NodeID) (adj *model.Adjacency, err error) {
	defer s.observe("get_adjacency", time.Now(), &err)
	rw, err := s.reader()
	if err != nil {
		return nil, err
	}
	key := model.AdjacencyKey(id)
	data, err := getRecord(rw, key)
	if err != nil || data == nil {
		return nil, s.storeErr("get adjacency", err)
	}
	return s.decodeAdjacency(key, data)
}

// GetAdjacencyLists returns the adjacency records of ids in one bulk read.
// Nodes without a record have no entry.
func (s *Store) GetAdjacencyLists(ids []model.NodeID) (lists map[model.NodeID]*model.Adjacency, err error) {
	defer s.observe("get_adjacency_lists", time.Now(), &err)
	rw, err := s.reader()
	if err != nil {
		return nil, err
	}
	lists = make(map[model.NodeID]*model.Adjacency, len(ids))
	if len(ids) == 0 {
		return lists, nil
	}
	keys := make([][]byte, len(ids))
	for i, id := range ids {
		keys[i] = model.AdjacencyKey(id)
	}
	found, err := rw.getBulk(keys)
	if err != nil {
		return nil, s.storeErr("get adjacency lists", err)
	}
	for i, id := range ids {
		data, ok := found[string(keys[i])]
		if !ok {
			continue
		}
		adj, err := s.decodeAdjacency(keys[i], data)
		if err != nil {
			return nil, err
		}
		lists[id] = adj
	}
	return lists, nil
}

// DeleteEdge removes the edge and its entries in both endpoints' adjacency
// records. Deleting an absent edge is a no-op.
func (s *Store) DeleteEdge(id model.EdgeID) (err error) {
	defer s.observe("delete_edge", time.Now(), &err)
	err = s.write(func(rw readWriter) error {
		return s.detachEdges(rw, []model.EdgeID{id}, model.NodeID{})
	})
	return s.storeErr("delete edge", err)
}

// UpdateEdge merges patch into the stored edge's properties. It returns nil,
// nil when the edge does not exist. Endpoints and adjacency are unchanged.
func (s *Store) UpdateEdge(id model.EdgeID, patch model.Properties, merge MergeFunc) (e *model.Edge, err error) {
	defer s.observe("update_edge", time.Now(), &err)
	if merge == nil {
		merge = MergeShallow
	}
	err = s.write(func(rw readWriter) error {
		key := model.EdgeKey(id)
		data, err := getRecord(rw, key)
		if err != nil || data == nil {
			return err
		}
		old, err := s.decodeEdge(key, data)
		if err != nil {
			return err
		}
		e = model.NewEdgeWithID(id, old.Source, old.Target, merge(old.Properties, patch))
		encoded, err := s.encodeEdge(e)
		if err != nil {
			return err
		}
		return rw.put(key, encoded)
	})
	if err != nil {
		return nil, s.storeErr("update edge", err)
	}
	return e, nil
}

// detachEdges deletes the given edges and removes them from the adjacency
// records of their endpoints, except the record of skip, which the caller
// deletes itself. Ids without an edge record are ignored.
func (s *Store) detachEdges(rw readWriter, ids []model.EdgeID, skip model.NodeID) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([][]byte, len(ids))
	for i, id := range ids {
		keys[i] = model.EdgeKey(id)
	}
	found, err := rw.getBulk(keys)
	if err != nil {
		return err
	}

	removal := adjacencyDelta{}
	var stored [][]byte
	for _, k := range keys {
		data, ok := found[string(k)]
		if !ok {
			continue
		}
		e, err := s.decodeEdge(k, data)
		if err != nil {
			return err
		}
		removal.add(e)
		stored = append(stored, k)
	}
	delete(removal, skip)

	// Adjacency first: an interrupted delete leaves an unindexed edge, which
	// Repair can fix, rather than a dangling adjacency entry.
	for _, node := range removal.nodes() {
		key := model.AdjacencyKey(node)
		data, err := getRecord(rw, key)
		if err != nil {
			return err
		}
		if data == nil {
			continue
		}
		adj, err := s.decodeAdjacency(key, data)
		if err != nil {
			return err
		}
		r := removal[node]
		for id := range r.Outgoing {
			adj.Outgoing.Remove(id)
		}
		for id := range r.Incoming {
			adj.Incoming.Remove(id)
		}
		if adj.IsEmpty() {
			err = rw.delete(key)
		} else {
			err = s.putAdjacency(rw, key, adj)
		}
		if err != nil {
			return err
		}
	}
	for _, k := range stored {
		if err := rw.delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) putAdjacency(rw readWriter, key []byte, adj *model.Adjacency) error {
	data, err := s.codec.EncodeAdjacency(adj)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidData, describeKey(key), err)
	}
	s.metrics.AddAdjacencyWrites(1)
	return rw.put(key, data)
}

// adjacencyDelta accumulates per-node adjacency changes.
type adjacencyDelta map[model.NodeID]*model.Adjacency

func (d adjacencyDelta) entry(id model.NodeID) *model.Adjacency {
	a, ok := d[id]
	if !ok {
		a = model.NewAdjacency()
		d[id] = a
	}
	return a
}

func (d adjacencyDelta) add(e *model.Edge) {
	d.entry(e.Source).Outgoing.Add(e.ID)
	d.entry(e.Target).Incoming.Add(e.ID)
}

// nodes returns the touched node ids in key order.
func (d adjacencyDelta) nodes() []model.NodeID {
	ids := make([]model.NodeID, 0, len(d))
	for id := range d {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b model.NodeID) int {
		return bytes.Compare(a[:], b[:])
	})
	return ids
}

type record struct {
	key   []byte
	value []byte
}

// mergeAdjacency unions delta into the stored adjacency records of order
// and returns the encoded results in the same order.
func (s *Store) mergeAdjacency(rw readWriter, order []model.NodeID, delta adjacencyDelta) ([]record, error) {
	keys := make([][]byte, len(order))
	for i, id := range order {
		keys[i] = model.AdjacencyKey(id)
	}
	stored, err := rw.getBulk(keys)
	if err != nil {
		return nil, err
	}
	records := make([]record, 0, len(order))
	for i, id := range order {
		merged := model.NewAdjacency()
		if data, ok := stored[string(keys[i])]; ok {
			current, err := s.decodeAdjacency(keys[i], data)
			if err != nil {
				return nil, err
			}
			merged.Merge(current)
		}
		merged.Merge(delta[id])
		data, err := s.codec.EncodeAdjacency(merged)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidData, describeKey(keys[i]), err)
		}
		records = append(records, record{key: keys[i], value: data})
	}
	return records, nil
}
