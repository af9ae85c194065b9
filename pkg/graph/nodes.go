package graph

import (
	"fmt"
	"time"

	"github.com/orneryd/graphkv/pkg/model"
)

func (s *Store) encodeNode(n *model.Node) ([]byte, error) {
	if n == nil {
		return nil, fmt.Errorf("%w: nil node", ErrInvalidData)
	}
	if n.ID.IsZero() {
		return nil, fmt.Errorf("%w: node has zero id", ErrInvalidID)
	}
	data, err := s.codec.EncodeNode(n)
	if err != nil {
		return nil, fmt.Errorf("%w: node %s: %w", ErrInvalidData, n.ID, err)
	}
	return data, nil
}

func (s *Store) decodeNode(key, data []byte) (*model.Node, error) {
	n, err := s.codec.DecodeNode(data)
	if err != nil {
		return nil, s.corrupt(key, err)
	}
	return n, nil
}

// PutNode stores n, replacing any node with the same id unless the store
// rejects conflicts.
func (s *Store) PutNode(n *model.Node) (err error) {
	defer s.observe("put_node", time.Now(), &err)
	data, err := s.encodeNode(n)
	if err != nil {
		return err
	}
	err = s.write(func(rw readWriter) error {
		if s.policy == ConflictReject {
			existing, err := getRecord(rw, n.Key())
			if err != nil {
				return err
			}
			if existing != nil {
				return fmt.Errorf("%w: node %s", ErrDuplicateID, n.ID)
			}
		}
		return rw.put(n.Key(), data)
	})
	return s.storeErr("put node", err)
}

// PutNodes stores nodes in one backend batch. Every node is encoded before
// anything is written. A repeated id keeps the last occurrence.
func (s *Store) PutNodes(nodes []*model.Node) (err error) {
	defer s.observe("put_nodes", time.Now(), &err)
	if len(nodes) == 0 {
		return nil
	}
	encoded := make(map[string][]byte, len(nodes))
	keys := make([][]byte, 0, len(nodes))
	for _, n := range nodes {
		data, err := s.encodeNode(n)
		if err != nil {
			return err
		}
		k := n.Key()
		if _, seen := encoded[string(k)]; seen {
			if s.policy == ConflictReject {
				return fmt.Errorf("%w: node %s repeated in batch", ErrDuplicateID, n.ID)
			}
		} else {
			keys = append(keys, k)
		}
		encoded[string(k)] = data
	}

	err = s.writeChunked(len(keys), func(lo, hi int) error {
		part := keys[lo:hi]
		return s.write(func(rw readWriter) error {
			if s.policy == ConflictReject {
				existing, err := rw.getBulk(part)
				if err != nil {
					return err
				}
				for _, k := range part {
					if _, ok := existing[string(k)]; ok {
						return fmt.Errorf("%w: %s", ErrDuplicateID, describeKey(k))
					}
				}
			}
			batch := make(map[string][]byte, len(part))
			for _, k := range part {
				batch[string(k)] = encoded[string(k)]
			}
			return rw.putBulk(batch)
		})
	})
	return s.storeErr("put nodes", err)
}

// GetNode returns the node with id, or nil if none is stored.
func (s *Store) GetNode(id model.NodeID) (n *model.Node, err error) {
	defer s.observe("get_node", time.Now(), &err)
	rw, err := s.reader()
	if err != nil {
		return nil, err
	}
	key := model.NodeKey(id)
	data, err := getRecord(rw, key)
	if err != nil || data == nil {
		return nil, s.storeErr("get node", err)
	}
	return s.decodeNode(key, data)
}

// GetNodes returns the stored nodes among ids, in input order. Absent ids
// are skipped and repeated ids are returned once.
func (s *Store) GetNodes(ids []model.NodeID) (nodes []*model.Node, err error) {
	defer s.observe("get_nodes", time.Now(), &err)
	raw, err := s.getNodesRaw(ids)
	if err != nil {
		return nil, err
	}
	nodes = make([]*model.Node, 0, len(raw))
	seen := make(map[model.NodeID]bool, len(ids))
	for _, id := range ids {
		data, ok := raw[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		n, err := s.decodeNode(model.NodeKey(id), data)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// GetNodesBulk returns the encoded records of the stored nodes among ids,
// keyed by id, without decoding them. Absent ids have no entry.
func (s *Store) GetNodesBulk(ids []model.NodeID) (raw map[model.NodeID][]byte, err error) {
	defer s.observe("get_nodes_bulk", time.Now(), &err)
	return s.getNodesRaw(ids)
}

func (s *Store) getNodesRaw(ids []model.NodeID) (map[model.NodeID][]byte, error) {
	rw, err := s.reader()
	if err != nil {
		return nil, err
	}
	out := make(map[model.NodeID][]byte, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([][]byte, len(ids))
	for i, id := range ids {
		keys[i] = model.NodeKey(id)
	}
	found, err := rw.getBulk(keys)
	if err != nil {
		return nil, s.storeErr("get nodes", err)
	}
	for i, id := range ids {
		if data, ok := found[string(keys[i])]; ok {
			out[id] = data
		}
	}
	return out, nil
}

// DeleteNode removes the node, every edge incident to it and its adjacency
// record. The other endpoint of each removed edge loses the edge id from its
// adjacency record. Deleting an absent node is a no-op.
func (s *Store) DeleteNode(id model.NodeID) (err error) {
	defer s.observe("delete_node", time.Now(), &err)
	err = s.write(func(rw readWriter) error {
		adjKey := model.AdjacencyKey(id)
		data, err := getRecord(rw, adjKey)
		if err != nil {
			return err
		}
		if data != nil {
			adj, err := s.decodeAdjacency(adjKey, data)
			if err != nil {
				return err
			}
			incident := model.NewEdgeSet()
			incident.Union(adj.Outgoing)
			incident.Union(adj.Incoming)
			if err := s.detachEdges(rw, incident.Sorted(), id); err != nil {
				return err
			}
			if err := rw.delete(adjKey); err != nil {
				return err
			}
		}
		return rw.delete(model.NodeKey(id))
	})
	return s.storeErr("delete node", err)
}

// UpdateNode merges patch into the stored node's properties with merge and
// stores the result. An absent node is created from patch. A nil merge uses
// MergeShallow.
func (s *Store) UpdateNode(id model.NodeID, patch model.Properties, merge MergeFunc) (n *model.Node, err error) {
	defer s.observe("update_node", time.Now(), &err)
	if id.IsZero() {
		return nil, fmt.Errorf("%w: node has zero id", ErrInvalidID)
	}
	if merge == nil {
		merge = MergeShallow
	}
	err = s.write(func(rw readWriter) error {
		key := model.NodeKey(id)
		data, err := getRecord(rw, key)
		if err != nil {
			return err
		}
		current := model.Properties{}
		if data != nil {
			existing, err := s.decodeNode(key, data)
			if err != nil {
				return err
			}
			current = existing.Properties
		}
		n = model.NewNodeWithID(id, merge(current, patch))
		encoded, err := s.encodeNode(n)
		if err != nil {
			return err
		}
		return rw.put(key, encoded)
	})
	if err != nil {
		return nil, s.storeErr("update node", err)
	}
	return n, nil
}
