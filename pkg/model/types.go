// Package model defines the graph entities stored by graphkv: nodes, edges,
// per-node adjacency records and their property values.
//
// Entities are plain values. They know how to derive their store keys and how
// to project themselves onto plain Go maps, but they know nothing about
// encoding or persistence; see packages codec and graph for that.
//
// Example:
//
//	alice := model.NewNode(model.MustProperties(map[string]any{"name": "Alice", "age": 30}))
//	bob := model.NewNode(model.MustProperties(map[string]any{"name": "Bob"}))
//	knows := model.NewEdge(alice.ID, bob.ID, model.Properties{"relation": model.String("friend")})
//	fmt.Println(knows.ToMap()["source"] == alice.ID.String()) // true
package model

import "sort"

// Node is a graph vertex: an immutable identity plus a mutable attribute bag.
// Re-putting a node under the same ID replaces its properties wholesale.
type Node struct {
	ID         NodeID
	Properties Properties
}

// Edge is a directed relationship from Source to Target. Source and Target
// are fixed at creation; only Properties may change on re-put.
type Edge struct {
	ID         EdgeID
	Source     NodeID
	Target     NodeID
	Properties Properties
}

// NewNode returns a node with a fresh random id.
func NewNode(props Properties) *Node {
	return NewNodeWithID(NewNodeID(), props)
}

// NewNodeWithID returns a node with a caller-assigned id. A zero id is
// replaced by a fresh one.
func NewNodeWithID(id NodeID, props Properties) *Node {
	if id.IsZero() {
		id = NewNodeID()
	}
	if props == nil {
		props = Properties{}
	}
	return &Node{ID: id, Properties: props}
}

// NewEdge returns an edge with a fresh random id.
func NewEdge(source, target NodeID, props Properties) *Edge {
	return NewEdgeWithID(NewEdgeID(), source, target, props)
}

// NewEdgeWithID returns an edge with a caller-assigned id. A zero id is
// replaced by a fresh one.
func NewEdgeWithID(id EdgeID, source, target NodeID, props Properties) *Edge {
	if id.IsZero() {
		id = NewEdgeID()
	}
	if props == nil {
		props = Properties{}
	}
	return &Edge{ID: id, Source: source, Target: target, Properties: props}
}

// Key returns the node's store key.
func (n *Node) Key() []byte { return NodeKey(n.ID) }

// Key returns the edge's store key.
func (e *Edge) Key() []byte { return EdgeKey(e.ID) }

// ToMap projects the node onto {"id", "properties"} for inspection.
func (n *Node) ToMap() map[string]any {
	return map[string]any{
		"id":         n.ID.String(),
		"properties": n.Properties.ToMap(),
	}
}

// ToMap projects the edge onto {"id", "source", "target", "properties"}.
func (e *Edge) ToMap() map[string]any {
	return map[string]any{
		"id":         e.ID.String(),
		"source":     e.Source.String(),
		"target":     e.Target.String(),
		"properties": e.Properties.ToMap(),
	}
}

// Equal reports whether two nodes have the same id and equal properties.
func (n *Node) Equal(o *Node) bool {
	if n == nil || o == nil {
		return n == o
	}
	return n.ID == o.ID && n.Properties.Equal(o.Properties)
}

// Equal reports whether two edges have the same id, endpoints and properties.
func (e *Edge) Equal(o *Edge) bool {
	if e == nil || o == nil {
		return e == o
	}
	return e.ID == o.ID && e.Source == o.Source && e.Target == o.Target &&
		e.Properties.Equal(o.Properties)
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	return &Node{ID: n.ID, Properties: n.Properties.Clone()}
}

// Clone returns a deep copy of the edge.
func (e *Edge) Clone() *Edge {
	return &Edge{ID: e.ID, Source: e.Source, Target: e.Target, Properties: e.Properties.Clone()}
}

// EdgeSet is an unordered set of edge ids.
type EdgeSet map[EdgeID]struct{}

// NewEdgeSet returns a set holding ids.
func NewEdgeSet(ids ...EdgeID) EdgeSet {
	s := make(EdgeSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Add inserts id; adding an existing member is a no-op.
func (s EdgeSet) Add(id EdgeID) { s[id] = struct{}{} }

// Has reports membership.
func (s EdgeSet) Has(id EdgeID) bool {
	_, ok := s[id]
	return ok
}

// Remove deletes id if present.
func (s EdgeSet) Remove(id EdgeID) { delete(s, id) }

// Len returns the number of members.
func (s EdgeSet) Len() int { return len(s) }

// Union adds every member of o to s.
func (s EdgeSet) Union(o EdgeSet) {
	for id := range o {
		s[id] = struct{}{}
	}
}

// Equal reports set equality.
func (s EdgeSet) Equal(o EdgeSet) bool {
	if len(s) != len(o) {
		return false
	}
	for id := range s {
		if !o.Has(id) {
			return false
		}
	}
	return true
}

// Sorted returns the members in byte order.
func (s EdgeSet) Sorted() []EdgeID {
	ids := make([]EdgeID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return string(ids[i][:]) < string(ids[j][:])
	})
	return ids
}

// Adjacency is a node's index of incident edges, split by direction.
type Adjacency struct {
	Outgoing EdgeSet
	Incoming EdgeSet
}

// NewAdjacency returns an adjacency record with empty sets.
func NewAdjacency() *Adjacency {
	return &Adjacency{Outgoing: EdgeSet{}, Incoming: EdgeSet{}}
}

// Merge unions o into a in both directions.
func (a *Adjacency) Merge(o *Adjacency) {
	a.Outgoing.Union(o.Outgoing)
	a.Incoming.Union(o.Incoming)
}

// IsEmpty reports whether the node has no incident edges.
func (a *Adjacency) IsEmpty() bool {
	return a.Outgoing.Len() == 0 && a.Incoming.Len() == 0
}

// Equal reports whether both directions hold the same members.
func (a *Adjacency) Equal(o *Adjacency) bool {
	if a == nil || o == nil {
		return a == o
	}
	return a.Outgoing.Equal(o.Outgoing) && a.Incoming.Equal(o.Incoming)
}

// ToMap projects the record onto {"outgoing": [...], "incoming": [...]} with
// ids in canonical string form, sorted.
func (a *Adjacency) ToMap() map[string]any {
	project := func(s EdgeSet) []string {
		ids := s.Sorted()
		out := make([]string, len(ids))
		for i, id := range ids {
			out[i] = id.String()
		}
		return out
	}
	return map[string]any{
		"outgoing": project(a.Outgoing),
		"incoming": project(a.Incoming),
	}
}
