package main

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/graphkv/pkg/model"
)

// graphFile is the import format. JSON input is accepted as YAML.
//
//	nodes:
//	  - id: alice              # uuid, or a label local to the file
//	    properties: {name: Alice, age: 30}
//	edges:
//	  - source: alice
//	    target: 6f1c...        # label or uuid
//	    properties: {relation: friend}
type graphFile struct {
	Nodes []fileNode `yaml:"nodes"`
	Edges []fileEdge `yaml:"edges"`
}

type fileNode struct {
	ID         string         `yaml:"id"`
	Properties map[string]any `yaml:"properties"`
}

type fileEdge struct {
	ID         string         `yaml:"id"`
	Source     string         `yaml:"source"`
	Target     string         `yaml:"target"`
	Properties map[string]any `yaml:"properties"`
}

// importBatch is a graph file resolved to model entities.
type importBatch struct {
	Nodes []*model.Node
	Edges []*model.Edge
	// Labels maps the non-uuid node ids used in the file to assigned ids.
	Labels map[string]model.NodeID
}

func readGraphFile(path string) (*importBatch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseGraphFile(f)
}

func parseGraphFile(r io.Reader) (*importBatch, error) {
	var gf graphFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&gf); err != nil {
		if err == io.EOF {
			return &importBatch{Labels: map[string]model.NodeID{}}, nil
		}
		return nil, fmt.Errorf("parsing graph file: %w", err)
	}
	return gf.resolve()
}

func (gf *graphFile) resolve() (*importBatch, error) {
	b := &importBatch{
		Nodes:  make([]*model.Node, 0, len(gf.Nodes)),
		Edges:  make([]*model.Edge, 0, len(gf.Edges)),
		Labels: make(map[string]model.NodeID),
	}

	for i, fn := range gf.Nodes {
		props, err := model.PropertiesFromMap(fn.Properties)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", i, err)
		}
		var id model.NodeID
		switch parsed, err := model.ParseNodeID(fn.ID); {
		case fn.ID == "":
			id = model.NewNodeID()
		case err == nil:
			id = parsed
		default:
			if _, dup := b.Labels[fn.ID]; dup {
				return nil, fmt.Errorf("node %d: label %q used twice", i, fn.ID)
			}
			id = model.NewNodeID()
			b.Labels[fn.ID] = id
		}
		b.Nodes = append(b.Nodes, model.NewNodeWithID(id, props))
	}

	endpoint := func(ref string) (model.NodeID, error) {
		if id, ok := b.Labels[ref]; ok {
			return id, nil
		}
		id, err := model.ParseNodeID(ref)
		if err != nil {
			return model.NodeID{}, fmt.Errorf("unknown node %q", ref)
		}
		return id, nil
	}

	for i, fe := range gf.Edges {
		src, err := endpoint(fe.Source)
		if err != nil {
			return nil, fmt.Errorf("edge %d source: %w", i, err)
		}
		dst, err := endpoint(fe.Target)
		if err != nil {
			return nil, fmt.Errorf("edge %d target: %w", i, err)
		}
		var id model.EdgeID
		if fe.ID != "" {
			if id, err = model.ParseEdgeID(fe.ID); err != nil {
				return nil, fmt.Errorf("edge %d: %w", i, err)
			}
		}
		props, err := model.PropertiesFromMap(fe.Properties)
		if err != nil {
			return nil, fmt.Errorf("edge %d: %w", i, err)
		}
		b.Edges = append(b.Edges, model.NewEdgeWithID(id, src, dst, props))
	}
	return b, nil
}
