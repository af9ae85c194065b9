package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/graphkv/pkg/graph"
	"github.com/orneryd/graphkv/pkg/model"
)

// withStore opens the store for the duration of fn.
func (c *cli) withStore(fn func(s *graph.Store) error) error {
	s, err := c.open()
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseProps reads a YAML or JSON mapping such as '{name: Alice, age: 30}'.
func parseProps(s string) (model.Properties, error) {
	if s == "" {
		return model.Properties{}, nil
	}
	var m map[string]any
	if err := yaml.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("parsing properties: %w", err)
	}
	return model.PropertiesFromMap(m)
}

func (c *cli) nodeCmd() *cobra.Command {
	nodeCmd := &cobra.Command{
		Use:   "node",
		Short: "Node operations",
	}

	putCmd := &cobra.Command{
		Use:   "put",
		Short: "Create or replace a node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rawID, _ := cmd.Flags().GetString("id")
			rawProps, _ := cmd.Flags().GetString("props")
			merge, _ := cmd.Flags().GetBool("merge")

			var id model.NodeID
			if rawID != "" {
				var err error
				if id, err = model.ParseNodeID(rawID); err != nil {
					return err
				}
			}
			props, err := parseProps(rawProps)
			if err != nil {
				return err
			}
			return c.withStore(func(s *graph.Store) error {
				n := model.NewNodeWithID(id, props)
				if merge {
					if n, err = s.UpdateNode(n.ID, props, graph.MergeShallow); err != nil {
						return err
					}
				} else if err := s.PutNode(n); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), n.ToMap())
			})
		},
	}
	putCmd.Flags().String("id", "", "Node id (generated when empty)")
	putCmd.Flags().String("props", "", "Properties as a YAML or JSON mapping")
	putCmd.Flags().Bool("merge", false, "Merge into the stored properties instead of replacing them")

	getCmd := &cobra.Command{
		Use:   "get [id]",
		Short: "Print a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := model.ParseNodeID(args[0])
			if err != nil {
				return err
			}
			return c.withStore(func(s *graph.Store) error {
				n, err := s.GetNode(id)
				if err != nil {
					return err
				}
				if n == nil {
					return fmt.Errorf("node %s not found", id)
				}
				return printJSON(cmd.OutOrStdout(), n.ToMap())
			})
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a node and every edge incident to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := model.ParseNodeID(args[0])
			if err != nil {
				return err
			}
			return c.withStore(func(s *graph.Store) error {
				return s.DeleteNode(id)
			})
		},
	}

	nodeCmd.AddCommand(putCmd, getCmd, deleteCmd)
	return nodeCmd
}

func (c *cli) edgeCmd() *cobra.Command {
	edgeCmd := &cobra.Command{
		Use:   "edge",
		Short: "Edge operations",
	}

	putCmd := &cobra.Command{
		Use:   "put",
		Short: "Create an edge or replace its properties",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rawID, _ := cmd.Flags().GetString("id")
			rawSource, _ := cmd.Flags().GetString("source")
			rawTarget, _ := cmd.Flags().GetString("target")
			rawProps, _ := cmd.Flags().GetString("props")

			var id model.EdgeID
			if rawID != "" {
				var err error
				if id, err = model.ParseEdgeID(rawID); err != nil {
					return err
				}
			}
			source, err := model.ParseNodeID(rawSource)
			if err != nil {
				return fmt.Errorf("source: %w", err)
			}
			target, err := model.ParseNodeID(rawTarget)
			if err != nil {
				return fmt.Errorf("target: %w", err)
			}
			props, err := parseProps(rawProps)
			if err != nil {
				return err
			}
			return c.withStore(func(s *graph.Store) error {
				e := model.NewEdgeWithID(id, source, target, props)
				if err := s.PutEdge(e); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), e.ToMap())
			})
		},
	}
	putCmd.Flags().String("id", "", "Edge id (generated when empty)")
	putCmd.Flags().String("source", "", "Source node id")
	putCmd.Flags().String("target", "", "Target node id")
	putCmd.Flags().String("props", "", "Properties as a YAML or JSON mapping")
	putCmd.MarkFlagRequired("source")
	putCmd.MarkFlagRequired("target")

	getCmd := &cobra.Command{
		Use:   "get [id]",
		Short: "Print an edge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := model.ParseEdgeID(args[0])
			if err != nil {
				return err
			}
			return c.withStore(func(s *graph.Store) error {
				e, err := s.GetEdge(id)
				if err != nil {
					return err
				}
				if e == nil {
					return fmt.Errorf("edge %s not found", id)
				}
				return printJSON(cmd.OutOrStdout(), e.ToMap())
			})
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete an edge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := model.ParseEdgeID(args[0])
			if err != nil {
				return err
			}
			return c.withStore(func(s *graph.Store) error {
				return s.DeleteEdge(id)
			})
		},
	}

	edgeCmd.AddCommand(putCmd, getCmd, deleteCmd)
	return edgeCmd
}

func (c *cli) adjCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "adj [node-id]",
		Short: "Print a node's outgoing and incoming edge ids",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := model.ParseNodeID(args[0])
			if err != nil {
				return err
			}
			return c.withStore(func(s *graph.Store) error {
				adj, err := s.GetAdjacencyList(id)
				if err != nil {
					return err
				}
				if adj == nil {
					adj = model.NewAdjacency()
				}
				return printJSON(cmd.OutOrStdout(), adj.ToMap())
			})
		},
	}
}

func (c *cli) importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Bulk load nodes and edges from a YAML or JSON graph file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, err := readGraphFile(args[0])
			if err != nil {
				return err
			}
			return c.withStore(func(s *graph.Store) error {
				start := time.Now()
				if err := s.PutNodes(batch.Nodes); err != nil {
					return fmt.Errorf("writing nodes: %w", err)
				}
				if err := s.PutEdgesBulk(batch.Edges); err != nil {
					return fmt.Errorf("writing edges: %w", err)
				}
				if err := s.Sync(); err != nil {
					return err
				}
				c.log.Info("import finished",
					"file", args[0], "nodes", len(batch.Nodes), "edges", len(batch.Edges),
					"elapsed", time.Since(start))
				out := map[string]any{
					"nodes": len(batch.Nodes),
					"edges": len(batch.Edges),
				}
				if len(batch.Labels) > 0 {
					labels := make(map[string]string, len(batch.Labels))
					for label, id := range batch.Labels {
						labels[label] = id.String()
					}
					out["labels"] = labels
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
}

func (c *cli) verifyCmd() *cobra.Command {
	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the adjacency index against the edge table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repair, _ := cmd.Flags().GetBool("repair")
			return c.withStore(func(s *graph.Store) error {
				var report *graph.Report
				var err error
				if repair {
					report, err = s.Repair(cmd.Context())
				} else {
					report, err = s.Verify(cmd.Context())
				}
				if err != nil {
					return err
				}
				printReport(cmd.OutOrStdout(), report, repair)
				if !report.OK() && !repair {
					return fmt.Errorf("%d adjacency problems found", report.Problems())
				}
				return nil
			})
		},
	}
	verifyCmd.Flags().Bool("repair", false, "Rebuild the adjacency index from the edge table")
	return verifyCmd
}

func printReport(w io.Writer, r *graph.Report, repaired bool) {
	fmt.Fprintf(w, "nodes: %d  edges: %d  adjacency records: %d\n", r.Nodes, r.Edges, r.AdjacencyRecords)
	if r.OK() {
		fmt.Fprintln(w, "adjacency index is consistent")
		return
	}
	section := func(title string, issues []graph.Issue) {
		if len(issues) == 0 {
			return
		}
		fmt.Fprintf(w, "%s (%d):\n", title, len(issues))
		for _, i := range issues {
			fmt.Fprintf(w, "  %s\n", i)
		}
	}
	section("dangling", r.Dangling)
	section("misplaced", r.Misplaced)
	section("unindexed", r.Unindexed)
	if len(r.Empty) > 0 {
		fmt.Fprintf(w, "empty records (%d):\n", len(r.Empty))
		for _, id := range r.Empty {
			fmt.Fprintf(w, "  node %s\n", id)
		}
	}
	if repaired {
		fmt.Fprintf(w, "repaired %d problems\n", r.Problems())
	}
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print record counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(func(s *graph.Store) error {
				st, err := s.Stats(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
}

func (c *cli) compactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Reclaim space held by overwritten and deleted records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(func(s *graph.Store) error {
				start := time.Now()
				if err := s.Compact(); err != nil {
					return err
				}
				c.log.Info("compaction finished", "elapsed", time.Since(start))
				return nil
			})
		},
	}
}
