package plan

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/nativebuild/sw/cache"
	"github.com/nativebuild/sw/errs"
	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

type cmdNode struct {
	id  int64
	cmd *Command
}

func (n *cmdNode) ID() int64 { return n.id }

// Plan is the built, acyclic command graph: its commands, the edges
// between them, and a level partitioning of a valid topological order
// (spec §4.F).
type Plan struct {
	Commands []*Command
	Edges    [][2]int // command indices, u before v
	Levels   [][]*Command
}

// Build constructs the command graph for cmds, grounded directly on the
// teacher's internal/batch scheduler, which already builds a
// simple.NewDirectedGraph over package nodes and calls topo.TarjanSCC /
// topo.Sort for exactly this job.
//
// An edge u -> v is added when v consumes one of u's declared outputs as
// an input, or when v explicitly lists u in ExplicitDeps.
func Build(cmds []*Command, fdb *cache.FileDB, buildDir string) (*Plan, error) {
	g := simple.NewDirectedGraph()
	nodes := make([]*cmdNode, len(cmds))
	producer := make(map[string]*cmdNode)
	nodeOf := make(map[*Command]*cmdNode, len(cmds))

	for i, c := range cmds {
		n := &cmdNode{id: int64(i), cmd: c}
		nodes[i] = n
		nodeOf[c] = n
		g.AddNode(n)
		for _, out := range c.Outputs {
			producer[out] = n
		}
	}

	for _, n := range nodes {
		for _, in := range n.cmd.Inputs {
			if p, ok := producer[in]; ok && p.id != n.id {
				g.SetEdge(g.NewEdge(p, n))
			}
		}
		for _, dep := range n.cmd.ExplicitDeps {
			if p, ok := nodeOf[dep]; ok && p.id != n.id {
				g.SetEdge(g.NewEdge(p, n))
			}
		}
	}

	if err := checkAcyclic(g, buildDir); err != nil {
		return nil, err
	}

	levels := computeLevels(g, nodes, fdb)

	edges := make([][2]int, 0)
	for _, n := range nodes {
		to := g.From(n.ID())
		for to.Next() {
			edges = append(edges, [2]int{int(n.ID()), int(to.Node().ID())})
		}
	}

	return &Plan{Commands: cmds, Edges: edges, Levels: levels}, nil
}

// checkAcyclic reports CyclicDependencies(n) if the graph is not a DAG,
// dumping one sub-graph describing each non-trivial strongly connected
// component under <buildDir>/cyclic/<i> for offline inspection, exactly as
// spec §4.F and scenario S2 require.
func checkAcyclic(g graph.Directed, buildDir string) error {
	sccs := topo.TarjanSCC(g)
	var cyclic [][]graph.Node
	for _, comp := range sccs {
		if len(comp) > 1 {
			cyclic = append(cyclic, comp)
		}
	}
	if len(cyclic) == 0 {
		return nil
	}
	dir := filepath.Join(buildDir, "cyclic")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return xerrors.Errorf("writing cyclic dumps: %w", err)
	}
	for i, comp := range cyclic {
		fn := filepath.Join(dir, fmt.Sprintf("%d", i))
		f, err := os.Create(fn)
		if err != nil {
			return xerrors.Errorf("writing cyclic dump: %w", err)
		}
		for _, n := range comp {
			cn := n.(*cmdNode)
			fmt.Fprintf(f, "%s %v\n", cn.cmd.Program, cn.cmd.Args)
			from := g.From(cn.ID())
			for from.Next() {
				if containsNode(comp, from.Node().ID()) {
					fmt.Fprintf(f, "  -> %s\n", from.Node().(*cmdNode).cmd.Program)
				}
			}
		}
		f.Close()
	}
	return xerrors.Errorf("%d strongly connected component(s) with more than one command: %w", len(cyclic), errs.ErrCyclicDependencies)
}

func containsNode(nodes []graph.Node, id int64) bool {
	for _, n := range nodes {
		if n.ID() == id {
			return true
		}
	}
	return false
}

// computeLevels partitions a verified-acyclic graph into topological
// levels using Kahn's algorithm: level 0 holds every command with no
// prerequisites, level k+1 holds commands whose prerequisites all lie in
// levels <= k. Ties within a level are broken by ascending command key so
// reruns are deterministic (spec §4.F, invariant 8).
func computeLevels(g graph.Directed, nodes []*cmdNode, fdb *cache.FileDB) [][]*Command {
	indegree := make(map[int64]int, len(nodes))
	for _, n := range nodes {
		indegree[n.ID()] = g.To(n.ID()).Len()
	}

	remaining := make(map[int64]*cmdNode, len(nodes))
	for _, n := range nodes {
		remaining[n.ID()] = n
	}

	var levels [][]*Command
	for len(remaining) > 0 {
		var ready []*cmdNode
		for id, n := range remaining {
			if indegree[id] == 0 {
				ready = append(ready, n)
			}
		}
		// Keys are computed on fresh copies so that each command's own
		// memoized Key is only fixed once the scheduler has stamped its
		// inputs.
		sortKey := func(n *cmdNode) uint64 {
			c := n.cmd
			return (&Command{Program: c.Program, Args: c.Args, Env: c.Env, Inputs: c.Inputs}).Key(fdb)
		}
		sort.Slice(ready, func(i, j int) bool {
			return sortKey(ready[i]) < sortKey(ready[j])
		})
		level := make([]*Command, len(ready))
		for i, n := range ready {
			level[i] = n.cmd
			delete(remaining, n.ID())
			to := g.From(n.ID())
			for to.Next() {
				indegree[to.Node().ID()]--
			}
		}
		levels = append(levels, level)
	}
	return levels
}
