// Package indicators computes the technical-indicator DAG for each bar close.
// Nodes declare dependencies on other nodes; computation is layered so every
// node whose dependencies are satisfied runs in parallel before the next
// layer. Missing inputs propagate as NaN and reduce the frame's
// data-completeness score proportionally.
package indicators

import (
	"fmt"

	"github.com/signalforge/signalforge/internal/model"
)

// Input is handed to a node when its layer computes
type Input struct {
	// Bars is the history window, oldest first, current bar last
	Bars []model.Bar
	// Values holds node results already computed for this frame
	Values map[string]float64
}

// Node is one indicator in the DAG
type Node interface {
	Name() string
	// Deps lists node names this node reads from Input.Values
	Deps() []string
	// MinBars is the minimum history length required
	MinBars() int
	Compute(in Input) (float64, error)
}

// Graph is a validated, layered indicator DAG
type Graph struct {
	nodes  map[string]Node
	layers [][]Node
}

// NewGraph validates the node set and computes execution layers.
// Unknown dependencies and cycles are structural errors.
func NewGraph(nodes []Node) (*Graph, error) {
	byName := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		if _, dup := byName[n.Name()]; dup {
			return nil, fmt.Errorf("duplicate indicator node %q", n.Name())
		}
		byName[n.Name()] = n
	}

	for _, n := range nodes {
		for _, dep := range n.Deps() {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("indicator %q depends on unknown node %q", n.Name(), dep)
			}
		}
	}

	layers, err := layer(byName)
	if err != nil {
		return nil, err
	}

	return &Graph{nodes: byName, layers: layers}, nil
}

// layer performs Kahn-style topological layering
func layer(nodes map[string]Node) ([][]Node, error) {
	depCount := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for name, n := range nodes {
		depCount[name] = len(n.Deps())
		for _, dep := range n.Deps() {
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var layers [][]Node
	remaining := len(nodes)
	ready := make([]string, 0, len(nodes))
	for name, c := range depCount {
		if c == 0 {
			ready = append(ready, name)
		}
	}

	for len(ready) > 0 {
		current := make([]Node, 0, len(ready))
		var next []string
		for _, name := range ready {
			current = append(current, nodes[name])
			remaining--
			for _, dep := range dependents[name] {
				depCount[dep]--
				if depCount[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		layers = append(layers, current)
		ready = next
	}

	if remaining > 0 {
		return nil, fmt.Errorf("indicator graph contains a dependency cycle")
	}
	return layers, nil
}

// Size returns the number of nodes
func (g *Graph) Size() int {
	return len(g.nodes)
}

// Layers returns the execution layers, dependency-first
func (g *Graph) Layers() [][]Node {
	return g.layers
}

// Names returns all node names
func (g *Graph) Names() []string {
	out := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		out = append(out, name)
	}
	return out
}
