package graph

import (
	"fmt"
	"sort"

	"github.com/labfoundry/labctl/pkg/errors"
)

// Graph is a dependency graph of resource declarations.
type Graph struct {
	// All nodes in the graph
	Nodes map[string]*Node
}

// New creates a new empty graph.
func New() *Graph {
	return &Graph{
		Nodes: make(map[string]*Node),
	}
}

// AddNode adds a node to the graph.
func (g *Graph) AddNode(node *Node) error {
	if _, exists := g.Nodes[node.ID]; exists {
		return errors.DuplicateError("node", node.ID)
	}
	g.Nodes[node.ID] = node
	return nil
}

// GetNode returns a node by ID.
func (g *Graph) GetNode(id string) *Node {
	return g.Nodes[id]
}

// AddEdge adds a dependency edge from dependent to dependency. An edge
// referencing an undeclared node is a validation error.
func (g *Graph) AddEdge(dependentID, dependencyID string) error {
	dependent := g.GetNode(dependentID)
	if dependent == nil {
		return errors.ValidationError("dangling_dependency",
			fmt.Sprintf("node %q not declared", dependentID))
	}

	dependency := g.GetNode(dependencyID)
	if dependency == nil {
		return errors.ValidationError("dangling_dependency",
			fmt.Sprintf("%q depends on undeclared node %q", dependentID, dependencyID))
	}

	dependent.AddDependency(dependencyID)
	dependency.AddDependent(dependentID)

	return nil
}

// Layers computes topological layers with Kahn's algorithm: every node in
// a layer depends only on nodes in earlier layers. Node order within a
// layer is deterministic (sorted by ID).
func (g *Graph) Layers() ([][]*Node, error) {
	inDegree := make(map[string]int, len(g.Nodes))
	for id, node := range g.Nodes {
		inDegree[id] = len(node.DependsOn)
	}

	var frontier []string
	for id, degree := range inDegree {
		if degree == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	var layers [][]*Node
	processed := 0

	for len(frontier) > 0 {
		layer := make([]*Node, 0, len(frontier))
		var next []string

		for _, id := range frontier {
			node := g.Nodes[id]
			layer = append(layer, node)
			processed++

			for _, dependentID := range node.DependedOnBy {
				inDegree[dependentID]--
				if inDegree[dependentID] == 0 {
					next = append(next, dependentID)
				}
			}
		}

		sort.Strings(next)
		layers = append(layers, layer)
		frontier = next
	}

	if processed != len(g.Nodes) {
		return nil, g.cycleError(layers)
	}

	return layers, nil
}

// ReverseLayers returns the layers in reverse order, for teardown:
// dependents are destroyed before their dependencies.
func (g *Graph) ReverseLayers() ([][]*Node, error) {
	layers, err := g.Layers()
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(layers)-1; i < j; i, j = i+1, j-1 {
		layers[i], layers[j] = layers[j], layers[i]
	}

	return layers, nil
}

// TopologicalSort returns nodes in dependency order (dependencies first).
func (g *Graph) TopologicalSort() ([]*Node, error) {
	layers, err := g.Layers()
	if err != nil {
		return nil, err
	}

	var sorted []*Node
	for _, layer := range layers {
		sorted = append(sorted, layer...)
	}
	return sorted, nil
}

func (g *Graph) cycleError(layers [][]*Node) error {
	processed := make(map[string]bool)
	for _, layer := range layers {
		for _, n := range layer {
			processed[n.ID] = true
		}
	}

	var cycleNodes []string
	for id := range g.Nodes {
		if !processed[id] {
			cycleNodes = append(cycleNodes, id)
		}
	}
	sort.Strings(cycleNodes)

	details := ""
	for _, id := range cycleNodes {
		node := g.Nodes[id]
		if len(node.DependsOn) > 0 {
			details += fmt.Sprintf("\n  %s depends on: %v", id, node.DependsOn)
		}
	}

	return errors.ValidationError("cycle",
		fmt.Sprintf("dependency cycle detected involving %d nodes: %v%s", len(cycleNodes), cycleNodes, details))
}
