// Package graph provides dependency graph construction and layered
// traversal for deployment planning.
package graph

// Node represents one resource declaration in the dependency graph.
type Node struct {
	// ID is the declaration name, unique within the graph
	ID string

	// Dependencies - IDs of nodes this node depends on
	DependsOn []string

	// Dependents - IDs of nodes that depend on this node
	DependedOnBy []string
}

// NewNode creates a new graph node.
func NewNode(id string) *Node {
	return &Node{
		ID:           id,
		DependsOn:    []string{},
		DependedOnBy: []string{},
	}
}

// AddDependency adds a dependency to this node.
func (n *Node) AddDependency(nodeID string) {
	for _, dep := range n.DependsOn {
		if dep == nodeID {
			return // Already exists
		}
	}
	n.DependsOn = append(n.DependsOn, nodeID)
}

// AddDependent adds a dependent to this node.
func (n *Node) AddDependent(nodeID string) {
	for _, dep := range n.DependedOnBy {
		if dep == nodeID {
			return // Already exists
		}
	}
	n.DependedOnBy = append(n.DependedOnBy, nodeID)
}
