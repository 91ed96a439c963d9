package graph

import (
	"testing"

	"github.com/labfoundry/labctl/pkg/errors"
)

func buildTestGraph(t *testing.T, nodes []string, edges [][2]string) *Graph {
	t.Helper()

	g := New()
	for _, id := range nodes {
		if err := g.AddNode(NewNode(id)); err != nil {
			t.Fatalf("failed to add node %s: %v", id, err)
		}
	}
	for _, edge := range edges {
		if err := g.AddEdge(edge[0], edge[1]); err != nil {
			t.Fatalf("failed to add edge %s -> %s: %v", edge[0], edge[1], err)
		}
	}
	return g
}

func layerIDs(layers [][]*Node) [][]string {
	out := make([][]string, len(layers))
	for i, layer := range layers {
		for _, n := range layer {
			out[i] = append(out[i], n.ID)
		}
	}
	return out
}

func TestAddNode_Duplicate(t *testing.T) {
	g := New()
	if err := g.AddNode(NewNode("a")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := g.AddNode(NewNode("a"))
	if !errors.Is(err, errors.ErrCodeDuplicate) {
		t.Errorf("expected duplicate error, got %v", err)
	}
}

func TestAddEdge_DanglingDependency(t *testing.T) {
	g := New()
	if err := g.AddNode(NewNode("a")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := g.AddEdge("a", "missing")
	if !errors.Is(err, errors.ErrCodeValidation) {
		t.Errorf("expected validation error, got %v", err)
	}

	err = g.AddEdge("missing", "a")
	if !errors.Is(err, errors.ErrCodeValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestLayers_DiamondDependency(t *testing.T) {
	// network has no dependencies, two VMs depend on it, and the app
	// server depends on both VMs.
	g := buildTestGraph(t,
		[]string{"net-1", "vm-a", "vm-b", "app"},
		[][2]string{
			{"vm-a", "net-1"},
			{"vm-b", "net-1"},
			{"app", "vm-a"},
			{"app", "vm-b"},
		})

	layers, err := g.Layers()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := layerIDs(layers)
	want := [][]string{{"net-1"}, {"vm-a", "vm-b"}, {"app"}}

	if len(got) != len(want) {
		t.Fatalf("expected %d layers, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if len(got[i]) != len(want[i]) {
			t.Fatalf("layer %d: expected %v, got %v", i, want[i], got[i])
		}
		for j := range want[i] {
			if got[i][j] != want[i][j] {
				t.Errorf("layer %d: expected %v, got %v", i, want[i], got[i])
			}
		}
	}
}

func TestLayers_DeterministicOrder(t *testing.T) {
	g := buildTestGraph(t, []string{"c", "a", "b"}, nil)

	layers, err := g.Layers()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(layers) != 1 {
		t.Fatalf("expected 1 layer, got %d", len(layers))
	}

	ids := layerIDs(layers)[0]
	if ids[0] != "a" || ids[1] != "b" || ids[2] != "c" {
		t.Errorf("expected sorted layer, got %v", ids)
	}
}

func TestLayers_Cycle(t *testing.T) {
	g := buildTestGraph(t,
		[]string{"a", "b", "c"},
		[][2]string{
			{"a", "b"},
			{"b", "c"},
			{"c", "a"},
		})

	_, err := g.Layers()
	if !errors.Is(err, errors.ErrCodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestLayers_CycleWithIndependentNodes(t *testing.T) {
	g := buildTestGraph(t,
		[]string{"a", "b", "standalone"},
		[][2]string{
			{"a", "b"},
			{"b", "a"},
		})

	_, err := g.Layers()
	if err == nil {
		t.Fatal("expected cycle error")
	}
}

func TestReverseLayers(t *testing.T) {
	g := buildTestGraph(t,
		[]string{"net", "vm"},
		[][2]string{{"vm", "net"}})

	layers, err := g.ReverseLayers()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := layerIDs(layers)
	if got[0][0] != "vm" || got[1][0] != "net" {
		t.Errorf("expected dependents first, got %v", got)
	}
}

func TestTopologicalSort(t *testing.T) {
	g := buildTestGraph(t,
		[]string{"net", "vm", "app"},
		[][2]string{
			{"vm", "net"},
			{"app", "vm"},
		})

	sorted, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	position := make(map[string]int, len(sorted))
	for i, n := range sorted {
		position[n.ID] = i
	}
	if position["net"] > position["vm"] || position["vm"] > position["app"] {
		t.Errorf("dependencies must sort before dependents: %v", position)
	}
}
