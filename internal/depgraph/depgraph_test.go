package depgraph

import "testing"

func TestBuildFromVariablesLinksProducerToConsumer(t *testing.T) {
	definedBy := map[string]string{"vpc_id": "network.tf"}
	consumedBy := map[string][]string{"vpc_id": {"subnets.tf", "sg.tf"}}

	g := BuildFromVariables(definedBy, consumedBy)

	deps := g.Dependents("network.tf")
	if len(deps) != 2 {
		t.Fatalf("expected 2 dependents of network.tf, got %v", deps)
	}
}

func TestDetectCyclesFindsCycle(t *testing.T) {
	g := New()
	g.AddEdge("a.tf", "b.tf")
	g.AddEdge("b.tf", "a.tf")

	cycles := g.DetectCycles()
	if len(cycles) == 0 {
		t.Fatal("expected at least one cycle")
	}
}

func TestDetectCyclesNoneWhenAcyclic(t *testing.T) {
	g := New()
	g.AddEdge("a.tf", "b.tf")
	g.AddEdge("b.tf", "c.tf")

	if cycles := g.DetectCycles(); len(cycles) != 0 {
		t.Fatalf("expected no cycles, got %v", cycles)
	}
}

func TestToDOTIncludesNodesAndEdges(t *testing.T) {
	g := New()
	g.AddEdge("network.tf", "subnets.tf")

	dot := g.ToDOT()
	if dot == "" {
		t.Fatal("expected non-empty DOT output")
	}
}
