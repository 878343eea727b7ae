package orchestrator

import (
	"context"
	"testing"
)

func TestRunResolvesVariableAlreadyDefinedInStore(t *testing.T) {
	o := New(nil)

	templates := []Template{
		{WorkerID: "network.tf.j2", Path: "network.tf.j2", Source: []byte(`cidr = "{{ var.cidr }}"`)},
		{WorkerID: "variables.tf.j2", Path: "variables.tf.j2", Source: []byte(`default = "10.0.0.0/16"`)},
	}

	o.Store().Define("cidr", "10.0.0.0/16", true)

	outcome, err := o.Run(context.Background(), templates)
	if err != nil {
		t.Fatalf("Run returned an error: %v", err)
	}
	if !outcome.Success {
		t.Fatalf("expected success, got errors: %v", outcome.Errors)
	}
	if got := outcome.Outputs["network.tf.j2"]; got != `cidr = "10.0.0.0/16"` {
		t.Fatalf("network.tf.j2 rendered %q", got)
	}
}

func TestRunReportsDeadlockAcrossAllStuckWorkers(t *testing.T) {
	o := New(nil)

	templates := []Template{
		{WorkerID: "a.tf.j2", Path: "a.tf.j2", Source: []byte(`{{ var.b }}`)},
		{WorkerID: "b.tf.j2", Path: "b.tf.j2", Source: []byte(`{{ var.a }}`)},
	}

	outcome, err := o.Run(context.Background(), templates)
	if err != nil {
		t.Fatalf("Run returned an error: %v", err)
	}
	if outcome.Success {
		t.Fatal("expected failure from a variable cycle with no resolution")
	}
	if len(outcome.Errors) != 2 {
		t.Fatalf("expected both stuck templates to report an error, got %v", outcome.Errors)
	}
}

func TestRunContinuesOtherWorkersAfterOneFailure(t *testing.T) {
	o := New(nil)

	templates := []Template{
		{WorkerID: "broken.tf.j2", Path: "broken.tf.j2", Source: []byte(`{{ var.missing }}`)},
		{WorkerID: "fine.tf.j2", Path: "fine.tf.j2", Source: []byte("# literal text\n")},
	}

	outcome, err := o.Run(context.Background(), templates)
	if err != nil {
		t.Fatalf("Run returned an error: %v", err)
	}
	if outcome.Success {
		t.Fatal("expected failure from the unresolvable template")
	}
	if got := outcome.Outputs["fine.tf.j2"]; got != "# literal text\n" {
		t.Fatalf("expected the unaffected template to still render, got %q", got)
	}
}

func TestRunFeedsDeclaredVariablesBackIntoTheStore(t *testing.T) {
	o := New(nil)

	templates := []Template{
		{WorkerID: "a.tf", Path: "a.tf", Source: []byte("variable \"x\" {\n  default = \"A\"\n}\n")},
		{WorkerID: "b.tf", Path: "b.tf", Source: []byte(`value = "{{ var.x }}"`)},
	}

	outcome, err := o.Run(context.Background(), templates)
	if err != nil {
		t.Fatalf("Run returned an error: %v", err)
	}
	if !outcome.Success {
		t.Fatalf("expected success, got errors: %v", outcome.Errors)
	}
	if got := outcome.Outputs["b.tf"]; got != `value = "A"` {
		t.Fatalf("b.tf rendered %q, want a value of A from a.tf's declared default", got)
	}
}

func TestRunBuildsVariableDependencyGraph(t *testing.T) {
	o := New(nil)

	templates := []Template{
		{WorkerID: "a.tf", Path: "a.tf", Source: []byte("variable \"x\" {\n  default = \"A\"\n}\n")},
		{WorkerID: "b.tf", Path: "b.tf", Source: []byte(`value = "{{ var.x }}"`)},
	}

	outcome, err := o.Run(context.Background(), templates)
	if err != nil {
		t.Fatalf("Run returned an error: %v", err)
	}
	if outcome.Dependencies == nil {
		t.Fatal("expected a non-nil dependency graph")
	}
	dependents := outcome.Dependencies.Dependents("a.tf")
	if len(dependents) != 1 || dependents[0] != "b.tf" {
		t.Fatalf("Dependents(a.tf) = %v, want [b.tf]", dependents)
	}
}

func TestRunMergesProviderAndBackendMetadataAcrossTemplates(t *testing.T) {
	o := New(nil)

	templates := []Template{
		{WorkerID: "a.tf", Path: "a.tf", Source: []byte("provider \"aws\" {\n  region = \"eu-west-1\"\n}\n")},
		{WorkerID: "b.tf", Path: "b.tf", Source: []byte("terraform {\n  backend \"s3\" {\n    bucket = \"my-state\"\n  }\n}\n")},
	}

	outcome, err := o.Run(context.Background(), templates)
	if err != nil {
		t.Fatalf("Run returned an error: %v", err)
	}
	if !outcome.Success {
		t.Fatalf("expected success, got errors: %v", outcome.Errors)
	}
	if outcome.Metadata.Providers["aws"]["region"] != "eu-west-1" {
		t.Fatalf("providers[aws] = %+v", outcome.Metadata.Providers["aws"])
	}
	if outcome.Metadata.Backends["s3"]["bucket"] != "my-state" {
		t.Fatalf("backends[s3] = %+v", outcome.Metadata.Backends["s3"])
	}
}
