package e2e

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/edelwud/jinjaform/internal/workspace"
)

// TestPipeline_CrossTemplateDependencyIsOrderIndependent: "a.tf" declares
// "x" with a default, "b.tf" consumes it. Since workers start concurrently
// with no ordering guarantee, this is run several times to catch any
// flakiness in the blocking lookup.
func TestPipeline_CrossTemplateDependencyIsOrderIndependent(t *testing.T) {
	for i := 0; i < 20; i++ {
		root := newProject(t)
		writeFile(t, filepath.Join(root, "a.tf"), `variable "x" {
  default = "A"
}
`)
		writeFile(t, filepath.Join(root, "b.tf"), `output "x" {
  value = "{{ var.x }}"
}
`)

		asm := workspace.New(root, root, nil)
		if _, err := asm.Build(context.Background()); err != nil {
			t.Fatalf("iteration %d: Build: %v", i, err)
		}

		b := readFile(t, filepath.Join(asm.Dir(), "b.tf"))
		if !strings.Contains(b, `value = "A"`) {
			t.Fatalf("iteration %d: expected b.tf to resolve var.x to A, got:\n%s", i, b)
		}
	}
}

// TestPipeline_RootTFVarsWinsAcrossThreeLevels: three ancestor
// directories each contribute their own "terraform.tfvars" fragment for
// the same key. The combined file preserves every fragment in
// leaf-to-root order, but the resolved value is the root's: root-level
// tfvars are the project-wide override a leaf cannot shadow.
func TestPipeline_RootTFVarsWinsAcrossThreeLevels(t *testing.T) {
	root := newProject(t)
	writeFile(t, filepath.Join(root, "terraform.tfvars"), `name = "root"
`)
	writeFile(t, filepath.Join(root, "variables.tf"), `variable "name" {}
`)
	writeFile(t, filepath.Join(root, "main.tf"), `output "name" {
  value = "{{ var.name }}"
}
`)

	team := filepath.Join(root, "teams", "platform")
	writeFile(t, filepath.Join(team, "terraform.tfvars"), `name = "team"
`)

	env := filepath.Join(team, "envs", "prod")
	writeFile(t, filepath.Join(env, "terraform.tfvars"), `name = "leaf"
`)

	asm := workspace.New(root, env, nil)
	if _, err := asm.Build(context.Background()); err != nil {
		t.Fatalf("Build: %v", err)
	}

	main := readFile(t, filepath.Join(asm.Dir(), "main.tf"))
	if !strings.Contains(main, `value = "root"`) {
		t.Fatalf("expected root fragment to win, got:\n%s", main)
	}

	combined := readFile(t, filepath.Join(asm.Dir(), "terraform.tfvars"))
	for _, want := range []string{"root", "team", "leaf"} {
		if !strings.Contains(combined, want) {
			t.Errorf("expected combined terraform.tfvars to still contain the %q fragment, got:\n%s", want, combined)
		}
	}
	leafIdx := strings.Index(combined, "leaf")
	rootIdx := strings.Index(combined, `"root"`)
	if leafIdx == -1 || rootIdx == -1 || leafIdx > rootIdx {
		t.Errorf("expected fragments listed leaf-to-root in the combined file, got:\n%s", combined)
	}
}

// TestPipeline_OtherFilesCombinedWithoutProvenance exercises the "other"
// file bucket: a same-named file at two ancestor depths is concatenated
// with no "# jinjaform:" header, since its format is unknown.
func TestPipeline_OtherFilesCombinedWithoutProvenance(t *testing.T) {
	root := newProject(t)
	writeFile(t, filepath.Join(root, "README.txt"), "root notes\n")

	env := filepath.Join(root, "envs", "dev")
	writeFile(t, filepath.Join(env, "README.txt"), "env notes\n")
	writeFile(t, filepath.Join(env, "main.tf"), "# empty\n")

	asm := workspace.New(root, env, nil)
	if _, err := asm.Build(context.Background()); err != nil {
		t.Fatalf("Build: %v", err)
	}

	combined := readFile(t, filepath.Join(asm.Dir(), "readme.txt"))
	if strings.Contains(combined, "# jinjaform:") {
		t.Errorf("expected no provenance header in a combined \"other\" file, got:\n%s", combined)
	}
	if !strings.Contains(combined, "env notes") || !strings.Contains(combined, "root notes") {
		t.Errorf("expected both fragments present, got:\n%s", combined)
	}
}

// TestPipeline_CleanThenRebuildMatchesFreshBuild exercises the round-trip
// law: clean() then create() yields the same workspace layout (modulo
// ".terraform" contents) as building from an empty state.
func TestPipeline_CleanThenRebuildMatchesFreshBuild(t *testing.T) {
	root := newProject(t)
	writeFile(t, filepath.Join(root, "main.tf"), `variable "name" {
  default = "x"
}
`)

	asm := workspace.New(root, root, nil)
	if _, err := asm.Build(context.Background()); err != nil {
		t.Fatalf("first Build: %v", err)
	}
	firstListing := listWorkspace(t, asm.Dir())

	// Simulate an interrupted previous invocation by dropping a stray file
	// in the workspace before the next build: Clean must remove it.
	writeFile(t, filepath.Join(asm.Dir(), "stale.tf"), "stale\n")

	if err := asm.Clean(); err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if _, err := asm.Build(context.Background()); err != nil {
		t.Fatalf("second Build: %v", err)
	}
	secondListing := listWorkspace(t, asm.Dir())

	if len(firstListing) != len(secondListing) {
		t.Fatalf("expected matching workspace layouts, got %v vs %v", firstListing, secondListing)
	}
	for name := range firstListing {
		if _, ok := secondListing[name]; !ok {
			t.Errorf("expected %s to still be present after clean+rebuild", name)
		}
	}
}

// listWorkspace returns the set of top-level entry names in a workspace
// directory, excluding ".terraform" whose contents are preserved across a
// clean and are not part of the round-trip comparison.
func listWorkspace(t *testing.T, dir string) map[string]bool {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir %s: %v", dir, err)
	}
	names := make(map[string]bool)
	for _, e := range entries {
		if e.Name() == ".terraform" {
			continue
		}
		names[e.Name()] = true
	}
	return names
}
