// Package e2e drives the full Workspace Builder pipeline end to end,
// from a multi-directory project fixture on disk through collection,
// templating, extraction, and the cloud-setup and config collaborators,
// without exec'ing the child IaC tool itself.
package e2e

import (
	"os"
	"path/filepath"
	"testing"
)

// writeFile creates path (and its parent directories) with content,
// failing the test on any error.
func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile %s: %v", path, err)
	}
}

// readFile reads path, failing the test on any error.
func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile %s: %v", path, err)
	}
	return string(data)
}

// newProject creates a fresh project root marked with ".jinjaformrc" and
// returns its absolute path.
func newProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".jinjaformrc"), "GIT_CHECK_CLEAN\nWORKSPACE_CREATE\nTERRAFORM_RUN\n")
	return root
}
