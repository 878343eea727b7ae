package gitcheck

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/object"
)

func initRepo(t *testing.T, branch string) string {
	t.Helper()
	dir := t.TempDir()

	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "main.tf"), []byte("# empty\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := wt.Add("main.tf"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com"},
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if branch != "" && branch != "master" {
		head, err := repo.Head()
		if err != nil {
			t.Fatalf("Head: %v", err)
		}
		ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(branch), head.Hash())
		if err := repo.Storer.SetReference(ref); err != nil {
			t.Fatalf("SetReference: %v", err)
		}
		if err := wt.Checkout(&git.CheckoutOptions{Branch: ref.Name()}); err != nil {
			t.Fatalf("Checkout: %v", err)
		}
	}

	return dir
}

func TestCheckPassesOnCleanExpectedBranch(t *testing.T) {
	dir := initRepo(t, "main")
	c := NewChecker("main")
	if err := c.Check(dir); err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
}

func TestCheckFailsOnWrongBranch(t *testing.T) {
	dir := initRepo(t, "feature")
	c := NewChecker("main")
	if err := c.Check(dir); err == nil {
		t.Fatal("expected an error for wrong branch")
	}
}

func TestCheckFailsOnDirtyWorktree(t *testing.T) {
	dir := initRepo(t, "main")
	if err := os.WriteFile(filepath.Join(dir, "main.tf"), []byte("# changed\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	c := NewChecker("main")
	if err := c.Check(dir); err == nil {
		t.Fatal("expected an error for dirty worktree")
	}
}

func TestCheckDowngradesFailureToWarningWithForceEnv(t *testing.T) {
	dir := initRepo(t, "feature")
	t.Setenv(ForceEnv, "1")
	c := NewChecker("main")
	if err := c.Check(dir); err != nil {
		t.Fatalf("Check should have downgraded the failure to a warning, got: %v", err)
	}
}

func TestCheckBranchAloneIgnoresDirtyWorktree(t *testing.T) {
	dir := initRepo(t, "main")
	if err := os.WriteFile(filepath.Join(dir, "main.tf"), []byte("# changed\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	c := NewChecker("main")
	if err := c.CheckBranch(dir); err != nil {
		t.Fatalf("CheckBranch should not inspect the worktree, got: %v", err)
	}
	if err := c.CheckClean(dir); err == nil {
		t.Fatal("CheckClean should still reject the dirty worktree")
	}
}

func TestCheckSkipsNonRepoDirectory(t *testing.T) {
	dir := t.TempDir()
	c := NewChecker("main")
	if err := c.Check(dir); err != nil {
		t.Fatalf("Check on a non-repo directory should be a no-op, got: %v", err)
	}
}
