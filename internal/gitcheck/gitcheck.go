// Package gitcheck implements the git preflight collaborator: before a
// state-changing command runs against the project root, it verifies the
// repository is on the expected branch, has no local modifications, and is
// not behind its remote.
package gitcheck

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"

	"github.com/edelwud/jinjaform/pkg/log"
)

// ForceEnv, when set to "1", downgrades a failed check to a warning instead
// of a fatal error, for operators who need to push through during an
// incident.
const ForceEnv = "GIT_FORCE"

// ErrWrongBranch, ErrDirty and ErrBehindRemote identify which precondition
// failed, so callers can report specific guidance.
var (
	ErrWrongBranch  = errors.New("not on the expected branch")
	ErrDirty        = errors.New("working tree has uncommitted changes")
	ErrBehindRemote = errors.New("local branch is behind its remote")
)

// Checker runs preflight checks against a git working tree.
type Checker struct {
	// ExpectedBranch is the branch state-changing commands are required to
	// run from. Empty disables the branch check.
	ExpectedBranch string
}

// NewChecker creates a Checker for the given expected branch.
func NewChecker(expectedBranch string) *Checker {
	return &Checker{ExpectedBranch: expectedBranch}
}

// Check opens the repository rooted at dir and verifies branch, cleanliness
// and remote state. With GIT_FORCE=1 set, a failing check is logged as a
// warning and Check still returns nil, rather than being skipped outright:
// the repository is still inspected, only the failure is downgraded.
func (c *Checker) Check(dir string) error {
	return c.run(dir, c.runChecks)
}

// CheckBranch verifies only the current branch, for the GIT_CHECK_BRANCH
// runtime-config directive.
func (c *Checker) CheckBranch(dir string) error {
	return c.run(dir, c.checkBranch)
}

// CheckClean verifies only worktree cleanliness, for GIT_CHECK_CLEAN.
func (c *Checker) CheckClean(dir string) error {
	return c.run(dir, checkClean)
}

// CheckRemote verifies only the remote state, for GIT_CHECK_REMOTE.
func (c *Checker) CheckRemote(dir string) error {
	return c.run(dir, checkRemote)
}

func (c *Checker) run(dir string, check func(*git.Repository) error) error {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil
		}
		return fmt.Errorf("opening git repository: %w", err)
	}

	err = check(repo)
	if err == nil {
		return nil
	}
	if os.Getenv(ForceEnv) == "1" {
		log.Warnf("git preflight check failed, continuing due to %s=1: %s", ForceEnv, err)
		return nil
	}
	return err
}

func (c *Checker) runChecks(repo *git.Repository) error {
	if err := c.checkBranch(repo); err != nil {
		return err
	}
	if err := checkClean(repo); err != nil {
		return err
	}
	return checkRemote(repo)
}

func (c *Checker) checkBranch(repo *git.Repository) error {
	if c.ExpectedBranch == "" {
		return nil
	}
	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("resolving HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return fmt.Errorf("%w: HEAD is detached", ErrWrongBranch)
	}
	current := head.Name().Short()
	if current != c.ExpectedBranch {
		return fmt.Errorf("%w: on %q, want %q", ErrWrongBranch, current, c.ExpectedBranch)
	}
	return nil
}

func checkClean(repo *git.Repository) error {
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return fmt.Errorf("reading worktree status: %w", err)
	}
	if !status.IsClean() {
		return fmt.Errorf("%w", ErrDirty)
	}
	return nil
}

// checkRemote compares HEAD against origin's copy of the same branch, if a
// remote named "origin" exists. A repository with no such remote (or no
// remotes at all) is considered up to date.
func checkRemote(repo *git.Repository) error {
	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("resolving HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return nil
	}

	remote, err := repo.Remote("origin")
	if err != nil {
		if errors.Is(err, git.ErrRemoteNotFound) {
			return nil
		}
		return fmt.Errorf("looking up remote: %w", err)
	}

	refs, err := remote.List(&git.ListOptions{})
	if err != nil {
		return fmt.Errorf("listing remote refs: %w", err)
	}

	branchName := head.Name().Short()
	for _, ref := range refs {
		if ref.Name() != plumbing.NewBranchReferenceName(branchName) {
			continue
		}
		if ref.Hash() != head.Hash() {
			return fmt.Errorf("%w: %s differs from origin/%s", ErrBehindRemote, branchName, branchName)
		}
		return nil
	}
	return nil
}
