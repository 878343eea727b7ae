package notify

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/go-github/v68/github"
	gitlab "gitlab.com/gitlab-org/api/client-go"
)

// marker identifies a comment this tool posted, so a later run updates it
// instead of leaving a trail of duplicates.
const marker = "<!-- jinjaform:build-summary -->"

// Notifier posts a build Summary to whatever code review this build ran
// under, if any.
type Notifier interface {
	// Notify posts or updates the build summary comment. Implementations
	// are expected to no-op quietly when no review context is detected.
	Notify(ctx context.Context, summary *Summary) error
}

// FromEnvironment returns the Notifier matching whichever CI environment
// variables are present, or nil if neither GitLab nor GitHub context was
// detected.
func FromEnvironment() Notifier {
	if n := gitLabFromEnv(); n != nil {
		return n
	}
	if n := gitHubFromEnv(); n != nil {
		return n
	}
	return nil
}

func renderComment(s *Summary) string {
	var b strings.Builder
	b.WriteString(marker)
	b.WriteString("\n### jinjaform build summary\n\n")
	if !s.HasChanges() {
		b.WriteString("No changes.\n")
		return b.String()
	}
	fmt.Fprintf(&b, "**%d** to add, **%d** to change, **%d** to destroy\n\n", s.ToAdd, s.ToChange, s.ToDestroy)
	b.WriteString("| Resource | Action |\n|---|---|\n")
	for _, c := range s.Changes {
		fmt.Fprintf(&b, "| `%s` | %s |\n", c.Address, c.Action)
	}
	if s.Details != "" {
		fmt.Fprintf(&b, "\n<details><summary>Full plan</summary>\n\n```\n%s\n```\n</details>\n", strings.TrimSpace(s.Details))
	}
	return b.String()
}

// gitLabNotifier posts to a merge request's notes via the GitLab API.
type gitLabNotifier struct {
	client    *gitlab.Client
	projectID string
	mrIID     int
}

func gitLabFromEnv() *gitLabNotifier {
	mrIIDStr := os.Getenv("CI_MERGE_REQUEST_IID")
	projectID := os.Getenv("CI_PROJECT_ID")
	if mrIIDStr == "" || projectID == "" {
		return nil
	}
	mrIID, err := strconv.Atoi(mrIIDStr)
	if err != nil {
		return nil
	}

	token := os.Getenv("GITLAB_TOKEN")
	if token == "" {
		token = os.Getenv("CI_JOB_TOKEN")
	}
	if token == "" {
		return nil
	}

	baseURL := os.Getenv("CI_SERVER_URL")
	var opts []gitlab.ClientOptionFunc
	if baseURL != "" {
		opts = append(opts, gitlab.WithBaseURL(baseURL))
	}

	client, err := gitlab.NewClient(token, opts...)
	if err != nil {
		return nil
	}

	return &gitLabNotifier{client: client, projectID: projectID, mrIID: mrIID}
}

func (n *gitLabNotifier) Notify(_ context.Context, summary *Summary) error {
	body := renderComment(summary)

	notes, _, err := n.client.Notes.ListMergeRequestNotes(n.projectID, int64(n.mrIID), &gitlab.ListMergeRequestNotesOptions{})
	if err != nil {
		return fmt.Errorf("listing merge request notes: %w", err)
	}

	for _, note := range notes {
		if !strings.Contains(note.Body, marker) {
			continue
		}
		_, _, err := n.client.Notes.UpdateMergeRequestNote(n.projectID, int64(n.mrIID), note.ID, &gitlab.UpdateMergeRequestNoteOptions{
			Body: &body,
		})
		if err != nil {
			return fmt.Errorf("updating merge request note: %w", err)
		}
		return nil
	}

	_, _, err = n.client.Notes.CreateMergeRequestNote(n.projectID, int64(n.mrIID), &gitlab.CreateMergeRequestNoteOptions{
		Body: &body,
	})
	if err != nil {
		return fmt.Errorf("creating merge request note: %w", err)
	}
	return nil
}

// gitHubNotifier posts to a pull request's issue comments via the GitHub
// API (GitHub models PR comments as issue comments).
type gitHubNotifier struct {
	client *github.Client
	owner  string
	repo   string
	prNum  int
}

func gitHubFromEnv() *gitHubNotifier {
	repoSlug := os.Getenv("GITHUB_REPOSITORY")
	refStr := os.Getenv("GITHUB_REF")
	parts := strings.SplitN(repoSlug, "/", 2)
	if len(parts) != 2 {
		return nil
	}

	prNum, ok := prNumberFromRef(refStr)
	if !ok {
		return nil
	}

	token := os.Getenv("GITHUB_TOKEN")
	if token == "" {
		return nil
	}

	client := github.NewClient(nil).WithAuthToken(token)
	return &gitHubNotifier{client: client, owner: parts[0], repo: parts[1], prNum: prNum}
}

// prNumberFromRef extracts the PR number from GITHUB_REF values of the form
// "refs/pull/123/merge".
func prNumberFromRef(ref string) (int, bool) {
	parts := strings.Split(ref, "/")
	for i, p := range parts {
		if p == "pull" && i+1 < len(parts) {
			n, err := strconv.Atoi(parts[i+1])
			if err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func (n *gitHubNotifier) Notify(ctx context.Context, summary *Summary) error {
	body := renderComment(summary)

	comments, _, err := n.client.Issues.ListComments(ctx, n.owner, n.repo, n.prNum, &github.IssueListCommentsOptions{})
	if err != nil {
		return fmt.Errorf("listing pull request comments: %w", err)
	}

	for _, comment := range comments {
		if comment.Body == nil || !strings.Contains(*comment.Body, marker) {
			continue
		}
		_, _, err := n.client.Issues.EditComment(ctx, n.owner, n.repo, comment.GetID(), &github.IssueComment{Body: &body})
		if err != nil {
			return fmt.Errorf("updating pull request comment: %w", err)
		}
		return nil
	}

	_, _, err = n.client.Issues.CreateComment(ctx, n.owner, n.repo, n.prNum, &github.IssueComment{Body: &body})
	if err != nil {
		return fmt.Errorf("creating pull request comment: %w", err)
	}
	return nil
}
