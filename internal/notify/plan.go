// Package notify implements the build notifier enrichment: it summarizes a
// terraform plan and posts it as a single, updatable comment on the GitLab
// merge request or GitHub pull request a build ran under, when one can be
// detected from the environment.
package notify

import (
	"encoding/json"
	"fmt"
	"sort"

	tfjson "github.com/hashicorp/terraform-json"
)

// Summary is a condensed view of a terraform plan's resource changes.
type Summary struct {
	TerraformVersion string
	ToAdd            int
	ToChange         int
	ToDestroy        int
	Changes          []Change
	// Details optionally carries the full human-readable plan output, shown
	// in a collapsible section under the change table.
	Details string
}

// Change describes one resource's planned action.
type Change struct {
	Address string
	Type    string
	Action  string
}

// ParsePlanJSON parses the output of "terraform show -json <planfile>" into
// a Summary.
func ParsePlanJSON(data []byte) (*Summary, error) {
	var plan tfjson.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parsing plan JSON: %w", err)
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan format: %w", err)
	}

	summary := &Summary{TerraformVersion: plan.TerraformVersion}

	for _, rc := range plan.ResourceChanges {
		if rc == nil || rc.Change == nil {
			continue
		}

		action := resourceAction(rc.Change.Actions)
		if action == "no-op" {
			continue
		}

		switch action {
		case "create":
			summary.ToAdd++
		case "update":
			summary.ToChange++
		case "delete":
			summary.ToDestroy++
		case "replace":
			summary.ToAdd++
			summary.ToDestroy++
		}

		summary.Changes = append(summary.Changes, Change{
			Address: rc.Address,
			Type:    rc.Type,
			Action:  action,
		})
	}

	sort.Slice(summary.Changes, func(i, j int) bool {
		return summary.Changes[i].Address < summary.Changes[j].Address
	})

	return summary, nil
}

// HasChanges reports whether the plan would do anything at all.
func (s *Summary) HasChanges() bool {
	return s.ToAdd > 0 || s.ToChange > 0 || s.ToDestroy > 0
}

func resourceAction(actions tfjson.Actions) string {
	switch {
	case actions.Create():
		return "create"
	case actions.Update():
		return "update"
	case actions.Delete():
		return "delete"
	case actions.Replace():
		return "replace"
	case actions.Read():
		return "read"
	default:
		return "no-op"
	}
}
