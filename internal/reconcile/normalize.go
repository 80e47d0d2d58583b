package reconcile

import (
	"fmt"
	"strings"

	"github.com/google/go-github/v57/github"

	"github.com/wesm/github-issue-mirror/internal/apperr"
	"github.com/wesm/github-issue-mirror/internal/models"
)

// NormalizeOptions controls the differences between the sync and webhook paths
type NormalizeOptions struct {
	// DefaultBody replaces a null body with "". Only the webhook boundary sets it.
	DefaultBody bool
}

// NormalizeIssue converts an upstream issue into a row for tenant. Number,
// title and state are required; every label must carry a name.
func NormalizeIssue(tenant models.Tenant, gh *github.Issue, opts NormalizeOptions) (*models.Issue, error) {
	if gh == nil {
		return nil, apperr.Validation("issue is missing")
	}
	if gh.Number == nil {
		return nil, apperr.Validation("issue number is required")
	}
	if gh.Title == nil {
		return nil, apperr.Validation("issue #%d: title is required", gh.GetNumber())
	}
	if gh.State == nil {
		return nil, apperr.Validation("issue #%d: state is required", gh.GetNumber())
	}

	labels, err := LabelNames(gh.Labels)
	if err != nil {
		return nil, apperr.Validation("issue #%d: %v", gh.GetNumber(), err)
	}

	issue := &models.Issue{
		Owner:  strings.TrimSpace(tenant.Owner),
		Repo:   strings.TrimSpace(tenant.Repo),
		Number: gh.GetNumber(),
		Title:  strings.TrimSpace(gh.GetTitle()),
		State:  strings.TrimSpace(gh.GetState()),
		Labels: labels,
	}

	switch {
	case gh.Body != nil:
		body := strings.TrimSpace(*gh.Body)
		issue.Body = &body
	case opts.DefaultBody:
		empty := ""
		issue.Body = &empty
	}

	if gh.CreatedAt != nil && !gh.CreatedAt.IsZero() {
		t := gh.CreatedAt.Time.UTC()
		issue.GitHubCreatedAt = &t
	}

	return issue, nil
}

// LabelNames flattens labels into an ordered, de-duplicated list of names.
func LabelNames(labels []*github.Label) ([]string, error) {
	names := make([]string, 0, len(labels))
	seen := make(map[string]bool, len(labels))
	for i, l := range labels {
		if l == nil || l.Name == nil {
			return nil, &labelNameError{index: i}
		}
		name := strings.TrimSpace(*l.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names, nil
}

type labelNameError struct {
	index int
}

func (e *labelNameError) Error() string {
	return fmt.Sprintf("label %d: name must be a string", e.index)
}

// NormalizeLabel converts an upstream label into a row for tenant
func NormalizeLabel(tenant models.Tenant, gh *github.Label) (*models.Label, error) {
	if gh == nil || gh.Name == nil {
		return nil, apperr.Validation("label name must be a string")
	}
	name := strings.TrimSpace(gh.GetName())
	if name == "" {
		return nil, apperr.Validation("label name is empty")
	}

	label := &models.Label{
		Owner: strings.TrimSpace(tenant.Owner),
		Repo:  strings.TrimSpace(tenant.Repo),
		Name:  name,
		Color: strings.TrimSpace(gh.GetColor()),
	}
	if gh.Description != nil {
		d := strings.TrimSpace(*gh.Description)
		label.Description = &d
	}
	return label, nil
}
