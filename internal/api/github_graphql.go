package api

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/go-github/v57/github"
	"github.com/shurcooL/githubv4"

	"github.com/wesm/github-issue-mirror/internal/apperr"
)

// GraphQLClient represents a client for the GitHub GraphQL API
type GraphQLClient struct {
	client *githubv4.Client
}

// NewGraphQLClient creates a new GraphQL client. WithBaseURL takes the full
// GraphQL endpoint.
func NewGraphQLClient(token string, opts ...ClientOption) *GraphQLClient {
	cfg := buildConfig(opts)
	httpClient := tokenClient(token, cfg.httpClient)
	if cfg.baseURL != "" {
		return &GraphQLClient{client: githubv4.NewEnterpriseClient(cfg.baseURL, httpClient)}
	}
	return &GraphQLClient{client: githubv4.NewClient(httpClient)}
}

type labelNode struct {
	Name        githubv4.String
	Color       githubv4.String
	Description *githubv4.String
}

type issueNode struct {
	Number    githubv4.Int
	Title     githubv4.String
	Body      githubv4.String
	State     githubv4.IssueState
	CreatedAt githubv4.DateTime
	UpdatedAt githubv4.DateTime
	Labels    struct {
		Nodes []labelNode
	} `graphql:"labels(first: 50)"`
}

type rateLimit struct {
	Limit     githubv4.Int
	Remaining githubv4.Int
	ResetAt   githubv4.DateTime
}

// ListIssues fetches the first page of issues ordered by most recently
// updated. The issues connection is cursor based, so opts.Page is ignored.
// Pull requests never appear in this connection.
func (c *GraphQLClient) ListIssues(ctx context.Context, owner, repo string, opts IssueListOptions) ([]*github.Issue, error) {
	var query struct {
		RateLimit  rateLimit
		Repository struct {
			Issues struct {
				Nodes []issueNode
			} `graphql:"issues(first: $perPage, orderBy: {field: UPDATED_AT, direction: DESC}, filterBy: $filter)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	perPage := opts.PerPage
	if perPage <= 0 || perPage > 100 {
		perPage = 100
	}

	filter := &githubv4.IssueFilters{}
	if !opts.Since.IsZero() {
		filter.Since = &githubv4.DateTime{Time: opts.Since}
	}
	switch strings.ToLower(opts.State) {
	case "open":
		filter.States = &[]githubv4.IssueState{githubv4.IssueStateOpen}
	case "closed":
		filter.States = &[]githubv4.IssueState{githubv4.IssueStateClosed}
	}

	variables := map[string]interface{}{
		"owner":   githubv4.String(owner),
		"name":    githubv4.String(repo),
		"perPage": githubv4.Int(perPage),
		"filter":  filter,
	}

	if err := c.client.Query(ctx, &query, variables); err != nil {
		return nil, apperr.Upstream("query issues", err)
	}
	logRateLimit(query.RateLimit)

	issues := make([]*github.Issue, 0, len(query.Repository.Issues.Nodes))
	for _, node := range query.Repository.Issues.Nodes {
		issues = append(issues, node.toGitHub())
	}
	return issues, nil
}

// ListLabels fetches every label of a repository
func (c *GraphQLClient) ListLabels(ctx context.Context, owner, repo string) ([]*github.Label, error) {
	var (
		all    []*github.Label
		cursor *githubv4.String
	)

	for {
		var query struct {
			Repository struct {
				Labels struct {
					Nodes    []labelNode
					PageInfo struct {
						EndCursor   githubv4.String
						HasNextPage githubv4.Boolean
					}
				} `graphql:"labels(first: 100, after: $cursor)"`
			} `graphql:"repository(owner: $owner, name: $name)"`
		}

		variables := map[string]interface{}{
			"owner":  githubv4.String(owner),
			"name":   githubv4.String(repo),
			"cursor": cursor,
		}
		if err := c.client.Query(ctx, &query, variables); err != nil {
			return nil, apperr.Upstream("query labels", err)
		}

		for _, node := range query.Repository.Labels.Nodes {
			all = append(all, node.toGitHub())
		}
		if !bool(query.Repository.Labels.PageInfo.HasNextPage) {
			break
		}
		end := query.Repository.Labels.PageInfo.EndCursor
		cursor = &end
	}
	return all, nil
}

func logRateLimit(rl rateLimit) {
	if rl.Limit > 0 && rl.Remaining < 1000 {
		slog.Warn("GraphQL rate limit running low",
			"remaining", int(rl.Remaining),
			"limit", int(rl.Limit),
			"reset_at", rl.ResetAt.Time,
		)
	}
}

func (n labelNode) toGitHub() *github.Label {
	l := &github.Label{
		Name:  github.String(string(n.Name)),
		Color: github.String(string(n.Color)),
	}
	if n.Description != nil {
		l.Description = github.String(string(*n.Description))
	}
	return l
}

func (n issueNode) toGitHub() *github.Issue {
	issue := &github.Issue{
		Number:    github.Int(int(n.Number)),
		Title:     github.String(string(n.Title)),
		Body:      github.String(string(n.Body)),
		State:     github.String(strings.ToLower(string(n.State))),
		CreatedAt: &github.Timestamp{Time: n.CreatedAt.Time},
		UpdatedAt: &github.Timestamp{Time: n.UpdatedAt.Time},
	}
	for _, l := range n.Labels.Nodes {
		issue.Labels = append(issue.Labels, l.toGitHub())
	}
	return issue
}
