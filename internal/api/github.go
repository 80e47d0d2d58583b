package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/wesm/github-issue-mirror/internal/apperr"
)

// IssueListOptions selects one page of a repository's issues
type IssueListOptions struct {
	State     string
	Sort      string
	Direction string
	Since     time.Time
	Page      int
	PerPage   int
}

// GitHubClient represents a client for the GitHub REST API
type GitHubClient struct {
	client *github.Client
}

// ClientOption configures an API client
type ClientOption func(*clientConfig)

type clientConfig struct {
	baseURL    string
	httpClient *http.Client
}

// WithBaseURL points the client at a different API root (GitHub Enterprise or a test server)
func WithBaseURL(u string) ClientOption {
	return func(c *clientConfig) {
		c.baseURL = u
	}
}

// WithHTTPClient sets the transport used when no token is given
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *clientConfig) {
		c.httpClient = hc
	}
}

func buildConfig(opts []ClientOption) clientConfig {
	var cfg clientConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func tokenClient(token string, fallback *http.Client) *http.Client {
	if token == "" {
		return fallback
	}
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	return oauth2.NewClient(context.Background(), ts)
}

// NewGitHubClient creates a new GitHub API client
func NewGitHubClient(token string, opts ...ClientOption) (*GitHubClient, error) {
	cfg := buildConfig(opts)
	client := github.NewClient(tokenClient(token, cfg.httpClient))

	if cfg.baseURL != "" {
		base := cfg.baseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub API URL %q: %w", cfg.baseURL, err)
		}
		client.BaseURL = u
	}
	return &GitHubClient{client: client}, nil
}

// ListIssues fetches a single page of issues. Pull requests are included;
// callers filter them with IsPullRequest.
func (c *GitHubClient) ListIssues(ctx context.Context, owner, repo string, opts IssueListOptions) ([]*github.Issue, error) {
	ghOpts := &github.IssueListByRepoOptions{
		State:     opts.State,
		Sort:      opts.Sort,
		Direction: opts.Direction,
		Since:     opts.Since,
		ListOptions: github.ListOptions{
			Page:    opts.Page,
			PerPage: opts.PerPage,
		},
	}

	issues, _, err := c.client.Issues.ListByRepo(ctx, owner, repo, ghOpts)
	if err != nil {
		return nil, apperr.Upstream("list issues", describe(err))
	}
	return issues, nil
}

// ListLabels fetches every label of a repository
func (c *GitHubClient) ListLabels(ctx context.Context, owner, repo string) ([]*github.Label, error) {
	var all []*github.Label
	opts := &github.ListOptions{PerPage: 100}

	for {
		labels, resp, err := c.client.Issues.ListLabels(ctx, owner, repo, opts)
		if err != nil {
			return nil, apperr.Upstream("list labels", describe(err))
		}
		all = append(all, labels...)

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// describe adds the reset time to GitHub's rate limit errors
func describe(err error) error {
	var rl *github.RateLimitError
	if errors.As(err, &rl) {
		return fmt.Errorf("rate limit exhausted until %s: %w", rl.Rate.Reset.Time.Format(time.RFC3339), err)
	}
	var abuse *github.AbuseRateLimitError
	if errors.As(err, &abuse) && abuse.RetryAfter != nil {
		return fmt.Errorf("secondary rate limit, retry after %s: %w", abuse.RetryAfter, err)
	}
	return err
}
