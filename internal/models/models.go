package models

import (
	"fmt"
	"strings"
	"time"
)

// Tenant identifies one upstream repository's data set
type Tenant struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
}

// String returns the tenant in "owner/repo" form
func (t Tenant) String() string {
	return t.Owner + "/" + t.Repo
}

// Valid reports whether both halves of the tenant are set
func (t Tenant) Valid() bool {
	return t.Owner != "" && t.Repo != ""
}

// ParseTenant parses a repository string in the format "owner/name"
func ParseTenant(s string) (Tenant, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Tenant{}, fmt.Errorf("invalid repository format, expected 'owner/name', got '%s'", s)
	}
	return Tenant{Owner: parts[0], Repo: parts[1]}, nil
}

// Issue represents a mirrored GitHub issue
type Issue struct {
	Owner           string     `json:"owner"`
	Repo            string     `json:"repo"`
	Number          int        `json:"number"`
	Title           string     `json:"title"`
	Body            *string    `json:"body"`
	State           string     `json:"state"`
	Labels          []string   `json:"labels"`
	CreatedAt       time.Time  `json:"created_at"`
	GitHubCreatedAt *time.Time `json:"github_created_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Tenant returns the repository the issue belongs to
func (i *Issue) Tenant() Tenant {
	return Tenant{Owner: i.Owner, Repo: i.Repo}
}

// HasLabel reports whether the issue's label set contains name
func (i *Issue) HasLabel(name string) bool {
	for _, l := range i.Labels {
		if l == name {
			return true
		}
	}
	return false
}

// Label represents a mirrored GitHub label
type Label struct {
	Owner       string    `json:"owner"`
	Repo        string    `json:"repo"`
	Name        string    `json:"name"`
	Color       string    `json:"color"`
	Description *string   `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SyncStatus is the outcome of a sync attempt
type SyncStatus string

const (
	SyncSuccess SyncStatus = "success"
	SyncFailed  SyncStatus = "failed"
)

// SyncType says which write path produced a sync record
type SyncType string

const (
	SyncFull        SyncType = "full"
	SyncIncremental SyncType = "incremental"
	SyncWebhook     SyncType = "webhook"
)

// SyncRecord is one entry of the append-only sync audit
type SyncRecord struct {
	ID           int64      `json:"id"`
	Owner        string     `json:"owner"`
	Repo         string     `json:"repo"`
	Status       SyncStatus `json:"status"`
	IssuesSynced int        `json:"issues_synced"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	SyncType     SyncType   `json:"sync_type"`
	LastSyncAt   time.Time  `json:"last_sync_at"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Tenant returns the repository the record pertains to
func (r *SyncRecord) Tenant() Tenant {
	return Tenant{Owner: r.Owner, Repo: r.Repo}
}

// SyncLease guards a tenant against concurrent syncs across processes
type SyncLease struct {
	Owner      string
	Repo       string
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}
