package webhook

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/google/go-github/v57/github"

	"github.com/wesm/github-issue-mirror/internal/apperr"
	"github.com/wesm/github-issue-mirror/internal/models"
	"github.com/wesm/github-issue-mirror/internal/reconcile"
)

// Event is a decoded webhook delivery: IssuesEvent, LabelEvent or UnsupportedEvent.
type Event interface {
	EventType() string
}

// IssuesEvent carries a validated, normalized issue
type IssuesEvent struct {
	Tenant models.Tenant
	Action string
	Issue  *models.Issue
}

// LabelEvent carries a validated, normalized label
type LabelEvent struct {
	Tenant models.Tenant
	Action string
	Label  *models.Label
}

// UnsupportedEvent is any event type the mirror does not act on
type UnsupportedEvent struct {
	Type string
}

func (IssuesEvent) EventType() string        { return "issues" }
func (LabelEvent) EventType() string         { return "label" }
func (e UnsupportedEvent) EventType() string { return e.Type }

// Decode parses payload according to the X-GitHub-Event header value. A
// payload that does not decode or lacks a required field yields an error
// wrapping apperr.ErrValidation.
func Decode(eventType string, payload []byte) (Event, error) {
	switch eventType {
	case "issues":
		return decodeIssues(payload)
	case "label":
		return decodeLabel(payload)
	default:
		return UnsupportedEvent{Type: eventType}, nil
	}
}

func decodeIssues(payload []byte) (Event, error) {
	payload, err := coerceIssueNumber(payload)
	if err != nil {
		return nil, err
	}

	var ev github.IssuesEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, apperr.Validation("issues payload: %v", err)
	}
	tenant, err := repositoryTenant(ev.Repo)
	if err != nil {
		return nil, err
	}
	if ev.Issue == nil {
		return nil, apperr.Validation("issues payload: issue is missing")
	}

	issue, err := reconcile.NormalizeIssue(tenant, ev.Issue, reconcile.NormalizeOptions{DefaultBody: true})
	if err != nil {
		return nil, err
	}
	return IssuesEvent{Tenant: tenant, Action: ev.GetAction(), Issue: issue}, nil
}

// coerceIssueNumber rewrites an integer-valued string issue.number, e.g.
// "42", as a JSON number. Anything else is left for the typed decode.
func coerceIssueNumber(payload []byte) ([]byte, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return payload, nil
	}
	var issue map[string]json.RawMessage
	if err := json.Unmarshal(envelope["issue"], &issue); err != nil {
		return payload, nil
	}
	raw := bytes.TrimSpace(issue["number"])
	if len(raw) == 0 || raw[0] != '"' {
		return payload, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, apperr.Validation("issues payload: %v", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return nil, apperr.Validation("issues payload: issue number %q is not an integer", s)
	}

	issue["number"] = json.RawMessage(strconv.Itoa(n))
	if envelope["issue"], err = json.Marshal(issue); err != nil {
		return nil, apperr.Validation("issues payload: %v", err)
	}
	out, err := json.Marshal(envelope)
	if err != nil {
		return nil, apperr.Validation("issues payload: %v", err)
	}
	return out, nil
}

func decodeLabel(payload []byte) (Event, error) {
	var ev github.LabelEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, apperr.Validation("label payload: %v", err)
	}
	tenant, err := repositoryTenant(ev.Repo)
	if err != nil {
		return nil, err
	}
	if ev.Action == nil {
		return nil, apperr.Validation("label payload: action is missing")
	}

	label, err := reconcile.NormalizeLabel(tenant, ev.Label)
	if err != nil {
		return nil, err
	}
	return LabelEvent{Tenant: tenant, Action: ev.GetAction(), Label: label}, nil
}

func repositoryTenant(repo *github.Repository) (models.Tenant, error) {
	if repo == nil {
		return models.Tenant{}, apperr.Validation("repository is missing")
	}
	tenant := models.Tenant{
		Owner: strings.TrimSpace(repo.GetOwner().GetLogin()),
		Repo:  strings.TrimSpace(repo.GetName()),
	}
	if !tenant.Valid() {
		if t, err := models.ParseTenant(repo.GetFullName()); err == nil {
			tenant = t
		}
	}
	if !tenant.Valid() {
		return models.Tenant{}, apperr.Validation("repository owner and name are required")
	}
	return tenant, nil
}
