package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wesm/github-issue-mirror/internal/models"
)

// IssueFilter narrows ListIssues
type IssueFilter struct {
	State  string // "" or "all" means any state
	Limit  int    // 0 means no limit
	Offset int
}

// UpsertIssue saves an issue keyed by (owner, repo, number). created_at is
// only written on insert; github_created_at is only filled while still NULL.
func (db *DB) UpsertIssue(ctx context.Context, issue *models.Issue) error {
	labels, err := encodeLabels(issue.Labels)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO issues (owner, repo, number, title, body, state, labels, created_at, github_created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(owner, repo, number) DO UPDATE SET
		title = excluded.title,
		body = excluded.body,
		state = excluded.state,
		labels = excluded.labels,
		github_created_at = COALESCE(issues.github_created_at, excluded.github_created_at),
		updated_at = excluded.updated_at
	`

	// The stored timestamps are read back so callers hold the row as persisted.
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, db.rebind(query),
			issue.Owner,
			issue.Repo,
			issue.Number,
			issue.Title,
			nullString(issue.Body),
			issue.State,
			labels,
			issue.CreatedAt.UTC(),
			nullTime(issue.GitHubCreatedAt),
			issue.UpdatedAt.UTC(),
		)
		if err != nil {
			return err
		}

		var (
			createdAt       time.Time
			githubCreatedAt sql.NullTime
		)
		err = tx.QueryRowContext(ctx,
			db.rebind(`SELECT created_at, github_created_at FROM issues WHERE owner = ? AND repo = ? AND number = ?`),
			issue.Owner, issue.Repo, issue.Number,
		).Scan(&createdAt, &githubCreatedAt)
		if err != nil {
			return err
		}
		issue.CreatedAt = createdAt.UTC()
		if githubCreatedAt.Valid {
			t := githubCreatedAt.Time.UTC()
			issue.GitHubCreatedAt = &t
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save issue #%d: %w", issue.Number, err)
	}

	return nil
}

// GetIssue gets an issue by key. Returns nil, nil if it does not exist.
func (db *DB) GetIssue(ctx context.Context, tenant models.Tenant, number int) (*models.Issue, error) {
	query := `
	SELECT owner, repo, number, title, body, state, labels, created_at, github_created_at, updated_at
	FROM issues WHERE owner = ? AND repo = ? AND number = ?
	`

	issue, err := scanIssue(db.queryRow(ctx, query, tenant.Owner, tenant.Repo, number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get issue #%d: %w", number, err)
	}
	return issue, nil
}

// ListIssues lists a tenant's issues, most recently reconciled first
func (db *DB) ListIssues(ctx context.Context, tenant models.Tenant, filter IssueFilter) ([]*models.Issue, error) {
	query := `
	SELECT owner, repo, number, title, body, state, labels, created_at, github_created_at, updated_at
	FROM issues WHERE owner = ? AND repo = ?`
	args := []any{tenant.Owner, tenant.Repo}

	if filter.State != "" && filter.State != "all" {
		query += ` AND state = ?`
		args = append(args, filter.State)
	}
	query += ` ORDER BY updated_at DESC, number DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	defer rows.Close()

	var issues []*models.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

// TouchIssuesWithLabel bumps updated_at on every issue of the tenant whose
// label set contains name. Label sets themselves are left alone.
func (db *DB) TouchIssuesWithLabel(ctx context.Context, tenant models.Tenant, name string, at time.Time) (int, error) {
	touched := 0
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			db.rebind(`SELECT number, labels FROM issues WHERE owner = ? AND repo = ?`),
			tenant.Owner, tenant.Repo)
		if err != nil {
			return err
		}

		var numbers []int
		for rows.Next() {
			var (
				number int
				raw    string
			)
			if err := rows.Scan(&number, &raw); err != nil {
				rows.Close()
				return err
			}
			labels, err := decodeLabels(raw)
			if err != nil {
				rows.Close()
				return fmt.Errorf("issue #%d: %w", number, err)
			}
			for _, l := range labels {
				if l == name {
					numbers = append(numbers, number)
					break
				}
			}
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		update := db.rebind(`UPDATE issues SET updated_at = ? WHERE owner = ? AND repo = ? AND number = ?`)
		for _, number := range numbers {
			if _, err := tx.ExecContext(ctx, update, at.UTC(), tenant.Owner, tenant.Repo, number); err != nil {
				return err
			}
		}
		touched = len(numbers)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to touch issues labelled %q: %w", name, err)
	}
	return touched, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIssue(row rowScanner) (*models.Issue, error) {
	var (
		issue           models.Issue
		body            sql.NullString
		labels          string
		githubCreatedAt sql.NullTime
	)
	err := row.Scan(
		&issue.Owner,
		&issue.Repo,
		&issue.Number,
		&issue.Title,
		&body,
		&issue.State,
		&labels,
		&issue.CreatedAt,
		&githubCreatedAt,
		&issue.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if body.Valid {
		b := body.String
		issue.Body = &b
	}
	if githubCreatedAt.Valid {
		t := githubCreatedAt.Time.UTC()
		issue.GitHubCreatedAt = &t
	}
	issue.CreatedAt = issue.CreatedAt.UTC()
	issue.UpdatedAt = issue.UpdatedAt.UTC()
	if issue.Labels, err = decodeLabels(labels); err != nil {
		return nil, err
	}
	return &issue, nil
}

func encodeLabels(labels []string) (string, error) {
	if labels == nil {
		labels = []string{}
	}
	data, err := json.Marshal(labels)
	if err != nil {
		return "", fmt.Errorf("failed to encode labels: %w", err)
	}
	return string(data), nil
}

func decodeLabels(raw string) ([]string, error) {
	if raw == "" {
		return []string{}, nil
	}
	var labels []string
	if err := json.Unmarshal([]byte(raw), &labels); err != nil {
		return nil, fmt.Errorf("failed to decode labels: %w", err)
	}
	if labels == nil {
		labels = []string{}
	}
	return labels, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
