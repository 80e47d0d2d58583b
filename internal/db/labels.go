package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/wesm/github-issue-mirror/internal/models"
)

// UpsertLabel saves a label keyed by (owner, repo, name), keeping the
// created_at of an existing row
func (db *DB) UpsertLabel(ctx context.Context, label *models.Label) error {
	query := `
	INSERT INTO labels (owner, repo, name, color, description, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(owner, repo, name) DO UPDATE SET
		color = excluded.color,
		description = excluded.description,
		updated_at = excluded.updated_at
	`

	_, err := db.exec(ctx, query,
		label.Owner,
		label.Repo,
		label.Name,
		label.Color,
		nullString(label.Description),
		label.CreatedAt.UTC(),
		label.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save label %s: %w", label.Name, err)
	}

	return nil
}

// GetLabel gets a label by key. Returns nil, nil if it does not exist.
func (db *DB) GetLabel(ctx context.Context, tenant models.Tenant, name string) (*models.Label, error) {
	query := `
	SELECT owner, repo, name, color, description, created_at, updated_at
	FROM labels WHERE owner = ? AND repo = ? AND name = ?
	`

	label, err := scanLabel(db.queryRow(ctx, query, tenant.Owner, tenant.Repo, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get label %s: %w", name, err)
	}
	return label, nil
}

// ListLabels lists a tenant's labels by name
func (db *DB) ListLabels(ctx context.Context, tenant models.Tenant) ([]*models.Label, error) {
	query := `
	SELECT owner, repo, name, color, description, created_at, updated_at
	FROM labels WHERE owner = ? AND repo = ? ORDER BY name
	`

	rows, err := db.query(ctx, query, tenant.Owner, tenant.Repo)
	if err != nil {
		return nil, fmt.Errorf("failed to list labels: %w", err)
	}
	defer rows.Close()

	var labels []*models.Label
	for rows.Next() {
		label, err := scanLabel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan label: %w", err)
		}
		labels = append(labels, label)
	}
	return labels, rows.Err()
}

// DeleteLabel removes exactly one label row. Issues that reference the name
// keep it in their label sets.
func (db *DB) DeleteLabel(ctx context.Context, tenant models.Tenant, name string) (bool, error) {
	res, err := db.exec(ctx, `DELETE FROM labels WHERE owner = ? AND repo = ? AND name = ?`,
		tenant.Owner, tenant.Repo, name)
	if err != nil {
		return false, fmt.Errorf("failed to delete label %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete label %s: %w", name, err)
	}
	return n > 0, nil
}

func scanLabel(row rowScanner) (*models.Label, error) {
	var (
		label       models.Label
		description sql.NullString
	)
	err := row.Scan(
		&label.Owner,
		&label.Repo,
		&label.Name,
		&label.Color,
		&description,
		&label.CreatedAt,
		&label.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if description.Valid {
		d := description.String
		label.Description = &d
	}
	label.CreatedAt = label.CreatedAt.UTC()
	label.UpdatedAt = label.UpdatedAt.UTC()
	return &label, nil
}
