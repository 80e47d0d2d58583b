package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wesm/github-issue-mirror/internal/models"
)

const syncRecordColumns = `id, owner, repo, status, issues_synced, error_message, sync_type, last_sync_at, created_at`

// InsertSyncRecord appends a sync record and prunes the tenant's history to
// the newest keep records. The prune reads all of the tenant's ids in the same
// transaction as the insert. A successful full or incremental record also
// moves the tenant's sync cursor, which is kept apart from the history so
// pruning never loses it. keep <= 0 disables pruning.
func (db *DB) InsertSyncRecord(ctx context.Context, rec *models.SyncRecord, keep int) error {
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		insert := db.rebind(`
		INSERT INTO sync_records (owner, repo, status, issues_synced, error_message, sync_type, last_sync_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
		`)
		err := tx.QueryRowContext(ctx, insert,
			rec.Owner,
			rec.Repo,
			string(rec.Status),
			rec.IssuesSynced,
			nullString(rec.ErrorMessage),
			string(rec.SyncType),
			rec.LastSyncAt.UTC(),
			rec.CreatedAt.UTC(),
		).Scan(&rec.ID)
		if err != nil {
			return err
		}

		if movesCursor(rec) {
			_, err = tx.ExecContext(ctx, db.rebind(`
			INSERT INTO sync_cursors (owner, repo, last_sync_at)
			VALUES (?, ?, ?)
			ON CONFLICT (owner, repo) DO UPDATE SET last_sync_at = excluded.last_sync_at
			`), rec.Owner, rec.Repo, rec.LastSyncAt.UTC())
			if err != nil {
				return err
			}
		}

		if keep <= 0 {
			return nil
		}

		rows, err := tx.QueryContext(ctx,
			db.rebind(`SELECT id FROM sync_records WHERE owner = ? AND repo = ? ORDER BY id DESC`),
			rec.Owner, rec.Repo)
		if err != nil {
			return err
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) <= keep {
			return nil
		}

		_, err = tx.ExecContext(ctx,
			db.rebind(`DELETE FROM sync_records WHERE owner = ? AND repo = ? AND id <= ?`),
			rec.Owner, rec.Repo, ids[keep])
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to insert sync record: %w", err)
	}
	return nil
}

func movesCursor(rec *models.SyncRecord) bool {
	return rec.Status == models.SyncSuccess &&
		(rec.SyncType == models.SyncFull || rec.SyncType == models.SyncIncremental)
}

// SyncCursor returns the time of the tenant's last successful full or
// incremental sync, or nil if there has been none
func (db *DB) SyncCursor(ctx context.Context, tenant models.Tenant) (*time.Time, error) {
	var at time.Time
	err := db.queryRow(ctx,
		`SELECT last_sync_at FROM sync_cursors WHERE owner = ? AND repo = ?`,
		tenant.Owner, tenant.Repo,
	).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync cursor: %w", err)
	}
	at = at.UTC()
	return &at, nil
}

// ListSyncRecords returns a tenant's records, newest first
func (db *DB) ListSyncRecords(ctx context.Context, tenant models.Tenant, limit int) ([]*models.SyncRecord, error) {
	query := `SELECT ` + syncRecordColumns + ` FROM sync_records WHERE owner = ? AND repo = ? ORDER BY id DESC`
	args := []any{tenant.Owner, tenant.Repo}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync records: %w", err)
	}
	defer rows.Close()

	var records []*models.SyncRecord
	for rows.Next() {
		rec, err := scanSyncRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// AcquireLease takes the tenant's sync lease if it is free or expired. It
// returns whether the lease was acquired and the lease currently in force.
func (db *DB) AcquireLease(ctx context.Context, lease models.SyncLease) (bool, *models.SyncLease, error) {
	query := `
	INSERT INTO sync_leases (owner, repo, holder, acquired_at_ms, expires_at_ms)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(owner, repo) DO UPDATE SET
		holder = excluded.holder,
		acquired_at_ms = excluded.acquired_at_ms,
		expires_at_ms = excluded.expires_at_ms
	WHERE sync_leases.expires_at_ms <= excluded.acquired_at_ms
	`

	res, err := db.exec(ctx, query,
		lease.Owner,
		lease.Repo,
		lease.Holder,
		lease.AcquiredAt.UnixMilli(),
		lease.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return false, nil, fmt.Errorf("failed to acquire sync lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("failed to acquire sync lease: %w", err)
	}
	if n > 0 {
		return true, &lease, nil
	}

	current, err := db.GetLease(ctx, models.Tenant{Owner: lease.Owner, Repo: lease.Repo})
	if err != nil {
		return false, nil, err
	}
	return false, current, nil
}

// GetLease returns the tenant's lease row, or nil if none was ever taken
func (db *DB) GetLease(ctx context.Context, tenant models.Tenant) (*models.SyncLease, error) {
	var lease models.SyncLease
	var acquiredMs, expiresMs int64
	err := db.queryRow(ctx,
		`SELECT owner, repo, holder, acquired_at_ms, expires_at_ms FROM sync_leases WHERE owner = ? AND repo = ?`,
		tenant.Owner, tenant.Repo,
	).Scan(&lease.Owner, &lease.Repo, &lease.Holder, &acquiredMs, &expiresMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync lease: %w", err)
	}
	lease.AcquiredAt = time.UnixMilli(acquiredMs).UTC()
	lease.ExpiresAt = time.UnixMilli(expiresMs).UTC()
	return &lease, nil
}

func scanSyncRecord(row rowScanner) (*models.SyncRecord, error) {
	var (
		rec      models.SyncRecord
		status   string
		syncType string
		errMsg   sql.NullString
	)
	err := row.Scan(
		&rec.ID,
		&rec.Owner,
		&rec.Repo,
		&status,
		&rec.IssuesSynced,
		&errMsg,
		&syncType,
		&rec.LastSyncAt,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = models.SyncStatus(status)
	rec.SyncType = models.SyncType(syncType)
	if errMsg.Valid {
		m := errMsg.String
		rec.ErrorMessage = &m
	}
	rec.LastSyncAt = rec.LastSyncAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}
