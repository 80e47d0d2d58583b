package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/github-issue-mirror/internal/models"
)

var tenant = models.Tenant{Owner: "octo", Repo: "hello"}

func newTestDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Initialize(ctx))
	return db
}

func strPtr(s string) *string { return &s }

func TestDialectForDSN(t *testing.T) {
	assert.Equal(t, DialectPostgres, DialectForDSN("postgres://u@localhost/db"))
	assert.Equal(t, DialectPostgres, DialectForDSN("PostgreSQL://u@localhost/db"))
	assert.Equal(t, DialectSQLite, DialectForDSN("github_issues.db"))
	assert.Equal(t, DialectSQLite, DialectForDSN("file:mirror.db?cache=shared"))
}

func TestRebind(t *testing.T) {
	pg := &DB{dialect: DialectPostgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))

	lite := &DB{dialect: DialectSQLite}
	assert.Equal(t, "SELECT ? ", lite.rebind("SELECT ? "))
}

func TestInitializeIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Initialize(context.Background()))
}

func TestUpsertIssuePreservesCreatedAt(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	first := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)
	ghCreated := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	issue := &models.Issue{
		Owner: tenant.Owner, Repo: tenant.Repo, Number: 7,
		Title: "crash on start", Body: strPtr("stack trace"), State: "open",
		Labels: []string{"bug"}, CreatedAt: first, GitHubCreatedAt: &ghCreated, UpdatedAt: first,
	}
	require.NoError(t, db.UpsertIssue(ctx, issue))

	later := ghCreated.Add(24 * time.Hour)
	replay := *issue
	replay.Title = "crash on startup"
	replay.State = "closed"
	replay.Labels = []string{"bug", "p1"}
	replay.CreatedAt = second
	replay.GitHubCreatedAt = &later
	replay.UpdatedAt = second
	require.NoError(t, db.UpsertIssue(ctx, &replay))
	assert.True(t, replay.CreatedAt.Equal(first), "upsert hands back the stored created_at")

	got, err := db.GetIssue(ctx, tenant, 7)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.CreatedAt.Equal(first), "created_at = %v, want %v", got.CreatedAt, first)
	assert.True(t, got.UpdatedAt.Equal(second), "updated_at = %v, want %v", got.UpdatedAt, second)
	require.NotNil(t, got.GitHubCreatedAt)
	assert.True(t, got.GitHubCreatedAt.Equal(ghCreated))
	assert.Equal(t, "crash on startup", got.Title)
	assert.Equal(t, "closed", got.State)
	assert.Equal(t, []string{"bug", "p1"}, got.Labels)

	all, err := db.ListIssues(ctx, tenant, IssueFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUpsertIssueKeepsNullBody(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	now := time.Now().UTC()
	require.NoError(t, db.UpsertIssue(ctx, &models.Issue{
		Owner: tenant.Owner, Repo: tenant.Repo, Number: 1, Title: "t", State: "open",
		CreatedAt: now, UpdatedAt: now,
	}))

	got, err := db.GetIssue(ctx, tenant, 1)
	require.NoError(t, err)
	assert.Nil(t, got.Body)
	assert.Equal(t, []string{}, got.Labels)
}

func TestGetIssueMissing(t *testing.T) {
	db := newTestDB(t)
	got, err := db.GetIssue(context.Background(), tenant, 404)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListIssuesFilters(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, state := range []string{"open", "closed", "open"} {
		at := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, db.UpsertIssue(ctx, &models.Issue{
			Owner: tenant.Owner, Repo: tenant.Repo, Number: i + 1, Title: "t", State: state,
			CreatedAt: at, UpdatedAt: at,
		}))
	}
	require.NoError(t, db.UpsertIssue(ctx, &models.Issue{
		Owner: "other", Repo: "repo", Number: 1, Title: "t", State: "open",
		CreatedAt: base, UpdatedAt: base,
	}))

	open, err := db.ListIssues(ctx, tenant, IssueFilter{State: "open"})
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, 3, open[0].Number)
	assert.Equal(t, 1, open[1].Number)

	page, err := db.ListIssues(ctx, tenant, IssueFilter{State: "all", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, 2, page[0].Number)
}

func TestLabelLifecycle(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.UpsertLabel(ctx, &models.Label{
		Owner: tenant.Owner, Repo: tenant.Repo, Name: "bug", Color: "d73a4a",
		CreatedAt: first, UpdatedAt: first,
	}))
	second := first.Add(time.Hour)
	require.NoError(t, db.UpsertLabel(ctx, &models.Label{
		Owner: tenant.Owner, Repo: tenant.Repo, Name: "bug", Color: "ffffff",
		Description: strPtr("Something isn't working"), CreatedAt: second, UpdatedAt: second,
	}))

	got, err := db.GetLabel(ctx, tenant, "bug")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ffffff", got.Color)
	assert.Equal(t, "Something isn't working", *got.Description)
	assert.True(t, got.CreatedAt.Equal(first))
	assert.True(t, got.UpdatedAt.Equal(second))

	deleted, err := db.DeleteLabel(ctx, tenant, "bug")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = db.DeleteLabel(ctx, tenant, "bug")
	require.NoError(t, err)
	assert.False(t, deleted)

	labels, err := db.ListLabels(ctx, tenant)
	require.NoError(t, err)
	assert.Empty(t, labels)
}

func TestTouchIssuesWithLabel(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	before := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sets := map[int][]string{
		1: {"bug"},
		2: {"bug", "ui"},
		3: {"ui"},
		4: {"bugfix"},
	}
	for number, labels := range sets {
		require.NoError(t, db.UpsertIssue(ctx, &models.Issue{
			Owner: tenant.Owner, Repo: tenant.Repo, Number: number, Title: "t", State: "open",
			Labels: labels, CreatedAt: before, UpdatedAt: before,
		}))
	}

	after := before.Add(time.Hour)
	n, err := db.TouchIssuesWithLabel(ctx, tenant, "bug", after)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for number, labels := range sets {
		got, err := db.GetIssue(ctx, tenant, number)
		require.NoError(t, err)
		assert.Equal(t, labels, got.Labels, "issue #%d label set changed", number)
		want := before
		if number == 1 || number == 2 {
			want = after
		}
		assert.True(t, got.UpdatedAt.Equal(want), "issue #%d updated_at = %v, want %v", number, got.UpdatedAt, want)
		assert.True(t, got.CreatedAt.Equal(before))
	}
}

func TestInsertSyncRecordPrunes(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, db.InsertSyncRecord(ctx, &models.SyncRecord{
			Owner: tenant.Owner, Repo: tenant.Repo, Status: models.SyncSuccess,
			IssuesSynced: i, SyncType: models.SyncIncremental, LastSyncAt: at, CreatedAt: at,
		}, 20))
	}
	require.NoError(t, db.InsertSyncRecord(ctx, &models.SyncRecord{
		Owner: "other", Repo: "repo", Status: models.SyncSuccess,
		SyncType: models.SyncFull, LastSyncAt: base, CreatedAt: base,
	}, 20))

	records, err := db.ListSyncRecords(ctx, tenant, 0)
	require.NoError(t, err)
	require.Len(t, records, 20)
	assert.Equal(t, 24, records[0].IssuesSynced)
	assert.Equal(t, 5, records[19].IssuesSynced)

	others, err := db.ListSyncRecords(ctx, models.Tenant{Owner: "other", Repo: "repo"}, 0)
	require.NoError(t, err)
	assert.Len(t, others, 1)
}

func TestSyncCursorFollowsFullAndIncrementalSuccesses(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	insert := func(status models.SyncStatus, typ models.SyncType, at time.Time) {
		require.NoError(t, db.InsertSyncRecord(ctx, &models.SyncRecord{
			Owner: tenant.Owner, Repo: tenant.Repo, Status: status,
			SyncType: typ, LastSyncAt: at, CreatedAt: at,
		}, 20))
	}

	none, err := db.SyncCursor(ctx, tenant)
	require.NoError(t, err)
	assert.Nil(t, none)

	insert(models.SyncSuccess, models.SyncFull, base)
	insert(models.SyncFailed, models.SyncFull, base.Add(time.Minute))
	insert(models.SyncSuccess, models.SyncWebhook, base.Add(2*time.Minute))

	cursor, err := db.SyncCursor(ctx, tenant)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.True(t, cursor.Equal(base))

	insert(models.SyncSuccess, models.SyncIncremental, base.Add(3*time.Minute))
	cursor, err = db.SyncCursor(ctx, tenant)
	require.NoError(t, err)
	assert.True(t, cursor.Equal(base.Add(3*time.Minute)))
}

func TestSyncCursorSurvivesPruning(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.InsertSyncRecord(ctx, &models.SyncRecord{
		Owner: tenant.Owner, Repo: tenant.Repo, Status: models.SyncSuccess,
		SyncType: models.SyncFull, LastSyncAt: base, CreatedAt: base,
	}, 20))
	for i := 1; i <= 25; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		require.NoError(t, db.InsertSyncRecord(ctx, &models.SyncRecord{
			Owner: tenant.Owner, Repo: tenant.Repo, Status: models.SyncSuccess,
			SyncType: models.SyncWebhook, IssuesSynced: 1, LastSyncAt: at, CreatedAt: at,
		}, 20))
	}

	records, err := db.ListSyncRecords(ctx, tenant, 0)
	require.NoError(t, err)
	require.Len(t, records, 20)
	for _, rec := range records {
		assert.Equal(t, models.SyncWebhook, rec.SyncType)
	}

	cursor, err := db.SyncCursor(ctx, tenant)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.True(t, cursor.Equal(base))
}

func TestAcquireLease(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	lease := models.SyncLease{
		Owner: tenant.Owner, Repo: tenant.Repo, Holder: "a",
		AcquiredAt: now, ExpiresAt: now.Add(time.Minute),
	}
	ok, current, err := db.AcquireLease(ctx, lease)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a", current.Holder)

	contender := lease
	contender.Holder = "b"
	contender.AcquiredAt = now.Add(30 * time.Second)
	contender.ExpiresAt = contender.AcquiredAt.Add(time.Minute)
	ok, current, err = db.AcquireLease(ctx, contender)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NotNil(t, current)
	assert.Equal(t, "a", current.Holder)
	assert.True(t, current.ExpiresAt.Equal(now.Add(time.Minute)))

	contender.AcquiredAt = now.Add(time.Minute)
	contender.ExpiresAt = contender.AcquiredAt.Add(time.Minute)
	ok, current, err = db.AcquireLease(ctx, contender)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "b", current.Holder)
}
