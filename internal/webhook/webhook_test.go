package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/github-issue-mirror/internal/apperr"
	"github.com/wesm/github-issue-mirror/internal/cache"
	"github.com/wesm/github-issue-mirror/internal/db"
	"github.com/wesm/github-issue-mirror/internal/ledger"
	"github.com/wesm/github-issue-mirror/internal/models"
	"github.com/wesm/github-issue-mirror/internal/reconcile"
)

const secret = "It's a Secret to Everybody"

var tenant = models.Tenant{Owner: "octo", Repo: "hello"}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type fixture struct {
	db     *db.DB
	keys   *cache.Keyspace
	ledger *ledger.Ledger
	clock  *clock
	in     *Ingestor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	database, err := db.Open(ctx, filepath.Join(t.TempDir(), "webhook.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, database.Initialize(ctx))

	store, err := cache.NewMemoryStore(64)
	require.NoError(t, err)

	f := &fixture{
		db:    database,
		keys:  cache.NewKeyspace(store, time.Hour),
		clock: &clock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)},
	}
	f.ledger = ledger.New(database, ledger.WithClock(f.clock.Now))
	rec := reconcile.New(database, f.keys, reconcile.WithClock(f.clock.Now))
	f.in = New(secret, rec, f.ledger, WithClock(f.clock.Now))
	return f
}

func (f *fixture) deliver(t *testing.T, eventType string, payload []byte) error {
	t.Helper()
	return f.in.Handle(context.Background(), payload, Sign([]byte(secret), payload), eventType)
}

func (f *fixture) history(t *testing.T) []*models.SyncRecord {
	t.Helper()
	records, err := f.ledger.History(context.Background(), tenant, 0)
	require.NoError(t, err)
	return records
}

func repository() map[string]any {
	return map[string]any{
		"name":      "hello",
		"full_name": "octo/hello",
		"owner":     map[string]any{"login": "octo"},
	}
}

func issuesPayload(t *testing.T, number int, title string, labels ...string) []byte {
	t.Helper()
	ls := make([]map[string]any, 0, len(labels))
	for _, l := range labels {
		ls = append(ls, map[string]any{"name": l, "color": "ededed"})
	}
	data, err := json.Marshal(map[string]any{
		"action": "opened",
		"issue": map[string]any{
			"number": number,
			"title":  title,
			"body":   nil,
			"state":  "open",
			"labels": ls,
		},
		"repository": repository(),
	})
	require.NoError(t, err)
	return data
}

func labelPayload(t *testing.T, action, name, color string) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"action":     action,
		"label":      map[string]any{"name": name, "color": color, "description": nil},
		"repository": repository(),
	})
	require.NoError(t, err)
	return data
}

func TestVerifySignature(t *testing.T) {
	key := []byte(secret)
	payload := []byte(`{"action":"opened"}`)
	sig := Sign(key, payload)
	require.NoError(t, VerifySignature(key, payload, sig))

	for i := range payload {
		mutated := append([]byte(nil), payload...)
		mutated[i] ^= 0x01
		assert.ErrorIs(t, VerifySignature(key, mutated, sig), apperr.ErrAuthentication, "payload byte %d", i)
	}
	for i := len(signaturePrefix); i < len(sig); i++ {
		mutated := []byte(sig)
		if mutated[i] == '0' {
			mutated[i] = '1'
		} else {
			mutated[i] = '0'
		}
		assert.ErrorIs(t, VerifySignature(key, payload, string(mutated)), apperr.ErrAuthentication, "signature byte %d", i)
	}

	tests := map[string]struct {
		secret    []byte
		signature string
	}{
		"missing header": {key, ""},
		"no prefix":      {key, sig[len(signaturePrefix):]},
		"sha1 prefix":    {key, "sha1=" + sig[len(signaturePrefix):]},
		"not hex":        {key, "sha256=zz"},
		"empty secret":   {nil, Sign(nil, payload)},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, VerifySignature(tt.secret, payload, tt.signature), apperr.ErrAuthentication)
		})
	}
}

func TestBadSignatureHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	payload := issuesPayload(t, 1, "hello")

	err := f.in.Handle(context.Background(), payload, Sign([]byte("wrong"), payload), "issues")
	assert.ErrorIs(t, err, apperr.ErrAuthentication)
	assert.Equal(t, 401, apperr.HTTPStatus(err))

	got, err := f.db.GetIssue(context.Background(), tenant, 1)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Empty(t, f.history(t))
}

func TestIssuesRedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	payload := issuesPayload(t, 42, "  crash on start  ", "bug", "bug", "p1")

	first := f.clock.now
	require.NoError(t, f.deliver(t, "issues", payload))
	f.clock.now = f.clock.now.Add(5 * time.Minute)
	require.NoError(t, f.deliver(t, "issues", payload))

	rows, err := f.db.ListIssues(ctx, tenant, db.IssueFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	got := rows[0]
	assert.Equal(t, 42, got.Number)
	assert.Equal(t, "crash on start", got.Title)
	assert.Equal(t, []string{"bug", "p1"}, got.Labels)
	require.NotNil(t, got.Body)
	assert.Equal(t, "", *got.Body, "webhook boundary defaults a null body")
	assert.True(t, got.CreatedAt.Equal(first))
	assert.True(t, got.UpdatedAt.Equal(f.clock.now))

	history := f.history(t)
	require.Len(t, history, 2)
	for _, rec := range history {
		assert.Equal(t, models.SyncWebhook, rec.SyncType)
		assert.Equal(t, models.SyncSuccess, rec.Status)
		assert.Equal(t, 1, rec.IssuesSynced)
	}
}

func TestIssuesEventInvalidatesTenantCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	key, err := f.keys.Key(ctx, tenant, cache.KindIssues, nil)
	require.NoError(t, err)
	require.NoError(t, f.keys.SetJSON(ctx, key, []int{}))

	require.NoError(t, f.deliver(t, "issues", issuesPayload(t, 1, "hello")))

	var v []int
	ok, err := f.keys.GetJSON(ctx, key, &v)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLabelEditedTouchesReferencingIssues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for n := 1; n <= 3; n++ {
		require.NoError(t, f.deliver(t, "issues", issuesPayload(t, n, "labelled", "bug", "ui")))
	}
	require.NoError(t, f.deliver(t, "issues", issuesPayload(t, 4, "unlabelled")))
	require.NoError(t, f.deliver(t, "label", labelPayload(t, "created", "bug", "ff0000")))
	before := f.clock.now

	f.clock.now = f.clock.now.Add(time.Hour)
	require.NoError(t, f.deliver(t, "label", labelPayload(t, "edited", "bug", "00ff00")))

	for n := 1; n <= 3; n++ {
		got, err := f.db.GetIssue(ctx, tenant, n)
		require.NoError(t, err)
		assert.True(t, got.UpdatedAt.Equal(f.clock.now), "issue %d updated_at = %v", n, got.UpdatedAt)
		assert.Equal(t, []string{"bug", "ui"}, got.Labels)
	}
	other, err := f.db.GetIssue(ctx, tenant, 4)
	require.NoError(t, err)
	assert.True(t, other.UpdatedAt.Equal(before))

	label, err := f.db.GetLabel(ctx, tenant, "bug")
	require.NoError(t, err)
	require.NotNil(t, label)
	assert.Equal(t, "00ff00", label.Color)
	assert.True(t, label.CreatedAt.Equal(before))

	history := f.history(t)
	assert.Equal(t, 3, history[0].IssuesSynced)
}

func TestLabelDeletedLeavesIssues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.deliver(t, "issues", issuesPayload(t, 1, "labelled", "bug", "ui")))
	require.NoError(t, f.deliver(t, "label", labelPayload(t, "created", "bug", "ff0000")))
	require.NoError(t, f.deliver(t, "label", labelPayload(t, "created", "ui", "0000ff")))
	before, err := f.db.GetIssue(ctx, tenant, 1)
	require.NoError(t, err)

	f.clock.now = f.clock.now.Add(time.Minute)
	require.NoError(t, f.deliver(t, "label", labelPayload(t, "deleted", "bug", "ff0000")))

	gone, err := f.db.GetLabel(ctx, tenant, "bug")
	require.NoError(t, err)
	assert.Nil(t, gone)
	kept, err := f.db.GetLabel(ctx, tenant, "ui")
	require.NoError(t, err)
	assert.NotNil(t, kept)

	after, err := f.db.GetIssue(ctx, tenant, 1)
	require.NoError(t, err)
	assert.Equal(t, before.Labels, after.Labels)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))

	// deleting again is still a success
	require.NoError(t, f.deliver(t, "label", labelPayload(t, "deleted", "bug", "ff0000")))
}

func TestUnsupportedEvent(t *testing.T) {
	f := newFixture(t)
	err := f.deliver(t, "push", []byte(`{"ref":"refs/heads/main"}`))
	assert.ErrorIs(t, err, apperr.ErrUnsupportedEvent)
	assert.Equal(t, 400, apperr.HTTPStatus(err))
	assert.Empty(t, f.history(t))
}

func TestInvalidPayloadsAreRejected(t *testing.T) {
	tests := map[string]struct {
		event   string
		payload string
	}{
		"not json":            {"issues", `{`},
		"number not integer":  {"issues", `{"action":"opened","issue":{"number":"seven","title":"t","state":"open"},"repository":{"name":"hello","owner":{"login":"octo"}}}`},
		"fractional number":   {"issues", `{"action":"opened","issue":{"number":"7.5","title":"t","state":"open"},"repository":{"name":"hello","owner":{"login":"octo"}}}`},
		"missing title":       {"issues", `{"action":"opened","issue":{"number":7,"state":"open"},"repository":{"name":"hello","owner":{"login":"octo"}}}`},
		"missing state":       {"issues", `{"action":"opened","issue":{"number":7,"title":"t"},"repository":{"name":"hello","owner":{"login":"octo"}}}`},
		"missing issue":       {"issues", `{"action":"opened","repository":{"name":"hello","owner":{"login":"octo"}}}`},
		"label without name":  {"issues", `{"action":"opened","issue":{"number":7,"title":"t","state":"open","labels":[{"color":"fff"}]},"repository":{"name":"hello","owner":{"login":"octo"}}}`},
		"missing repository":  {"issues", `{"action":"opened","issue":{"number":7,"title":"t","state":"open"}}`},
		"label name missing":  {"label", `{"action":"created","label":{"color":"fff"},"repository":{"name":"hello","owner":{"login":"octo"}}}`},
		"label action absent": {"label", `{"label":{"name":"bug"},"repository":{"name":"hello","owner":{"login":"octo"}}}`},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			err := f.deliver(t, tt.event, []byte(tt.payload))
			assert.ErrorIs(t, err, apperr.ErrValidation)
			assert.Empty(t, f.history(t), "validation failures are not recorded")
		})
	}
}

func TestIssueNumberStringIsCoerced(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	payload := []byte(`{"action":"opened","issue":{"number":" 42 ","title":" t ","state":"open"},"repository":{"name":"hello","owner":{"login":"octo"}}}`)
	require.NoError(t, f.deliver(t, "issues", payload))

	stored, err := f.db.GetIssue(ctx, tenant, 42)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "t", stored.Title)
}

func TestRepositoryFullNameFallback(t *testing.T) {
	ev, err := Decode("label", []byte(`{"action":"created","label":{"name":"bug"},"repository":{"full_name":"octo/hello"}}`))
	require.NoError(t, err)
	le, ok := ev.(LabelEvent)
	require.True(t, ok)
	assert.Equal(t, tenant, le.Tenant)
}

type failingStore struct {
	reconcile.Store
}

func (failingStore) UpsertIssue(context.Context, *models.Issue) error {
	return errors.New("database is locked")
}

func TestProcessingFailureIsRecorded(t *testing.T) {
	f := newFixture(t)
	rec := reconcile.New(failingStore{}, f.keys)
	in := New(secret, rec, f.ledger, WithClock(f.clock.Now))

	payload := issuesPayload(t, 1, "hello")
	err := in.Handle(context.Background(), payload, Sign([]byte(secret), payload), "issues")
	require.Error(t, err)
	var storeErr *apperr.StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, 500, apperr.HTTPStatus(err))

	history := f.history(t)
	require.Len(t, history, 1)
	assert.Equal(t, models.SyncFailed, history[0].Status)
	assert.Equal(t, models.SyncWebhook, history[0].SyncType)
	require.NotNil(t, history[0].ErrorMessage)
	assert.Contains(t, *history[0].ErrorMessage, "database is locked")
}
