package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/datapoint-review/internal/model"
	"github.com/sells-group/datapoint-review/internal/resilience"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "review.db")
	s, err := NewSQLite(dsn)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	return s
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Ping(ctx))
}

func TestSQLite_ClaimDataset(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	ok, err := s.ClaimDataset(ctx, model.ReviewedDataset{DatasetID: "ds-1", StartedAt: started, AIModel: "gpt-4o", UseOCR: true})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimDataset(ctx, model.ReviewedDataset{DatasetID: "ds-1", StartedAt: started.Add(time.Hour)})
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")

	claim, err := s.GetDatasetClaim(ctx, "ds-1")
	require.NoError(t, err)
	assert.Equal(t, "ds-1", claim.DatasetID)
	assert.True(t, claim.StartedAt.Equal(started))
	assert.False(t, claim.Completed)
	assert.Nil(t, claim.FinishedAt)
	assert.Equal(t, "gpt-4o", claim.AIModel)
	assert.True(t, claim.UseOCR)
}

func TestSQLite_ClaimDatasetConcurrent(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimDataset(ctx, model.ReviewedDataset{DatasetID: "race", StartedAt: time.Now()})
			if err != nil {
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestSQLite_CompleteDatasetAndReport(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := s.ClaimDataset(ctx, model.ReviewedDataset{DatasetID: "ds-2", StartedAt: time.Now()})
	require.NoError(t, err)

	_, err = s.GetDatasetReport(ctx, "ds-2")
	assert.True(t, errors.Is(err, ErrNotFound))

	report := model.NewReport("ds-2")
	report.General.Fields["nuclear_energy_related_activities_section426"] = model.Accepted()
	finished := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	require.NoError(t, s.CompleteDataset(ctx, "ds-2", "rep-9", report, finished))

	claim, err := s.GetDatasetClaim(ctx, "ds-2")
	require.NoError(t, err)
	assert.True(t, claim.Completed)
	assert.Equal(t, "rep-9", claim.ReportID)
	require.NotNil(t, claim.FinishedAt)
	assert.True(t, claim.FinishedAt.Equal(finished))

	got, err := s.GetDatasetReport(ctx, "ds-2")
	require.NoError(t, err)
	assert.Equal(t, "ds-2", got.DatasetID)
	assert.Equal(t, model.VerdictAccepted, got.General.Fields["nuclear_energy_related_activities_section426"].Verdict)
}

func TestSQLite_CompleteDatasetNotClaimed(t *testing.T) {
	s := newTestSQLiteStore(t)
	err := s.CompleteDataset(context.Background(), "missing", "r", model.NewReport("missing"), time.Now())
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_DeleteDatasetClaim(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := s.ClaimDataset(ctx, model.ReviewedDataset{DatasetID: "ds-3", StartedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, s.DeleteDatasetClaim(ctx, "ds-3"))

	_, err = s.GetDatasetClaim(ctx, "ds-3")
	assert.True(t, errors.Is(err, ErrNotFound))

	ok, err := s.ClaimDataset(ctx, model.ReviewedDataset{DatasetID: "ds-3", StartedAt: time.Now()})
	require.NoError(t, err)
	assert.True(t, ok, "deleted claim can be taken again")
}

func TestSQLite_DatapointReviewExclusive(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	at := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)

	got, err := s.GetDatapointReview(ctx, "dp-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.SaveCannotValidate(ctx, &model.CannotValidateDatapoint{
		DatapointID: "dp-1", DatapointType: "extendedDecimal", Reason: "no datasource",
		RunMetadata: model.RunMetadata{AIModel: "gpt-4o", ReviewedAt: at},
	}))
	got, err = s.GetDatapointReview(ctx, "dp-1")
	require.NoError(t, err)
	require.NotNil(t, got.CannotValidate)
	assert.Nil(t, got.Validated)
	assert.True(t, got.Persisted)
	assert.Equal(t, "no datasource", got.CannotValidate.Reason)

	require.NoError(t, s.SaveValidated(ctx, &model.ValidatedDatapoint{
		DatapointID: "dp-1", DatapointType: "extendedDecimal",
		PreviousAnswer: "0.05", PredictedAnswer: "0.0500001", Confidence: 0.9,
		Reasoning: "table 3", Verdict: model.VerdictAccepted,
		RunMetadata: model.RunMetadata{AIModel: "gpt-4o", UseOCR: true, ReviewedAt: at},
	}))
	got, err = s.GetDatapointReview(ctx, "dp-1")
	require.NoError(t, err)
	require.NotNil(t, got.Validated)
	assert.Nil(t, got.CannotValidate, "saving a validated record replaces the cannot-validate one")
	assert.Equal(t, model.VerdictAccepted, got.Validated.Verdict)
	assert.InDelta(t, 0.9, got.Validated.Confidence, 1e-9)
	assert.True(t, got.Validated.UseOCR)

	require.NoError(t, s.DeleteDatapointReview(ctx, "dp-1"))
	got, err = s.GetDatapointReview(ctx, "dp-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_CachedPages(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	n, err := s.InsertCachedPages(ctx, []model.CachedDocumentPage{
		{FileReference: "f1", Page: 1, Text: "one"},
		{FileReference: "f1", Page: 2, Text: "two"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Existing pages are never overwritten.
	n, err = s.InsertCachedPages(ctx, []model.CachedDocumentPage{
		{FileReference: "f1", Page: 2, Text: "changed"},
		{FileReference: "f1", Page: 3, Text: "three"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetCachedPages(ctx, "f1", []int{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, map[int]string{1: "one", 2: "two", 3: "three"}, got)

	got, err = s.GetCachedPages(ctx, "other", []int{1})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.GetCachedPages(ctx, "f1", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLite_DLQ_OneEntryPerItem(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Add(-time.Hour)
	item := model.PendingItem{ID: "ds-1", Kind: model.ItemKindDataset}

	first := resilience.NewDLQEntry(item, resilience.NewTransientError(errors.New("platform timeout"), 503), 3, now)
	require.NoError(t, s.EnqueueDLQ(ctx, first))
	require.NoError(t, s.IncrementDLQRetry(ctx, first.ID, now, "still failing"))

	again := resilience.NewDLQEntry(item, resilience.NewTransientError(errors.New("bad gateway"), 502), 3, now)
	require.NoError(t, s.EnqueueDLQ(ctx, again))

	count, err := s.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	all, err := s.ListDLQ(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, first.ID, all[0].ID)
	assert.Equal(t, 1, all[0].RetryCount)
	assert.Contains(t, all[0].Error, "bad gateway")
}

func TestSQLite_DLQ(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due := resilience.NewDLQEntry(model.PendingItem{ID: "ds-1", Kind: model.ItemKindDataset},
		resilience.NewTransientError(errors.New("platform timeout"), 503), 3, now.Add(-time.Hour))
	later := resilience.NewDLQEntry(model.PendingItem{ID: "dp-1", Kind: model.ItemKindDatapoint, DataType: "extendedDecimal"},
		resilience.NewTransientError(errors.New("rate limited"), 429), 3, now)
	permanent := resilience.NewDLQEntry(model.PendingItem{ID: "dp-2", Kind: model.ItemKindDatapoint},
		errors.New("bad request"), 3, now.Add(-time.Hour))

	for _, e := range []resilience.DLQEntry{due, later, permanent} {
		require.NoError(t, s.EnqueueDLQ(ctx, e))
	}

	count, err := s.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	entries, err := s.DequeueDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1, "only the due transient entry is retryable")
	assert.Equal(t, due.ID, entries[0].ID)
	assert.Equal(t, model.ItemKindDataset, entries[0].Item.Kind)
	assert.Equal(t, resilience.ClassTransient, entries[0].ErrorType)

	entries, err = s.DequeueDLQ(ctx, resilience.DLQFilter{DueBefore: now.Add(time.Hour), ErrorType: resilience.ClassTransient})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	require.NoError(t, s.IncrementDLQRetry(ctx, due.ID, now.Add(2*time.Hour), "still failing"))
	entries, err = s.DequeueDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)

	all, err := s.ListDLQ(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	err = s.IncrementDLQRetry(ctx, "missing", now, "x")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.RemoveDLQ(ctx, due.ID))
	count, err = s.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestSQLite_ReviewStats(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, v := range []model.Verdict{model.VerdictAccepted, model.VerdictAccepted, model.VerdictRejected} {
		require.NoError(t, s.SaveValidated(ctx, &model.ValidatedDatapoint{
			DatapointID: string(rune('a' + i)), DatapointType: "extendedDecimal", Verdict: v,
			RunMetadata: model.RunMetadata{ReviewedAt: now},
		}))
	}
	require.NoError(t, s.SaveValidated(ctx, &model.ValidatedDatapoint{
		DatapointID: "old", DatapointType: "extendedDecimal", Verdict: model.VerdictRejected,
		RunMetadata: model.RunMetadata{ReviewedAt: now.Add(-48 * time.Hour)},
	}))
	require.NoError(t, s.SaveCannotValidate(ctx, &model.CannotValidateDatapoint{
		DatapointID: "cv", Reason: "x", RunMetadata: model.RunMetadata{ReviewedAt: now},
	}))

	_, err := s.ClaimDataset(ctx, model.ReviewedDataset{DatasetID: "stale", StartedAt: now.Add(-3 * time.Hour)})
	require.NoError(t, err)
	_, err = s.ClaimDataset(ctx, model.ReviewedDataset{DatasetID: "fresh", StartedAt: now})
	require.NoError(t, err)
	_, err = s.ClaimDataset(ctx, model.ReviewedDataset{DatasetID: "done", StartedAt: now})
	require.NoError(t, err)
	require.NoError(t, s.CompleteDataset(ctx, "done", "r", model.NewReport("done"), now))

	stats, err := s.ReviewStats(ctx, now.Add(-24*time.Hour), now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Accepted)
	assert.Equal(t, 1, stats.Rejected)
	assert.Equal(t, 1, stats.CannotValidate)
	assert.Equal(t, 1, stats.DatasetsDone)
	assert.Equal(t, 2, stats.DatasetsOpen)
	assert.Equal(t, 1, stats.StaleClaims)
	assert.Equal(t, 0, stats.DLQDepth)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), configFor("mysql", "x"))
	assert.Error(t, err)
}

func TestOpen_SQLite(t *testing.T) {
	s, err := Open(context.Background(), configFor("sqlite", filepath.Join(t.TempDir(), "o.db")))
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
}
