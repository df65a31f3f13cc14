package review

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/datapoint-review/internal/compare"
	"github.com/sells-group/datapoint-review/internal/extraction"
	"github.com/sells-group/datapoint-review/internal/model"
	"github.com/sells-group/datapoint-review/internal/monitoring"
	"github.com/sells-group/datapoint-review/internal/store"
	"github.com/sells-group/datapoint-review/internal/templates"
	"github.com/sells-group/datapoint-review/pkg/platform"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakePlatform struct {
	mu         sync.Mutex
	datasets   map[string]*model.Dataset
	datapoints map[string]*model.DataPoint
	reports    []*model.Report
	statuses   map[string]string
	postErr    error
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		datasets:   map[string]*model.Dataset{},
		datapoints: map[string]*model.DataPoint{},
		statuses:   map[string]string{},
	}
}

func (f *fakePlatform) GetDataset(_ context.Context, id string) (*model.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds, ok := f.datasets[id]
	if !ok {
		return nil, platform.ErrNotFound
	}
	return ds, nil
}

func (f *fakePlatform) GetDatapoint(_ context.Context, id string) (*model.DataPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dp, ok := f.datapoints[id]
	if !ok {
		return nil, platform.ErrNotFound
	}
	return dp, nil
}

func (f *fakePlatform) PostReport(_ context.Context, _ string, report *model.Report) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return "", f.postErr
	}
	f.reports = append(f.reports, report)
	return fmt.Sprintf("report-%d", len(f.reports)), nil
}

func (f *fakePlatform) SetDatapointStatus(_ context.Context, id, status, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	return nil
}

func (f *fakePlatform) reportCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reports)
}

type fakeText struct {
	calls atomic.Int32
	err   error

	mu   sync.Mutex
	refs []string
}

func (f *fakeText) GetText(_ context.Context, _, fileRef string, pages []int) (string, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.refs = append(f.refs, fileRef)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return "text of " + fileRef, nil
}

func (f *fakeText) fileRefs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.refs...)
}

// fakeExtractor answers by the field key the prompt asks about, written as
// "(key)" by every default template.
type fakeExtractor struct {
	mu       sync.Mutex
	answers  map[string]model.ExtractionResult
	fallback model.ExtractionResult
	requests []extraction.Request
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{
		answers:  map[string]model.ExtractionResult{},
		fallback: model.NullExtraction("no scripted answer", 1),
	}
}

func (f *fakeExtractor) answer(key string, v any) {
	f.answers[key] = model.ExtractionResult{PredictedAnswer: v, Confidence: 0.9, Reasoning: "found on page"}
}

func (f *fakeExtractor) Execute(_ context.Context, req extraction.Request) model.ExtractionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	for key, res := range f.answers {
		if strings.Contains(req.Prompt, "("+key+")") {
			return res
		}
	}
	return f.fallback
}

func (f *fakeExtractor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type harness struct {
	platform  *fakePlatform
	text      *fakeText
	extractor *fakeExtractor
	store     *store.SQLiteStore
	metrics   *monitoring.Metrics
	deps      Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "review.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	reg, err := templates.Load("")
	require.NoError(t, err)

	h := &harness{
		platform:  newFakePlatform(),
		text:      &fakeText{},
		extractor: newFakeExtractor(),
		store:     st,
		metrics:   monitoring.NewMetrics(),
	}
	h.deps = Deps{
		Platform:   h.platform,
		Text:       h.text,
		Extractor:  h.extractor,
		Templates:  reg,
		Tolerances: compare.Tolerances{Default: compare.DefaultEpsilon},
		Metrics:    h.metrics,
		Defaults:   Options{Model: "gpt-4o", Retries: 3},
		now:        func() time.Time { return fixedNow },
	}
	return h
}

func source(page string) *model.Provenance {
	return &model.Provenance{FileReference: "doc-1", FileName: "annual-report.pdf", Page: page}
}

func yesNoField(v, page string) model.DatasetField {
	raw, _ := json.Marshal(v)
	return model.DatasetField{Value: raw, DataSource: source(page)}
}

func counterValue(t *testing.T, m *monitoring.Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			match := true
			for _, lp := range metric.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					match = false
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
