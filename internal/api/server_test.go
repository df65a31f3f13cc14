package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/datapoint-review/internal/model"
	"github.com/sells-group/datapoint-review/internal/monitoring"
	"github.com/sells-group/datapoint-review/internal/resilience"
	"github.com/sells-group/datapoint-review/internal/review"
	"github.com/sells-group/datapoint-review/pkg/platform"
)

type mockDatasets struct{ mock.Mock }

func (m *mockDatasets) Review(ctx context.Context, id string, opts review.Options) (*model.DatasetReview, error) {
	args := m.Called(ctx, id, opts)
	res, _ := args.Get(0).(*model.DatasetReview)
	return res, args.Error(1)
}

type mockDatapoints struct{ mock.Mock }

func (m *mockDatapoints) Review(ctx context.Context, id string, opts review.Options) (*model.DatapointReview, error) {
	args := m.Called(ctx, id, opts)
	res, _ := args.Get(0).(*model.DatapointReview)
	return res, args.Error(1)
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

var defaults = review.Options{Model: "gpt-4o", UseOCR: true, Retries: 3}

func newTestServer(t *testing.T, ds *mockDatasets, dp *mockDatapoints, store Pinger) (*httptest.Server, *monitoring.Metrics) {
	t.Helper()
	metrics := monitoring.NewMetrics()
	srv := httptest.NewServer(NewServer(ds, dp, store, metrics, defaults, []string{"*"}).Handler())
	t.Cleanup(srv.Close)
	return srv, metrics
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() }) //nolint:errcheck
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestReviewDataset_OK(t *testing.T) {
	ds := &mockDatasets{}
	want := review.Options{Model: "claude-sonnet-4-5", UseOCR: false, Retries: 3, Force: true}
	report := model.NewReport("ds-1")
	report.General = &model.GeneralBlock{Finding: model.Accepted()}
	ds.On("Review", mock.Anything, "ds-1", want).
		Return(&model.DatasetReview{Claim: model.ReviewedDataset{DatasetID: "ds-1", ReportID: "r-1"}, Report: report}, nil)

	srv, _ := newTestServer(t, ds, &mockDatapoints{}, nil)
	resp := post(t, srv.URL+"/review-dataset/ds-1", `{"ai_model":"claude-sonnet-4-5","use_ocr":false,"force_review":true}`)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "r-1", body["review"].(map[string]any)["report_id"])
	assert.Equal(t, "ds-1", body["report"].(map[string]any)["dataset_id"])
	ds.AssertExpectations(t)
}

func TestReviewDataset_AliasAndDefaults(t *testing.T) {
	ds := &mockDatasets{}
	ds.On("Review", mock.Anything, "ds-2", defaults).
		Return(&model.DatasetReview{Report: model.NewReport("ds-2")}, nil)

	srv, _ := newTestServer(t, ds, &mockDatapoints{}, nil)
	resp := post(t, srv.URL+"/review/ds-2", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	ds.AssertExpectations(t)
}

func TestReviewDataset_AlreadyClaimed(t *testing.T) {
	ds := &mockDatasets{}
	ds.On("Review", mock.Anything, "ds-1", mock.Anything).Return(nil, nil)

	srv, metrics := newTestServer(t, ds, &mockDatapoints{}, nil)
	resp := post(t, srv.URL+"/review-dataset/ds-1", `{}`)

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "already_claimed", decode(t, resp)["status"])
	assert.Equal(t, 1.0, httpCount(t, metrics, "/review-dataset/{dataset_id}", "409"))
}

func TestReviewDataset_Errors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"not found", &platform.APIError{StatusCode: 404, Method: "GET", Path: "/datasets/x"}, http.StatusNotFound},
		{"upstream", &platform.APIError{StatusCode: 400, Method: "POST", Path: "/datasets/x/qa-reports"}, http.StatusBadGateway},
		{"transient", resilience.NewTransientError(errors.New("timeout"), 0), http.StatusBadGateway},
		{"breaker", resilience.ErrCircuitOpen, http.StatusBadGateway},
		{"internal", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := &mockDatasets{}
			ds.On("Review", mock.Anything, "x", mock.Anything).Return(nil, tt.err)
			srv, _ := newTestServer(t, ds, &mockDatapoints{}, nil)

			resp := post(t, srv.URL+"/review-dataset/x", `{}`)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.NotEmpty(t, decode(t, resp)["error"])
		})
	}
}

func TestReviewDataset_BadBody(t *testing.T) {
	srv, _ := newTestServer(t, &mockDatasets{}, &mockDatapoints{}, nil)
	resp := post(t, srv.URL+"/review-dataset/ds-1", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReviewDatapoint(t *testing.T) {
	dp := &mockDatapoints{}
	want := defaults
	want.Override = true
	dp.On("Review", mock.Anything, "dp-1", want).Return(&model.DatapointReview{
		Validated: &model.ValidatedDatapoint{DatapointID: "dp-1", Verdict: model.VerdictRejected, Comment: "dp-1: Yes != No"},
		Persisted: true,
	}, nil)

	srv, _ := newTestServer(t, &mockDatasets{}, dp, nil)
	resp := post(t, srv.URL+"/review-data-point/dp-1", `{"override":true}`)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	validated := body["validated"].(map[string]any)
	assert.Equal(t, "QaRejected", validated["verdict"])
	assert.Equal(t, true, body["persisted"])
	dp.AssertExpectations(t)
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, &mockDatasets{}, &mockDatapoints{}, pinger{})
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	down, _ := newTestServer(t, &mockDatasets{}, &mockDatapoints{}, pinger{err: errors.New("refused")})
	resp2, err := http.Get(down.URL + "/health")
	require.NoError(t, err)
	defer resp2.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
	assert.Equal(t, "degraded", decode(t, resp2)["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv, metrics := newTestServer(t, &mockDatasets{}, &mockDatapoints{}, nil)
	metrics.ObserveVerdict("dataset", "QaAccepted")

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	buf := new(strings.Builder)
	_, err = io.Copy(buf, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "review_verdicts_total")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(platform.ErrNotFound))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("x")))
}

func httpCount(t *testing.T, m *monitoring.Metrics, route, code string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != "review_http_requests_total" {
			continue
		}
		for _, metric := range fam.GetMetric() {
			labels := map[string]string{}
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["route"] == route && labels["code"] == code {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
