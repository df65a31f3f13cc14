// Package api exposes reviews over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/datapoint-review/internal/model"
	"github.com/sells-group/datapoint-review/internal/monitoring"
	"github.com/sells-group/datapoint-review/internal/resilience"
	"github.com/sells-group/datapoint-review/internal/review"
	"github.com/sells-group/datapoint-review/pkg/platform"
)

// DatasetReviewer reviews a dataset. A nil review means it was already claimed.
type DatasetReviewer interface {
	Review(ctx context.Context, id string, opts review.Options) (*model.DatasetReview, error)
}

// DatapointReviewer reviews a single datapoint.
type DatapointReviewer interface {
	Review(ctx context.Context, id string, opts review.Options) (*model.DatapointReview, error)
}

// Pinger checks a dependency for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the HTTP handlers.
type Server struct {
	datasets    DatasetReviewer
	datapoints  DatapointReviewer
	store       Pinger
	metrics     *monitoring.Metrics
	defaults    review.Options
	corsOrigins []string
}

// NewServer creates a Server. defaults fill the options a request omits.
func NewServer(datasets DatasetReviewer, datapoints DatapointReviewer, store Pinger, metrics *monitoring.Metrics, defaults review.Options, corsOrigins []string) *Server {
	return &Server{
		datasets:    datasets,
		datapoints:  datapoints,
		store:       store,
		metrics:     metrics,
		defaults:    defaults,
		corsOrigins: corsOrigins,
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	if len(s.corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	r.Post("/review/{dataset_id}", s.handleReviewDataset)
	r.Post("/review-dataset/{dataset_id}", s.handleReviewDataset)
	r.Post("/review-data-point/{datapoint_id}", s.handleReviewDatapoint)
	return r
}

// reviewRequest is the body of the review endpoints. Pointer fields fall
// back to the server defaults when omitted.
type reviewRequest struct {
	AIModel  string `json:"ai_model"`
	UseOCR   *bool  `json:"use_ocr"`
	Override bool   `json:"override"`
	Force    bool   `json:"force_review"`
	PushBack *bool  `json:"push_back"`
}

func (s *Server) options(r *http.Request) (review.Options, error) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return review.Options{}, err
	}
	opts := s.defaults
	if req.AIModel != "" {
		opts.Model = req.AIModel
	}
	if req.UseOCR != nil {
		opts.UseOCR = *req.UseOCR
	}
	if req.PushBack != nil {
		opts.PushBack = *req.PushBack
	}
	opts.Override = req.Override
	opts.Force = req.Force
	return opts, nil
}

func (s *Server) handleReviewDataset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "dataset_id")
	opts, err := s.options(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.datasets.Review(r.Context(), id, opts)
	if err != nil {
		zap.L().Error("api: dataset review failed", zap.String("dataset_id", id), zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}
	if res == nil {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "already_claimed", "dataset_id": id})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReviewDatapoint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "datapoint_id")
	opts, err := s.options(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.datapoints.Review(r.Context(), id, opts)
	if err != nil {
		zap.L().Error("api: datapoint review failed", zap.String("datapoint_id", id), zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			zap.L().Warn("api: store ping failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "store": "unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// logRequests logs every request and counts it by route pattern.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveHTTP(route, strconv.Itoa(status))
		zap.L().Info("api: request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

// statusFor maps review errors to HTTP statuses: upstream failures are 502.
func statusFor(err error) int {
	var apiErr *platform.APIError
	switch {
	case platform.IsNotFound(err):
		return http.StatusNotFound
	case errors.As(err, &apiErr), resilience.IsTransient(err), errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
