// Package api exposes the HTTP interface for the watcher service.
// Notable routes:
//   - GET /healthz and /readyz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/drafts to submit a page for crawling.
//   - GET /v1/drafts/{token} for draft status and its audit trail.
//   - POST /v1/jobs to promote a crawled draft into a monitoring job.
//   - GET /v1/jobs/{job_id}/runs for run history.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"pricehound/internal/jobs"
	"pricehound/internal/metrics"
	"pricehound/internal/watch"
)

// Monitoring tokens stop working once the user had a fair window to
// finish picking an element.
const monitoringTokenTTL = 7 * 24 * time.Hour

const requestTimeout = 30 * time.Second

// Server wires HTTP handlers to the stores and the job creator.
type Server struct {
	router  chi.Router
	drafts  watch.DraftJobs
	jobsSt  watch.Jobs
	tokens  watch.Tokens
	creator *jobs.Creator
	clock   watch.Clock
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	drafts watch.DraftJobs,
	jobsSt watch.Jobs,
	tokens watch.Tokens,
	creator *jobs.Creator,
	clock watch.Clock,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		drafts:  drafts,
		jobsSt:  jobsSt,
		tokens:  tokens,
		creator: creator,
		clock:   clock,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metricsMiddleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/drafts", func(r chi.Router) {
			r.Post("/", s.submitDraft)
			r.Get("/{token}", s.getDraft)
		})
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Get("/{job_id}/runs", s.listJobRuns)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitDraftRequest struct {
	URL    string `json:"url"`
	UserID int64  `json:"user_id"`
}

func (s *Server) submitDraft(w http.ResponseWriter, r *http.Request) {
	var req submitDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := validateDraftURL(req.URL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID <= 0 {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}

	draft, err := s.drafts.Create(r.Context(), req.URL, req.UserID)
	if err != nil {
		s.logger.Error("create draft failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create draft job")
		return
	}

	token, err := s.tokens.Create(
		r.Context(), req.UserID, watch.TokenPurposeMonitoring, s.clock.Now().Add(monitoringTokenTTL))
	if err != nil {
		s.logger.Error("create monitoring token failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create monitoring token")
		return
	}
	if err := s.drafts.SetMonitoringTokenID(r.Context(), draft.ID, token.ID); err != nil {
		s.logger.Error("link monitoring token failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to link monitoring token")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"draft_job_id": draft.ID,
		"token":        token.Value,
	})
}

func (s *Server) getDraft(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	draft, err := s.drafts.GetByMonitoringToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, watch.ErrNotFound) {
			writeError(w, http.StatusNotFound, "draft job not found")
			return
		}
		s.logger.Error("load draft failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load draft job")
		return
	}

	logs, err := s.drafts.Logs(r.Context(), draft.ID)
	if err != nil {
		s.logger.Error("load draft logs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load draft job logs")
		return
	}

	// The crawled page can be large; the status endpoint only reports
	// whether it is there.
	hasHTML := draft.CrawledHTML != nil
	draft.CrawledHTML = nil

	writeJSON(w, http.StatusOK, map[string]any{
		"draft": draft,
		"ready": hasHTML && draft.Status == watch.DraftJobStatusCompleted,
		"logs":  logs,
	})
}

type createJobRequest struct {
	Token     string          `json:"token"`
	Selection watch.Selection `json:"selection"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token required")
		return
	}

	result, err := s.creator.Create(r.Context(), req.Token, req.Selection)
	if err != nil {
		s.logger.Error("create job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	payload := map[string]any{
		"status": result.Status.String(),
		"reason": result.Reason,
	}
	if result.TokenValue != "" {
		payload["token"] = result.TokenValue
	}

	switch result.Status {
	case jobs.StatusCreated:
		writeJSON(w, http.StatusCreated, payload)
	case jobs.StatusAlreadyExists:
		writeJSON(w, http.StatusOK, payload)
	case jobs.StatusDraftNotFound:
		writeJSON(w, http.StatusNotFound, payload)
	case jobs.StatusDraftNotReady:
		writeJSON(w, http.StatusConflict, payload)
	case jobs.StatusLimitReached:
		writeJSON(w, http.StatusForbidden, payload)
	case jobs.StatusSelectionInvalid:
		writeJSON(w, http.StatusUnprocessableEntity, payload)
	default:
		writeError(w, http.StatusInternalServerError, "unexpected creation status")
	}
}

func (s *Server) listJobRuns(w http.ResponseWriter, r *http.Request) {
	jobID, err := strconv.ParseInt(chi.URLParam(r, "job_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := s.jobsSt.GetByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, watch.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("load job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	runs, err := s.jobsSt.RunsByJobID(r.Context(), jobID)
	if err != nil {
		s.logger.Error("load job runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job runs")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"job": job, "runs": runs})
}

func validateDraftURL(raw string) error {
	if raw == "" {
		return errors.New("url required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.New("url must be absolute http or https")
	}
	return nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}
		metrics.ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
