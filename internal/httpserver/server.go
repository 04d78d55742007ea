package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/blackmichael/post-heatmap/internal/config"
	"github.com/blackmichael/post-heatmap/internal/domain"
	"github.com/blackmichael/post-heatmap/internal/metrics"
)

// Server is the HTTP server that serves the heatmap read API.
type Server struct {
	cfg        *config.Config
	heatmap    *domain.HeatmapService
	logger     *slog.Logger
	handler    http.Handler
	httpServer *http.Server
}

// NewServer creates a new HTTP server backed by the given heatmap service.
func NewServer(cfg *config.Config, heatmap *domain.HeatmapService, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		heatmap: heatmap,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/heatmap", s.handleHeatmap)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/period", s.handlePeriod)
	mux.Handle("GET /metrics", metrics.Handler())

	s.handler = withLogging(logger, mux)
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, err := s.heatmap.Status(r.Context())
	if err != nil {
		s.logger.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"backend": s.cfg.StoreBackend,
		"events":  status.Events,
		"buckets": status.Buckets,
	})
}

func (s *Server) handleHeatmap(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")

	view, err := s.heatmap.GetHeatmap(r.Context(), from, to)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidRange) {
			s.logger.Warn("invalid heatmap range", "from", from, "to", to, "error", err)
			writeError(w, http.StatusBadRequest, "InvalidRequest", "from and to must be YYYY-MM-DD with from <= to")
			return
		}
		s.logger.Error("failed to get heatmap", "from", from, "to", to, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to get heatmap")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"from":    view.From,
		"to":      view.To,
		"buckets": toBucketResponse(view.Buckets),
		"total":   toCountsResponse(view.Total),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 || parsed > 100 {
			s.logger.Warn("invalid limit parameter", "limit", l, "error", err)
			writeError(w, http.StatusBadRequest, "InvalidRequest", "limit must be between 1 and 100")
			return
		}
		limit = parsed
	}

	cursor := r.URL.Query().Get("cursor")

	page, err := s.heatmap.GetRecentEvents(r.Context(), limit, cursor)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidCursor) {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "invalid cursor")
			return
		}
		s.logger.Error("failed to get events", "limit", limit, "cursor", cursor, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to get events")
		return
	}

	resp := map[string]any{
		"events": toEventResponse(page.Events),
	}
	if page.Cursor != "" {
		resp["cursor"] = page.Cursor
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePeriod(w http.ResponseWriter, r *http.Request) {
	at := time.Now()
	if v := r.URL.Query().Get("at"); v != "" {
		parsed, err := parseInstant(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "at must be unix seconds or RFC 3339")
			return
		}
		at = parsed
	}

	stats, err := s.heatmap.GetPeriodStats(r.Context(), at)
	if err != nil {
		s.logger.Error("failed to get period stats", "at", at, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to get period stats")
		return
	}

	byKind := make(map[string]int64, len(stats.ByKind))
	for k, n := range stats.ByKind {
		byKind[string(k)] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"start":   stats.Start.Format(time.RFC3339),
		"end":     stats.End.Format(time.RFC3339),
		"counts":  toCountsResponse(stats.Counts),
		"by_kind": byKind,
	})
}

func parseInstant(v string) (time.Time, error) {
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, v)
}

func toBucketResponse(buckets []domain.Bucket) []map[string]any {
	result := make([]map[string]any, len(buckets))
	for i, b := range buckets {
		result[i] = map[string]any{
			"date":    b.Key.Date,
			"hour":    b.Key.Hour,
			"label":   b.Label(),
			"primary": b.Counts.Primary,
			"reply":   b.Counts.Reply,
			"total":   b.Counts.Total(),
		}
	}
	return result
}

func toCountsResponse(c domain.Counts) map[string]int64 {
	return map[string]int64{
		"primary": c.Primary,
		"reply":   c.Reply,
		"total":   c.Total(),
	}
}

func toEventResponse(events []domain.Event) []map[string]any {
	result := make([]map[string]any, len(events))
	for i, e := range events {
		result[i] = map[string]any{
			"id":           e.ID,
			"kind":         e.Kind,
			"content":      e.Content,
			"occurred_at":  e.OccurredAt.Format(time.RFC3339),
			"period_start": e.PeriodStart.Format(time.RFC3339),
			"link":         e.SourceLink,
		}
	}
	return result
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
