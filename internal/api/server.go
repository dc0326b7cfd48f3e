// Package api exposes the HTTP interface for the fetch service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nyimbi/fetchkit/internal/cache"
	"github.com/nyimbi/fetchkit/internal/fetch"
	metrics "github.com/nyimbi/fetchkit/internal/middleware"
	"github.com/nyimbi/fetchkit/internal/proxy"
	"github.com/nyimbi/fetchkit/internal/ratelimit"
	"github.com/nyimbi/fetchkit/internal/telemetry"
)

const (
	defaultRequestTimeout = 60 * time.Second
	defaultEnqueueTimeout = 5 * time.Second
	invalidateTimeout     = 5 * time.Second
)

// Fetcher executes fetches and reports engine statistics.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) (fetch.Result, error)
	CacheStats() cache.Stats
	ProxyStats() proxy.PoolStats
	RateStats() []ratelimit.DomainStats
}

// CacheInvalidator removes cached payloads ahead of their TTL.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, key string) bool
	InvalidatePattern(ctx context.Context, pattern string) (int, error)
	InvalidateAll(ctx context.Context) int
}

// RequestQueue accepts requests for background fetching.
type RequestQueue interface {
	Enqueue(ctx context.Context, req fetch.Request) error
}

// Config controls server behavior.
type Config struct {
	// RequestTimeout bounds synchronous fetch handlers (default 60s).
	RequestTimeout time.Duration
	// EnqueueTimeout bounds async submissions when the queue is full
	// (default 5s).
	EnqueueTimeout time.Duration
	// APIKey guards the /v1 routes when non-empty. Probe and metrics
	// endpoints stay open either way.
	APIKey string
}

// Server wires HTTP handlers to the fetch engine and queue.
type Server struct {
	router      chi.Router
	fetcher     Fetcher
	invalidator CacheInvalidator
	queue       RequestQueue
	ids         fetch.IDGenerator
	cfg         Config
	logger      *zap.Logger
}

// NewServer constructs a Server with middleware and routes. The invalidator
// and queue may be nil; their routes then answer 503.
func NewServer(
	fetcher Fetcher,
	invalidator CacheInvalidator,
	queue RequestQueue,
	ids fetch.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaultEnqueueTimeout
	}
	s := &Server{
		fetcher:     fetcher,
		invalidator: invalidator,
		queue:       queue,
		ids:         ids,
		cfg:         cfg,
		logger:      logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/stats", s.getStats)
		r.Post("/fetch", s.fetchNow)
		r.Post("/fetch/async", s.fetchAsync)
		r.Post("/cache/invalidate", s.invalidateCache)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.fetcher == nil {
		writeError(w, http.StatusServiceUnavailable, "fetch engine not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// fetchNow handles POST /v1/fetch. It runs the fetch inline and returns the
// payload with its metadata, 422 when validation rejected the content, 503
// when no proxy could serve it, 408 when the request timed out, and 502 when
// every attempt against the origin failed.
func (s *Server) fetchNow(w http.ResponseWriter, r *http.Request) {
	if s.fetcher == nil {
		writeError(w, http.StatusServiceUnavailable, "fetch engine unavailable")
		return
	}
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	fr, err := toFetchRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	res, err := s.fetcher.Fetch(ctx, fr)
	if err != nil {
		s.writeFetchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFetchResponse(res))
}

// fetchAsync handles POST /v1/fetch/async. It assigns a request ID, hands the
// request to the queue, and returns 202 with the ID so callers can correlate
// the eventual completion event.
func (s *Server) fetchAsync(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "queue not configured")
		return
	}
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	fr, err := toFetchRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.ids.NewID()
	if err != nil {
		s.logger.Error("generate request id failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "generate request id")
		return
	}
	fr.ID = id

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.EnqueueTimeout)
	defer cancel()
	if err := s.queue.Enqueue(ctx, fr); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusRequestTimeout, "queue is full")
			return
		}
		s.logger.Error("enqueue fetch failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": id})
}

// getStats handles GET /v1/stats with a snapshot of limiter, proxy pool, and
// cache counters.
func (s *Server) getStats(w http.ResponseWriter, _ *http.Request) {
	if s.fetcher == nil {
		writeError(w, http.StatusServiceUnavailable, "fetch engine unavailable")
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Rate:  s.fetcher.RateStats(),
		Proxy: s.fetcher.ProxyStats(),
		Cache: s.fetcher.CacheStats(),
	})
}

// invalidateCache handles POST /v1/cache/invalidate. Exactly one of url,
// pattern, or all selects the scope; the response reports how many entries
// were removed.
func (s *Server) invalidateCache(w http.ResponseWriter, r *http.Request) {
	if s.invalidator == nil {
		writeError(w, http.StatusServiceUnavailable, "cache not configured")
		return
	}
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	selected := 0
	if req.URL != "" {
		selected++
	}
	if req.Pattern != "" {
		selected++
	}
	if req.All {
		selected++
	}
	if selected != 1 {
		writeError(w, http.StatusBadRequest, "exactly one of url, pattern, or all is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), invalidateTimeout)
	defer cancel()

	switch {
	case req.URL != "":
		u, err := fetch.Normalize(req.URL)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		removed := 0
		if s.invalidator.Invalidate(ctx, fetch.CacheKey(u)) {
			removed = 1
		}
		writeJSON(w, http.StatusOK, invalidateResponse{Removed: removed})
	case req.Pattern != "":
		removed, err := s.invalidator.InvalidatePattern(ctx, req.Pattern)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, invalidateResponse{Removed: removed})
	default:
		writeJSON(w, http.StatusOK, invalidateResponse{Removed: s.invalidator.InvalidateAll(ctx)})
	}
}

// writeFetchError maps engine errors to status codes. Exhausted pools ride
// inside NetworkError, so that check runs first.
func (s *Server) writeFetchError(w http.ResponseWriter, err error) {
	var rejected *fetch.ContentRejectedError
	var netErr *fetch.NetworkError
	switch {
	case errors.As(err, &rejected):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, proxy.ErrExhausted):
		s.logger.Warn("fetch failed, proxy pool exhausted", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &netErr):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, err.Error())
	default:
		s.logger.Error("fetch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func toFetchRequest(req fetchRequest) (fetch.Request, error) {
	if req.URL == "" {
		return fetch.Request{}, errors.New("url is required")
	}
	if _, err := fetch.Normalize(req.URL); err != nil {
		return fetch.Request{}, err
	}
	fr := fetch.Request{
		URL:         req.URL,
		TTL:         time.Duration(req.TTLSeconds) * time.Second,
		BypassCache: req.BypassCache,
	}
	if len(req.Headers) > 0 {
		h := make(http.Header, len(req.Headers))
		for k, v := range req.Headers {
			h.Set(k, v)
		}
		fr.Header = h
	}
	if req.MaxAvgLatencyMS > 0 || req.MaxProxyFailures > 0 {
		fr.Requirements = &proxy.Requirements{
			MaxAvgLatency: time.Duration(req.MaxAvgLatencyMS) * time.Millisecond,
			MaxFailures:   req.MaxProxyFailures,
		}
	}
	return fr, nil
}

func toFetchResponse(res fetch.Result) fetchResponse {
	return fetchResponse{
		RequestID:   res.RequestID,
		URL:         res.URL,
		FinalURL:    res.FinalURL,
		StatusCode:  res.StatusCode,
		ContentType: res.ContentType,
		Hash:        res.Hash,
		Bytes:       len(res.Body),
		Attempts:    res.Attempts,
		ElapsedMS:   res.Elapsed.Milliseconds(),
		FetchedAt:   res.FetchedAt,
		FromCache:   res.FromCache,
		Proxy:       res.Proxy,
		Body:        res.Body,
	}
}

type fetchRequest struct {
	URL              string            `json:"url"`
	TTLSeconds       int               `json:"ttl_seconds"`
	BypassCache      bool              `json:"bypass_cache"`
	Headers          map[string]string `json:"headers"`
	MaxAvgLatencyMS  int               `json:"max_avg_latency_ms"`
	MaxProxyFailures int               `json:"max_proxy_failures"`
}

type fetchResponse struct {
	RequestID   string    `json:"request_id"`
	URL         string    `json:"url"`
	FinalURL    string    `json:"final_url,omitempty"`
	StatusCode  int       `json:"status_code"`
	ContentType string    `json:"content_type,omitempty"`
	Hash        string    `json:"hash"`
	Bytes       int       `json:"bytes"`
	Attempts    int       `json:"attempts"`
	ElapsedMS   int64     `json:"elapsed_ms"`
	FetchedAt   time.Time `json:"fetched_at"`
	FromCache   bool      `json:"from_cache"`
	Proxy       string    `json:"proxy,omitempty"`
	Body        []byte    `json:"body"`
}

type invalidateRequest struct {
	URL     string `json:"url"`
	Pattern string `json:"pattern"`
	All     bool   `json:"all"`
}

type invalidateResponse struct {
	Removed int `json:"removed"`
}

type statsResponse struct {
	Rate  []ratelimit.DomainStats `json:"rate"`
	Proxy proxy.PoolStats         `json:"proxy"`
	Cache cache.Stats             `json:"cache"`
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

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

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

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
