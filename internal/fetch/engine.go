package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/nyimbi/fetchkit/internal/cache"
	"github.com/nyimbi/fetchkit/internal/events"
	"github.com/nyimbi/fetchkit/internal/proxy"
	"github.com/nyimbi/fetchkit/internal/ratelimit"
	"github.com/nyimbi/fetchkit/internal/telemetry"
)

// Config tunes the engine. Zero values fall back to the listed defaults.
type Config struct {
	// Timeout bounds each attempt (default 15s).
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt, so every
	// fetch makes at most MaxRetries+1 attempts (default 2).
	MaxRetries int
	// BackoffInitial seeds the exponential retry delay (default 250ms).
	BackoffInitial time.Duration
	// BackoffMax caps the retry delay (default 5s).
	BackoffMax time.Duration
	// MaxBodyBytes bounds response bodies (default 5 MiB).
	MaxBodyBytes int64
	// UserAgent is sent on every request (default "fetchkit/1.0").
	UserAgent string
}

// Dependencies carries the engine's collaborators. Limiter, Clock, Hasher,
// and IDs are required; the rest degrade gracefully when nil (no proxies
// means direct requests, no cache means every fetch hits the network).
type Dependencies struct {
	Limiter   Limiter
	Proxies   ProxyPool
	Cache     Cache
	Validator Validator
	Archiver  Archiver
	Emitter   events.Emitter
	Clock     Clock
	Hasher    Hasher
	IDs       IDGenerator
	Logger    *zap.Logger
}

// Engine orchestrates rate-limited, proxy-rotated, cache-aside fetches with
// bounded retry. All state lives in its collaborators; the Engine itself is
// stateless and safe for concurrent use.
type Engine struct {
	cfg       Config
	limiter   Limiter
	proxies   ProxyPool
	cache     Cache
	validator Validator
	archiver  Archiver
	emitter   events.Emitter
	clock     Clock
	hasher    Hasher
	ids       IDGenerator
	logger    *zap.Logger
	backoff   *BackoffPolicy
	transport http.RoundTripper
}

// NewEngine validates the dependencies and returns a ready engine.
func NewEngine(cfg Config, deps Dependencies) (*Engine, error) {
	if deps.Limiter == nil {
		return nil, fmt.Errorf("fetch: limiter is required")
	}
	if deps.Clock == nil {
		return nil, fmt.Errorf("fetch: clock is required")
	}
	if deps.Hasher == nil {
		return nil, fmt.Errorf("fetch: hasher is required")
	}
	if deps.IDs == nil {
		return nil, fmt.Errorf("fetch: id generator is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 5 << 20
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "fetchkit/1.0"
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		cfg:       cfg,
		limiter:   deps.Limiter,
		proxies:   deps.Proxies,
		cache:     deps.Cache,
		validator: deps.Validator,
		archiver:  deps.Archiver,
		emitter:   deps.Emitter,
		clock:     deps.Clock,
		hasher:    deps.Hasher,
		ids:       deps.IDs,
		logger:    logger,
		backoff:   NewBackoffPolicy(cfg.BackoffInitial, cfg.BackoffMax),
		transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          128,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       30 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: cfg.Timeout,
			ForceAttemptHTTP2:     true,
		},
	}, nil
}

// Fetch retrieves one URL, consulting the cache first and retrying transient
// network failures with backoff. Terminal failures are typed: *NetworkError
// after spent retries or proxy exhaustion, *ContentRejectedError when the
// validator refuses the payload, and wrapped context errors on cancellation.
func (e *Engine) Fetch(ctx context.Context, req Request) (Result, error) {
	target, err := Normalize(req.URL)
	if err != nil {
		return Result{}, fmt.Errorf("fetch: %w", err)
	}
	domain := target.Hostname()

	id := req.ID
	if id == "" {
		if id, err = e.ids.NewID(); err != nil {
			return Result{}, fmt.Errorf("fetch %s: %w", target, err)
		}
	}
	start := e.clock.Now()
	e.emit(events.Event{
		RequestID: id,
		TS:        start,
		Kind:      events.KindFetchStart,
		Domain:    domain,
		URL:       target.String(),
	})

	key := CacheKey(target)
	if e.cache != nil && !req.BypassCache {
		if payload, ok := e.cache.Get(ctx, key); ok {
			return e.finishCacheHit(id, domain, target, start, payload), nil
		}
	}

	attempts := e.cfg.MaxRetries + 1
	var lastStatus int
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		waitStart := e.clock.Now()
		if err := e.limiter.Acquire(ctx, domain); err != nil {
			e.finishError(id, domain, start, attempt, "error", err)
			return Result{}, err
		}
		if wait := e.clock.Since(waitStart); wait > time.Millisecond {
			e.emit(events.Event{
				RequestID: id,
				TS:        e.clock.Now(),
				Kind:      events.KindRateWait,
				Domain:    domain,
				Attempt:   attempt,
				Dur:       wait,
			})
		}

		var prox *proxy.Proxy
		transport := e.transport
		if e.proxies != nil {
			prox, err = e.proxies.Next(req.Requirements)
			if err != nil {
				terminal := &NetworkError{URL: target.String(), Attempts: attempt, cause: err}
				e.finishError(id, domain, start, attempt, "error", terminal)
				return Result{}, terminal
			}
			transport = prox.Transport()
		}

		out, attemptErr := e.attempt(ctx, target, req.Header, transport)
		switch {
		case attemptErr != nil:
			// The caller going away is terminal regardless of the attempt
			// budget; an attempt-scoped timeout is just another transient.
			if ctxErr := ctx.Err(); ctxErr != nil {
				wrapped := fmt.Errorf("fetch %s: %w", target, ctxErr)
				e.finishError(id, domain, start, attempt+1, "error", wrapped)
				return Result{}, wrapped
			}
			e.markFailed(prox, attemptErr)
			telemetry.ObserveAttempt(domain, "error")
			e.emitAttemptFailure(id, domain, prox, attempt, attemptErr.Error())
			lastStatus = 0
			lastErr = attemptErr

		case out.tooLarge:
			e.markSuccess(prox, out.latency)
			telemetry.ObserveAttempt(domain, strconv.Itoa(out.status))
			rejection := &ContentRejectedError{
				URL:    target.String(),
				Reason: fmt.Sprintf("body exceeds %d bytes", e.cfg.MaxBodyBytes),
			}
			e.finishError(id, domain, start, attempt+1, "rejected", rejection)
			return Result{}, rejection

		case out.status >= 200 && out.status < 300:
			e.markSuccess(prox, out.latency)
			telemetry.ObserveAttempt(domain, strconv.Itoa(out.status))
			return e.finishSuccess(ctx, req, id, domain, target, key, start, attempt+1, prox, out)

		default:
			statusErr := fmt.Errorf("unexpected status %d", out.status)
			e.markFailed(prox, statusErr)
			telemetry.ObserveAttempt(domain, strconv.Itoa(out.status))
			e.emitAttemptFailure(id, domain, prox, attempt, statusErr.Error())
			lastStatus = out.status
			lastErr = statusErr
		}

		if attempt < attempts-1 {
			delay := e.backoff.Delay(attempt)
			e.emit(events.Event{
				RequestID: id,
				TS:        e.clock.Now(),
				Kind:      events.KindRetry,
				Domain:    domain,
				Attempt:   attempt + 1,
				Dur:       delay,
			})
			if err := sleep(ctx, delay); err != nil {
				wrapped := fmt.Errorf("fetch %s: backoff wait: %w", target, err)
				e.finishError(id, domain, start, attempt+1, "error", wrapped)
				return Result{}, wrapped
			}
		}
	}

	terminal := &NetworkError{
		URL:      target.String(),
		Attempts: attempts,
		Status:   lastStatus,
		cause:    lastErr,
	}
	e.finishError(id, domain, start, attempts, "error", terminal)
	return Result{}, terminal
}

// CacheStats returns the cache counters, or zero values when no cache is
// configured.
func (e *Engine) CacheStats() cache.Stats {
	if e.cache == nil {
		return cache.Stats{}
	}
	return e.cache.Stats()
}

// ProxyStats returns the proxy pool snapshot, or zero values when no pool is
// configured.
func (e *Engine) ProxyStats() proxy.PoolStats {
	if e.proxies == nil {
		return proxy.PoolStats{}
	}
	return e.proxies.Snapshot()
}

// RateStats returns per-domain limiter stats.
func (e *Engine) RateStats() []ratelimit.DomainStats {
	return e.limiter.Snapshot()
}

type attemptOutcome struct {
	status   int
	headers  http.Header
	body     []byte
	finalURL string
	latency  time.Duration
	tooLarge bool
}

func (e *Engine) attempt(ctx context.Context, target *url.URL, extra http.Header, transport http.RoundTripper) (attemptOutcome, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, target.String(), nil)
	if err != nil {
		return attemptOutcome{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("User-Agent", e.cfg.UserAgent)
	for k, values := range extra {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}

	client := &http.Client{Transport: transport}
	begin := e.clock.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return attemptOutcome{}, err
	}
	defer resp.Body.Close()

	out := attemptOutcome{
		status:   resp.StatusCode,
		headers:  resp.Header.Clone(),
		finalURL: resp.Request.URL.String(),
	}
	if out.status >= 200 && out.status < 300 {
		body, err := io.ReadAll(io.LimitReader(resp.Body, e.cfg.MaxBodyBytes+1))
		if err != nil {
			return attemptOutcome{}, fmt.Errorf("read body: %w", err)
		}
		if int64(len(body)) > e.cfg.MaxBodyBytes {
			out.tooLarge = true
		} else {
			out.body = body
		}
	} else {
		// Drain a little so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	}
	out.latency = e.clock.Since(begin)
	return out, nil
}

func (e *Engine) finishCacheHit(id, domain string, target *url.URL, start time.Time, payload []byte) Result {
	elapsed := e.clock.Since(start)
	now := e.clock.Now()
	e.emit(events.Event{
		RequestID: id,
		TS:        now,
		Kind:      events.KindCacheHit,
		Domain:    domain,
		URL:       target.String(),
		Bytes:     int64(len(payload)),
	})
	e.emit(events.Event{
		RequestID:   id,
		TS:          now,
		Kind:        events.KindFetchDone,
		Domain:      domain,
		URL:         target.String(),
		StatusClass: events.Status2xx,
		Bytes:       int64(len(payload)),
		Dur:         elapsed,
		Note:        "cache",
	})
	telemetry.ObserveFetch(domain, "cache_hit", len(payload), elapsed)
	return Result{
		RequestID:  id,
		URL:        target.String(),
		FinalURL:   target.String(),
		StatusCode: http.StatusOK,
		Body:       payload,
		Hash:       e.hasher.Hash(payload),
		Elapsed:    elapsed,
		FetchedAt:  start,
		FromCache:  true,
	}
}

func (e *Engine) finishSuccess(ctx context.Context, req Request, id, domain string, target *url.URL, key string, start time.Time, attempts int, prox *proxy.Proxy, out attemptOutcome) (Result, error) {
	if e.validator != nil {
		if err := e.validator.Validate(ctx, out.body, target.String()); err != nil {
			rejection := &ContentRejectedError{URL: target.String(), Reason: err.Error()}
			e.finishError(id, domain, start, attempts, "rejected", rejection)
			return Result{}, rejection
		}
	}

	hash := e.hasher.Hash(out.body)
	if e.cache != nil {
		e.cache.Set(ctx, key, out.body, req.TTL)
	}
	if e.archiver != nil {
		e.archiveAsync(ctx, target.String(), hash, out.body)
	}

	elapsed := e.clock.Since(start)
	result := Result{
		RequestID:   id,
		URL:         target.String(),
		FinalURL:    out.finalURL,
		StatusCode:  out.status,
		Headers:     out.headers,
		Body:        out.body,
		Hash:        hash,
		ContentType: out.headers.Get("Content-Type"),
		Attempts:    attempts,
		Elapsed:     elapsed,
		FetchedAt:   start,
	}
	if prox != nil {
		result.Proxy = prox.Address()
	}
	e.emit(events.Event{
		RequestID:   id,
		TS:          e.clock.Now(),
		Kind:        events.KindFetchDone,
		Domain:      domain,
		URL:         target.String(),
		StatusClass: events.ClassifyStatus(out.status),
		Attempt:     attempts - 1,
		Bytes:       int64(len(out.body)),
		Dur:         elapsed,
		Proxy:       result.Proxy,
	})
	telemetry.ObserveFetch(domain, "success", len(out.body), elapsed)
	return result, nil
}

func (e *Engine) finishError(id, domain string, start time.Time, attempts int, outcome string, err error) {
	elapsed := e.clock.Since(start)
	e.emit(events.Event{
		RequestID: id,
		TS:        e.clock.Now(),
		Kind:      events.KindFetchError,
		Domain:    domain,
		Attempt:   attempts,
		Dur:       elapsed,
		Note:      err.Error(),
	})
	telemetry.ObserveFetch(domain, outcome, 0, elapsed)
}

func (e *Engine) emitAttemptFailure(id, domain string, prox *proxy.Proxy, attempt int, note string) {
	evt := events.Event{
		RequestID: id,
		TS:        e.clock.Now(),
		Kind:      events.KindProxyFailure,
		Domain:    domain,
		Attempt:   attempt,
		Note:      note,
	}
	if prox != nil {
		evt.Proxy = prox.Address()
	}
	e.emit(evt)
}

// archiveAsync writes the payload to blob storage without holding up the
// caller. The write keeps going after the request context ends but is
// bounded by its own timeout.
func (e *Engine) archiveAsync(ctx context.Context, url, hash string, body []byte) {
	if len(hash) < 2 {
		return
	}
	key := fmt.Sprintf("%s/%s", hash[:2], hash)
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	go func() {
		defer cancel()
		location, err := e.archiver.Save(actx, key, body)
		if err != nil {
			e.logger.Warn("archive write failed", zap.String("url", url), zap.Error(err))
			return
		}
		e.logger.Debug("archived payload",
			zap.String("url", url),
			zap.String("location", location))
	}()
}

func (e *Engine) markSuccess(prox *proxy.Proxy, latency time.Duration) {
	if prox != nil && e.proxies != nil {
		e.proxies.MarkSuccess(prox, latency)
	}
}

func (e *Engine) markFailed(prox *proxy.Proxy, cause error) {
	if prox != nil && e.proxies != nil {
		e.proxies.MarkFailed(prox, cause)
	}
}

func (e *Engine) emit(evt events.Event) {
	if e.emitter != nil {
		e.emitter.Emit(evt)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
