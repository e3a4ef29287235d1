// Package transport wraps every outbound API call: it attaches the bearer
// and anti-CSRF headers, retries a 401 exactly once after a renewal, honors
// one server-specified 429 delay, and audit-logs terminal failures. It
// implements http.RoundTripper so any HTTP consumer composes with it.
package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"finbridge.org/internal/audit"
	"finbridge.org/internal/obs"
	"finbridge.org/internal/session"
)

const (
	headerRequestID = "X-Request-ID"
	headerCSRF      = "X-CSRF-Token"

	defaultMaxRetryDelay = 30 * time.Second
)

// Session is the slice of the session manager the pipeline needs.
type Session interface {
	// Token returns a non-expired access token or an error when none can be
	// produced.
	Token(ctx context.Context) (string, error)
	// Renew forces a refresh, joining any renewal already in flight.
	Renew(ctx context.Context) (string, error)
	// CSRFToken returns the anti-CSRF token for the session, empty if none.
	CSRFToken() string
}

// Pipeline is the interceptor chain.
type Pipeline struct {
	base          http.RoundTripper
	session       Session
	limiter       *rate.Limiter
	maxRetryDelay time.Duration
	now           func() time.Time
	sleep         func(ctx context.Context, d time.Duration) error
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithBase overrides the underlying round tripper.
func WithBase(rt http.RoundTripper) Option {
	return func(p *Pipeline) {
		if rt != nil {
			p.base = rt
		}
	}
}

// WithLimiter paces outbound requests client-side so bursts from the UI do
// not trip the server's rate limits in the first place.
func WithLimiter(l *rate.Limiter) Option {
	return func(p *Pipeline) { p.limiter = l }
}

// WithMaxRetryDelay caps how long a server-specified Retry-After is honored.
func WithMaxRetryDelay(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.maxRetryDelay = d
		}
	}
}

// New builds a pipeline bound to a session.
func New(sess Session, opts ...Option) (*Pipeline, error) {
	if sess == nil {
		return nil, errors.New("transport: session is required")
	}
	p := &Pipeline{
		base:          http.DefaultTransport,
		session:       sess,
		maxRetryDelay: defaultMaxRetryDelay,
		now:           time.Now,
		sleep:         sleepCtx,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Client returns an http.Client driving this pipeline.
func (p *Pipeline) Client(timeout time.Duration) *http.Client {
	return &http.Client{Transport: p, Timeout: timeout}
}

// RoundTrip implements http.RoundTripper. Responses pass through with their
// original status; error returns are reserved for network-level failures.
func (p *Pipeline) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	requestID := req.Header.Get(headerRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx = audit.WithRequestID(ctx, requestID)

	// A request whose body cannot be rewound is never replayed.
	retryable := req.Body == nil || req.GetBody != nil

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	started := p.now()
	obs.RequestStarted()

	var (
		resp         *http.Response
		err          error
		renewRetried bool
		delayRetried bool
	)
	// The caller's request is never mutated; each attempt is a clone.
	attempt := req.Clone(ctx)
	for {
		p.decorate(attempt, requestID)
		resp, err = p.base.RoundTrip(attempt)
		if err != nil {
			obs.RequestFinished(req.Method, 0, started)
			p.auditFailure(ctx, req, 0, err)
			return nil, &session.NetworkError{Op: req.Method + " " + req.URL.Path, Cause: err}
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized && retryable && !renewRetried:
			renewRetried = true
			next, ok := p.retryAfterRenewal(ctx, req, resp)
			if !ok {
				// Renewal failed: the 401 propagates and the session manager
				// has already torn the session down.
				break
			}
			attempt = next
			obs.RetryObserved("unauthorized")
			continue
		case resp.StatusCode == http.StatusTooManyRequests && retryable && !delayRetried:
			delay, ok := retryDelay(resp, p.now(), p.maxRetryDelay)
			if !ok {
				break
			}
			next, cloneErr := cloneRequest(ctx, req)
			if cloneErr != nil {
				break
			}
			delayRetried = true
			drain(resp)
			if err := p.sleep(ctx, delay); err != nil {
				obs.RequestFinished(req.Method, resp.StatusCode, started)
				return nil, err
			}
			attempt = next
			obs.RetryObserved("rate_limited")
			continue
		}
		break
	}

	obs.RequestFinished(req.Method, resp.StatusCode, started)
	if resp.StatusCode >= 400 {
		p.auditFailure(ctx, req, resp.StatusCode, nil)
	}
	return resp, nil
}

// decorate attaches authentication headers to one attempt. A request is sent
// without a bearer when no non-expired token is available; the server's 401
// then drives the renewal path.
func (p *Pipeline) decorate(req *http.Request, requestID string) {
	req.Header.Set(headerRequestID, requestID)
	if tok, err := p.session.Token(req.Context()); err == nil && tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if csrf := p.session.CSRFToken(); csrf != "" {
		req.Header.Set(headerCSRF, csrf)
	}
}

// retryAfterRenewal renews the session (joining an in-flight renewal) and
// prepares the single replay with the fresh token.
func (p *Pipeline) retryAfterRenewal(ctx context.Context, original *http.Request, resp *http.Response) (*http.Request, bool) {
	tok, err := p.session.Renew(ctx)
	if err != nil || tok == "" {
		return nil, false
	}
	next, err := cloneRequest(ctx, original)
	if err != nil {
		return nil, false
	}
	drain(resp)
	next.Header.Set("Authorization", "Bearer "+tok)
	return next, true
}

func (p *Pipeline) auditFailure(ctx context.Context, req *http.Request, status int, cause error) {
	fields := map[string]any{
		"method":     req.Method,
		"path":       req.URL.Path,
		"status":     status,
		"ts":         p.now().UTC().Format(time.RFC3339Nano),
		"user_agent": req.UserAgent(),
	}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	// Token values and response bodies stay out of the audit trail.
	_ = audit.LogEvent(ctx, "api.request.failed", fields)
}

// cloneRequest rebuilds a request with a fresh body for a replay.
func cloneRequest(ctx context.Context, req *http.Request) (*http.Request, error) {
	next := req.Clone(ctx)
	if req.Body != nil && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		next.Body = body
	}
	return next, nil
}

// retryDelay reads the server-specified Retry-After. ok is false when the
// header is absent or unusable; the 429 then propagates untouched.
func retryDelay(resp *http.Response, now time.Time, max time.Duration) (time.Duration, bool) {
	delay := parseRetryAfter(resp.Header.Get("Retry-After"), now)
	if delay <= 0 {
		return 0, false
	}
	if delay > max {
		delay = max
	}
	return delay, true
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := time.ParseDuration(value + "s"); err == nil {
		return secs
	}
	if at, err := http.ParseTime(value); err == nil {
		return at.Sub(now)
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_ = resp.Body.Close()
}

var _ http.RoundTripper = (*Pipeline)(nil)
