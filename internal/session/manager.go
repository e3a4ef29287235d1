// Package session owns the authentication lifecycle: login, logout, and
// silent renewal of the token pair, with the current state exposed to
// observers. A Manager is constructed explicitly and passed to its consumers;
// there is no package-level singleton, so tests build isolated instances.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"finbridge.org/internal/audit"
	"finbridge.org/internal/credstore"
	"finbridge.org/internal/obs"
	"finbridge.org/internal/token"
)

const (
	defaultRenewTimeout = 10 * time.Second
	defaultLoginTimeout = 15 * time.Second
)

// Config carries the environment-level settings of the engine.
type Config struct {
	// BaseURL is the API origin, e.g. https://api.example.com.
	BaseURL string
	// ExpiryBuffer widens the expiry check so tokens renew before the server
	// would reject them. Zero means token.DefaultExpiryBuffer.
	ExpiryBuffer time.Duration
	// RenewTimeout bounds a refresh call. A timed-out refresh is treated the
	// same as a rejected one.
	RenewTimeout time.Duration
	// LoginTimeout bounds login and logout calls.
	LoginTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ExpiryBuffer <= 0 {
		c.ExpiryBuffer = token.DefaultExpiryBuffer
	}
	if c.RenewTimeout <= 0 {
		c.RenewTimeout = defaultRenewTimeout
	}
	if c.LoginTimeout <= 0 {
		c.LoginTimeout = defaultLoginTimeout
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// renewal is the single-flight slot. The first caller that needs a fresh
// token creates it; every concurrent caller awaits done instead of issuing
// its own refresh call. Refresh tokens rotate on use server-side, so
// duplicate refresh calls would invalidate each other and force logouts.
type renewal struct {
	done  chan struct{}
	token string
	err   error
}

// Manager is the session state machine.
type Manager struct {
	cfg   Config
	store credstore.Store
	httpc *http.Client
	now   func() time.Time

	mu         sync.Mutex
	state      State
	cred       credstore.Credential
	profile    credstore.Profile
	csrf       string
	inflight   *renewal
	generation uint64

	notifier    *notifier
	cancelWatch context.CancelFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient overrides the HTTP client used for auth endpoints.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		if c != nil {
			m.httpc = c
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// New builds a Manager and synchronously restores state from the store: a
// stored credential with a live access token starts authenticated, an expired
// one with a usable refresh token gets one immediate renewal attempt, and
// anything else starts unauthenticated. The restore avoids a flash of
// "unauthenticated" for a user whose session is still valid via refresh.
func New(store credstore.Store, cfg Config, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session: credential store is required")
	}
	cfg = cfg.withDefaults()
	if cfg.BaseURL == "" {
		return nil, errors.New("session: base URL is required")
	}
	m := &Manager{
		cfg:      cfg,
		store:    store,
		httpc:    &http.Client{Timeout: 30 * time.Second},
		now:      time.Now,
		state:    StateUnauthenticated,
		notifier: newNotifier(),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.restore()

	watchCtx, cancel := context.WithCancel(context.Background())
	m.cancelWatch = cancel
	go m.watchStore(watchCtx)

	return m, nil
}

// Close stops the store watcher. The session itself is left untouched.
func (m *Manager) Close() {
	if m.cancelWatch != nil {
		m.cancelWatch()
	}
}

// Current returns the present snapshot.
func (m *Manager) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{State: m.state, Profile: m.profile}
}

// Subscribe delivers a snapshot on every state transition until ctx ends.
func (m *Manager) Subscribe(ctx context.Context) <-chan Snapshot {
	return m.notifier.subscribe(ctx)
}

// CSRFToken returns the anti-CSRF token issued for this session, if any.
func (m *Manager) CSRFToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.csrf
}

// ExpiryBuffer exposes the configured safety buffer to the transport layer.
func (m *Manager) ExpiryBuffer() time.Duration {
	return m.cfg.ExpiryBuffer
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userPayload struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	DisplayName string   `json:"display_name"`
	Roles       []string `json:"roles"`
}

type loginResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	CSRFToken    string      `json:"csrf_token"`
	User         userPayload `json:"user"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	CSRFToken    string `json:"csrf_token"`
}

// Login exchanges credentials for a token pair. Server rejections surface as
// *AuthenticationError with a generic message; transport-level failures as
// *NetworkError.
func (m *Manager) Login(ctx context.Context, email, password string) (credstore.Profile, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return credstore.Profile{}, &AuthenticationError{msg: "email and password are required"}
	}

	m.setState(StateAuthenticating)

	status, body, err := m.post(ctx, "/auth/login", loginRequest{Email: email, Password: password}, "", m.cfg.LoginTimeout)
	if err != nil {
		m.setState(StateUnauthenticated)
		return credstore.Profile{}, &NetworkError{Op: "login", Cause: err}
	}
	if status < 200 || status >= 300 {
		m.setState(StateUnauthenticated)
		// Deliberately generic: the caller never learns which field failed.
		return credstore.Profile{}, &AuthenticationError{msg: "invalid credentials"}
	}

	var resp loginResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		m.setState(StateUnauthenticated)
		return credstore.Profile{}, &AuthenticationError{msg: "authentication response was not understood"}
	}
	// Fail closed on a response that lacks required fields instead of letting
	// half-initialized state flow onward.
	if resp.AccessToken == "" || resp.User.ID == "" {
		m.setState(StateUnauthenticated)
		return credstore.Profile{}, &AuthenticationError{msg: "authentication response was not understood"}
	}

	cred := credstore.Credential{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
	}
	profile := credstore.Profile{
		ID:          resp.User.ID,
		Email:       resp.User.Email,
		DisplayName: resp.User.DisplayName,
		Roles:       resp.User.Roles,
	}
	_ = m.store.Save(ctx, cred, profile)

	m.mu.Lock()
	m.cred, m.profile, m.csrf = cred, profile, resp.CSRFToken
	m.state = StateAuthenticated
	m.notifier.publish(Snapshot{State: m.state, Profile: m.profile})
	m.mu.Unlock()

	_ = audit.LogEvent(audit.WithActor(ctx, profile.ID), "session.login", map[string]any{
		"email": profile.Email,
	})
	return profile, nil
}

// Logout tears the session down locally and tells the server best-effort.
// It is idempotent: logging out twice ends in the same state without error.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	accessToken := m.cred.AccessToken
	actorID := m.profile.ID
	wasAuthenticated := m.state != StateUnauthenticated
	m.generation++
	m.cred = credstore.Credential{}
	m.profile = credstore.Profile{}
	m.csrf = ""
	m.state = StateUnauthenticated
	m.notifier.publish(Snapshot{State: m.state})
	m.mu.Unlock()

	// Local teardown proceeds regardless of what the server answers.
	if accessToken != "" {
		_, _, _ = m.post(ctx, "/auth/logout", struct{}{}, accessToken, m.cfg.LoginTimeout)
	}
	_ = m.store.Clear(ctx)

	if wasAuthenticated {
		_ = audit.LogEvent(audit.WithActor(ctx, actorID), "session.logout", nil)
	}
	return nil
}

// Token returns a non-expired access token, renewing first when needed.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.state == StateUnauthenticated || m.state == StateAuthenticating {
		m.mu.Unlock()
		return "", &SessionExpiredError{}
	}
	cred := m.cred
	m.mu.Unlock()

	if !cred.Empty() && !token.IsExpired(cred.AccessToken, m.cfg.ExpiryBuffer) {
		return cred.AccessToken, nil
	}
	return m.Renew(ctx)
}

// Renew obtains a fresh access token, joining any renewal already in flight.
// On failure the session is torn down and *SessionExpiredError returned.
func (m *Manager) Renew(ctx context.Context) (string, error) {
	m.mu.Lock()
	if r := m.inflight; r != nil {
		m.mu.Unlock()
		return awaitRenewal(ctx, r)
	}
	if m.state == StateUnauthenticated || m.cred.RefreshToken == "" {
		gen := m.generation
		m.mu.Unlock()
		m.teardown(ctx, gen, errors.New("no usable refresh token"))
		return "", &SessionExpiredError{}
	}
	r := &renewal{done: make(chan struct{})}
	m.inflight = r
	refreshToken := m.cred.RefreshToken
	gen := m.generation
	m.state = StateRenewing
	m.notifier.publish(Snapshot{State: m.state, Profile: m.profile})
	m.mu.Unlock()

	go m.renew(r, refreshToken, gen)
	return awaitRenewal(ctx, r)
}

func awaitRenewal(ctx context.Context, r *renewal) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-r.done:
		return r.token, r.err
	}
}

// renew performs the refresh call. The in-flight slot is cleared on every
// path so a failed renewal can never wedge future attempts.
func (m *Manager) renew(r *renewal, refreshToken string, gen uint64) {
	defer func() {
		m.mu.Lock()
		m.inflight = nil
		m.mu.Unlock()
		close(r.done)
	}()

	ctx := context.Background()
	status, body, err := m.post(ctx, "/auth/refresh", refreshRequest{RefreshToken: refreshToken}, "", m.cfg.RenewTimeout)
	if err != nil {
		// Timed out or unreachable: same outcome as a rejected refresh.
		obs.RenewalObserved("failure")
		m.teardown(ctx, gen, err)
		r.err = &SessionExpiredError{Cause: err}
		return
	}
	if status < 200 || status >= 300 {
		obs.RenewalObserved("failure")
		cause := fmt.Errorf("refresh rejected with status %d", status)
		m.teardown(ctx, gen, cause)
		r.err = &SessionExpiredError{Cause: cause}
		return
	}

	var resp refreshResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.AccessToken == "" {
		obs.RenewalObserved("failure")
		cause := errors.New("refresh response was not understood")
		m.teardown(ctx, gen, cause)
		r.err = &SessionExpiredError{Cause: cause}
		return
	}

	m.mu.Lock()
	if m.generation != gen {
		// Logged out while the refresh was in flight: a cleared session is
		// never re-established by a late response.
		m.mu.Unlock()
		obs.RenewalObserved("failure")
		r.err = &SessionExpiredError{}
		return
	}
	m.cred.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		// Rotated: the old refresh token is unusable from here on.
		m.cred.RefreshToken = resp.RefreshToken
	}
	if exp, ok := token.ExpiryAt(resp.AccessToken); ok {
		m.cred.AccessExpiresAt = exp
	} else {
		m.cred.AccessExpiresAt = time.Time{}
	}
	if resp.CSRFToken != "" {
		m.csrf = resp.CSRFToken
	}
	cred := m.cred
	profile := m.profile
	m.state = StateAuthenticated
	m.notifier.publish(Snapshot{State: m.state, Profile: m.profile})
	m.mu.Unlock()

	_ = m.store.Save(ctx, cred, profile)
	obs.RenewalObserved("success")
	r.token = resp.AccessToken
}

// teardown clears local and stored credentials unless the session has moved
// on (generation mismatch) since the failing operation began.
func (m *Manager) teardown(ctx context.Context, gen uint64, cause error) {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return
	}
	actorID := m.profile.ID
	m.generation++
	m.cred = credstore.Credential{}
	m.profile = credstore.Profile{}
	m.csrf = ""
	changed := m.state != StateUnauthenticated
	m.state = StateUnauthenticated
	if changed {
		m.notifier.publish(Snapshot{State: m.state})
	}
	m.mu.Unlock()

	_ = m.store.Clear(ctx)
	fields := map[string]any{}
	if cause != nil {
		fields["reason"] = cause.Error()
	}
	_ = audit.LogEvent(audit.WithActor(ctx, actorID), "session.teardown", fields)
}

// restore loads persisted state and, when the access token is already stale
// but a refresh token exists, performs one renewal attempt before the initial
// state is declared.
func (m *Manager) restore() {
	ctx := context.Background()
	cred, profile, ok := m.store.Load(ctx)
	if !ok {
		return
	}
	m.mu.Lock()
	m.cred, m.profile = cred, profile
	m.state = StateAuthenticated
	m.mu.Unlock()

	if !token.IsExpired(cred.AccessToken, m.cfg.ExpiryBuffer) {
		return
	}
	if cred.RefreshToken == "" {
		m.mu.Lock()
		gen := m.generation
		m.mu.Unlock()
		m.teardown(ctx, gen, errors.New("stored access token expired without refresh token"))
		return
	}
	// Renewal failure tears down inside Renew; either way the state is now
	// settled.
	renewCtx, cancel := context.WithTimeout(ctx, m.cfg.RenewTimeout)
	defer cancel()
	_, _ = m.Renew(renewCtx)
}

// watchStore mirrors external mutations of the shared medium: a logout in a
// sibling process clears this session without a network round-trip, and an
// external login is adopted.
func (m *Manager) watchStore(ctx context.Context) {
	events := m.store.Watch(ctx)
	for evt := range events {
		switch evt.Kind {
		case credstore.EventCleared:
			m.mu.Lock()
			if m.state == StateUnauthenticated {
				m.mu.Unlock()
				continue
			}
			m.generation++
			m.cred = credstore.Credential{}
			m.profile = credstore.Profile{}
			m.csrf = ""
			m.state = StateUnauthenticated
			m.notifier.publish(Snapshot{State: m.state})
			m.mu.Unlock()
		case credstore.EventSaved:
			cred, profile, ok := m.store.Load(ctx)
			if !ok {
				continue
			}
			m.mu.Lock()
			if m.cred.AccessToken == cred.AccessToken {
				m.mu.Unlock()
				continue
			}
			m.cred, m.profile = cred, profile
			m.state = StateAuthenticated
			m.notifier.publish(Snapshot{State: m.state, Profile: m.profile})
			m.mu.Unlock()
		}
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.notifier.publish(Snapshot{State: m.state, Profile: m.profile})
	m.mu.Unlock()
}

// post sends a JSON body and returns status and response body. A non-nil
// error means the request never produced an HTTP response.
func (m *Manager) post(ctx context.Context, path string, payload any, bearer string, timeout time.Duration) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, m.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := m.httpc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}
