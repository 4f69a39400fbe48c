// Package auth manages the provider OAuth session: the authorization URL,
// the code-for-token exchange, token persistence and expiry.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/fno_scope/internal/storage"
)

const (
	// TokenLifetime is how long an exchanged access token is trusted.
	TokenLifetime = 24 * time.Hour

	defaultBaseURL = "https://api.upstox.com/v2"
	dialogPath     = "/login/authorization/dialog"
	tokenPath      = "/login/authorization/token"

	maxErrorBody = 64 << 10
)

// ErrAuthRequired is matched by every error that needs the user to log in.
var ErrAuthRequired = errors.New("authentication required")

// RequiredError carries the authorization URL the user must visit.
type RequiredError struct {
	AuthURL string
	Reason  string
}

func (e *RequiredError) Error() string {
	return fmt.Sprintf("authentication required (%s): authorize at %s", e.Reason, e.AuthURL)
}

// Is makes errors.Is(err, ErrAuthRequired) succeed.
func (e *RequiredError) Is(target error) bool {
	return target == ErrAuthRequired
}

// ExchangeError is returned when the provider refuses an authorization code.
type ExchangeError struct {
	Status int
	Body   string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("token exchange failed: status %d: %s", e.Status, e.Body)
}

// Config holds the OAuth application credentials.
type Config struct {
	APIKey      string
	APISecret   string
	RedirectURI string
	BaseURL     string
}

// Manager owns the session state. It is safe for concurrent use.
type Manager struct {
	mu           sync.Mutex
	cfg          Config
	store        storage.Interface
	sm           *StateMachine
	token        *storage.Token
	pendingState string

	client *http.Client
	now    func() time.Time
	logger logrus.FieldLogger
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient sets the client used for the token exchange.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		if c != nil {
			m.client = c
		}
	}
}

// WithClock overrides the wall clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a session manager. A nil logger discards output.
func NewManager(cfg Config, store storage.Interface, logger logrus.FieldLogger, opts ...Option) *Manager {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	m := &Manager{
		cfg:    cfg,
		store:  store,
		sm:     NewStateMachine(),
		client: &http.Client{Timeout: 30 * time.Second},
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sm.GetCurrentState()
}

// StateMachine exposes transition history for diagnostics and tests.
func (m *Manager) StateMachine() *StateMachine {
	return m.sm
}

// AuthURL returns the provider login URL. A fresh state nonce is minted the
// first time and reused until a code is exchanged.
func (m *Manager) AuthURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authURLLocked()
}

func (m *Manager) authURLLocked() string {
	if m.pendingState == "" {
		m.pendingState = uuid.NewString()
	}
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", m.cfg.APIKey)
	q.Set("redirect_uri", m.cfg.RedirectURI)
	q.Set("state", m.pendingState)
	return m.cfg.BaseURL + dialogPath + "?" + q.Encode()
}

// VerifyState checks the state echoed on the OAuth callback.
func (m *Manager) VerifyState(state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pendingState == "" || state != m.pendingState {
		return fmt.Errorf("oauth state mismatch")
	}
	return nil
}

// AccessToken returns a usable token or a *RequiredError. It loads the
// persisted token on first use and discards it once past expiry.
func (m *Manager) AccessToken(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sm.GetCurrentState() == StateNoToken {
		tok, err := m.store.Load()
		switch {
		case err == nil:
			m.token = tok
			m.transition(StateValid, "token_loaded")
		case errors.Is(err, storage.ErrNotFound):
			m.transition(StateAwaitingUserCode, "login_required")
			return "", m.required("no access token")
		default:
			m.logger.WithError(err).Warn("Discarding unreadable persisted token")
			if derr := m.store.Delete(); derr != nil {
				m.logger.WithError(derr).Warn("Failed to delete persisted token")
			}
			m.transition(StateAwaitingUserCode, "login_required")
			return "", m.required("persisted token unreadable")
		}
	}

	switch m.sm.GetCurrentState() {
	case StateValid:
		if m.token.Expired(m.now()) {
			m.logger.WithField("expires_at", m.token.ExpiresAt).Info("Access token expired")
			m.transition(StateExpired, "wall_clock_expired")
			m.discardLocked()
			return "", m.required("access token expired")
		}
		return m.token.AccessToken, nil
	default:
		return "", m.required("awaiting authorization code")
	}
}

// Invalidate discards the current token after the provider rejected it.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sm.GetCurrentState() != StateValid {
		return
	}
	m.logger.Warn("Provider rejected access token, re-authorization required")
	m.transition(StateExpired, "provider_rejected")
	m.discardLocked()
}

// SubmitCode exchanges an authorization code for a token and persists it.
func (m *Manager) SubmitCode(ctx context.Context, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return fmt.Errorf("authorization code is required")
	}

	accessToken, err := m.exchange(ctx, code)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	issued := m.now()
	tok := &storage.Token{
		AccessToken: accessToken,
		IssuedAt:    issued,
		ExpiresAt:   issued.Add(TokenLifetime),
	}
	if err := m.store.Save(tok); err != nil {
		return fmt.Errorf("persisting access token: %w", err)
	}
	m.token = tok
	m.pendingState = ""
	m.transition(StateValid, "code_exchanged")
	m.logger.WithField("expires_at", tok.ExpiresAt).Info("Access token obtained")
	return nil
}

func (m *Manager) exchange(ctx context.Context, code string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", m.cfg.APIKey)
	form.Set("client_secret", m.cfg.APISecret)
	form.Set("redirect_uri", m.cfg.RedirectURI)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return "", fmt.Errorf("reading token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &ExchangeError{Status: resp.StatusCode, Body: string(body)}
	}

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if out.AccessToken == "" {
		return "", &ExchangeError{Status: resp.StatusCode, Body: string(body)}
	}
	return out.AccessToken, nil
}

func (m *Manager) discardLocked() {
	m.token = nil
	if err := m.store.Delete(); err != nil {
		m.logger.WithError(err).Warn("Failed to delete persisted token")
	}
	m.transition(StateAwaitingUserCode, "token_discarded")
}

func (m *Manager) required(reason string) error {
	return &RequiredError{AuthURL: m.authURLLocked(), Reason: reason}
}

func (m *Manager) transition(to State, condition string) {
	if err := m.sm.Transition(to, condition); err != nil {
		m.logger.WithError(err).Error("Session state transition rejected")
	}
}
