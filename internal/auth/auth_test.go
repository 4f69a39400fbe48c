package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/fno_scope/internal/storage"
)

var testNow = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, store storage.Interface, baseURL string) *Manager {
	t.Helper()
	return NewManager(Config{
		APIKey:      "key",
		APISecret:   "secret",
		RedirectURI: "http://localhost:8080/auth/callback",
		BaseURL:     baseURL,
	}, store, nil, WithClock(func() time.Time { return testNow }))
}

func TestAccessToken_NoPersistedToken(t *testing.T) {
	m := newTestManager(t, storage.NewMockStorage(nil), "")

	_, err := m.AccessToken(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthRequired))

	var req *RequiredError
	require.ErrorAs(t, err, &req)
	u, perr := url.Parse(req.AuthURL)
	require.NoError(t, perr)
	assert.Equal(t, "/v2/login/authorization/dialog", u.Path)
	assert.Equal(t, "code", u.Query().Get("response_type"))
	assert.Equal(t, "key", u.Query().Get("client_id"))
	assert.Equal(t, "http://localhost:8080/auth/callback", u.Query().Get("redirect_uri"))
	assert.NotEmpty(t, u.Query().Get("state"))

	assert.Equal(t, StateAwaitingUserCode, m.State())
}

func TestAccessToken_ValidPersistedToken(t *testing.T) {
	store := storage.NewMockStorage(&storage.Token{
		AccessToken: "persisted",
		IssuedAt:    testNow.Add(-time.Hour),
		ExpiresAt:   testNow.Add(23 * time.Hour),
	})
	m := newTestManager(t, store, "")

	tok, err := m.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "persisted", tok)
	assert.Equal(t, StateValid, m.State())

	// Second call does not reload.
	tok, err = m.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "persisted", tok)
	assert.Equal(t, 1, m.StateMachine().GetTransitionCount(StateValid))
}

func TestAccessToken_ExpiredPersistedToken(t *testing.T) {
	store := storage.NewMockStorage(&storage.Token{
		AccessToken: "stale",
		IssuedAt:    testNow.Add(-25 * time.Hour),
		ExpiresAt:   testNow.Add(-time.Hour),
	})
	m := newTestManager(t, store, "")

	_, err := m.AccessToken(context.Background())
	require.ErrorIs(t, err, ErrAuthRequired)

	sm := m.StateMachine()
	assert.Equal(t, StateAwaitingUserCode, sm.GetCurrentState())
	assert.Equal(t, StateExpired, sm.GetPreviousState())
	assert.Equal(t, 1, sm.GetTransitionCount(StateValid))
	assert.Equal(t, 1, sm.GetTransitionCount(StateExpired))

	_, lerr := store.Load()
	assert.ErrorIs(t, lerr, storage.ErrNotFound, "expired token must be deleted")
}

func TestAccessToken_UnreadableToken(t *testing.T) {
	store := storage.NewMockStorage(nil)
	store.SetLoadError(errors.New("decoding token file: bad json"))
	m := newTestManager(t, store, "")

	_, err := m.AccessToken(context.Background())
	assert.ErrorIs(t, err, ErrAuthRequired)
	assert.Equal(t, 1, store.DeleteCallCount())
	assert.Equal(t, StateAwaitingUserCode, m.State())
}

func TestInvalidate(t *testing.T) {
	store := storage.NewMockStorage(&storage.Token{
		AccessToken: "t", IssuedAt: testNow, ExpiresAt: testNow.Add(TokenLifetime),
	})
	m := newTestManager(t, store, "")
	_, err := m.AccessToken(context.Background())
	require.NoError(t, err)

	m.Invalidate()
	assert.Equal(t, StateAwaitingUserCode, m.State())
	assert.Equal(t, StateExpired, m.StateMachine().GetPreviousState())

	_, err = m.AccessToken(context.Background())
	assert.ErrorIs(t, err, ErrAuthRequired)

	// Invalidating again is a no-op.
	m.Invalidate()
	assert.Equal(t, 1, m.StateMachine().GetTransitionCount(StateExpired))
}

func TestSubmitCode(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/login/authorization/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "the-code", r.PostForm.Get("code"))
		assert.Equal(t, "key", r.PostForm.Get("client_id"))
		assert.Equal(t, "secret", r.PostForm.Get("client_secret"))
		assert.Equal(t, "http://localhost:8080/auth/callback", r.PostForm.Get("redirect_uri"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"email":"a@b.c","access_token":"fresh-token"}`))
	}))
	defer srv.Close()

	store := storage.NewMockStorage(nil)
	m := newTestManager(t, store, srv.URL)

	_, err := m.AccessToken(context.Background())
	require.ErrorIs(t, err, ErrAuthRequired)

	require.NoError(t, m.SubmitCode(context.Background(), "  the-code "))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, StateValid, m.State())

	tok, err := m.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", tok)

	saved, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", saved.AccessToken)
	assert.True(t, saved.IssuedAt.Equal(testNow))
	assert.True(t, saved.ExpiresAt.Equal(testNow.Add(24*time.Hour)))
}

func TestSubmitCode_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":"error","errors":[{"errorCode":"UDAPI100057","message":"Invalid auth code"}]}`))
	}))
	defer srv.Close()

	m := newTestManager(t, storage.NewMockStorage(nil), srv.URL)
	err := m.SubmitCode(context.Background(), "bad")
	var exErr *ExchangeError
	require.ErrorAs(t, err, &exErr)
	assert.Equal(t, http.StatusBadRequest, exErr.Status)
	assert.Contains(t, exErr.Body, "UDAPI100057")
	assert.Equal(t, StateNoToken, m.State())
}

func TestSubmitCode_Empty(t *testing.T) {
	m := newTestManager(t, storage.NewMockStorage(nil), "")
	assert.Error(t, m.SubmitCode(context.Background(), "   "))
}

func TestSubmitCode_SaveFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"x"}`))
	}))
	defer srv.Close()

	store := storage.NewMockStorage(nil)
	store.SetSaveError(errors.New("read-only filesystem"))
	m := newTestManager(t, store, srv.URL)

	err := m.SubmitCode(context.Background(), "code")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persisting access token")
	assert.Equal(t, StateNoToken, m.State())
}

func TestVerifyState(t *testing.T) {
	m := newTestManager(t, storage.NewMockStorage(nil), "")
	assert.Error(t, m.VerifyState("anything"), "no login in progress")

	u, err := url.Parse(m.AuthURL())
	require.NoError(t, err)
	state := u.Query().Get("state")
	assert.NoError(t, m.VerifyState(state))
	assert.Error(t, m.VerifyState("forged"))

	again, _ := url.Parse(m.AuthURL())
	assert.Equal(t, state, again.Query().Get("state"), "nonce is stable until a code is exchanged")
}
