package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/SettingsGuard/pkg/cloud"
	"github.com/supporttools/SettingsGuard/pkg/securestore"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig(tokenURL string) Config {
	return Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		AuthURL:      "https://accounts.example.com/auth",
		TokenURL:     tokenURL,
		Scopes:       []string{"drive.file"},
		RedirectPort: 0,
		CallbackPath: "/oauth2callback",
		AuthTimeout:  5 * time.Second,
		GracePeriod:  10 * time.Millisecond,
	}
}

func newTestAuthorizer(t *testing.T, tokenURL string, opts ...Option) (*Authorizer, securestore.Store) {
	t.Helper()
	store := securestore.NewMemoryStore()
	a := New(testConfig(tokenURL), store, quietLogger(), opts...)
	t.Cleanup(func() { _ = a.ClearCredentials() })
	return a, store
}

func tokenJSON(w http.ResponseWriter, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func TestStartAuthorizationBuildsPKCEConsentURL(t *testing.T) {
	a, store := newTestAuthorizer(t, "http://unused")

	consent, err := a.StartAuthorization(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingRedirect, a.State())

	u, err := url.Parse(consent)
	require.NoError(t, err)
	q := u.Query()

	verifier, _ := store.Get(keyCodeVerifier)
	state, _ := store.Get(keyOAuthState)
	require.NotEmpty(t, verifier)
	require.NotEmpty(t, state)

	sum := sha256.Sum256([]byte(verifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, state, q.Get("state"))
	assert.Equal(t, a.RedirectURL(), q.Get("redirect_uri"))
	assert.Contains(t, a.RedirectURL(), "http://localhost:")
}

func callbackURL(t *testing.T, a *Authorizer, params url.Values) string {
	t.Helper()
	u, err := url.Parse(a.RedirectURL())
	require.NoError(t, err)
	u.Host = "127.0.0.1:" + u.Port()
	u.RawQuery = params.Encode()
	return u.String()
}

func TestLoopbackDeliversCode(t *testing.T) {
	a, store := newTestAuthorizer(t, "http://unused")
	_, err := a.StartAuthorization(context.Background())
	require.NoError(t, err)
	state, _ := store.Get(keyOAuthState)

	resp, err := http.Get(callbackURL(t, a, url.Values{"state": {state}, "code": {"the-code"}}))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	code, err := a.WaitForCode(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "the-code", code)
}

func TestLoopbackServesIPv6Localhost(t *testing.T) {
	ln6, err := net.Listen("tcp", "[::1]:0")
	if err != nil {
		t.Skipf("IPv6 loopback unavailable: %v", err)
	}
	ln6.Close()

	a, store := newTestAuthorizer(t, "http://unused")
	_, err = a.StartAuthorization(context.Background())
	require.NoError(t, err)
	state, _ := store.Get(keyOAuthState)

	u, err := url.Parse(callbackURL(t, a, url.Values{"state": {state}, "code": {"v6-code"}}))
	require.NoError(t, err)
	u.Host = net.JoinHostPort("::1", u.Port())

	resp, err := http.Get(u.String())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	code, err := a.WaitForCode(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "v6-code", code)
}

func TestLoopbackStateMismatch(t *testing.T) {
	a, _ := newTestAuthorizer(t, "http://unused")
	_, err := a.StartAuthorization(context.Background())
	require.NoError(t, err)

	resp, err := http.Get(callbackURL(t, a, url.Values{"state": {"forged"}, "code": {"x"}}))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, err = a.WaitForCode(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrStateMismatch)
	assert.Equal(t, StateFailed, a.State())
}

func TestLoopbackProviderError(t *testing.T) {
	a, store := newTestAuthorizer(t, "http://unused")
	_, err := a.StartAuthorization(context.Background())
	require.NoError(t, err)
	state, _ := store.Get(keyOAuthState)

	resp, err := http.Get(callbackURL(t, a, url.Values{"state": {state}, "error": {"access_denied"}}))
	require.NoError(t, err)
	resp.Body.Close()

	_, err = a.WaitForCode(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrAuthDenied)
}

func TestLoopbackUnknownPathIs404(t *testing.T) {
	a, store := newTestAuthorizer(t, "http://unused")
	_, err := a.StartAuthorization(context.Background())
	require.NoError(t, err)
	state, _ := store.Get(keyOAuthState)

	u, err := url.Parse(callbackURL(t, a, nil))
	require.NoError(t, err)
	u.Path = "/favicon.ico"
	resp, err := http.Get(u.String())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// the callback is still served afterwards
	resp, err = http.Get(callbackURL(t, a, url.Values{"state": {state}, "code": {"c"}}))
	require.NoError(t, err)
	resp.Body.Close()
	code, err := a.WaitForCode(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "c", code)
}

func TestWaitForCodeTimeout(t *testing.T) {
	a, _ := newTestAuthorizer(t, "http://unused")
	_, err := a.StartAuthorization(context.Background())
	require.NoError(t, err)

	_, err = a.WaitForCode(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrAuthTimeout)
	assert.Equal(t, StateFailed, a.State())
}

func TestWaitForCodeWithoutStart(t *testing.T) {
	a, _ := newTestAuthorizer(t, "http://unused")
	_, err := a.WaitForCode(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestListenerBindFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig("http://unused")
	cfg.RedirectPort = busy.Addr().(*net.TCPAddr).Port
	a := New(cfg, securestore.NewMemoryStore(), quietLogger())

	_, err = a.StartAuthorization(context.Background())
	assert.ErrorIs(t, err, ErrListenerBind)
	assert.Equal(t, StateFailed, a.State())
}

func TestStartStopsPreviousListener(t *testing.T) {
	a, _ := newTestAuthorizer(t, "http://unused")
	_, err := a.StartAuthorization(context.Background())
	require.NoError(t, err)
	first := callbackURL(t, a, url.Values{"state": {"x"}})

	_, err = a.StartAuthorization(context.Background())
	require.NoError(t, err)

	client := &http.Client{Timeout: time.Second}
	_, err = client.Get(first)
	assert.Error(t, err, "previous listener should be closed")
}

func TestExchangeCodeForTokens(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		got = r.PostForm
		tokenJSON(w, map[string]interface{}{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	a, store := newTestAuthorizer(t, srv.URL)
	_, err := a.StartAuthorization(context.Background())
	require.NoError(t, err)
	verifier, _ := store.Get(keyCodeVerifier)

	ok := a.ExchangeCodeForTokens(context.Background(), "auth-code")
	require.True(t, ok)

	assert.Equal(t, "authorization_code", got.Get("grant_type"))
	assert.Equal(t, "auth-code", got.Get("code"))
	assert.Equal(t, verifier, got.Get("code_verifier"))
	assert.Equal(t, a.RedirectURL(), got.Get("redirect_uri"))
	assert.Equal(t, "client-id", got.Get("client_id"))

	assert.True(t, a.IsAuthorized())
	assert.Equal(t, StateAuthorized, a.State())
	v, _ := store.Get(keyCodeVerifier)
	assert.Empty(t, v, "verifier is single use")
	rt, _ := store.Get(keyRefreshToken)
	assert.Equal(t, "refresh-1", rt)
}

func TestExchangeFailureReturnsFalse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	a, _ := newTestAuthorizer(t, srv.URL)
	_, err := a.StartAuthorization(context.Background())
	require.NoError(t, err)

	assert.False(t, a.ExchangeCodeForTokens(context.Background(), "bad"))
	assert.False(t, a.IsAuthorized())
	assert.Equal(t, StateFailed, a.State())
}

func seedCredentials(t *testing.T, store securestore.Store, access string, expiry time.Time) {
	t.Helper()
	require.NoError(t, store.Put(keyAccessToken, access))
	require.NoError(t, store.Put(keyRefreshToken, "refresh-token"))
	require.NoError(t, store.Put(keyTokenExpiry, strconv.FormatInt(expiry.Unix(), 10)))
}

func TestValidAccessTokenUsesCachedToken(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		tokenJSON(w, map[string]interface{}{"access_token": "new", "token_type": "Bearer", "expires_in": 3600})
	}))
	defer srv.Close()

	a, store := newTestAuthorizer(t, srv.URL)
	seedCredentials(t, store, "cached", time.Now().Add(10*time.Minute))

	tok, err := a.ValidAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cached", tok)
	assert.Equal(t, int32(0), atomic.LoadInt32(&hits))
}

func TestValidAccessTokenRefreshesInsideMargin(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		tokenJSON(w, map[string]interface{}{"access_token": "fresh", "token_type": "Bearer", "expires_in": 3600})
	}))
	defer srv.Close()

	a, store := newTestAuthorizer(t, srv.URL)
	seedCredentials(t, store, "stale", time.Now().Add(4*time.Minute))

	tok, err := a.ValidAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok)
	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "refresh-token", form.Get("refresh_token"))

	stored, _ := store.Get(keyAccessToken)
	assert.Equal(t, "fresh", stored)
	rt, _ := store.Get(keyRefreshToken)
	assert.Equal(t, "refresh-token", rt, "refresh token kept when not rotated")
	assert.True(t, a.Expiry().After(time.Now().Add(50*time.Minute)))
}

func TestValidAccessTokenInvalidGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`))
	}))
	defer srv.Close()

	a, store := newTestAuthorizer(t, srv.URL)
	seedCredentials(t, store, "stale", time.Now().Add(-time.Minute))

	_, err := a.ValidAccessToken(context.Background())
	assert.ErrorIs(t, err, cloud.ErrAuthRequired)
	access, _ := store.Get(keyAccessToken)
	assert.Empty(t, access, "stale access token is cleared")
}

func TestValidAccessTokenServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a, store := newTestAuthorizer(t, srv.URL)
	seedCredentials(t, store, "stale", time.Now().Add(-time.Minute))

	_, err := a.ValidAccessToken(context.Background())
	assert.ErrorIs(t, err, cloud.ErrTransient)
	access, _ := store.Get(keyAccessToken)
	assert.Equal(t, "stale", access)
}

func TestValidAccessTokenWithoutRefreshToken(t *testing.T) {
	a, _ := newTestAuthorizer(t, "http://unused")
	_, err := a.ValidAccessToken(context.Background())
	assert.ErrorIs(t, err, cloud.ErrAuthRequired)
}

func TestClearCredentialsIsIdempotent(t *testing.T) {
	cleared := 0
	a, store := newTestAuthorizer(t, "http://unused", OnClear(func() { cleared++ }))
	seedCredentials(t, store, "a", time.Now().Add(time.Hour))
	require.True(t, a.IsAuthorized())

	require.NoError(t, a.ClearCredentials())
	require.NoError(t, a.ClearCredentials())

	assert.False(t, a.IsAuthorized())
	assert.Equal(t, StateIdle, a.State())
	assert.Equal(t, 2, cleared)
	for _, k := range allKeys {
		v, _ := store.Get(k)
		assert.Empty(t, v, k)
	}
}
