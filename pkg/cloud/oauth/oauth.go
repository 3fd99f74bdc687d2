// Package oauth implements the OAuth2 authorization-code flow with PKCE used
// to connect a Google Drive account: consent URL, loopback redirect listener,
// code exchange, refresh and credential persistence.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/supporttools/SettingsGuard/pkg/cloud"
	"github.com/supporttools/SettingsGuard/pkg/config"
	"github.com/supporttools/SettingsGuard/pkg/metrics"
	"github.com/supporttools/SettingsGuard/pkg/securestore"
)

// Secure store keys
const (
	keyAccessToken  = "access_token"
	keyRefreshToken = "refresh_token"
	keyTokenExpiry  = "token_expiry"
	keyCodeVerifier = "code_verifier"
	keyOAuthState   = "oauth_state"
)

var allKeys = []string{keyAccessToken, keyRefreshToken, keyTokenExpiry, keyCodeVerifier, keyOAuthState}

var (
	ErrListenerBind  = errors.New("cannot bind authorization listener")
	ErrAuthTimeout   = errors.New("authorization timed out")
	ErrStateMismatch = errors.New("authorization state mismatch")
	ErrAuthDenied    = errors.New("authorization denied")
	ErrNotStarted    = errors.New("authorization not started")
	ErrExchange      = errors.New("authorization code exchange failed")
)

// State is the authorization flow state
type State int

const (
	StateIdle State = iota
	StateAwaitingRedirect
	StateExchangingCode
	StateAuthorized
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingRedirect:
		return "awaiting_redirect"
	case StateExchangingCode:
		return "exchanging_code"
	case StateAuthorized:
		return "authorized"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Credentials is the persisted token set
type Credentials struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Config holds the client registration and flow timings
type Config struct {
	ClientID      string
	ClientSecret  string
	AuthURL       string
	TokenURL      string
	Scopes        []string
	RedirectPort  int // zero binds an ephemeral port
	CallbackPath  string
	AuthTimeout   time.Duration
	RefreshMargin time.Duration
	GracePeriod   time.Duration
}

// ConfigFrom converts the application OAuth section
func ConfigFrom(cfg config.OAuthConfig) Config {
	return Config{
		ClientID:      cfg.ClientID,
		ClientSecret:  cfg.ClientSecret,
		AuthURL:       cfg.AuthURL,
		TokenURL:      cfg.TokenURL,
		Scopes:        cfg.Scopes,
		RedirectPort:  cfg.RedirectPort,
		CallbackPath:  cfg.CallbackPath,
		AuthTimeout:   cfg.AuthTimeout,
		RefreshMargin: cfg.RefreshMargin,
	}
}

// Authorizer drives the PKCE flow and supplies access tokens
type Authorizer struct {
	cfg        Config
	store      securestore.Store
	httpClient *http.Client
	logger     *logrus.Logger
	now        func() time.Time
	onClear    []func()

	mu          sync.Mutex
	state       State
	listener    *loopback
	redirectURL string

	// credMu serializes credential reads and writes, not network calls
	credMu sync.Mutex
}

// Option customizes an Authorizer
type Option func(*Authorizer)

// WithHTTPClient sets the client used for token endpoint calls
func WithHTTPClient(c *http.Client) Option {
	return func(a *Authorizer) { a.httpClient = c }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(a *Authorizer) { a.now = now }
}

// OnClear registers a hook run by ClearCredentials
func OnClear(fn func()) Option {
	return func(a *Authorizer) { a.onClear = append(a.onClear, fn) }
}

// New creates an authorizer. store should already be namespaced to this provider.
func New(cfg Config, store securestore.Store, logger *logrus.Logger, opts ...Option) *Authorizer {
	if cfg.CallbackPath == "" {
		cfg.CallbackPath = "/oauth2callback"
	}
	if cfg.AuthTimeout == 0 {
		cfg.AuthTimeout = 60 * time.Second
	}
	if cfg.RefreshMargin == 0 {
		cfg.RefreshMargin = 5 * time.Minute
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = time.Second
	}
	a := &Authorizer{
		cfg:    cfg,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.IsAuthorized() {
		a.state = StateAuthorized
	}
	return a
}

// AddClearHook registers fn to run when credentials are cleared
func (a *Authorizer) AddClearHook(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onClear = append(a.onClear, fn)
}

// State returns the current flow state
func (a *Authorizer) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Authorizer) setState(s State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = s
}

// RedirectURL returns the redirect URI of the current attempt
func (a *Authorizer) RedirectURL() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.redirectURL
}

func (a *Authorizer) oauthConfig(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     a.cfg.ClientID,
		ClientSecret: a.cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   a.cfg.AuthURL,
			TokenURL:  a.cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: redirectURL,
		Scopes:      a.cfg.Scopes,
	}
}

func (a *Authorizer) clientContext(ctx context.Context) context.Context {
	if a.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// StartAuthorization prepares a new PKCE attempt, starts the loopback
// listener and returns the consent URL. Any previous listener is stopped.
func (a *Authorizer) StartAuthorization(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.listener != nil {
		a.listener.stop()
		a.listener = nil
	}

	verifier := oauth2.GenerateVerifier()
	state, err := randomToken()
	if err != nil {
		a.state = StateFailed
		return "", fmt.Errorf("generate state: %w", err)
	}
	if err := a.store.Put(keyCodeVerifier, verifier); err != nil {
		a.state = StateFailed
		return "", fmt.Errorf("persist code verifier: %w", err)
	}
	if err := a.store.Put(keyOAuthState, state); err != nil {
		a.state = StateFailed
		return "", fmt.Errorf("persist state: %w", err)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(a.cfg.RedirectPort)))
	if err != nil {
		a.state = StateFailed
		return "", fmt.Errorf("%w on port %d: %v", ErrListenerBind, a.cfg.RedirectPort, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	a.redirectURL = fmt.Sprintf("http://localhost:%d%s", port, a.cfg.CallbackPath)

	// localhost may resolve to ::1 first; serve it too when the host has IPv6
	listeners := []net.Listener{ln}
	if ln6, err := net.Listen("tcp", net.JoinHostPort("::1", strconv.Itoa(port))); err == nil {
		listeners = append(listeners, ln6)
	} else {
		a.logger.Debugf("Authorization listener not bound on [::1]:%d: %v", port, err)
	}

	lp := newLoopback(listeners, a.cfg.CallbackPath, state, a.cfg.GracePeriod, a.logger)
	go lp.serve(a.cfg.AuthTimeout)
	a.listener = lp
	a.state = StateAwaitingRedirect

	a.logger.Infof("Waiting for authorization redirect on %s", a.redirectURL)
	return a.oauthConfig(a.redirectURL).AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(verifier),
	), nil
}

// WaitForCode blocks until the listener captured a code, the timeout
// elapsed or ctx ended
func (a *Authorizer) WaitForCode(ctx context.Context, timeout time.Duration) (string, error) {
	a.mu.Lock()
	lp := a.listener
	a.mu.Unlock()
	if lp == nil {
		return "", ErrNotStarted
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var res callbackResult
	select {
	case res = <-lp.results:
	case <-lp.done:
		select {
		case res = <-lp.results:
		default:
			res.err = ErrAuthTimeout
		}
	case <-timer.C:
		lp.stop()
		res.err = ErrAuthTimeout
	case <-ctx.Done():
		lp.stop()
		res.err = ctx.Err()
	}

	if res.err != nil {
		a.setState(StateFailed)
		return "", res.err
	}
	return res.code, nil
}

// ExchangeCodeForTokens trades code plus the stored verifier for tokens.
// Failures are logged and reported as false.
func (a *Authorizer) ExchangeCodeForTokens(ctx context.Context, code string) bool {
	a.mu.Lock()
	redirect := a.redirectURL
	a.state = StateExchangingCode
	a.mu.Unlock()

	verifier, err := a.store.Get(keyCodeVerifier)
	if err != nil || verifier == "" || redirect == "" {
		a.logger.Error("Cannot exchange authorization code: no authorization in progress")
		a.setState(StateFailed)
		return false
	}

	tok, err := a.oauthConfig(redirect).Exchange(a.clientContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		a.logger.Errorf("Authorization code exchange failed: %v", describe(err))
		a.setState(StateFailed)
		return false
	}

	a.credMu.Lock()
	defer a.credMu.Unlock()

	refresh := tok.RefreshToken
	if refresh == "" {
		refresh, _ = a.store.Get(keyRefreshToken)
	}
	if refresh == "" {
		a.logger.Error("Token endpoint returned no refresh token")
		a.setState(StateFailed)
		return false
	}
	if err := a.saveCredentials(Credentials{AccessToken: tok.AccessToken, RefreshToken: refresh, Expiry: a.expiryOf(tok)}); err != nil {
		a.logger.Errorf("Failed to persist credentials: %v", err)
		a.setState(StateFailed)
		return false
	}
	if err := a.store.Remove(keyCodeVerifier, keyOAuthState); err != nil {
		a.logger.Warnf("Failed to remove code verifier: %v", err)
	}

	a.setState(StateAuthorized)
	a.logger.Info("Cloud account authorized")
	return true
}

// Complete waits for the redirect and exchanges the code
func (a *Authorizer) Complete(ctx context.Context) error {
	code, err := a.WaitForCode(ctx, a.cfg.AuthTimeout)
	if err != nil {
		return err
	}
	if !a.ExchangeCodeForTokens(ctx, code) {
		return ErrExchange
	}
	return nil
}

// RunInteractive starts the flow, hands the consent URL to open and completes it
func (a *Authorizer) RunInteractive(ctx context.Context, open func(url string) error) error {
	url, err := a.StartAuthorization(ctx)
	if err != nil {
		return err
	}
	if open != nil {
		if err := open(url); err != nil {
			a.logger.Warnf("Could not open browser: %v", err)
		}
	}
	return a.Complete(ctx)
}

// ValidAccessToken returns an access token valid for longer than the refresh
// margin, refreshing it first when needed
func (a *Authorizer) ValidAccessToken(ctx context.Context) (string, error) {
	a.credMu.Lock()
	creds, err := a.loadCredentials()
	a.credMu.Unlock()
	if err != nil {
		return "", err
	}

	if creds.AccessToken != "" && creds.Expiry.Sub(a.now()) > a.cfg.RefreshMargin {
		return creds.AccessToken, nil
	}
	if creds.RefreshToken == "" {
		return "", fmt.Errorf("%w: no refresh token stored", cloud.ErrAuthRequired)
	}

	src := a.oauthConfig("").TokenSource(a.clientContext(ctx), &oauth2.Token{RefreshToken: creds.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return "", a.refreshFailed(err)
	}
	metrics.AuthRefreshCount.WithLabelValues("success").Inc()

	a.credMu.Lock()
	defer a.credMu.Unlock()
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = creds.RefreshToken
	}
	next := Credentials{AccessToken: tok.AccessToken, RefreshToken: refresh, Expiry: a.expiryOf(tok)}
	if err := a.saveCredentials(next); err != nil {
		return "", err
	}
	a.logger.Debugf("Access token refreshed, valid until %s", next.Expiry.Format(time.RFC3339))
	return next.AccessToken, nil
}

func (a *Authorizer) refreshFailed(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		metrics.AuthRefreshCount.WithLabelValues("transient").Inc()
		return fmt.Errorf("%w: token refresh: %v", cloud.ErrTransient, err)
	}

	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden, re.ErrorCode == "invalid_grant":
		metrics.AuthRefreshCount.WithLabelValues("auth_required").Inc()
		a.credMu.Lock()
		if rmErr := a.store.Remove(keyAccessToken, keyTokenExpiry); rmErr != nil {
			a.logger.Warnf("Failed to clear stale access token: %v", rmErr)
		}
		a.credMu.Unlock()
		a.logger.Warnf("Token refresh rejected (%d %s), re-authorization required", status, re.ErrorCode)
		return fmt.Errorf("%w: token refresh rejected: %s", cloud.ErrAuthRequired, re.ErrorCode)
	case status >= 500 || status == http.StatusTooManyRequests:
		metrics.AuthRefreshCount.WithLabelValues("transient").Inc()
		return fmt.Errorf("%w: token endpoint returned %d", cloud.ErrTransient, status)
	default:
		metrics.AuthRefreshCount.WithLabelValues("failed").Inc()
		return fmt.Errorf("%w: token endpoint returned %d %s", cloud.ErrPermanent, status, re.ErrorCode)
	}
}

// describe keeps token endpoint bodies out of logs
func describe(err error) string {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return fmt.Sprintf("token endpoint returned %d %s", re.Response.StatusCode, re.ErrorCode)
	}
	return err.Error()
}

func (a *Authorizer) expiryOf(tok *oauth2.Token) time.Time {
	if tok.Expiry.IsZero() {
		return a.now().Add(time.Hour)
	}
	return tok.Expiry
}

// loadCredentials reads the stored token set (caller holds credMu)
func (a *Authorizer) loadCredentials() (Credentials, error) {
	var c Credentials
	var err error
	if c.AccessToken, err = a.store.Get(keyAccessToken); err != nil {
		return c, fmt.Errorf("read access token: %w", err)
	}
	if c.RefreshToken, err = a.store.Get(keyRefreshToken); err != nil {
		return c, fmt.Errorf("read refresh token: %w", err)
	}
	exp, err := a.store.Get(keyTokenExpiry)
	if err != nil {
		return c, fmt.Errorf("read token expiry: %w", err)
	}
	if exp != "" {
		if secs, err := strconv.ParseInt(exp, 10, 64); err == nil {
			c.Expiry = time.Unix(secs, 0)
		}
	}
	return c, nil
}

// saveCredentials persists the token set (caller holds credMu)
func (a *Authorizer) saveCredentials(c Credentials) error {
	if err := a.store.Put(keyAccessToken, c.AccessToken); err != nil {
		return fmt.Errorf("persist access token: %w", err)
	}
	if err := a.store.Put(keyRefreshToken, c.RefreshToken); err != nil {
		return fmt.Errorf("persist refresh token: %w", err)
	}
	if err := a.store.Put(keyTokenExpiry, strconv.FormatInt(c.Expiry.Unix(), 10)); err != nil {
		return fmt.Errorf("persist token expiry: %w", err)
	}
	return nil
}

// Expiry returns the stored access token expiry
func (a *Authorizer) Expiry() time.Time {
	a.credMu.Lock()
	defer a.credMu.Unlock()
	c, _ := a.loadCredentials()
	return c.Expiry
}

// IsAuthorized reports whether a refresh token is stored
func (a *Authorizer) IsAuthorized() bool {
	rt, err := a.store.Get(keyRefreshToken)
	return err == nil && rt != ""
}

// ClearCredentials removes every stored token and runs the clear hooks.
// Calling it again is harmless.
func (a *Authorizer) ClearCredentials() error {
	a.mu.Lock()
	if a.listener != nil {
		a.listener.stop()
		a.listener = nil
	}
	a.state = StateIdle
	hooks := append([]func(){}, a.onClear...)
	a.mu.Unlock()

	a.credMu.Lock()
	err := a.store.Remove(allKeys...)
	a.credMu.Unlock()
	if err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}

	for _, fn := range hooks {
		fn()
	}
	a.logger.Info("Cloud credentials cleared")
	return nil
}
