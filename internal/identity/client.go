// Package identity is the boundary to the remote identity provider.
//
// Client wraps a swappable Backend, keeps the current session, persists it
// through a token store and broadcasts changes. Every error leaving this
// package is an *Error with a stable code and a displayable message.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/felixgeelhaar/picala/internal/domain"
	"github.com/felixgeelhaar/picala/internal/tokenstore"
)

// TokenStore is the persistence used for sessions and PKCE verifiers
type TokenStore interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Remove(key string)
}

// ErrorRecorder counts normalized errors
type ErrorRecorder interface {
	RecordAuthError(code string)
}

// Config holds Client settings
type Config struct {
	Backend Backend
	Store   TokenStore

	// EmailRedirectURL is embedded in verification emails
	EmailRedirectURL string
	// PasswordResetRedirectURL is embedded in password reset emails
	PasswordResetRedirectURL string
	// FlowType selects PKCE (default) or implicit email links
	FlowType FlowType

	// EmailActionInterval is the minimum spacing of resend/reset emails
	EmailActionInterval time.Duration
	// EmailActionBurst is how many email actions may happen back to back
	EmailActionBurst int

	Logger  *slog.Logger
	Metrics ErrorRecorder
	Now     func() time.Time
}

// SignUpResult is the outcome of a registration
type SignUpResult struct {
	User                      *domain.User    `json:"user"`
	Session                   *domain.Session `json:"-"`
	RequiresEmailConfirmation bool            `json:"requiresEmailConfirmation"`
}

// Notice is a confirmation shown to the user
type Notice struct {
	Message string `json:"message"`
}

// Subscription is returned by OnAuthStateChange
type Subscription struct {
	once        sync.Once
	unsubscribe func()
}

// NewSubscription wraps an unsubscribe function
func NewSubscription(unsubscribe func()) *Subscription {
	return &Subscription{unsubscribe: unsubscribe}
}

// Unsubscribe stops delivery. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.unsubscribe)
}

// Client implements the identity operations used by the application
type Client struct {
	backend      Backend
	store        TokenStore
	events       *domain.EventDispatcher
	emailLimiter *rate.Limiter
	refreshGroup singleflight.Group
	logger       *slog.Logger
	metrics      ErrorRecorder
	now          func() time.Time

	emailRedirect string
	resetRedirect string
	flow          FlowType

	// transition serializes session changes with their persistence and
	// notification, so subscribers and the store see them in order
	transition sync.Mutex

	mu      sync.Mutex
	session *domain.Session
	loaded  bool
	// epoch advances on every install or clear of the session
	epoch uint64
}

// NewClient creates a new identity client
func NewClient(cfg Config) *Client {
	if cfg.Store == nil {
		cfg.Store = tokenstore.NewEphemeral()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.FlowType == "" {
		cfg.FlowType = FlowPKCE
	}
	if cfg.EmailActionInterval <= 0 {
		cfg.EmailActionInterval = 20 * time.Second
	}
	if cfg.EmailActionBurst <= 0 {
		cfg.EmailActionBurst = 3
	}

	return &Client{
		backend:       cfg.Backend,
		store:         cfg.Store,
		events:        domain.NewEventDispatcher(),
		emailLimiter:  rate.NewLimiter(rate.Every(cfg.EmailActionInterval), cfg.EmailActionBurst),
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		now:           cfg.Now,
		emailRedirect: cfg.EmailRedirectURL,
		resetRedirect: cfg.PasswordResetRedirectURL,
		flow:          cfg.FlowType,
	}
}

// BackendName returns the name of the underlying provider
func (c *Client) BackendName() string {
	return c.backend.Name()
}

// SignUp registers a new account. When the provider requires email
// confirmation no session is returned.
func (c *Client) SignUp(ctx context.Context, email, password string) (*SignUpResult, error) {
	email = strings.TrimSpace(email)
	if err := validateCredentials(email, password); err != nil {
		return nil, c.fail("sign up", err)
	}

	params := SignUpParams{
		Email:      email,
		Password:   password,
		RedirectTo: c.emailRedirect,
	}
	if c.flow == FlowPKCE {
		params.CodeChallenge, params.CodeChallengeMethod = c.beginPKCE(), challengeMethodS256
	}

	resp, err := c.backend.SignUp(ctx, params)
	if err != nil {
		return nil, c.fail("sign up", err)
	}
	if resp == nil || resp.User == nil {
		return nil, c.fail("sign up", errors.New("provider returned no user"))
	}

	c.store.Set(tokenstore.KeyLastEmail, email)

	result := &SignUpResult{User: toUser(resp.User)}
	if resp.Session == nil {
		result.RequiresEmailConfirmation = true
		c.logger.Info("sign up requires email confirmation", "user_id", resp.User.ID)
		return result, nil
	}

	session, err := c.adopt(resp, domain.EventSignedIn)
	if err != nil {
		return nil, c.fail("sign up", err)
	}
	result.Session = session
	result.User = session.UserCopy()
	return result, nil
}

// SignIn authenticates with email and password
func (c *Client) SignIn(ctx context.Context, email, password string) (*domain.User, error) {
	email = strings.TrimSpace(email)
	if err := validateCredentials(email, password); err != nil {
		return nil, c.fail("sign in", err)
	}

	resp, err := c.backend.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, c.fail("sign in", err)
	}
	if resp == nil || resp.User == nil || resp.Session == nil {
		return nil, c.fail("sign in", newError(CodeInvalidCredentials, errors.New("provider returned no session")))
	}

	session, err := c.adopt(resp, domain.EventSignedIn)
	if err != nil {
		return nil, c.fail("sign in", err)
	}
	c.store.Set(tokenstore.KeyLastEmail, email)
	return session.UserCopy(), nil
}

// SignOut ends the session. The local session is always cleared and
// subscribers always see the user disappear; a failed remote logout is
// returned for display only.
func (c *Client) SignOut(ctx context.Context) error {
	current := c.current()

	var remoteErr error
	if current != nil {
		remoteErr = c.backend.SignOut(ctx, current.AccessToken)
	}

	c.clearSession(true)
	c.store.Remove(tokenstore.KeyCodeVerifier)

	if remoteErr != nil {
		ne := Normalize(remoteErr)
		if ne.Code == CodeSessionMissing || ne.Code == CodeInvalidOrExpiredToken {
			return nil
		}
		return c.fail("sign out", remoteErr)
	}
	return nil
}

// GetSession returns the current session, rehydrating it from the token
// store on first use. It never fails except on a cancelled context.
func (c *Client) GetSession(ctx context.Context) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := c.current()
	if s == nil {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

// GetUser fetches the current user from the provider. A transport failure
// yields the cached user; a rejected session yields nil.
func (c *Client) GetUser(ctx context.Context) (*domain.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, epoch := c.currentWithEpoch()
	if s == nil {
		return nil, nil
	}

	remote, err := c.backend.GetUser(ctx, s.AccessToken)
	if err != nil {
		ne := Normalize(err)
		c.logger.Warn("get user failed", "code", ne.Code, "error", err)
		if ne.Code == CodeNetworkError {
			return s.UserCopy(), nil
		}
		return nil, nil
	}

	user := toUser(remote)
	if user.ID != s.User.ID || user.Email != s.User.Email ||
		user.EmailConfirmed != s.User.EmailConfirmed ||
		!sameTime(user.EmailConfirmedAt, s.User.EmailConfirmedAt) {
		c.updateUser(*user, epoch)
	}
	return user, nil
}

// RefreshSession exchanges the refresh token for a new session.
// Concurrent calls share one provider request. A refresh token the provider
// rejects ends the local session; a network failure keeps it.
func (c *Client) RefreshSession(ctx context.Context) (*domain.Session, error) {
	v, err, shared := c.refreshGroup.Do("refresh", func() (any, error) {
		return c.refresh(ctx)
	})
	if shared {
		c.logger.Debug("refresh coalesced with in-flight request")
	}
	if err != nil {
		return nil, err
	}
	s := v.(*domain.Session)
	cp := *s
	return &cp, nil
}

func (c *Client) refresh(ctx context.Context) (*domain.Session, error) {
	current, epoch := c.currentWithEpoch()
	if current == nil {
		return nil, c.fail("refresh session", newError(CodeSessionMissing, domain.ErrSessionNotFound))
	}

	resp, err := c.backend.RefreshToken(ctx, current.RefreshToken)
	if err != nil {
		ne := c.fail("refresh session", err)
		switch ne.Code {
		case CodeInvalidOrExpiredToken, CodeSessionMissing, CodeInvalidCredentials:
			c.logger.Info("refresh token rejected, ending session", "user_id", current.User.ID)
			c.clearSessionAt(epoch)
		}
		return nil, ne
	}
	if resp == nil || resp.Session == nil {
		return nil, c.fail("refresh session", newError(CodeSessionMissing, errors.New("provider returned no session")))
	}
	if resp.User == nil {
		u := current.User
		resp.User = &RemoteUser{ID: u.ID, Email: u.Email, EmailConfirmedAt: u.EmailConfirmedAt}
	}

	session, err := c.install(resp, domain.EventTokenRefreshed, &epoch)
	if err != nil {
		return nil, c.fail("refresh session", err)
	}
	return session, nil
}

// VerifyOneTimeToken confirms an email link token. The token may be a
// token hash from a verification link.
func (c *Client) VerifyOneTimeToken(ctx context.Context, token string, otpType OTPType) (*domain.User, error) {
	if token == "" {
		return nil, c.fail("verify token", newError(CodeInvalidOrExpiredToken, errors.New("empty token")))
	}
	if otpType == "" {
		otpType = OTPSignup
	}

	resp, err := c.backend.VerifyOTP(ctx, VerifyParams{
		Type:       otpType,
		TokenHash:  token,
		RedirectTo: c.emailRedirect,
	})
	if err != nil {
		return nil, c.fail("verify token", err)
	}
	if resp == nil || resp.User == nil {
		return nil, c.fail("verify token", newError(CodeVerificationFailed, errors.New("provider returned no user")))
	}

	if resp.Session == nil {
		return toUser(resp.User), nil
	}

	session, err := c.adopt(resp, domain.EventSignedIn)
	if err != nil {
		return nil, c.fail("verify token", err)
	}
	return session.UserCopy(), nil
}

// ExchangeCodeForSession completes a PKCE email link
func (c *Client) ExchangeCodeForSession(ctx context.Context, code string) (*domain.Session, error) {
	if code == "" {
		return nil, c.fail("exchange code", newError(CodeInvalidOrExpiredToken, errors.New("empty code")))
	}

	verifier, _ := c.store.Get(tokenstore.KeyCodeVerifier)
	resp, err := c.backend.ExchangeCode(ctx, code, verifier)
	if err != nil {
		return nil, c.fail("exchange code", err)
	}
	if resp == nil || resp.Session == nil {
		return nil, c.fail("exchange code", newError(CodeSessionMissing, errors.New("provider returned no session")))
	}

	c.store.Remove(tokenstore.KeyCodeVerifier)
	session, err := c.adopt(resp, domain.EventSignedIn)
	if err != nil {
		return nil, c.fail("exchange code", err)
	}
	return session, nil
}

// SetSession installs tokens delivered by an implicit-flow link
func (c *Client) SetSession(ctx context.Context, accessToken, refreshToken string) (*domain.Session, error) {
	if accessToken == "" || refreshToken == "" {
		return nil, c.fail("set session", newError(CodeSessionMissing, domain.ErrSessionIncomplete))
	}

	expiresAt, err := tokenExpiry(accessToken)
	if err != nil {
		return nil, c.fail("set session", newError(CodeInvalidOrExpiredToken, err))
	}

	if !expiresAt.After(c.now()) {
		resp, err := c.backend.RefreshToken(ctx, refreshToken)
		if err != nil {
			return nil, c.fail("set session", err)
		}
		if resp == nil || resp.Session == nil || resp.User == nil {
			return nil, c.fail("set session", newError(CodeSessionMissing, errors.New("provider returned no session")))
		}
		session, err := c.adopt(resp, domain.EventSignedIn)
		if err != nil {
			return nil, c.fail("set session", err)
		}
		return session, nil
	}

	remote, err := c.backend.GetUser(ctx, accessToken)
	if err != nil {
		return nil, c.fail("set session", err)
	}

	session, err := c.adopt(&AuthResponse{
		User: remote,
		Session: &RemoteSession{
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			ExpiresAt:    expiresAt,
		},
	}, domain.EventSignedIn)
	if err != nil {
		return nil, c.fail("set session", err)
	}
	return session, nil
}

// ResendVerificationEmail sends a new sign-up confirmation email
func (c *Client) ResendVerificationEmail(ctx context.Context, email string) (*Notice, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		email, _ = c.store.Get(tokenstore.KeyLastEmail)
	}
	if err := validateEmail(email); err != nil {
		return nil, c.fail("resend verification", err)
	}
	if !c.emailLimiter.Allow() {
		return nil, c.fail("resend verification", ErrThrottled)
	}

	err := c.backend.Resend(ctx, ResendParams{
		Type:       OTPSignup,
		Email:      email,
		RedirectTo: c.emailRedirect,
	})
	if err != nil {
		return nil, c.fail("resend verification", err)
	}
	return &Notice{Message: "Verification email sent. Please check your inbox."}, nil
}

// ForgotPassword sends a password reset email that links back to the app
func (c *Client) ForgotPassword(ctx context.Context, email string) (*Notice, error) {
	email = strings.TrimSpace(email)
	if err := validateEmail(email); err != nil {
		return nil, c.fail("forgot password", err)
	}
	if !c.emailLimiter.Allow() {
		return nil, c.fail("forgot password", ErrThrottled)
	}

	params := RecoverParams{Email: email, RedirectTo: c.resetRedirect}
	if c.flow == FlowPKCE {
		params.CodeChallenge, params.CodeChallengeMethod = c.beginPKCE(), challengeMethodS256
	}

	if err := c.backend.Recover(ctx, params); err != nil {
		return nil, c.fail("forgot password", err)
	}
	return &Notice{Message: "Password reset instructions have been sent to your email."}, nil
}

// OnAuthStateChange registers fn for every session change. Events arrive
// on the goroutine that caused the change, in the order they happened.
// fn must not sign in or out synchronously.
func (c *Client) OnAuthStateChange(fn func(domain.AuthEvent)) *Subscription {
	id := c.events.Subscribe(fn)
	return NewSubscription(func() { c.events.Unsubscribe(id) })
}

// HandleRemoteSignOut ends the local session when it belongs to userID
func (c *Client) HandleRemoteSignOut(userID string) bool {
	current := c.current()
	if current == nil || current.User.ID != userID {
		return false
	}
	c.logger.Info("session revoked remotely", "user_id", userID)
	c.clearSession(true)
	return true
}

// current returns the in-memory session, loading it from the store once
func (c *Client) current() *domain.Session {
	s, _ := c.currentWithEpoch()
	return s
}

func (c *Client) currentWithEpoch() (*domain.Session, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		c.loaded = true
		c.session = c.loadPersisted()
	}
	return c.session, c.epoch
}

func (c *Client) loadPersisted() *domain.Session {
	raw, ok := c.store.Get(tokenstore.KeySession)
	if !ok {
		return nil
	}

	var s domain.Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		c.logger.Warn("discarding unreadable persisted session", "error", err)
		c.store.Remove(tokenstore.KeySession)
		return nil
	}
	if !s.Complete() {
		c.logger.Warn("discarding incomplete persisted session")
		c.store.Remove(tokenstore.KeySession)
		return nil
	}

	c.logger.Debug("session rehydrated", "user_id", s.User.ID, "expires_at", s.ExpiresAt)
	return &s
}

// adopt installs a provider session, persists it and notifies subscribers
func (c *Client) adopt(resp *AuthResponse, eventType domain.AuthEventType) (*domain.Session, error) {
	return c.install(resp, eventType, nil)
}

// install is adopt for a response that belongs to the session at epoch.
// When the session was replaced or cleared since then the response is
// discarded and SessionMissing returned. A nil epoch installs unconditionally.
func (c *Client) install(resp *AuthResponse, eventType domain.AuthEventType, epoch *uint64) (*domain.Session, error) {
	s := &domain.Session{
		AccessToken:  resp.Session.AccessToken,
		RefreshToken: resp.Session.RefreshToken,
		ExpiresAt:    resp.Session.ExpiresAt,
	}
	if s.ExpiresAt.IsZero() {
		if exp, err := tokenExpiry(s.AccessToken); err == nil {
			s.ExpiresAt = exp
		}
	}
	if resp.User != nil {
		s.User = *toUser(resp.User)
	} else if claims, err := parseAccessToken(s.AccessToken); err == nil {
		s.User = domain.User{ID: claims.Subject, Email: claims.Email}
	}

	if !s.Complete() {
		return nil, newError(CodeSessionMissing, domain.ErrSessionIncomplete)
	}

	c.transition.Lock()
	defer c.transition.Unlock()

	c.mu.Lock()
	if epoch != nil && c.epoch != *epoch {
		c.mu.Unlock()
		c.logger.Info("discarding provider session superseded during request", "event", eventType)
		return nil, newError(CodeSessionMissing, domain.ErrSessionNotFound)
	}
	c.session = s
	c.loaded = true
	c.epoch++
	c.mu.Unlock()

	c.persist(s)
	c.events.Publish(domain.NewAuthEvent(eventType, s.UserCopy()))

	cp := *s
	return &cp, nil
}

// updateUser replaces the user of the session at epoch
func (c *Client) updateUser(u domain.User, epoch uint64) {
	c.transition.Lock()
	defer c.transition.Unlock()

	c.mu.Lock()
	if c.session == nil || c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	updated := *c.session
	updated.User = u
	c.session = &updated
	c.mu.Unlock()

	c.persist(&updated)
	c.events.Publish(domain.NewAuthEvent(domain.EventUserUpdated, updated.UserCopy()))
}

// clearSession drops the session. Subscribers are notified when a session
// existed or when always is set.
func (c *Client) clearSession(always bool) {
	c.transition.Lock()
	defer c.transition.Unlock()

	c.mu.Lock()
	had := c.session != nil
	c.session = nil
	c.loaded = true
	c.epoch++
	c.mu.Unlock()

	c.store.Remove(tokenstore.KeySession)
	if had || always {
		c.events.Publish(domain.NewAuthEvent(domain.EventSignedOut, nil))
	}
}

// clearSessionAt drops the session only if it is still the one at epoch
func (c *Client) clearSessionAt(epoch uint64) {
	c.transition.Lock()
	defer c.transition.Unlock()

	c.mu.Lock()
	if c.epoch != epoch || c.session == nil {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.epoch++
	c.mu.Unlock()

	c.store.Remove(tokenstore.KeySession)
	c.events.Publish(domain.NewAuthEvent(domain.EventSignedOut, nil))
}

func (c *Client) persist(s *domain.Session) {
	data, err := json.Marshal(s)
	if err != nil {
		c.logger.Error("encode session", "error", err)
		return
	}
	c.store.Set(tokenstore.KeySession, string(data))
}

// beginPKCE stores a new verifier and returns its challenge
func (c *Client) beginPKCE() string {
	verifier, challenge := newPKCEPair()
	c.store.Set(tokenstore.KeyCodeVerifier, verifier)
	return challenge
}

// fail normalizes, logs and counts an error
func (c *Client) fail(op string, err error) *Error {
	ne := Normalize(err)
	c.logger.Warn(fmt.Sprintf("%s failed", op), "code", ne.Code, "error", err)
	if c.metrics != nil {
		c.metrics.RecordAuthError(string(ne.Code))
	}
	return ne
}

func toUser(r *RemoteUser) *domain.User {
	u := &domain.User{
		ID:    r.ID,
		Email: r.Email,
	}
	if r.EmailConfirmedAt != nil {
		t := *r.EmailConfirmedAt
		u.EmailConfirmedAt = &t
		u.EmailConfirmed = true
	}
	return u
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
