// Package memory is an in-process identity provider. It issues signed
// tokens, sends "emails" into an outbox and enforces one-time use of links,
// which makes it suitable for tests and for running the daemon offline.
package memory

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/felixgeelhaar/picala/internal/identity"
)

// Email is a message the provider would have delivered
type Email struct {
	Type      identity.OTPType
	To        string
	Link      string
	TokenHash string
	Code      string
}

// Config holds Backend settings
type Config struct {
	// SigningKey signs access tokens (random when empty)
	SigningKey []byte
	// TokenTTL is the access token lifetime (default: 1h)
	TokenTTL time.Duration
	// AutoConfirm skips email confirmation on sign up
	AutoConfirm bool
	// PasswordCost is the bcrypt cost for stored passwords (default: bcrypt.MinCost)
	PasswordCost int
	Now          func() time.Time
}

type account struct {
	id           string
	email        string
	passwordHash []byte
	confirmedAt  *time.Time
}

type oneTimeToken struct {
	userID  string
	otpType identity.OTPType
}

type authCode struct {
	userID    string
	challenge string
	otpType   identity.OTPType
}

type claims struct {
	Email     string `json:"email"`
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

// Backend implements identity.Backend in memory
type Backend struct {
	mu          sync.Mutex
	accounts    map[string]*account // by email
	sessions    map[string]string   // session id -> user id
	refresh     map[string]string   // refresh token -> session id
	otps        map[string]oneTimeToken
	codes       map[string]authCode
	outbox      []Email
	failures    map[string]error
	signingKey  []byte
	ttl         time.Duration
	autoConfirm bool
	cost        int
	now         func() time.Time
}

var _ identity.Backend = (*Backend)(nil)

// New creates an empty in-memory provider
func New(cfg Config) *Backend {
	if len(cfg.SigningKey) == 0 {
		cfg.SigningKey = make([]byte, 32)
		rand.Read(cfg.SigningKey)
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PasswordCost == 0 {
		cfg.PasswordCost = bcrypt.MinCost
	}
	return &Backend{
		accounts:    make(map[string]*account),
		sessions:    make(map[string]string),
		refresh:     make(map[string]string),
		otps:        make(map[string]oneTimeToken),
		codes:       make(map[string]authCode),
		failures:    make(map[string]error),
		signingKey:  cfg.SigningKey,
		ttl:         cfg.TokenTTL,
		autoConfirm: cfg.AutoConfirm,
		cost:        cfg.PasswordCost,
		now:         cfg.Now,
	}
}

func (b *Backend) Name() string {
	return "memory"
}

// FailNext makes the next call of op return err. Ops are the Backend
// method names, e.g. "RefreshToken".
func (b *Backend) FailNext(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = err
}

// Outbox returns every email sent so far
func (b *Backend) Outbox() []Email {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Email, len(b.outbox))
	copy(out, b.outbox)
	return out
}

// LastEmail returns the most recent email sent to address
func (b *Backend) LastEmail(address string) (Email, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.outbox) - 1; i >= 0; i-- {
		if strings.EqualFold(b.outbox[i].To, address) {
			return b.outbox[i], true
		}
	}
	return Email{}, false
}

// MintSession issues a session for an existing account, as an implicit
// flow link would carry it
func (b *Backend) MintSession(email string) (*identity.RemoteSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.accounts[normalizeEmail(email)]
	if !ok {
		return nil, errUserNotFound()
	}
	return b.issueLocked(acct)
}

func (b *Backend) SignUp(ctx context.Context, params identity.SignUpParams) (*identity.AuthResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure("SignUp"); err != nil {
		return nil, err
	}

	key := normalizeEmail(params.Email)
	if _, exists := b.accounts[key]; exists {
		return nil, &identity.ProviderError{Status: http.StatusUnprocessableEntity, Code: "user_already_exists", Message: "User already registered"}
	}
	if len(params.Password) < 6 {
		return nil, &identity.ProviderError{Status: http.StatusUnprocessableEntity, Code: "weak_password", Message: "Password should be at least 6 characters."}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(params.Password), b.cost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return nil, &identity.ProviderError{Status: http.StatusUnprocessableEntity, Code: "weak_password", Message: "Password cannot be longer than 72 bytes."}
	}
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	acct := &account{id: uuid.NewString(), email: key, passwordHash: hash}
	b.accounts[key] = acct

	if b.autoConfirm {
		now := b.now()
		acct.confirmedAt = &now
		session, err := b.issueLocked(acct)
		if err != nil {
			return nil, err
		}
		return &identity.AuthResponse{User: remoteUser(acct), Session: session}, nil
	}

	b.sendLocked(acct, identity.OTPSignup, params.RedirectTo, params.CodeChallenge)
	return &identity.AuthResponse{User: remoteUser(acct)}, nil
}

func (b *Backend) SignInWithPassword(ctx context.Context, email, password string) (*identity.AuthResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure("SignInWithPassword"); err != nil {
		return nil, err
	}

	acct, ok := b.accounts[normalizeEmail(email)]
	if !ok || bcrypt.CompareHashAndPassword(acct.passwordHash, []byte(password)) != nil {
		return nil, &identity.ProviderError{Status: http.StatusBadRequest, Code: "invalid_credentials", Message: "Invalid login credentials"}
	}
	if acct.confirmedAt == nil {
		return nil, &identity.ProviderError{Status: http.StatusBadRequest, Code: "email_not_confirmed", Message: "Email not confirmed"}
	}

	session, err := b.issueLocked(acct)
	if err != nil {
		return nil, err
	}
	return &identity.AuthResponse{User: remoteUser(acct), Session: session}, nil
}

func (b *Backend) SignOut(ctx context.Context, accessToken string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure("SignOut"); err != nil {
		return err
	}

	c, err := b.parseLocked(accessToken)
	if err != nil {
		return err
	}
	b.revokeLocked(c.SessionID)
	return nil
}

func (b *Backend) GetUser(ctx context.Context, accessToken string) (*identity.RemoteUser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure("GetUser"); err != nil {
		return nil, err
	}

	c, err := b.parseLocked(accessToken)
	if err != nil {
		return nil, err
	}
	acct := b.accountByIDLocked(c.Subject)
	if acct == nil {
		return nil, errUserNotFound()
	}
	return remoteUser(acct), nil
}

func (b *Backend) RefreshToken(ctx context.Context, refreshToken string) (*identity.AuthResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure("RefreshToken"); err != nil {
		return nil, err
	}

	sessionID, ok := b.refresh[refreshToken]
	if !ok {
		return nil, &identity.ProviderError{Status: http.StatusBadRequest, Code: "refresh_token_not_found", Message: "Invalid Refresh Token: Refresh Token Not Found"}
	}
	acct := b.accountByIDLocked(b.sessions[sessionID])
	if acct == nil {
		return nil, errUserNotFound()
	}

	// rotate: the old refresh token is single use
	b.revokeLocked(sessionID)
	session, err := b.issueLocked(acct)
	if err != nil {
		return nil, err
	}
	return &identity.AuthResponse{User: remoteUser(acct), Session: session}, nil
}

func (b *Backend) VerifyOTP(ctx context.Context, params identity.VerifyParams) (*identity.AuthResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure("VerifyOTP"); err != nil {
		return nil, err
	}

	hash := params.TokenHash
	if hash == "" {
		hash = params.Token
	}
	otp, ok := b.otps[hash]
	if !ok || !compatible(otp.otpType, params.Type) {
		return nil, &identity.ProviderError{Status: http.StatusForbidden, Code: "otp_expired", Message: "Email link is invalid or has expired"}
	}
	delete(b.otps, hash)

	acct := b.accountByIDLocked(otp.userID)
	if acct == nil {
		return nil, errUserNotFound()
	}
	b.confirmLocked(acct)

	session, err := b.issueLocked(acct)
	if err != nil {
		return nil, err
	}
	return &identity.AuthResponse{User: remoteUser(acct), Session: session}, nil
}

func (b *Backend) ExchangeCode(ctx context.Context, authCodeValue, codeVerifier string) (*identity.AuthResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure("ExchangeCode"); err != nil {
		return nil, err
	}

	code, ok := b.codes[authCodeValue]
	if !ok {
		return nil, &identity.ProviderError{Status: http.StatusNotFound, Code: "flow_state_not_found", Message: "invalid flow state, no valid flow state found"}
	}
	if s256(codeVerifier) != code.challenge {
		return nil, &identity.ProviderError{Status: http.StatusBadRequest, Code: "bad_code_verifier", Message: "code challenge does not match previously saved code verifier"}
	}
	delete(b.codes, authCodeValue)

	acct := b.accountByIDLocked(code.userID)
	if acct == nil {
		return nil, errUserNotFound()
	}
	if code.otpType == identity.OTPSignup {
		b.confirmLocked(acct)
	}

	session, err := b.issueLocked(acct)
	if err != nil {
		return nil, err
	}
	return &identity.AuthResponse{User: remoteUser(acct), Session: session}, nil
}

func (b *Backend) Resend(ctx context.Context, params identity.ResendParams) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure("Resend"); err != nil {
		return err
	}

	acct, ok := b.accounts[normalizeEmail(params.Email)]
	if !ok || acct.confirmedAt != nil {
		// the provider does not reveal whether an address is registered
		return nil
	}
	b.sendLocked(acct, params.Type, params.RedirectTo, "")
	return nil
}

func (b *Backend) Recover(ctx context.Context, params identity.RecoverParams) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure("Recover"); err != nil {
		return err
	}

	acct, ok := b.accounts[normalizeEmail(params.Email)]
	if !ok {
		return nil
	}
	b.sendLocked(acct, identity.OTPRecovery, params.RedirectTo, params.CodeChallenge)
	return nil
}

func (b *Backend) takeFailure(op string) error {
	err, ok := b.failures[op]
	if !ok {
		return nil
	}
	delete(b.failures, op)
	return err
}

// issueLocked creates a new session for acct
func (b *Backend) issueLocked(acct *account) (*identity.RemoteSession, error) {
	sessionID := uuid.NewString()
	expiresAt := b.now().Add(b.ttl).Truncate(time.Second)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Email:     acct.email,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   acct.id,
			IssuedAt:  jwt.NewNumericDate(b.now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(b.signingKey)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	refreshToken := randomToken()
	b.sessions[sessionID] = acct.id
	b.refresh[refreshToken] = sessionID

	return &identity.RemoteSession{
		AccessToken:  signed,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	}, nil
}

func (b *Backend) parseLocked(accessToken string) (*claims, error) {
	c := &claims{}
	_, err := jwt.ParseWithClaims(accessToken, c, func(t *jwt.Token) (interface{}, error) {
		return b.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(b.now),
	)
	if err != nil {
		return nil, &identity.ProviderError{Status: http.StatusUnauthorized, Code: "bad_jwt", Message: "invalid JWT: " + err.Error()}
	}
	if _, ok := b.sessions[c.SessionID]; !ok {
		return nil, &identity.ProviderError{Status: http.StatusForbidden, Code: "session_not_found", Message: "Session from session_id claim in JWT does not exist"}
	}
	return c, nil
}

func (b *Backend) revokeLocked(sessionID string) {
	delete(b.sessions, sessionID)
	for token, id := range b.refresh {
		if id == sessionID {
			delete(b.refresh, token)
		}
	}
}

func (b *Backend) confirmLocked(acct *account) {
	if acct.confirmedAt == nil {
		now := b.now()
		acct.confirmedAt = &now
	}
}

// sendLocked records an email. With a PKCE challenge the link carries an
// authorization code, otherwise a token hash.
func (b *Backend) sendLocked(acct *account, otpType identity.OTPType, redirectTo, challenge string) {
	mail := Email{Type: otpType, To: acct.email}
	q := url.Values{}

	if challenge != "" {
		mail.Code = uuid.NewString()
		b.codes[mail.Code] = authCode{userID: acct.id, challenge: challenge, otpType: otpType}
		q.Set("code", mail.Code)
		if otpType == identity.OTPRecovery {
			q.Set("type", string(otpType))
		}
	} else {
		mail.TokenHash = randomToken()
		b.otps[mail.TokenHash] = oneTimeToken{userID: acct.id, otpType: otpType}
		q.Set("token_hash", mail.TokenHash)
		q.Set("type", string(otpType))
	}

	mail.Link = redirectTo + "?" + q.Encode()
	b.outbox = append(b.outbox, mail)
}

func (b *Backend) accountByIDLocked(id string) *account {
	for _, acct := range b.accounts {
		if acct.id == id {
			return acct
		}
	}
	return nil
}

func remoteUser(acct *account) *identity.RemoteUser {
	u := &identity.RemoteUser{ID: acct.id, Email: acct.email}
	if acct.confirmedAt != nil {
		t := *acct.confirmedAt
		u.EmailConfirmedAt = &t
	}
	return u
}

// compatible reports whether a link issued for issued may be verified as requested
func compatible(issued, requested identity.OTPType) bool {
	if issued == requested || requested == identity.OTPEmail {
		return true
	}
	return issued == identity.OTPSignup && requested == identity.OTPMagicLink
}

func errUserNotFound() error {
	return &identity.ProviderError{Status: http.StatusNotFound, Code: "user_not_found", Message: "User not found"}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func randomToken() string {
	b := make([]byte, 24)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
