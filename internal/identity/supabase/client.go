// Package supabase implements identity.Backend against the Supabase Auth
// (GoTrue) REST API.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/felixgeelhaar/picala/internal/identity"
)

const clientInfo = "picala-go/1.0"

// Config holds Supabase connection settings
type Config struct {
	// URL is the project URL, e.g. https://xyz.supabase.co
	URL string
	// AnonKey is the public anon key sent as apikey
	AnonKey string
	// Timeout bounds each request (default: 15s)
	Timeout time.Duration
	// HTTPClient overrides the tuned default client
	HTTPClient *http.Client
}

// Backend talks to the Supabase Auth API
type Backend struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
	now        func() time.Time
}

var _ identity.Backend = (*Backend)(nil)

// New creates a Supabase backend
func New(cfg Config) (*Backend, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase url is required")
	}
	if cfg.AnonKey == "" {
		return nil, fmt.Errorf("supabase anon key is required")
	}
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, fmt.Errorf("parse supabase url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = newAuthHTTPClient(cfg.Timeout)
	}

	return &Backend{
		baseURL:    strings.TrimRight(cfg.URL, "/") + "/auth/v1",
		anonKey:    cfg.AnonKey,
		httpClient: cfg.HTTPClient,
		now:        time.Now,
	}, nil
}

func (b *Backend) Name() string {
	return "supabase"
}

func (b *Backend) SignUp(ctx context.Context, params identity.SignUpParams) (*identity.AuthResponse, error) {
	body := map[string]string{
		"email":    params.Email,
		"password": params.Password,
	}
	addChallenge(body, params.CodeChallenge, params.CodeChallengeMethod)

	return b.sessionCall(ctx, http.MethodPost, "/signup", redirectQuery(params.RedirectTo), "", body)
}

func (b *Backend) SignInWithPassword(ctx context.Context, email, password string) (*identity.AuthResponse, error) {
	q := url.Values{"grant_type": {"password"}}
	return b.sessionCall(ctx, http.MethodPost, "/token", q, "", map[string]string{
		"email":    email,
		"password": password,
	})
}

func (b *Backend) SignOut(ctx context.Context, accessToken string) error {
	q := url.Values{"scope": {"local"}}
	return b.do(ctx, http.MethodPost, "/logout", q, accessToken, nil, nil)
}

func (b *Backend) GetUser(ctx context.Context, accessToken string) (*identity.RemoteUser, error) {
	var resp userResponse
	if err := b.do(ctx, http.MethodGet, "/user", nil, accessToken, nil, &resp); err != nil {
		return nil, err
	}
	user := resp.toRemote()
	if user == nil {
		return nil, &identity.ProviderError{Status: http.StatusNotFound, Code: "user_not_found", Message: "User not found"}
	}
	return user, nil
}

func (b *Backend) RefreshToken(ctx context.Context, refreshToken string) (*identity.AuthResponse, error) {
	q := url.Values{"grant_type": {"refresh_token"}}
	return b.sessionCall(ctx, http.MethodPost, "/token", q, "", map[string]string{
		"refresh_token": refreshToken,
	})
}

func (b *Backend) VerifyOTP(ctx context.Context, params identity.VerifyParams) (*identity.AuthResponse, error) {
	body := map[string]string{"type": string(params.Type)}
	if params.TokenHash != "" {
		body["token_hash"] = params.TokenHash
	} else {
		body["token"] = params.Token
		body["email"] = params.Email
	}
	return b.sessionCall(ctx, http.MethodPost, "/verify", redirectQuery(params.RedirectTo), "", body)
}

func (b *Backend) ExchangeCode(ctx context.Context, authCode, codeVerifier string) (*identity.AuthResponse, error) {
	q := url.Values{"grant_type": {"pkce"}}
	return b.sessionCall(ctx, http.MethodPost, "/token", q, "", map[string]string{
		"auth_code":     authCode,
		"code_verifier": codeVerifier,
	})
}

func (b *Backend) Resend(ctx context.Context, params identity.ResendParams) error {
	return b.do(ctx, http.MethodPost, "/resend", redirectQuery(params.RedirectTo), "", map[string]string{
		"type":  string(params.Type),
		"email": params.Email,
	}, nil)
}

func (b *Backend) Recover(ctx context.Context, params identity.RecoverParams) error {
	body := map[string]string{"email": params.Email}
	addChallenge(body, params.CodeChallenge, params.CodeChallengeMethod)
	return b.do(ctx, http.MethodPost, "/recover", redirectQuery(params.RedirectTo), "", body, nil)
}

func (b *Backend) sessionCall(ctx context.Context, method, path string, q url.Values, bearer string, body any) (*identity.AuthResponse, error) {
	var resp sessionResponse
	if err := b.do(ctx, method, path, q, bearer, body, &resp); err != nil {
		return nil, err
	}
	return resp.toAuthResponse(b.now()), nil
}

// do sends one request. Non-2xx answers become *identity.ProviderError.
func (b *Backend) do(ctx context.Context, method, path string, q url.Values, bearer string, body, out any) error {
	endpoint := b.baseURL + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if bearer == "" {
		bearer = b.anonKey
	}
	req.Header.Set("apikey", b.anonKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("X-Client-Info", clientInfo)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr errorResponse
		if err := json.Unmarshal(respBody, &apiErr); err != nil {
			return &identity.ProviderError{Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		}
		return apiErr.toProviderError(resp.StatusCode)
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func redirectQuery(redirectTo string) url.Values {
	if redirectTo == "" {
		return nil
	}
	return url.Values{"redirect_to": {redirectTo}}
}

func addChallenge(body map[string]string, challenge, method string) {
	if challenge == "" {
		return
	}
	body["code_challenge"] = challenge
	body["code_challenge_method"] = method
}
