package memory

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/felixgeelhaar/picala/internal/identity"
)

func signUp(t *testing.T, b *Backend, email string) *identity.AuthResponse {
	t.Helper()
	resp, err := b.SignUp(context.Background(), identity.SignUpParams{
		Email:      email,
		Password:   "secret1",
		RedirectTo: "picala://verify-email",
	})
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	return resp
}

func providerCode(err error) string {
	var pe *identity.ProviderError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

func TestBackend_SignUpSendsTokenHashLink(t *testing.T) {
	b := New(Config{})
	resp := signUp(t, b, "A@Picala.app")

	if resp.Session != nil {
		t.Error("Session should be nil until confirmed")
	}
	if resp.User.Email != "a@picala.app" {
		t.Errorf("Email = %v, want normalized address", resp.User.Email)
	}

	mail, ok := b.LastEmail("a@picala.app")
	if !ok {
		t.Fatal("no email sent")
	}
	u, err := url.Parse(mail.Link)
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	if u.Query().Get("token_hash") != mail.TokenHash || u.Query().Get("type") != "signup" {
		t.Errorf("Link = %v", mail.Link)
	}
}

func TestBackend_VerifyOTPIsSingleUse(t *testing.T) {
	b := New(Config{})
	signUp(t, b, "a@picala.app")
	mail, _ := b.LastEmail("a@picala.app")
	ctx := context.Background()

	resp, err := b.VerifyOTP(ctx, identity.VerifyParams{Type: identity.OTPSignup, TokenHash: mail.TokenHash})
	if err != nil {
		t.Fatalf("VerifyOTP() error = %v", err)
	}
	if resp.User.EmailConfirmedAt == nil || resp.Session == nil {
		t.Errorf("VerifyOTP() = %+v, want confirmed user with session", resp)
	}

	_, err = b.VerifyOTP(ctx, identity.VerifyParams{Type: identity.OTPSignup, TokenHash: mail.TokenHash})
	if providerCode(err) != "otp_expired" {
		t.Errorf("second VerifyOTP() error = %v, want otp_expired", err)
	}
}

func TestBackend_VerifyOTPTypeMismatch(t *testing.T) {
	b := New(Config{})
	signUp(t, b, "a@picala.app")
	mail, _ := b.LastEmail("a@picala.app")

	_, err := b.VerifyOTP(context.Background(), identity.VerifyParams{Type: identity.OTPRecovery, TokenHash: mail.TokenHash})
	if providerCode(err) != "otp_expired" {
		t.Errorf("VerifyOTP() error = %v, want otp_expired", err)
	}
}

func TestBackend_PKCEExchange(t *testing.T) {
	b := New(Config{})
	verifier := "verifier-0123456789-0123456789-0123456789"
	_, err := b.SignUp(context.Background(), identity.SignUpParams{
		Email:               "a@picala.app",
		Password:            "secret1",
		RedirectTo:          "picala://verify-email",
		CodeChallenge:       s256(verifier),
		CodeChallengeMethod: "s256",
	})
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	mail, _ := b.LastEmail("a@picala.app")
	if mail.Code == "" {
		t.Fatal("expected an authorization code")
	}

	if _, err := b.ExchangeCode(context.Background(), mail.Code, "wrong"); providerCode(err) != "bad_code_verifier" {
		t.Errorf("ExchangeCode(wrong verifier) error = %v", err)
	}

	resp, err := b.ExchangeCode(context.Background(), mail.Code, verifier)
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	if resp.User.EmailConfirmedAt == nil {
		t.Error("sign-up code exchange should confirm the email")
	}

	if _, err := b.ExchangeCode(context.Background(), mail.Code, verifier); providerCode(err) != "flow_state_not_found" {
		t.Errorf("reused code error = %v, want flow_state_not_found", err)
	}
}

func TestBackend_RefreshRotates(t *testing.T) {
	b := New(Config{AutoConfirm: true})
	resp := signUp(t, b, "a@picala.app")
	ctx := context.Background()

	next, err := b.RefreshToken(ctx, resp.Session.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshToken() error = %v", err)
	}
	if next.Session.RefreshToken == resp.Session.RefreshToken {
		t.Error("refresh token should rotate")
	}

	if _, err := b.RefreshToken(ctx, resp.Session.RefreshToken); providerCode(err) != "refresh_token_not_found" {
		t.Errorf("old refresh token error = %v", err)
	}
	if _, err := b.GetUser(ctx, resp.Session.AccessToken); providerCode(err) != "session_not_found" {
		t.Errorf("GetUser(old access token) error = %v, want session_not_found", err)
	}
}

func TestBackend_ExpiredAccessToken(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	b := New(Config{AutoConfirm: true, TokenTTL: time.Minute, Now: func() time.Time { return now }})
	resp := signUp(t, b, "a@picala.app")

	now = now.Add(2 * time.Minute)
	if _, err := b.GetUser(context.Background(), resp.Session.AccessToken); providerCode(err) != "bad_jwt" {
		t.Errorf("GetUser() error = %v, want bad_jwt", err)
	}
}

func TestBackend_SignOutRevokes(t *testing.T) {
	b := New(Config{AutoConfirm: true})
	resp := signUp(t, b, "a@picala.app")
	ctx := context.Background()

	if err := b.SignOut(ctx, resp.Session.AccessToken); err != nil {
		t.Fatalf("SignOut() error = %v", err)
	}
	if _, err := b.RefreshToken(ctx, resp.Session.RefreshToken); err == nil {
		t.Error("refresh after sign out should fail")
	}
}

func TestBackend_FailNext(t *testing.T) {
	b := New(Config{AutoConfirm: true})
	resp := signUp(t, b, "a@picala.app")
	boom := errors.New("boom")
	b.FailNext("GetUser", boom)
	ctx := context.Background()

	if _, err := b.GetUser(ctx, resp.Session.AccessToken); !errors.Is(err, boom) {
		t.Errorf("GetUser() error = %v, want injected failure", err)
	}
	if _, err := b.GetUser(ctx, resp.Session.AccessToken); err != nil {
		t.Errorf("GetUser() after injected failure error = %v", err)
	}
}

func TestBackend_ResendSkipsConfirmedAccounts(t *testing.T) {
	b := New(Config{AutoConfirm: true})
	signUp(t, b, "a@picala.app")

	err := b.Resend(context.Background(), identity.ResendParams{Type: identity.OTPSignup, Email: "a@picala.app"})
	if err != nil {
		t.Fatalf("Resend() error = %v", err)
	}
	if n := len(b.Outbox()); n != 0 {
		t.Errorf("emails = %d, want 0", n)
	}
}

func TestBackend_PasswordsAreHashed(t *testing.T) {
	b := New(Config{AutoConfirm: true})
	signUp(t, b, "a@picala.app")

	acct := b.accounts["a@picala.app"]
	if string(acct.passwordHash) == "secret1" {
		t.Fatal("password stored in plain text")
	}

	ctx := context.Background()
	if _, err := b.SignInWithPassword(ctx, "a@picala.app", "secret1"); err != nil {
		t.Errorf("SignInWithPassword() error = %v", err)
	}
	_, err := b.SignInWithPassword(ctx, "a@picala.app", "secret2")
	if providerCode(err) != "invalid_credentials" {
		t.Errorf("wrong password error = %v, want invalid_credentials", err)
	}
}

func TestBackend_SignUpRejectsOverlongPassword(t *testing.T) {
	b := New(Config{})
	long := make([]byte, 73)
	for i := range long {
		long[i] = 'a'
	}
	_, err := b.SignUp(context.Background(), identity.SignUpParams{Email: "a@picala.app", Password: string(long)})
	if providerCode(err) != "weak_password" {
		t.Errorf("SignUp() error = %v, want weak_password", err)
	}
}
