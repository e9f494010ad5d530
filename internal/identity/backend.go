package identity

import (
	"context"
	"time"
)

// Backend is the raw remote identity provider. Implementations return
// *ProviderError for provider-reported failures and plain errors for
// transport failures; they never translate errors for display.
type Backend interface {
	// Name identifies the backend in logs and status output
	Name() string
	SignUp(ctx context.Context, params SignUpParams) (*AuthResponse, error)
	SignInWithPassword(ctx context.Context, email, password string) (*AuthResponse, error)
	SignOut(ctx context.Context, accessToken string) error
	GetUser(ctx context.Context, accessToken string) (*RemoteUser, error)
	RefreshToken(ctx context.Context, refreshToken string) (*AuthResponse, error)
	VerifyOTP(ctx context.Context, params VerifyParams) (*AuthResponse, error)
	ExchangeCode(ctx context.Context, authCode, codeVerifier string) (*AuthResponse, error)
	Resend(ctx context.Context, params ResendParams) error
	Recover(ctx context.Context, params RecoverParams) error
}

// OTPType is the purpose of a one-time token
type OTPType string

const (
	OTPSignup      OTPType = "signup"
	OTPInvite      OTPType = "invite"
	OTPMagicLink   OTPType = "magiclink"
	OTPRecovery    OTPType = "recovery"
	OTPEmailChange OTPType = "email_change"
	OTPEmail       OTPType = "email"
)

// ParseOTPType converts a link's type parameter. An empty value means signup.
func ParseOTPType(s string) (OTPType, bool) {
	switch t := OTPType(s); t {
	case "":
		return OTPSignup, true
	case OTPSignup, OTPInvite, OTPMagicLink, OTPRecovery, OTPEmailChange, OTPEmail:
		return t, true
	default:
		return "", false
	}
}

// SignUpParams holds a registration request
type SignUpParams struct {
	Email               string
	Password            string
	RedirectTo          string
	CodeChallenge       string
	CodeChallengeMethod string
}

// VerifyParams holds a one-time token verification request.
// Either Token (with Email) or TokenHash is set.
type VerifyParams struct {
	Type       OTPType
	Token      string
	TokenHash  string
	Email      string
	RedirectTo string
}

// ResendParams holds a verification email resend request
type ResendParams struct {
	Type       OTPType
	Email      string
	RedirectTo string
}

// RecoverParams holds a password reset request
type RecoverParams struct {
	Email               string
	RedirectTo          string
	CodeChallenge       string
	CodeChallengeMethod string
}

// RemoteUser is the provider's user record
type RemoteUser struct {
	ID               string
	Email            string
	EmailConfirmedAt *time.Time
}

// RemoteSession is the provider's token bundle
type RemoteSession struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// AuthResponse is returned by operations that may yield a user and a session
type AuthResponse struct {
	User    *RemoteUser
	Session *RemoteSession
}
