package supabase

import (
	"time"

	"github.com/felixgeelhaar/picala/internal/identity"
)

type userResponse struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	EmailConfirmedAt *time.Time `json:"email_confirmed_at"`
	ConfirmedAt      *time.Time `json:"confirmed_at"`
}

// sessionResponse is returned by the token, verify and sign-up endpoints.
// Sign-up without auto-confirm returns a bare user object, which decodes
// into the embedded user fields.
type sessionResponse struct {
	AccessToken  string        `json:"access_token"`
	TokenType    string        `json:"token_type"`
	ExpiresIn    int64         `json:"expires_in"`
	ExpiresAt    int64         `json:"expires_at"`
	RefreshToken string        `json:"refresh_token"`
	User         *userResponse `json:"user"`

	userResponse
}

// errorResponse covers the error shapes the auth API has used over time
type errorResponse struct {
	Code             any    `json:"code"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (u *userResponse) toRemote() *identity.RemoteUser {
	if u == nil || u.ID == "" {
		return nil
	}
	confirmed := u.EmailConfirmedAt
	if confirmed == nil {
		confirmed = u.ConfirmedAt
	}
	return &identity.RemoteUser{ID: u.ID, Email: u.Email, EmailConfirmedAt: confirmed}
}

func (r *sessionResponse) toAuthResponse(now time.Time) *identity.AuthResponse {
	out := &identity.AuthResponse{}

	if r.User != nil {
		out.User = r.User.toRemote()
	} else {
		out.User = r.userResponse.toRemote()
	}

	if r.AccessToken != "" {
		// zero when the provider sent neither field; the client then reads
		// the access token's exp claim
		var expiresAt time.Time
		switch {
		case r.ExpiresAt > 0:
			expiresAt = time.Unix(r.ExpiresAt, 0)
		case r.ExpiresIn > 0:
			expiresAt = now.Add(time.Duration(r.ExpiresIn) * time.Second)
		}
		out.Session = &identity.RemoteSession{
			AccessToken:  r.AccessToken,
			RefreshToken: r.RefreshToken,
			ExpiresAt:    expiresAt,
		}
	}
	return out
}

func (e *errorResponse) toProviderError(status int) *identity.ProviderError {
	pe := &identity.ProviderError{Status: status, Code: e.ErrorCode}

	switch {
	case e.Msg != "":
		pe.Message = e.Msg
	case e.ErrorDescription != "":
		pe.Message = e.ErrorDescription
	case e.Message != "":
		pe.Message = e.Message
	default:
		pe.Message = e.Error
	}

	if pe.Code == "" {
		if s, ok := e.Code.(string); ok {
			pe.Code = s
		}
	}
	return pe
}
