package domain

import (
	"time"
)

// User is an immutable snapshot of the identity provider's user record.
// A new snapshot replaces the old one on every auth change.
type User struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	EmailConfirmed   bool       `json:"email_confirmed"`
	EmailConfirmedAt *time.Time `json:"email_confirmed_at,omitempty"`
}

// Session is an authenticated session issued by the identity provider.
// It is either complete or absent; there is no partially valid session.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         User      `json:"user"`
}

// Complete reports whether every field required to use the session is set.
func (s *Session) Complete() bool {
	if s == nil {
		return false
	}
	return s.AccessToken != "" &&
		s.RefreshToken != "" &&
		!s.ExpiresAt.IsZero() &&
		s.User.ID != ""
}

// ExpiresWithin reports whether the access token expires at or before now+margin.
func (s *Session) ExpiresWithin(now time.Time, margin time.Duration) bool {
	return !s.ExpiresAt.After(now.Add(margin))
}

// UserCopy returns a pointer to a copy of the session's user.
func (s *Session) UserCopy() *User {
	if s == nil {
		return nil
	}
	u := s.User
	if s.User.EmailConfirmedAt != nil {
		t := *s.User.EmailConfirmedAt
		u.EmailConfirmedAt = &t
	}
	return &u
}
