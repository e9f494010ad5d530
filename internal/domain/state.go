package domain

import "encoding/json"

// AuthState is the application-wide view of authentication.
type AuthState struct {
	User    *User
	Loading bool
}

// IsAuthenticated is derived from the presence of a user and never stored.
func (s AuthState) IsAuthenticated() bool {
	return s.User != nil
}

// MarshalJSON includes the derived isAuthenticated flag.
func (s AuthState) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		User            *User `json:"user"`
		Loading         bool  `json:"loading"`
		IsAuthenticated bool  `json:"isAuthenticated"`
	}{
		User:            s.User,
		Loading:         s.Loading,
		IsAuthenticated: s.IsAuthenticated(),
	})
}

// AppState is the foreground/background lifecycle state of the host application.
type AppState string

const (
	AppStateActive     AppState = "active"
	AppStateInactive   AppState = "inactive"
	AppStateBackground AppState = "background"
)

// ParseAppState converts a string to an AppState
func ParseAppState(s string) (AppState, error) {
	switch AppState(s) {
	case AppStateActive, AppStateInactive, AppStateBackground:
		return AppState(s), nil
	default:
		return "", ErrInvalidAppState
	}
}
