package authstate

import "github.com/felixgeelhaar/picala/internal/domain"

// Destinations chosen by the route guard
const (
	DestinationLoading = "loading"
	DestinationLogin   = "login"
	DestinationTabs    = "tabs"
)

// Destination returns where the application belongs for state: a loading
// screen until rehydration ends, the main tabs when signed in, otherwise
// the login screen
func Destination(s domain.AuthState) string {
	switch {
	case s.Loading:
		return DestinationLoading
	case s.IsAuthenticated():
		return DestinationTabs
	default:
		return DestinationLogin
	}
}

// Guard reports whether a protected screen may be shown, and where to go
// instead when it may not
func Guard(s domain.AuthState) (allowed bool, redirect string) {
	dest := Destination(s)
	if dest == DestinationTabs {
		return true, ""
	}
	return false, dest
}
