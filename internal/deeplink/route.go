package deeplink

import (
	"net/url"
	"sort"
	"strings"
)

// Route names the application screens a link can lead to
const (
	RouteLogin          = "login"
	RouteRegister       = "register"
	RouteForgotPassword = "forgot-password"
	RouteResetPassword  = "reset-password"
	RouteInvalidLink    = "invalid-link"
)

// Reason codes carried by the invalid-link route
const (
	ReasonVerificationFailed = "verification_failed"
	ReasonInvalidLink        = "invalid_link"
	ReasonNetworkError       = "network_error"
)

var reasonMessages = map[string]string{
	ReasonVerificationFailed: "Email verification failed. Please try again or request a new verification link.",
	ReasonInvalidLink:        "The verification link is invalid or has expired. Please request a new one.",
	ReasonNetworkError:       "Network error. Please check your connection and try again.",
}

// ReasonMessage returns the message shown on the invalid-link screen
func ReasonMessage(reason string) string {
	if m, ok := reasonMessages[reason]; ok {
		return m
	}
	return "An error occurred during verification. Please try again."
}

// Route is a navigation target
type Route struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
}

// String renders the route as name?k=v with sorted keys
func (r Route) String() string {
	if len(r.Params) == 0 {
		return r.Name
	}
	keys := make([]string, 0, len(r.Params))
	for k := range r.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(r.Name)
	for i, k := range keys {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(r.Params[k]))
	}
	return b.String()
}

func verifiedLogin() Route {
	return Route{Name: RouteLogin, Params: map[string]string{"verified": "true"}}
}

func invalidLink(reason string) Route {
	return Route{Name: RouteInvalidLink, Params: map[string]string{"reason": reason}}
}
