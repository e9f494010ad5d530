// Package deeplink turns incoming application URLs into identity operations
// and navigation.
package deeplink

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/felixgeelhaar/picala/internal/domain"
)

// Kind is the classification of an incoming link
type Kind string

const (
	KindCodeExchange    Kind = "code_exchange"
	KindImplicitSession Kind = "implicit_session"
	KindOneTimeToken    Kind = "one_time_token"
	KindProviderError   Kind = "provider_error"
	KindIncomplete      Kind = "incomplete"
	KindNavigation      Kind = "navigation"
	KindIgnore          Kind = "ignore"
)

// Purpose is what a successful auth link leads to
type Purpose string

const (
	PurposeVerification Purpose = "verification"
	PurposeReset        Purpose = "reset"
)

// Link paths the application recognizes
const (
	PathVerifyEmail    = "/verify-email"
	PathResetPassword  = "/reset-password"
	PathCallback       = "/callback"
	PathLogin          = "/login"
	PathRegister       = "/register"
	PathForgotPassword = "/forgot-password"
)

var authPaths = map[string]bool{
	PathVerifyEmail:   true,
	PathResetPassword: true,
	PathCallback:      true,
}

var navigationPaths = map[string]bool{
	PathLogin:          true,
	PathRegister:       true,
	PathForgotPassword: true,
}

// Request is a parsed and classified link
type Request struct {
	Raw      string
	Scheme   string
	Path     string
	Query    map[string]string
	Fragment map[string]string
	// Params is Query overlaid with Fragment
	Params  map[string]string
	Kind    Kind
	Purpose Purpose
}

// Param returns a merged parameter
func (r *Request) Param(key string) string {
	return r.Params[key]
}

// Parse parses and classifies raw. For custom schemes the host is the
// first path segment, so picala://verify-email has path /verify-email.
// Fragment parameters override query parameters of the same name.
func Parse(raw string) (*Request, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidDeepLink, err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("%w: missing scheme", domain.ErrInvalidDeepLink)
	}

	req := &Request{
		Raw:      raw,
		Scheme:   strings.ToLower(u.Scheme),
		Path:     linkPath(u),
		Query:    make(map[string]string),
		Fragment: parseFragment(u.EscapedFragment()),
		Params:   make(map[string]string),
	}

	for k, v := range u.Query() {
		if len(v) > 0 {
			req.Query[k] = v[0]
		}
	}
	for k, v := range req.Query {
		req.Params[k] = v
	}
	for k, v := range req.Fragment {
		req.Params[k] = v
	}

	req.Kind = classify(req)
	req.Purpose = purpose(req)
	return req, nil
}

func linkPath(u *url.URL) string {
	path := u.Path
	if u.Scheme != "http" && u.Scheme != "https" && u.Host != "" {
		path = "/" + u.Host + path
	}
	// development builds prefix routes with /--
	if i := strings.Index(path, "/--/"); i >= 0 {
		path = path[i+3:]
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	if path == "" {
		path = "/"
	}
	return path
}

// parseFragment splits an &-separated k=v list, percent-decoding values
func parseFragment(fragment string) map[string]string {
	params := make(map[string]string)
	if fragment == "" {
		return params
	}
	for _, pair := range strings.Split(fragment, "&") {
		key, value, _ := strings.Cut(pair, "=")
		if key == "" {
			continue
		}
		if decoded, err := url.PathUnescape(value); err == nil {
			value = decoded
		}
		params[key] = value
	}
	return params
}

func classify(r *Request) Kind {
	p := r.Params
	switch {
	case p["code"] != "":
		return KindCodeExchange
	case p["access_token"] != "" && p["refresh_token"] != "":
		return KindImplicitSession
	case p["token"] != "" || p["token_hash"] != "":
		return KindOneTimeToken
	case p["error"] != "" || p["error_code"] != "":
		return KindProviderError
	case authPaths[r.Path]:
		return KindIncomplete
	case navigationPaths[r.Path]:
		return KindNavigation
	}
	return KindIgnore
}

func purpose(r *Request) Purpose {
	if r.Path == PathResetPassword || r.Params["type"] == "recovery" {
		return PurposeReset
	}
	return PurposeVerification
}
