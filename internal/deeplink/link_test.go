package deeplink

import (
	"errors"
	"testing"

	"github.com/felixgeelhaar/picala/internal/domain"
)

func TestParse_Classify(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		kind    Kind
		purpose Purpose
		path    string
	}{
		{"pkce code", "picala://verify-email?code=abc", KindCodeExchange, PurposeVerification, "/verify-email"},
		{"implicit fragment", "picala://reset-password#access_token=a&refresh_token=r&type=recovery", KindImplicitSession, PurposeReset, "/reset-password"},
		{"token hash", "picala://verify-email?token_hash=h&type=signup", KindOneTimeToken, PurposeVerification, "/verify-email"},
		{"legacy token", "https://picala.app/verify-email?token=t", KindOneTimeToken, PurposeVerification, "/verify-email"},
		{"recovery type", "picala://callback?code=abc&type=recovery", KindCodeExchange, PurposeReset, "/callback"},
		{"provider error", "picala://verify-email#error=access_denied&error_code=otp_expired", KindProviderError, PurposeVerification, "/verify-email"},
		{"no credential", "picala://verify-email", KindIncomplete, PurposeVerification, "/verify-email"},
		{"access token only", "picala://callback#access_token=a", KindIncomplete, PurposeVerification, "/callback"},
		{"login", "picala://login", KindNavigation, PurposeVerification, "/login"},
		{"register trailing slash", "picala://register/", KindNavigation, PurposeVerification, "/register"},
		{"unknown", "picala://profile/42", KindIgnore, PurposeVerification, "/profile/42"},
		{"root", "picala://", KindIgnore, PurposeVerification, "/"},
		{"dev prefix", "exp://127.0.0.1:8081/--/verify-email?code=abc", KindCodeExchange, PurposeVerification, "/verify-email"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := Parse(tt.raw)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if req.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", req.Kind, tt.kind)
			}
			if req.Purpose != tt.purpose {
				t.Errorf("Purpose = %v, want %v", req.Purpose, tt.purpose)
			}
			if req.Path != tt.path {
				t.Errorf("Path = %v, want %v", req.Path, tt.path)
			}
		})
	}
}

func TestParse_FragmentWins(t *testing.T) {
	req, err := Parse("picala://callback?type=signup&code=q#type=recovery")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if req.Param("type") != "recovery" {
		t.Errorf("type = %v, want recovery", req.Param("type"))
	}
	if req.Query["type"] != "signup" {
		t.Errorf("Query[type] = %v, want signup", req.Query["type"])
	}
	if req.Param("code") != "q" {
		t.Errorf("code = %v, want q", req.Param("code"))
	}
}

func TestParse_FragmentDecoding(t *testing.T) {
	req, err := Parse("picala://callback#access_token=a%2Bb%3D&refresh_token=r=1&empty=&=skip")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := req.Param("access_token"); got != "a+b=" {
		t.Errorf("access_token = %q, want %q", got, "a+b=")
	}
	if got := req.Param("refresh_token"); got != "r=1" {
		t.Errorf("refresh_token = %q, want %q", got, "r=1")
	}
	if _, ok := req.Fragment["empty"]; !ok {
		t.Error("empty value should be kept")
	}
	if _, ok := req.Fragment[""]; ok {
		t.Error("empty key should be skipped")
	}
}

func TestParse_Errors(t *testing.T) {
	for _, raw := range []string{"", "no-scheme", "%zz://x"} {
		if _, err := Parse(raw); !errors.Is(err, domain.ErrInvalidDeepLink) {
			t.Errorf("Parse(%q) error = %v, want ErrInvalidDeepLink", raw, err)
		}
	}
}

func TestRoute_String(t *testing.T) {
	if got := verifiedLogin().String(); got != "login?verified=true" {
		t.Errorf("String() = %v", got)
	}
	r := Route{Name: "x", Params: map[string]string{"b": "2", "a": "1 2"}}
	if got := r.String(); got != "x?a=1+2&b=2" {
		t.Errorf("String() = %v", got)
	}
	if got := (Route{Name: RouteResetPassword}).String(); got != "reset-password" {
		t.Errorf("String() = %v", got)
	}
}

func TestReasonMessage(t *testing.T) {
	if got := ReasonMessage(ReasonNetworkError); got != "Network error. Please check your connection and try again." {
		t.Errorf("ReasonMessage() = %v", got)
	}
	if got := ReasonMessage("other"); got != "An error occurred during verification. Please try again." {
		t.Errorf("ReasonMessage() = %v", got)
	}
}
