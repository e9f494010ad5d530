package domain

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestAuthState_IsAuthenticated(t *testing.T) {
	if (AuthState{}).IsAuthenticated() {
		t.Error("empty state should not be authenticated")
	}
	if !(AuthState{User: &User{ID: "u1"}}).IsAuthenticated() {
		t.Error("state with user should be authenticated")
	}
}

func TestAuthState_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(AuthState{User: &User{ID: "u1"}, Loading: false})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(data), `"isAuthenticated":true`) {
		t.Errorf("Marshal() = %s, want isAuthenticated true", data)
	}
}

func TestParseAppState(t *testing.T) {
	for _, s := range []string{"active", "inactive", "background"} {
		if _, err := ParseAppState(s); err != nil {
			t.Errorf("ParseAppState(%q) error = %v", s, err)
		}
	}
	if _, err := ParseAppState("suspended"); err != ErrInvalidAppState {
		t.Errorf("ParseAppState(suspended) error = %v, want %v", err, ErrInvalidAppState)
	}
}
