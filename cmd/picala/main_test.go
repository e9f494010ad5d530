package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/felixgeelhaar/picala/internal/config"
)

// fakeDaemon serves canned JSON per path
func fakeDaemon(t *testing.T, routes map[string]func(w http.ResponseWriter, r *http.Request)) *apiClient {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"healthy"}`))
	})
	for path, h := range routes {
		mux.HandleFunc(path, h)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &apiClient{baseURL: srv.URL, httpClient: srv.Client()}
}

func writeJSON(status int, body string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}
}

func TestRootCommandRegistersEverything(t *testing.T) {
	root := newRootCmd()
	want := []string{
		"init", "start", "stop", "status", "logs", "config",
		"register", "login", "logout", "whoami", "resend", "forgot-password",
		"open", "foreground", "background", "version",
	}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd == root {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(out.String(), "picala dev") {
		t.Errorf("output = %q", out.String())
	}
}

func TestAPIClient_ErrorBody(t *testing.T) {
	api := fakeDaemon(t, map[string]func(http.ResponseWriter, *http.Request){
		"/v1/auth/signin": writeJSON(http.StatusUnauthorized, `{"error":"Invalid email or password.","code":"InvalidCredentials"}`),
	})

	err := api.post(context.Background(), "/v1/auth/signin", map[string]string{"email": "a@b.co"}, nil)
	apiErr, ok := err.(*apiError)
	if !ok {
		t.Fatalf("error = %T %v, want *apiError", err, err)
	}
	if apiErr.Status != http.StatusUnauthorized || apiErr.Code != "InvalidCredentials" {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if apiErr.Error() != "Invalid email or password." {
		t.Errorf("Error() = %q", apiErr.Error())
	}
}

func TestAPIClient_Unreachable(t *testing.T) {
	api := &apiClient{baseURL: "http://127.0.0.1:1", httpClient: http.DefaultClient}
	if api.isRunning() {
		t.Error("isRunning() = true for a closed port")
	}
	if err := api.get(context.Background(), "/v1/status", nil); err == nil || !strings.Contains(err.Error(), "picala start") {
		t.Errorf("get() error = %v, want hint to start the daemon", err)
	}
}

func TestCmdStatus(t *testing.T) {
	api := fakeDaemon(t, map[string]func(http.ResponseWriter, *http.Request){
		"/v1/status": writeJSON(http.StatusOK, `{
			"status":"running","version":"0.1.0","provider":"supabase","token_store":"secure",
			"auth":{"user":{"email":"ada@example.com"},"isAuthenticated":true},
			"keepalive":{"armed":true,"interval":"30m0s"}
		}`),
	})

	var out bytes.Buffer
	if err := cmdStatus(context.Background(), &out, api); err != nil {
		t.Fatalf("cmdStatus() error = %v", err)
	}
	for _, want := range []string{"running", "supabase", "secure", "ada@example.com", "every 30m0s"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("status output missing %q:\n%s", want, out.String())
		}
	}
}

func TestCmdWhoAmI_NotSignedIn(t *testing.T) {
	api := fakeDaemon(t, map[string]func(http.ResponseWriter, *http.Request){
		"/v1/auth/user": writeJSON(http.StatusUnauthorized, `{"error":"Your session has ended.","code":"SessionMissing"}`),
	})

	var out bytes.Buffer
	if err := cmdWhoAmI(context.Background(), &out, api); err != nil {
		t.Fatalf("cmdWhoAmI() error = %v", err)
	}
	if strings.TrimSpace(out.String()) != "Not signed in" {
		t.Errorf("output = %q", out.String())
	}
}

func TestCmdRegister(t *testing.T) {
	var signup map[string]string
	api := fakeDaemon(t, map[string]func(http.ResponseWriter, *http.Request){
		"/v1/auth/password-strength": writeJSON(http.StatusOK, `{"level":"good","score":3,"label":"Good"}`),
		"/v1/auth/signup": func(w http.ResponseWriter, r *http.Request) {
			json.NewDecoder(r.Body).Decode(&signup)
			writeJSON(http.StatusCreated, `{"user":{"email":"ada@example.com"},"requiresEmailConfirmation":true}`)(w, r)
		},
	})

	var out bytes.Buffer
	if err := cmdRegister(context.Background(), &out, api, "ada@example.com", "secret123", "secret123"); err != nil {
		t.Fatalf("cmdRegister() error = %v", err)
	}
	if signup["confirm_password"] != "secret123" {
		t.Errorf("signup body = %v", signup)
	}
	if !strings.Contains(out.String(), "Password strength: Good") || !strings.Contains(out.String(), "verification link") {
		t.Errorf("output = %q", out.String())
	}
}

func TestCmdOpen(t *testing.T) {
	api := fakeDaemon(t, map[string]func(http.ResponseWriter, *http.Request){
		"/v1/links": writeJSON(http.StatusOK, `{"kind":"one_time_token","result":"failed","route":"invalid-link?reason=invalid_link","code":"InvalidOrExpiredToken","error":"The verification link is invalid or has expired."}`),
	})

	var out bytes.Buffer
	if err := cmdOpen(context.Background(), &out, api, "picala://verify-email?token_hash=x&type=signup"); err != nil {
		t.Fatalf("cmdOpen() error = %v", err)
	}
	if !strings.Contains(out.String(), "invalid or has expired") || !strings.Contains(out.String(), "invalid-link") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunInit_Memory(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	if err := runInit(strings.NewReader(""), &out, dir, initOptions{provider: config.ProviderMemory}); err != nil {
		t.Fatalf("runInit() error = %v", err)
	}

	cfg, err := config.LoadLocalConfigFrom(dir)
	if err != nil {
		t.Fatalf("LoadLocalConfigFrom() error = %v", err)
	}
	if cfg.Provider.Kind != config.ProviderMemory {
		t.Errorf("Provider.Kind = %q, want memory", cfg.Provider.Kind)
	}
	if _, err := os.Stat(filepath.Join(dir, "secrets.yaml")); !os.IsNotExist(err) {
		t.Error("secrets.yaml should not be written without an anon key")
	}
}

func TestRunInit_SupabasePrompts(t *testing.T) {
	dir := t.TempDir()
	in := strings.NewReader("https://demo.supabase.co\nanon-key-123\n")
	var out bytes.Buffer
	if err := runInit(in, &out, dir, initOptions{provider: config.ProviderSupabase}); err != nil {
		t.Fatalf("runInit() error = %v", err)
	}

	cfg, err := config.LoadLocalConfigFrom(dir)
	if err != nil {
		t.Fatalf("LoadLocalConfigFrom() error = %v", err)
	}
	if cfg.Provider.URL != "https://demo.supabase.co" {
		t.Errorf("Provider.URL = %q", cfg.Provider.URL)
	}
	if cfg.Provider.AnonKey != "anon-key-123" {
		t.Errorf("Provider.AnonKey = %q", cfg.Provider.AnonKey)
	}
}

func TestRunInit_SupabaseMissingSettings(t *testing.T) {
	err := runInit(strings.NewReader(""), &bytes.Buffer{}, t.TempDir(), initOptions{provider: config.ProviderSupabase})
	if err == nil {
		t.Error("runInit() should fail without a project URL")
	}
}

func TestShowConfig_HidesSecrets(t *testing.T) {
	cfg := config.DefaultLocalConfig()
	cfg.Provider.URL = "https://demo.supabase.co"
	cfg.Provider.AnonKey = "super-secret"

	var out bytes.Buffer
	if err := showConfig(&out, t.TempDir(), cfg); err != nil {
		t.Fatalf("showConfig() error = %v", err)
	}
	if strings.Contains(out.String(), "super-secret") {
		t.Error("config output leaks the anon key")
	}
	if !strings.Contains(out.String(), "anon key: set") {
		t.Errorf("output = %q", out.String())
	}
}

func TestTailLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "picalad.log")
	content := strings.Repeat("x", 50) + "\nline two\nline three\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := tailLog(&out, path, 25); err != nil {
		t.Fatalf("tailLog() error = %v", err)
	}
	if strings.Contains(out.String(), "xxx") {
		t.Errorf("partial first line should be skipped: %q", out.String())
	}
	if !strings.Contains(out.String(), "line three") {
		t.Errorf("output = %q", out.String())
	}

	out.Reset()
	if err := tailLog(&out, filepath.Join(t.TempDir(), "missing.log"), 25); err != nil {
		t.Fatalf("tailLog() error = %v", err)
	}
	if !strings.Contains(out.String(), "No log file") {
		t.Errorf("output = %q", out.String())
	}
}

func TestReadPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), pidFile)
	os.WriteFile(path, []byte("4242\n"), 0644)

	pid, err := readPID(path)
	if err != nil || pid != 4242 {
		t.Errorf("readPID() = %d, %v, want 4242", pid, err)
	}

	os.WriteFile(path, []byte("garbage"), 0644)
	if _, err := readPID(path); err == nil {
		t.Error("readPID() should fail on garbage")
	}
}
