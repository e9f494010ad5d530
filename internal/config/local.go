package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider kinds
const (
	ProviderSupabase = "supabase"
	ProviderMemory   = "memory"
)

// General storage kinds
const (
	StorageSQLite = "sqlite"
	StorageFile   = "file"
	StorageNone   = "none"
)

// LocalConfig holds configuration for the local daemon and CLI
type LocalConfig struct {
	Daemon     DaemonConfig     `yaml:"daemon"`
	Provider   ProviderConfig   `yaml:"provider"`
	DeepLinks  DeepLinkConfig   `yaml:"deep_links"`
	Session    SessionConfig    `yaml:"session"`
	Storage    StorageConfig    `yaml:"storage"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Events     EventsConfig     `yaml:"events"`
}

// DaemonConfig holds daemon server settings
type DaemonConfig struct {
	Port     int    `yaml:"port"`
	Bind     string `yaml:"bind"`
	LogLevel string `yaml:"log_level"`
}

// ProviderConfig selects and configures the identity provider
type ProviderConfig struct {
	Kind                     string        `yaml:"kind"`
	URL                      string        `yaml:"url,omitempty"`
	AnonKey                  string        `yaml:"-"` // Loaded from secrets.yaml
	FlowType                 string        `yaml:"flow_type"`
	EmailRedirectURL         string        `yaml:"email_redirect_url"`
	PasswordResetRedirectURL string        `yaml:"password_reset_redirect_url"`
	Timeout                  time.Duration `yaml:"timeout"`
}

// DeepLinkConfig holds link handling settings
type DeepLinkConfig struct {
	Scheme                string        `yaml:"scheme"`
	VerifiedRedirectDelay time.Duration `yaml:"verified_redirect_delay"`
}

// SessionConfig holds keepalive settings
type SessionConfig struct {
	RefreshMargin   time.Duration `yaml:"refresh_margin"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// StorageConfig selects the token store backends
type StorageConfig struct {
	General string `yaml:"general"`
	Secure  bool   `yaml:"secure"`
}

// ResilienceConfig tunes the provider call wrapper
type ResilienceConfig struct {
	Enabled          bool          `yaml:"enabled"`
	MaxAttempts      int           `yaml:"max_attempts"`
	RatePerSecond    int           `yaml:"rate_per_second"`
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// EventsConfig enables the message bus when AMQPURL is set
type EventsConfig struct {
	AMQPURL string `yaml:"amqp_url,omitempty"`
	Source  string `yaml:"source,omitempty"`
}

// SecretsConfig holds credentials loaded from secrets.yaml
type SecretsConfig struct {
	Provider struct {
		AnonKey string `yaml:"anon_key"`
	} `yaml:"provider"`
	Events struct {
		AMQPURL string `yaml:"amqp_url,omitempty"`
	} `yaml:"events"`
}

// PicalaDir returns the data directory: PICALA_HOME when set, else ~/.picala
func PicalaDir() (string, error) {
	env, err := LoadEnv()
	if err != nil {
		return "", err
	}
	if env.Home != "" {
		return env.Home, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".picala"), nil
}

// EnsurePicalaDir creates the data directory and its subdirectories
func EnsurePicalaDir() (string, error) {
	dir, err := PicalaDir()
	if err != nil {
		return "", err
	}

	subdirs := []struct {
		name string
		perm os.FileMode
	}{
		{"", 0755},
		{"logs", 0755},
		{"store", 0700},
		{"secure", 0700},
		{"keys", 0700},
	}
	for _, sub := range subdirs {
		path := filepath.Join(dir, sub.name)
		if err := os.MkdirAll(path, sub.perm); err != nil {
			return "", fmt.Errorf("create dir %s: %w", path, err)
		}
	}
	return dir, nil
}

// DefaultLocalConfig returns sensible defaults for local mode
func DefaultLocalConfig() *LocalConfig {
	return &LocalConfig{
		Daemon: DaemonConfig{
			Port:     7433,
			Bind:     "127.0.0.1",
			LogLevel: "info",
		},
		Provider: ProviderConfig{
			Kind:                     ProviderSupabase,
			FlowType:                 "pkce",
			EmailRedirectURL:         "picala://verify-email",
			PasswordResetRedirectURL: "picala://reset-password",
			Timeout:                  30 * time.Second,
		},
		DeepLinks: DeepLinkConfig{
			Scheme:                "picala",
			VerifiedRedirectDelay: time.Second,
		},
		Session: SessionConfig{
			RefreshMargin:   5 * time.Minute,
			RefreshInterval: 30 * time.Minute,
		},
		Storage: StorageConfig{
			General: StorageSQLite,
			Secure:  true,
		},
		Resilience: ResilienceConfig{
			Enabled:          true,
			MaxAttempts:      3,
			RatePerSecond:    5,
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
		},
	}
}

// Validate checks settings that would otherwise fail at runtime
func (c *LocalConfig) Validate() error {
	var errs []error

	if c.Daemon.Port <= 0 || c.Daemon.Port > 65535 {
		errs = append(errs, fmt.Errorf("daemon.port %d out of range", c.Daemon.Port))
	}
	switch c.Provider.Kind {
	case ProviderSupabase:
		if c.Provider.URL == "" {
			errs = append(errs, errors.New("provider.url is required for supabase"))
		}
		if c.Provider.AnonKey == "" {
			errs = append(errs, errors.New("provider anon key is required for supabase (secrets.yaml or PICALA_SUPABASE_ANON_KEY)"))
		}
	case ProviderMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown provider.kind %q", c.Provider.Kind))
	}
	switch c.Provider.FlowType {
	case "pkce", "implicit":
	default:
		errs = append(errs, fmt.Errorf("unknown provider.flow_type %q", c.Provider.FlowType))
	}
	switch c.Storage.General {
	case StorageSQLite, StorageFile, StorageNone:
	default:
		errs = append(errs, fmt.Errorf("unknown storage.general %q", c.Storage.General))
	}
	if c.Session.RefreshMargin <= 0 {
		errs = append(errs, errors.New("session.refresh_margin must be positive"))
	}
	if c.Session.RefreshInterval <= 0 {
		errs = append(errs, errors.New("session.refresh_interval must be positive"))
	}
	if c.DeepLinks.VerifiedRedirectDelay < 0 {
		errs = append(errs, errors.New("deep_links.verified_redirect_delay must not be negative"))
	}

	return errors.Join(errs...)
}

// LoadLocalConfig loads configuration from the data directory and applies
// environment overrides
func LoadLocalConfig() (*LocalConfig, error) {
	dir, err := PicalaDir()
	if err != nil {
		return nil, err
	}
	cfg, err := LoadLocalConfigFrom(dir)
	if err != nil {
		return nil, err
	}

	env, err := LoadEnv()
	if err != nil {
		return nil, err
	}
	env.Apply(cfg)
	return cfg, nil
}

// LoadLocalConfigFrom loads config.yaml and secrets.yaml from dir.
// Missing files yield defaults.
func LoadLocalConfigFrom(dir string) (*LocalConfig, error) {
	cfg := DefaultLocalConfig()

	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := loadSecrets(dir, cfg); err != nil {
		return nil, fmt.Errorf("load secrets: %w", err)
	}
	return cfg, nil
}

// loadSecrets loads credentials from secrets.yaml
func loadSecrets(dir string, cfg *LocalConfig) error {
	data, err := os.ReadFile(filepath.Join(dir, "secrets.yaml"))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read secrets: %w", err)
	}

	var secrets SecretsConfig
	if err := yaml.Unmarshal(data, &secrets); err != nil {
		return fmt.Errorf("parse secrets: %w", err)
	}

	if secrets.Provider.AnonKey != "" {
		cfg.Provider.AnonKey = secrets.Provider.AnonKey
	}
	if secrets.Events.AMQPURL != "" {
		cfg.Events.AMQPURL = secrets.Events.AMQPURL
	}
	return nil
}

// SaveLocalConfig saves configuration to config.yaml in the data directory
func SaveLocalConfig(cfg *LocalConfig) error {
	dir, err := EnsurePicalaDir()
	if err != nil {
		return err
	}
	return SaveLocalConfigTo(dir, cfg)
}

// SaveLocalConfigTo writes config.yaml into dir
func SaveLocalConfigTo(dir string, cfg *LocalConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// SaveSecrets writes secrets.yaml readable by the owner only
func SaveSecrets(dir string, secrets SecretsConfig) error {
	data, err := yaml.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("marshal secrets: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "secrets.yaml"), data, 0600); err != nil {
		return fmt.Errorf("write secrets: %w", err)
	}
	return nil
}
