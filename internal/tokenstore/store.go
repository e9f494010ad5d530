// Package tokenstore persists credentials and preferences across restarts.
//
// Sensitive keys go to the secure backend first, then the general backend,
// then process memory. Every operation is best effort: a failed read is
// reported as absent and a failed write falls through to the next layer.
package tokenstore

import (
	"log/slog"
	"strings"
)

// Well-known keys
const (
	KeySession      = "picala.auth.session"
	KeyCodeVerifier = "picala.auth.code-verifier"
	KeyLastEmail    = "picala.prefs.last-email"
)

// SensitivePrefix marks keys that hold credentials
const SensitivePrefix = "picala.auth."

// Mode describes the strongest persistence available to the store
type Mode string

const (
	ModeSecure     Mode = "secure"
	ModePersistent Mode = "persistent"
	ModeEphemeral  Mode = "ephemeral"
)

// Options configures a Store. Nil backends are treated as unavailable.
type Options struct {
	Secure  Backend
	General Backend
	Logger  *slog.Logger
}

// Store applies the secure/general/memory fallback policy
type Store struct {
	secure  Backend
	general Backend
	memory  *MemoryBackend
	logger  *slog.Logger
}

// New creates a Store
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		secure:  opts.Secure,
		general: opts.General,
		memory:  NewMemoryBackend(),
		logger:  logger,
	}
	if s.Mode() == ModeEphemeral {
		logger.Warn("no persistent storage available, credentials will not survive restart")
	}
	return s
}

// NewEphemeral creates a Store that only keeps values in memory
func NewEphemeral() *Store {
	return &Store{memory: NewMemoryBackend(), logger: slog.Default()}
}

// IsSensitive reports whether key is routed to the secure backend
func IsSensitive(key string) bool {
	return strings.HasPrefix(key, SensitivePrefix)
}

// Mode reports the strongest available layer
func (s *Store) Mode() Mode {
	switch {
	case s.secure != nil:
		return ModeSecure
	case s.general != nil:
		return ModePersistent
	default:
		return ModeEphemeral
	}
}

// Get returns the value for key. Any failure is reported as absent.
func (s *Store) Get(key string) (string, bool) {
	for _, layer := range s.readLayers(key) {
		v, ok, err := layer.backend.Get(key)
		if err != nil {
			s.logger.Warn("token store read failed", "layer", layer.name, "key", key, "error", err)
			continue
		}
		if ok {
			return v, true
		}
	}
	return "", false
}

// Set stores value under key in the first layer that accepts it
func (s *Store) Set(key, value string) {
	if IsSensitive(key) && s.secure != nil {
		err := s.secure.Set(key, value)
		if err == nil {
			// drop copies written while the secure backend was failing
			s.deleteQuietly("general", s.general, key)
			s.memory.Delete(key)
			return
		}
		s.logger.Warn("secure store write failed, falling back to general store", "key", key, "error", err)
		s.deleteQuietly("secure", s.secure, key)
	}

	if s.general != nil {
		err := s.general.Set(key, value)
		if err == nil {
			s.memory.Delete(key)
			return
		}
		s.logger.Warn("general store write failed, keeping value in memory", "key", key, "error", err)
		s.deleteQuietly("general", s.general, key)
	}

	s.memory.Set(key, value)
}

// Remove deletes key from every layer
func (s *Store) Remove(key string) {
	s.deleteQuietly("secure", s.secure, key)
	s.deleteQuietly("general", s.general, key)
	s.memory.Delete(key)
}

// Clear deletes every key from every layer
func (s *Store) Clear() {
	for _, layer := range []namedBackend{{"secure", s.secure}, {"general", s.general}} {
		if layer.backend == nil {
			continue
		}
		if err := layer.backend.Clear(); err != nil {
			s.logger.Warn("token store clear failed", "layer", layer.name, "error", err)
		}
	}
	s.memory.Clear()
}

type namedBackend struct {
	name    string
	backend Backend
}

func (s *Store) readLayers(key string) []namedBackend {
	layers := make([]namedBackend, 0, 3)
	if IsSensitive(key) && s.secure != nil {
		layers = append(layers, namedBackend{"secure", s.secure})
	}
	if s.general != nil {
		layers = append(layers, namedBackend{"general", s.general})
	}
	return append(layers, namedBackend{"memory", s.memory})
}

func (s *Store) deleteQuietly(name string, b Backend, key string) {
	if b == nil {
		return
	}
	if err := b.Delete(key); err != nil {
		s.logger.Debug("token store delete failed", "layer", name, "key", key, "error", err)
	}
}
