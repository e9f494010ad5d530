// Package authstate holds the process-wide authentication state.
//
// A Container rehydrates the session once at startup and then follows the
// identity client's change stream. Readers receive snapshots; the only
// writers are Init and the change stream callback.
package authstate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/picala/internal/domain"
	"github.com/felixgeelhaar/picala/internal/identity"
)

// Provider is the subset of the identity client the container follows
type Provider interface {
	GetSession(ctx context.Context) (*domain.Session, error)
	OnAuthStateChange(fn func(domain.AuthEvent)) *identity.Subscription
}

// TransitionRecorder counts authentication transitions
type TransitionRecorder interface {
	RecordAuthTransition(state string)
}

// Phase is the initialization phase of a Container
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseLoading
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Observer receives a snapshot after every state change
type Observer func(domain.AuthState)

type observer struct {
	id uuid.UUID
	fn Observer
}

// Container owns the AuthState
type Container struct {
	provider Provider
	logger   *slog.Logger
	metrics  TransitionRecorder

	initOnce sync.Once
	ready    chan struct{}

	mu        sync.Mutex
	phase     Phase
	state     domain.AuthState
	sub       *identity.Subscription
	observers []observer
	closed    bool
}

// Option configures a Container
type Option func(*Container)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Container) { c.logger = l }
}

// WithMetrics sets the transition recorder
func WithMetrics(m TransitionRecorder) Option {
	return func(c *Container) { c.metrics = m }
}

// New creates a container in the loading state. Call Init to rehydrate.
func New(provider Provider, opts ...Option) *Container {
	c := &Container{
		provider: provider,
		logger:   slog.Default(),
		ready:    make(chan struct{}),
		state:    domain.AuthState{Loading: true},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Init subscribes to the change stream and then rehydrates the session.
// It runs once; later calls return immediately. A change event that arrives
// while rehydration is in flight takes precedence over its result. Errors
// and panics during rehydration leave the user signed out.
func (c *Container) Init(ctx context.Context) {
	c.initOnce.Do(func() {
		c.mu.Lock()
		c.phase = PhaseLoading
		c.mu.Unlock()

		sub := c.provider.OnAuthStateChange(c.handleEvent)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			sub.Unsubscribe()
		} else {
			c.sub = sub
			c.mu.Unlock()
		}

		session, err := c.rehydrate(ctx)
		if err != nil {
			c.logger.Warn("session rehydration failed", "error", err)
		}

		var user *domain.User
		if session != nil && session.User.ID != "" {
			user = session.UserCopy()
		}

		c.mu.Lock()
		if c.phase == PhaseReady {
			c.mu.Unlock()
			c.logger.Debug("rehydration result superseded by auth event")
			return
		}
		c.apply(user)
	})
}

// rehydrate calls GetSession, converting a panic into an error
func (c *Container) rehydrate(ctx context.Context) (s *domain.Session, err error) {
	defer func() {
		if r := recover(); r != nil {
			s, err = nil, fmt.Errorf("get session panicked: %v", r)
		}
	}()
	return c.provider.GetSession(ctx)
}

func (c *Container) handleEvent(e domain.AuthEvent) {
	var user *domain.User
	if e.Type != domain.EventSignedOut && e.User != nil {
		u := *e.User
		user = &u
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.logger.Debug("auth event", "type", e.Type, "authenticated", user != nil)
	c.apply(user)
}

// apply installs user, leaves loading and notifies observers. It must be
// called with mu held and releases it.
func (c *Container) apply(user *domain.User) {
	wasAuthenticated := c.state.IsAuthenticated()
	firstReady := c.phase != PhaseReady

	c.state = domain.AuthState{User: user, Loading: false}
	c.phase = PhaseReady
	snapshot := c.snapshotLocked()
	observers := make([]Observer, len(c.observers))
	for i, o := range c.observers {
		observers[i] = o.fn
	}
	c.mu.Unlock()

	if firstReady {
		close(c.ready)
		c.logger.Info("auth state ready", "authenticated", snapshot.IsAuthenticated())
	}
	if c.metrics != nil && (firstReady || wasAuthenticated != snapshot.IsAuthenticated()) {
		c.metrics.RecordAuthTransition(stateLabel(snapshot))
	}

	for _, fn := range observers {
		fn(snapshot)
	}
}

func (c *Container) snapshotLocked() domain.AuthState {
	s := domain.AuthState{Loading: c.state.Loading}
	if c.state.User != nil {
		u := *c.state.User
		s.User = &u
	}
	return s
}

// State returns a snapshot of the current state
func (c *Container) State() domain.AuthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Phase returns the initialization phase
func (c *Container) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Ready is closed once loading has finished
func (c *Container) Ready() <-chan struct{} {
	return c.ready
}

// Subscribe registers fn for state changes and returns a function that
// removes it
func (c *Container) Subscribe(fn Observer) func() {
	id := uuid.New()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return func() {}
	}
	c.observers = append(c.observers, observer{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, o := range c.observers {
			if o.id == id {
				c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
				return
			}
		}
	}
}

// Close stops following the change stream and drops all observers
func (c *Container) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sub := c.sub
	c.sub = nil
	c.observers = nil
	c.mu.Unlock()

	sub.Unsubscribe()
}

func stateLabel(s domain.AuthState) string {
	if s.IsAuthenticated() {
		return "authenticated"
	}
	return "unauthenticated"
}
