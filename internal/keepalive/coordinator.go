// Package keepalive refreshes the session before it expires.
//
// The Coordinator combines two triggers: a check when the application
// returns to the foreground, and a periodic refresh that runs while a user
// is signed in. Provider failures are logged and counted, never returned.
package keepalive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/felixgeelhaar/picala/internal/authstate"
	"github.com/felixgeelhaar/picala/internal/domain"
)

const (
	// DefaultMargin treats sessions expiring this soon as already invalid
	DefaultMargin = 5 * time.Minute
	// DefaultInterval is the periodic refresh interval
	DefaultInterval = 30 * time.Minute
)

// Trigger labels
const (
	TriggerForeground = "foreground"
	TriggerPeriodic   = "periodic"
)

// Refresher is the subset of the identity client the coordinator drives
type Refresher interface {
	GetSession(ctx context.Context) (*domain.Session, error)
	RefreshSession(ctx context.Context) (*domain.Session, error)
}

// StateSource provides the authentication state
type StateSource interface {
	State() domain.AuthState
	Subscribe(fn authstate.Observer) func()
}

// Recorder counts refresh attempts
type Recorder interface {
	RecordSessionRefresh(trigger, outcome string)
}

// Config holds Coordinator settings
type Config struct {
	Refresher Refresher
	State     StateSource
	// Margin before expiry at which a session is refreshed (default: 5m)
	Margin time.Duration
	// Interval of the periodic refresh (default: 30m)
	Interval time.Duration
	Clock    Clock
	Logger   *slog.Logger
	Metrics  Recorder
}

// IsSessionValid reports whether s exists and does not expire within margin
// of now. A session expiring exactly at now+margin is invalid.
func IsSessionValid(s *domain.Session, now time.Time, margin time.Duration) bool {
	if s == nil {
		return false
	}
	return !s.ExpiresWithin(now, margin)
}

// Status is a snapshot of the coordinator
type Status struct {
	AppState domain.AppState `json:"appState"`
	Armed    bool            `json:"armed"`
	Interval time.Duration   `json:"interval"`
	Margin   time.Duration   `json:"margin"`
}

// Coordinator keeps the session alive
type Coordinator struct {
	refresher Refresher
	source    StateSource
	clock     Clock
	margin    time.Duration
	interval  time.Duration
	logger    *slog.Logger
	metrics   Recorder

	mu          sync.Mutex
	base        context.Context
	appState    domain.AppState
	armedFor    string
	generation  uint64
	cancel      context.CancelFunc
	ticker      Ticker
	unsubscribe func()
	started     bool
	stopped     bool
}

// New creates a coordinator. Call Start to begin observing.
func New(cfg Config) *Coordinator {
	if cfg.Margin <= 0 {
		cfg.Margin = DefaultMargin
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		refresher: cfg.Refresher,
		source:    cfg.State,
		clock:     cfg.Clock,
		margin:    cfg.Margin,
		interval:  cfg.Interval,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		appState:  domain.AppStateActive,
	}
}

// Start follows the auth state and arms the periodic refresh while a user
// is signed in. It returns immediately.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.base = ctx
	c.mu.Unlock()

	unsubscribe := c.source.Subscribe(c.onState)

	c.mu.Lock()
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	c.sync()
}

// Stop disarms the timer and stops following the auth state. Refreshes
// already in flight are not aborted.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.disarmLocked()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// Status returns a snapshot of the coordinator
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		AppState: c.appState,
		Armed:    c.ticker != nil,
		Interval: c.interval,
		Margin:   c.margin,
	}
}

// AppStateChanged records a lifecycle transition. Returning to active from
// the background or inactive state while signed in validates the session
// and refreshes it once when it is expired or about to expire. It reports
// whether a refresh was attempted.
func (c *Coordinator) AppStateChanged(ctx context.Context, next domain.AppState) bool {
	c.mu.Lock()
	prev := c.appState
	c.appState = next
	stopped := c.stopped
	c.mu.Unlock()

	if stopped || next != domain.AppStateActive {
		return false
	}
	if prev != domain.AppStateBackground && prev != domain.AppStateInactive {
		return false
	}
	if !c.source.State().IsAuthenticated() {
		return false
	}

	session, err := c.refresher.GetSession(ctx)
	if err != nil {
		c.logger.Warn("foreground session check failed", "error", err)
		c.record(TriggerForeground, "error")
		return false
	}
	if IsSessionValid(session, c.clock.Now(), c.margin) {
		c.logger.Debug("session still valid on foreground")
		c.record(TriggerForeground, "skipped")
		return false
	}

	c.refresh(ctx, TriggerForeground)
	return true
}

// onState treats a notification as a signal only. Snapshots from concurrent
// transitions can arrive out of order, so the current state is read again.
func (c *Coordinator) onState(domain.AuthState) {
	c.sync()
}

// sync arms or disarms the timer to match the current auth state
func (c *Coordinator) sync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || !c.started {
		return
	}

	s := c.source.State()

	if !s.IsAuthenticated() {
		if c.ticker != nil {
			c.logger.Debug("periodic refresh disarmed")
		}
		c.disarmLocked()
		return
	}
	if c.ticker != nil && c.armedFor == s.User.ID {
		return
	}
	c.disarmLocked()
	c.armLocked(s.User.ID)
}

func (c *Coordinator) armLocked(userID string) {
	ctx, cancel := context.WithCancel(c.base)
	ticker := c.clock.NewTicker(c.interval)

	c.generation++
	c.armedFor = userID
	c.cancel = cancel
	c.ticker = ticker

	c.logger.Debug("periodic refresh armed", "user_id", userID, "interval", c.interval)
	go c.loop(ctx, ticker, c.generation)
}

// disarmLocked cancels the timer without waiting for the loop to exit
func (c *Coordinator) disarmLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
	c.armedFor = ""
	c.generation++
}

func (c *Coordinator) loop(ctx context.Context, ticker Ticker, generation uint64) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if ctx.Err() != nil || !c.current(generation) {
				return
			}
			c.refresh(context.WithoutCancel(ctx), TriggerPeriodic)
		}
	}
}

func (c *Coordinator) current(generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.stopped && c.generation == generation
}

func (c *Coordinator) refresh(ctx context.Context, trigger string) {
	session, err := c.refresher.RefreshSession(ctx)
	if err != nil {
		c.logger.Warn("session refresh failed", "trigger", trigger, "error", err)
		c.record(trigger, "error")
		return
	}
	if session != nil {
		c.logger.Info("session refreshed", "trigger", trigger, "expires_at", session.ExpiresAt)
	}
	c.record(trigger, "refreshed")
}

func (c *Coordinator) record(trigger, outcome string) {
	if c.metrics != nil {
		c.metrics.RecordSessionRefresh(trigger, outcome)
	}
}
