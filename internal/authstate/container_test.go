package authstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/felixgeelhaar/picala/internal/domain"
	"github.com/felixgeelhaar/picala/internal/identity"
)

type fakeProvider struct {
	events  *domain.EventDispatcher
	mu      sync.Mutex
	subs    int
	session *domain.Session
	err     error
	panics  bool
	// gate, when set, blocks GetSession until closed
	gate    chan struct{}
	entered chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{events: domain.NewEventDispatcher()}
}

func (f *fakeProvider) GetSession(ctx context.Context) (*domain.Session, error) {
	if f.entered != nil {
		close(f.entered)
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.panics {
		panic("storage exploded")
	}
	return f.session, f.err
}

func (f *fakeProvider) OnAuthStateChange(fn func(domain.AuthEvent)) *identity.Subscription {
	id := f.events.Subscribe(fn)
	f.mu.Lock()
	f.subs++
	f.mu.Unlock()
	return identity.NewSubscription(func() {
		f.events.Unsubscribe(id)
		f.mu.Lock()
		f.subs--
		f.mu.Unlock()
	})
}

func (f *fakeProvider) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs
}

func (f *fakeProvider) emit(t domain.AuthEventType, u *domain.User) {
	f.events.Publish(domain.NewAuthEvent(t, u))
}

type transitions struct {
	mu     sync.Mutex
	states []string
}

func (r *transitions) RecordAuthTransition(state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func session(id string) *domain.Session {
	return &domain.Session{
		AccessToken:  "a",
		RefreshToken: "r",
		ExpiresAt:    time.Now().Add(time.Hour),
		User:         domain.User{ID: id, Email: id + "@picala.app"},
	}
}

// loadingChanges counts Loading true->false transitions seen by an observer
func loadingChanges(c *Container) *int {
	n := 0
	prev := c.State().Loading
	c.Subscribe(func(s domain.AuthState) {
		if prev && !s.Loading {
			n++
		}
		prev = s.Loading
	})
	return &n
}

func TestContainer_InitAuthenticated(t *testing.T) {
	p := newFakeProvider()
	p.session = session("u1")
	rec := &transitions{}
	c := New(p, WithMetrics(rec))

	if !c.State().Loading {
		t.Error("new container should be loading")
	}
	changes := loadingChanges(c)
	c.Init(context.Background())

	s := c.State()
	if s.Loading {
		t.Error("Loading = true after Init")
	}
	if !s.IsAuthenticated() || s.User.ID != "u1" {
		t.Errorf("State() = %+v, want user u1", s)
	}
	if *changes != 1 {
		t.Errorf("loading transitions = %d, want 1", *changes)
	}
	if c.Phase() != PhaseReady {
		t.Errorf("Phase() = %v, want ready", c.Phase())
	}
	select {
	case <-c.Ready():
	default:
		t.Error("Ready() should be closed")
	}
	if len(rec.states) != 1 || rec.states[0] != "authenticated" {
		t.Errorf("transitions = %v", rec.states)
	}
}

func TestContainer_InitFailuresLeaveSignedOut(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fakeProvider)
	}{
		{"no session", func(p *fakeProvider) {}},
		{"error", func(p *fakeProvider) { p.err = errors.New("boom") }},
		{"panic", func(p *fakeProvider) { p.panics = true }},
		{"session without user", func(p *fakeProvider) { p.session = &domain.Session{AccessToken: "a"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakeProvider()
			tt.setup(p)
			c := New(p)
			changes := loadingChanges(c)

			c.Init(context.Background())

			s := c.State()
			if s.Loading || s.IsAuthenticated() {
				t.Errorf("State() = %+v, want signed out and loaded", s)
			}
			if *changes != 1 {
				t.Errorf("loading transitions = %d, want 1", *changes)
			}
		})
	}
}

func TestContainer_InitRunsOnce(t *testing.T) {
	p := newFakeProvider()
	c := New(p)
	c.Init(context.Background())
	c.Init(context.Background())

	if n := p.subscriptions(); n != 1 {
		t.Errorf("provider subscriptions = %d, want 1", n)
	}
}

func TestContainer_EventDuringRehydrationWins(t *testing.T) {
	p := newFakeProvider()
	p.session = session("stale")
	p.gate = make(chan struct{})
	p.entered = make(chan struct{})
	c := New(p)
	changes := loadingChanges(c)

	done := make(chan struct{})
	go func() {
		c.Init(context.Background())
		close(done)
	}()

	<-p.entered
	p.emit(domain.EventSignedOut, nil)
	close(p.gate)
	<-done

	s := c.State()
	if s.IsAuthenticated() {
		t.Errorf("State() = %+v, want signed out from the event", s)
	}
	if *changes != 1 {
		t.Errorf("loading transitions = %d, want 1", *changes)
	}
}

func TestContainer_FollowsEvents(t *testing.T) {
	p := newFakeProvider()
	c := New(p)
	c.Init(context.Background())

	var seen []domain.AuthState
	c.Subscribe(func(s domain.AuthState) { seen = append(seen, s) })

	user := &domain.User{ID: "u2", Email: "u2@picala.app"}
	p.emit(domain.EventSignedIn, user)
	user.Email = "mutated@picala.app"
	if got := c.State().User.Email; got != "u2@picala.app" {
		t.Errorf("Email = %v, state must not alias the event user", got)
	}

	p.emit(domain.EventTokenRefreshed, &domain.User{ID: "u2"})
	p.emit(domain.EventSignedOut, nil)

	if len(seen) != 3 {
		t.Fatalf("observer calls = %d, want 3", len(seen))
	}
	for i, s := range seen {
		if s.IsAuthenticated() != (s.User != nil) {
			t.Errorf("state %d: IsAuthenticated disagrees with User", i)
		}
		if s.Loading {
			t.Errorf("state %d: Loading = true", i)
		}
	}
	if seen[2].IsAuthenticated() {
		t.Error("final state should be signed out")
	}
}

func TestContainer_SubscribeUnsubscribe(t *testing.T) {
	p := newFakeProvider()
	c := New(p)
	c.Init(context.Background())

	calls := 0
	unsubscribe := c.Subscribe(func(domain.AuthState) { calls++ })
	p.emit(domain.EventSignedIn, &domain.User{ID: "u"})
	unsubscribe()
	unsubscribe()
	p.emit(domain.EventSignedOut, nil)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestContainer_Close(t *testing.T) {
	p := newFakeProvider()
	c := New(p)
	c.Init(context.Background())

	calls := 0
	c.Subscribe(func(domain.AuthState) { calls++ })
	c.Close()
	c.Close()

	if n := p.subscriptions(); n != 0 {
		t.Errorf("provider subscriptions after Close = %d, want 0", n)
	}
	p.emit(domain.EventSignedIn, &domain.User{ID: "u"})
	if calls != 0 {
		t.Errorf("observer calls after Close = %d, want 0", calls)
	}
	if c.State().IsAuthenticated() {
		t.Error("state should not change after Close")
	}
}

func TestContainer_WithIdentityClient(t *testing.T) {
	client := identity.NewClient(identity.Config{})
	c := New(client)
	c.Init(context.Background())

	if s := c.State(); s.Loading || s.IsAuthenticated() {
		t.Errorf("State() = %+v", s)
	}
	c.Close()
}

func TestDestination(t *testing.T) {
	tests := []struct {
		state   domain.AuthState
		want    string
		allowed bool
	}{
		{domain.AuthState{Loading: true}, DestinationLoading, false},
		{domain.AuthState{User: &domain.User{ID: "u"}}, DestinationTabs, true},
		{domain.AuthState{}, DestinationLogin, false},
		{domain.AuthState{Loading: true, User: &domain.User{ID: "u"}}, DestinationLoading, false},
	}

	for _, tt := range tests {
		if got := Destination(tt.state); got != tt.want {
			t.Errorf("Destination(%+v) = %v, want %v", tt.state, got, tt.want)
		}
		allowed, redirect := Guard(tt.state)
		if allowed != tt.allowed {
			t.Errorf("Guard(%+v) allowed = %v, want %v", tt.state, allowed, tt.allowed)
		}
		if !allowed && redirect != tt.want {
			t.Errorf("Guard(%+v) redirect = %v, want %v", tt.state, redirect, tt.want)
		}
	}
}
