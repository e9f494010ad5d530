package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/felixgeelhaar/picala/internal/domain"
)

type recordingPublisher struct {
	mu       sync.Mutex
	messages []AuthEventMessage
	queues   []string
	err      error
	block    chan struct{}
}

func (r *recordingPublisher) PublishJSON(ctx context.Context, queue string, data any) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues = append(r.queues, queue)
	r.messages = append(r.messages, data.(AuthEventMessage))
	return r.err
}

func (r *recordingPublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

type publishCounts struct {
	mu     sync.Mutex
	ok     int
	failed int
}

func (p *publishCounts) RecordEventPublished(eventType string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.failed++
	} else {
		p.ok++
	}
}

func TestNewAuthEventMessage(t *testing.T) {
	e := domain.NewAuthEvent(domain.EventSignedIn, &domain.User{ID: "u1", Email: "u1@picala.app"})
	msg := NewAuthEventMessage(e, "laptop")

	if msg.ID != e.ID || msg.Type != "signed_in" || msg.UserID != "u1" || msg.Source != "laptop" {
		t.Errorf("NewAuthEventMessage() = %+v", msg)
	}
	if !msg.OccurredAt.Equal(e.Timestamp) {
		t.Errorf("OccurredAt = %v, want %v", msg.OccurredAt, e.Timestamp)
	}

	out := NewAuthEventMessage(domain.NewAuthEvent(domain.EventSignedOut, nil), "laptop")
	if out.UserID != "" {
		t.Errorf("UserID = %q, want empty for sign out", out.UserID)
	}
}

func TestPublisher_DeliversInOrder(t *testing.T) {
	conn := &recordingPublisher{}
	metrics := &publishCounts{}
	p := NewPublisher(conn, PublisherConfig{Source: "test", Metrics: metrics})
	p.Start(context.Background())

	p.Handle(domain.NewAuthEvent(domain.EventSignedIn, &domain.User{ID: "u1"}))
	p.Handle(domain.NewAuthEvent(domain.EventTokenRefreshed, &domain.User{ID: "u1"}))
	p.Handle(domain.NewAuthEvent(domain.EventSignedOut, nil))
	p.Stop()

	if conn.count() != 3 {
		t.Fatalf("published = %d, want 3", conn.count())
	}
	want := []string{"signed_in", "token_refreshed", "signed_out"}
	for i, msg := range conn.messages {
		if msg.Type != want[i] {
			t.Errorf("message %d type = %v, want %v", i, msg.Type, want[i])
		}
		if conn.queues[i] != EventsQueueName {
			t.Errorf("queue = %v, want %v", conn.queues[i], EventsQueueName)
		}
	}
	if metrics.ok != 3 {
		t.Errorf("ok = %d, want 3", metrics.ok)
	}
}

func TestPublisher_FailuresAreCounted(t *testing.T) {
	conn := &recordingPublisher{err: errors.New("channel closed")}
	metrics := &publishCounts{}
	p := NewPublisher(conn, PublisherConfig{Metrics: metrics})
	p.Start(context.Background())

	p.Handle(domain.NewAuthEvent(domain.EventSignedIn, &domain.User{ID: "u1"}))
	p.Stop()

	if metrics.failed != 1 {
		t.Errorf("failed = %d, want 1", metrics.failed)
	}
}

func TestPublisher_DropsWhenFull(t *testing.T) {
	conn := &recordingPublisher{block: make(chan struct{})}
	metrics := &publishCounts{}
	p := NewPublisher(conn, PublisherConfig{Buffer: 1, Metrics: metrics})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			p.Handle(domain.NewAuthEvent(domain.EventSignedIn, &domain.User{ID: "u1"}))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Handle blocked on a full buffer")
	}

	metrics.mu.Lock()
	dropped := metrics.failed
	metrics.mu.Unlock()
	if dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}

	close(conn.block)
	p.Start(context.Background())
	p.Stop()
	if conn.count() != 1 {
		t.Errorf("published = %d, want 1", conn.count())
	}
}

func TestPublisher_HandleAfterStop(t *testing.T) {
	conn := &recordingPublisher{}
	p := NewPublisher(conn, PublisherConfig{})
	p.Start(context.Background())
	p.Stop()
	p.Stop()

	p.Handle(domain.NewAuthEvent(domain.EventSignedIn, nil))
	if conn.count() != 0 {
		t.Errorf("published = %d, want 0", conn.count())
	}
}
