package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/picala/internal/domain"
)

// AuthEventMessage is the bus representation of an auth transition.
// Tokens never leave the process; only the user ID is published.
type AuthEventMessage struct {
	ID         uuid.UUID `json:"id"`
	Type       string    `json:"type"`
	UserID     string    `json:"user_id,omitempty"`
	Source     string    `json:"source"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewAuthEventMessage converts an auth event
func NewAuthEventMessage(e domain.AuthEvent, source string) AuthEventMessage {
	msg := AuthEventMessage{
		ID:         e.ID,
		Type:       string(e.Type),
		Source:     source,
		OccurredAt: e.Timestamp,
	}
	if e.User != nil {
		msg.UserID = e.User.ID
	}
	return msg
}

// JSONPublisher publishes a value to a queue
type JSONPublisher interface {
	PublishJSON(ctx context.Context, queue string, data any) error
}

// PublishRecorder counts publish attempts
type PublishRecorder interface {
	RecordEventPublished(eventType string, err error)
}

// PublisherConfig holds Publisher settings
type PublisherConfig struct {
	// Source identifies this installation in published messages
	Source string
	// Buffer is the number of events held while the bus is slow (default: 64)
	Buffer int
	// Timeout bounds a single publish (default: 5s)
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics PublishRecorder
}

// Publisher forwards auth events to the bus from a background goroutine,
// so auth state changes never wait on the network
type Publisher struct {
	conn    JSONPublisher
	source  string
	timeout time.Duration
	logger  *slog.Logger
	metrics PublishRecorder

	queue chan AuthEventMessage
	wg    sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewPublisher creates a publisher. Call Start to begin delivery.
func NewPublisher(conn JSONPublisher, cfg PublisherConfig) *Publisher {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Publisher{
		conn:    conn,
		source:  cfg.Source,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		queue:   make(chan AuthEventMessage, cfg.Buffer),
	}
}

// Start launches the delivery goroutine
func (p *Publisher) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	p.wg.Add(1)
	go p.run(ctx)
}

// Handle enqueues an auth event. It never blocks; events are dropped when
// the buffer is full. It matches the identity client's change callback.
func (p *Publisher) Handle(e domain.AuthEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}

	select {
	case p.queue <- NewAuthEventMessage(e, p.source):
	default:
		p.logger.Warn("dropping auth event, publish buffer full", "type", e.Type)
		if p.metrics != nil {
			p.metrics.RecordEventPublished(string(e.Type), errBufferFull)
		}
	}
}

// Stop delivers buffered events and waits for the goroutine to exit
func (p *Publisher) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Publisher) run(ctx context.Context) {
	defer p.wg.Done()
	for msg := range p.queue {
		p.publish(ctx, msg)
	}
}

func (p *Publisher) publish(ctx context.Context, msg AuthEventMessage) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	err := p.conn.PublishJSON(ctx, EventsQueueName, msg)
	if err != nil {
		p.logger.Error("failed to publish auth event", "type", msg.Type, "event_id", msg.ID, "error", err)
	} else {
		p.logger.Debug("published auth event", "type", msg.Type, "event_id", msg.ID)
	}
	if p.metrics != nil {
		p.metrics.RecordEventPublished(msg.Type, err)
	}
}
