package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var errBufferFull = errors.New("publish buffer full")

// Revocation asks every installation to end the sessions of a user
type Revocation struct {
	UserID   string    `json:"user_id"`
	Reason   string    `json:"reason,omitempty"`
	IssuedAt time.Time `json:"issued_at"`
}

// RevocationHandler ends the local session of userID and reports whether
// one was ended
type RevocationHandler func(userID string) bool

// DeliverySource starts consuming a queue and reports reconnects, after
// which earlier delivery channels are closed
type DeliverySource interface {
	Consume(queue string, prefetch int) (<-chan amqp.Delivery, error)
	NotifyReconnect() <-chan struct{}
}

// RevocationConsumer applies revocations from the bus
type RevocationConsumer struct {
	source     DeliverySource
	handler    RevocationHandler
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewRevocationConsumer creates a consumer that calls handler per revocation
func NewRevocationConsumer(source DeliverySource, handler RevocationHandler, logger *slog.Logger) *RevocationConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &RevocationConsumer{source: source, handler: handler, logger: logger}
}

// Start begins consuming revocations
func (rc *RevocationConsumer) Start(ctx context.Context) error {
	reconnected := rc.source.NotifyReconnect()
	msgs, err := rc.source.Consume(RevocationsQueueName, 1)
	if err != nil {
		return fmt.Errorf("start revocation consumer: %w", err)
	}

	ctx, rc.cancelFunc = context.WithCancel(ctx)
	rc.wg.Add(1)
	go rc.consume(ctx, msgs, reconnected)

	rc.logger.Info("consuming session revocations", "queue", RevocationsQueueName)
	return nil
}

// consume processes deliveries until ctx ends. A closed delivery channel
// parks the loop until the connection reports a reconnect.
func (rc *RevocationConsumer) consume(ctx context.Context, msgs <-chan amqp.Delivery, reconnected <-chan struct{}) {
	defer rc.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				rc.logger.Warn("revocation channel closed, waiting for reconnect")
				msgs = nil
				continue
			}
			rc.processMessage(msg)
		case <-reconnected:
			next, err := rc.source.Consume(RevocationsQueueName, 1)
			if err != nil {
				rc.logger.Error("failed to resume revocation consumer", "error", err)
				continue
			}
			msgs = next
			rc.logger.Info("revocation consumer resumed", "queue", RevocationsQueueName)
		}
	}
}

func (rc *RevocationConsumer) processMessage(msg amqp.Delivery) {
	var rev Revocation
	if err := json.Unmarshal(msg.Body, &rev); err != nil || rev.UserID == "" {
		rc.logger.Error("discarding malformed revocation", "error", err)
		// malformed messages are never requeued
		_ = msg.Reject(false)
		return
	}

	if rc.handler(rev.UserID) {
		rc.logger.Info("session revoked", "user_id", rev.UserID, "reason", rev.Reason)
	} else {
		rc.logger.Debug("revocation does not match the local session", "user_id", rev.UserID)
	}

	if err := msg.Ack(false); err != nil {
		rc.logger.Error("failed to ack revocation", "user_id", rev.UserID, "error", err)
	}
}

// Stop stops the consumer and waits for it to exit
func (rc *RevocationConsumer) Stop() {
	if rc.cancelFunc != nil {
		rc.cancelFunc()
	}
	rc.wg.Wait()
}
