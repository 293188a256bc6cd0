package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/medrex/referral-sync/pkg/logger"
	"github.com/medrex/referral-sync/pkg/types"
)

const publishTimeout = 5 * time.Second

// channel is the part of *amqp.Channel the notifier uses
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPNotifier publishes sync events as JSON to a topic exchange.
// Routing keys are "<kind>.<device id>", e.g. sync.completed.clinic-7.
type AMQPNotifier struct {
	conn     *amqp.Connection
	ch       channel
	exchange string
	deviceID string
	logger   *logger.Logger
	now      func() time.Time
}

// DialAMQP connects to the broker and declares the exchange
func DialAMQP(url, exchange, deviceID string, log *logger.Logger) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	n := newAMQPNotifier(ch, exchange, deviceID, log)
	n.conn = conn
	log.WithComponent("notify").WithField("exchange", exchange).Info("Connected to message broker")
	return n, nil
}

func newAMQPNotifier(ch channel, exchange, deviceID string, log *logger.Logger) *AMQPNotifier {
	return &AMQPNotifier{
		ch:       ch,
		exchange: exchange,
		deviceID: deviceID,
		logger:   log,
		now:      time.Now,
	}
}

// SyncCompleted publishes a sync.completed event
func (n *AMQPNotifier) SyncCompleted(ctx context.Context, result *types.SyncResult) error {
	return n.publish(ctx, SyncEvent{
		Kind:     EventSyncCompleted,
		DeviceID: n.deviceID,
		Result:   result,
	})
}

// SyncFailed publishes a sync.failed event
func (n *AMQPNotifier) SyncFailed(ctx context.Context, result *types.SyncResult, cause error) error {
	event := SyncEvent{
		Kind:     EventSyncFailed,
		DeviceID: n.deviceID,
		Result:   result,
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	return n.publish(ctx, event)
}

func (n *AMQPNotifier) publish(ctx context.Context, event SyncEvent) error {
	event.OccurredAt = n.now().UTC()

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event.Kind, err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = n.ch.PublishWithContext(ctx, n.exchange, event.Kind+"."+n.deviceID, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.New().String(),
		Timestamp:    event.OccurredAt,
		Body:         body,
	})
	if err != nil {
		n.logger.WithComponent("notify").WithError(err).WithField("kind", event.Kind).Warn("Failed to publish sync event")
		return types.NewExternalError(types.ErrCodeRemoteUnavailable, "failed to publish "+event.Kind, err)
	}
	return nil
}

// Close closes the channel and the broker connection
func (n *AMQPNotifier) Close() error {
	if err := n.ch.Close(); err != nil {
		return err
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}
