package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	RoutingKeyEvents   = "tracker.events"
	RoutingKeyIdentify = "tracker.identify"

	DefaultExchange = "tracker.events"

	// Upper bound on waiting for the broker to confirm one message.
	confirmWait = 2 * time.Second
)

// ErrUnroutable is returned when the broker returned a mandatory message
// because no queue is bound for its routing key.
var ErrUnroutable = errors.New("NO_ROUTE")

// Forwarder hands decoded payloads to downstream consumers.
type Forwarder interface {
	Forward(ctx context.Context, routingKey, messageID string, body []byte) error
}

// publisher publishes one message and returns its pending confirmation.
type publisher interface {
	Publish(ctx context.Context, routingKey string, msg amqp.Publishing) (confirmation, error)
}

// confirmation is satisfied by *amqp.DeferredConfirmation.
type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

type channelPublisher struct {
	ch       *amqp.Channel
	exchange string
}

func (p channelPublisher) Publish(ctx context.Context, routingKey string, msg amqp.Publishing) (confirmation, error) {
	dc, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, routingKey, true, false, msg)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		return nil, errors.New("channel is not in confirm mode")
	}
	return dc, nil
}

// returnLog remembers the ids of messages the broker handed back. The broker
// sends basic.return before the basic.ack of the same message.
type returnLog struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newReturnLog() *returnLog {
	return &returnLog{ids: make(map[string]struct{})}
}

// drain consumes returns until the channel closes. amqp091 blocks its
// dispatcher on undrained notify channels.
func (l *returnLog) drain(returns <-chan amqp.Return, logger *slog.Logger) {
	for r := range returns {
		l.mu.Lock()
		l.ids[r.MessageId] = struct{}{}
		l.mu.Unlock()
		logger.Warn("message returned by broker", "routing_key", r.RoutingKey, "message_id", r.MessageId, "reply", r.ReplyText)
	}
}

// take reports whether id was returned and forgets it.
func (l *returnLog) take(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.ids[id]
	delete(l.ids, id)
	return ok
}

// AMQPForwarder publishes to a topic exchange with mandatory delivery and
// publisher confirms. Every message waits for its own confirmation.
type AMQPForwarder struct {
	url      string
	exchange string
	logger   *slog.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	ch      *amqp.Channel
	pub     publisher
	returns *returnLog
}

// NewAMQPForwarder dials url and declares exchange as a durable topic exchange.
func NewAMQPForwarder(url, exchange string, logger *slog.Logger) (*AMQPForwarder, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	f := &AMQPForwarder{url: url, exchange: exchange, logger: logger, returns: newReturnLog()}
	if err := f.connect(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *AMQPForwarder) connect() error {
	conn, err := amqp.Dial(f.url)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(f.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare exchange %s: %w", f.exchange, err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("enable confirms: %w", err)
	}

	go f.returns.drain(ch.NotifyReturn(make(chan amqp.Return)), f.logger)

	f.conn = conn
	f.ch = ch
	f.pub = channelPublisher{ch: ch, exchange: f.exchange}
	return nil
}

// Close releases the channel and connection.
func (f *AMQPForwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pub = nil
	if f.ch != nil {
		_ = f.ch.Close()
		f.ch = nil
	}
	if f.conn != nil {
		_ = f.conn.Close()
		f.conn = nil
	}
	return nil
}

// Forward publishes body and waits for the broker to confirm it.
func (f *AMQPForwarder) Forward(ctx context.Context, routingKey, messageID string, body []byte) error {
	if routingKey == "" {
		return errors.New("missing routingKey")
	}
	if strings.TrimSpace(messageID) == "" {
		return errors.New("missing messageID")
	}

	f.mu.Lock()
	pub := f.pub
	f.mu.Unlock()
	if pub == nil {
		return errors.New("forwarder channel not ready")
	}

	return publishConfirmed(ctx, pub, f.returns, routingKey, amqp.Publishing{
		MessageId:   messageID,
		ContentType: "application/json",
		Timestamp:   time.Now().UTC(),
		Body:        body,
	})
}

func publishConfirmed(ctx context.Context, pub publisher, returns *returnLog, routingKey string, msg amqp.Publishing) error {
	conf, err := pub.Publish(ctx, routingKey, msg)
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, confirmWait)
	defer cancel()
	acked, err := conf.WaitContext(waitCtx)
	returned := returns.take(msg.MessageId)
	if err != nil {
		return fmt.Errorf("confirm %s: %w", msg.MessageId, err)
	}
	if !acked {
		return fmt.Errorf("publish %s: nacked by broker", msg.MessageId)
	}
	if returned {
		return fmt.Errorf("publish %s: %w", routingKey, ErrUnroutable)
	}
	return nil
}
