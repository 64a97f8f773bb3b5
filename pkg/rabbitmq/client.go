package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/angelmondragon/vaultflow-backend/pkg/config"
	"github.com/angelmondragon/vaultflow-backend/pkg/logger"
)

const exchangeKind = "direct"

var errNotConnected = errors.New("rabbitmq client not connected")

// Client owns one connection and channel bound to the workflow exchange and queue.
type Client struct {
	cfg     config.RabbitMQConfig
	conn    *amqp.Connection
	channel *amqp.Channel
	logg    *logger.Logger

	mu     sync.Mutex
	closed bool
}

// NewClient dials the broker and declares the exchange, queue and binding.
func NewClient(ctx context.Context, cfg config.RabbitMQConfig, logg *logger.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{Heartbeat: 10 * time.Second, Locale: "en_US"})
	if err != nil {
		return nil, fmt.Errorf("dialing rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opening rabbitmq channel: %w", err)
	}

	c := &Client{cfg: cfg, conn: conn, channel: ch, logg: logg}
	if err := c.setup(); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"exchange": cfg.Exchange,
			"queue":    cfg.Queue,
		}), "rabbitmq client initialized")
	}
	return c, nil
}

func (c *Client) setup() error {
	if err := c.channel.ExchangeDeclare(c.cfg.Exchange, exchangeKind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring exchange %q: %w", c.cfg.Exchange, err)
	}
	if _, err := c.channel.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %q: %w", c.cfg.Queue, err)
	}
	if err := c.channel.QueueBind(c.cfg.Queue, c.cfg.RoutingKey, c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("binding queue %q: %w", c.cfg.Queue, err)
	}
	if c.cfg.Prefetch > 0 {
		if err := c.channel.Qos(c.cfg.Prefetch, 0, false); err != nil {
			return fmt.Errorf("setting prefetch: %w", err)
		}
	}
	return nil
}

// Publish sends a persistent message whose MessageId lets consumers dedupe redeliveries.
func (c *Client) Publish(ctx context.Context, messageID string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.channel == nil {
		return errNotConnected
	}
	return c.channel.PublishWithContext(ctx, c.cfg.Exchange, c.cfg.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    messageID,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// Consume starts a manual-ack consumer on the workflow queue.
func (c *Client) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.channel == nil {
		return nil, errNotConnected
	}
	return c.channel.Consume(c.cfg.Queue, consumerTag, false, false, false, false, nil)
}

func (c *Client) Ping(context.Context) error {
	if c == nil || c.conn == nil || c.conn.IsClosed() {
		return errNotConnected
	}
	return nil
}

func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
