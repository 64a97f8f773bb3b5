package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/angelmondragon/vaultflow-backend/pkg/logger"
)

// JobProcessor advances one job by a single step.
type JobProcessor interface {
	ProcessJob(ctx context.Context, id string) (bool, error)
}

type deduper interface {
	CheckAndMark(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
}

// Consumer turns queue deliveries into driver steps. Duplicate deliveries of the
// same job inside the dedup window are acknowledged without work.
type Consumer struct {
	processor JobProcessor
	dedup     deduper
	logg      *logger.Logger
}

func NewConsumer(processor JobProcessor, dedup deduper, logg *logger.Logger) (*Consumer, error) {
	if processor == nil {
		return nil, fmt.Errorf("job processor required")
	}
	if dedup == nil {
		return nil, fmt.Errorf("idempotency guard required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Consumer{processor: processor, dedup: dedup, logg: logg}, nil
}

type processResult struct {
	ack  bool
	nack bool
}

// RunPubSub receives from the work subscription until ctx is canceled.
func (c *Consumer) RunPubSub(ctx context.Context, sub *gcppubsub.Subscriber) error {
	if sub == nil {
		return fmt.Errorf("work subscription required")
	}
	return sub.Receive(ctx, func(ctx context.Context, msg *gcppubsub.Message) {
		id := msg.Attributes[attrMessageID]
		if id == "" {
			id = msg.ID
		}
		if c.handle(ctx, id, msg.Data).nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

// RunRabbitMQ drains deliveries until ctx is canceled or the channel closes.
func (c *Consumer) RunRabbitMQ(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("rabbitmq delivery channel closed")
			}
			if c.handle(ctx, d.MessageId, d.Body).nack {
				_ = d.Nack(false, true)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, messageID string, body []byte) processResult {
	logCtx := c.logg.WithField(ctx, "message_id", messageID)

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		c.logg.Error(logCtx, "failed to decode work message", err)
		return processResult{ack: true}
	}
	if strings.TrimSpace(msg.JobID) == "" {
		c.logg.Warn(logCtx, "work message missing job id")
		return processResult{ack: true}
	}
	if messageID == "" {
		messageID = msg.JobID
	}
	logCtx = c.logg.WithJobID(logCtx, msg.JobID)

	seen, err := c.dedup.CheckAndMark(ctx, messageID)
	if err != nil {
		c.logg.Error(logCtx, "idempotency check failed", err)
		return processResult{nack: true}
	}
	if seen {
		c.logg.Info(logCtx, "work message already handled")
		return processResult{ack: true}
	}

	acquired, err := c.processor.ProcessJob(logCtx, msg.JobID)
	if err != nil {
		c.logg.Error(logCtx, "work message processing failed", err)
		if rerr := c.dedup.Release(ctx, messageID); rerr != nil {
			c.logg.Error(logCtx, "failed to release idempotency key", rerr)
		}
		return processResult{nack: true}
	}
	if !acquired {
		c.logg.Info(logCtx, "job leased elsewhere; leaving it to the holder")
	}
	return processResult{ack: true}
}
