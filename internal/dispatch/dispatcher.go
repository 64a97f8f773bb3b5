package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/vaultflow-backend/pkg/config"
	"github.com/angelmondragon/vaultflow-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/vaultflow-backend/pkg/errors"
	"github.com/angelmondragon/vaultflow-backend/pkg/logger"
	"github.com/angelmondragon/vaultflow-backend/pkg/metrics"
)

const (
	defaultPublishTimeout = 10 * time.Second

	attrMessageID = "message_id"
	attrJobKind   = "job_kind"

	outcomePublished = "published"
	outcomeFallback  = "fallback"
	outcomeFailed    = "failed"
)

// Message is the queue payload. The job id doubles as the message id so
// redeliveries and duplicate enqueues collapse in the consumer.
type Message struct {
	JobID      string        `json:"jobId"`
	Kind       enums.JobKind `json:"kind"`
	DepositID  string        `json:"depositId,omitempty"`
	EnqueuedAt time.Time     `json:"enqueuedAt"`
}

// Publisher hands an encoded message to a queue backend.
type Publisher interface {
	Publish(ctx context.Context, msg Message, body []byte) error
}

// Fallback runs the work locally when no backend accepted the message.
type Fallback func(ctx context.Context) error

type Dispatcher struct {
	publisher Publisher
	backend   string
	metrics   *metrics.WorkflowMetrics
	logg      *logger.Logger
	now       func() time.Time
}

type DispatcherParams struct {
	// Publisher is nil when the backend is "none".
	Publisher Publisher
	Backend   string
	Metrics   *metrics.WorkflowMetrics
	Logger    *logger.Logger
	Now       func() time.Time
}

func NewDispatcher(params DispatcherParams) (*Dispatcher, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	backend := strings.ToLower(strings.TrimSpace(params.Backend))
	if backend == "" {
		backend = config.QueueBackendNone
	}
	if backend != config.QueueBackendNone && params.Publisher == nil {
		return nil, fmt.Errorf("publisher required for backend %s", backend)
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		publisher: params.Publisher,
		backend:   backend,
		metrics:   params.Metrics,
		logg:      params.Logger,
		now:       now,
	}, nil
}

// Enqueue publishes msg to the configured backend. When there is no backend or
// the publish fails, fallback runs synchronously and its error is returned.
func (d *Dispatcher) Enqueue(ctx context.Context, msg Message, fallback Fallback) error {
	if strings.TrimSpace(msg.JobID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "job id is required")
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = d.now().UTC()
	}
	logCtx := d.logg.WithFields(ctx, map[string]any{
		"job_id":  msg.JobID,
		"kind":    msg.Kind,
		"backend": d.backend,
	})

	if d.publisher == nil {
		return d.runFallback(ctx, logCtx, fallback, nil)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode work message")
	}
	publishCtx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
	defer cancel()
	if err := d.publisher.Publish(publishCtx, msg, body); err != nil {
		d.logg.Warn(d.logg.WithField(logCtx, "error", err.Error()), "work publish failed; running locally")
		return d.runFallback(ctx, logCtx, fallback, err)
	}
	d.metrics.IncDispatch(d.backend, outcomePublished)
	d.logg.Debug(logCtx, "work message published")
	return nil
}

func (d *Dispatcher) runFallback(ctx, logCtx context.Context, fallback Fallback, publishErr error) error {
	if fallback == nil {
		d.metrics.IncDispatch(d.backend, outcomeFailed)
		if publishErr != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, publishErr, "publish work message")
		}
		return nil
	}
	d.metrics.IncDispatch(d.backend, outcomeFallback)
	if err := fallback(ctx); err != nil {
		d.logg.Error(logCtx, "local fallback failed", err)
		return err
	}
	return nil
}

type pubsubPublisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
}

type publishResult interface {
	Get(context.Context) (string, error)
}

// PubSubPublisher publishes work messages to a Pub/Sub topic.
type PubSubPublisher struct {
	pub pubsubPublisher
}

func NewPubSubPublisher(pub *gcppubsub.Publisher) (*PubSubPublisher, error) {
	if pub == nil {
		return nil, fmt.Errorf("pubsub publisher required")
	}
	return &PubSubPublisher{pub: &gcpPublisher{Publisher: pub}}, nil
}

func (p *PubSubPublisher) Publish(ctx context.Context, msg Message, body []byte) error {
	result := p.pub.Publish(ctx, &gcppubsub.Message{
		Data: body,
		Attributes: map[string]string{
			attrMessageID: msg.JobID,
			attrJobKind:   string(msg.Kind),
		},
	})
	if result == nil {
		return fmt.Errorf("publisher returned no result")
	}
	_, err := result.Get(ctx)
	return err
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	if p == nil || p.Publisher == nil {
		return nil
	}
	return p.Publisher.Publish(ctx, msg)
}

type amqpPublisher interface {
	Publish(ctx context.Context, messageID string, body []byte) error
}

// RabbitMQPublisher publishes work messages with the job id as AMQP MessageId.
type RabbitMQPublisher struct {
	client amqpPublisher
}

func NewRabbitMQPublisher(client amqpPublisher) (*RabbitMQPublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("rabbitmq client required")
	}
	return &RabbitMQPublisher{client: client}, nil
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, msg Message, body []byte) error {
	return p.client.Publish(ctx, msg.JobID, body)
}
