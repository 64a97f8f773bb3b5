package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/angelmondragon/vaultflow-backend/pkg/config"
	"github.com/angelmondragon/vaultflow-backend/pkg/logger"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	errProjectIDRequired = errors.New("gcp project id is required")
	errNotInitialized    = errors.New("pubsub client not initialized")
)

// Client carries workflow job notifications over Pub/Sub v2. Topic and
// subscription names are resolved to full resource names once at startup.
type Client struct {
	client       *pubsub.Client
	topic        string
	subscription string
}

// NewClient connects and verifies that the work topic and subscription exist.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.PubSubConfig, logg *logger.Logger) (*Client, error) {
	project := strings.TrimSpace(gcp.ProjectID)
	if project == "" {
		return nil, errProjectIDRequired
	}
	topic, err := resourceName(project, "topics", cfg.WorkTopic)
	if err != nil {
		return nil, err
	}
	subscription, err := resourceName(project, "subscriptions", cfg.WorkSubscription)
	if err != nil {
		return nil, err
	}

	psClient, err := pubsub.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}
	c := &Client{client: psClient, topic: topic, subscription: subscription}
	if err := c.Ping(ctx); err != nil {
		_ = psClient.Close()
		return nil, err
	}

	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"topic":        topic,
			"subscription": subscription,
		}), "pubsub client initialized")
	}
	return c, nil
}

// WorkSubscription returns the subscriber workers consume job notifications from.
func (c *Client) WorkSubscription() *pubsub.Subscriber {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Subscriber(c.subscription)
}

// WorkPublisher returns the publisher for job notifications.
func (c *Client) WorkPublisher() (*pubsub.Publisher, error) {
	if c == nil || c.client == nil {
		return nil, errNotInitialized
	}
	return c.client.Publisher(c.topic), nil
}

// Ping checks that both the work topic and its subscription are provisioned.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errNotInitialized
	}
	if _, err := c.client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: c.topic}); err != nil {
		return describe("topic", c.topic, err)
	}
	if _, err := c.client.SubscriptionAdminClient.GetSubscription(ctx, &pubsubpb.GetSubscriptionRequest{Subscription: c.subscription}); err != nil {
		return describe("subscription", c.subscription, err)
	}
	return nil
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func describe(kind, name string, err error) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("pubsub %s %q does not exist", kind, name)
	}
	return fmt.Errorf("checking pubsub %s %q: %w", kind, name, err)
}

// resourceName accepts either a bare ID or a full
// projects/<p>/<collection>/<id> name.
func resourceName(project, collection, name string) (string, error) {
	n := strings.TrimSpace(name)
	if n == "" {
		return "", fmt.Errorf("pubsub %s name is required", strings.TrimSuffix(collection, "s"))
	}
	if strings.HasPrefix(n, "projects/") {
		if !strings.Contains(n, "/"+collection+"/") {
			return "", fmt.Errorf("pubsub name %q is not a %s resource", n, collection)
		}
		return n, nil
	}
	if strings.Contains(n, "/") {
		return "", fmt.Errorf("pubsub id %q must not contain '/'", n)
	}
	return fmt.Sprintf("projects/%s/%s/%s", project, collection, n), nil
}
