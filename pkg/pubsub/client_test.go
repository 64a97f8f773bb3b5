package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceName(t *testing.T) {
	got, err := resourceName("vf-prod", "topics", " vf-workflow-jobs ")
	require.NoError(t, err)
	assert.Equal(t, "projects/vf-prod/topics/vf-workflow-jobs", got)

	got, err = resourceName("vf-prod", "subscriptions", "projects/other/subscriptions/worker")
	require.NoError(t, err)
	assert.Equal(t, "projects/other/subscriptions/worker", got)

	_, err = resourceName("vf-prod", "subscriptions", "projects/other/topics/worker")
	assert.Error(t, err)

	_, err = resourceName("vf-prod", "topics", "a/b")
	assert.Error(t, err)

	_, err = resourceName("vf-prod", "topics", "")
	assert.ErrorContains(t, err, "topic name is required")
}

func TestNilClientIsSafe(t *testing.T) {
	var c *Client
	assert.Nil(t, c.WorkSubscription())
	_, err := c.WorkPublisher()
	assert.ErrorIs(t, err, errNotInitialized)
	assert.ErrorIs(t, c.Ping(context.Background()), errNotInitialized)
	assert.NoError(t, c.Close())
}
