package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/vaultflow-backend/pkg/logger"
)

type notificationRedriver interface {
	RedriveFailed(ctx context.Context) (int, error)
}

type NotificationRedriveJobParams struct {
	Logger   *logger.Logger
	Redriver notificationRedriver
}

// NewNotificationRedriveJob retries custody notifications that were
// acknowledged but failed before any deposit row existed to poll.
func NewNotificationRedriveJob(params NotificationRedriveJobParams) (Job, error) {
	switch {
	case params.Logger == nil:
		return nil, fmt.Errorf("logger required")
	case params.Redriver == nil:
		return nil, fmt.Errorf("redriver required")
	}
	return &notificationRedriveJob{logg: params.Logger, redriver: params.Redriver}, nil
}

type notificationRedriveJob struct {
	logg     *logger.Logger
	redriver notificationRedriver
}

func (j *notificationRedriveJob) Name() string { return "notification-redrive" }

func (j *notificationRedriveJob) Run(ctx context.Context) error {
	recovered, err := j.redriver.RedriveFailed(ctx)
	if recovered > 0 {
		j.logg.Info(j.logg.WithField(ctx, "recovered", recovered), "parked notifications applied")
	}
	if err != nil {
		return fmt.Errorf("redrive notifications: %w", err)
	}
	return nil
}
