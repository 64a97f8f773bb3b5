package models

import (
	"encoding/json"
	"time"
)

// NotificationFailure parks a custody notification whose processing failed
// after it was acknowledged, so it can be redriven later.
type NotificationFailure struct {
	ID               string          `gorm:"column:id;primaryKey"`
	NotificationType string          `gorm:"column:notification_type;not null"`
	Payload          json.RawMessage `gorm:"column:payload_json;type:jsonb;not null"`
	ErrorMessage     *string         `gorm:"column:error_message"`
	AttemptCount     int             `gorm:"column:attempt_count;not null;default:1"`
	CreatedAt        time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (NotificationFailure) TableName() string { return "notification_failures" }
