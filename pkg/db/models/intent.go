package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/leadflow-backend/pkg/enums"
)

// Intent is a unit of work recorded in the same transaction as the state
// change that caused it. The dispatcher hands committed intents to the broker.
type Intent struct {
	ID             uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	Task           enums.TaskName  `gorm:"column:task;not null"`
	Queue          enums.QueueName `gorm:"column:queue;not null"`
	IdempotencyKey string          `gorm:"column:idempotency_key;not null;uniqueIndex"`
	AggregateID    *uuid.UUID      `gorm:"column:aggregate_id;type:uuid"`
	Payload        datatypes.JSON  `gorm:"column:payload;not null"`
	TraceID        string          `gorm:"column:trace_id"`
	CreatedAt      time.Time       `gorm:"column:created_at;index"`
	DispatchedAt   *time.Time      `gorm:"column:dispatched_at;index"`
	AttemptCount   int             `gorm:"column:attempt_count;not null;default:0"`
	LastError      *string         `gorm:"column:last_error"`
}

func (i *Intent) BeforeCreate(*gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

// IntentDLQ captures intents that could not be handed to the broker.
type IntentDLQ struct {
	ID           uuid.UUID            `gorm:"column:id;type:uuid;primaryKey"`
	IntentID     uuid.UUID            `gorm:"column:intent_id;type:uuid;not null"`
	Task         enums.TaskName       `gorm:"column:task;not null"`
	Queue        enums.QueueName      `gorm:"column:queue;not null"`
	Payload      datatypes.JSON       `gorm:"column:payload;not null"`
	ErrorReason  enums.DLQErrorReason `gorm:"column:error_reason;not null"`
	ErrorMessage *string              `gorm:"column:error_message"`
	AttemptCount int                  `gorm:"column:attempt_count;not null;default:0"`
	FailedAt     time.Time            `gorm:"column:failed_at"`
	CreatedAt    time.Time            `gorm:"column:created_at;index"`
}

func (IntentDLQ) TableName() string { return "intent_dlq" }

func (d *IntentDLQ) BeforeCreate(*gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}
