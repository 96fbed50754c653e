package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/leadflow-backend/pkg/enums"
)

// OutboxMessage is a rendered e-mail waiting for (or done with) delivery.
type OutboxMessage struct {
	ID            int64             `gorm:"column:id;primaryKey;autoIncrement"`
	DedupeKey     string            `gorm:"column:dedupe_key;not null;uniqueIndex"`
	TemplateRef   string            `gorm:"column:template_ref;not null"`
	Subject       string            `gorm:"column:subject;not null"`
	HTMLBody      string            `gorm:"column:html_body;not null"`
	TextBody      string            `gorm:"column:text_body;not null"`
	ToAddress     string            `gorm:"column:to_address;not null"`
	FromAddress   string            `gorm:"column:from_address;not null"`
	State         enums.OutboxState `gorm:"column:state;not null;index:idx_outbox_due,priority:1"`
	Attempts      int               `gorm:"column:attempts;not null;default:0"`
	NextAttemptAt time.Time         `gorm:"column:next_attempt_at;not null;index:idx_outbox_due,priority:2"`
	LastError     *string           `gorm:"column:last_error"`
	FencingToken  *string           `gorm:"column:fencing_token"`
	LockedAt      *time.Time        `gorm:"column:locked_at"`
	TraceID       string            `gorm:"column:trace_id"`
	LeadID        *uuid.UUID        `gorm:"column:lead_id;type:uuid;index"`
	CampaignID    *int64            `gorm:"column:campaign_id;index"`
	CreatedAt     time.Time         `gorm:"column:created_at"`
	UpdatedAt     time.Time         `gorm:"column:updated_at"`
	SentAt        *time.Time        `gorm:"column:sent_at"`
}
