package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/angelmondragon/leadflow-backend/pkg/enums"
)

// Campaign is a planned mailing; the scheduler turns its recipients into
// outbox rows in bounded batches, remembering progress in Cursor.
type Campaign struct {
	ID                 int64                `gorm:"column:id;primaryKey;autoIncrement"`
	Name               string               `gorm:"column:name;not null"`
	TemplateRef        string               `gorm:"column:template_ref;not null"`
	FromAddress        string               `gorm:"column:from_address"`
	Definition         datatypes.JSONMap    `gorm:"column:definition"`
	Status             enums.CampaignStatus `gorm:"column:status;not null;index"`
	ScheduledAt        time.Time            `gorm:"column:scheduled_at;not null;index"`
	Cursor             int64                `gorm:"column:cursor;not null;default:0"`
	MaterializedCount  int                  `gorm:"column:materialized_count;not null;default:0"`
	LastMaterializedAt *time.Time           `gorm:"column:last_materialized_at"`
	CreatedAt          time.Time            `gorm:"column:created_at"`
	UpdatedAt          time.Time            `gorm:"column:updated_at"`
}

type CampaignRecipient struct {
	ID         int64             `gorm:"column:id;primaryKey;autoIncrement"`
	CampaignID int64             `gorm:"column:campaign_id;not null;index"`
	Email      string            `gorm:"column:email;not null"`
	Name       *string           `gorm:"column:name"`
	Vars       datatypes.JSONMap `gorm:"column:vars"`
	CreatedAt  time.Time         `gorm:"column:created_at"`
}
