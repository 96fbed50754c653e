package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/leadflow-backend/pkg/enums"
)

// Lead is the accepted submission. Everything but Status, RejectionReason,
// Owner and Enrichment is frozen after insert.
type Lead struct {
	ID              uuid.UUID         `gorm:"column:id;type:uuid;primaryKey"`
	FormKind        string            `gorm:"column:form_kind;not null;index"`
	Fingerprint     string            `gorm:"column:fingerprint;not null;index:idx_leads_fingerprint_created,priority:1"`
	Email           string            `gorm:"column:email;not null;index"`
	Phone           *string           `gorm:"column:phone"`
	Name            *string           `gorm:"column:name"`
	Fields          datatypes.JSONMap `gorm:"column:fields"`
	Context         datatypes.JSONMap `gorm:"column:context"`
	Enrichment      datatypes.JSONMap `gorm:"column:enrichment"`
	Status          enums.LeadStatus  `gorm:"column:status;not null;index"`
	RejectionReason *string           `gorm:"column:rejection_reason"`
	Owner           *string           `gorm:"column:owner"`
	Signed          bool              `gorm:"column:signed;not null;default:false"`
	TraceID         string            `gorm:"column:trace_id;not null"`
	CreatedAt       time.Time         `gorm:"column:created_at;index:idx_leads_fingerprint_created,priority:2"`
	UpdatedAt       time.Time         `gorm:"column:updated_at"`
}

func (l *Lead) BeforeCreate(*gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}
