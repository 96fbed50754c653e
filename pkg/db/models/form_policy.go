package models

import (
	"time"

	"gorm.io/datatypes"
)

// FormPolicy is the database source for field policies. A NULL set means the
// row does not define it and a lower-priority source applies.
type FormPolicy struct {
	FormKind            string         `gorm:"column:form_kind;primaryKey"`
	Required            datatypes.JSON `gorm:"column:required"`
	Optional            datatypes.JSON `gorm:"column:optional"`
	IgnoredForSignature datatypes.JSON `gorm:"column:ignored_for_signature"`
	RequireSignature    *bool          `gorm:"column:require_signature"`
	UpdatedAt           time.Time      `gorm:"column:updated_at"`
}
