package leads

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/leadflow-backend/pkg/db/models"
	"github.com/angelmondragon/leadflow-backend/pkg/enums"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateTx(tx *gorm.DB, lead *models.Lead) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	return tx.Create(lead).Error
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Lead, error) {
	var lead models.Lead
	if err := r.db.WithContext(ctx).First(&lead, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &lead, nil
}

// FindRecentByFingerprint returns the newest lead with fingerprint created at
// or after since, or nil.
func (r *Repository) FindRecentByFingerprint(ctx context.Context, fingerprint string, since time.Time) (*models.Lead, error) {
	var lead models.Lead
	err := r.db.WithContext(ctx).
		Where("fingerprint = ? AND created_at >= ?", fingerprint, since).
		Order("created_at DESC").
		Limit(1).
		Find(&lead).Error
	if err != nil {
		return nil, err
	}
	if lead.ID == uuid.Nil {
		return nil, nil
	}
	return &lead, nil
}

// TransitionTx moves a lead from -> to with compare-and-set on the current
// status. It reports false when the lead was no longer in from.
func (r *Repository) TransitionTx(tx *gorm.DB, id uuid.UUID, from, to enums.LeadStatus, extra map[string]any) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("lead status %s cannot move to %s", from, to)
	}
	updates := map[string]any{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := tx.Model(&models.Lead{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	return res.RowsAffected == 1, res.Error
}

func (r *Repository) DB() *gorm.DB {
	return r.db
}
