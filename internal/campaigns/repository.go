package campaigns

import (
	"context"
	"time"

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

func (r *Repository) Create(ctx context.Context, c *models.Campaign) error {
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *Repository) AddRecipients(ctx context.Context, rows []models.CampaignRecipient) error {
	if len(rows) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(rows, 200).Error
}

func (r *Repository) Get(ctx context.Context, id int64) (*models.Campaign, error) {
	var c models.Campaign
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ListDue returns schedulable campaigns whose start time has passed, oldest
// first.
func (r *Repository) ListDue(ctx context.Context, now time.Time, limit int) ([]models.Campaign, error) {
	var rows []models.Campaign
	err := r.db.WithContext(ctx).
		Where("status IN ? AND scheduled_at <= ?", []enums.CampaignStatus{enums.CampaignStatusReady, enums.CampaignStatusPartial}, now).
		Order("scheduled_at ASC, id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// RecipientsAfterTx pages recipients by id, starting after cursor.
func (r *Repository) RecipientsAfterTx(tx *gorm.DB, campaignID, cursor int64, limit int) ([]models.CampaignRecipient, error) {
	var rows []models.CampaignRecipient
	err := tx.Where("campaign_id = ? AND id > ?", campaignID, cursor).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *Repository) HasRecipientsAfterTx(tx *gorm.DB, campaignID, cursor int64) (bool, error) {
	var n int64
	err := tx.Model(&models.CampaignRecipient{}).
		Where("campaign_id = ? AND id > ?", campaignID, cursor).
		Limit(1).
		Count(&n).Error
	return n > 0, err
}

// AdvanceTx moves the cursor from `from` to `to` and sets status. The cursor
// compare makes overlapping scheduler runs lose instead of double-counting.
func (r *Repository) AdvanceTx(tx *gorm.DB, id, from, to int64, added int, status enums.CampaignStatus, now time.Time) (bool, error) {
	res := tx.Model(&models.Campaign{}).
		Where("id = ? AND cursor = ? AND status IN ?", id, from, []enums.CampaignStatus{enums.CampaignStatusReady, enums.CampaignStatusPartial}).
		Updates(map[string]any{
			"cursor":               to,
			"status":               status,
			"materialized_count":   gorm.Expr("materialized_count + ?", added),
			"last_materialized_at": now,
			"updated_at":           now,
		})
	return res.RowsAffected == 1, res.Error
}
