package intents

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/leadflow-backend/pkg/db"
	"github.com/angelmondragon/leadflow-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/leadflow-backend/pkg/errors"
)

const maxLastErrorLen = 1024

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Insert(tx *gorm.DB, row *models.Intent) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(row).Error
}

// FetchUndispatchedForDispatch returns the oldest pending intents that still
// have attempts left. On Postgres the rows are locked with SKIP LOCKED so
// concurrent dispatchers split the backlog.
func (r *Repository) FetchUndispatchedForDispatch(tx *gorm.DB, limit, maxAttempts int) ([]models.Intent, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	q := tx.Where("dispatched_at IS NULL AND attempt_count < ?", maxAttempts).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit)
	if db.IsPostgres(tx) {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	var rows []models.Intent
	err := q.Find(&rows).Error
	return rows, err
}

func (r *Repository) MarkDispatchedTx(tx *gorm.DB, id uuid.UUID) error {
	return tx.Model(&models.Intent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"dispatched_at": time.Now().UTC(),
			"last_error":    nil,
		}).Error
}

func (r *Repository) MarkFailedTx(tx *gorm.DB, id uuid.UUID, cause error) error {
	return tx.Model(&models.Intent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_error":    pkgerrors.Truncate(cause.Error(), maxLastErrorLen),
			"attempt_count": gorm.Expr("attempt_count + 1"),
		}).Error
}

// MarkTerminalTx parks an intent at the attempt cap so it is never fetched again.
func (r *Repository) MarkTerminalTx(tx *gorm.DB, id uuid.UUID, cause error, terminalAttempts int) error {
	return tx.Model(&models.Intent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_error":    pkgerrors.Truncate(cause.Error(), maxLastErrorLen),
			"attempt_count": terminalAttempts,
		}).Error
}

// CountPending reports intents waiting for dispatch.
func (r *Repository) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Intent{}).Where("dispatched_at IS NULL").Count(&n).Error
	return n, err
}

// DeleteDispatchedBefore removes dispatched intents older than cutoff.
func (r *Repository) DeleteDispatchedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("dispatched_at IS NOT NULL AND dispatched_at < ?", cutoff).
		Delete(&models.Intent{})
	return res.RowsAffected, res.Error
}
