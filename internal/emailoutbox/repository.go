package emailoutbox

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/leadflow-backend/pkg/db/models"
	"github.com/angelmondragon/leadflow-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/leadflow-backend/pkg/errors"
)

const maxLastErrorLen = 1024

// Repository owns every state change of outbox_messages. Transitions out of
// sending are compare-and-set on (state, fencing_token).
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// InsertTx stores row unless its dedupe key already exists.
func (r *Repository) InsertTx(tx *gorm.DB, row *models.OutboxMessage) (bool, error) {
	if tx == nil {
		return false, errors.New("transaction required")
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dedupe_key"}},
		DoNothing: true,
	}).Create(row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repository) Get(ctx context.Context, id int64) (*models.OutboxMessage, error) {
	var row models.OutboxMessage
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *Repository) FindByDedupeKey(ctx context.Context, key string) (*models.OutboxMessage, error) {
	var row models.OutboxMessage
	if err := r.db.WithContext(ctx).First(&row, "dedupe_key = ?", key).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// ListDue returns pending rows whose next attempt is due, oldest first.
func (r *Repository) ListDue(ctx context.Context, now time.Time, limit int) ([]models.OutboxMessage, error) {
	var rows []models.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("state = ? AND next_attempt_at <= ?", enums.OutboxStatePending, now).
		Order("next_attempt_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// Claim moves a pending row to sending under a fresh fencing token and
// counts the attempt. False means another drainer won.
func (r *Repository) Claim(ctx context.Context, id int64, token string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("id = ? AND state = ?", id, enums.OutboxStatePending).
		Updates(map[string]any{
			"state":         enums.OutboxStateSending,
			"fencing_token": token,
			"locked_at":     now,
			"attempts":      gorm.Expr("attempts + 1"),
			"updated_at":    now,
		})
	return res.RowsAffected == 1, res.Error
}

// MarkSent finalizes a claimed row. Only the token holder can succeed.
func (r *Repository) MarkSent(ctx context.Context, id int64, token string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("id = ? AND state = ? AND fencing_token = ?", id, enums.OutboxStateSending, token).
		Updates(map[string]any{
			"state":      enums.OutboxStateSent,
			"last_error": nil,
			"locked_at":  nil,
			"sent_at":    now,
			"updated_at": now,
		})
	return res.RowsAffected == 1, res.Error
}

// MarkFailed records the failure (sending -> failed) and then either
// schedules a retry (failed -> pending) or parks the row (failed -> dead),
// in one transaction.
func (r *Repository) MarkFailed(ctx context.Context, id int64, token, cause string, dead bool, next, now time.Time) (bool, error) {
	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.OutboxMessage{}).
			Where("id = ? AND state = ? AND fencing_token = ?", id, enums.OutboxStateSending, token).
			Updates(map[string]any{
				"state":      enums.OutboxStateFailed,
				"last_error": pkgerrors.Truncate(cause, maxLastErrorLen),
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return nil
		}
		updates := map[string]any{
			"state":           enums.OutboxStatePending,
			"next_attempt_at": next,
			"fencing_token":   nil,
			"locked_at":       nil,
			"updated_at":      now,
		}
		if dead {
			updates = map[string]any{
				"state":      enums.OutboxStateDead,
				"locked_at":  nil,
				"updated_at": now,
			}
		}
		res = tx.Model(&models.OutboxMessage{}).
			Where("id = ? AND state = ?", id, enums.OutboxStateFailed).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		applied = res.RowsAffected == 1
		return nil
	})
	return applied, err
}

// RequeueStale returns rows stuck in sending since before cutoff to pending.
// The attempt already counted stays counted.
func (r *Repository) RequeueStale(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("state = ? AND locked_at < ?", enums.OutboxStateSending, cutoff).
		Updates(map[string]any{
			"state":           enums.OutboxStatePending,
			"fencing_token":   nil,
			"locked_at":       nil,
			"next_attempt_at": now,
			"last_error":      "requeued after stale send lock",
			"updated_at":      now,
		})
	return res.RowsAffected, res.Error
}

// CountBacklog counts rows not yet in a terminal state.
func (r *Repository) CountBacklog(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("state IN ?", []enums.OutboxState{enums.OutboxStatePending, enums.OutboxStateSending, enums.OutboxStateFailed}).
		Count(&n).Error
	return n, err
}

// DeleteFinishedBefore purges sent and dead rows last touched before cutoff.
func (r *Repository) DeleteFinishedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error) {
	conn := tx
	if conn == nil {
		conn = r.db
	}
	res := conn.WithContext(ctx).
		Where("state IN ? AND updated_at < ?", []enums.OutboxState{enums.OutboxStateSent, enums.OutboxStateDead}, cutoff).
		Delete(&models.OutboxMessage{})
	return res.RowsAffected, res.Error
}
