package intents

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/leadflow-backend/pkg/db/models"
	"github.com/angelmondragon/leadflow-backend/pkg/enums"
	"github.com/angelmondragon/leadflow-backend/pkg/logger"
)

// Intent describes work to enqueue once the surrounding transaction commits.
type Intent struct {
	Task        enums.TaskName
	Queue       enums.QueueName
	Key         string
	AggregateID *uuid.UUID
	Payload     any
	TraceID     string
}

type Service struct {
	repo *Repository
	logg *logger.Logger
}

func NewService(repo *Repository, logg *logger.Logger) *Service {
	return &Service{repo: repo, logg: logg}
}

// Emit records intent inside tx. Re-emitting a key that already exists is a
// no-op.
func (s *Service) Emit(ctx context.Context, tx *gorm.DB, intent Intent) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if intent.Task == "" || intent.Key == "" {
		return errors.New("intent task and key are required")
	}
	if !intent.Queue.IsValid() {
		return errors.New("intent queue is invalid")
	}
	payload, err := json.Marshal(intent.Payload)
	if err != nil {
		return err
	}
	row := models.Intent{
		Task:           intent.Task,
		Queue:          intent.Queue,
		IdempotencyKey: intent.Key,
		AggregateID:    intent.AggregateID,
		Payload:        datatypes.JSON(payload),
		TraceID:        intent.TraceID,
	}
	if err := s.repo.Insert(tx, &row); err != nil {
		return err
	}
	if s.logg != nil {
		fields := map[string]any{
			"intent_id": row.ID.String(),
			"task":      intent.Task,
			"queue":     intent.Queue,
			"key":       intent.Key,
		}
		s.logg.Debug(s.logg.WithFields(ctx, fields), "intent recorded")
	}
	return nil
}
