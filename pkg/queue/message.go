package queue

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/leadflow-backend/pkg/enums"
)

// Message is the broker wire format of one task execution request.
type Message struct {
	ID         string          `json:"id"`
	Task       enums.TaskName  `json:"task"`
	Queue      enums.QueueName `json:"queue"`
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempt    int             `json:"attempt"`
	TraceID    string          `json:"trace_id,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewMessage builds a first-attempt message. key is the task-chosen
// idempotency key, typically "<lead_id>:<stage>".
func NewMessage(task enums.TaskName, q enums.QueueName, key string, payload any, traceID string) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:         uuid.NewString(),
		Task:       task,
		Queue:      q,
		Key:        key,
		Payload:    raw,
		Attempt:    1,
		TraceID:    traceID,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into dst.
func (m Message) Decode(dst any) error {
	if len(m.Payload) == 0 {
		return Permanent(errors.New("empty payload"))
	}
	if err := json.Unmarshal(m.Payload, dst); err != nil {
		return Permanent(err)
	}
	return nil
}

// NonRetryableError marks a failure that retrying cannot fix.
type NonRetryableError struct {
	Err error
}

func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

func (e NonRetryableError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return NonRetryableError{Err: err}
}

func IsPermanent(err error) bool {
	var nonRetry NonRetryableError
	return errors.As(err, &nonRetry)
}
