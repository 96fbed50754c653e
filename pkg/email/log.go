package email

import (
	"context"
	"sync"

	"github.com/angelmondragon/leadflow-backend/pkg/enums"
	"github.com/angelmondragon/leadflow-backend/pkg/logger"
)

// LogTransport writes messages to the log instead of delivering them. Used
// in development; it also keeps the last messages for inspection.
type LogTransport struct {
	logg *logger.Logger

	mu   sync.Mutex
	sent []Message
}

const logTransportKeep = 100

func NewLogTransport(logg *logger.Logger) *LogTransport {
	return &LogTransport{logg: logg}
}

func (t *LogTransport) Name() enums.EmailTransport { return enums.EmailTransportLog }

func (t *LogTransport) Probe(context.Context) error { return nil }

func (t *LogTransport) Send(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	t.mu.Lock()
	t.sent = append(t.sent, msg)
	if len(t.sent) > logTransportKeep {
		t.sent = t.sent[len(t.sent)-logTransportKeep:]
	}
	t.mu.Unlock()

	if t.logg != nil {
		ctx = t.logg.WithFields(ctx, map[string]any{
			"to":      msg.To,
			"from":    msg.From,
			"subject": msg.Subject,
			"ref":     msg.Ref,
		})
		t.logg.Info(ctx, "email.logged")
	}
	return nil
}

// Sent returns a copy of the retained messages.
func (t *LogTransport) Sent() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.sent))
	copy(out, t.sent)
	return out
}
