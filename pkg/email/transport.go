package email

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/leadflow-backend/pkg/config"
	"github.com/angelmondragon/leadflow-backend/pkg/enums"
	"github.com/angelmondragon/leadflow-backend/pkg/logger"
)

// Message is one rendered e-mail ready for delivery.
type Message struct {
	From     string
	To       string
	Subject  string
	HTMLBody string
	TextBody string
	// Ref is carried as X-Leadflow-Ref for correlation on the provider side.
	Ref string
}

// Transport delivers messages and can verify it is usable.
type Transport interface {
	Name() enums.EmailTransport
	Send(ctx context.Context, msg Message) error
	Probe(ctx context.Context) error
}

// NewTransport builds the transport selected by cfg.Email.Transport.
func NewTransport(ctx context.Context, cfg *config.Config, logg *logger.Logger) (Transport, error) {
	switch cfg.Email.Transport {
	case enums.EmailTransportSMTP:
		return NewSMTPTransport(cfg.SMTP), nil
	case enums.EmailTransportSES:
		return NewSESTransport(ctx, cfg.SES)
	case enums.EmailTransportLog:
		return NewLogTransport(logg), nil
	default:
		return nil, fmt.Errorf("unsupported email transport %q", cfg.Email.Transport)
	}
}

func (m Message) validate() error {
	if strings.TrimSpace(m.From) == "" {
		return fmt.Errorf("message from is required")
	}
	if strings.TrimSpace(m.To) == "" {
		return fmt.Errorf("message recipient is required")
	}
	if m.HTMLBody == "" && m.TextBody == "" {
		return fmt.Errorf("message body is required")
	}
	return nil
}

// buildMIME renders a multipart/alternative message for SMTP delivery.
func buildMIME(msg Message, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	header := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }
	header("From", msg.From)
	header("To", msg.To)
	header("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header("Date", now.UTC().Format(time.RFC1123Z))
	header("Message-ID", fmt.Sprintf("<%s@leadflow>", uuid.NewString()))
	if msg.Ref != "" {
		header("X-Leadflow-Ref", msg.Ref)
	}
	header("MIME-Version", "1.0")
	header("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", writer.Boundary()))
	buf.WriteString("\r\n")

	parts := []struct {
		contentType string
		body        string
	}{
		{"text/plain; charset=utf-8", msg.TextBody},
		{"text/html; charset=utf-8", msg.HTMLBody},
	}
	for _, p := range parts {
		if p.body == "" {
			continue
		}
		part, err := writer.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {p.contentType},
			"Content-Transfer-Encoding": {"8bit"},
		})
		if err != nil {
			return nil, err
		}
		if _, err := part.Write([]byte(p.body)); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
