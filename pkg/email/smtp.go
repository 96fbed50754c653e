package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"time"

	"github.com/angelmondragon/leadflow-backend/pkg/config"
	"github.com/angelmondragon/leadflow-backend/pkg/enums"
)

// SMTPTransport opens one session per message. Connection pooling is left to
// the relay.
type SMTPTransport struct {
	cfg config.SMTPConfig
	now func() time.Time
	// tlsConfig is overridden in tests that run a plaintext server.
	tlsConfig *tls.Config
}

func NewSMTPTransport(cfg config.SMTPConfig) *SMTPTransport {
	return &SMTPTransport{
		cfg:       cfg,
		now:       time.Now,
		tlsConfig: &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12},
	}
}

func (t *SMTPTransport) Name() enums.EmailTransport { return enums.EmailTransportSMTP }

// Probe opens a session, negotiates TLS and auth, and quits.
func (t *SMTPTransport) Probe(ctx context.Context) error {
	client, err := t.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.Noop(); err != nil {
		return fmt.Errorf("smtp noop: %w", err)
	}
	return client.Quit()
}

func (t *SMTPTransport) Send(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	from, err := mail.ParseAddress(msg.From)
	if err != nil {
		return fmt.Errorf("smtp from address: %w", err)
	}
	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return fmt.Errorf("smtp recipient address: %w", err)
	}
	body, err := buildMIME(msg, t.now())
	if err != nil {
		return fmt.Errorf("smtp build message: %w", err)
	}

	client, err := t.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Mail(from.Address); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := client.Rcpt(to.Address); err != nil {
		return fmt.Errorf("RCPT TO: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("DATA close: %w", err)
	}
	// The relay accepted the message; a failed QUIT must not trigger a resend.
	_ = client.Quit()
	return nil
}

func (t *SMTPTransport) dial(ctx context.Context) (*smtp.Client, error) {
	addr := t.cfg.Address()
	dialer := &net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("smtp connect to %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	if err := client.Hello(t.cfg.HeloName); err != nil {
		client.Close()
		return nil, fmt.Errorf("smtp hello: %w", err)
	}
	if t.cfg.StartTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			client.Close()
			return nil, fmt.Errorf("smtp server %s does not offer STARTTLS", addr)
		}
		if err := client.StartTLS(t.tlsConfig); err != nil {
			client.Close()
			return nil, fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if t.cfg.Username != "" {
		auth := smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, fmt.Errorf("smtp auth: %w", err)
		}
	}
	return client, nil
}
