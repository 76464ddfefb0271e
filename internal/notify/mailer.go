// Package notify sends transactional email for orders and subscriptions.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/flowmerce/flowmerce/internal/config"
)

// Email is a message with plain-text and HTML bodies.
type Email struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer composes MIME mail and hands it to an SMTP server.
type Mailer struct {
	cfg    config.MailConfig
	send   SendFunc
	logger *slog.Logger
	now    func() time.Time
}

// NewMailer creates a mailer. When mail is disabled messages are logged and
// dropped.
func NewMailer(cfg config.MailConfig, logger *slog.Logger) *Mailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailer{
		cfg:    cfg,
		send:   smtp.SendMail,
		logger: logger.With("component", "mail"),
		now:    time.Now,
	}
}

// Enabled reports whether messages are actually sent.
func (m *Mailer) Enabled() bool { return m.cfg.Enabled }

// Send delivers e.
func (m *Mailer) Send(ctx context.Context, e Email) error {
	if !m.cfg.Enabled {
		m.logger.Info("mail disabled, skipping", "to", e.To, "subject", e.Subject)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := m.Compose(e)
	if err != nil {
		return err
	}

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	if err := m.send(addr, auth, m.from(), []string{e.To}, raw); err != nil {
		return fmt.Errorf("send mail to %s: %w", e.To, err)
	}
	m.logger.Info("mail sent", "to", e.To, "subject", e.Subject)
	return nil
}

func (m *Mailer) from() string {
	if m.cfg.From != "" {
		return m.cfg.From
	}
	return m.cfg.Username
}

// Compose renders e as a multipart/alternative message.
func (m *Mailer) Compose(e Email) ([]byte, error) {
	var h mail.Header
	h.SetDate(m.now())
	h.SetSubject(e.Subject)
	h.SetAddressList("From", []*mail.Address{{Name: m.cfg.FromName, Address: m.from()}})
	h.SetAddressList("To", []*mail.Address{{Address: e.To}})
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	iw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline: %w", err)
	}
	parts := []struct{ typ, body string }{
		{"text/plain", e.Text},
		{"text/html", e.HTML},
	}
	for _, p := range parts {
		if p.body == "" {
			continue
		}
		var ph mail.InlineHeader
		ph.SetContentType(p.typ, map[string]string{"charset": "utf-8"})
		w, err := iw.CreatePart(ph)
		if err != nil {
			return nil, fmt.Errorf("create %s part: %w", p.typ, err)
		}
		if _, err := io.WriteString(w, p.body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}
	if err := iw.Close(); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
