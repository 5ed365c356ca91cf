package capability

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// Dialer abstracts net.Dialer so SMTP delivery can be tested.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// mailRelay submits the message to an SMTP relay.
type mailRelay struct {
	cfg       MailRelayConfig
	dialer    Dialer
	helloName string
	now       func() time.Time
}

func newMailRelay(cfg MailRelayConfig, dialer Dialer) *mailRelay {
	return &mailRelay{cfg: cfg, dialer: dialer, helloName: "localhost", now: time.Now}
}

func (m *mailRelay) Type() Type { return TypeMailRelay }

func (m *mailRelay) Deliver(ctx context.Context, origin, content string, timestamp time.Time) error {
	msg := m.buildMessage(origin, content, timestamp)
	if err := m.send(ctx, msg); err != nil {
		return classifySMTPError(err)
	}
	slog.Debug("mailRelay.Deliver: delivered", "host", m.cfg.Host, "recipients", len(m.cfg.To))
	return nil
}

func (m *mailRelay) send(ctx context.Context, message []byte) error {
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	conn, err := m.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("mail relay: dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	var client *smtp.Client
	if m.cfg.Port == 465 {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12})
		client, err = smtp.NewClient(tlsConn, m.cfg.Host)
	} else {
		client, err = smtp.NewClient(conn, m.cfg.Host)
	}
	if err != nil {
		return fmt.Errorf("mail relay: new client: %w", err)
	}
	defer client.Close()

	if err := client.Hello(m.helloName); err != nil {
		return fmt.Errorf("mail relay: hello: %w", err)
	}
	if m.cfg.Port != 465 {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
				return fmt.Errorf("mail relay: starttls: %w", err)
			}
		}
	}
	if m.cfg.Username != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
			if err := client.Auth(auth); err != nil {
				return fmt.Errorf("mail relay: auth: %w", err)
			}
		}
	}

	if err := client.Mail(m.cfg.From); err != nil {
		return fmt.Errorf("mail relay: mail from: %w", err)
	}
	for _, rcpt := range m.cfg.To {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("mail relay: rcpt to %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("mail relay: data: %w", err)
	}
	if _, err := w.Write(message); err != nil {
		_ = w.Close()
		return fmt.Errorf("mail relay: data write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("mail relay: data close: %w", err)
	}
	// The relay accepted the message; a failed QUIT must not cause a resend.
	if err := client.Quit(); err != nil && !errors.Is(err, io.EOF) {
		slog.Debug("mailRelay.send: quit after accepted message failed", "host", m.cfg.Host, "error", err)
	}
	return nil
}

func (m *mailRelay) buildMessage(origin, content string, timestamp time.Time) []byte {
	subject := strings.TrimSpace(m.cfg.SubjectPrefix + " Message from " + origin)

	var b bytes.Buffer
	writeHeader := func(key, value string) {
		b.WriteString(key)
		b.WriteString(": ")
		b.WriteString(sanitizeHeaderValue(value))
		b.WriteString("\r\n")
	}
	writeHeader("From", m.cfg.From)
	writeHeader("To", strings.Join(m.cfg.To, ", "))
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", subject))
	writeHeader("Date", m.now().Format(time.RFC1123Z))
	writeHeader("MIME-Version", "1.0")
	writeHeader("Content-Type", "text/plain; charset=utf-8")
	writeHeader("Content-Transfer-Encoding", "8bit")
	b.WriteString("\r\n")

	body := FormatMessage(origin, content, timestamp)
	body = strings.ReplaceAll(body, "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}

func sanitizeHeaderValue(v string) string {
	v = strings.ReplaceAll(v, "\r", " ")
	return strings.ReplaceAll(v, "\n", " ")
}

// classifySMTPError marks 5xx replies as permanent; 4xx replies and network errors stay transient.
func classifySMTPError(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 && tpErr.Code < 600 {
		return Permanent(err)
	}
	return err
}
