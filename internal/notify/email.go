package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"audiotracker/internal/model"
)

// SMTPConfig holds the mail server settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// Email sends digests as multipart text and HTML mail.
type Email struct {
	cfg      SMTPConfig
	maxItems int
	timeout  time.Duration
	send     func(ctx context.Context, msg []byte) error
	now      func() time.Time
}

// NewEmail creates an Email channel.
func NewEmail(cfg SMTPConfig, maxItems int) *Email {
	e := &Email{cfg: cfg, maxItems: maxItems, timeout: 30 * time.Second, now: time.Now}
	e.send = e.sendSMTP
	return e
}

func (e *Email) Name() string  { return model.ChannelEmail }
func (e *Email) MaxItems() int { return e.maxItems }

// Send mails the digest to every configured recipient.
func (e *Email) Send(ctx context.Context, d Digest) error {
	msg, err := e.buildMessage(d)
	if err != nil {
		return err
	}
	if err := e.send(ctx, msg); err != nil {
		return classifySMTP(err)
	}
	return nil
}

func (e *Email) buildMessage(d Digest) ([]byte, error) {
	htmlBody, err := HTML(d)
	if err != nil {
		return nil, err
	}
	boundary := "audiotracker-" + uuid.NewString()

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(e.cfg.To, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", Subject(d)))
	fmt.Fprintf(&msg, "Date: %s\r\n", e.now().Format(time.RFC1123Z))
	msg.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	msg.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	msg.WriteString(strings.ReplaceAll(PlainText(d), "\n", "\r\n"))
	msg.WriteString("\r\n\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	msg.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n\r\n")
	msg.WriteString(strings.ReplaceAll(htmlBody, "\n", "\r\n"))
	msg.WriteString("\r\n")

	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return []byte(msg.String()), nil
}

func (e *Email) sendSMTP(ctx context.Context, msg []byte) error {
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))

	dialer := &net.Dialer{Timeout: e.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to smtp server: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, e.cfg.Host)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: e.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("start tls: %w", err)
		}
	}
	if e.cfg.Username != "" {
		if err := client.Auth(smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(e.cfg.From); err != nil {
		return fmt.Errorf("set sender: %w", err)
	}
	for _, to := range e.cfg.To {
		if err := client.Rcpt(to); err != nil {
			return fmt.Errorf("set recipient %s: %w", to, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("start message: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close message: %w", err)
	}
	_ = client.Quit()
	return nil
}

// classifySMTP maps reply codes onto delivery errors: 4xx replies are
// temporary, 5xx replies are permanent and anything else is a connection
// failure.
func classifySMTP(err error) error {
	var tpErr *textproto.Error
	if !errors.As(err, &tpErr) {
		return connectionError(model.ChannelEmail, err)
	}
	de := &DeliveryError{Channel: model.ChannelEmail, Err: err}
	switch {
	case tpErr.Code == 535 || tpErr.Code == 530:
		de.Code = ErrorCodeAuthFailed
	case tpErr.Code == 552:
		de.Code = ErrorCodeContentTooLarge
	case tpErr.Code >= 400 && tpErr.Code < 500:
		de.Code = ErrorCodeServerError
		de.Transient = true
	default:
		de.Code = ErrorCodeRejected
	}
	return de
}
