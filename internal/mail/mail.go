// Package mail delivers account notifications out-of-band. Delivery is
// best-effort: failures are logged and never reach the caller.
package mail

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"tessera.dev/internal/obs"
)

// Message is a plain-text notification.
type Message struct {
	To      string
	Subject string
	Body    string
	// Kind labels the message in logs ("verify_email", "password_reset", ...).
	Kind string
}

// Sender delivers a single message synchronously.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes messages to the structured log instead of delivering them.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, msg Message) error {
	obs.Logger().InfoContext(ctx, "mail_logged",
		"kind", msg.Kind,
		"to", MaskAddress(msg.To),
		"subject", msg.Subject,
	)
	return nil
}

// SMTPSender relays through a plain SMTP server, using STARTTLS when offered.
type SMTPSender struct {
	Addr     string
	From     string
	Username string
	Password string
}

func (s SMTPSender) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return errors.New("mail: recipient is required")
	}
	host, _, err := net.SplitHostPort(s.Addr)
	if err != nil {
		return fmt.Errorf("mail: smtp addr: %w", err)
	}
	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, host)
	}
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(s.Addr, auth, s.From, []string{msg.To}, s.render(msg))
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s SMTPSender) render(msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return []byte(b.String())
}

// Dispatcher sends messages in the background.
type Dispatcher struct {
	sender  Sender
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewDispatcher(sender Sender, timeout time.Duration) *Dispatcher {
	if sender == nil {
		sender = LogSender{}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{sender: sender, timeout: timeout}
}

// Dispatch returns immediately. The send outlives the caller's request context
// but keeps its values for log correlation.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		if err := d.sender.Send(sendCtx, msg); err != nil {
			obs.Logger().ErrorContext(sendCtx, "mail_send_failed",
				"kind", msg.Kind,
				"to", MaskAddress(msg.To),
				"error", err.Error(),
			)
		}
	}()
}

// Wait blocks until in-flight sends finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// MaskAddress keeps the first two characters of the local part: "ab***@x.com".
func MaskAddress(addr string) string {
	at := strings.IndexByte(addr, '@')
	if at < 0 {
		return "***"
	}
	if at <= 2 {
		return "***" + addr[at:]
	}
	return addr[:2] + "***" + addr[at:]
}
