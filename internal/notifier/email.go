package notifier

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"CMMPayWatch/internal/models"
)

// Sender delivers one email.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// AdminEmail tells the shop administrator an order can be fulfilled.
type AdminEmail struct {
	To     string
	Sender Sender
}

func (a AdminEmail) NotifyCompleted(ctx context.Context, c models.Completion) error {
	subject := fmt.Sprintf("Full payment received for order ID: '%s'", c.OrderID)
	body := fmt.Sprintf(
		"Order ID: '%s' paid in full. <br />Received %s: '%s'.<br />Please process and complete order for customer.",
		c.OrderID, models.Currency, c.PaidTotal,
	)
	return a.Sender.Send(ctx, a.To, subject, body)
}

// SMTPSender sends HTML mail over implicit TLS. A session never outlives
// Timeout or the caller's deadline, whichever comes first.
type SMTPSender struct {
	host     string
	port     string
	username string
	password string
	Timeout  time.Duration
}

func NewSMTPSender(host, port, user, pass string) *SMTPSender {
	return &SMTPSender{host: host, port: port, username: user, password: pass, Timeout: 15 * time.Second}
}

func (s *SMTPSender) Send(ctx context.Context, to, subject, body string) error {
	from := s.username
	msg := []byte(
		fmt.Sprintf("From: %s\r\n", from) +
			fmt.Sprintf("To: %s\r\n", to) +
			fmt.Sprintf("Subject: %s\r\n", subject) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=\"utf-8\"\r\n" +
			"\r\n" +
			body,
	)

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: timeout},
		Config:    &tls.Config{ServerName: s.host},
	}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(s.host, s.port))
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		return err
	}
	defer client.Quit()

	if err := client.Auth(smtp.PlainAuth("", s.username, s.password, s.host)); err != nil {
		return err
	}
	if err := client.Mail(from); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return err
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	return w.Close()
}
