package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const smtpTimeout = 30 * time.Second

// SMTPProvider submits mail over an implicitly TLS wrapped SMTP connection (port 465).
type SMTPProvider struct {
	dial     func(ctx context.Context, addr string) (net.Conn, error)
	logger   *slog.Logger
	host     string
	user     string
	password string
	port     int
}

// NewSMTPProvider creates a provider that authenticates as user. The From
// address of every message is user as well.
func NewSMTPProvider(host string, port int, user, password string, logger *slog.Logger) *SMTPProvider {
	p := &SMTPProvider{
		host:     host,
		port:     port,
		user:     user,
		password: password,
		logger:   logger,
	}
	p.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		d := &tls.Dialer{
			NetDialer: &net.Dialer{Timeout: smtpTimeout},
			Config:    &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12},
		}
		return d.DialContext(ctx, "tcp", addr)
	}
	return p
}

// Open dials the server and authenticates. The returned session must be closed.
func (p *SMTPProvider) Open(ctx context.Context) (Session, error) {
	if p.user == "" || p.password == "" {
		return nil, ErrNoCredentials
	}

	addr := net.JoinHostPort(p.host, strconv.Itoa(p.port))
	var conn net.Conn
	err := retry.Do(
		func() error {
			c, err := p.dial(ctx, addr)
			if err != nil {
				return err
			}
			conn = c
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Info("Retrying SMTP connect after error", "attempt", n, "addr", addr, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	if err := conn.SetDeadline(time.Now().Add(smtpTimeout)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	client, err := smtp.NewClient(conn, p.host)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("smtp handshake: %w", err)
	}
	if err := client.Auth(smtp.PlainAuth("", p.user, p.password, p.host)); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("smtp auth: %w", err)
	}

	p.logger.Info("SMTP session opened", "addr", addr)
	return &smtpSession{client: client, conn: conn, from: p.user, logger: p.logger}, nil
}

type smtpSession struct {
	client *smtp.Client
	conn   net.Conn
	logger *slog.Logger
	from   string
}

func (s *smtpSession) Send(ctx context.Context, to, subject, body string) error {
	deadline := time.Now().Add(smtpTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	to = sanitizeEmailHeader(to)
	if err := s.client.Mail(s.from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := s.client.Rcpt(to); err != nil {
		return fmt.Errorf("RCPT TO %s: %w", to, err)
	}
	w, err := s.client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(buildMessage(s.from, to, subject, body, time.Now())); err != nil {
		_ = w.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish message: %w", err)
	}
	return nil
}

func (s *smtpSession) Close() error {
	if err := s.client.Quit(); err != nil {
		s.logger.Warn("SMTP QUIT failed", "error", err)
		return s.client.Close()
	}
	return nil
}
