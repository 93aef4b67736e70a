// Package notify delivers administrator notifications about extension
// requests.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/personagate/internal/domain"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Notifier announces a new extension request to an administrator.
type Notifier interface {
	ExtensionRequested(ctx context.Context, req *domain.ExtensionRequest) error
}

// Validation errors.
var (
	ErrNoHost      = errors.New("smtp host is not defined")
	ErrNoRecipient = errors.New("admin email is not defined")
	ErrNoSender    = errors.New("sender address is not defined")
)

// SMTPConfig configures the SMTP notifier.
type SMTPConfig struct {
	Host       string
	Port       int
	UseTLS     bool // implicit TLS; otherwise STARTTLS is used when offered
	Username   string
	Password   string
	From       string
	AdminEmail string
	AppURL     string
}

// SMTP sends plain-text notification emails.
type SMTP struct {
	cfg    SMTPConfig
	logger *slog.Logger
	now    func() time.Time
	send   func(addr string, a sasl.Client, from string, to []string, msg []byte) error
}

// NewSMTP validates cfg and returns a notifier.
func NewSMTP(cfg SMTPConfig, logger *slog.Logger) (*SMTP, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Host == "" {
		return nil, ErrNoHost
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if _, err := mail.ParseAddress(cfg.From); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrNoSender, cfg.From)
	}
	if _, err := mail.ParseAddress(cfg.AdminEmail); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrNoRecipient, cfg.AdminEmail)
	}

	n := &SMTP{cfg: cfg, logger: logger, now: time.Now}
	n.send = func(addr string, a sasl.Client, from string, to []string, msg []byte) error {
		if cfg.UseTLS {
			return smtp.SendMailTLS(addr, a, from, to, bytes.NewReader(msg))
		}
		return smtp.SendMail(addr, a, from, to, bytes.NewReader(msg))
	}
	return n, nil
}

// ExtensionRequested emails the administrator the request details with
// links to approve or deny it.
func (n *SMTP) ExtensionRequested(ctx context.Context, req *domain.ExtensionRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth sasl.Client
	if n.cfg.Username != "" {
		auth = sasl.NewPlainClient("", n.cfg.Username, n.cfg.Password)
	}

	addr := net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))
	msg := n.compose(req)

	n.logger.Debug("sending extension request notification",
		"request_id", req.RequestID, "smtp_addr", addr)
	if err := n.send(addr, auth, n.cfg.From, []string{n.cfg.AdminEmail}, msg); err != nil {
		return fmt.Errorf("send notification for %s: %w", req.RequestID, err)
	}
	return nil
}

func (n *SMTP) compose(req *domain.ExtensionRequest) []byte {
	base := strings.TrimRight(n.cfg.AppURL, "/")

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", n.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", n.cfg.AdminEmail)
	fmt.Fprintf(&b, "Subject: Session reset request %s\r\n", req.RequestID)
	fmt.Fprintf(&b, "Date: %s\r\n", n.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString("A visitor has asked for their session quota to be reset.\r\n\r\n")
	fmt.Fprintf(&b, "Request ID: %s\r\n", req.RequestID)
	fmt.Fprintf(&b, "Session ID: %s\r\n", req.SessionID)
	fmt.Fprintf(&b, "Email: %s\r\n", req.Email)
	fmt.Fprintf(&b, "Requested at: %s\r\n", req.CreatedAt.Format(time.RFC3339))
	if base != "" {
		b.WriteString("\r\n")
		fmt.Fprintf(&b, "Approve: %s/approve-extension?request_id=%s\r\n", base, req.RequestID)
		fmt.Fprintf(&b, "Deny: %s/deny-extension?request_id=%s\r\n", base, req.RequestID)
		fmt.Fprintf(&b, "Pending requests: %s/extension-requests?status=pending\r\n", base)
	}
	return []byte(b.String())
}

// Discard drops notifications. It is used when SMTP is not configured.
type Discard struct {
	Logger *slog.Logger
}

// ExtensionRequested logs the request and returns nil.
func (d Discard) ExtensionRequested(_ context.Context, req *domain.ExtensionRequest) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("extension request notification skipped, smtp not configured",
		"request_id", req.RequestID, "session_id", req.SessionID)
	return nil
}
