package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/textproto"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/mikey/warmup-engine/internal/core"
	"go.uber.org/zap"
)

var _ core.MailSender = (*Sender)(nil)

// Sender delivers messages through each account's SMTP submission server
type Sender struct {
	timeout        time.Duration
	heloName       string
	allowPlaintext bool
	tlsConfig      func(host string) *tls.Config
	logger         *zap.Logger
}

// NewSender creates a new SMTP sender. An empty heloName uses the hostname.
// Unless allowPlaintext is set, accounts without implicit TLS must upgrade
// with STARTTLS.
func NewSender(timeout time.Duration, heloName string, allowPlaintext bool, logger *zap.Logger) *Sender {
	if heloName == "" {
		if hostname, err := os.Hostname(); err == nil {
			heloName = hostname
		} else {
			heloName = "localhost"
		}
	}
	return &Sender{
		timeout:        timeout,
		heloName:       heloName,
		allowPlaintext: allowPlaintext,
		tlsConfig: func(host string) *tls.Config {
			return &tls.Config{ServerName: host}
		},
		logger: logger,
	}
}

// Send submits one message and returns its Message-ID
func (s *Sender) Send(ctx context.Context, creds core.Credentials, mail *core.OutgoingMail) (string, error) {
	messageID := uuid.NewString() + "@" + messageIDDomain(mail.From)
	data, err := buildMessage(mail, messageID, time.Now())
	if err != nil {
		return "", err
	}

	if err := s.submit(ctx, creds, mail.From, mail.To, data); err != nil {
		return "", err
	}

	s.logger.Debug("Message submitted",
		zap.String("server", creds.SMTPHost),
		zap.String("from", mail.From),
		zap.String("to", mail.To),
		zap.String("message_id", messageID))
	return messageID, nil
}

// submit runs one SMTP transaction
func (s *Sender) submit(ctx context.Context, creds core.Credentials, from, to string, data []byte) error {
	if creds.SMTPHost == "" {
		return fmt.Errorf("no SMTP host configured")
	}
	port := creds.SMTPPort
	if port == 0 {
		port = 587
		if creds.UseTLS {
			port = 465
		}
	}
	addr := net.JoinHostPort(creds.SMTPHost, strconv.Itoa(port))
	tlsConfig := s.tlsConfig(creds.SMTPHost)

	// Bound the whole transaction
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	// The client manages connection deadlines per command
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var c *smtp.Client
	switch {
	case creds.UseTLS:
		c = smtp.NewClient(tls.Client(conn, tlsConfig))
	case s.allowPlaintext:
		c = smtp.NewClient(conn)
	default:
		// NewClientStartTLS closes the connection on failure
		c, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			return fmt.Errorf("STARTTLS failed: %w", err)
		}
	}
	defer c.Close()
	c.CommandTimeout = s.timeout
	c.SubmissionTimeout = s.timeout

	// After STARTTLS the client greets again, so the name still applies
	if err := c.Hello(s.heloName); err != nil {
		return fmt.Errorf("EHLO failed: %w", err)
	}

	if creds.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(sasl.NewPlainClient("", creds.Username, creds.Password)); err != nil {
				return fmt.Errorf("AUTH failed: %w", err)
			}
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return fmt.Errorf("MAIL FROM failed: %w", err)
	}
	if err := c.Rcpt(to, nil); err != nil {
		return fmt.Errorf("RCPT TO failed: %w", err)
	}

	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA command failed: %w", err)
	}
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return fmt.Errorf("failed to send message data: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	if err := c.Quit(); err != nil {
		// The message has already been accepted
		s.logger.Warn("QUIT command failed", zap.String("server", addr), zap.Error(err))
	}
	return nil
}

// buildMessage renders a single-part HTML message
func buildMessage(mail *core.OutgoingMail, messageID string, date time.Time) ([]byte, error) {
	var buf bytes.Buffer

	writeHeader := func(key, value string) {
		buf.WriteString(textproto.CanonicalMIMEHeaderKey(key))
		buf.WriteString(": ")
		buf.WriteString(value)
		buf.WriteString("\r\n")
	}

	writeHeader("From", mail.From)
	writeHeader("To", mail.To)
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", mail.Subject))
	writeHeader("Date", date.Format(time.RFC1123Z))
	writeHeader("Message-Id", "<"+messageID+">")

	keys := make([]string, 0, len(mail.Headers))
	for k := range mail.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch textproto.CanonicalMIMEHeaderKey(k) {
		case "From", "To", "Subject", "Date", "Message-Id", "Mime-Version", "Content-Type", "Content-Transfer-Encoding":
			continue
		}
		writeHeader(k, mail.Headers[k])
	}

	writeHeader("MIME-Version", "1.0")
	writeHeader("Content-Type", `text/html; charset="utf-8"`)
	writeHeader("Content-Transfer-Encoding", "quoted-printable")
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&buf)
	if _, err := qp.Write([]byte(mail.HTML)); err != nil {
		return nil, fmt.Errorf("failed to encode message body: %w", err)
	}
	if err := qp.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode message body: %w", err)
	}
	buf.WriteString("\r\n")
	return buf.Bytes(), nil
}

func messageIDDomain(from string) string {
	if domain := core.DomainOf(from); domain != "" {
		return domain
	}
	return "localhost"
}
