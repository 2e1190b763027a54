package factory

import (
	"github.com/mikey/warmup-engine/internal/adapters/dns"
	"github.com/mikey/warmup-engine/internal/adapters/imap"
	"github.com/mikey/warmup-engine/internal/adapters/smtp"
	"github.com/mikey/warmup-engine/internal/config"
	"github.com/mikey/warmup-engine/internal/core"
	"go.uber.org/zap"
)

// TransportFactory creates the mail transport and the domain verifier
type TransportFactory struct {
	transport config.TransportConfig
	logger    *zap.Logger
}

// NewTransportFactory creates a new transport factory
func NewTransportFactory(cfg *config.Config, logger *zap.Logger) (*TransportFactory, error) {
	transport, err := cfg.GetTransport()
	if err != nil {
		return nil, err
	}
	return &TransportFactory{transport: transport, logger: logger}, nil
}

// CreateSender creates the SMTP sender
func (f *TransportFactory) CreateSender() core.MailSender {
	return smtp.NewSender(f.transport.SMTPTimeout, f.transport.HeloName, f.transport.SMTPAllowPlaintext, f.logger)
}

// CreateMailbox creates the IMAP mailbox client
func (f *TransportFactory) CreateMailbox() core.Mailbox {
	return imap.NewMailbox(f.transport.IMAPTimeout, f.logger)
}

// CreateVerifier creates the DNS domain verifier
func (f *TransportFactory) CreateVerifier() core.DomainVerifier {
	return dns.NewVerifier(nil, f.transport.DNSTimeout, f.logger)
}
