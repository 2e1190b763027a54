package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/mikey/warmup-engine/internal/core"
	"go.uber.org/zap"
)

// Resolver is the subset of net.Resolver used by the verifier
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

var _ core.DomainVerifier = (*Verifier)(nil)

// Verifier checks the MX, SPF and DMARC records of a sending domain
type Verifier struct {
	resolver Resolver
	timeout  time.Duration
	logger   *zap.Logger
}

// NewVerifier creates a domain verifier. A nil resolver uses net.DefaultResolver.
func NewVerifier(resolver Resolver, timeout time.Duration, logger *zap.Logger) *Verifier {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Verifier{resolver: resolver, timeout: timeout, logger: logger}
}

// VerifyDomain looks up the domain's mail records. A domain without records
// is reported as such; only resolver failures are returned as errors.
func (v *Verifier) VerifyDomain(ctx context.Context, domain string) (*core.DomainCheck, error) {
	domain = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
	if domain == "" {
		return nil, fmt.Errorf("empty domain")
	}

	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	check := &core.DomainCheck{Domain: domain, CheckedAt: time.Now()}

	mxs, err := v.resolver.LookupMX(ctx, domain)
	if err != nil && !isNotFound(err) {
		return nil, &core.TransportError{Op: "mx lookup " + domain, Err: err}
	}
	for _, mx := range mxs {
		host := strings.TrimSuffix(mx.Host, ".")
		// A null MX (RFC 7505) means the domain accepts no mail
		if host == "" {
			continue
		}
		check.MXRecords = append(check.MXRecords, host)
	}
	sort.Strings(check.MXRecords)
	check.HasMX = len(check.MXRecords) > 0

	check.HasSPF, err = v.hasTXT(ctx, domain, "v=spf1")
	if err != nil {
		return nil, err
	}
	check.HasDMARC, err = v.hasTXT(ctx, "_dmarc."+domain, "v=DMARC1")
	if err != nil {
		return nil, err
	}

	v.logger.Debug("Domain checked",
		zap.String("domain", domain),
		zap.Bool("has_mx", check.HasMX),
		zap.Bool("has_spf", check.HasSPF),
		zap.Bool("has_dmarc", check.HasDMARC))

	return check, nil
}

func (v *Verifier) hasTXT(ctx context.Context, name, prefix string) (bool, error) {
	records, err := v.resolver.LookupTXT(ctx, name)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, &core.TransportError{Op: "txt lookup " + name, Err: err}
	}
	for _, r := range records {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(r)), strings.ToLower(prefix)) {
			return true, nil
		}
	}
	return false, nil
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}
