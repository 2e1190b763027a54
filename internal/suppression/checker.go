package suppression

import (
	"sort"
	"strings"
	"sync"

	"github.com/mikey/warmup-engine/internal/core"
	"go.uber.org/zap"
)

var _ core.SuppressionList = (*Checker)(nil)

// Checker decides whether a campaign recipient must be skipped
type Checker struct {
	mu        sync.RWMutex
	domains   map[string]bool
	addresses map[string]bool
	logger    *zap.Logger
}

// NewChecker creates a new suppression checker from configured domains and addresses
func NewChecker(domains, addresses []string, logger *zap.Logger) *Checker {
	c := &Checker{
		domains:   make(map[string]bool, len(domains)),
		addresses: make(map[string]bool, len(addresses)),
		logger:    logger,
	}
	for _, d := range domains {
		// Normalize domains (lowercase, no leading @)
		d = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), "@")
		if d != "" {
			c.domains[d] = true
		}
	}
	for _, a := range addresses {
		if a = core.ExtractAddress(a); a != "" {
			c.addresses[a] = true
		}
	}

	if (len(c.domains) > 0 || len(c.addresses) > 0) && logger != nil {
		logger.Info("Initialized suppression checker",
			zap.Int("domains", len(c.domains)),
			zap.Int("addresses", len(c.addresses)))
	}
	return c
}

// IsSuppressed checks the address and its domain against the list
func (c *Checker) IsSuppressed(address string) bool {
	addr := core.ExtractAddress(address)
	if addr == "" {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.addresses[addr] {
		return true
	}
	domain := core.DomainOf(addr)
	if domain != "" && c.domains[domain] {
		if c.logger != nil {
			c.logger.Debug("Domain is suppressed",
				zap.String("domain", domain),
				zap.String("email", addr))
		}
		return true
	}
	return false
}

// Add suppresses a single address
func (c *Checker) Add(address string) {
	addr := core.ExtractAddress(address)
	if addr == "" {
		return
	}
	c.mu.Lock()
	c.addresses[addr] = true
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Info("Address suppressed", zap.String("email", addr))
	}
}

// Addresses returns the suppressed addresses, sorted
func (c *Checker) Addresses() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.addresses))
	for a := range c.addresses {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
