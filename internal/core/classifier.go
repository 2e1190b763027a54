package core

import (
	"context"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
)

// DefaultBounceIndicators are matched case-insensitively against subject and sender
var DefaultBounceIndicators = []string{
	"delivery status notification",
	"undelivered mail returned",
	"mail delivery failed",
	"message not delivered",
	"bounce",
	"mailer-daemon",
	"postmaster",
}

var (
	addressPattern   = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	dsnRecipientLine = regexp.MustCompile(`(?im)^\s*(?:final|original)-recipient:\s*(?:rfc822\s*;)?\s*<?([^\s<>;]+@[^\s<>;]+)>?`)
)

// HeuristicClassifier classifies inbound mail by header correlation and
// indicator string matching
type HeuristicClassifier struct {
	indicators []string
}

// NewHeuristicClassifier creates a classifier with the default bounce indicators
func NewHeuristicClassifier() *HeuristicClassifier {
	return NewHeuristicClassifierWithIndicators(DefaultBounceIndicators)
}

// NewHeuristicClassifierWithIndicators creates a classifier with custom bounce indicators
func NewHeuristicClassifierWithIndicators(indicators []string) *HeuristicClassifier {
	fold := cases.Fold()
	folded := make([]string, 0, len(indicators))
	for _, ind := range indicators {
		if ind = strings.TrimSpace(ind); ind != "" {
			folded = append(folded, fold.String(ind))
		}
	}
	return &HeuristicClassifier{indicators: folded}
}

// Classify implements MessageClassifier. Reply wins over bounce, bounce wins
// over warmup placement.
func (c *HeuristicClassifier) Classify(ctx context.Context, in ClassifyInput) (Classification, error) {
	msg := in.Message
	if msg == nil {
		return Classification{}, &ClassificationError{Reason: "empty message"}
	}
	if strings.TrimSpace(msg.From) == "" && msg.MessageID == "" {
		return Classification{}, &ClassificationError{UID: msg.UID, Reason: "message has neither sender nor Message-ID"}
	}

	result := Classification{
		Kind:     MessageOrdinary,
		WarmupID: strings.TrimSpace(msg.Header(HeaderWarmupID)),
	}

	switch {
	case len(in.Originals) > 0:
		result.Kind = MessageReply
	case c.IsBounce(msg):
		result.Kind = MessageBounce
		result.BouncedAddress = BouncedAddress(msg)
	case result.WarmupID != "" && in.InSpamFolder:
		result.Kind = MessageSpamPlacement
	case result.WarmupID != "":
		result.Kind = MessageWarmup
	}

	return result, nil
}

// IsBounce reports whether subject or sender carries a bounce indicator
func (c *HeuristicClassifier) IsBounce(msg *InboundMessage) bool {
	// Casers keep state, so each call folds with its own
	fold := cases.Fold()
	subject := fold.String(msg.Subject)
	from := fold.String(msg.From)
	for _, ind := range c.indicators {
		if strings.Contains(subject, ind) || strings.Contains(from, ind) {
			return true
		}
	}
	return false
}

// BouncedAddress finds the failed recipient of a bounce. The subject is tried
// first, then the DSN recipient fields and finally any foreign address in the body.
func BouncedAddress(msg *InboundMessage) string {
	if addr := addressPattern.FindString(msg.Subject); addr != "" {
		return strings.ToLower(addr)
	}

	if m := dsnRecipientLine.FindStringSubmatch(msg.Body); m != nil {
		return ExtractAddress(m[1])
	}

	own := map[string]bool{ExtractAddress(msg.From): true}
	for _, to := range msg.To {
		own[ExtractAddress(to)] = true
	}
	for _, addr := range addressPattern.FindAllString(msg.Body, -1) {
		addr = strings.ToLower(addr)
		if own[addr] || isDaemonAddress(addr) {
			continue
		}
		return addr
	}
	return ""
}

func isDaemonAddress(addr string) bool {
	local := addr
	if at := strings.Index(addr, "@"); at >= 0 {
		local = addr[:at]
	}
	switch local {
	case "mailer-daemon", "postmaster", "noreply", "no-reply":
		return true
	}
	return false
}
