package core

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Tracker applies open-tracking pixel fetches to the ledger
type Tracker struct {
	ledger    MessageLedger
	campaigns CampaignRepository
	clock     Clock
	logger    *zap.Logger
}

// NewTracker creates a new Tracker
func NewTracker(repos Repositories, clock Clock, logger *zap.Logger) *Tracker {
	return &Tracker{
		ledger:    repos.Ledger,
		campaigns: repos.Campaigns,
		clock:     clock,
		logger:    logger,
	}
}

// OnPixelFetch marks the entry carrying trackingID as opened. Only the first
// fetch changes anything; it reports whether this call did.
func (t *Tracker) OnPixelFetch(ctx context.Context, trackingID string) (bool, error) {
	entry, err := t.ledger.FindOutboundByTrackingID(ctx, trackingID)
	if err != nil {
		return false, fmt.Errorf("failed to find tracked entry: %w", err)
	}

	opened, err := t.ledger.AdvanceOutbound(ctx, entry.ID, OutboundOpened, t.clock.Now())
	if err != nil {
		return false, fmt.Errorf("failed to mark entry opened: %w", err)
	}
	// An entry opened by an earlier fetch may still miss its campaign count
	if !opened && entry.OpenedAt == nil {
		return false, nil
	}

	if entry.CampaignID != "" {
		if _, err := t.campaigns.IncrementCounter(ctx, entry.CampaignID, CounterOpened, entry.ID); err != nil {
			return opened, fmt.Errorf("failed to increment opened counter: %w", err)
		}
	}
	if !opened {
		return false, nil
	}

	t.logger.Debug("Tracked open",
		zap.String("entry_id", entry.ID),
		zap.String("campaign_id", entry.CampaignID))
	return true, nil
}
