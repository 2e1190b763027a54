package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// ComputeReputation turns warmup engagement counts into a 0-100 score.
// The second return value is false when nothing was sent, in which case no
// score exists.
func ComputeReputation(sent, opened, replied, spam int) (int, bool) {
	if sent <= 0 {
		return 0, false
	}
	total := float64(sent)
	openRate := float64(opened) / total
	replyRate := float64(replied) / total
	spamRate := float64(spam) / total

	score := int(math.Round(openRate*50 + replyRate*30 + (1-spamRate)*20))
	switch {
	case score < 0:
		score = 0
	case score > 100:
		score = 100
	}
	return score, true
}

// Scorer recomputes and stores account reputation
type Scorer struct {
	accounts AccountRepository
	ledger   MessageLedger
	cursors  CursorRepository
	clock    Clock
	logger   *zap.Logger
}

// NewScorer creates a new Scorer
func NewScorer(repos Repositories, clock Clock, logger *zap.Logger) *Scorer {
	return &Scorer{
		accounts: repos.Accounts,
		ledger:   repos.Ledger,
		cursors:  repos.Cursors,
		clock:    clock,
		logger:   logger,
	}
}

// Score recomputes the reputation of an account from its whole warmup
// history and the spam placements recorded on its sync cursor. A zero-volume
// account is left untouched and reported with ok=false.
func (s *Scorer) Score(ctx context.Context, accountID string) (score int, ok bool, err error) {
	stats, err := s.ledger.WarmupStats(ctx, accountID, time.Time{})
	if err != nil {
		return 0, false, fmt.Errorf("failed to aggregate warmup stats: %w", err)
	}

	spam := 0
	cursor, err := s.cursors.GetCursor(ctx, accountID)
	switch {
	case err == nil:
		spam = cursor.SpamPlacementCount
	case !errors.Is(err, ErrNotFound):
		return 0, false, fmt.Errorf("failed to load sync cursor: %w", err)
	}

	score, ok = ComputeReputation(stats.Sent, stats.Opened, stats.Replied, spam)
	if !ok {
		s.logger.Debug("No warmup volume, reputation not scored", zap.String("account_id", accountID))
		return 0, false, nil
	}

	if err := s.accounts.UpdateReputation(ctx, accountID, score, s.clock.Now()); err != nil {
		return 0, false, fmt.Errorf("failed to store reputation: %w", err)
	}

	s.logger.Debug("Reputation updated",
		zap.String("account_id", accountID),
		zap.Int("score", score),
		zap.Int("sent", stats.Sent),
		zap.Int("opened", stats.Opened),
		zap.Int("replied", stats.Replied),
		zap.Int("spam", spam))
	return score, true, nil
}
