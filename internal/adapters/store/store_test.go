package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mikey/warmup-engine/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var day = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

// forEachBackend runs fn against a fresh memory store and a fresh SQLite store
func forEachBackend(t *testing.T, fn func(t *testing.T, s Backend)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore(zap.NewNop()))
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLStore(DialectSQLite, filepath.Join(t.TempDir(), "warmup.db"), zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func newAccount(id, address string) *core.SenderAccount {
	return &core.SenderAccount{
		ID:            id,
		OwnerID:       "owner-1",
		Address:       address,
		Credentials:   core.Credentials{SMTPHost: "smtp.test", SMTPPort: 587, Username: address, Password: "secret"},
		IsActive:      true,
		DailyLimit:    50,
		LastResetDate: "2024-03-04",
		WarmupStatus:  core.WarmupNotStarted,
		CreatedAt:     day,
	}
}

func TestAccounts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Backend) {
		ctx := context.Background()
		require.NoError(t, s.CreateAccount(ctx, newAccount("a1", "a@alpha.com")))
		b := newAccount("b1", "b@beta.com")
		b.CreatedAt = day.Add(time.Minute)
		require.NoError(t, s.CreateAccount(ctx, b))
		c := newAccount("c1", "c@gamma.com")
		c.IsActive = false
		c.CreatedAt = day.Add(2 * time.Minute)
		require.NoError(t, s.CreateAccount(ctx, c))

		assert.Error(t, s.CreateAccount(ctx, newAccount("a1", "dup@alpha.com")))

		a, err := s.GetAccount(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, "a@alpha.com", a.Address)
		assert.Equal(t, "secret", a.Credentials.Password)
		assert.Equal(t, 587, a.Credentials.SMTPPort)
		assert.Nil(t, a.WarmupSettings)
		assert.True(t, a.CreatedAt.Equal(day))

		_, err = s.GetAccount(ctx, "missing")
		assert.True(t, errors.Is(err, core.ErrNotFound))

		active, err := s.ListAccounts(ctx, core.AccountFilter{OwnerID: "owner-1", ActiveOnly: true})
		require.NoError(t, err)
		require.Len(t, active, 2)
		assert.Equal(t, "a1", active[0].ID)
		assert.Equal(t, "b1", active[1].ID)

		settings := core.WarmupSettings{
			Enabled:          true,
			DailyStartVolume: 5,
			MaxDailyVolume:   40,
			ThrottlePerHour:  10,
			WorkingDays:      []time.Weekday{time.Monday, time.Friday},
			WorkStart:        core.MustTimeOfDay("09:00"),
			WorkEnd:          core.MustTimeOfDay("17:30"),
		}
		started := day
		require.NoError(t, s.UpdateWarmupState(ctx, "a1", core.WarmupState{
			Status:    core.WarmupInProgress,
			Settings:  &settings,
			StartedAt: &started,
		}))
		a, err = s.GetAccount(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, core.WarmupInProgress, a.WarmupStatus)
		require.NotNil(t, a.WarmupSettings)
		assert.Equal(t, settings, *a.WarmupSettings)
		require.NotNil(t, a.WarmupStartedAt)
		assert.True(t, a.WarmupStartedAt.Equal(day))

		running, err := s.ListAccounts(ctx, core.AccountFilter{WarmupStatus: core.WarmupInProgress})
		require.NoError(t, err)
		require.Len(t, running, 1)
		assert.Equal(t, "a1", running[0].ID)

		err = s.UpdateWarmupState(ctx, "missing", core.WarmupState{Status: core.WarmupPaused})
		assert.True(t, errors.Is(err, core.ErrNotFound))

		require.NoError(t, s.UpdateReputation(ctx, "a1", 73, day))
		a, err = s.GetAccount(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, 73, a.Reputation)
		require.NotNil(t, a.ReputationAt)
	})
}

func TestDailyCounters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Backend) {
		ctx := context.Background()
		require.NoError(t, s.CreateAccount(ctx, newAccount("a1", "a@alpha.com")))

		n, err := s.IncrementSentToday(ctx, "a1", "2024-03-04")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = s.IncrementSentToday(ctx, "a1", "2024-03-04")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		// A new day starts from zero even before the reset pass ran
		n, err = s.IncrementSentToday(ctx, "a1", "2024-03-05")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		reset, err := s.ResetDailyCounters(ctx, "2024-03-05")
		require.NoError(t, err)
		assert.Equal(t, int64(0), reset)

		reset, err = s.ResetDailyCounters(ctx, "2024-03-06")
		require.NoError(t, err)
		assert.Equal(t, int64(1), reset)

		a, err := s.GetAccount(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, 0, a.EmailsSentToday)
		assert.Equal(t, "2024-03-06", a.LastResetDate)

		_, err = s.IncrementSentToday(ctx, "missing", "2024-03-06")
		assert.True(t, errors.Is(err, core.ErrNotFound))
	})
}

func TestDailyCounterStopsAtLimit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Backend) {
		ctx := context.Background()
		a := newAccount("a1", "a@alpha.com")
		a.DailyLimit = 2
		require.NoError(t, s.CreateAccount(ctx, a))

		for i := 1; i <= 2; i++ {
			n, err := s.IncrementSentToday(ctx, "a1", "2024-03-04")
			require.NoError(t, err)
			assert.Equal(t, i, n)
		}

		n, err := s.IncrementSentToday(ctx, "a1", "2024-03-04")
		assert.True(t, errors.Is(err, core.ErrRateLimitExceeded))
		assert.Equal(t, 2, n)

		require.NoError(t, s.ReleaseSentToday(ctx, "a1", "2024-03-04"))
		n, err = s.IncrementSentToday(ctx, "a1", "2024-03-04")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		// A release for another day leaves today's count alone
		require.NoError(t, s.ReleaseSentToday(ctx, "a1", "2024-03-03"))
		got, err := s.GetAccount(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, 2, got.EmailsSentToday)

		n, err = s.IncrementSentToday(ctx, "a1", "2024-03-05")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestOutboundLedger(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Backend) {
		ctx := context.Background()
		entries := []*core.OutboundLogEntry{
			{ID: "e1", OwnerID: "owner-1", CampaignID: "c1", LeadID: "l1", AccountID: "a1", Kind: core.KindCampaign,
				ToAddress: "lead@ext.com", Subject: "Intro", Status: core.OutboundSent, SentAt: day,
				ProviderMessageID: "m1@alpha.com", TrackingID: "t1"},
			{ID: "e2", OwnerID: "owner-1", AccountID: "a1", Kind: core.KindCampaign,
				ToAddress: "lead@ext.com", Subject: "Follow up", Status: core.OutboundSent, SentAt: day.Add(time.Hour),
				ProviderMessageID: "m2@alpha.com"},
			{ID: "e3", OwnerID: "owner-1", AccountID: "a1", Kind: core.KindCampaign,
				ToAddress: "lead@ext.com", Subject: "Broken", Status: core.OutboundFailed, SentAt: day.Add(2 * time.Hour),
				ErrorMessage: "550"},
			{ID: "e4", OwnerID: "owner-1", AccountID: "b1", Kind: core.KindWarmup,
				ToAddress: "a@alpha.com", Subject: "Hi", Status: core.OutboundSent, SentAt: day,
				ProviderMessageID: "m1@alpha.com"},
		}
		for _, e := range entries {
			require.NoError(t, s.InsertOutbound(ctx, e))
		}

		found, err := s.FindOutboundByProviderIDs(ctx, "a1", []string{"m1@alpha.com", "unknown"})
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "e1", found[0].ID)

		found, err = s.FindOutboundByProviderIDs(ctx, "a1", nil)
		require.NoError(t, err)
		assert.Empty(t, found)

		latest, err := s.FindLatestOutboundTo(ctx, "a1", "Lead@Ext.com")
		require.NoError(t, err)
		assert.Equal(t, "e2", latest.ID, "failed sends are skipped")

		_, err = s.FindLatestOutboundTo(ctx, "a1", "nobody@ext.com")
		assert.True(t, errors.Is(err, core.ErrNotFound))

		tracked, err := s.FindOutboundByTrackingID(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "e1", tracked.ID)
		assert.Equal(t, "c1", tracked.CampaignID)

		_, err = s.FindOutboundByTrackingID(ctx, "")
		assert.True(t, errors.Is(err, core.ErrNotFound))

		list, err := s.ListOutbound(ctx, core.OutboundFilter{AccountID: "a1", Limit: 2})
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "e3", list[0].ID)
		assert.Equal(t, "e2", list[1].ID)

		ok, err := s.AdvanceOutbound(ctx, "e1", core.OutboundOpened, day.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.AdvanceOutbound(ctx, "e1", core.OutboundOpened, day.Add(2*time.Minute))
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = s.AdvanceOutbound(ctx, "e1", core.OutboundReplied, day.Add(3*time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.AdvanceOutbound(ctx, "e3", core.OutboundBounced, day)
		require.NoError(t, err)
		assert.False(t, ok, "failed is terminal")

		_, err = s.AdvanceOutbound(ctx, "missing", core.OutboundOpened, day)
		assert.True(t, errors.Is(err, core.ErrNotFound))

		e1, err := s.FindOutboundByTrackingID(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, core.OutboundReplied, e1.Status)
		require.NotNil(t, e1.OpenedAt)
		assert.True(t, e1.OpenedAt.Equal(day.Add(time.Minute)))
		require.NotNil(t, e1.RepliedAt)
	})
}

func TestWarmupLedger(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Backend) {
		ctx := context.Background()
		for i, id := range []string{"w1", "w2", "w3", "w4"} {
			require.NoError(t, s.InsertWarmup(ctx, &core.WarmupMessage{
				ID: id, OwnerID: "owner-1", FromAccountID: "a1", ToAccountID: "b1",
				Subject: "Checking in", Body: "<p>hi</p>", SentAt: day.Add(time.Duration(i) * time.Hour),
				Status: core.WarmupSent, ThreadID: id, Depth: 1, ProviderMessageID: id + "@alpha.com",
			}))
		}

		w, err := s.FindWarmup(ctx, "w2")
		require.NoError(t, err)
		assert.Equal(t, "b1", w.ToAccountID)
		assert.Equal(t, core.WarmupSent, w.Status)
		assert.True(t, w.SentAt.Equal(day.Add(time.Hour)))

		w, err = s.FindWarmupByProviderID(ctx, "w3@alpha.com")
		require.NoError(t, err)
		assert.Equal(t, "w3", w.ID)

		_, err = s.FindWarmup(ctx, "missing")
		assert.True(t, errors.Is(err, core.ErrNotFound))

		ok, err := s.AdvanceWarmup(ctx, "w1", core.WarmupOpened, day)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.AdvanceWarmup(ctx, "w1", core.WarmupSpam, day)
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = s.AdvanceWarmup(ctx, "w2", core.WarmupSpam, day)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.AdvanceWarmup(ctx, "w2", core.WarmupReplied, day)
		require.NoError(t, err)
		assert.True(t, ok)

		stats, err := s.WarmupStats(ctx, "a1", time.Time{})
		require.NoError(t, err)
		assert.Equal(t, core.WarmupStats{Sent: 4, Opened: 2, Replied: 1, Spam: 1}, stats)

		stats, err = s.WarmupStats(ctx, "a1", day.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, core.WarmupStats{Sent: 2}, stats)

		n, err := s.CountWarmupSentSince(ctx, "a1", day.Add(90*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		first, err := s.FirstWarmupSentAt(ctx, "a1")
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.True(t, first.Equal(day))

		first, err = s.FirstWarmupSentAt(ctx, "b1")
		require.NoError(t, err)
		assert.Nil(t, first)
	})
}

func TestInboundLedger(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Backend) {
		ctx := context.Background()

		seen, err := s.HasInbound(ctx, "a1", "<r1@ext.com>")
		require.NoError(t, err)
		assert.False(t, seen)

		require.NoError(t, s.RecordInbound(ctx, "a1", "<r1@ext.com>", day))
		require.NoError(t, s.RecordInbound(ctx, "a1", "r1@ext.com", day))

		seen, err = s.HasInbound(ctx, "a1", "r1@ext.com")
		require.NoError(t, err)
		assert.True(t, seen)

		seen, err = s.HasInbound(ctx, "b1", "r1@ext.com")
		require.NoError(t, err)
		assert.False(t, seen)
	})
}

func TestSyncCursor(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Backend) {
		ctx := context.Background()

		_, err := s.GetCursor(ctx, "a1")
		assert.True(t, errors.Is(err, core.ErrNotFound))

		c, ok, err := s.TryBeginSync(ctx, "a1", day, 30*time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, core.SyncSyncing, c.SyncStatus)

		_, ok, err = s.TryBeginSync(ctx, "a1", day.Add(time.Minute), 30*time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = s.TryBeginSync(ctx, "a1", day.Add(30*time.Minute), 30*time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "stale sync is taken over")

		for _, warmupID := range []string{"w1", "w2", "w1"} {
			_, err := s.IncrementSpamPlacement(ctx, "a1", warmupID)
			require.NoError(t, err)
		}

		finished := day.Add(31 * time.Minute)
		c.LastProcessedCursor = 42
		c.CursorValidity = 7
		c.SpamCursor = 3
		c.SpamCursorValidity = 9
		c.SyncStatus = core.SyncIdle
		c.SyncStartedAt = nil
		c.LastSyncAt = &finished
		c.TotalProcessed = 12
		c.TotalRepliesFound = 2
		c.TotalBouncesFound = 1
		c.SpamPlacementCount = 0
		require.NoError(t, s.SaveCursor(ctx, c))

		got, err := s.GetCursor(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, uint32(42), got.LastProcessedCursor)
		assert.Equal(t, uint32(7), got.CursorValidity)
		assert.Equal(t, uint32(3), got.SpamCursor)
		assert.Equal(t, uint32(9), got.SpamCursorValidity)
		assert.Equal(t, core.SyncIdle, got.SyncStatus)
		assert.Nil(t, got.SyncStartedAt)
		require.NotNil(t, got.LastSyncAt)
		assert.True(t, got.LastSyncAt.Equal(finished))
		assert.Equal(t, 12, got.TotalProcessed)
		assert.Equal(t, 2, got.SpamPlacementCount, "saving progress keeps the spam count")

		_, ok, err = s.TryBeginSync(ctx, "a1", finished, 30*time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestLeadsAndCampaigns(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Backend) {
		ctx := context.Background()
		require.NoError(t, s.CreateLead(ctx, &core.Lead{
			ID: "l1", OwnerID: "owner-1", CampaignID: "c1", Email: "lead@ext.com",
			Status: core.LeadContacted, UpdatedAt: day,
		}))

		l, err := s.FindLeadByEmail(ctx, "owner-1", "Lead@Ext.com")
		require.NoError(t, err)
		assert.Equal(t, "l1", l.ID)

		_, err = s.FindLeadByEmail(ctx, "owner-2", "lead@ext.com")
		assert.True(t, errors.Is(err, core.ErrNotFound))

		ok, err := s.UpdateLeadStatus(ctx, "l1", core.LeadReplied, day.Add(time.Hour))
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.UpdateLeadStatus(ctx, "l1", core.LeadContacted, day.Add(2*time.Hour))
		require.NoError(t, err)
		assert.False(t, ok, "leads never move backwards")

		counted, err := s.IncrementLeadBounce(ctx, "l1", "e1")
		require.NoError(t, err)
		assert.True(t, counted)
		counted, err = s.IncrementLeadBounce(ctx, "l1", "e1")
		require.NoError(t, err)
		assert.False(t, counted, "a source is counted once")
		l, err = s.GetLead(ctx, "l1")
		require.NoError(t, err)
		assert.Equal(t, core.LeadReplied, l.Status)
		assert.Equal(t, 1, l.BounceCount)

		_, err = s.IncrementLeadBounce(ctx, "missing", "e1")
		assert.True(t, errors.Is(err, core.ErrNotFound))

		_, err = s.GetCampaignStats(ctx, "c1")
		assert.True(t, errors.Is(err, core.ErrNotFound))

		for _, inc := range []struct {
			counter core.CampaignCounter
			source  string
			counted bool
		}{
			{core.CounterOpened, "e1", true},
			{core.CounterOpened, "e2", true},
			{core.CounterOpened, "e1", false},
			{core.CounterReplied, "e1", true},
			{core.CounterReplied, "e1", false},
		} {
			counted, err := s.IncrementCounter(ctx, "c1", inc.counter, inc.source)
			require.NoError(t, err)
			assert.Equal(t, inc.counted, counted, "%s/%s", inc.counter, inc.source)
		}
		stats, err := s.GetCampaignStats(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, core.CampaignStats{CampaignID: "c1", Opened: 2, Replied: 1}, *stats)

		_, err = s.IncrementCounter(ctx, "c1", core.CampaignCounter("clicked"), "e1")
		assert.Error(t, err)
	})
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{dialect: DialectPostgres}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)", pg.rebind("SELECT a FROM t WHERE x = ? AND y IN (?, ?)"))

	lite := &SQLStore{dialect: DialectSQLite}
	assert.Equal(t, "x = ?", lite.rebind("x = ?"))
}

func TestInsertIgnore(t *testing.T) {
	assert.Equal(t, "INSERT OR IGNORE INTO t (a, b) VALUES (?, ?)", (&SQLStore{dialect: DialectSQLite}).insertIgnore("t", "a", "b"))
	assert.Equal(t, "INSERT IGNORE INTO t (a) VALUES (?)", (&SQLStore{dialect: DialectMySQL}).insertIgnore("t", "a"))
	assert.Equal(t, "INSERT INTO t (a) VALUES (?) ON CONFLICT DO NOTHING", (&SQLStore{dialect: DialectPostgres}).insertIgnore("t", "a"))
}
