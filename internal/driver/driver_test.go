package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mikey/warmup-engine/internal/adapters/store"
	"github.com/mikey/warmup-engine/internal/core"
	"github.com/mikey/warmup-engine/internal/suppression"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var monday = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type okSender struct {
	mu sync.Mutex
	n  int
}

func (s *okSender) Send(ctx context.Context, creds core.Credentials, mail *core.OutgoingMail) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("<drv-%d@%s>", s.n, core.DomainOf(mail.From)), nil
}

type okVerifier struct{}

func (okVerifier) VerifyDomain(ctx context.Context, domain string) (*core.DomainCheck, error) {
	return &core.DomainCheck{Domain: domain, HasMX: true}, nil
}

// emptyMailbox serves empty folders and refuses the users listed in down
type emptyMailbox struct {
	down map[string]bool
}

func (m emptyMailbox) Open(ctx context.Context, creds core.Credentials) (core.MailboxSession, error) {
	if m.down[creds.Username] {
		return nil, errors.New("connection refused")
	}
	return emptySession{}, nil
}

type emptySession struct{}

func (emptySession) Select(ctx context.Context, folder string) (uint32, error) { return 1, nil }
func (emptySession) FetchAfter(ctx context.Context, afterUID uint32, since time.Time, limit int) ([]*core.InboundMessage, error) {
	return nil, nil
}
func (emptySession) MarkSeen(ctx context.Context, uid uint32) error { return nil }
func (emptySession) Move(ctx context.Context, uid uint32, dest string) error { return nil }
func (emptySession) Close() error { return nil }

type noopTimer struct{}

func (noopTimer) Stop() bool { return true }

func newTestDriver(t *testing.T, down ...string) (*Driver, *store.MemoryStore) {
	t.Helper()
	logger := zap.NewNop()
	st := store.NewMemoryStore(logger)

	downSet := make(map[string]bool)
	for _, u := range down {
		downSet[u] = true
	}

	engine := core.NewEngine(core.EngineParts{
		Repositories: core.NewRepositories(st),
		Sender:       &okSender{},
		Mailbox:      emptyMailbox{down: downSet},
		Suppression:  suppression.NewChecker(nil, nil, logger),
		Verifier:     okVerifier{},
		Tasks: core.NewTaskRegistryWithTimer(logger, func(time.Duration, func()) core.Timer {
			return noopTimer{}
		}),
		Clock: fixedClock{now: monday},
		Defaults: core.WarmupSettings{
			DailyStartVolume:  5,
			MaxDailyVolume:    40,
			RampUpDays:        30,
			ThrottlePerHour:   10,
			WorkingDays:       []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
			WorkStart:         core.MustTimeOfDay("09:00"),
			WorkEnd:           core.MustTimeOfDay("17:00"),
			ReplyDelayMinutes: 5,
			MaxThreadLength:   3,
			WarmupWindowStart: core.MustTimeOfDay("08:00"),
			WarmupWindowEnd:   core.MustTimeOfDay("20:00"),
		},
		Sync:        core.SyncConfig{Folder: "INBOX", BatchSize: 10, StaleAfter: 30 * time.Minute},
		Remediation: core.RemediationConfig{SpamThreshold: 0.1, Lookback: 7 * 24 * time.Hour},
	}, logger)

	d := New(engine, Config{
		ScheduleInterval:    time.Hour,
		SyncInterval:        time.Hour,
		ResetInterval:       time.Hour,
		RemediationInterval: time.Hour,
		Concurrency:         2,
	}, logger)
	return d, st
}

func addAccount(t *testing.T, st *store.MemoryStore, id, address string, active bool) {
	t.Helper()
	require.NoError(t, st.CreateAccount(context.Background(), &core.SenderAccount{
		ID:            id,
		OwnerID:       "owner-1",
		Address:       address,
		Credentials:   core.Credentials{Username: address},
		IsActive:      active,
		DailyLimit:    100,
		LastResetDate: core.DayKey(monday),
		WarmupStatus:  core.WarmupNotStarted,
		CreatedAt:     monday,
	}))
}

func TestSchedulePassOnlyRunningAccounts(t *testing.T) {
	d, st := newTestDriver(t)
	ctx := context.Background()
	addAccount(t, st, "a1", "a@alpha.com", true)
	addAccount(t, st, "b1", "b@beta.com", true)
	addAccount(t, st, "c1", "c@gamma.com", true)
	require.NoError(t, d.engine.Lifecycle.Start(ctx, "a1"))

	stats, err := d.RunSchedulePass(ctx)
	require.NoError(t, err)
	assert.Equal(t, PassStats{Accounts: 1}, stats)

	require.NoError(t, d.engine.Lifecycle.Start(ctx, "b1"))
	stats, err = d.RunSchedulePass(ctx)
	require.NoError(t, err)
	assert.Equal(t, PassStats{Accounts: 2}, stats)
}

func TestSyncPassIsolatesFailures(t *testing.T) {
	d, st := newTestDriver(t, "b@beta.com")
	ctx := context.Background()
	addAccount(t, st, "a1", "a@alpha.com", true)
	addAccount(t, st, "b1", "b@beta.com", true)
	addAccount(t, st, "c1", "c@gamma.com", false)

	stats, err := d.RunSyncPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, PassStats{Accounts: 2, Failed: 1}, stats)

	good, err := st.GetCursor(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, core.SyncIdle, good.SyncStatus)

	bad, err := st.GetCursor(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, core.SyncError, bad.SyncStatus)
}

func TestResetPass(t *testing.T) {
	d, st := newTestDriver(t)
	ctx := context.Background()
	require.NoError(t, st.CreateAccount(ctx, &core.SenderAccount{
		ID:              "a1",
		OwnerID:         "owner-1",
		Address:         "a@alpha.com",
		IsActive:        true,
		DailyLimit:      100,
		EmailsSentToday: 7,
		LastResetDate:   "2024-03-03",
		WarmupStatus:    core.WarmupNotStarted,
		CreatedAt:       monday,
	}))

	require.NoError(t, d.RunResetPass(ctx))
	a, err := st.GetAccount(ctx, "a1")
	require.NoError(t, err)
	assert.Zero(t, a.EmailsSentToday)
	assert.Equal(t, "2024-03-04", a.LastResetDate)

	// a second pass on the same day changes nothing
	n, err := d.engine.ResetDailyCounters(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRemediationPass(t *testing.T) {
	d, st := newTestDriver(t)
	ctx := context.Background()
	addAccount(t, st, "a1", "a@alpha.com", true)
	addAccount(t, st, "b1", "b@beta.com", true)
	require.NoError(t, d.engine.Lifecycle.Start(ctx, "a1"))

	report, err := d.RunRemediationPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evaluated)
	assert.Empty(t, report.Paused)
	assert.Zero(t, report.Failed)
}

func TestStartStop(t *testing.T) {
	d, st := newTestDriver(t)
	addAccount(t, st, "a1", "a@alpha.com", true)

	require.NoError(t, d.Start())
	assert.Error(t, d.Start())

	require.Eventually(t, func() bool {
		c, err := st.GetCursor(context.Background(), "a1")
		return err == nil && c.LastSyncAt != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())
}
