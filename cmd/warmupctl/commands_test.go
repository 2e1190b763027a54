package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mikey/warmup-engine/internal/adapters/store"
	"github.com/mikey/warmup-engine/internal/core"
	"github.com/mikey/warmup-engine/internal/suppression"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Saturday, so starting a warmup sends nothing
var saturday = time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type nullSender struct{}

func (nullSender) Send(ctx context.Context, creds core.Credentials, mail *core.OutgoingMail) (string, error) {
	return "<cli-1@" + core.DomainOf(mail.From) + ">", nil
}

type nullVerifier struct{}

func (nullVerifier) VerifyDomain(ctx context.Context, domain string) (*core.DomainCheck, error) {
	return &core.DomainCheck{Domain: domain, HasMX: true}, nil
}

type stillTimer struct{}

func (stillTimer) Stop() bool { return true }

func newTestCLI(t *testing.T) (*cli, *store.MemoryStore, *bytes.Buffer) {
	t.Helper()
	logger := zap.NewNop()
	st := store.NewMemoryStore(logger)

	engine := core.NewEngine(core.EngineParts{
		Repositories: core.NewRepositories(st),
		Sender:       nullSender{},
		Suppression:  suppression.NewChecker(nil, nil, logger),
		Verifier:     nullVerifier{},
		Tasks: core.NewTaskRegistryWithTimer(logger, func(time.Duration, func()) core.Timer {
			return stillTimer{}
		}),
		Clock: fixedClock{now: saturday},
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
	}, logger)

	out := &bytes.Buffer{}
	return newCLI(engine, out), st, out
}

func addAccount(t *testing.T, st *store.MemoryStore, id, address string) {
	t.Helper()
	require.NoError(t, st.CreateAccount(context.Background(), &core.SenderAccount{
		ID:            id,
		OwnerID:       "owner-1",
		Address:       address,
		IsActive:      true,
		DailyLimit:    50,
		LastResetDate: "2024-03-08",
		WarmupStatus:  core.WarmupNotStarted,
		CreatedAt:     saturday,
	}))
}

func TestStartPauseStatus(t *testing.T) {
	c, st, out := newTestCLI(t)
	ctx := context.Background()
	addAccount(t, st, "a1", "a@alpha.com")
	addAccount(t, st, "b1", "b@beta.com")

	require.NoError(t, c.run(ctx, []string{"start", "a1"}))
	var overview core.WarmupOverview
	require.NoError(t, json.Unmarshal(out.Bytes(), &overview))
	assert.Equal(t, core.WarmupInProgress, overview.Status)
	assert.Zero(t, overview.SentToday)

	out.Reset()
	require.NoError(t, c.run(ctx, []string{"pause", "a1", "blocklist", "review"}))
	overview = core.WarmupOverview{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &overview))
	assert.Equal(t, core.WarmupPaused, overview.Status)
	assert.Equal(t, "blocklist review", overview.PauseReason)

	err := c.run(ctx, []string{"pause", "a1"})
	assert.ErrorIs(t, err, core.ErrInvalidStateTransition)

	out.Reset()
	require.NoError(t, c.run(ctx, []string{"stop", "a1"}))
	overview = core.WarmupOverview{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &overview))
	assert.Equal(t, core.WarmupNotStarted, overview.Status)
	assert.NotNil(t, overview.Settings)

	out.Reset()
	require.NoError(t, c.run(ctx, []string{"score", "a1"}))
	assert.Equal(t, "no warmup sends yet; score unchanged\n", out.String())

	out.Reset()
	require.NoError(t, c.run(ctx, []string{"logs", "a1", "5"}))
	assert.Empty(t, out.String())
}

func TestStartWithoutPeer(t *testing.T) {
	c, st, _ := newTestCLI(t)
	addAccount(t, st, "a1", "a@alpha.com")

	err := c.run(context.Background(), []string{"start", "a1"})
	assert.ErrorIs(t, err, core.ErrPreconditionFailed)
}

func TestUsageErrors(t *testing.T) {
	c, _, _ := newTestCLI(t)
	ctx := context.Background()

	for _, args := range [][]string{
		{"launch"},
		{"import", "accounts.json"},
		{"start"},
		{"status", "a1", "b1"},
		{"pause"},
		{"logs", "a1", "zero"},
		{"logs"},
		{"dns-check", " "},
	} {
		assert.ErrorIs(t, c.run(ctx, args), errUsage, strings.Join(args, " "))
	}
}

func TestResetAndDNSCheck(t *testing.T) {
	c, st, out := newTestCLI(t)
	ctx := context.Background()
	addAccount(t, st, "a1", "a@alpha.com")

	require.NoError(t, c.run(ctx, []string{"reset"}))
	assert.Equal(t, "reset 1 accounts\n", out.String())

	out.Reset()
	require.NoError(t, c.run(ctx, []string{"reset"}))
	assert.Equal(t, "reset 0 accounts\n", out.String())

	out.Reset()
	require.NoError(t, c.run(ctx, []string{"dns-check", "alpha.com"}))
	var check core.DomainCheck
	require.NoError(t, json.Unmarshal(out.Bytes(), &check))
	assert.True(t, check.HasMX)

	assert.ErrorIs(t, c.run(ctx, []string{"status", "missing"}), core.ErrNotFound)
}
