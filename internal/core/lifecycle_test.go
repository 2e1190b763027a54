package core_test

import (
	"errors"
	"testing"
	"time"

	"github.com/mikey/warmup-engine/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartPreconditions(t *testing.T) {
	h := newHarness(t)
	h.addAccount("a1", "a@alpha.com")

	err := h.engine.Lifecycle.Start(h.ctx, "a1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrPreconditionFailed), "no peer account")

	h.addAccount("b1", "b@beta.com")
	h.verifier.noMX["alpha.com"] = true
	err = h.engine.Lifecycle.Start(h.ctx, "a1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrPreconditionFailed), "no MX record")
	assert.Equal(t, core.WarmupNotStarted, h.account("a1").WarmupStatus)
	assert.Empty(t, h.sender.all())

	delete(h.verifier.noMX, "alpha.com")
	require.NoError(t, h.engine.Lifecycle.Start(h.ctx, "a1"))
}

func TestStartRejectsInvalidSettings(t *testing.T) {
	h := newHarness(t)
	a := h.addAccount("a1", "a@alpha.com")
	h.addAccount("b1", "b@beta.com")

	bad := defaultSettings()
	bad.ThrottlePerHour = 0
	require.NoError(t, h.store.UpdateWarmupState(h.ctx, a.ID, core.WarmupState{
		Status:   core.WarmupNotStarted,
		Settings: &bad,
	}))

	err := h.engine.Lifecycle.Start(h.ctx, "a1")
	assert.True(t, errors.Is(err, core.ErrPreconditionFailed))
}

func TestStartSendsAndSchedules(t *testing.T) {
	h := newHarness(t)
	h.addAccount("a1", "a@alpha.com")
	h.addAccount("b1", "b@beta.com")

	require.NoError(t, h.engine.Lifecycle.Start(h.ctx, "a1"))

	a := h.account("a1")
	assert.Equal(t, core.WarmupInProgress, a.WarmupStatus)
	require.NotNil(t, a.WarmupSettings)
	assert.True(t, a.WarmupSettings.Enabled)
	require.NotNil(t, a.WarmupStartedAt)
	assert.True(t, a.WarmupStartedAt.Equal(monday))

	sent := h.sender.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "b@beta.com", sent[0].mail.To)
	assert.NotEmpty(t, warmupID(sent[0]))
	assert.Equal(t, "<mailto:unsubscribe@alpha.com?subject=unsubscribe>", sent[0].mail.Headers[core.HeaderListUnsubscribe])

	overview, err := h.engine.Lifecycle.Status(h.ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, core.WarmupInProgress, overview.Status)
	assert.Equal(t, 5, overview.AllowedToday)
	assert.Equal(t, 1, overview.SentToday)
	assert.Equal(t, 4, overview.Pending)
	assert.Equal(t, 1, overview.Stats.Sent)
	assert.Len(t, h.timers.timers, 4)

	require.NotNil(t, overview.NextSendAt)
	first := h.timers.timers[0].delay
	for _, tm := range h.timers.timers {
		first = min(first, tm.delay)
	}
	assert.True(t, overview.NextSendAt.Equal(monday.Add(first)))

	require.NoError(t, h.engine.Lifecycle.Pause(h.ctx, "a1", "review"))
	overview, err = h.engine.Lifecycle.Status(h.ctx, "a1")
	require.NoError(t, err)
	assert.Nil(t, overview.NextSendAt)
}

func TestScheduledSendsFillTodaysBudget(t *testing.T) {
	h := newHarness(t)
	h.addAccount("a1", "a@alpha.com")
	h.addAccount("b1", "b@beta.com")
	require.NoError(t, h.engine.Lifecycle.Start(h.ctx, "a1"))

	h.timers.fireAll()
	assert.Len(t, h.sender.from("a@alpha.com"), 5)

	res, err := h.engine.Scheduler.Schedule(h.ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "daily budget reached", res.Skipped)
	assert.Equal(t, 5, res.SentToday)

	// The next working day allows one more send
	h.clock.Set(monday.Add(24 * time.Hour))
	res, err = h.engine.Scheduler.Schedule(h.ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 6, res.Allowed)
	assert.Equal(t, 6, res.Budget)
	assert.True(t, res.SentNow)
}

func TestScheduleOutsideWindow(t *testing.T) {
	h := newHarness(t)
	h.addAccount("a1", "a@alpha.com")
	h.addAccount("b1", "b@beta.com")

	h.clock.Set(monday.Add(11 * time.Hour))
	require.NoError(t, h.engine.Lifecycle.Start(h.ctx, "a1"))
	assert.Empty(t, h.sender.all())

	res, err := h.engine.Scheduler.Schedule(h.ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "outside warmup window", res.Skipped)

	h.clock.Set(monday.AddDate(0, 0, 5))
	res, err = h.engine.Scheduler.Schedule(h.ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "not a working day", res.Skipped)
}

func TestScheduleHonoursDailyLimit(t *testing.T) {
	h := newHarness(t)
	h.addAccount("a1", "a@alpha.com")
	h.addAccount("b1", "b@beta.com")

	require.NoError(t, h.store.CreateAccount(h.ctx, &core.SenderAccount{
		ID:            "c1",
		OwnerID:       "owner-1",
		Address:       "c@gamma.com",
		IsActive:      true,
		DailyLimit:    3,
		LastResetDate: core.DayKey(monday),
		CreatedAt:     monday,
	}))

	require.NoError(t, h.engine.Lifecycle.Start(h.ctx, "c1"))
	overview, err := h.engine.Lifecycle.Status(h.ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, overview.Pending)

	h.timers.fireAll()
	assert.Len(t, h.sender.from("c@gamma.com"), 3)

	_, err = h.engine.Dispatcher.Send(h.ctx, h.account("c1"), core.SendRequest{
		To: "b@beta.com", Subject: "x", Body: "y", Kind: core.KindWarmup,
		Warmup: &core.WarmupLink{ToAccountID: "b1"},
	})
	assert.True(t, errors.Is(err, core.ErrRateLimitExceeded))
	assert.Len(t, h.sender.from("c@gamma.com"), 3)
}

func TestLifecycleTransitions(t *testing.T) {
	h := newHarness(t)
	h.addAccount("a1", "a@alpha.com")
	h.addAccount("b1", "b@beta.com")

	for _, err := range []error{
		h.engine.Lifecycle.Pause(h.ctx, "a1", "x"),
		h.engine.Lifecycle.Resume(h.ctx, "a1"),
		h.engine.Lifecycle.Stop(h.ctx, "a1"),
	} {
		assert.True(t, errors.Is(err, core.ErrInvalidStateTransition))
	}

	require.NoError(t, h.engine.Lifecycle.Start(h.ctx, "a1"))
	assert.True(t, errors.Is(h.engine.Lifecycle.Start(h.ctx, "a1"), core.ErrInvalidStateTransition))
	assert.True(t, errors.Is(h.engine.Lifecycle.Resume(h.ctx, "a1"), core.ErrInvalidStateTransition))

	require.NoError(t, h.engine.Lifecycle.Pause(h.ctx, "a1", "checking bounces"))
	a := h.account("a1")
	assert.Equal(t, core.WarmupPaused, a.WarmupStatus)
	assert.Equal(t, "checking bounces", a.PauseReason)
	assert.Equal(t, 0, h.engine.Tasks.Pending("a1"))
	assert.True(t, errors.Is(h.engine.Lifecycle.Pause(h.ctx, "a1", "again"), core.ErrInvalidStateTransition))

	require.NoError(t, h.engine.Lifecycle.Resume(h.ctx, "a1"))
	a = h.account("a1")
	assert.Equal(t, core.WarmupInProgress, a.WarmupStatus)
	assert.Empty(t, a.PauseReason)
	require.NotNil(t, a.WarmupStartedAt)
	assert.True(t, a.WarmupStartedAt.Equal(monday))
	assert.Len(t, h.sender.from("a@alpha.com"), 2)
	assert.Equal(t, 3, h.engine.Tasks.Pending("a1"))

	require.NoError(t, h.engine.Lifecycle.Stop(h.ctx, "a1"))
	a = h.account("a1")
	assert.Equal(t, core.WarmupNotStarted, a.WarmupStatus)
	assert.NotNil(t, a.WarmupSettings, "settings survive a stop")
	assert.Nil(t, a.WarmupStartedAt)
	assert.Equal(t, 0, h.engine.Tasks.Pending("a1"))
	assert.True(t, errors.Is(h.engine.Lifecycle.Stop(h.ctx, "a1"), core.ErrInvalidStateTransition))
}

func TestPausedAccountTimersDoNotSend(t *testing.T) {
	h := newHarness(t)
	h.addAccount("a1", "a@alpha.com")
	h.addAccount("b1", "b@beta.com")
	require.NoError(t, h.engine.Lifecycle.Start(h.ctx, "a1"))
	require.NoError(t, h.engine.Lifecycle.Pause(h.ctx, "a1", "operator"))

	// Run the callbacks directly, as if the timers fired before Stop took effect
	for _, tm := range h.timers.timers {
		tm.fn()
	}
	assert.Len(t, h.sender.from("a@alpha.com"), 1)
}

func TestLifecycleUnknownAccount(t *testing.T) {
	h := newHarness(t)

	assert.True(t, errors.Is(h.engine.Lifecycle.Start(h.ctx, "nope"), core.ErrNotFound))
	assert.True(t, errors.Is(h.engine.Lifecycle.Pause(h.ctx, "nope", ""), core.ErrNotFound))
	_, err := h.engine.Lifecycle.Status(h.ctx, "nope")
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestShutdownCancelsTimers(t *testing.T) {
	h := newHarness(t)
	h.addAccount("a1", "a@alpha.com")
	h.addAccount("b1", "b@beta.com")
	require.NoError(t, h.engine.Lifecycle.Start(h.ctx, "a1"))

	h.engine.Shutdown()
	assert.Equal(t, 0, h.engine.Tasks.Pending("a1"))
	for _, tm := range h.timers.timers {
		assert.True(t, tm.stopped)
	}
}
