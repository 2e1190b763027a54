package core_test

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/mikey/warmup-engine/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchCampaignWithTracking(t *testing.T) {
	h := newHarness(t)
	h.addAccount("a1", "a@alpha.com")

	res := h.sendCampaign("a1", "c1", "l1", "Lead <Lead@Ext.com>")
	assert.Equal(t, "msg-1@alpha.com", res.ProviderMessageID)
	require.NotEmpty(t, res.TrackingID)
	assert.Empty(t, res.WarmupMessageID)

	sent := h.sender.all()
	require.Len(t, sent, 1)
	mail := sent[0].mail
	assert.Equal(t, "a@alpha.com", mail.From)
	assert.Contains(t, mail.HTML, `src="https://track.example.net/t/`+res.TrackingID+`.gif"`)
	assert.True(t, strings.HasPrefix(mail.HTML, "<p>Hello</p>"))
	assert.NotContains(t, mail.Headers, core.HeaderWarmupID)

	entries, err := h.engine.Logs(h.ctx, "a1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, core.OutboundSent, e.Status)
	assert.Equal(t, core.KindCampaign, e.Kind)
	assert.Equal(t, "lead@ext.com", e.ToAddress)
	assert.Equal(t, "c1", e.CampaignID)
	assert.Equal(t, "l1", e.LeadID)
	assert.Equal(t, res.TrackingID, e.TrackingID)

	assert.Equal(t, 1, h.account("a1").EmailsSentToday)
}

func TestDispatchTransportFailure(t *testing.T) {
	h := newHarness(t)
	h.addAccount("a1", "a@alpha.com")
	h.sender.fail = errors.New("550 relay denied")

	_, err := h.engine.Dispatcher.Send(h.ctx, h.account("a1"), core.SendRequest{
		To: "lead@ext.com", Subject: "Intro", Body: "hi", Kind: core.KindCampaign,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrTransport))

	entries, err := h.engine.Logs(h.ctx, "a1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, core.OutboundFailed, entries[0].Status)
	assert.Contains(t, entries[0].ErrorMessage, "relay denied")
	assert.Equal(t, 0, h.account("a1").EmailsSentToday)
}

func TestDispatchSuppressedRecipient(t *testing.T) {
	h := newHarness(t)
	h.addAccount("a1", "a@alpha.com")
	h.suppressed.Add("blocked@ext.com")

	_, err := h.engine.Dispatcher.Send(h.ctx, h.account("a1"), core.SendRequest{
		To: "Blocked <blocked@ext.com>", Subject: "Intro", Body: "hi", Kind: core.KindCampaign,
	})
	assert.True(t, errors.Is(err, core.ErrTransport))
	assert.Empty(t, h.sender.all())

	entries, err := h.engine.Logs(h.ctx, "a1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, core.OutboundFailed, entries[0].Status)
}

func TestDispatchThreadsReplies(t *testing.T) {
	h := newHarness(t)
	h.addAccount("a1", "a@alpha.com")
	h.addAccount("b1", "b@beta.com")

	res, err := h.engine.Dispatcher.Send(h.ctx, h.account("b1"), core.SendRequest{
		To:         "a@alpha.com",
		Subject:    "Re: Notes",
		Body:       "thanks",
		Kind:       core.KindReply,
		InReplyTo:  "<parent@alpha.com>",
		References: []string{"root@alpha.com", "<parent@alpha.com>"},
		Warmup:     &core.WarmupLink{ToAccountID: "a1", ParentMessageID: "w-parent", ThreadID: "thread-1", Depth: 2},
	})
	require.NoError(t, err)
	assert.Empty(t, res.TrackingID, "only campaign mail is tracked")

	headers := h.sender.all()[0].mail.Headers
	assert.Equal(t, "<parent@alpha.com>", headers[core.HeaderInReplyTo])
	assert.Equal(t, "<root@alpha.com> <parent@alpha.com>", headers[core.HeaderReferences])
	assert.Equal(t, res.WarmupMessageID, headers[core.HeaderWarmupID])

	wm, err := h.store.FindWarmup(h.ctx, res.WarmupMessageID)
	require.NoError(t, err)
	assert.True(t, wm.IsReply)
	assert.Equal(t, "thread-1", wm.ThreadID)
	assert.Equal(t, 2, wm.Depth)
	assert.Equal(t, core.WarmupSent, wm.Status)
	assert.Equal(t, res.ProviderMessageID, wm.ProviderMessageID)
}

func TestPixelFetchIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.addAccount("a1", "a@alpha.com")
	res := h.sendCampaign("a1", "c1", "l1", "lead@ext.com")

	opened, err := h.engine.Tracker.OnPixelFetch(h.ctx, res.TrackingID)
	require.NoError(t, err)
	assert.True(t, opened)

	opened, err = h.engine.Tracker.OnPixelFetch(h.ctx, res.TrackingID)
	require.NoError(t, err)
	assert.False(t, opened)

	stats, err := h.store.GetCampaignStats(h.ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Opened)

	entry, err := h.store.FindOutboundByTrackingID(h.ctx, res.TrackingID)
	require.NoError(t, err)
	assert.Equal(t, core.OutboundOpened, entry.Status)
	require.NotNil(t, entry.OpenedAt)
	assert.True(t, entry.OpenedAt.Equal(monday))

	_, err = h.engine.Tracker.OnPixelFetch(h.ctx, "unknown")
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestResetDailyCounters(t *testing.T) {
	h := newHarness(t)
	h.addAccount("a1", "a@alpha.com")
	h.sendCampaign("a1", "c1", "l1", "lead@ext.com")
	assert.Equal(t, 1, h.account("a1").EmailsSentToday)

	n, err := h.engine.ResetDailyCounters(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "already reset today")

	h.clock.Set(monday.AddDate(0, 0, 1))
	n, err = h.engine.ResetDailyCounters(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 0, h.account("a1").EmailsSentToday)

	n, err = h.engine.ResetDailyCounters(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCheckDomain(t *testing.T) {
	h := newHarness(t)

	check, err := h.engine.CheckDomain(h.ctx, " Alpha.COM ")
	require.NoError(t, err)
	assert.Equal(t, "alpha.com", check.Domain)
	assert.True(t, check.HasMX)

	_, err = h.engine.CheckDomain(h.ctx, "a@alpha.com")
	assert.True(t, errors.Is(err, core.ErrPreconditionFailed))
}

func TestDispatchSkipsUnsubscribedLead(t *testing.T) {
	h := newHarness(t)
	h.addAccount("a1", "a@alpha.com")
	h.addLead("l1", "c1", "gone@ext.com")
	_, err := h.store.UpdateLeadStatus(h.ctx, "l1", core.LeadUnsubscribed, monday)
	require.NoError(t, err)

	_, err = h.engine.Dispatcher.Send(h.ctx, h.account("a1"), core.SendRequest{
		To: "gone@ext.com", Subject: "Intro", Body: "hi", Kind: core.KindCampaign,
		CampaignID: "c1", LeadID: "l1",
	})
	assert.True(t, errors.Is(err, core.ErrTransport))
	assert.Empty(t, h.sender.all())
	assert.Equal(t, 0, h.account("a1").EmailsSentToday)

	entries, err := h.engine.Logs(h.ctx, "a1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, core.OutboundFailed, entries[0].Status)
	assert.Contains(t, entries[0].ErrorMessage, "unsubscribed")
}

func TestDispatchConcurrentSendsKeepDailyLimit(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.CreateAccount(h.ctx, &core.SenderAccount{
		ID:            "a1",
		OwnerID:       "owner-1",
		Address:       "a@alpha.com",
		IsActive:      true,
		DailyLimit:    3,
		LastResetDate: core.DayKey(monday),
		CreatedAt:     monday,
	}))
	account := h.account("a1")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		sent    int
		limited int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Dispatcher.Send(h.ctx, account, core.SendRequest{
				To: "lead@ext.com", Subject: "Intro", Body: "hi", Kind: core.KindCampaign,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				sent++
			case errors.Is(err, core.ErrRateLimitExceeded):
				limited++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, sent)
	assert.Equal(t, 7, limited)
	assert.Len(t, h.sender.all(), 3)
	assert.Equal(t, 3, h.account("a1").EmailsSentToday)

	entries, err := h.engine.Logs(h.ctx, "a1", 20)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "capped sends leave no ledger entry")
}
