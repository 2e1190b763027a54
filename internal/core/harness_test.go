package core_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mikey/warmup-engine/internal/adapters/store"
	"github.com/mikey/warmup-engine/internal/core"
	"github.com/mikey/warmup-engine/internal/suppression"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// monday 10:00 UTC, inside the default window and work hours
var monday = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (f *fakeTimers) afterFunc(d time.Duration, fn func()) core.Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{delay: d, fn: fn}
	f.timers = append(f.timers, t)
	return t
}

// fireAll runs every armed timer that was not stopped
func (f *fakeTimers) fireAll() {
	f.mu.Lock()
	armed := append([]*fakeTimer(nil), f.timers...)
	f.mu.Unlock()
	for _, t := range armed {
		if !t.stopped {
			t.fn()
		}
	}
}

type sentMail struct {
	creds core.Credentials
	mail  *core.OutgoingMail
	id    string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMail
	fail error
	seq  int
}

func (s *fakeSender) Send(ctx context.Context, creds core.Credentials, mail *core.OutgoingMail) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return "", s.fail
	}
	s.seq++
	id := fmt.Sprintf("<msg-%d@%s>", s.seq, core.DomainOf(mail.From))
	s.sent = append(s.sent, sentMail{creds: creds, mail: mail, id: id})
	return id, nil
}

func (s *fakeSender) all() []sentMail {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMail(nil), s.sent...)
}

func (s *fakeSender) from(address string) []sentMail {
	var out []sentMail
	for _, m := range s.all() {
		if m.mail.From == address {
			out = append(out, m)
		}
	}
	return out
}

type fakeFolder struct {
	validity uint32
	messages []*core.InboundMessage
}

// fakeMailbox serves folders per mailbox username
type fakeMailbox struct {
	mu      sync.Mutex
	boxes   map[string]map[string]*fakeFolder
	seen    []uint32
	moves   map[uint32]string
	openErr error
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{boxes: make(map[string]map[string]*fakeFolder), moves: make(map[uint32]string)}
}

func (m *fakeMailbox) deliver(user, folder string, validity uint32, msg *core.InboundMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.boxes[user] == nil {
		m.boxes[user] = make(map[string]*fakeFolder)
	}
	f := m.boxes[user][folder]
	if f == nil {
		f = &fakeFolder{validity: validity}
		m.boxes[user][folder] = f
	}
	f.validity = validity
	f.messages = append(f.messages, msg)
}

func (m *fakeMailbox) addFolder(user, folder string, validity uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.boxes[user] == nil {
		m.boxes[user] = make(map[string]*fakeFolder)
	}
	if m.boxes[user][folder] == nil {
		m.boxes[user][folder] = &fakeFolder{validity: validity}
	}
}

func (m *fakeMailbox) setValidity(user, folder string, validity uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.boxes[user][folder].validity = validity
}

func (m *fakeMailbox) movedTo(uid uint32) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moves[uid]
}

func (m *fakeMailbox) Open(ctx context.Context, creds core.Credentials) (core.MailboxSession, error) {
	if m.openErr != nil {
		return nil, m.openErr
	}
	return &fakeSession{box: m, user: creds.Username}, nil
}

type fakeSession struct {
	box    *fakeMailbox
	user   string
	folder *fakeFolder
}

func (s *fakeSession) Select(ctx context.Context, folder string) (uint32, error) {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	f := s.box.boxes[s.user][folder]
	if f == nil {
		return 0, fmt.Errorf("no such folder %s", folder)
	}
	s.folder = f
	return f.validity, nil
}

func (s *fakeSession) FetchAfter(ctx context.Context, afterUID uint32, since time.Time, limit int) ([]*core.InboundMessage, error) {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	var out []*core.InboundMessage
	for _, msg := range s.folder.messages {
		if msg.UID <= afterUID {
			continue
		}
		if afterUID == 0 && !since.IsZero() && msg.Date.Before(since) {
			continue
		}
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeSession) MarkSeen(ctx context.Context, uid uint32) error {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	s.box.seen = append(s.box.seen, uid)
	return nil
}

func (s *fakeSession) Move(ctx context.Context, uid uint32, dest string) error {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	s.box.moves[uid] = dest
	return nil
}

func (s *fakeSession) Close() error { return nil }

type fakeVerifier struct {
	noMX map[string]bool
}

func (v *fakeVerifier) VerifyDomain(ctx context.Context, domain string) (*core.DomainCheck, error) {
	return &core.DomainCheck{Domain: domain, HasMX: !v.noMX[domain], MXRecords: []string{"mx." + domain}}, nil
}

type fakeAnalyzer struct {
	intent *core.ReplyIntent
	calls  int
}

func (a *fakeAnalyzer) AnalyzeReply(ctx context.Context, msg *core.InboundMessage) (*core.ReplyIntent, error) {
	a.calls++
	return a.intent, nil
}

// flakyLeads fails the next lead writes it is told to
type flakyLeads struct {
	core.LeadRepository
	failStatus int
	failBounce int
}

var errDBBlip = errors.New("db blip")

func (f *flakyLeads) UpdateLeadStatus(ctx context.Context, id string, status core.LeadStatus, at time.Time) (bool, error) {
	if f.failStatus > 0 {
		f.failStatus--
		return false, errDBBlip
	}
	return f.LeadRepository.UpdateLeadStatus(ctx, id, status, at)
}

func (f *flakyLeads) IncrementLeadBounce(ctx context.Context, id, sourceID string) (bool, error) {
	if f.failBounce > 0 {
		f.failBounce--
		return false, errDBBlip
	}
	return f.LeadRepository.IncrementLeadBounce(ctx, id, sourceID)
}

type harness struct {
	t          *testing.T
	ctx        context.Context
	store      *store.MemoryStore
	clock      *fakeClock
	timers     *fakeTimers
	sender     *fakeSender
	mailbox    *fakeMailbox
	verifier   *fakeVerifier
	analyzer   *fakeAnalyzer
	suppressed *suppression.Checker
	engine     *core.Engine
}

func defaultSettings() core.WarmupSettings {
	return core.WarmupSettings{
		Enabled:           true,
		DailyStartVolume:  5,
		MaxDailyVolume:    40,
		RampUpDays:        30,
		ThrottlePerHour:   10,
		WorkingDays:       []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		WorkStart:         core.MustTimeOfDay("09:00"),
		WorkEnd:           core.MustTimeOfDay("17:00"),
		AutoReply:         true,
		AutoArchive:       false,
		ReplyDelayMinutes: 5,
		MaxThreadLength:   3,
		WarmupWindowStart: core.MustTimeOfDay("08:00"),
		WarmupWindowEnd:   core.MustTimeOfDay("20:00"),
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

// newHarnessWith lets wrap replace repositories the engine sees
func newHarnessWith(t *testing.T, wrap func(core.Repositories) core.Repositories) *harness {
	t.Helper()
	logger := zap.NewNop()

	h := &harness{
		t:          t,
		ctx:        context.Background(),
		store:      store.NewMemoryStore(logger),
		clock:      &fakeClock{now: monday},
		timers:     &fakeTimers{},
		sender:     &fakeSender{},
		mailbox:    newFakeMailbox(),
		verifier:   &fakeVerifier{noMX: map[string]bool{}},
		analyzer:   &fakeAnalyzer{intent: &core.ReplyIntent{Intent: core.IntentNeutral, Confidence: 0.9}},
		suppressed: suppression.NewChecker(nil, nil, logger),
	}

	repos := core.NewRepositories(h.store)
	if wrap != nil {
		repos = wrap(repos)
	}

	h.engine = core.NewEngine(core.EngineParts{
		Repositories: repos,
		Sender:       h.sender,
		Mailbox:      h.mailbox,
		Analyzer:     h.analyzer,
		Suppression:  h.suppressed,
		Verifier:     h.verifier,
		Tasks:        core.NewTaskRegistryWithTimer(logger, h.timers.afterFunc),
		Clock:        h.clock,
		Defaults:     defaultSettings(),
		Dispatch: core.DispatcherConfig{
			TrackingEnabled: true,
			TrackingBaseURL: "https://track.example.net/",
		},
		Sync: core.SyncConfig{
			Folder:          "INBOX",
			SpamFolder:      "Spam",
			ArchiveFolder:   "Archive",
			Lookback:        7 * 24 * time.Hour,
			BatchSize:       100,
			StaleAfter:      30 * time.Minute,
			IntentThreshold: 0.7,
		},
		Remediation: core.RemediationConfig{SpamThreshold: 0.1, Lookback: 7 * 24 * time.Hour},
	}, logger)
	return h
}

// addAccount provisions an active account whose mailbox user is its address
func (h *harness) addAccount(id, address string) *core.SenderAccount {
	h.t.Helper()
	a := &core.SenderAccount{
		ID:            id,
		OwnerID:       "owner-1",
		Address:       address,
		Credentials:   core.Credentials{SMTPHost: "smtp.test", IMAPHost: "imap.test", Username: address},
		IsActive:      true,
		DailyLimit:    100,
		LastResetDate: core.DayKey(h.clock.Now()),
		WarmupStatus:  core.WarmupNotStarted,
		CreatedAt:     h.clock.Now(),
	}
	require.NoError(h.t, h.store.CreateAccount(h.ctx, a))
	return a
}

func (h *harness) addLead(id, campaignID, email string) {
	h.t.Helper()
	require.NoError(h.t, h.store.CreateLead(h.ctx, &core.Lead{
		ID:         id,
		OwnerID:    "owner-1",
		CampaignID: campaignID,
		Email:      email,
		Status:     core.LeadContacted,
		UpdatedAt:  h.clock.Now(),
	}))
}

func (h *harness) account(id string) *core.SenderAccount {
	h.t.Helper()
	a, err := h.store.GetAccount(h.ctx, id)
	require.NoError(h.t, err)
	return a
}

func (h *harness) lead(id string) *core.Lead {
	h.t.Helper()
	l, err := h.store.GetLead(h.ctx, id)
	require.NoError(h.t, err)
	return l
}

// sendCampaign sends one tracked campaign message from accountID
func (h *harness) sendCampaign(accountID, campaignID, leadID, to string) *core.SendResult {
	h.t.Helper()
	res, err := h.engine.Dispatcher.Send(h.ctx, h.account(accountID), core.SendRequest{
		To:         to,
		Subject:    "Intro",
		Body:       "<p>Hello</p>",
		Kind:       core.KindCampaign,
		CampaignID: campaignID,
		LeadID:     leadID,
	})
	require.NoError(h.t, err)
	return res
}

// warmupID returns the X-Warmup-Id header of a sent mail
func warmupID(m sentMail) string {
	return m.mail.Headers[core.HeaderWarmupID]
}

func bracketed(id string) string {
	if strings.HasPrefix(id, "<") {
		return id
	}
	return "<" + id + ">"
}
