package factory

import (
	"fmt"

	"github.com/mikey/warmup-engine/internal/adapters/store"
	"github.com/mikey/warmup-engine/internal/config"
	"github.com/mikey/warmup-engine/internal/core"
	"github.com/mikey/warmup-engine/internal/driver"
	"github.com/mikey/warmup-engine/internal/suppression"
	"go.uber.org/zap"
)

// EngineFactory assembles the engine from configuration and adapters
type EngineFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewEngineFactory creates a new engine factory
func NewEngineFactory(cfg *config.Config, logger *zap.Logger) *EngineFactory {
	return &EngineFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// EngineAdapters are the adapters the engine is built on
type EngineAdapters struct {
	Store       store.Backend
	Sender      core.MailSender
	Mailbox     core.Mailbox
	Verifier    core.DomainVerifier
	Analyzer    core.ReplyAnalyzer
	Suppression core.SuppressionList
}

// CreateEngine builds the engine
func (f *EngineFactory) CreateEngine(a EngineAdapters) (*core.Engine, error) {
	engineCfg, err := f.cfg.GetEngine()
	if err != nil {
		return nil, err
	}
	clock, err := core.NewSystemClock(engineCfg.Timezone)
	if err != nil {
		return nil, err
	}

	defaultsCfg, err := f.cfg.GetWarmupDefaults()
	if err != nil {
		return nil, err
	}
	defaults, err := WarmupSettingsFromConfig(defaultsCfg)
	if err != nil {
		return nil, err
	}

	inbox, err := f.cfg.GetInbox()
	if err != nil {
		return nil, err
	}
	remediation, err := f.cfg.GetRemediation()
	if err != nil {
		return nil, err
	}
	tracking := f.cfg.GetTracking()

	var classifier core.MessageClassifier
	if len(inbox.BounceIndicators) > 0 {
		classifier = core.NewHeuristicClassifierWithIndicators(inbox.BounceIndicators)
	}

	return core.NewEngine(core.EngineParts{
		Repositories: core.NewRepositories(a.Store),
		Sender:       a.Sender,
		Mailbox:      a.Mailbox,
		Classifier:   classifier,
		Analyzer:     a.Analyzer,
		Suppression:  a.Suppression,
		Verifier:     a.Verifier,
		Clock:        clock,
		Defaults:     defaults,
		Dispatch: core.DispatcherConfig{
			TrackingEnabled: tracking.Enabled,
			TrackingBaseURL: tracking.BaseURL,
		},
		Schedule: core.SchedulerConfig{
			ReplyJitter: defaultsCfg.ReplyJitter,
		},
		Sync: core.SyncConfig{
			Folder:          inbox.Folder,
			SpamFolder:      inbox.SpamFolder,
			ArchiveFolder:   inbox.ArchiveFolder,
			Lookback:        inbox.Lookback,
			BatchSize:       inbox.BatchSize,
			StaleAfter:      inbox.StaleAfter,
			IntentThreshold: f.cfg.GetLLM().Threshold,
		},
		Remediation: core.RemediationConfig{
			SpamThreshold: remediation.SpamThreshold,
			Lookback:      remediation.Lookback,
		},
	}, f.logger), nil
}

// CreateSuppression creates the suppression list from configuration
func (f *EngineFactory) CreateSuppression() *suppression.Checker {
	return suppression.NewChecker(
		f.cfg.GetStringSlice("suppression.domains"),
		f.cfg.GetStringSlice("suppression.addresses"),
		f.logger,
	)
}

// CreateDriver creates the periodic driver for an engine
func (f *EngineFactory) CreateDriver(engine *core.Engine) (*driver.Driver, error) {
	engineCfg, err := f.cfg.GetEngine()
	if err != nil {
		return nil, err
	}
	return driver.New(engine, driver.Config{
		ScheduleInterval:    engineCfg.ScheduleInterval,
		SyncInterval:        engineCfg.SyncInterval,
		ResetInterval:       engineCfg.ResetInterval,
		RemediationInterval: engineCfg.RemediationInterval,
		Concurrency:         engineCfg.Concurrency,
	}, f.logger), nil
}

// WarmupSettingsFromConfig converts configured defaults into validated warmup settings
func WarmupSettingsFromConfig(c config.WarmupDefaultsConfig) (core.WarmupSettings, error) {
	s := core.WarmupSettings{
		Enabled:           true,
		DailyStartVolume:  c.DailyStartVolume,
		MaxDailyVolume:    c.MaxDailyVolume,
		RampUpDays:        c.RampUpDays,
		ThrottlePerHour:   c.ThrottlePerHour,
		AutoReply:         c.AutoReply,
		AutoArchive:       c.AutoArchive,
		ReplyDelayMinutes: c.ReplyDelayMinutes,
		MaxThreadLength:   c.MaxThreadLength,
	}

	for _, d := range c.WorkingDays {
		day, err := core.ParseWeekday(d)
		if err != nil {
			return core.WarmupSettings{}, fmt.Errorf("invalid working day: %w", err)
		}
		s.WorkingDays = append(s.WorkingDays, day)
	}

	times := []struct {
		value string
		dst   *core.TimeOfDay
	}{
		{c.WorkStart, &s.WorkStart},
		{c.WorkEnd, &s.WorkEnd},
		{c.WindowStart, &s.WarmupWindowStart},
		{c.WindowEnd, &s.WarmupWindowEnd},
	}
	for _, t := range times {
		parsed, err := core.ParseTimeOfDay(t.value)
		if err != nil {
			return core.WarmupSettings{}, err
		}
		*t.dst = parsed
	}

	if err := s.Validate(); err != nil {
		return core.WarmupSettings{}, fmt.Errorf("invalid warmup defaults: %w", err)
	}
	return s, nil
}
