package config

import (
	"fmt"
	"time"
)

// StorageConfig represents the configuration for the account and ledger store
type StorageConfig struct {
	Type        string
	SQLitePath  string
	MySQLDSN    string
	PostgresDSN string
}

// EngineConfig represents the cadence of the periodic driver
type EngineConfig struct {
	Timezone            string
	ScheduleInterval    time.Duration
	SyncInterval        time.Duration
	ResetInterval       time.Duration
	RemediationInterval time.Duration
	Concurrency         int
}

// WarmupDefaultsConfig holds the warmup settings applied on first start
type WarmupDefaultsConfig struct {
	DailyStartVolume  int
	MaxDailyVolume    int
	RampUpDays        int
	ThrottlePerHour   int
	WorkingDays       []string
	WorkStart         string
	WorkEnd           string
	WindowStart       string
	WindowEnd         string
	AutoReply         bool
	AutoArchive       bool
	ReplyDelayMinutes int
	MaxThreadLength   int
	ReplyJitter       time.Duration
}

// RemediationConfig represents the auto-pause policy
type RemediationConfig struct {
	SpamThreshold float64
	Lookback      time.Duration
}

// InboxConfig represents the inbox sync configuration
type InboxConfig struct {
	Folder        string
	SpamFolder    string
	ArchiveFolder string
	Lookback      time.Duration
	BatchSize     int
	StaleAfter    time.Duration

	// BounceIndicators replaces the built-in bounce indicators when not empty
	BounceIndicators []string
}

// TransportConfig represents SMTP and IMAP client settings
type TransportConfig struct {
	SMTPTimeout time.Duration
	HeloName    string
	IMAPTimeout time.Duration
	DNSTimeout  time.Duration

	// SMTPAllowPlaintext skips STARTTLS for accounts without implicit TLS
	SMTPAllowPlaintext bool
}

// TrackingConfig represents the open-tracking configuration
type TrackingConfig struct {
	Enabled bool
	BaseURL string
}

// LLMConfig represents the configuration for the reply intent provider
type LLMConfig struct {
	Provider  string
	Threshold float64
}

// BedrockConfig represents the configuration for Amazon Bedrock
type BedrockConfig struct {
	Region      string
	ModelID     string
	MaxTokens   int
	Temperature float32
	TopP        float32
	MaxBodySize int
}

// GeminiConfig represents the configuration for Google Gemini
type GeminiConfig struct {
	APIKey      string
	ModelName   string
	MaxTokens   int
	Temperature float32
	TopP        float32
	MaxBodySize int
}

// OpenAIConfig represents the configuration for OpenAI
type OpenAIConfig struct {
	APIKey      string
	ModelName   string
	MaxTokens   int
	Temperature float32
	TopP        float32
	MaxBodySize int
}

// GetStorage returns the storage configuration
func (c *Config) GetStorage() StorageConfig {
	return StorageConfig{
		Type:        c.GetString("storage.type"),
		SQLitePath:  c.GetString("storage.sqlite_path"),
		MySQLDSN:    c.GetString("storage.mysql_dsn"),
		PostgresDSN: c.GetString("storage.postgres_dsn"),
	}
}

// GetEngine returns the driver configuration
func (c *Config) GetEngine() (EngineConfig, error) {
	durations, err := c.durations(
		"engine.schedule_interval",
		"engine.sync_interval",
		"engine.reset_interval",
		"engine.remediation_interval",
	)
	if err != nil {
		return EngineConfig{}, err
	}

	return EngineConfig{
		Timezone:            c.GetString("engine.timezone"),
		ScheduleInterval:    durations[0],
		SyncInterval:        durations[1],
		ResetInterval:       durations[2],
		RemediationInterval: durations[3],
		Concurrency:         c.GetInt("engine.concurrency"),
	}, nil
}

// GetWarmupDefaults returns the default warmup settings
func (c *Config) GetWarmupDefaults() (WarmupDefaultsConfig, error) {
	jitter, err := c.GetDuration("warmup.reply_jitter")
	if err != nil {
		return WarmupDefaultsConfig{}, err
	}
	return WarmupDefaultsConfig{
		DailyStartVolume:  c.GetInt("warmup.defaults.daily_start_volume"),
		MaxDailyVolume:    c.GetInt("warmup.defaults.max_daily_volume"),
		RampUpDays:        c.GetInt("warmup.defaults.ramp_up_days"),
		ThrottlePerHour:   c.GetInt("warmup.defaults.throttle_per_hour"),
		WorkingDays:       c.GetStringSlice("warmup.defaults.working_days"),
		WorkStart:         c.GetString("warmup.defaults.work_start"),
		WorkEnd:           c.GetString("warmup.defaults.work_end"),
		WindowStart:       c.GetString("warmup.defaults.window_start"),
		WindowEnd:         c.GetString("warmup.defaults.window_end"),
		AutoReply:         c.GetBool("warmup.defaults.auto_reply"),
		AutoArchive:       c.GetBool("warmup.defaults.auto_archive"),
		ReplyDelayMinutes: c.GetInt("warmup.defaults.reply_delay_minutes"),
		MaxThreadLength:   c.GetInt("warmup.defaults.max_thread_length"),
		ReplyJitter:       jitter,
	}, nil
}

// GetRemediation returns the remediation configuration
func (c *Config) GetRemediation() (RemediationConfig, error) {
	lookback, err := c.GetDuration("remediation.lookback")
	if err != nil {
		return RemediationConfig{}, err
	}
	return RemediationConfig{
		SpamThreshold: c.GetFloat64("remediation.spam_threshold"),
		Lookback:      lookback,
	}, nil
}

// GetInbox returns the inbox sync configuration
func (c *Config) GetInbox() (InboxConfig, error) {
	durations, err := c.durations("inbox.lookback", "inbox.stale_after")
	if err != nil {
		return InboxConfig{}, err
	}
	return InboxConfig{
		Folder:           c.GetString("inbox.folder"),
		SpamFolder:       c.GetString("inbox.spam_folder"),
		ArchiveFolder:    c.GetString("inbox.archive_folder"),
		Lookback:         durations[0],
		BatchSize:        c.GetInt("inbox.batch_size"),
		StaleAfter:       durations[1],
		BounceIndicators: c.GetStringSlice("inbox.bounce_indicators"),
	}, nil
}

// GetTransport returns the SMTP and IMAP client configuration
func (c *Config) GetTransport() (TransportConfig, error) {
	durations, err := c.durations("smtp.timeout", "imap.timeout", "dns.timeout")
	if err != nil {
		return TransportConfig{}, err
	}
	return TransportConfig{
		SMTPTimeout: durations[0],
		HeloName:    c.GetString("smtp.helo_name"),
		IMAPTimeout: durations[1],
		DNSTimeout:  durations[2],

		SMTPAllowPlaintext: c.GetBool("smtp.allow_plaintext"),
	}, nil
}

// GetTracking returns the open-tracking configuration
func (c *Config) GetTracking() TrackingConfig {
	return TrackingConfig{
		Enabled: c.GetBool("tracking.enabled"),
		BaseURL: c.GetString("tracking.base_url"),
	}
}

// GetLLM returns the reply intent provider configuration
func (c *Config) GetLLM() LLMConfig {
	return LLMConfig{
		Provider:  c.GetString("llm.provider"),
		Threshold: c.GetFloat64("intent.threshold"),
	}
}

// GetBedrock returns the Bedrock configuration
func (c *Config) GetBedrock() BedrockConfig {
	return BedrockConfig{
		Region:      c.GetString("bedrock.region"),
		ModelID:     c.GetString("bedrock.model_id"),
		MaxTokens:   c.GetInt("bedrock.max_tokens"),
		Temperature: float32(c.GetFloat64("bedrock.temperature")),
		TopP:        float32(c.GetFloat64("bedrock.top_p")),
		MaxBodySize: c.GetInt("bedrock.max_body_size"),
	}
}

// GetGemini returns the Gemini configuration
func (c *Config) GetGemini() GeminiConfig {
	return GeminiConfig{
		APIKey:      c.GetString("gemini.api_key"),
		ModelName:   c.GetString("gemini.model_name"),
		MaxTokens:   c.GetInt("gemini.max_tokens"),
		Temperature: float32(c.GetFloat64("gemini.temperature")),
		TopP:        float32(c.GetFloat64("gemini.top_p")),
		MaxBodySize: c.GetInt("gemini.max_body_size"),
	}
}

// GetOpenAI returns the OpenAI configuration
func (c *Config) GetOpenAI() OpenAIConfig {
	return OpenAIConfig{
		APIKey:      c.GetString("openai.api_key"),
		ModelName:   c.GetString("openai.model_name"),
		MaxTokens:   c.GetInt("openai.max_tokens"),
		Temperature: float32(c.GetFloat64("openai.temperature")),
		TopP:        float32(c.GetFloat64("openai.top_p")),
		MaxBodySize: c.GetInt("openai.max_body_size"),
	}
}

// durations parses several duration keys, failing on the first invalid one
func (c *Config) durations(keys ...string) ([]time.Duration, error) {
	out := make([]time.Duration, len(keys))
	for i, key := range keys {
		d, err := c.GetDuration(key)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("%s must be positive, got %s", key, d)
		}
		out[i] = d
	}
	return out, nil
}
