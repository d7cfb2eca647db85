package config

import "time"

// Config is the full daemon configuration. YAML tags match the config
// file format; every field can also be set through the environment.
type Config struct {
	DatabaseURL string `yaml:"database_url"`
	HTTPAddr    string `yaml:"http_addr"`

	PollIntervalSeconds           int `yaml:"poll_interval_seconds"`
	ReminderLeadMinutes           int `yaml:"reminder_lead_minutes"`
	EscalationWindowMinutes       int `yaml:"escalation_window_minutes"`
	DispatchStaleThresholdMinutes int `yaml:"dispatch_stale_threshold_minutes"`
	ConsecutiveMissThreshold      int `yaml:"consecutive_miss_threshold"`
	RecoveryIntervalSeconds       int `yaml:"recovery_interval_seconds"`
	DispatchConcurrency           int `yaml:"dispatch_concurrency"`
	DispatchBatchLimit            int `yaml:"dispatch_batch_limit"`
	SendTimeoutSeconds            int `yaml:"send_timeout_seconds"`

	// Webhook endpoints per channel. An empty URL falls back to the
	// channel's command, then to log-only delivery.
	PushWebhookURL      string `yaml:"push_webhook_url"`
	SecondaryWebhookURL string `yaml:"secondary_webhook_url"`
	CallWebhookURL      string `yaml:"call_webhook_url"`

	// Command delivery for self-hosted notifier CLIs. Space-separated
	// argv, no shell quoting.
	PushCommand      string `yaml:"push_command"`
	SecondaryCommand string `yaml:"secondary_command"`
	CallCommand      string `yaml:"call_command"`

	// Kafka settings for the miss-pattern stream. Empty brokers
	// downgrade the observer to log-only.
	KafkaBrokers   string `yaml:"kafka_brokers"`
	KafkaMissTopic string `yaml:"kafka_miss_topic"`
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c *Config) ReminderLead() time.Duration {
	return time.Duration(c.ReminderLeadMinutes) * time.Minute
}

func (c *Config) EscalationWindow() time.Duration {
	return time.Duration(c.EscalationWindowMinutes) * time.Minute
}

func (c *Config) DispatchStaleThreshold() time.Duration {
	return time.Duration(c.DispatchStaleThresholdMinutes) * time.Minute
}

func (c *Config) RecoveryInterval() time.Duration {
	return time.Duration(c.RecoveryIntervalSeconds) * time.Second
}

func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}
