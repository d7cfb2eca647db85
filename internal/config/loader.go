package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load builds the effective configuration. Order of precedence
// (highest to lowest): environment variables, the YAML file at path,
// built-in defaults. A missing file is not an error; a malformed one
// is.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := mergeConfigFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads configuration from the file named by NAG_CONFIG,
// when set, plus the environment.
func LoadDefault() (*Config, error) {
	return Load(os.Getenv("NAG_CONFIG"))
}

// mergeConfigFile overlays the YAML file at path onto the base config.
// Fields absent from the file keep their current values.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	return nil
}

// applyEnv overlays environment variables. Unset and unparseable
// values are skipped.
func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	}
	if v := getEnvInt("POLL_INTERVAL_SECONDS"); v > 0 {
		c.PollIntervalSeconds = v
	}
	if v := getEnvInt("REMINDER_LEAD_MINUTES"); v > 0 {
		c.ReminderLeadMinutes = v
	}
	if v := getEnvInt("ESCALATION_WINDOW_MINUTES"); v > 0 {
		c.EscalationWindowMinutes = v
	}
	if v := getEnvInt("DISPATCH_STALE_THRESHOLD_MINUTES"); v > 0 {
		c.DispatchStaleThresholdMinutes = v
	}
	if v := getEnvInt("CONSECUTIVE_MISS_THRESHOLD"); v > 0 {
		c.ConsecutiveMissThreshold = v
	}
	if v := getEnvInt("RECOVERY_INTERVAL_SECONDS"); v > 0 {
		c.RecoveryIntervalSeconds = v
	}
	if v := getEnvInt("DISPATCH_CONCURRENCY"); v > 0 {
		c.DispatchConcurrency = v
	}
	if v := getEnvInt("DISPATCH_BATCH_LIMIT"); v > 0 {
		c.DispatchBatchLimit = v
	}
	if v := getEnvInt("SEND_TIMEOUT_SECONDS"); v > 0 {
		c.SendTimeoutSeconds = v
	}
	if v := os.Getenv("PUSH_WEBHOOK_URL"); v != "" {
		c.PushWebhookURL = v
	}
	if v := os.Getenv("SECONDARY_WEBHOOK_URL"); v != "" {
		c.SecondaryWebhookURL = v
	}
	if v := os.Getenv("CALL_WEBHOOK_URL"); v != "" {
		c.CallWebhookURL = v
	}
	if v := os.Getenv("PUSH_COMMAND"); v != "" {
		c.PushCommand = v
	}
	if v := os.Getenv("SECONDARY_COMMAND"); v != "" {
		c.SecondaryCommand = v
	}
	if v := os.Getenv("CALL_COMMAND"); v != "" {
		c.CallCommand = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.KafkaBrokers = v
	}
	if v := os.Getenv("KAFKA_MISS_TOPIC"); v != "" {
		c.KafkaMissTopic = v
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database_url must be set")
	}
	if c.HTTPAddr == "" {
		return errors.New("http_addr must be set")
	}
	for name, v := range map[string]int{
		"poll_interval_seconds":            c.PollIntervalSeconds,
		"reminder_lead_minutes":            c.ReminderLeadMinutes,
		"escalation_window_minutes":        c.EscalationWindowMinutes,
		"dispatch_stale_threshold_minutes": c.DispatchStaleThresholdMinutes,
		"consecutive_miss_threshold":       c.ConsecutiveMissThreshold,
		"recovery_interval_seconds":        c.RecoveryIntervalSeconds,
		"dispatch_concurrency":             c.DispatchConcurrency,
		"dispatch_batch_limit":             c.DispatchBatchLimit,
		"send_timeout_seconds":             c.SendTimeoutSeconds,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	return nil
}

func getEnvInt(key string) int {
	val := os.Getenv(key)
	if val == "" {
		return 0
	}
	num, err := strconv.Atoi(val)
	if err != nil {
		return 0
	}
	return num
}
