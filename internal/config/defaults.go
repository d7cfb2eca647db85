package config

// DefaultConfig returns the built-in configuration. Every value can be
// overridden by the config file or the environment.
func DefaultConfig() *Config {
	return &Config{
		DatabaseURL: "file:nag.db",
		HTTPAddr:    ":8090",

		PollIntervalSeconds:           30,
		ReminderLeadMinutes:           10,
		EscalationWindowMinutes:       15,
		DispatchStaleThresholdMinutes: 10,
		ConsecutiveMissThreshold:      3,
		RecoveryIntervalSeconds:       120,
		DispatchConcurrency:           8,
		DispatchBatchLimit:            100,
		SendTimeoutSeconds:            10,

		KafkaMissTopic: "nag-miss-patterns",
	}
}
