package config

// DefaultHistoryPath is where runs are recorded unless configured otherwise
const DefaultHistoryPath = ".splitrun/history.db"

// Notification triggers
const (
	NotifyAlways   = "always"
	NotifyFailure  = "failure"
	NotifySuccess  = "success"
	NotifyRecovery = "recovery"
)

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Root:     ".",
		Pattern:  "*",
		Workers:  0, // one per CPU
		NotifyOn: NotifyFailure,
		Verbose:  BoolPtr(false),
		NoColor:  BoolPtr(false),
	}
}

// IsDefault returns true if the config matches defaults
func (c *Config) IsDefault() bool {
	defaults := DefaultConfig()
	return c.Command == defaults.Command &&
		c.Root == defaults.Root &&
		c.Pattern == defaults.Pattern &&
		c.Workers == defaults.Workers &&
		c.Shard == defaults.Shard &&
		c.Timeout == defaults.Timeout &&
		c.Shell == defaults.Shell &&
		c.WorkDir == defaults.WorkDir &&
		c.EnvFile == defaults.EnvFile &&
		len(c.Env) == 0 &&
		len(c.Before) == 0 &&
		len(c.After) == 0 &&
		c.WaitFor == defaults.WaitFor &&
		c.SpawnRate == defaults.SpawnRate &&
		c.History == nil &&
		c.MetricsFile == defaults.MetricsFile &&
		len(c.Notify) == 0 &&
		c.NotifyOn == defaults.NotifyOn &&
		c.GetVerbose() == defaults.GetVerbose() &&
		c.GetNoColor() == defaults.GetNoColor()
}
