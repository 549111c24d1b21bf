package config

// fileConfig is the on-disk TOML shape. Durations are written as Go
// duration strings ("5m0s").
type fileConfig struct {
	DataDir        string `toml:"data_dir"`
	LegacyPath     string `toml:"legacy_path"`
	SecretProvider string `toml:"secret_provider"`

	Remote struct {
		URL     string `toml:"url"`
		Token   string `toml:"token"`
		Timeout string `toml:"timeout"`
	} `toml:"remote"`

	Sync struct {
		Interval     string `toml:"interval"`
		Jitter       string `toml:"jitter"`
		CycleTimeout string `toml:"cycle_timeout"`
		InboxDir     string `toml:"inbox_dir"`
	} `toml:"sync"`

	Retry struct {
		BaseInterval string  `toml:"base_interval"`
		Multiplier   float64 `toml:"multiplier"`
		MaxInterval  string  `toml:"max_interval"`
		MaxAttempts  int     `toml:"max_attempts"`
	} `toml:"retry"`

	Dashboard DashboardConfig `toml:"dashboard"`
	Log       LogConfig       `toml:"log"`
}

func (c *Config) file() fileConfig {
	var f fileConfig
	f.DataDir = c.DataDir
	f.LegacyPath = c.LegacyPath
	f.SecretProvider = c.SecretProvider

	f.Remote.URL = c.Remote.URL
	f.Remote.Token = c.Remote.Token
	f.Remote.Timeout = c.Remote.Timeout.String()

	f.Sync.Interval = c.Sync.Interval.String()
	f.Sync.Jitter = c.Sync.Jitter.String()
	f.Sync.CycleTimeout = c.Sync.CycleTimeout.String()
	f.Sync.InboxDir = c.Sync.InboxDir

	f.Retry.BaseInterval = c.Retry.BaseInterval.String()
	f.Retry.Multiplier = c.Retry.Multiplier
	f.Retry.MaxInterval = c.Retry.MaxInterval.String()
	f.Retry.MaxAttempts = c.Retry.MaxAttempts

	f.Dashboard = c.Dashboard
	f.Log = c.Log
	return f
}
