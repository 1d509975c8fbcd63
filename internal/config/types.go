package config

// Config is the on-disk shape. Every field is optional in the file; the
// environment overlays it (see ApplyEnv) and Validate decides what is
// missing.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Etherscan EtherscanConfig `json:"etherscan"`
	Telegram  TelegramConfig  `json:"telegram"`
	Poller    PollerConfig    `json:"poller"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Ops       OpsConfig       `json:"ops"`

	// Notifier may be omitted; the pipeline then runs enabled with defaults.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
}

type EtherscanConfig struct {
	APIKey  string `json:"api_key"` // do not log
	BaseURL string `json:"base_url,omitempty"`
	Timeout string `json:"timeout,omitempty"` // per HTTP call, default "10s"
}

type TelegramConfig struct {
	Token string `json:"token"` // do not log
	// PollTimeout is the getUpdates long-poll window, default "10s".
	PollTimeout string `json:"poll_timeout,omitempty"`
	APIURL      string `json:"api_url,omitempty"`
}

type PollerConfig struct {
	// Interval between the end of one fetch cycle and the start of the next.
	Interval string `json:"interval"`
	// FetchTimeout bounds one cycle, default "30s".
	FetchTimeout string `json:"fetch_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors warnings and errors into an admin chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// NotifierConfig controls the async notification pipeline. Enabled is a
// pointer so a section that only tunes workers or rates stays on.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 512
//   - rate_per_sec: 20
//   - retry_base: "500ms", retry_max_delay: "10s"
//   - send_timeout: "10s"
//   - max_parallel: 16 (concurrent sends inside one threshold pass)
type NotifierConfig struct {
	Enabled       *bool  `json:"enabled,omitempty"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	MaxParallel   int    `json:"max_parallel,omitempty"`
}

// StorageConfig selects the user repository.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "data/db.sqlite" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // "sqlite" (default) or "memory"
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls housekeeping jobs. Schedules use cron syntax
// with an optional seconds field, or descriptors such as "@daily".
// "off" disables a single job.
//
// Enabled is a pointer so an omitted section defaults to on.
type SchedulerConfig struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
	Maintain     string `json:"maintain,omitempty"`
	StatusReport string `json:"status_report,omitempty"`
}

// OpsConfig controls the operational HTTP server (/metrics, /healthz and
// optionally /debug/pprof/). An empty Addr disables it.
//
// Prefer binding to localhost. A non-loopback address with pprof enabled
// requires a token or allow_insecure.
type OpsConfig struct {
	Addr          string `json:"addr,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	Token         string `json:"token,omitempty"` // bearer token for pprof (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	// MaxPriceAge marks /healthz unhealthy when the latest price is older.
	// Default: three poll intervals.
	MaxPriceAge string `json:"max_price_age,omitempty"`
}
