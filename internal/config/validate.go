package config

import (
	"errors"
	"net"
	"strings"
	"time"
)

const (
	DefaultMaintainSchedule     = "@daily"
	DefaultStatusReportSchedule = "@hourly"

	// ScheduleOff disables a single housekeeping job.
	ScheduleOff = "off"
)

var (
	errRequired       = errors.New("required")
	errNotPositiveDur = errors.New("must be > 0")
)

// ApplyDefaults fills values that have a sensible default. Secrets and the
// poll interval have none.
func ApplyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if strings.TrimSpace(cfg.Scheduler.Maintain) == "" {
		cfg.Scheduler.Maintain = DefaultMaintainSchedule
	}
	if strings.TrimSpace(cfg.Scheduler.StatusReport) == "" {
		cfg.Scheduler.StatusReport = DefaultStatusReportSchedule
	}
}

// SchedulerEnabled reports whether housekeeping jobs run (default true).
func (c *Config) SchedulerEnabled() bool {
	return c.Scheduler.Enabled == nil || *c.Scheduler.Enabled
}

// NotifierEnabled reports whether outbound notifications run (default true).
func (c *Config) NotifierEnabled() bool {
	return c.Notifier == nil || c.Notifier.Enabled == nil || *c.Notifier.Enabled
}

// PollInterval returns the validated poll interval.
func (c *Config) PollInterval() time.Duration {
	d, _ := ParseDurationField("poller.interval", c.Poller.Interval)
	return d
}

// Validate returns the first problem as a *Error.
func Validate(cfg *Config) error {
	if cfg == nil {
		return &Error{Field: "config", Err: errRequired}
	}
	if strings.TrimSpace(cfg.Etherscan.APIKey) == "" {
		return &Error{Field: "etherscan.api_key (" + EnvAPIKey + ")", Err: errRequired}
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return &Error{Field: "telegram.token (" + EnvBotToken + ")", Err: errRequired}
	}

	if strings.TrimSpace(cfg.Poller.Interval) == "" {
		return &Error{Field: "poller.interval (" + EnvUpdateDelay + ")", Err: errRequired}
	}
	iv, err := ParseDurationField("poller.interval", cfg.Poller.Interval)
	if err != nil {
		return err
	}
	if iv <= 0 {
		return &Error{Field: "poller.interval", Err: errNotPositiveDur}
	}

	durations := []struct{ path, raw string }{
		{"etherscan.timeout", cfg.Etherscan.Timeout},
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"poller.fetch_timeout", cfg.Poller.FetchTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"ops.max_price_age", cfg.Ops.MaxPriceAge},
	}
	if n := cfg.Notifier; n != nil {
		durations = append(durations,
			struct{ path, raw string }{"notifier.retry_base", n.RetryBase},
			struct{ path, raw string }{"notifier.retry_max_delay", n.RetryMaxDelay},
			struct{ path, raw string }{"notifier.send_timeout", n.SendTimeout},
		)
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.MaxParallel < 0 {
			return &Error{Field: "notifier", Err: errors.New("counts must be >= 0")}
		}
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "memory", "mem":
	default:
		return fieldErr("storage.driver", "unknown driver %q", cfg.Storage.Driver)
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return &Error{Field: "scheduler.timezone", Err: err}
		}
	}

	if cfg.Logging.Telegram.RatePerSec < 0 {
		return fieldErr("logging.telegram.rate_per_sec", "must be >= 0")
	}

	if o := cfg.Ops; o.Pprof && strings.TrimSpace(o.Addr) != "" {
		if !isLoopbackAddr(o.Addr) && strings.TrimSpace(o.Token) == "" && !o.AllowInsecure {
			return fieldErr("ops.pprof", "non-loopback addr %q requires ops.token or ops.allow_insecure", o.Addr)
		}
	}
	return nil
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
