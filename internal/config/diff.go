package config

import (
	"reflect"
	"sort"
	"strings"

	logx "ethgasmeter/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe attrs for
// logging (never secrets). Sections listed in the second return value
// only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	restart := make([]string, 0, 3)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Poller != newCfg.Poller {
		changed = append(changed, "poller")
		attrs = append(attrs,
			logx.String("poller.interval", strings.TrimSpace(newCfg.Poller.Interval)),
			logx.String("poller.fetch_timeout", strings.TrimSpace(newCfg.Poller.FetchTimeout)),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", newCfg.NotifierEnabled()),
				logx.Int("notifier.rate_per_sec", n.RatePerSec),
				logx.Int("notifier.retry_max", n.RetryMax),
			)
		}
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.SchedulerEnabled()),
			logx.String("scheduler.maintain", newCfg.Scheduler.Maintain),
			logx.String("scheduler.status_report", newCfg.Scheduler.StatusReport),
		)
	}

	// Token and key are compared but never logged.
	if oldCfg.Etherscan != newCfg.Etherscan {
		restart = append(restart, "etherscan")
	}
	if oldCfg.Telegram != newCfg.Telegram {
		restart = append(restart, "telegram")
	}
	if oldCfg.Storage != newCfg.Storage {
		restart = append(restart, "storage")
	}
	if oldCfg.Ops != newCfg.Ops {
		restart = append(restart, "ops")
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, restart, attrs
}
