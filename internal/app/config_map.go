package app

import (
	"strings"
	"time"

	"ethgasmeter/internal/config"
	"ethgasmeter/internal/notifier"
	"ethgasmeter/internal/observability/ops"
	"ethgasmeter/internal/poller"
	"ethgasmeter/internal/storage"
	"ethgasmeter/internal/task/scheduler"
	logx "ethgasmeter/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ChatID:     l.Telegram.ChatID,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.TrimSpace(sc.Driver),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
	}, nil
}

func mapPollerConfig(cfg *config.Config) (poller.Config, error) {
	iv, err := config.ParseDurationField("poller.interval", cfg.Poller.Interval)
	if err != nil {
		return poller.Config{}, err
	}
	ft, err := config.ParseDurationOrDefault("poller.fetch_timeout", cfg.Poller.FetchTimeout, 30*time.Second)
	if err != nil {
		return poller.Config{}, err
	}
	return poller.Config{Interval: iv, FetchTimeout: ft}, nil
}

// mapNotifierConfig treats an omitted section as enabled with defaults.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{Enabled: true, RetryMax: 3}, nil
	}
	base, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	send, err := config.ParseDurationField("notifier.send_timeout", n.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:       cfg.NotifierEnabled(),
		Workers:       n.Workers,
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		SendTimeout:   send,
	}, nil
}

func maxParallel(cfg *config.Config) int {
	if cfg.Notifier == nil {
		return 0
	}
	return cfg.Notifier.MaxParallel
}

// mapOpsConfig defaults MaxPriceAge to three poll intervals.
func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	age, err := config.ParseDurationOrDefault("ops.max_price_age", o.MaxPriceAge, 3*cfg.PollInterval())
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Addr:          strings.TrimSpace(o.Addr),
		Pprof:         o.Pprof,
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		MaxPriceAge:   age,
		IdleTimeout:   60 * time.Second,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.SchedulerEnabled(),
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
	}
}
