package app

import (
	"context"
	"strings"
	"time"

	"ethgasmeter/internal/config"
	logx "ethgasmeter/pkg/logx"
)

const (
	jobMaintain     = "storage.maintain"
	jobStatusReport = "status.report"
)

type housekeepingJob struct {
	name     string
	field    string // config key
	schedule func(cfg *config.Config) string
	timeout  time.Duration
	run      func(a *App) func(ctx context.Context) error
}

var housekeeping = []housekeepingJob{
	{
		name:     jobMaintain,
		field:    "scheduler.maintain",
		schedule: func(cfg *config.Config) string { return cfg.Scheduler.Maintain },
		timeout:  2 * time.Minute,
		run:      func(a *App) func(ctx context.Context) error { return a.maintainStorage },
	},
	{
		name:     jobStatusReport,
		field:    "scheduler.status_report",
		schedule: func(cfg *config.Config) string { return cfg.Scheduler.StatusReport },
		timeout:  30 * time.Second,
		run:      func(a *App) func(ctx context.Context) error { return a.reportStatus },
	},
}

func scheduleOff(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), config.ScheduleOff)
}

// validateSchedules is installed as the reload validator.
func (a *App) validateSchedules(_ context.Context, cfg *config.Config) error {
	for _, j := range housekeeping {
		s := j.schedule(cfg)
		if scheduleOff(s) {
			continue
		}
		if err := a.sched.Validate(s); err != nil {
			return &config.Error{Field: j.field, Err: err}
		}
	}
	return nil
}

// registerJobs upserts every housekeeping job; "off" removes it.
func (a *App) registerJobs(cfg *config.Config) {
	for _, j := range housekeeping {
		s := j.schedule(cfg)
		if scheduleOff(s) {
			if a.sched.Remove(j.name) {
				a.log.Info("job disabled", logx.String("job", j.name))
			}
			continue
		}
		if err := a.sched.AddSchedule(j.name, s, j.timeout, j.run(a)); err != nil {
			a.log.Warn("job not scheduled", logx.String("job", j.name), logx.String("schedule", s), logx.Err(err))
		}
	}
}

func (a *App) maintainStorage(ctx context.Context) error {
	start := time.Now()
	if err := a.repo.Maintain(ctx); err != nil {
		return err
	}
	a.log.Info("storage maintenance done", logx.Duration("took", time.Since(start)))
	return nil
}

func (a *App) reportStatus(ctx context.Context) error {
	st, err := a.repo.Stats(ctx)
	if err != nil {
		return err
	}
	fields := []logx.Field{
		logx.Int("users", st.Users),
		logx.Int("active", st.Active),
		logx.Int("armed", st.Active-st.Notified),
		logx.Int("notified", st.Notified),
		logx.Int("subscribers", a.registry.Len()),
	}
	if c := a.sup.Counters(); c.Started > 0 {
		fields = append(fields, logx.Int64("goroutines", c.Active), logx.Uint64("restarts", c.Restarts))
	}
	if info, ok := a.poller.Latest(); ok {
		fields = append(fields,
			logx.Float64("gas_price_usd", info.GasPriceUSD),
			logx.Int64("gas_price_gwei", info.GasPrice),
			logx.Int64("eth_usd", info.EthUSD),
			logx.Duration("price_age", time.Since(info.FetchedAt).Round(time.Second)),
		)
	} else {
		fields = append(fields, logx.Bool("price_known", false))
	}
	a.log.Info("status", fields...)
	return nil
}
