package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"ethgasmeter/internal/eventbus"
	logx "ethgasmeter/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"
	// HistorySize caps the run history (default 50).
	HistorySize int
}

// Job is a unit of housekeeping work.
type Job func(ctx context.Context) error

type scheduleDef struct {
	name    string
	spec    string // normalized cron spec
	timeout time.Duration
	job     Job
	entryID cron.EntryID
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// base is the parent of every job context; cancelled by Stop.
	base   context.Context
	cancel context.CancelFunc

	hmu     sync.Mutex
	history []HistoryItem
}

type ScheduleInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
}

// HistoryItem records one finished run.
type HistoryItem struct {
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

// TaskEvent is published on the bus after each run.
type TaskEvent = HistoryItem

type Snapshot struct {
	Enabled   bool
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
	History   []HistoryItem
}
