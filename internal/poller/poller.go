// Package poller runs the fixed-delay fetch cycle and caches the latest
// price snapshot.
package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"ethgasmeter/internal/eventbus"
	"ethgasmeter/internal/gas"
	"ethgasmeter/internal/metrics"
	logx "ethgasmeter/pkg/logx"
)

var ErrInvalidInterval = errors.New("poller: interval must be positive")

const defaultFetchTimeout = 30 * time.Second

// Publisher receives every successful snapshot. subscription.Registry
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, info gas.Info) int
}

type Config struct {
	Interval     time.Duration // delay between the end of one cycle and the next
	FetchTimeout time.Duration // bounds a single fetch (default 30s)
}

type Option func(*Poller)

func WithBus(bus eventbus.Bus) Option { return func(p *Poller) { p.bus = bus } }

func WithMetrics(m *metrics.Metrics) Option { return func(p *Poller) { p.metrics = m } }

func WithLogger(log logx.Logger) Option {
	return func(p *Poller) { p.log = log.With(logx.String("comp", "poller")) }
}

type Poller struct {
	fetcher      gas.Fetcher
	pub          Publisher
	bus          eventbus.Bus
	metrics      *metrics.Metrics
	log          logx.Logger
	fetchTimeout time.Duration

	interval atomic.Int64
	latest   atomic.Pointer[gas.Info]

	mu   sync.Mutex
	task *Task
}

// New validates cfg and returns an idle poller. pub may be nil.
func New(cfg Config, fetcher gas.Fetcher, pub Publisher, opts ...Option) (*Poller, error) {
	if cfg.Interval <= 0 {
		return nil, ErrInvalidInterval
	}
	if fetcher == nil {
		return nil, errors.New("poller: nil fetcher")
	}
	p := &Poller{
		fetcher:      fetcher,
		pub:          pub,
		log:          logx.Nop(),
		fetchTimeout: cfg.FetchTimeout,
	}
	if p.fetchTimeout <= 0 {
		p.fetchTimeout = defaultFetchTimeout
	}
	p.interval.Store(int64(cfg.Interval))
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Latest returns the most recent snapshot. It never fetches.
func (p *Poller) Latest() (gas.Info, bool) {
	v := p.latest.Load()
	if v == nil {
		return gas.Info{}, false
	}
	return *v, true
}

// LatestUSD returns the most recent USD gas price.
func (p *Poller) LatestUSD() (float64, bool) {
	v := p.latest.Load()
	if v == nil {
		return 0, false
	}
	return v.GasPriceUSD, true
}

func (p *Poller) Interval() time.Duration { return time.Duration(p.interval.Load()) }

// SetInterval takes effect from the next wait.
func (p *Poller) SetInterval(d time.Duration) error {
	if d <= 0 {
		return ErrInvalidInterval
	}
	old := time.Duration(p.interval.Swap(int64(d)))
	if old != d {
		p.log.Info("poll interval changed", logx.Duration("old", old), logx.Duration("new", d))
	}
	return nil
}

// Start launches the cycle and fetches immediately. Calling Start while a
// task is running returns that task.
func (p *Poller) Start(ctx context.Context) *Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.task != nil && !p.task.finished() {
		return p.task
	}
	runCtx, cancel := context.WithCancel(ctx)
	t := &Task{cancel: cancel, done: make(chan struct{})}
	p.task = t
	go func() {
		defer close(t.done)
		p.run(runCtx)
	}()
	p.log.Info("poller started", logx.Duration("interval", p.Interval()))
	return t
}

// Stop stops the running task, if any.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	t := p.task
	p.mu.Unlock()
	if t == nil {
		return nil
	}
	err := t.Stop(ctx)
	if err == nil {
		p.log.Info("poller stopped")
	}
	return err
}

func (p *Poller) run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		p.cycle(ctx)
		if ctx.Err() != nil {
			return
		}
		timer.Reset(p.Interval())
	}
}

// cycle performs one fetch. The fetch and the publish are detached from
// ctx so a stop never interrupts them halfway; a result that arrives after
// ctx is cancelled is dropped.
func (p *Poller) cycle(ctx context.Context) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.fetchTimeout)
	defer cancel()

	start := time.Now()
	info, err := p.fetcher.Fetch(fctx)
	took := time.Since(start)

	if ctx.Err() != nil {
		p.log.Debug("poller stopped during fetch, result discarded", logx.Duration("took", took))
		return
	}
	if err != nil {
		p.onFailure(err, took)
		return
	}

	p.latest.Store(&info)
	p.metrics.FetchSucceeded(info.GasPrice, info.EthUSD, info.GasPriceUSD, took)
	p.log.Debug("gas info updated",
		logx.Int64("gas_price", info.GasPrice),
		logx.Int64("eth_usd", info.EthUSD),
		logx.Float64("gas_price_usd", info.GasPriceUSD),
		logx.Duration("took", took),
	)
	if p.pub != nil {
		if failed := p.pub.Publish(context.WithoutCancel(ctx), info); failed > 0 {
			p.log.Warn("some subscribers failed", logx.Int("failed", failed))
		}
	}
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeGasUpdated, Data: info})
	}
}

func (p *Poller) onFailure(err error, took time.Duration) {
	p.metrics.FetchFailed(took)
	fields := []logx.Field{logx.Err(err), logx.Duration("took", took)}
	var fe *gas.FetchError
	if errors.As(err, &fe) {
		fields = append(fields,
			logx.String("action", fe.Action),
			logx.Int("status", fe.StatusCode),
			logx.String("body", fe.Body),
		)
	}
	p.log.Warn("gas info fetch failed", fields...)
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeGasFetchFailed, Data: err})
	}
}

// Task is the handle of one running cycle.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop cancels the pending wait and blocks until the loop exits or ctx
// expires. An in-flight fetch finishes in the background and is dropped.
func (t *Task) Stop(ctx context.Context) error {
	t.cancel()
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the loop has exited.
func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
