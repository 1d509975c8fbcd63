package notifier

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ethgasmeter/internal/eventbus"
	"ethgasmeter/internal/metrics"
	rtsup "ethgasmeter/internal/runtime/supervisor"
	kit "ethgasmeter/internal/transport"
	logx "ethgasmeter/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const ChannelTelegram = "telegram"

// run is one Start..Stop generation of the pipeline.
type run struct {
	queue    chan kit.Notification
	sup      *rtsup.Supervisor
	enqueues sync.WaitGroup // Notify calls between the accept check and the send
	stopping bool
	stopped  chan struct{}
}

// Service queues outbound messages and delivers them with a worker pool,
// a token bucket and bounded retries. Safe for concurrent use.
type Service struct {
	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus
	metrics *metrics.Metrics

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	cur     *run
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus, m *metrics.Metrics) *Service {
	s := &Service{
		adapter: adapter,
		log:     log.With(logx.String("comp", "notifier")),
		bus:     bus,
		metrics: m,
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps tuning at runtime. Worker count and queue size take effect
// on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	s.cfg = cfg
	// burst = one second worth of messages
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func withDefaults(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	cfg.RetryMax = max(cfg.RetryMax, 0)
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return cfg
}

// Start launches the workers. It is a no-op while running or disabled, and
// waits for an in-progress Stop first.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if prev := s.cur; prev != nil && prev.stopping {
		s.mu.Unlock()
		select {
		case <-prev.stopped:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()
	if s.cur != nil || !s.cfg.Enabled {
		return
	}

	r := &run{
		queue: make(chan kit.Notification, s.cfg.QueueSize),
		// Delivery problems are logged and counted, never fatal for the app.
		sup:     rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
		stopped: make(chan struct{}),
	}
	for i := 0; i < s.cfg.Workers; i++ {
		r.sup.GoRestart("notifier.worker."+strconv.Itoa(i), func(c context.Context) error {
			return s.work(c, r.queue)
		}, rtsup.WithPublishFirstError(true))
	}
	s.cur = r
	s.log.Info("notifier started", logx.Int("workers", s.cfg.Workers), logx.Int("queue_cap", cap(r.queue)))
}

// Stop refuses new messages and delivers what is queued until ctx ends.
// Whatever is left after that is dropped.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	r := s.cur
	if r == nil {
		s.mu.Unlock()
		return
	}
	if !r.stopping {
		r.stopping = true
		go s.drain(r)
	}
	s.mu.Unlock()

	select {
	case <-r.stopped:
		s.log.Info("notifier stopped")
	case <-ctx.Done():
		s.log.Warn("notifier drain timed out", logx.Int("pending", len(r.queue)))
		r.sup.Cancel()
	}
}

func (s *Service) drain(r *run) {
	defer close(r.stopped)
	r.enqueues.Wait()
	close(r.queue)
	_ = r.sup.Wait(context.Background())

	s.mu.Lock()
	if s.cur == r {
		s.cur = nil
	}
	s.mu.Unlock()
}

// Send queues a plain text message to a user's private chat.
func (s *Service) Send(ctx context.Context, userID int64, text string) error {
	return s.Notify(ctx, kit.Notification{
		Channel: ChannelTelegram,
		Target:  kit.ChatTarget{ChatID: userID},
		Text:    text,
		Options: &kit.SendOptions{DisablePreview: true},
	})
}

// Notify queues n without blocking. A full queue drops the message.
func (s *Service) Notify(ctx context.Context, n kit.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	r := s.cur
	if r == nil || r.stopping {
		s.mu.Unlock()
		return ErrStopped
	}
	r.enqueues.Add(1)
	s.mu.Unlock()
	defer r.enqueues.Done()

	select {
	case r.queue <- n:
		return nil
	default:
		s.metrics.Notification("dropped")
		s.publish(eventbus.TypeNotifierDropped, n, 0, ErrQueueFull)
		return ErrQueueFull
	}
}

// work returns nil once the queue is closed and drained.
func (s *Service) work(ctx context.Context, q <-chan kit.Notification) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-q:
			if !ok {
				return nil
			}
			s.deliver(ctx, n)
		}
	}
}

func (s *Service) deliver(ctx context.Context, n kit.Notification) {
	if n.Text == "" || s.adapter == nil {
		return
	}
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	attempts := 1 + cfg.RetryMax
	var err error
	tried := 0
	for tried < attempts {
		if err = lim.Wait(ctx); err != nil {
			break
		}
		tried++
		sendCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err = s.adapter.SendText(sendCtx, n.Target, n.Text, n.Options)
		cancel()
		if err == nil {
			s.metrics.Notification("sent")
			s.publish(eventbus.TypeNotifierSent, n, tried, nil)
			return
		}
		s.log.Debug("send attempt failed",
			logx.Int64("chat_id", n.Target.ChatID),
			logx.Int("attempt", tried),
			logx.Int("of", attempts),
			logx.Err(err),
		)
		if tried == attempts {
			break
		}
		if !sleepCtx(ctx, retryDelay(cfg, tried)) {
			err = ctx.Err()
			break
		}
	}

	s.metrics.Notification("failed")
	s.log.Warn("notification not delivered", logx.Int64("chat_id", n.Target.ChatID), logx.Int("attempts", tried), logx.Err(err))
	s.publish(eventbus.TypeNotifierFailed, n, tried, err)
}

func (s *Service) publish(typ string, n kit.Notification, attempts int, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := NotificationEvent{
		Channel:  n.Channel,
		ChatID:   n.Target.ChatID,
		ThreadID: n.Target.ThreadID,
		Attempts: attempts,
		At:       now,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// retryDelay is the wait after failed attempt n (1-based): RetryBase
// doubled per attempt with ±30% jitter, never above RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	cfg = withDefaults(cfg)
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(min(d, cfg.RetryMaxDelay)) * (0.7 + 0.6*rand.Float64()))
	return min(d, cfg.RetryMaxDelay)
}
