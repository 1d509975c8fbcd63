// Package threshold tells users when the gas price reaches their threshold
// and re-arms them once it drops back below.
package threshold

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"ethgasmeter/internal/eventbus"
	"ethgasmeter/internal/gas"
	"ethgasmeter/internal/metrics"
	"ethgasmeter/internal/notifier"
	"ethgasmeter/internal/storage"
	logx "ethgasmeter/pkg/logx"
)

// SubscriberName is the registry key the notifier subscribes under.
const SubscriberName = "threshold"

// Sink delivers a text message to a chat user.
type Sink interface {
	Send(ctx context.Context, userID int64, text string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, userID int64, text string) error

func (f SinkFunc) Send(ctx context.Context, userID int64, text string) error {
	return f(ctx, userID, text)
}

// Result summarizes one pass. The sink is an async queue, so Queued and
// Failed count enqueue outcomes only; a later Telegram rejection shows up as
// a notifier.failed event.
type Result struct {
	PassID    string
	Entering  int // users marked notified
	Exiting   int // users re-armed
	Queued    int
	Failed    int
	Held      int // not marked because the sink is disabled or stopped
	Conflicts int // rows skipped because a command updated them mid-pass
}

type Option func(*Notifier)

func WithLogger(log logx.Logger) Option {
	return func(n *Notifier) { n.log = log.With(logx.String("comp", "threshold")) }
}

func WithMetrics(m *metrics.Metrics) Option { return func(n *Notifier) { n.metrics = m } }

func WithBus(bus eventbus.Bus) Option { return func(n *Notifier) { n.bus = bus } }

// WithMaxParallel bounds concurrent sends in a pass (default 16).
func WithMaxParallel(v int) Option {
	return func(n *Notifier) {
		if v > 0 {
			n.maxParallel = v
		}
	}
}

type Notifier struct {
	repo        storage.UserRepository
	sink        Sink
	log         logx.Logger
	metrics     *metrics.Metrics
	bus         eventbus.Bus
	maxParallel int

	// one pass at a time
	mu sync.Mutex
}

func New(repo storage.UserRepository, sink Sink, opts ...Option) *Notifier {
	n := &Notifier{
		repo:        repo,
		sink:        sink,
		log:         logx.Nop(),
		maxParallel: 16,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Message is the text sent to a user whose threshold was reached.
func Message(priceUSD float64) string {
	return "Notification!\nGas price: " + gas.FormatUSD(priceUSD)
}

// Handle matches subscription.Subscriber. Only persistence failures are
// returned; delivery failures are logged and counted in the pass result.
func (n *Notifier) Handle(ctx context.Context, info gas.Info) error {
	_, err := n.Evaluate(ctx, info)
	return err
}

// Evaluate runs one pass for info. Concurrent calls are serialized.
func (n *Notifier) Evaluate(ctx context.Context, info gas.Info) (Result, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	start := time.Now()
	price := info.GasPriceUSD
	res := Result{PassID: uuid.NewString()}
	log := n.log.With(logx.String("pass_id", res.PassID), logx.Float64("price_usd", price))

	var errs []error
	if err := n.enter(ctx, log, price, &res); err != nil {
		errs = append(errs, err)
	}
	if err := n.exit(ctx, log, price, &res); err != nil {
		errs = append(errs, err)
	}
	err := errors.Join(errs...)

	took := time.Since(start)
	n.metrics.ThresholdPass(res.Entering, res.Exiting, res.Conflicts, took)
	if res.Entering > 0 || res.Exiting > 0 || res.Conflicts > 0 || err != nil {
		log.Info("threshold pass done",
			logx.Int("entering", res.Entering),
			logx.Int("exiting", res.Exiting),
			logx.Int("queued", res.Queued),
			logx.Int("failed", res.Failed),
			logx.Int("held", res.Held),
			logx.Int("conflicts", res.Conflicts),
			logx.Duration("took", took),
		)
	}
	if n.bus != nil {
		n.bus.Publish(eventbus.Event{Type: eventbus.TypeThresholdPass, Data: res})
	}
	return res, err
}

func (n *Notifier) enter(ctx context.Context, log logx.Logger, price float64, res *Result) error {
	users, err := n.repo.FindWhere(ctx, storage.Entering(price))
	if err != nil {
		perr := &PersistenceError{Op: "find_entering", Err: err}
		log.Error("threshold lookup failed", logx.Err(perr))
		return perr
	}
	if len(users) == 0 {
		return nil
	}

	failures := n.deliver(ctx, users, Message(price))
	held := make(map[int64]bool)
	for _, f := range failures {
		if sinkOff(f.Err) {
			held[f.UserID] = true
			continue
		}
		log.Warn("notification failed", logx.Int64("user_id", f.UserID), logx.Err(f.Err))
	}
	res.Queued += len(users) - len(failures)
	res.Failed += len(failures) - len(held)
	res.Held += len(held)
	if len(held) > 0 {
		log.Warn("notifier not accepting messages, users left armed", logx.Int("users", len(held)))
	}

	// At most once: failed sends are marked too, otherwise a broken chat
	// would be retried on every publication. Users the sink refused outright
	// stay armed for the next publication.
	marked := users[:0]
	for _, u := range users {
		if held[u.UserID] {
			continue
		}
		u.IsNotified = true
		marked = append(marked, u)
	}
	if len(marked) == 0 {
		return nil
	}
	applied, err := n.save(ctx, log, "save_entering", marked, res)
	res.Entering += applied
	return err
}

func (n *Notifier) exit(ctx context.Context, log logx.Logger, price float64, res *Result) error {
	users, err := n.repo.FindWhere(ctx, storage.Exiting(price))
	if err != nil {
		perr := &PersistenceError{Op: "find_exiting", Err: err}
		log.Error("threshold lookup failed", logx.Err(perr))
		return perr
	}
	if len(users) == 0 {
		return nil
	}
	for i := range users {
		users[i].IsNotified = false
	}
	applied, err := n.save(ctx, log, "save_exiting", users, res)
	res.Exiting += applied
	return err
}

// save writes the batch and returns how many rows were applied. Conflicts
// are expected when a command touched the row mid-pass; the command's write
// stands and the next publication re-evaluates the row.
func (n *Notifier) save(ctx context.Context, log logx.Logger, op string, users []storage.UserThreshold, res *Result) (int, error) {
	err := n.repo.Save(ctx, users...)
	if err == nil {
		return len(users), nil
	}
	if ids := storage.Conflicting(err); ids != nil {
		res.Conflicts += len(ids)
		log.Debug("rows changed during pass, skipped", logx.String("op", op), logx.Any("user_ids", ids))
		return len(users) - len(ids), nil
	}
	perr := &PersistenceError{Op: op, Err: err}
	log.Error("threshold save failed", logx.Int("rows", len(users)), logx.Err(perr))
	return 0, perr
}

// deliver sends text to every user concurrently. One user's failure never
// blocks the others.
func (n *Notifier) deliver(ctx context.Context, users []storage.UserThreshold, text string) []*DeliveryError {
	errs := make([]error, len(users))
	var g errgroup.Group
	g.SetLimit(n.maxParallel)
	for i, u := range users {
		i, uid := i, u.UserID
		g.Go(func() error {
			errs[i] = n.sendOne(ctx, uid, text)
			return nil
		})
	}
	_ = g.Wait()

	var out []*DeliveryError
	for i, err := range errs {
		if err != nil {
			out = append(out, &DeliveryError{UserID: users[i].UserID, Err: err})
		}
	}
	return out
}

func (n *Notifier) sendOne(ctx context.Context, userID int64, text string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.New("sink panic")
		}
	}()
	if n.sink == nil {
		return errors.New("no sink configured")
	}
	return n.sink.Send(ctx, userID, text)
}

// sinkOff reports whether the message was refused because the outbound
// pipeline is disabled or shutting down, as opposed to failing to send.
func sinkOff(err error) bool {
	return errors.Is(err, notifier.ErrDisabled) || errors.Is(err, notifier.ErrStopped)
}
