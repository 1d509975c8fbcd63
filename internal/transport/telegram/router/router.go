package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ethgasmeter/internal/metrics"
	"ethgasmeter/internal/runtime/supervisor"
	kit "ethgasmeter/internal/transport"
	logx "ethgasmeter/pkg/logx"
)

const busyText = "Busy, try again in a moment"

type Command struct {
	Name        string   // without the leading slash, e.g. "gasprice"
	Aliases     []string // extra names routed to the same handler
	Description string   // shown in the Telegram command menu
	Hidden      bool     // routed but left out of the menu
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Update   kit.Update
	Chat     kit.ChatTarget
	FromID   int64
	Username string
	Command  string   // canonical name, "" for the fallback
	Args     []string // tokens after the command word
	ReqID    string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends text back to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

type Option func(*Router)

// WithWorkers sets the worker pool size (default NumCPU, at least 2).
func WithWorkers(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithQueueSize sets the job queue capacity (default 256).
func WithQueueSize(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option { return func(r *Router) { r.metrics = m } }

// WithSupervisor runs background work such as menu updates under sup.
func WithSupervisor(sup *supervisor.Supervisor) Option { return func(r *Router) { r.appSup = sup } }

// Router maps command words to handlers and runs them on a bounded worker
// pool. Text that matches no command goes to the fallback handler.
type Router struct {
	mu       sync.RWMutex
	commands map[string]*Command
	fallback *Command

	log       logx.Logger
	adapter   kit.Adapter
	metrics   *metrics.Metrics
	appSup    *supervisor.Supervisor
	workers   int
	queueSize int

	jobs chan func()
}

func New(log logx.Logger, adapter kit.Adapter, opts ...Option) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		commands:  map[string]*Command{},
		log:       log.With(logx.String("comp", "telegram.router")),
		adapter:   adapter,
		workers:   max(2, runtime.NumCPU()),
		queueSize: 256,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.jobs = make(chan func(), r.queueSize)
	return r
}

// SetCommands replaces the routing table and pushes the visible commands
// to the chat menu when the adapter supports it. fallback may be nil.
func (r *Router) SetCommands(cmds []Command, fallback HandlerFunc) {
	table := map[string]*Command{}
	menuCandidates := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		cc := c
		cc.Name = name
		table[name] = &cc
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			if _, exists := table[a]; !exists {
				table[a] = &cc
			}
		}
		if !cc.Hidden {
			menuCandidates = append(menuCandidates, cc)
		}
	}

	var fb *Command
	if fallback != nil {
		fb = &Command{Handle: fallback}
	}

	r.mu.Lock()
	r.commands = table
	r.fallback = fb
	r.mu.Unlock()

	up, ok := r.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	menu := buildMenuCommands(menuCandidates)
	run := func(parent context.Context) {
		ctx, cancel := context.WithTimeout(parent, 5*time.Second)
		defer cancel()
		if err := up.UpdateMenuCommands(ctx, menu); err != nil {
			r.log.Warn("menu update failed", logx.Err(err))
		}
	}
	if r.appSup != nil {
		r.appSup.Go0("telegram.menu.update", run)
		return
	}
	go run(context.Background())
}

// DispatchLoop consumes updates until ctx is done or updates is closed,
// then drains queued jobs for a short grace period.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(r.log),
		supervisor.WithCancelOnError(false),
	)
	r.log.Info("command dispatcher started", logx.Int("workers", r.workers), logx.Int("job_queue_cap", cap(r.jobs)))

	for i := 0; i < r.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			return r.worker(c, idx)
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithPublishFirstError(true),
			supervisor.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		// Let workers finish what is already queued.
		close(r.jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		sup.Cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) worker(ctx context.Context, idx int) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-r.jobs:
			if !ok {
				return nil
			}
			func() {
				defer func() {
					if rec := recover(); rec != nil {
						r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
					}
				}()
				job()
			}()
		}
	}
}

func (r *Router) route(ctx context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	word, args := splitCommand(msg.Text)

	r.mu.RLock()
	cmd := r.commands[word]
	fb := r.fallback
	r.mu.RUnlock()

	if word == "" || cmd == nil {
		if fb == nil {
			return
		}
		cmd = fb
	}
	r.enqueue(ctx, up, cmd, args)
}

func (r *Router) enqueue(ctx context.Context, up kit.Update, cmd *Command, args []string) {
	msg := up.Message
	rid := uuid.NewString()
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	req := &Request{
		Update:   up,
		Chat:     chat,
		FromID:   msg.FromID,
		Username: msg.FromUsername,
		Command:  cmd.Name,
		Args:     args,
		ReqID:    rid,
		Adapter:  r.adapter,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}

	final := Chain(
		cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWMetrics(r.metrics),
		MWTimeout(cmd.Timeout),
	)

	if !r.tryEnqueue(func() { _ = final(ctx, req) }) {
		r.log.Warn("command queue full", logx.String("cmd", cmd.Name))
		_, _ = r.adapter.SendText(ctx, chat, busyText, nil)
	}
}

// tryEnqueue never blocks and tolerates the jobs channel being closed.
func (r *Router) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}
