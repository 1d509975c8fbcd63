package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "ethgasmeter/internal/transport"
)

const (
	tgQueueSize   = 128
	tgMessageMax  = 3500
	tgValueMax    = 600
	tgSendTimeout = 10 * time.Second
)

// telegramSink is a zerolog.LevelWriter that queues formatted events for a
// single background sender. Writes never block; overflow and rate-limited
// events are dropped.
type telegramSink struct {
	queue chan telegramLine

	mu       sync.Mutex
	sender   kit.Adapter
	target   kit.ChatTarget
	minLevel zerolog.Level
	limiter  *rate.Limiter
	cancel   context.CancelFunc
	done     chan struct{}
}

type telegramLine struct {
	to   kit.ChatTarget
	text string
}

func newTelegramSink(sender kit.Adapter) *telegramSink {
	return &telegramSink{
		queue:    make(chan telegramLine, tgQueueSize),
		sender:   sender,
		minLevel: zerolog.WarnLevel,
	}
}

func (t *telegramSink) setSender(sender kit.Adapter) {
	t.mu.Lock()
	t.sender = sender
	t.mu.Unlock()
}

func (t *telegramSink) apply(cfg TelegramConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.target = kit.ChatTarget{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID}
	t.minLevel = ParseLevel(cfg.MinLevel, zerolog.WarnLevel)
	rps := max(1, cfg.RatePerSec)
	t.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	if cfg.Enabled && t.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel
		t.done = make(chan struct{})
		go t.run(ctx, t.done)
	}
}

func (t *telegramSink) close() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (t *telegramSink) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-t.queue:
			t.mu.Lock()
			sender := t.sender
			t.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, tgSendTimeout)
			_, _ = sender.SendText(sctx, line.to, line.text, &kit.SendOptions{DisablePreview: true})
			cancel()
		}
	}
}

func (t *telegramSink) Write(p []byte) (int, error) {
	return t.WriteLevel(zerolog.NoLevel, p)
}

func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	to, lim, minLevel := t.target, t.limiter, t.minLevel
	t.mu.Unlock()

	if to.ChatID == 0 || level < minLevel || level == zerolog.NoLevel || !lim.Allow() {
		return len(p), nil
	}
	select {
	case t.queue <- telegramLine{to: to, text: formatEvent(p)}:
	default:
	}
	return len(p), nil
}

// formatEvent renders one JSON event as
//
//	[WARN] message
//	key: value
//
// with keys sorted. Non-JSON input is passed through truncated.
func formatEvent(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var ev map[string]any
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return clip(raw, tgMessageMax)
	}

	var b strings.Builder
	if lvl, _ := ev[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := ev[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	delete(ev, zerolog.LevelFieldName)
	delete(ev, zerolog.MessageFieldName)
	delete(ev, zerolog.TimestampFieldName)
	keys := make([]string, 0, len(ev))
	for k := range ev {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, clip(fmt.Sprint(ev[k]), tgValueMax))
	}
	return clip(b.String(), tgMessageMax)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
