// Package subscription holds the named set of consumers that receive every
// fresh gas.Info snapshot.
package subscription

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"ethgasmeter/internal/gas"
	logx "ethgasmeter/pkg/logx"
)

// Subscriber receives one snapshot. A returned error is logged and counted
// but does not affect other subscribers.
type Subscriber func(ctx context.Context, info gas.Info) error

type entry struct {
	name string
	fn   Subscriber
}

// Registry keeps subscribers in registration order. Identity is the name.
type Registry struct {
	mu   sync.RWMutex
	subs []entry
	log  logx.Logger
}

func New(log logx.Logger) *Registry {
	return &Registry{log: log.With(logx.String("comp", "subscription"))}
}

// Add registers fn under name. Adding an existing name is a no-op and keeps
// the original position and function.
func (r *Registry) Add(name string, fn Subscriber) bool {
	if fn == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.subs {
		if e.name == name {
			return false
		}
	}
	r.subs = append(r.subs, entry{name: name, fn: fn})
	return true
}

// Remove unregisters name. Removing an unknown name is a no-op.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.subs {
		if e.name == name {
			// copy so snapshots taken by an in-flight Publish stay intact
			next := make([]entry, 0, len(r.subs)-1)
			next = append(next, r.subs[:i]...)
			next = append(next, r.subs[i+1:]...)
			r.subs = next
			return true
		}
	}
	return false
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.subs))
	for i, e := range r.subs {
		out[i] = e.name
	}
	return out
}

// Publish delivers info to every subscriber registered at call time, one
// after another in registration order. Subscribers added or removed during
// delivery take effect from the next Publish. It returns the number of
// subscribers that failed.
func (r *Registry) Publish(ctx context.Context, info gas.Info) int {
	r.mu.RLock()
	snapshot := r.subs
	r.mu.RUnlock()

	failed := 0
	for _, e := range snapshot {
		if err := r.deliver(ctx, e, info); err != nil {
			failed++
			r.log.Warn("subscriber failed",
				logx.String("subscriber", e.name),
				logx.Err(err),
			)
		}
	}
	return failed
}

func (r *Registry) deliver(ctx context.Context, e entry, info gas.Info) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
			r.log.Error("subscriber panic",
				logx.String("subscriber", e.name),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	return e.fn(ctx, info)
}
