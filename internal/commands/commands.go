// Package commands implements the chat commands users send to the bot.
// The chat id doubles as the user id.
package commands

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"ethgasmeter/internal/gas"
	"ethgasmeter/internal/storage"
	"ethgasmeter/internal/transport/telegram/router"
	logx "ethgasmeter/pkg/logx"
)

const (
	HelpText = "Available commands:\n" +
		"  /help - show this text,\n" +
		"  /gasprice - get current gas price in USD,\n" +
		"  /setthreshold <threshold> - set gas price threshold in USD for notifications,\n" +
		"  /stop - stop notifications."

	GreetingText      = "Greetings! \n\n" + HelpText
	UsageText         = "Usage:\n/setthreshold 0.0001"
	NoThresholdText   = "Ooops, you've already have no threshold"
	StoppedText       = "Notification stopped"
	UnknownText       = "Unknown command. Try /help for command list"
	PriceMissingText  = "Gas price is not available yet, try again in a moment"
	InternalErrorText = "Something went wrong, try again later"
)

// maxAttempts bounds read-modify-write retries on version conflicts.
const maxAttempts = 3

var ErrTooManyConflicts = errors.New("too many concurrent updates")

// PriceSource is the poller's cache.
type PriceSource interface {
	LatestUSD() (float64, bool)
}

type Option func(*Handlers)

func WithLogger(log logx.Logger) Option {
	return func(h *Handlers) { h.log = log.With(logx.String("comp", "commands")) }
}

// WithTimeout bounds each command handler (default 10s).
func WithTimeout(d time.Duration) Option {
	return func(h *Handlers) {
		if d > 0 {
			h.timeout = d
		}
	}
}

type Handlers struct {
	repo    storage.UserRepository
	prices  PriceSource
	log     logx.Logger
	timeout time.Duration
}

func New(repo storage.UserRepository, prices PriceSource, opts ...Option) *Handlers {
	h := &Handlers{
		repo:    repo,
		prices:  prices,
		log:     logx.Nop(),
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handlers) Help() string { return HelpText }

func (h *Handlers) Unknown() string { return UnknownText }

// Start greets a new chat.
func (h *Handlers) Start(userID int64) string {
	h.log.Info("new client", logx.Int64("user_id", userID))
	return GreetingText
}

func (h *Handlers) GasPrice() string {
	usd, ok := h.prices.LatestUSD()
	if !ok {
		return PriceMissingText
	}
	return "Gas price: " + gas.FormatUSD(usd)
}

// ParseThreshold accepts a finite, strictly positive decimal.
func ParseThreshold(raw string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, false
	}
	return v, true
}

// SetThreshold stores a new threshold and re-arms the user. An invalid
// argument returns the usage text without touching storage.
func (h *Handlers) SetThreshold(ctx context.Context, userID int64, raw string) (string, error) {
	v, ok := ParseThreshold(raw)
	if !ok {
		return UsageText, nil
	}
	_, err := h.update(ctx, userID, func(u *storage.UserThreshold, exists bool) bool {
		u.Threshold = storage.Float(v)
		u.IsNotified = false
		return true
	})
	if err != nil {
		return InternalErrorText, err
	}
	h.log.Debug("threshold set", logx.Int64("user_id", userID), logx.Float64("threshold", v))
	return "Threshold for you is set to " + gas.FormatUSD(v), nil
}

// Stop clears the threshold. IsNotified is left alone; it is reset by the
// next /setthreshold.
func (h *Handlers) Stop(ctx context.Context, userID int64) (string, error) {
	changed, err := h.update(ctx, userID, func(u *storage.UserThreshold, exists bool) bool {
		if !exists || !u.Active() {
			return false
		}
		u.Threshold = nil
		return true
	})
	if err != nil {
		return InternalErrorText, err
	}
	if !changed {
		return NoThresholdText, nil
	}
	h.log.Debug("notifications stopped", logx.Int64("user_id", userID))
	return StoppedText, nil
}

// update runs a read-modify-write, retrying when the row changed between
// read and write. mutate returns false to skip the write.
func (h *Handlers) update(ctx context.Context, userID int64, mutate func(u *storage.UserThreshold, exists bool) bool) (bool, error) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		u, exists, err := h.repo.FindByID(ctx, userID)
		if err != nil {
			return false, fmt.Errorf("find user %d: %w", userID, err)
		}
		if !exists {
			u = storage.UserThreshold{UserID: userID}
		}
		if !mutate(&u, exists) {
			return false, nil
		}
		err = h.repo.Save(ctx, u)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return false, fmt.Errorf("save user %d: %w", userID, err)
		}
		h.log.Debug("row changed concurrently, retrying", logx.Int64("user_id", userID), logx.Int("attempt", attempt))
	}
	return false, fmt.Errorf("save user %d: %w", userID, ErrTooManyConflicts)
}

// Commands wires the handlers into the router. The second value handles
// every message that matches no command.
func (h *Handlers) Commands() ([]router.Command, router.HandlerFunc) {
	reply := func(fn func(ctx context.Context, req *router.Request) (string, error)) router.HandlerFunc {
		return func(ctx context.Context, req *router.Request) error {
			text, err := fn(ctx, req)
			if text != "" {
				if serr := req.Reply(ctx, text); serr != nil {
					err = errors.Join(err, fmt.Errorf("reply: %w", serr))
				}
			}
			return err
		}
	}

	cmds := []router.Command{
		{
			Name:    "start",
			Hidden:  true,
			Timeout: h.timeout,
			Handle: reply(func(ctx context.Context, req *router.Request) (string, error) {
				return h.Start(req.Chat.ChatID), nil
			}),
		},
		{
			Name:        "help",
			Description: "show this text",
			Timeout:     h.timeout,
			Handle: reply(func(ctx context.Context, req *router.Request) (string, error) {
				return h.Help(), nil
			}),
		},
		{
			Name:        "gasprice",
			Description: "get current gas price in USD",
			Timeout:     h.timeout,
			Handle: reply(func(ctx context.Context, req *router.Request) (string, error) {
				return h.GasPrice(), nil
			}),
		},
		{
			Name:        "setthreshold",
			Description: "set gas price threshold in USD for notifications",
			Timeout:     h.timeout,
			Handle: reply(func(ctx context.Context, req *router.Request) (string, error) {
				arg := ""
				if len(req.Args) > 0 {
					arg = req.Args[0]
				}
				return h.SetThreshold(ctx, req.Chat.ChatID, arg)
			}),
		},
		{
			Name:        "stop",
			Description: "stop notifications",
			Timeout:     h.timeout,
			Handle: reply(func(ctx context.Context, req *router.Request) (string, error) {
				return h.Stop(ctx, req.Chat.ChatID)
			}),
		},
	}
	unknown := reply(func(ctx context.Context, req *router.Request) (string, error) {
		return h.Unknown(), nil
	})
	return cmds, unknown
}
