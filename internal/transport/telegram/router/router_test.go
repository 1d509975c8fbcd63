package router

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	kit "ethgasmeter/internal/transport"
	logx "ethgasmeter/pkg/logx"
)

type fakeAdapter struct {
	mu    sync.Mutex
	sent  chan string
	menu  chan []kit.BotCommand
	chats []int64
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{sent: make(chan string, 16), menu: make(chan []kit.BotCommand, 1)}
}

func (a *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(ctx context.Context) error                         { return nil }

func (a *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	a.chats = append(a.chats, to.ChatID)
	a.mu.Unlock()
	a.sent <- text
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (a *fakeAdapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menu <- cmds
	return nil
}

func message(chatID int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: chatID, FromID: chatID, Text: text}}
}

func expectReply(t *testing.T, a *fakeAdapter, want string) {
	t.Helper()
	select {
	case got := <-a.sent:
		if got != want {
			t.Fatalf("reply = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no reply, want %q", want)
	}
}

func TestDispatchRoutesCommandsAndFallback(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter()
	r := New(logx.Nop(), a, WithWorkers(1))

	echo := func(ctx context.Context, req *Request) error {
		text := req.Command
		for _, arg := range req.Args {
			text += " " + arg
		}
		return req.Reply(ctx, text)
	}
	r.SetCommands([]Command{
		{Name: "echo", Aliases: []string{"e"}, Description: "echo args", Handle: echo},
		{Name: "secret", Hidden: true, Handle: echo},
	}, func(ctx context.Context, req *Request) error {
		return req.Reply(ctx, "fallback")
	})

	select {
	case menu := <-a.menu:
		want := []kit.BotCommand{{Command: "echo", Description: "echo args"}}
		if !reflect.DeepEqual(menu, want) {
			t.Fatalf("menu = %+v, want %+v", menu, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("menu not updated")
	}

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update)
	done := make(chan error, 1)
	go func() { done <- r.DispatchLoop(ctx, updates) }()

	updates <- message(1, "/echo a b")
	expectReply(t, a, "echo a b")
	updates <- message(1, "/E@gas_bot x")
	expectReply(t, a, "echo x")
	updates <- message(1, "/secret")
	expectReply(t, a, "secret")
	updates <- message(1, "/nope")
	expectReply(t, a, "fallback")
	updates <- message(1, "hello there")
	expectReply(t, a, "fallback")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("DispatchLoop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in       string
		wantWord string
		wantArgs []string
	}{
		{in: "/setthreshold 0.0001", wantWord: "setthreshold", wantArgs: []string{"0.0001"}},
		{in: "  /Stop@my_bot  ", wantWord: "stop", wantArgs: []string{}},
		{in: "/setthreshold -1", wantWord: "setthreshold", wantArgs: []string{"-1"}},
		{in: `/x "a b" c`, wantWord: "x", wantArgs: []string{"a b", "c"}},
		{in: "hello", wantWord: "", wantArgs: nil},
		{in: "", wantWord: "", wantArgs: nil},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			word, args := splitCommand(tt.in)
			if word != tt.wantWord {
				t.Fatalf("word = %q, want %q", word, tt.wantWord)
			}
			if len(args) != len(tt.wantArgs) || (len(args) > 0 && !reflect.DeepEqual(args, tt.wantArgs)) {
				t.Fatalf("args = %#v, want %#v", args, tt.wantArgs)
			}
		})
	}
}

func TestSanitizeTelegramCommand(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"gasprice":        "gasprice",
		"Set-Threshold":   "set_threshold",
		"gas__price":      "gas_price",
		"9lives":          "cmd_9lives",
		"!!!":             "",
		"/leading/slash/": "leading_slash",
	}
	for in, want := range tests {
		if got := sanitizeTelegramCommand(in); got != want {
			t.Fatalf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildMenuCommandsKeepsOrder(t *testing.T) {
	t.Parallel()
	got := buildMenuCommands([]Command{
		{Name: "help", Description: "show this text"},
		{Name: "gasprice", Description: "get current\ngas price"},
		{Name: "Help", Description: "duplicate"},
		{Name: "stop"},
	})
	want := []kit.BotCommand{
		{Command: "help", Description: "show this text"},
		{Command: "gasprice", Description: "get current gas price"},
		{Command: "stop", Description: "stop"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("menu = %+v, want %+v", got, want)
	}
}
