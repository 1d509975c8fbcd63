package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	kit "ethgasmeter/internal/transport"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// TelegramConfig mirrors events at or above MinLevel (default warn) into
// an admin chat. ChatID 0 keeps the sink idle.
type TelegramConfig struct {
	Enabled    bool
	ChatID     int64
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

const defaultLogFile = "./ethgasmeter.log"

// Service owns the sinks. Apply rebuilds them; Loggers handed out earlier
// pick up the change on their next event.
type Service struct {
	zl atomic.Pointer[zerolog.Logger]

	// stdout is where console output goes; tests swap it.
	stdout io.Writer

	mu   sync.Mutex
	file *os.File
	tg   *telegramSink
}

// New applies cfg and returns the service plus its root Logger. sender may
// be nil and attached later with SetSender.
func New(cfg Config, sender kit.Adapter) (*Service, Logger) {
	s := &Service{stdout: os.Stdout, tg: newTelegramSink(sender)}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.zl.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetSender attaches the chat adapter. The adapter is built after the
// logger since it logs its own startup.
func (s *Service) SetSender(sender kit.Adapter) { s.tg.setSender(sender) }

// Close flushes the Telegram sink and closes the log file.
func (s *Service) Close() error {
	s.tg.close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Apply swaps outputs and levels at runtime.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, s.console())
	}

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %s: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}

	s.tg.apply(cfg.Telegram)
	if cfg.Telegram.Enabled {
		writers = append(writers, s.tg)
	}

	// Never go silent: with no sink configured, fall back to the console.
	if len(writers) == 0 {
		writers = append(writers, s.console())
	}
	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.zl.Store(&zl)
}

func (s *Service) console() io.Writer {
	return zerolog.ConsoleWriter{
		Out:        s.stdout,
		TimeFormat: timeFormat,
		FormatCaller: func(i any) string {
			c, _ := i.(string)
			return c
		},
	}
}
