package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variables overlaying the file. The names are the ones the
// service has always been deployed with.
const (
	EnvAPIKey        = "ETHERSCAN_API_KEY"
	EnvUpdateDelay   = "INFO_UPDATE_DELAY" // milliseconds
	EnvBotToken      = "TELEGRAM_BOT_TOKEN"
	EnvDatabasePath  = "SQLITE_DATABASE_PATH"
	EnvEtherscanURL  = "ETHERSCAN_BASE_URL"
	EnvLogLevel      = "LOG_LEVEL"
	EnvMetricsAddr   = "METRICS_ADDR"
	EnvLogChatID     = "LOG_CHAT_ID"
	EnvStorageDriver = "STORAGE_DRIVER"
)

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

var errNotPositiveInt = errors.New("must be a positive integer")

// ApplyEnv overlays set (non-empty) environment variables onto cfg.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvAPIKey); ok {
		cfg.Etherscan.APIKey = v
	}
	if v, ok := get(EnvBotToken); ok {
		cfg.Telegram.Token = v
	}
	if v, ok := get(EnvEtherscanURL); ok {
		cfg.Etherscan.BaseURL = v
	}
	if v, ok := get(EnvDatabasePath); ok {
		cfg.Storage.Path = v
	}
	if v, ok := get(EnvStorageDriver); ok {
		cfg.Storage.Driver = v
	}
	if v, ok := get(EnvLogLevel); ok {
		cfg.Logging.Level = v
	}
	if v, ok := get(EnvMetricsAddr); ok {
		cfg.Ops.Addr = v
	}
	if v, ok := get(EnvLogChatID); ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return &Error{Field: EnvLogChatID, Err: err}
		}
		cfg.Logging.Telegram.ChatID = id
	}
	if v, ok := get(EnvUpdateDelay); ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms <= 0 {
			return &Error{Field: EnvUpdateDelay, Err: errNotPositiveInt}
		}
		cfg.Poller.Interval = (time.Duration(ms) * time.Millisecond).String()
	}
	return nil
}
