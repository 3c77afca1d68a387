// Package config handles application configuration from flags and
// FEDLIST_* environment variables.
package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "FEDLIST"

// Supported store backends.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// Configuration keys. Flags are bound to viper under the same names.
const (
	KeyDataDir        = "data-dir"
	KeyStore          = "store"
	KeyDB             = "db"
	KeyTimeout        = "timeout"
	KeyLogLevel       = "log-level"
	KeyPrettyLog      = "pretty-log"
	KeyJSON           = "json"
	KeyUserAgent      = "user-agent"
	KeyTelegramToken  = "telegram-token"
	KeyTelegramChatID = "telegram-chat-id"
	KeyFeeds          = "feeds"
)

// DefaultUserAgent identifies probe requests.
const DefaultUserAgent = "fedlist-stats-fetcher/1.0"

// Config holds the application configuration.
type Config struct {
	DataDir        string
	Store          string
	DBPath         string
	Timeout        time.Duration
	LogLevel       string
	PrettyLog      bool
	JSON           bool
	UserAgent      string
	TelegramToken  string
	TelegramChatID int64
	Feeds          []string
}

// Defaults registers default values and environment lookup on v.
func Defaults(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyDataDir, "./data")
	v.SetDefault(KeyStore, StoreFile)
	v.SetDefault(KeyTimeout, 5*time.Second)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyUserAgent, DefaultUserAgent)
}

// Load reads and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	Defaults(v)

	cfg := &Config{
		DataDir:       strings.TrimSpace(v.GetString(KeyDataDir)),
		Store:         strings.ToLower(strings.TrimSpace(v.GetString(KeyStore))),
		DBPath:        strings.TrimSpace(v.GetString(KeyDB)),
		Timeout:       v.GetDuration(KeyTimeout),
		LogLevel:      strings.ToLower(v.GetString(KeyLogLevel)),
		PrettyLog:     v.GetBool(KeyPrettyLog),
		JSON:          v.GetBool(KeyJSON),
		UserAgent:     v.GetString(KeyUserAgent),
		TelegramToken: strings.TrimSpace(v.GetString(KeyTelegramToken)),
		Feeds:         splitList(v.GetString(KeyFeeds)),
	}

	if cfg.DataDir == "" {
		return nil, fmt.Errorf("%s must not be empty", KeyDataDir)
	}
	if cfg.Store != StoreFile && cfg.Store != StoreSQLite {
		return nil, fmt.Errorf("invalid %s %q: want %s or %s", KeyStore, cfg.Store, StoreFile, StoreSQLite)
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("invalid %s %q: must be a positive duration", KeyTimeout, v.GetString(KeyTimeout))
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "fedlist.db")
	}

	if raw := strings.TrimSpace(v.GetString(KeyTelegramChatID)); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", KeyTelegramChatID, raw, err)
		}
		cfg.TelegramChatID = id
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID == 0 {
		return nil, fmt.Errorf("%s is required when %s is set", KeyTelegramChatID, KeyTelegramToken)
	}

	return cfg, nil
}

// Path returns name inside the data directory.
func (c *Config) Path(name string) string {
	return filepath.Join(c.DataDir, name)
}

// NotifyEnabled reports whether run reports should be sent to Telegram.
func (c *Config) NotifyEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != 0
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
