package agenthub

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Default configuration values.
const (
	// DefaultMaxEventDepth caps cascading event recursion.
	DefaultMaxEventDepth = 10

	// DefaultHandlerTimeout bounds a single agent handler invocation.
	DefaultHandlerTimeout = 30 * time.Second

	// DefaultToolTimeout bounds a single tool execution.
	DefaultToolTimeout = 30 * time.Second

	// DefaultRecentEventsLimit is the size of the recent-events window agents
	// receive in their context.
	DefaultRecentEventsLimit = 10
)

// Config holds the orchestrator configuration. The zero value is usable:
// every field has a default applied by New.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string. Used by Open; not
	// required when a Store is constructed directly.
	DatabaseURL string

	// CacheURL is an optional redis:// URL. When empty the orchestrator runs
	// without a cache.
	CacheURL string

	// MaxEventDepth caps cascading event recursion (default 10).
	MaxEventDepth int

	// HandlerTimeout bounds each agent handler invocation (default 30s).
	HandlerTimeout time.Duration

	// ToolTimeout bounds each tool execution (default 30s).
	ToolTimeout time.Duration

	// RecentEventsLimit is the number of recent events included in agent
	// context (default 10).
	RecentEventsLimit int

	// Logger receives structured logs. Defaults to slog.Default().
	Logger *slog.Logger

	// OnError is called for contained failures the orchestrator absorbs, such
	// as failed cascades and failed agent handlers. Optional.
	OnError func(err error)
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		MaxEventDepth:     DefaultMaxEventDepth,
		HandlerTimeout:    DefaultHandlerTimeout,
		ToolTimeout:       DefaultToolTimeout,
		RecentEventsLimit: DefaultRecentEventsLimit,
	}
}

// withDefaults fills zero-valued fields with defaults.
func (c Config) withDefaults() Config {
	if c.MaxEventDepth <= 0 {
		c.MaxEventDepth = DefaultMaxEventDepth
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = DefaultHandlerTimeout
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = DefaultToolTimeout
	}
	if c.RecentEventsLimit <= 0 {
		c.RecentEventsLimit = DefaultRecentEventsLimit
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// LoadConfig builds a Config from the environment, loading a .env file first
// when one exists. Recognized variables: DATABASE_URL, CACHE_URL,
// MAX_EVENT_DEPTH, AGENT_HANDLER_TIMEOUT, TOOL_TIMEOUT, RECENT_EVENTS_LIMIT.
func LoadConfig() (Config, error) {
	// Missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	cfg := DefaultConfig()
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.CacheURL = os.Getenv("CACHE_URL")

	if v := os.Getenv("MAX_EVENT_DEPTH"); v != "" {
		depth, err := strconv.Atoi(v)
		if err != nil || depth <= 0 {
			return Config{}, fmt.Errorf("%w: MAX_EVENT_DEPTH must be a positive integer, got %q", ErrInvalidConfig, v)
		}
		cfg.MaxEventDepth = depth
	}
	if v := os.Getenv("AGENT_HANDLER_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("%w: AGENT_HANDLER_TIMEOUT must be a positive duration, got %q", ErrInvalidConfig, v)
		}
		cfg.HandlerTimeout = d
	}
	if v := os.Getenv("TOOL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("%w: TOOL_TIMEOUT must be a positive duration, got %q", ErrInvalidConfig, v)
		}
		cfg.ToolTimeout = d
	}
	if v := os.Getenv("RECENT_EVENTS_LIMIT"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return Config{}, fmt.Errorf("%w: RECENT_EVENTS_LIMIT must be a positive integer, got %q", ErrInvalidConfig, v)
		}
		cfg.RecentEventsLimit = limit
	}

	return cfg, nil
}
