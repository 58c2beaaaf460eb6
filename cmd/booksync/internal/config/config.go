package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/recomma/booksync/decimals"
	"github.com/recomma/booksync/hl"
	rlog "github.com/recomma/booksync/log"
)

// EnvPrefix prefixes the environment fallback of every flag.
const EnvPrefix = "BOOKSYNC_"

const (
	SourceWSFeed      = "wsfeed"
	SourceHyperliquid = "hyperliquid"
)

type AppConfig struct {
	Source      string
	FeedURL     string
	Hyperliquid hl.ClientConfig
	EthRPCURL   string

	StoragePath       string
	SnapshotRetention time.Duration
	HTTPListen        string
	CORSOrigins       []string
	GetTimeout        time.Duration

	MaxRetries        int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	MinFetchInterval  time.Duration
	Continuous        bool
	IncludeHistorical bool

	StaleAfter    time.Duration
	SweepInterval time.Duration
	BalanceTTL    time.Duration
	BalanceSweep  time.Duration

	Chain           string
	Decimals        map[string]int
	DefaultDecimals int

	LogLevel      string
	LogFormatJSON bool
	LogGroups     []string
	LogFile       string
}

func DefaultConfig() AppConfig {
	return AppConfig{
		Source:            SourceWSFeed,
		Hyperliquid:       hl.ClientConfig{},
		StoragePath:       "booksync.sqlite3",
		SnapshotRetention: 24 * time.Hour,
		HTTPListen:        ":8080",
		GetTimeout:        15 * time.Second,
		MaxRetries:        3,
		RetryBaseDelay:    time.Second,
		RetryMaxDelay:     30 * time.Second,
		MinFetchInterval:  time.Second,
		Continuous:        true,
		IncludeHistorical: true,
		StaleAfter:        5 * time.Minute,
		SweepInterval:     5 * time.Minute,
		BalanceTTL:        30 * time.Second,
		BalanceSweep:      60 * time.Second,
		Chain:             "ethereum",
		Decimals:          map[string]int{},
		DefaultDecimals:   decimals.Default,
		LogLevel:          "info",
	}
}

// NewConfigFlagSet declares the flags against the provided struct but does not parse.
func NewConfigFlagSet(cfg *AppConfig) *pflag.FlagSet {
	fs := pflag.NewFlagSet("booksync", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringVar(&cfg.Source, "source", cfg.Source, "Order stream source: wsfeed or hyperliquid")
	fs.StringVar(&cfg.FeedURL, "feed-url", cfg.FeedURL, "Websocket URL of the order feed (wsfeed source)")
	fs.StringVar(&cfg.Hyperliquid.BaseURL, "hyperliquid-api-url", cfg.Hyperliquid.BaseURL, "Hyperliquid API base URL, testnet when empty")
	fs.StringVar(&cfg.EthRPCURL, "eth-rpc-url", cfg.EthRPCURL, "Ethereum JSON-RPC URL for balance reads; balances are disabled when empty")

	fs.StringVar(&cfg.StoragePath, "storage-path", cfg.StoragePath, "SQLite snapshot database; empty disables persistence")
	fs.DurationVar(&cfg.SnapshotRetention, "snapshot-retention", cfg.SnapshotRetention, "Drop persisted snapshots older than this at startup")
	fs.StringVar(&cfg.HTTPListen, "http-listen", cfg.HTTPListen, "HTTP listen address")
	fs.StringSliceVar(&cfg.CORSOrigins, "cors-origin", cfg.CORSOrigins, "Allowed CORS origins, \"*\" for any; defaults to the listen address")
	fs.DurationVar(&cfg.GetTimeout, "get-timeout", cfg.GetTimeout, "How long a book request waits for the first load")

	fs.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "Transient failures before a subscription gives up")
	fs.DurationVar(&cfg.RetryBaseDelay, "retry-base-delay", cfg.RetryBaseDelay, "Backoff after the first failure, doubled per retry")
	fs.DurationVar(&cfg.RetryMaxDelay, "retry-max-delay", cfg.RetryMaxDelay, "Backoff ceiling")
	fs.DurationVar(&cfg.MinFetchInterval, "min-fetch-interval", cfg.MinFetchInterval, "Minimum spacing of manual refreshes")
	fs.BoolVar(&cfg.Continuous, "continuous", cfg.Continuous, "Keep order streams open after the initial snapshot")
	fs.BoolVar(&cfg.IncludeHistorical, "include-historical", cfg.IncludeHistorical, "Request historical entries when subscribing")

	fs.DurationVar(&cfg.StaleAfter, "stale-after", cfg.StaleAfter, "Age after which a cached book is revalidated")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "Interval of the book cache sweep")
	fs.DurationVar(&cfg.BalanceTTL, "balance-ttl", cfg.BalanceTTL, "How long a balance read is reused")
	fs.DurationVar(&cfg.BalanceSweep, "balance-sweep-interval", cfg.BalanceSweep, "Interval of the balance cache sweep")

	fs.StringVar(&cfg.Chain, "chain", cfg.Chain, "Chain used for unqualified token symbols")
	fs.StringToIntVar(&cfg.Decimals, "decimals", cfg.Decimals, "Token decimals as [chain:]SYMBOL=N, comma separated")
	fs.IntVar(&cfg.DefaultDecimals, "default-decimals", cfg.DefaultDecimals, "Decimals assumed for unknown tokens")

	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	fs.BoolVar(&cfg.LogFormatJSON, "log-json", cfg.LogFormatJSON, "Emit logs as JSON")
	fs.StringSliceVar(&cfg.LogGroups, "log-groups", cfg.LogGroups, "Only log these component groups, \"-group\" to exclude")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Also write JSON logs to this file")

	return fs
}

// EnvKey returns the environment variable backing a flag.
func EnvKey(flag string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// ApplyEnvDefaults sets every flag not given on the command line from its
// environment variable, if present.
func ApplyEnvDefaults(fs *pflag.FlagSet, cfg *AppConfig) error {
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		v, ok := os.LookupEnv(EnvKey(f.Name))
		if !ok || v == "" {
			return
		}
		if err := fs.Set(f.Name, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvKey(f.Name), err))
		}
	})
	cfg.Source = strings.ToLower(strings.TrimSpace(cfg.Source))
	return errors.Join(errs...)
}

func ValidateConfig(cfg AppConfig) error {
	var errs []error
	switch cfg.Source {
	case SourceWSFeed:
		if strings.TrimSpace(cfg.FeedURL) == "" {
			errs = append(errs, errors.New("feed-url is required for the wsfeed source"))
		} else if u, err := url.Parse(cfg.FeedURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("feed-url %q must be a ws:// or wss:// URL", cfg.FeedURL))
		}
	case SourceHyperliquid:
	default:
		errs = append(errs, fmt.Errorf("unknown source %q", cfg.Source))
	}

	if cfg.MaxRetries < 1 {
		errs = append(errs, errors.New("max-retries must be at least 1"))
	}
	if cfg.RetryBaseDelay <= 0 || cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		errs = append(errs, errors.New("retry delays must be positive with max >= base"))
	}
	if cfg.MinFetchInterval < 0 {
		errs = append(errs, errors.New("min-fetch-interval must not be negative"))
	}
	for name, d := range map[string]time.Duration{
		"stale-after":            cfg.StaleAfter,
		"sweep-interval":         cfg.SweepInterval,
		"balance-ttl":            cfg.BalanceTTL,
		"balance-sweep-interval": cfg.BalanceSweep,
		"get-timeout":            cfg.GetTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if cfg.DefaultDecimals < 0 {
		errs = append(errs, errors.New("default-decimals must not be negative"))
	}
	if err := decimals.New(cfg.Chain).Load(cfg.Decimals); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Registry builds the decimals registry described by cfg.
func (cfg AppConfig) Registry() (*decimals.Registry, error) {
	reg := decimals.New(cfg.Chain, decimals.WithFallback(cfg.DefaultDecimals))
	if err := reg.Load(cfg.Decimals); err != nil {
		return nil, err
	}
	return reg, nil
}

// GetLogHandler builds the root handler. The returned closer releases the
// log file, if any.
func GetLogHandler(cfg AppConfig) (slog.Handler, io.Closer, error) {
	level := parseLevel(cfg.LogLevel)
	handlerOpts := &slog.HandlerOptions{Level: level}

	var console slog.Handler
	if cfg.LogFormatJSON {
		console = slog.NewJSONHandler(os.Stderr, handlerOpts)
	} else {
		console = slog.NewTextHandler(os.Stderr, handlerOpts)
	}

	var closer io.Closer = nopCloser{}
	var file slog.Handler
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		closer = f
		file = slog.NewJSONHandler(f, handlerOpts)
	}

	handler := rlog.NewMultiHandler(console, file)
	return rlog.NewGroupFilterHandler(handler, cfg.LogGroups), closer, nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		log.Printf("unknown log level %q, defaulting to info", s)
		return slog.LevelInfo
	}
	return level
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
