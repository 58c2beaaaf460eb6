package config

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) (AppConfig, error) {
	t.Helper()
	cfg := DefaultConfig()
	fs := NewConfigFlagSet(&cfg)
	require.NoError(t, fs.Parse(args))
	err := ApplyEnvDefaults(fs, &cfg)
	return cfg, err
}

func TestDefaults(t *testing.T) {
	cfg, err := parse(t, "--feed-url", "ws://localhost:9000/feed")
	require.NoError(t, err)
	require.NoError(t, ValidateConfig(cfg))

	require.Equal(t, 3, cfg.MaxRetries)
	require.Equal(t, time.Second, cfg.RetryBaseDelay)
	require.Equal(t, 30*time.Second, cfg.RetryMaxDelay)
	require.Equal(t, time.Second, cfg.MinFetchInterval)
	require.Equal(t, 5*time.Minute, cfg.StaleAfter)
	require.Equal(t, 5*time.Minute, cfg.SweepInterval)
	require.Equal(t, 30*time.Second, cfg.BalanceTTL)
	require.Equal(t, 60*time.Second, cfg.BalanceSweep)
	require.True(t, cfg.Continuous)
	require.True(t, cfg.IncludeHistorical)
	require.Equal(t, 18, cfg.DefaultDecimals)
}

func TestEnvFallback(t *testing.T) {
	t.Setenv("BOOKSYNC_FEED_URL", "wss://feed.example/ws")
	t.Setenv("BOOKSYNC_MAX_RETRIES", "5")
	t.Setenv("BOOKSYNC_STALE_AFTER", "1m")
	t.Setenv("BOOKSYNC_CONTINUOUS", "false")
	t.Setenv("BOOKSYNC_DECIMALS", "USDC=6,base:WETH=18")
	t.Setenv("BOOKSYNC_LOG_GROUPS", "market,cache")

	cfg, err := parse(t, "--max-retries", "7")
	require.NoError(t, err)
	require.NoError(t, ValidateConfig(cfg))

	require.Equal(t, "wss://feed.example/ws", cfg.FeedURL)
	require.Equal(t, 7, cfg.MaxRetries, "flags win over env")
	require.Equal(t, time.Minute, cfg.StaleAfter)
	require.False(t, cfg.Continuous)
	require.Equal(t, map[string]int{"USDC": 6, "base:WETH": 18}, cfg.Decimals)
	require.Equal(t, []string{"market", "cache"}, cfg.LogGroups)

	reg, err := cfg.Registry()
	require.NoError(t, err)
	d, ok := reg.Lookup("base", "weth")
	require.True(t, ok)
	require.Equal(t, 18, d)
}

func TestEnvParseError(t *testing.T) {
	t.Setenv("BOOKSYNC_MAX_RETRIES", "many")
	_, err := parse(t)
	require.ErrorContains(t, err, "BOOKSYNC_MAX_RETRIES")
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*AppConfig)
		want   string
	}{
		{name: "missing feed", mutate: func(c *AppConfig) { c.FeedURL = "" }, want: "feed-url is required"},
		{name: "http feed", mutate: func(c *AppConfig) { c.FeedURL = "http://x" }, want: "ws:// or wss://"},
		{name: "unknown source", mutate: func(c *AppConfig) { c.Source = "kafka" }, want: "unknown source"},
		{name: "zero retries", mutate: func(c *AppConfig) { c.MaxRetries = 0 }, want: "max-retries"},
		{name: "inverted delays", mutate: func(c *AppConfig) { c.RetryMaxDelay = time.Millisecond }, want: "retry delays"},
		{name: "zero ttl", mutate: func(c *AppConfig) { c.BalanceTTL = 0 }, want: "balance-ttl"},
		{name: "negative decimals", mutate: func(c *AppConfig) { c.Decimals = map[string]int{"USDC": -1} }, want: "non-negative"},
		{name: "hyperliquid needs no feed", mutate: func(c *AppConfig) { c.Source = SourceHyperliquid; c.FeedURL = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.FeedURL = "ws://localhost:9000"
			tc.mutate(&cfg)
			err := ValidateConfig(cfg)
			if tc.want == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestGetLogHandler(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "debug"
	cfg.LogFile = filepath.Join(t.TempDir(), "booksync.log")
	cfg.LogGroups = []string{"cache"}

	h, closer, err := GetLogHandler(cfg)
	require.NoError(t, err)
	defer closer.Close()

	logger := slog.New(h)
	require.True(t, logger.WithGroup("cache").Enabled(t.Context(), slog.LevelDebug))
	require.False(t, logger.WithGroup("market").Enabled(t.Context(), slog.LevelInfo))

	require.Equal(t, slog.LevelInfo, parseLevel("loud"))
	require.Equal(t, slog.LevelWarn, parseLevel("warn"))
}
