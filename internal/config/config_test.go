package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
token: abc
state_dsn: sqlite:///var/lib/relayboard/state.db
rate_limit:
  max: 30
feed:
  dir: /srv/feed
  interval: 5m
  jitter_ratio: 0.2
reconcile_timeout: 90s
channels:
  - id: 1100000000000000001
    name: backlog
    statuses: [open]
  - id: 1100000000000000002
    name: shipped
    statuses: [done]
    kinds: [bug, feature]
`

func envMap(values map[string]string) LookupFunc {
	return func(name string) (string, bool) {
		v, ok := values[name]
		return v, ok
	}
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)
	require.Equal(t, "abc", cfg.Token)
	require.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	require.Equal(t, DefaultRateLimitWindow, cfg.RateLimit.Window)
	require.Equal(t, 30, cfg.RateLimit.Max)
	require.Equal(t, 5*time.Minute, cfg.Feed.Interval)
	require.Equal(t, 0.2, cfg.Feed.JitterRatio)
	require.True(t, cfg.Feed.Watching())
	require.Equal(t, 90*time.Second, cfg.ReconcileTimeout)
	require.Len(t, cfg.Channels, 2)
	require.Equal(t, uint64(1100000000000000002), cfg.Channels[1].ID)
	require.Equal(t, []string{"bug", "feature"}, cfg.Channels[1].Kinds)
	require.NoError(t, cfg.Validate())
}

func TestParseRejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"no channels":    "token: abc\n",
		"unknown field":  "token: abc\nchannels: [{id: 1}]\nverbose: true\n",
		"bad duration":   "token: abc\nreconcile_timeout: soon\nchannels: [{id: 1}]\n",
		"bad status":     "token: abc\nchannels: [{id: 1, statuses: [finished]}]\n",
		"jitter too big": "token: abc\nfeed: {jitter_ratio: 2}\nchannels: [{id: 1}]\n",
		"zero channel":   "token: abc\nchannels: [{id: 0}]\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.ErrorIs(t, err, ErrSchema)
		})
	}
}

func TestValidateCatchesMissingTokenAndDuplicates(t *testing.T) {
	cfg, err := Parse([]byte("channels: [{id: 1}, {id: 1}]\n"))
	require.NoError(t, err)
	err = cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.Contains(t, err.Error(), "token is required")
	require.Contains(t, err.Error(), "listed twice")
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)
	cfg.ApplyEnv(envMap(map[string]string{
		"RELAYBOARD_TOKEN":             "from-env",
		"RELAYBOARD_STATE_DSN":         "memory://",
		"RELAYBOARD_FEED_INTERVAL":     "30s",
		"RELAYBOARD_FEED_JITTER":       "0.5",
		"RELAYBOARD_RECONCILE_TIMEOUT": "not-a-duration",
		"RELAYBOARD_RATE_LIMIT_MAX":    "x",
		"RELAYBOARD_LISTEN_ADDR":       "  ",
	}))
	require.Equal(t, "from-env", cfg.Token)
	require.Equal(t, "memory://", cfg.StateDSN)
	require.Equal(t, 30*time.Second, cfg.Feed.Interval)
	require.Equal(t, 0.5, cfg.Feed.JitterRatio)
	require.Equal(t, 90*time.Second, cfg.ReconcileTimeout)
	require.Equal(t, 30, cfg.RateLimit.Max)
	require.Equal(t, DefaultListenAddr, cfg.ListenAddr)
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayboard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))
	t.Setenv("RELAYBOARD_ADMIN_SECRET", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "s3cret", cfg.AdminSecret)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestFeedWatchCanBeDisabled(t *testing.T) {
	cfg, err := Parse([]byte("token: abc\nfeed: {dir: /tmp/feed, watch: false}\nchannels: [{id: 1}]\n"))
	require.NoError(t, err)
	require.False(t, cfg.Feed.Watching())
}

func TestValidateState(t *testing.T) {
	valid := `
entries:
  - id: 1
    title: One
last_feed_update: 1700000000
channels:
  10:
    - id: 1
      message_id: 900
`
	require.NoError(t, ValidateState([]byte(valid)))
	require.NoError(t, ValidateState(nil))

	require.ErrorIs(t, ValidateState([]byte("entries:\n  - title: no id\n")), ErrSchema)
	require.ErrorIs(t, ValidateState([]byte("channels:\n  10:\n    - id: 1\n")), ErrSchema)
	require.ErrorIs(t, ValidateState([]byte("last_feed_update: yesterday\n")), ErrSchema)
}
