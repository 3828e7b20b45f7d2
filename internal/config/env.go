package config

import (
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(name string) (string, bool)

// ApplyEnv overrides file values with RELAYBOARD_* variables. An invalid
// value is logged and the file value kept.
func (c *Config) ApplyEnv(lookup LookupFunc) {
	c.Token = stringEnv(lookup, "RELAYBOARD_TOKEN", c.Token)
	c.StateDSN = stringEnv(lookup, "RELAYBOARD_STATE_DSN", c.StateDSN)
	c.ListenAddr = stringEnv(lookup, "RELAYBOARD_LISTEN_ADDR", c.ListenAddr)
	c.AdminSecret = stringEnv(lookup, "RELAYBOARD_ADMIN_SECRET", c.AdminSecret)
	c.Feed.Dir = stringEnv(lookup, "RELAYBOARD_FEED_DIR", c.Feed.Dir)
	c.Feed.Interval = durationEnv(lookup, "RELAYBOARD_FEED_INTERVAL", c.Feed.Interval)
	c.Feed.JitterRatio = floatEnv(lookup, "RELAYBOARD_FEED_JITTER", c.Feed.JitterRatio)
	c.RateLimit.Max = intEnv(lookup, "RELAYBOARD_RATE_LIMIT_MAX", c.RateLimit.Max)
	c.ReconcileTimeout = durationEnv(lookup, "RELAYBOARD_RECONCILE_TIMEOUT", c.ReconcileTimeout)
}

func lookupTrimmed(lookup LookupFunc, name string) string {
	if lookup == nil {
		return ""
	}
	raw, _ := lookup(name)
	return strings.TrimSpace(raw)
}

func stringEnv(lookup LookupFunc, name, fallback string) string {
	value := lookupTrimmed(lookup, name)
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(lookup LookupFunc, name string, fallback int) int {
	raw := lookupTrimmed(lookup, name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid environment override, using fallback", slog.String("name", name), slog.String("value", raw), slog.Int("fallback", fallback))
		return fallback
	}
	return value
}

func durationEnv(lookup LookupFunc, name string, fallback time.Duration) time.Duration {
	raw := lookupTrimmed(lookup, name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid environment override, using fallback", slog.String("name", name), slog.String("value", raw), slog.Duration("fallback", fallback))
		return fallback
	}
	return value
}

func floatEnv(lookup LookupFunc, name string, fallback float64) float64 {
	raw := lookupTrimmed(lookup, name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid environment override, using fallback", slog.String("name", name), slog.String("value", raw), slog.Float64("fallback", fallback))
		return fallback
	}
	return value
}
