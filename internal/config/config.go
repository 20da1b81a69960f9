// Package config loads the polling engine's runtime configuration from
// environment variables, mirroring the teacher's env-var-driven init
// pattern in internal/logging and internal/otelinit rather than a config
// file or flag parser (no repo in the pack reaches for one).
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the process-wide tunable surface (§6 Configuration table).
type Config struct {
	StartPollers int
	QueueMaxSize int
	// TickInterval is loaded from POLLENGINE_TICK_SECONDS but nothing reads
	// it: the scheduler always ticks every second.
	TickInterval time.Duration

	NodeLockTTL  time.Duration
	ChainLockTTL time.Duration

	// JanitorPendingMaxAge must exceed the worst-case SNMP walk duration,
	// or the pending-repair pass interrupts executions that are still running.
	JanitorPendingMaxAge time.Duration
	DeliveryCheckAge     time.Duration

	DBPath   string
	NATSURL  string
	RedisURL string
}

// Load reads every POLLENGINE_* variable, falling back to the defaults
// named in SPEC_FULL.md §6 when unset or unparsable.
func Load() Config {
	return Config{
		StartPollers:         envInt("POLLENGINE_START_POLLERS", 10),
		QueueMaxSize:         envInt("POLLENGINE_QUEUE_MAX_SIZE", 1000),
		TickInterval:         envSeconds("POLLENGINE_TICK_SECONDS", 1*time.Second),
		NodeLockTTL:          envSeconds("POLLENGINE_NODE_LOCK_TTL", 5*time.Minute),
		ChainLockTTL:         envSeconds("POLLENGINE_CHAIN_LOCK_TTL", 30*time.Second),
		JanitorPendingMaxAge: envSeconds("POLLENGINE_JANITOR_MAX_AGE", 600*time.Second),
		DeliveryCheckAge:     envSeconds("POLLENGINE_DELIVERY_CHECK_AGE", 30*time.Second),
		DBPath:               envString("POLLENGINE_DB_PATH", "./data"),
		NATSURL:              envString("POLLENGINE_NATS_URL", "nats://127.0.0.1:4222"),
		RedisURL:             envString("POLLENGINE_REDIS_URL", "redis://127.0.0.1:6379/0"),
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// envSeconds parses key as a number of seconds (the unit every
// POLLENGINE_*_SECONDS/TTL variable is documented in), not a Go duration
// string, matching the spec's "integer (default N, env ...)" phrasing.
func envSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return def
	}
	return time.Duration(secs * float64(time.Second))
}
