// Package config loads THE CORE's environment-variable settings (spec
// §6 defaults) and the operator-facing static agent-capability profile
// file, adapted from internal/agents/config.go's YAML loader idiom.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every tunable spec §6 names, with its default values
// pre-applied.
type Config struct {
	HeartbeatTimeout        time.Duration
	MaxAgents               int
	TaskTimeout             time.Duration
	MaxAttempts             int
	VerifyTestEnabled       bool
	VerifyTypeCheckEnabled  bool
	RecoveryPersistAttempts bool
}

// Load reads the spec's environment variables, falling back to the
// documented defaults for anything unset or unparsable.
func Load() Config {
	return Config{
		HeartbeatTimeout:        envDurationMs("HEARTBEAT_TIMEOUT_MS", 15000),
		MaxAgents:               envInt("MAX_AGENTS", 12),
		TaskTimeout:             envDurationMs("TASK_TIMEOUT_MS", 600000),
		MaxAttempts:             envInt("MAX_ATTEMPTS", 3),
		VerifyTestEnabled:       envBool("VERIFY_TEST_ENABLED", false),
		VerifyTypeCheckEnabled:  envBool("VERIFY_TYPECHECK_ENABLED", false),
		RecoveryPersistAttempts: envBool("RECOVERY_PERSIST_ATTEMPTS", false),
	}
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

func envDurationMs(key string, defMs int) time.Duration {
	return time.Duration(envInt(key, defMs)) * time.Millisecond
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
