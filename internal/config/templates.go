package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# tradewatch Configuration

[monitor]
# Monitoring cycle period; also the floor for adaptive intervals
base_interval = "15s"
# Fractional price distance below which a plan is high priority
high_distance = 0.01
# Fractional price distance below which a plan is medium priority
medium_distance = 0.02
# How recently a plan's conditions matched to keep it high priority
recent_activity = "10m"
# Inactivity after which a low-priority plan is checked even less often
idle_after = "1h"

[cache]
# Quote freshness window
ttl = "5s"
# Maximum number of cached symbols
max_size = 50
# Maximum symbols per provider batch request
fetch_chunk_size = 20

[evaluation]
# Plans per evaluation batch (10-20)
batch_size = 15
# Per-batch timeout
batch_timeout = "10s"
# Whole-round timeout
round_timeout = "15s"
# Worker pool bounds
min_workers = 4
max_workers = 10
# Reject snapshots older than this
snapshot_max_age = "30s"
# Consecutive batch failures before falling back to sequential evaluation
failure_threshold = 3
# How long the evaluation breaker stays open
breaker_cooldown = "5m"

[execution]
# Minimum wick-to-body ratio for rejection wick conditions
wick_ratio = 2.0
# Minimum order block validation score
min_validation_score = 60.0
# Volatility signals required when a condition does not specify a count
volatility_require = 2

[reconcile]
# Fractional price tolerance when matching positions to plans
match_tolerance = 0.005
# How far back to look for a matching position
match_window = "10m"
# Volume comparison tolerance
volume_tolerance = 0.000001

[database]
# SQLite database path (empty = <config dir>/tradewatch.db)
# path = ""
max_open_conns = 10
max_idle_conns = 5

[logging]
# Log level: trace, debug, info, warn, error
level = "info"
max_size_mb = 10
max_backups = 5
max_age_days = 30
# Also log to the console
console = true

[notifications]
enabled = true

[broker]
# Broker mode: "paper"
mode = "paper"
# Serve /healthz and /metrics on this address (empty = disabled)
status_addr = ""
`

// createTemplateConfig writes a commented config template so a first run
// leaves the operator something to edit.
func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.WriteFile(path, []byte(configTemplate), 0o644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}
	return nil
}
