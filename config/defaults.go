// Package config provides configuration defaults for reuptime.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or environment variables.
package config

import "time"

// =============================================================================
// Monitor Defaults
// =============================================================================

const (
	// DefaultTickInterval is the time between probe waves.
	// Override via config: monitor.interval
	DefaultTickInterval = 20 * time.Second

	// DefaultProbeTimeout bounds a single reachability probe.
	// Override via config: monitor.probe_timeout
	DefaultProbeTimeout = 5 * time.Second

	// DefaultMinSleep is the shortest sleep between ticks, applied even when
	// a tick overran its interval.
	// Override via config: monitor.min_sleep
	DefaultMinSleep = 100 * time.Millisecond

	// DefaultErrorBackoff is the pause after a tick fails as a whole.
	// Override via config: monitor.error_backoff
	DefaultErrorBackoff = 30 * time.Second

	// DefaultTaskTimeout bounds one host's work within a tick: probe,
	// allotment update and stream write.
	// Override via config: monitor.task_timeout
	DefaultTaskTimeout = 30 * time.Second

	// DefaultProber selects the probe implementation ("exec" or "icmp").
	// Override via config: monitor.prober
	DefaultProber = "exec"

	// DefaultPingCommand is the binary used by the exec prober.
	// Override via config: monitor.ping_command
	DefaultPingCommand = "ping"
)

// =============================================================================
// Probe Result Defaults
// =============================================================================

const (
	// FailedProbeLatency is recorded for failed probes so they still plot.
	// It is larger than any latency a successful probe reports.
	FailedProbeLatency = 1000.0

	// LatencyPrecision is the number of decimals latency is rounded to.
	LatencyPrecision = 4
)

// =============================================================================
// Allotment Defaults
// =============================================================================

const (
	// DefaultAllotmentCost is subtracted from a host's downtime allotment
	// for every failed tick.
	// Override via config: monitor.allotment_cost
	DefaultAllotmentCost = 30

	// DefaultDowntimeAllotment is used when the settings store has no value.
	// Override via settings key: default_downtime_allotment
	DefaultDowntimeAllotment = 0

	// SettingDefaultAllotment is the settings key for the fleet default.
	SettingDefaultAllotment = "default_downtime_allotment"

	// DefaultSettingsCacheTTL is how long the fleet default is cached.
	// Override via config: registry.settings_cache_ttl
	DefaultSettingsCacheTTL = 10 * time.Second
)

// =============================================================================
// Time-Series Store Defaults
// =============================================================================

const (
	// DefaultStreamStep is the spacing of primary data points.
	// Override via config: store.step
	DefaultStreamStep = 20 * time.Second

	// DefaultHeartbeatFactor multiplies the step to obtain the heartbeat.
	DefaultHeartbeatFactor = 2

	// DefaultXFF is the largest unknown fraction tolerated when
	// consolidating primary points into an archive row.
	DefaultXFF = 0.5

	// AggregateStreamID is the stream holding fleet-wide samples.
	AggregateStreamID = "aggregate"

	// DefaultMaxLatency is the upper bound of latency data sources.
	DefaultMaxLatency = 2000.0

	// DefaultMaxHostCount bounds the hosts_up / hosts_down data sources.
	DefaultMaxHostCount = 1000.0

	// DefaultDataDir holds the store journal and checkpoints.
	// Override via config: store.data_dir
	DefaultDataDir = "/var/lib/reuptime"

	// DefaultCheckpointInterval is how often the store snapshots to disk.
	// Override via config: store.checkpoint_interval
	DefaultCheckpointInterval = 5 * time.Minute

	// DefaultWALSegmentSize triggers rotation of the store journal.
	// Override via config: store.wal_segment_size
	DefaultWALSegmentSize = 16 * 1024 * 1024
)

// DefaultArchives lists (width in steps, rows) pairs for every stream:
// one day at raw resolution, five days at 5 minutes, 30 days at one hour,
// one year at one day.
var DefaultArchives = [][2]int{
	{1, 4320},
	{15, 1440},
	{180, 720},
	{4320, 365},
}

// =============================================================================
// Registry Defaults
// =============================================================================

const (
	// DefaultRegistryDriver is the database/sql driver for the host registry.
	// Supported: "duckdb", "sqlite3".
	// Override via config: registry.driver
	DefaultRegistryDriver = "duckdb"

	// DefaultRegistryDSN is the registry data source.
	// Override via config: registry.dsn
	DefaultRegistryDSN = "/var/lib/reuptime/registry.duckdb"

	// DefaultQueryTimeout bounds single registry queries.
	DefaultQueryTimeout = 30 * time.Second
)

// =============================================================================
// Query Server Defaults
// =============================================================================

const (
	// DefaultQueryListen is the query server listen address.
	// Override via config: query.listen
	DefaultQueryListen = "127.0.0.1:9460"

	// DefaultQueryWindow is the fetch window when a request names no start.
	DefaultQueryWindow = 24 * time.Hour

	// DefaultQueryIdleTimeout closes query connections idle for this long.
	// Override via config: query.idle_timeout
	DefaultQueryIdleTimeout = 5 * time.Minute

	// DefaultMaxMessageSize limits protobuf message size to prevent OOM.
	// Override via config: query.max_message_size
	DefaultMaxMessageSize = 16 * 1024 * 1024
)

// =============================================================================
// Daemon Defaults
// =============================================================================

const (
	// DefaultStatusFile receives the daemon status document.
	// Override via config: daemon.status_file
	DefaultStatusFile = "/var/run/reuptime/status.json"

	// DefaultPIDFile holds the daemon process id.
	// Override via config: daemon.pid_file
	DefaultPIDFile = "/var/run/reuptime/reuptimed.pid"

	// DefaultStopTimeout is how long Stop waits for the process to exit.
	DefaultStopTimeout = 60 * time.Second

	// DefaultDrainTimeout bounds the final tick and store flush on shutdown.
	DefaultDrainTimeout = 30 * time.Second
)
