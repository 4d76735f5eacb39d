// Package storage implements the round-robin multi-resolution time-series
// store used by the reuptime monitoring engine.
//
// Architecture:
//
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│    Write    │────▶│  PDP accum  │────▶│  Archives   │
//	│  (journal)  │     │  per stream │     │ (ring/rows) │
//	└─────────────┘     └─────────────┘     └─────────────┘
//	       │                                       │
//	       ▼                                       ▼
//	┌─────────────┐                         ┌─────────────┐
//	│     WAL     │◀─── prune on ───────────│ Checkpoint  │
//	│  segments   │     checkpoint          │ YAML+Parquet│
//	└─────────────┘                         └─────────────┘
//
// Each stream has a fixed step, a set of gauge data sources and a set of
// archives. Writes are time-weighted into one primary data point per
// step; archives consolidate a fixed number of primary points per row and
// keep a fixed number of rows, so storage per stream never grows.
//
// Unknown values are NaN throughout. A value is unknown when it was not
// written, fell outside its data source's bounds, or the gap since the
// previous write exceeded the heartbeat.
//
// With a DataDir configured the store journals every mutation to a WAL
// and periodically writes a checkpoint. On open the latest checkpoint is
// restored and the journal written after it is replayed.
package storage
