// Package types defines the data types shared by the time-series store.
//
// Key types:
//   - StreamDef: step, data sources and archives of one stream
//   - DataSource: a named gauge with bounds and heartbeat
//   - Archive: consolidation function, width and retention of one ring
//   - Row / FetchResult: consolidated values returned to readers
//
// Timestamps inside the store are Unix seconds. Unknown values are NaN.
package types
