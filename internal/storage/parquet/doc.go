// Package parquet reads and writes archive rows of the time-series store
// as Parquet files.
//
// Checkpoints store every archive row in long format, one Parquet row per
// (stream, archive, data source, timestamp). Unknown values are kept as
// NaN so a restored archive is identical to the one written.
package parquet
