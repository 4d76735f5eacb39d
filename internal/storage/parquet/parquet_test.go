package parquet

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestArchiveWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archives.parquet")

	w, err := NewArchiveWriter(path, DefaultOptions())
	if err != nil {
		t.Fatalf("NewArchiveWriter: %v", err)
	}

	rows := []ArchiveRow{
		{Stream: "h1", Archive: 0, DataSource: "uptime", Timestamp: 1000, Value: 100},
		{Stream: "h1", Archive: 0, DataSource: "latency", Timestamp: 1000, Value: math.NaN()},
		{Stream: "aggregate", Archive: 1, DataSource: "hosts_up", Timestamp: 1200, Value: 3},
	}

	if err := w.Write(rows); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if w.RowCount() != 3 {
		t.Errorf("expected 3 rows written, got %d", w.RowCount())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	stat, err := os.Stat(path)
	if err != nil {
		t.Fatalf("file should exist: %v", err)
	}
	if stat.Size() == 0 {
		t.Error("file should not be empty")
	}

	got, err := ReadArchiveFile(path)
	if err != nil {
		t.Fatalf("ReadArchiveFile: %v", err)
	}
	if len(got) != len(rows) {
		t.Fatalf("expected %d rows, got %d", len(rows), len(got))
	}

	for i, r := range rows {
		g := got[i]
		if g.Stream != r.Stream || g.Archive != r.Archive || g.DataSource != r.DataSource || g.Timestamp != r.Timestamp {
			t.Errorf("row %d: identity mismatch: %+v", i, g)
		}
		if math.IsNaN(r.Value) {
			if !math.IsNaN(g.Value) {
				t.Errorf("row %d: expected NaN, got %f", i, g.Value)
			}
			continue
		}
		if g.Value != r.Value {
			t.Errorf("row %d: expected %f, got %f", i, r.Value, g.Value)
		}
	}
}

func TestArchiveWriterClosed(t *testing.T) {
	dir := t.TempDir()

	w, err := NewArchiveWriter(filepath.Join(dir, "a.parquet"), Options{Compression: CompressionSnappy})
	if err != nil {
		t.Fatalf("NewArchiveWriter: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	err = w.Write([]ArchiveRow{{Stream: "x"}})
	if err != ErrWriterClosed {
		t.Errorf("expected ErrWriterClosed, got %v", err)
	}
}

func TestParseCompressionType(t *testing.T) {
	tests := []struct {
		in   string
		want CompressionType
	}{
		{"snappy", CompressionSnappy},
		{"zstd", CompressionZstd},
		{"lz4", CompressionLZ4},
		{"gzip", CompressionGzip},
		{"", CompressionNone},
		{"bogus", CompressionZstd},
	}

	for _, tt := range tests {
		if got := ParseCompressionType(tt.in); got != tt.want {
			t.Errorf("ParseCompressionType(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
