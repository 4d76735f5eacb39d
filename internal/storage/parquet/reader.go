package parquet

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
)

// ArchiveReader reads archive rows from a Parquet file.
type ArchiveReader struct {
	file   *os.File
	reader *parquet.GenericReader[ArchiveRow]
	path   string
}

// NewArchiveReader creates a new archive Parquet reader.
func NewArchiveReader(path string) (*ArchiveReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	reader := parquet.NewGenericReader[ArchiveRow](f, parquet.ReadBufferSize(1024*1024))

	return &ArchiveReader{
		file:   f,
		reader: reader,
		path:   path,
	}, nil
}

// Read reads up to n rows from the file. It returns io.EOF once the file
// is exhausted.
func (r *ArchiveReader) Read(n int) ([]ArchiveRow, error) {
	rows := make([]ArchiveRow, n)
	count, err := r.reader.Read(rows)
	if err != nil && !(errors.Is(err, io.EOF) && count > 0) {
		return nil, err
	}
	return rows[:count], nil
}

// ReadAll reads all rows from the file.
func (r *ArchiveReader) ReadAll() ([]ArchiveRow, error) {
	all := make([]ArchiveRow, 0, r.reader.NumRows())

	for {
		rows, err := r.Read(4096)
		all = append(all, rows...)
		if errors.Is(err, io.EOF) {
			return all, nil
		}
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return all, nil
		}
	}
}

// NumRows returns the total number of rows in the file.
func (r *ArchiveReader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *ArchiveReader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the file path.
func (r *ArchiveReader) Path() string {
	return r.path
}

// ReadArchiveFile is a convenience function that reads every row of path.
func ReadArchiveFile(path string) ([]ArchiveRow, error) {
	r, err := NewArchiveReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return r.ReadAll()
}
