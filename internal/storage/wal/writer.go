package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/xtxerr/reuptime/internal/logging"
)

var log = logging.Component("wal")

// Segment file layout:
//   - header: 8 bytes magic, 4 bytes version
//   - records: [4 bytes length][4 bytes crc32][payload]
const (
	walMagic         = 0x5255505741000001 // "RUPWA" + version 1
	walVersion       = 1
	headerSize       = 12
	recordHeaderSize = 8

	segmentExt    = ".wal"
	segmentDigits = 16
	bufferSize    = 64 * 1024
)

// Options configures the writer.
type Options struct {
	// MaxSegmentSize starts a new segment once the current one would
	// grow past it.
	MaxSegmentSize int64

	// SyncMode is "async" (flush on Sync only), "sync" (flush after every
	// append) or "fsync" (flush and fsync after every append).
	SyncMode string
}

// WriterStats holds writer statistics.
type WriterStats struct {
	SegmentsCreated int64
	RecordsWritten  int64
	BytesWritten    int64
	SyncsPerformed  int64
	Errors          int64
}

// Writer appends store mutations to numbered segment files so they
// survive a crash between checkpoints.
type Writer struct {
	mu   sync.Mutex
	dir  string
	opts Options

	cur     *segment
	nextSeq int64
	stats   WriterStats
}

// segment is the open tail of the journal.
type segment struct {
	path string
	f    *os.File
	buf  *bufio.Writer
	size int64
}

func segmentName(seq int64) string {
	return fmt.Sprintf("%0*d%s", segmentDigits, seq, segmentExt)
}

func parseSegmentName(name string) (int64, bool) {
	digits, ok := strings.CutSuffix(name, segmentExt)
	if !ok || len(digits) != segmentDigits {
		return 0, false
	}
	seq, err := strconv.ParseInt(digits, 10, 64)
	return seq, err == nil
}

// NewWriter opens a writer in dir. It never appends to an existing
// segment; a fresh one numbered after the highest on disk is started.
func NewWriter(dir string, opts Options) (*Writer, error) {
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = 16 * 1024 * 1024
	}
	if opts.SyncMode == "" {
		opts.SyncMode = "async"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}

	segments, err := ListSegments(dir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}

	w := &Writer{dir: dir, opts: opts}
	if n := len(segments); n > 0 {
		w.nextSeq = segments[n-1].Seq + 1
	}
	if err := w.startSegment(); err != nil {
		return nil, fmt.Errorf("create initial segment: %w", err)
	}
	return w, nil
}

// Append journals records as one WAL record.
func (w *Writer) Append(records ...Record) error {
	if len(records) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cur == nil {
		return fmt.Errorf("wal closed")
	}

	err := w.append(records)
	if err != nil {
		w.stats.Errors++
	}
	return err
}

func (w *Writer) append(records []Record) error {
	payload, err := encodeRecords(records)
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}

	size := int64(recordHeaderSize + len(payload))
	if w.cur.size+size > w.opts.MaxSegmentSize {
		if err := w.startSegment(); err != nil {
			return fmt.Errorf("rotate segment: %w", err)
		}
	}

	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))
	if _, err := w.cur.buf.Write(header[:]); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if _, err := w.cur.buf.Write(payload); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	w.cur.size += size
	w.stats.RecordsWritten++
	w.stats.BytesWritten += size

	if w.opts.SyncMode != "async" {
		if err := w.flush(); err != nil {
			return fmt.Errorf("sync: %w", err)
		}
	}
	return nil
}

// Sync flushes buffered records, and fsyncs them in "fsync" mode.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flush()
}

func (w *Writer) flush() error {
	if w.cur == nil {
		return nil
	}
	if err := w.cur.buf.Flush(); err != nil {
		return err
	}
	if w.opts.SyncMode == "fsync" {
		if err := w.cur.f.Sync(); err != nil {
			return err
		}
	}
	w.stats.SyncsPerformed++
	return nil
}

// Rotate starts a new segment and returns its sequence number. Every
// record appended afterwards lands in that segment or a later one.
func (w *Writer) Rotate() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.startSegment(); err != nil {
		return 0, err
	}
	return w.nextSeq - 1, nil
}

// startSegment closes the current segment, if any, and opens the next.
func (w *Writer) startSegment() error {
	if w.cur != nil {
		w.cur.buf.Flush()
		w.cur.f.Close()
		w.cur = nil
	}

	path := filepath.Join(w.dir, segmentName(w.nextSeq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create segment %s: %w", path, err)
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], walMagic)
	binary.LittleEndian.PutUint32(header[8:12], walVersion)
	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write header: %w", err)
	}

	w.cur = &segment{
		path: path,
		f:    f,
		buf:  bufio.NewWriterSize(f, bufferSize),
		size: headerSize,
	}
	w.nextSeq++
	w.stats.SegmentsCreated++
	return nil
}

// Close flushes and closes the current segment.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cur == nil {
		return nil
	}
	w.cur.buf.Flush()
	err := w.cur.f.Close()
	w.cur = nil
	return err
}

// Stats returns writer statistics.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// CurrentSegment returns the path of the segment being written, or ""
// after Close.
func (w *Writer) CurrentSegment() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cur == nil {
		return ""
	}
	return w.cur.path
}

// Segment identifies one segment file.
type Segment struct {
	Path string
	Seq  int64
}

// ListSegments returns the segment files in dir ordered by sequence. A
// missing dir has no segments.
func ListSegments(dir string) ([]Segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var segments []Segment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if seq, ok := parseSegmentName(e.Name()); ok {
			segments = append(segments, Segment{Path: filepath.Join(dir, e.Name()), Seq: seq})
		}
	}
	slices.SortFunc(segments, func(a, b Segment) int { return int(a.Seq - b.Seq) })
	return segments, nil
}

// DeleteSegmentsBefore removes every segment numbered below seq except the
// one being written. Failures are logged and skipped.
func (w *Writer) DeleteSegmentsBefore(seq int64) (int, error) {
	segments, err := ListSegments(w.dir)
	if err != nil {
		return 0, err
	}

	current := w.CurrentSegment()
	deleted := 0
	for _, s := range segments {
		if s.Seq >= seq {
			break
		}
		if s.Path == current {
			continue
		}
		if err := os.Remove(s.Path); err != nil {
			log.Warn("failed to delete wal segment", "path", s.Path, "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}
