package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/reuptime/internal/errors"
	"github.com/xtxerr/reuptime/internal/logging"
	"github.com/xtxerr/reuptime/internal/storage/config"
	"github.com/xtxerr/reuptime/internal/storage/types"
	"github.com/xtxerr/reuptime/internal/storage/wal"
)

var log = logging.Component("storage")

// Store is a round-robin multi-resolution time-series store keyed by
// stream id.
//
// Writes to different streams proceed in parallel; writes to one stream
// are serialized by the stream lock. The store-wide lock is only taken
// exclusively to add or remove streams and to cut a checkpoint.
type Store struct {
	mu      sync.RWMutex
	cfg     *config.Config
	streams map[string]*stream
	journal *wal.Writer
	closed  bool

	now func() time.Time

	checkpointMu sync.Mutex

	// Statistics
	writes      atomic.Int64
	stale       atomic.Int64
	rejected    atomic.Int64
	checkpoints atomic.Int64
}

// Stats holds store statistics.
type Stats struct {
	Streams        int
	Writes         int64
	StaleWrites    int64
	RejectedWrites int64
	Checkpoints    int64
}

// New opens a store. A persistent store restores the latest checkpoint
// and replays the journal written after it.
func New(cfg *config.Config) (*Store, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	s := &Store{
		cfg:     cfg,
		streams: make(map[string]*stream),
		now:     time.Now,
	}

	if !cfg.Persistent() {
		return s, nil
	}

	walSeq, err := s.restoreCheckpoint()
	if err != nil {
		return nil, fmt.Errorf("restore checkpoint: %w", err)
	}

	records, err := wal.ReadSince(cfg.WALDir(), walSeq)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	replayed := s.replay(records)

	journal, err := wal.NewWriter(cfg.WALDir(), wal.Options{
		MaxSegmentSize: cfg.WAL.MaxSegmentSize,
		SyncMode:       cfg.WAL.SyncMode,
	})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	s.journal = journal

	log.Info("store opened",
		"data_dir", cfg.DataDir,
		"streams", len(s.streams),
		"replayed", replayed)

	return s, nil
}

// SetClock replaces the time source used to validate stream creation.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Config returns the store configuration.
func (s *Store) Config() *config.Config {
	return s.cfg
}

// CreateStream adds a stream whose history begins at start.
//
// An existing stream is left untouched and ErrStreamExists is returned.
// start must lie at least one full span of the coarsest archive in the
// past, so every archive covers a consistent history from the outset.
func (s *Store) CreateStream(def types.StreamDef, start time.Time) error {
	if err := def.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.ErrStoreClosed
	}
	if _, ok := s.streams[def.ID]; ok {
		return fmt.Errorf("%s: %w", def.ID, errors.ErrStreamExists)
	}

	latest := s.now().Unix() - def.CoarsestSpan()
	if start.Unix() > latest {
		return errors.NewInvalidValue("start", start.Unix(),
			fmt.Sprintf("must be at or before %d (now minus coarsest archive span)", latest))
	}

	if err := s.appendJournal(wal.Record{
		Type:      wal.RecordCreate,
		StreamID:  def.ID,
		Timestamp: start.Unix(),
		Def:       &def,
	}); err != nil {
		return err
	}

	s.streams[def.ID] = newStream(def, start.Unix())
	log.Debug("stream created", "stream", def.ID, "start", start.Unix())
	return nil
}

// Write records values for stream id at ts.
//
// A write at or before the last update is rejected with ErrStaleUpdate
// and leaves the stream unchanged. Values outside a data source's bounds
// are kept as the last raw value but are unknown in archives. Data
// sources missing from values are unknown for the interval.
func (s *Store) Write(id string, ts time.Time, values map[string]float64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return errors.ErrStoreClosed
	}

	st, ok := s.streams[id]
	if !ok {
		s.rejected.Add(1)
		return fmt.Errorf("stream '%s': %w", id, errors.ErrStreamNotFound)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	ordered, err := st.valuesFor(values)
	if err != nil {
		s.rejected.Add(1)
		return err
	}

	unix := ts.Unix()
	if unix <= st.lastUpdate {
		s.stale.Add(1)
		log.Warn("rejected stale write",
			"stream", id,
			"timestamp", unix,
			"last_update", st.lastUpdate)
		return fmt.Errorf("%s at %d (last %d): %w", id, unix, st.lastUpdate, errors.ErrStaleUpdate)
	}

	if err := s.appendJournal(wal.Record{
		Type:      wal.RecordUpdate,
		StreamID:  id,
		Timestamp: unix,
		Values:    ordered,
	}); err != nil {
		return err
	}

	if err := st.update(unix, ordered); err != nil {
		return err
	}
	s.writes.Add(1)
	return nil
}

// Fetch returns the consolidated series of stream id for [start, end].
// The archive is chosen by resolution hint and coverage. Missing rows are
// returned as NaN, so a well-formed series comes back even when nothing
// was written in the window.
func (s *Store) Fetch(id string, start, end time.Time, resolution time.Duration) (*types.FetchResult, error) {
	if end.Before(start) {
		return nil, errors.NewInvalidValue("window", fmt.Sprintf("%d..%d", start.Unix(), end.Unix()), "end before start")
	}

	st, err := s.get(id)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	return st.fetch(start.Unix(), end.Unix(), int64(resolution/time.Second))
}

// LastUpdate returns the time and raw values of the latest write.
// Values never written are NaN.
func (s *Store) LastUpdate(id string) (time.Time, map[string]float64, error) {
	st, err := s.get(id)
	if err != nil {
		return time.Time{}, nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	values := make(map[string]float64, len(st.def.DataSources))
	for i, ds := range st.def.DataSources {
		values[ds.Name] = st.lastValues[i]
	}
	return time.Unix(st.lastUpdate, 0), values, nil
}

// Definition returns the layout of stream id.
func (s *Store) Definition(id string) (types.StreamDef, error) {
	st, err := s.get(id)
	if err != nil {
		return types.StreamDef{}, err
	}
	return st.def, nil
}

// Destroy removes stream id and its history. Removing a missing stream
// is not an error.
func (s *Store) Destroy(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.ErrStoreClosed
	}
	if _, ok := s.streams[id]; !ok {
		return nil
	}

	if err := s.appendJournal(wal.Record{Type: wal.RecordDestroy, StreamID: id}); err != nil {
		return err
	}

	delete(s.streams, id)
	log.Info("stream destroyed", "stream", id)
	return nil
}

// Exists reports whether stream id exists.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.streams[id]
	return ok
}

// StreamIDs returns all stream ids in sorted order.
func (s *Store) StreamIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns store statistics.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	n := len(s.streams)
	s.mu.RUnlock()

	return Stats{
		Streams:        n,
		Writes:         s.writes.Load(),
		StaleWrites:    s.stale.Load(),
		RejectedWrites: s.rejected.Load(),
		Checkpoints:    s.checkpoints.Load(),
	}
}

// Run checkpoints periodically and flushes the journal until ctx is
// cancelled. It returns immediately for an in-memory store.
func (s *Store) Run(ctx context.Context) {
	if !s.cfg.Persistent() {
		return
	}

	checkpoint := time.NewTicker(s.cfg.CheckpointInterval)
	defer checkpoint.Stop()

	syncEvery := s.cfg.WAL.SyncInterval
	if syncEvery <= 0 {
		syncEvery = time.Second
	}
	flush := time.NewTicker(syncEvery)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-flush.C:
			if err := s.journal.Sync(); err != nil {
				log.Error("journal sync failed", "error", err)
			}
		case <-checkpoint.C:
			if err := s.Checkpoint(); err != nil {
				log.Error("checkpoint failed", "error", err)
			}
		}
	}
}

// Close writes a final checkpoint and closes the journal.
func (s *Store) Close() error {
	if !s.cfg.Persistent() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		return nil
	}

	cpErr := s.Checkpoint()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.journal.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	return cpErr
}

func (s *Store) get(id string) (*stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.ErrStoreClosed
	}
	st, ok := s.streams[id]
	if !ok {
		return nil, fmt.Errorf("stream '%s': %w", id, errors.ErrStreamNotFound)
	}
	return st, nil
}

func (s *Store) appendJournal(rec wal.Record) error {
	if s.journal == nil {
		return nil
	}
	if err := s.journal.Append(rec); err != nil {
		return fmt.Errorf("journal %s %s: %w", rec.Type, rec.StreamID, err)
	}
	return nil
}

// replay applies journaled records on top of the restored checkpoint.
// Records already reflected in the checkpoint are no-ops.
func (s *Store) replay(records []wal.Record) int {
	applied := 0
	for _, rec := range records {
		switch rec.Type {
		case wal.RecordCreate:
			if _, ok := s.streams[rec.StreamID]; ok || rec.Def == nil {
				continue
			}
			s.streams[rec.StreamID] = newStream(*rec.Def, rec.Timestamp)
		case wal.RecordUpdate:
			st, ok := s.streams[rec.StreamID]
			if !ok || len(rec.Values) != len(st.def.DataSources) {
				continue
			}
			if err := st.update(rec.Timestamp, rec.Values); err != nil {
				continue
			}
		case wal.RecordDestroy:
			if _, ok := s.streams[rec.StreamID]; !ok {
				continue
			}
			delete(s.streams, rec.StreamID)
		}
		applied++
	}
	return applied
}
