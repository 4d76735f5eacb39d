package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/reuptime/internal/errors"
	"github.com/xtxerr/reuptime/internal/storage/consolidate"
	"github.com/xtxerr/reuptime/internal/storage/parquet"
	"github.com/xtxerr/reuptime/internal/storage/types"
)

const (
	metaFile     = "streams.yaml"
	archivesFile = "archives.parquet"
)

// checkpointMeta is the YAML document describing a checkpoint. Archive
// rows live next to it in a Parquet file.
type checkpointMeta struct {
	Version   int           `yaml:"version"`
	CreatedAt time.Time     `yaml:"created_at"`
	WALSeq    int64         `yaml:"wal_seq"`
	Streams   []streamState `yaml:"streams"`
}

type streamState struct {
	Def        types.StreamDef `yaml:"def"`
	LastUpdate int64           `yaml:"last_update"`
	LastValues []float64       `yaml:"last_values"`
	PDPSum     []float64       `yaml:"pdp_sum"`
	PDPKnown   []int64         `yaml:"pdp_known"`
	PDPUnknown []int64         `yaml:"pdp_unknown"`
	Archives   []archiveState  `yaml:"archives"`
}

type archiveState struct {
	Oldest int64               `yaml:"oldest"`
	Count  int                 `yaml:"count"`
	Acc    []consolidate.State `yaml:"acc"`
}

// Checkpoint snapshots every stream to disk and drops the journal
// segments the snapshot makes redundant.
func (s *Store) Checkpoint() error {
	if !s.cfg.Persistent() {
		return nil
	}

	s.checkpointMu.Lock()
	defer s.checkpointMu.Unlock()

	start := time.Now()

	meta, rows, err := s.snapshot()
	if err != nil {
		return err
	}

	tmp := s.cfg.CheckpointDir() + ".tmp"
	if err := os.RemoveAll(tmp); err != nil {
		return fmt.Errorf("clear staging dir: %w", err)
	}
	if err := writeCheckpoint(tmp, meta, rows, parquet.ParseCompressionType(s.cfg.Compression)); err != nil {
		return err
	}
	if err := s.promote(tmp); err != nil {
		return err
	}

	deleted, err := s.journal.DeleteSegmentsBefore(meta.WALSeq)
	if err != nil {
		log.Warn("failed to prune journal", "error", err)
	}

	s.checkpoints.Add(1)
	log.Info("checkpoint written",
		"streams", len(meta.Streams),
		"rows", len(rows),
		"wal_seq", meta.WALSeq,
		"segments_pruned", deleted,
		"elapsed", time.Since(start))
	return nil
}

// snapshot rotates the journal and copies all stream state while no
// mutation can run, so the copy plus the journal from the new segment on
// reproduces the store.
func (s *Store) snapshot() (*checkpointMeta, []parquet.ArchiveRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil, errors.ErrStoreClosed
	}

	seq, err := s.journal.Rotate()
	if err != nil {
		return nil, nil, fmt.Errorf("rotate journal: %w", err)
	}

	meta := &checkpointMeta{Version: 1, CreatedAt: time.Now().UTC(), WALSeq: seq}
	var rows []parquet.ArchiveRow

	ids := make([]string, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	for _, id := range ids {
		st := s.streams[id]
		st.mu.Lock()
		state, streamRows := st.snapshot()
		st.mu.Unlock()

		meta.Streams = append(meta.Streams, state)
		rows = append(rows, streamRows...)
	}

	return meta, rows, nil
}

func (st *stream) snapshot() (streamState, []parquet.ArchiveRow) {
	state := streamState{
		Def:        st.def,
		LastUpdate: st.lastUpdate,
		LastValues: append([]float64(nil), st.lastValues...),
		PDPSum:     append([]float64(nil), st.pdpSum...),
		PDPKnown:   append([]int64(nil), st.pdpKnown...),
		PDPUnknown: append([]int64(nil), st.pdpUnknown...),
	}

	var rows []parquet.ArchiveRow
	for ai, a := range st.archives {
		oldest, _ := a.rows.TimeRange()
		as := archiveState{Oldest: oldest, Count: a.rows.Len()}
		for _, acc := range a.acc {
			as.Acc = append(as.Acc, acc.Snapshot())
		}
		state.Archives = append(state.Archives, as)

		for _, r := range a.rows.Rows() {
			for di, ds := range st.def.DataSources {
				rows = append(rows, parquet.ArchiveRow{
					Stream:     st.def.ID,
					Archive:    int32(ai),
					DataSource: ds.Name,
					Timestamp:  r.Timestamp,
					Value:      r.Values[di],
				})
			}
		}
	}

	return state, rows
}

func writeCheckpoint(dir string, meta *checkpointMeta, rows []parquet.ArchiveRow, codec parquet.CompressionType) error {
	w, err := parquet.NewArchiveWriter(filepath.Join(dir, archivesFile), parquet.Options{Compression: codec})
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	if err := w.Write(rows); err != nil {
		w.Close()
		return fmt.Errorf("write archive rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close archive file: %w", err)
	}

	data, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal checkpoint meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metaFile), data, 0644); err != nil {
		return fmt.Errorf("write checkpoint meta: %w", err)
	}
	return nil
}

// promote replaces the live checkpoint with the staged one. The previous
// checkpoint survives as .old until the swap completes.
func (s *Store) promote(staged string) error {
	live := s.cfg.CheckpointDir()
	old := live + ".old"

	if err := os.RemoveAll(old); err != nil {
		return fmt.Errorf("clear old checkpoint: %w", err)
	}
	if _, err := os.Stat(live); err == nil {
		if err := os.Rename(live, old); err != nil {
			return fmt.Errorf("retire checkpoint: %w", err)
		}
	}
	if err := os.Rename(staged, live); err != nil {
		return fmt.Errorf("promote checkpoint: %w", err)
	}
	return os.RemoveAll(old)
}

// restoreCheckpoint loads the newest complete checkpoint and returns the
// first journal segment that must be replayed on top of it.
func (s *Store) restoreCheckpoint() (int64, error) {
	live := s.cfg.CheckpointDir()
	dir := ""
	for _, candidate := range []string{live, live + ".old"} {
		if _, err := os.Stat(filepath.Join(candidate, metaFile)); err == nil {
			dir = candidate
			break
		}
	}
	if dir == "" {
		return 0, nil
	}

	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return 0, fmt.Errorf("read checkpoint meta: %w", err)
	}
	var meta checkpointMeta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return 0, fmt.Errorf("parse checkpoint meta: %w", err)
	}

	rows, err := parquet.ReadArchiveFile(filepath.Join(dir, archivesFile))
	if err != nil {
		return 0, fmt.Errorf("read archive rows: %w", err)
	}

	type archiveKey struct {
		stream  string
		archive int32
	}
	byArchive := make(map[archiveKey]map[int64]map[string]float64)
	for _, r := range rows {
		key := archiveKey{r.Stream, r.Archive}
		if byArchive[key] == nil {
			byArchive[key] = make(map[int64]map[string]float64)
		}
		if byArchive[key][r.Timestamp] == nil {
			byArchive[key][r.Timestamp] = make(map[string]float64)
		}
		byArchive[key][r.Timestamp][r.DataSource] = r.Value
	}

	for _, state := range meta.Streams {
		st, err := restoreStream(state, func(archive int) map[int64]map[string]float64 {
			return byArchive[archiveKey{state.Def.ID, int32(archive)}]
		})
		if err != nil {
			return 0, fmt.Errorf("stream %s: %w", state.Def.ID, err)
		}
		s.streams[state.Def.ID] = st
	}

	log.Info("checkpoint restored",
		"dir", dir,
		"streams", len(meta.Streams),
		"created_at", meta.CreatedAt,
		"wal_seq", meta.WALSeq)

	return meta.WALSeq, nil
}

func restoreStream(state streamState, rowsOf func(archive int) map[int64]map[string]float64) (*stream, error) {
	if err := state.Def.Validate(); err != nil {
		return nil, err
	}
	n := len(state.Def.DataSources)
	if len(state.LastValues) != n || len(state.PDPSum) != n ||
		len(state.PDPKnown) != n || len(state.PDPUnknown) != n ||
		len(state.Archives) != len(state.Def.Archives) {
		return nil, fmt.Errorf("state does not match definition: %w", errors.ErrCorrupt)
	}

	st := newStream(state.Def, state.LastUpdate)
	copy(st.lastValues, state.LastValues)
	copy(st.pdpSum, state.PDPSum)
	copy(st.pdpKnown, state.PDPKnown)
	copy(st.pdpUnknown, state.PDPUnknown)

	for ai, as := range state.Archives {
		a := st.archives[ai]
		for di, accState := range as.Acc {
			if di < len(a.acc) {
				a.acc[di].Restore(accState)
			}
		}

		stored := rowsOf(ai)
		for k := 0; k < as.Count; k++ {
			ts := as.Oldest + int64(k)*a.res
			row := types.UnknownRow(ts, n)
			for di, ds := range state.Def.DataSources {
				if v, ok := stored[ts][ds.Name]; ok {
					row.Values[di] = v
				}
			}
			a.rows.PushOverwrite(row)
		}
	}

	return st, nil
}
