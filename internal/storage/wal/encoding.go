package wal

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/xtxerr/reuptime/internal/storage/types"
)

// RecordType identifies a journaled store mutation.
type RecordType uint8

const (
	RecordCreate  RecordType = 1
	RecordUpdate  RecordType = 2
	RecordDestroy RecordType = 3
)

// String returns a human-readable representation of the RecordType.
func (t RecordType) String() string {
	switch t {
	case RecordCreate:
		return "create"
	case RecordUpdate:
		return "update"
	case RecordDestroy:
		return "destroy"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// Record is one journaled mutation of the store.
type Record struct {
	Type     RecordType
	StreamID string

	// Timestamp is the update time for RecordUpdate and the stream start
	// for RecordCreate, in Unix seconds.
	Timestamp int64

	// Values holds one value per data source for RecordUpdate.
	Values []float64

	// Def is set for RecordCreate.
	Def *types.StreamDef
}

// Record encoding format (binary, little-endian):
// - Type (1 byte)
// - StreamID length (2 bytes) + StreamID string
// - Timestamp (8 bytes)
// - RecordUpdate: value count (2 bytes) + values (8 bytes each, float64)
// - RecordCreate: step (8 bytes), data source count (2 bytes) and per data
//   source name, type, min, max, heartbeat; archive count (2 bytes) and per
//   archive cf, xff, width, rows

// encodeRecords encodes a slice of records into a binary format.
func encodeRecords(records []Record) ([]byte, error) {
	if len(records) == 0 {
		return nil, nil
	}

	buf := make([]byte, 0, len(records)*64)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(records)))

	for _, r := range records {
		buf = append(buf, byte(r.Type))
		buf = appendString(buf, r.StreamID)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Timestamp))

		switch r.Type {
		case RecordUpdate:
			buf = binary.LittleEndian.AppendUint16(buf, uint16(len(r.Values)))
			for _, v := range r.Values {
				buf = appendFloat(buf, v)
			}
		case RecordCreate:
			if r.Def == nil {
				return nil, fmt.Errorf("create record for %s without definition", r.StreamID)
			}
			buf = appendDef(buf, r.Def)
		case RecordDestroy:
		default:
			return nil, fmt.Errorf("unknown record type %d", r.Type)
		}
	}

	return buf, nil
}

func appendDef(buf []byte, def *types.StreamDef) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, uint64(def.Step))

	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(def.DataSources)))
	for _, ds := range def.DataSources {
		buf = appendString(buf, ds.Name)
		buf = appendString(buf, string(ds.Type))
		buf = appendFloat(buf, ds.Min)
		buf = appendFloat(buf, ds.Max)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(ds.Heartbeat))
	}

	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(def.Archives)))
	for _, a := range def.Archives {
		buf = appendString(buf, string(a.CF))
		buf = appendFloat(buf, a.XFF)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(a.Width))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(a.Rows))
	}

	return buf
}

// decodeRecords decodes a binary format into a slice of records.
func decodeRecords(data []byte) ([]Record, error) {
	d := decoder{data: data}

	count := int(d.uint32())
	if d.err != nil {
		return nil, fmt.Errorf("data too short for record count")
	}

	records := make([]Record, 0, count)
	for i := 0; i < count; i++ {
		var r Record
		r.Type = RecordType(d.byte())
		r.StreamID = d.string()
		r.Timestamp = int64(d.uint64())

		switch r.Type {
		case RecordUpdate:
			n := int(d.uint16())
			r.Values = make([]float64, 0, n)
			for j := 0; j < n && d.err == nil; j++ {
				r.Values = append(r.Values, d.float())
			}
		case RecordCreate:
			r.Def = d.def(r.StreamID)
		case RecordDestroy:
		default:
			if d.err == nil {
				return nil, fmt.Errorf("record %d: unknown type %d", i, r.Type)
			}
		}

		if d.err != nil {
			return nil, fmt.Errorf("record %d: %w", i, d.err)
		}
		records = append(records, r)
	}

	return records, nil
}

// decoder reads little-endian fields and remembers the first error.
type decoder struct {
	data   []byte
	offset int
	err    error
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if d.offset+n > len(d.data) {
		d.err = fmt.Errorf("data too short at offset %d", d.offset)
		return false
	}
	return true
}

func (d *decoder) byte() byte {
	if !d.need(1) {
		return 0
	}
	b := d.data[d.offset]
	d.offset++
	return b
}

func (d *decoder) uint16() uint16 {
	if !d.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(d.data[d.offset:])
	d.offset += 2
	return v
}

func (d *decoder) uint32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(d.data[d.offset:])
	d.offset += 4
	return v
}

func (d *decoder) uint64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(d.data[d.offset:])
	d.offset += 8
	return v
}

func (d *decoder) float() float64 {
	return math.Float64frombits(d.uint64())
}

func (d *decoder) string() string {
	var s string
	s, d.offset, d.err = readString(d.data, d.offset, d.err)
	return s
}

func (d *decoder) def(id string) *types.StreamDef {
	def := &types.StreamDef{ID: id, Step: int64(d.uint64())}

	nds := int(d.uint16())
	for i := 0; i < nds && d.err == nil; i++ {
		def.DataSources = append(def.DataSources, types.DataSource{
			Name:      d.string(),
			Type:      types.DataSourceType(d.string()),
			Min:       d.float(),
			Max:       d.float(),
			Heartbeat: int64(d.uint64()),
		})
	}

	nar := int(d.uint16())
	for i := 0; i < nar && d.err == nil; i++ {
		def.Archives = append(def.Archives, types.Archive{
			CF:    types.ConsolidationFunc(d.string()),
			XFF:   d.float(),
			Width: int64(d.uint64()),
			Rows:  int(d.uint32()),
		})
	}

	return def
}

func appendFloat(buf []byte, v float64) []byte {
	return binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
}

// appendString appends a length-prefixed string to the buffer.
func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// readString reads a length-prefixed string from the buffer.
func readString(data []byte, offset int, err error) (string, int, error) {
	if err != nil {
		return "", offset, err
	}
	if offset+2 > len(data) {
		return "", offset, fmt.Errorf("data too short for string length")
	}

	length := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2

	if offset+length > len(data) {
		return "", offset, fmt.Errorf("data too short for string content")
	}

	s := string(data[offset : offset+length])
	return s, offset + length, nil
}
