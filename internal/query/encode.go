package query

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/reuptime/internal/registry"
	"github.com/xtxerr/reuptime/internal/storage/types"
	"github.com/xtxerr/reuptime/internal/wire"
)

func encodeFetch(fr *types.FetchResult) *structpb.Value {
	names := make([]*structpb.Value, len(fr.Names))
	for i, n := range fr.Names {
		names[i] = structpb.NewStringValue(n)
	}

	points := make([]*structpb.Value, len(fr.Points))
	for i, p := range fr.Points {
		values := make([]*structpb.Value, len(p.Values))
		for j, v := range p.Values {
			values[j] = wire.Number(v)
		}
		points[i] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"t":      structpb.NewNumberValue(float64(p.Timestamp)),
			"values": structpb.NewListValue(&structpb.ListValue{Values: values}),
		}})
	}

	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"stream": structpb.NewStringValue(fr.StreamID),
		"step":   structpb.NewNumberValue(float64(fr.Step)),
		"start":  structpb.NewNumberValue(float64(fr.Start)),
		"end":    structpb.NewNumberValue(float64(fr.End)),
		"names":  structpb.NewListValue(&structpb.ListValue{Values: names}),
		"points": structpb.NewListValue(&structpb.ListValue{Values: points}),
	}})
}

func encodeLast(stream string, ts time.Time, values map[string]float64) *structpb.Value {
	fields := make(map[string]*structpb.Value, len(values))
	for k, v := range values {
		fields[k] = wire.Number(v)
	}
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"stream":    structpb.NewStringValue(stream),
		"timestamp": structpb.NewNumberValue(float64(ts.Unix())),
		"values":    structpb.NewStructValue(&structpb.Struct{Fields: fields}),
	}})
}

func encodeHosts(hosts []registry.Host) *structpb.Value {
	list := make([]*structpb.Value, len(hosts))
	for i, h := range hosts {
		lastCheck := structpb.NewNullValue()
		if !h.LastCheck.IsZero() {
			lastCheck = structpb.NewNumberValue(float64(h.LastCheck.Unix()))
		}
		list[i] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"id":         structpb.NewStringValue(h.ID),
			"name":       structpb.NewStringValue(h.Name),
			"address":    structpb.NewStringValue(h.Address),
			"is_active":  structpb.NewBoolValue(h.IsActive),
			"allotment":  structpb.NewNumberValue(float64(h.DowntimeAllotment)),
			"last_check": lastCheck,
		}})
	}
	return structpb.NewListValue(&structpb.ListValue{Values: list})
}

// =============================================================================
// Decoding (client side)
// =============================================================================

// Series is a decoded fetch result.
type Series struct {
	Stream string
	Step   int64
	Start  int64
	End    int64
	Names  []string
	Points []types.Row
}

// DecodeSeries decodes a fetch or aggregate result. Null values become NaN.
func DecodeSeries(v *structpb.Value) Series {
	f := v.GetStructValue().GetFields()
	s := Series{
		Stream: f["stream"].GetStringValue(),
		Step:   int64(f["step"].GetNumberValue()),
		Start:  int64(f["start"].GetNumberValue()),
		End:    int64(f["end"].GetNumberValue()),
	}
	for _, n := range f["names"].GetListValue().GetValues() {
		s.Names = append(s.Names, n.GetStringValue())
	}
	for _, p := range f["points"].GetListValue().GetValues() {
		pf := p.GetStructValue().GetFields()
		raw := pf["values"].GetListValue().GetValues()
		row := types.Row{
			Timestamp: int64(pf["t"].GetNumberValue()),
			Values:    make([]float64, len(raw)),
		}
		for i, x := range raw {
			row.Values[i] = wire.Float(x)
		}
		s.Points = append(s.Points, row)
	}
	return s
}

// Last is a decoded last-update result.
type Last struct {
	Stream    string
	Timestamp time.Time
	Values    map[string]float64
}

// DecodeLast decodes a last result.
func DecodeLast(v *structpb.Value) Last {
	f := v.GetStructValue().GetFields()
	l := Last{
		Stream:    f["stream"].GetStringValue(),
		Timestamp: time.Unix(int64(f["timestamp"].GetNumberValue()), 0),
		Values:    make(map[string]float64),
	}
	for k, x := range f["values"].GetStructValue().GetFields() {
		l.Values[k] = wire.Float(x)
	}
	return l
}

// HostInfo is a decoded host entry.
type HostInfo struct {
	ID        string
	Name      string
	Address   string
	IsActive  bool
	Allotment int
	LastCheck time.Time
}

// DecodeHosts decodes a hosts result.
func DecodeHosts(v *structpb.Value) []HostInfo {
	var out []HostInfo
	for _, h := range v.GetListValue().GetValues() {
		f := h.GetStructValue().GetFields()
		info := HostInfo{
			ID:        f["id"].GetStringValue(),
			Name:      f["name"].GetStringValue(),
			Address:   f["address"].GetStringValue(),
			IsActive:  f["is_active"].GetBoolValue(),
			Allotment: int(f["allotment"].GetNumberValue()),
		}
		if lc, ok := f["last_check"].GetKind().(*structpb.Value_NumberValue); ok {
			info.LastCheck = time.Unix(int64(lc.NumberValue), 0)
		}
		out = append(out, info)
	}
	return out
}
