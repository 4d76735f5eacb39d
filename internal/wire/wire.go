// Package wire provides message framing for the reuptime query protocol.
//
// Every message is a google.protobuf.Struct, length-delimited with
// protobuf's standard varint prefix. Requests carry "id" and "op";
// responses echo "id" and carry either "result" or "error".
package wire

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"sync"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/reuptime/config"
	"github.com/xtxerr/reuptime/internal/errors"
)

// Message field names.
const (
	FieldID     = "id"
	FieldOp     = "op"
	FieldResult = "result"
	FieldError  = "error"
)

// Reader reads length-delimited messages from an io.Reader.
// It is safe for concurrent use.
type Reader struct {
	r       *bufio.Reader
	mu      sync.Mutex
	maxSize int64
}

// NewReader creates a Reader wrapping the given io.Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r), maxSize: config.DefaultMaxMessageSize}
}

// SetMaxSize changes the largest accepted message.
func (r *Reader) SetMaxSize(n int64) {
	r.mu.Lock()
	r.maxSize = n
	r.mu.Unlock()
}

// Read reads and unmarshals the next message.
// Returns an error if the message exceeds the size limit.
func (r *Reader) Read() (*structpb.Struct, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg := &structpb.Struct{}
	opts := protodelim.UnmarshalOptions{
		MaxSize: r.maxSize,
	}
	if err := opts.UnmarshalFrom(r.r, msg); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, fmt.Errorf("read message: %w", err)
	}
	return msg, nil
}

// Writer writes length-delimited messages to an io.Writer.
// It is safe for concurrent use.
type Writer struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriter creates a Writer wrapping the given io.Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write marshals and writes a message with length prefix.
func (w *Writer) Write(msg *structpb.Struct) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := protodelim.MarshalTo(w.w, msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Conn combines Reader and Writer for bidirectional communication.
type Conn struct {
	*Reader
	*Writer
}

// NewConn creates a Conn from an io.ReadWriter (e.g., net.Conn).
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{
		Reader: NewReader(rw),
		Writer: NewWriter(rw),
	}
}

// =============================================================================
// Message helpers
// =============================================================================

// NewRequest builds a request. args must hold values accepted by
// structpb.NewValue.
func NewRequest(id uint64, op string, args map[string]any) (*structpb.Struct, error) {
	fields := make(map[string]any, len(args)+2)
	for k, v := range args {
		fields[k] = v
	}
	fields[FieldID] = float64(id)
	fields[FieldOp] = op
	return structpb.NewStruct(fields)
}

// NewResult builds a success response.
func NewResult(id uint64, result *structpb.Value) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		FieldID:     structpb.NewNumberValue(float64(id)),
		FieldResult: result,
	}}
}

// NewError creates an error response with the given request ID, error
// code and message. Codes are from the errors package (errors.Code*).
func NewError(id uint64, code int32, msg string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		FieldID: structpb.NewNumberValue(float64(id)),
		FieldError: structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"code":    structpb.NewNumberValue(float64(code)),
			"message": structpb.NewStringValue(msg),
		}}),
	}}
}

// NewErrorFromErr creates an error response from a Go error, mapping it
// to a wire code with errors.ErrorToCode.
func NewErrorFromErr(id uint64, err error) *structpb.Struct {
	return NewError(id, errors.ErrorToCode(err), err.Error())
}

// NewErrorf creates an error response with a formatted message.
func NewErrorf(id uint64, code int32, format string, args ...interface{}) *structpb.Struct {
	return NewError(id, code, fmt.Sprintf(format, args...))
}

// ID returns the message id, 0 when absent.
func ID(msg *structpb.Struct) uint64 {
	v, ok := msg.GetFields()[FieldID]
	if !ok {
		return 0
	}
	n := v.GetNumberValue()
	if n < 0 || math.IsNaN(n) {
		return 0
	}
	return uint64(n)
}

// Op returns the request operation.
func Op(msg *structpb.Struct) string {
	return msg.GetFields()[FieldOp].GetStringValue()
}

// ResponseError returns the error carried by a response, or nil. The
// returned error wraps the sentinel matching the wire code.
func ResponseError(msg *structpb.Struct) error {
	v, ok := msg.GetFields()[FieldError]
	if !ok {
		return nil
	}
	e := v.GetStructValue().GetFields()
	code := int32(e["code"].GetNumberValue())
	return fmt.Errorf("%s: %w", e["message"].GetStringValue(), errors.CodeToError(code))
}

// Number encodes v, rendering NaN and infinities as null.
func Number(v float64) *structpb.Value {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return structpb.NewNullValue()
	}
	return structpb.NewNumberValue(v)
}

// Float decodes a value written by Number; null becomes NaN.
func Float(v *structpb.Value) float64 {
	if _, ok := v.GetKind().(*structpb.Value_NumberValue); ok {
		return v.GetNumberValue()
	}
	return math.NaN()
}
