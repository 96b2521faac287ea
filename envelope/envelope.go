// Package envelope holds the messages exchanged over the broker and their wire codec.
package envelope

import (
	"bytes"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// ReceivedAtLayout is the layout of Envelope.ReceivedAt, always rendered in UTC with a Z suffix.
const ReceivedAtLayout = time.RFC3339Nano

// Envelope is a snapshot of an inbound uplink request plus the routing metadata
// injected by the gateway. It is never modified once published.
type Envelope struct {
	ID         string            `msgpack:"id"`
	Via        string            `msgpack:"via,omitempty"`
	Method     string            `msgpack:"method"`
	Path       string            `msgpack:"path,omitempty"`
	Query      string            `msgpack:"query,omitempty"`
	RemoteAddr string            `msgpack:"remote_addr,omitempty"`
	Headers    map[string]string `msgpack:"headers"`
	Body       []byte            `msgpack:"body"`

	// set by the gateway right before publish
	DeviceID   string `msgpack:"devid,omitempty"`
	ReceivedAt string `msgpack:"time,omitempty"`
}

// FromRequest captures r and its already read body.
func FromRequest(r *http.Request, body []byte) *Envelope {
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	return &Envelope{
		ID:         uuid.New().String(),
		Method:     r.Method,
		Path:       r.URL.Path,
		Query:      r.URL.RawQuery,
		RemoteAddr: r.RemoteAddr,
		Headers:    headers,
		Body:       body,
	}
}

// Stamp injects the device id and the receipt time.
func (e *Envelope) Stamp(devID string, t time.Time) {
	e.DeviceID = devID
	e.ReceivedAt = t.UTC().Format(ReceivedAtLayout)
}

// ReceivedTime parses ReceivedAt.
func (e *Envelope) ReceivedTime() (time.Time, error) {
	return time.Parse(ReceivedAtLayout, e.ReceivedAt)
}

// HTTPHeader returns the captured headers as an http.Header.
func (e *Envelope) HTTPHeader() http.Header {
	h := make(http.Header, len(e.Headers))
	for k, v := range e.Headers {
		h.Set(k, v)
	}
	return h
}

// DataLine is one timestamped observation. Data values survive the wire as
// string, bool, int64, float64, []interface{} or map[string]interface{}:
// every integer comes back as an int64 (uint64 above math.MaxInt64), every float as a float64.
type DataLine struct {
	Time time.Time              `msgpack:"time"`
	Data map[string]interface{} `msgpack:"data"`
}

// ParsedDataMessage is published on the parsed data exchange, lines are in chronological order.
type ParsedDataMessage struct {
	DeviceID  string     `msgpack:"devid"`
	DataLines []DataLine `msgpack:"datalines"`
}

// NewDataLine returns a line at t normalized to UTC.
func NewDataLine(t time.Time, data map[string]interface{}) DataLine {
	return DataLine{Time: t.UTC(), Data: data}
}

// NewParsedDataMessage wraps lines for devID.
func NewParsedDataMessage(devID string, lines ...DataLine) *ParsedDataMessage {
	return &ParsedDataMessage{DeviceID: devID, DataLines: lines}
}

// Pack serializes an Envelope.
func Pack(e *Envelope) ([]byte, error) {
	b, err := msgpack.Marshal(e)
	if err != nil {
		return nil, &CodecError{Op: "pack envelope", Err: err}
	}
	return b, nil
}

// Unpack deserializes an Envelope, a corrupt or truncated buffer yields a *CodecError.
func Unpack(b []byte) (*Envelope, error) {
	if len(b) == 0 {
		return nil, &CodecError{Op: "unpack envelope", Err: errEmpty}
	}
	var e Envelope
	if err := msgpack.Unmarshal(b, &e); err != nil {
		return nil, &CodecError{Op: "unpack envelope", Err: err}
	}
	return &e, nil
}

// PackParsed serializes a ParsedDataMessage.
func PackParsed(m *ParsedDataMessage) ([]byte, error) {
	b, err := msgpack.Marshal(m)
	if err != nil {
		return nil, &CodecError{Op: "pack parsed data", Err: err}
	}
	return b, nil
}

// UnpackParsed deserializes a ParsedDataMessage, line times are returned in UTC.
func UnpackParsed(b []byte) (*ParsedDataMessage, error) {
	if len(b) == 0 {
		return nil, &CodecError{Op: "unpack parsed data", Err: errEmpty}
	}
	var m ParsedDataMessage
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(&m); err != nil {
		return nil, &CodecError{Op: "unpack parsed data", Err: err}
	}
	for i := range m.DataLines {
		m.DataLines[i].Time = m.DataLines[i].Time.UTC()
		for k, v := range m.DataLines[i].Data {
			m.DataLines[i].Data[k] = canonical(v)
		}
	}
	return &m, nil
}

// canonical folds the unsigned integers of a loose decoding into int64 when they fit
func canonical(v interface{}) interface{} {
	switch x := v.(type) {
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x)
		}
		return x
	case []interface{}:
		for i := range x {
			x[i] = canonical(x[i])
		}
		return x
	case map[string]interface{}:
		for k := range x {
			x[k] = canonical(x[k])
		}
		return x
	default:
		return v
	}
}
