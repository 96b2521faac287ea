package envelope

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPackUnpack(t *testing.T) {
	e := &Envelope{
		ID:         "3f1c",
		Via:        "HTTP",
		Method:     "POST",
		Path:       "/thethings",
		RemoteAddr: "10.0.0.1:4242",
		Headers:    map[string]string{"Content-Type": "application/json"},
		// not valid utf8
		Body: []byte{0xff, 0xfe, 0x00, '{', 0x80},
	}
	e.Stamp("AABBCC", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC))

	b, err := Pack(e)
	require.NoError(t, err)

	ne, err := Unpack(b)
	require.NoError(t, err)
	require.Equal(t, e, ne)
}

func TestPackUnpackEmpty(t *testing.T) {
	tests := []struct {
		name string
		e    *Envelope
	}{
		{"empty headers and body", &Envelope{ID: "1", Method: "POST", Headers: map[string]string{}, Body: []byte{}}},
		{"nil headers and body", &Envelope{ID: "2", Method: "POST"}},
		{"request without headers", FromRequest(httptest.NewRequest("POST", "/thethings", nil), []byte{})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.name == "request without headers" {
				require.Empty(t, tt.e.Headers)
				require.NotNil(t, tt.e.Headers)
			}
			b, err := Pack(tt.e)
			require.NoError(t, err)

			ne, err := Unpack(b)
			require.NoError(t, err)
			require.Equal(t, tt.e, ne)
		})
	}
}

func TestUnpackCorrupt(t *testing.T) {
	b, err := Pack(&Envelope{Method: "POST", Body: []byte(`{"hardware_serial":"AABBCC"}`)})
	require.NoError(t, err)

	_, err = Unpack(b[:len(b)-4])
	require.Error(t, err)
	var cerr *CodecError
	require.True(t, errors.As(err, &cerr))

	_, err = Unpack([]byte("not msgpack at all"))
	require.True(t, errors.As(err, &cerr))

	_, err = Unpack(nil)
	require.True(t, errors.As(err, &cerr))
}

func TestStamp(t *testing.T) {
	e := &Envelope{}
	paris := time.FixedZone("CET", 3600)
	ts := time.Date(2023, 1, 1, 1, 0, 0, 5000, paris)
	e.Stamp("AABBCC", ts)

	require.Equal(t, "AABBCC", e.DeviceID)
	require.True(t, strings.HasSuffix(e.ReceivedAt, "Z"))
	rt, err := e.ReceivedTime()
	require.NoError(t, err)
	require.True(t, ts.Equal(rt))
}

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest("POST", "/thethings?app=1", strings.NewReader("{}"))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Uber-Trace-Id", "abc")

	e := FromRequest(r, []byte("{}"))
	require.NotEmpty(t, e.ID)
	require.Equal(t, "POST", e.Method)
	require.Equal(t, "/thethings", e.Path)
	require.Equal(t, "app=1", e.Query)
	require.Equal(t, "application/json", e.Headers["Content-Type"])
	require.Equal(t, "abc", e.HTTPHeader().Get("uber-trace-id"))
	require.Empty(t, e.DeviceID)
	require.Empty(t, e.ReceivedAt)
}

func TestPackUnpackParsed(t *testing.T) {
	ts := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewParsedDataMessage("AABBCC",
		NewDataLine(ts, map[string]interface{}{"rssi": -80.0, "payload_hex": "48656c6c6f"}),
		NewDataLine(ts.Add(time.Minute), map[string]interface{}{"rssi": -81.5}),
	)

	b, err := PackParsed(m)
	require.NoError(t, err)

	nm, err := UnpackParsed(b)
	require.NoError(t, err)
	require.Equal(t, "AABBCC", nm.DeviceID)
	require.Len(t, nm.DataLines, 2)
	require.True(t, ts.Equal(nm.DataLines[0].Time))
	require.True(t, ts.Add(time.Minute).Equal(nm.DataLines[1].Time))
	require.Equal(t, time.UTC, nm.DataLines[0].Time.Location())
	require.Equal(t, m.DataLines[0].Data, nm.DataLines[0].Data)
	require.Equal(t, m.DataLines[1].Data, nm.DataLines[1].Data)

	_, err = UnpackParsed(b[:3])
	var cerr *CodecError
	require.True(t, errors.As(err, &cerr))
}

func TestPackUnpackParsedIntegers(t *testing.T) {
	ts := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewParsedDataMessage("AABBCC", NewDataLine(ts, map[string]interface{}{
		"payload_size": int64(5),
		"port":         int64(200),
		"counter":      int64(70000),
		"offset":       int64(-3),
		"rssi":         -80.0,
		"gps":          map[string]interface{}{"sats": int64(9)},
		"accel":        []interface{}{int64(1), -0.5},
	}))

	b, err := PackParsed(m)
	require.NoError(t, err)

	nm, err := UnpackParsed(b)
	require.NoError(t, err)
	require.Equal(t, m.DataLines[0].Data, nm.DataLines[0].Data)

	// narrower types come back as int64 and float64
	m = NewParsedDataMessage("AABBCC", NewDataLine(ts, map[string]interface{}{
		"payload_size": 5,
		"port":         uint8(200),
		"temperature":  float32(21.5),
	}))
	b, err = PackParsed(m)
	require.NoError(t, err)

	nm, err = UnpackParsed(b)
	require.NoError(t, err)
	require.Equal(t, int64(5), nm.DataLines[0].Data["payload_size"])
	require.Equal(t, int64(200), nm.DataLines[0].Data["port"])
	require.Equal(t, 21.5, nm.DataLines[0].Data["temperature"])
}
