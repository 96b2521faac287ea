package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/TheThingsNetwork/ttn/core/types"
	log "github.com/go-kit/kit/log"
	"github.com/stretchr/testify/require"

	"github.com/akhenakh/ttnrelay/envelope"
	"github.com/akhenakh/ttnrelay/routing"
	"github.com/akhenakh/ttnrelay/storage"
)

const uplink = `{"hardware_serial":"AABBCC","payload_raw":"SGVsbG8=","port":1,"metadata":{"time":"2023-01-01T00:00:00Z","gateways":[{"rssi":-80}]}}`

type published struct {
	exchange, key string
	body          []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(ctx context.Context, exchange, key string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{exchange, key, body})
	return nil
}

type fakeRegistry struct {
	mu      sync.Mutex
	touched []string
	err     error
}

func (r *fakeRegistry) Lookup(ctx context.Context, devID string) (*storage.DataLogger, bool, error) {
	return nil, false, errors.New("not used by the gateway")
}

func (r *fakeRegistry) TouchActivity(ctx context.Context, devID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched = append(r.touched, devID)
	return r.err
}

func newTestServer() (*Server, *fakePublisher, *fakeRegistry) {
	pub := &fakePublisher{}
	reg := &fakeRegistry{}
	s := NewServer("test", log.NewNopLogger(), pub, reg, Config{
		Exchange: "raw.http",
		Keys:     routing.Builder{Prefix: "fvh"},
	})
	return s, pub, reg
}

func post(s *Server, body string) *httptest.ResponseRecorder {
	r := httptest.NewRequest("POST", "/thethings", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	return w
}

func TestPublishUplink(t *testing.T) {
	s, pub, reg := newTestServer()

	before := time.Now()
	w := post(s, uplink)
	s.Wait()

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "OK", w.Body.String())
	require.Equal(t, "text/plain", w.Header().Get("Content-Type"))

	require.Len(t, pub.msgs, 1)
	require.Equal(t, "raw.http", pub.msgs[0].exchange)
	require.Equal(t, "fvh.thethings.AABBCC", pub.msgs[0].key)

	env, err := envelope.Unpack(pub.msgs[0].body)
	require.NoError(t, err)
	require.Equal(t, "AABBCC", env.DeviceID)
	require.Equal(t, "POST", env.Method)
	require.Equal(t, "HTTP", env.Via)
	require.Equal(t, []byte(uplink), env.Body)
	require.Equal(t, "application/json", env.Headers["Content-Type"])
	require.True(t, strings.HasSuffix(env.ReceivedAt, "Z"))

	rt, err := env.ReceivedTime()
	require.NoError(t, err)
	require.False(t, rt.Before(before))

	require.Equal(t, []string{"AABBCC"}, reg.touched)
}

func TestInvalidJSON(t *testing.T) {
	s, pub, reg := newTestServer()

	w := post(s, `{"hardware_serial":`)
	s.Wait()

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.True(t, strings.HasPrefix(w.Body.String(), "JSON ERROR: "))
	require.Equal(t, "text/plain", w.Header().Get("Content-Type"))
	require.Empty(t, pub.msgs)
	require.Empty(t, reg.touched)
}

func TestMethodNotAllowed(t *testing.T) {
	s, pub, _ := newTestServer()

	for _, m := range []string{"GET", "PUT", "DELETE"} {
		r := httptest.NewRequest(m, "/thethings", strings.NewReader(uplink))
		w := httptest.NewRecorder()
		s.ServeHTTP(w, r)
		require.Equal(t, http.StatusMethodNotAllowed, w.Code)
		require.Equal(t, "Only POST with JSON body is allowed", w.Body.String())
	}
	require.Empty(t, pub.msgs)
}

func TestMissingSerial(t *testing.T) {
	s, pub, reg := newTestServer()

	for _, body := range []string{`{"payload_raw":"SGVsbG8=","port":1}`, `{"hardware_serial":42}`, `null`, `[1,2]`, `"x"`, `3`} {
		w := post(s, body)
		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, "OK", w.Body.String())
	}
	s.Wait()
	require.Empty(t, pub.msgs)
	require.Empty(t, reg.touched)
}

func TestPublishFailure(t *testing.T) {
	s, pub, reg := newTestServer()
	pub.err = errors.New("channel closed")

	w := post(s, uplink)
	s.Wait()

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.True(t, strings.HasPrefix(w.Body.String(), "BROKER ERROR: "))
	require.Empty(t, reg.touched)
}

func TestTouchFailureIgnored(t *testing.T) {
	s, pub, reg := newTestServer()
	reg.err = errors.New("registry down")

	w := post(s, uplink)
	s.Wait()

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, pub.msgs, 1)
	require.Equal(t, []string{"AABBCC"}, reg.touched)
}

func TestBodyTooLarge(t *testing.T) {
	s, pub, _ := newTestServer()
	s.config.MaxBodyBytes = 16

	w := post(s, uplink)
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	require.Empty(t, pub.msgs)
}

func TestNilRegistry(t *testing.T) {
	pub := &fakePublisher{}
	s := NewServer("test", log.NewNopLogger(), pub, nil, Config{Exchange: "raw.http"})

	w := post(s, uplink)
	s.Wait()
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, pub.msgs, 1)
	require.Equal(t, "thethings.AABBCC", pub.msgs[0].key)
}

func TestHandleUplinkWithoutSerial(t *testing.T) {
	s, pub, _ := newTestServer()

	err := s.HandleUplink(context.Background(), &types.UplinkMessage{
		DevID:      "mydevice",
		PayloadRaw: []byte("Hello"),
	})
	require.NoError(t, err)
	require.Empty(t, pub.msgs)
}

func TestDeviceID(t *testing.T) {
	id, err := DeviceID([]byte(uplink))
	require.NoError(t, err)
	require.Equal(t, "AABBCC", id)

	id, err = DeviceID([]byte(`{}`))
	require.NoError(t, err)
	require.Empty(t, id)

	for _, body := range []string{`[1,2]`, `"x"`, `true`, `null`} {
		id, err = DeviceID([]byte(body))
		require.NoError(t, err)
		require.Empty(t, id)
	}

	_, err = DeviceID([]byte(`[1,2`))
	require.Error(t, err)
}
