// Package gateway receives uplinks from The Things Network and republishes them,
// enveloped, on the raw data exchange without decoding them.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io/ioutil"
	"net/http"
	"sync"
	"time"

	log "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"

	"github.com/akhenakh/ttnrelay/broker"
	"github.com/akhenakh/ttnrelay/envelope"
	"github.com/akhenakh/ttnrelay/metrics"
	"github.com/akhenakh/ttnrelay/routing"
	"github.com/akhenakh/ttnrelay/storage"
)

// UnknownDevice is logged in place of a missing hardware serial
const UnknownDevice = "ttn-unknown"

const defaultMaxBodyBytes = 1 << 20

type Server struct {
	appName   string
	logger    log.Logger
	config    Config
	publisher broker.Publisher
	registry  storage.Registry

	now func() time.Time

	// pending activity touches
	wg sync.WaitGroup
}

type Config struct {
	VendorTag string

	// the raw data exchange
	Exchange string

	Keys routing.Builder

	MaxBodyBytes int64

	// timeout of the best effort registry touch
	TouchTimeout time.Duration
}

// NewServer returns a gateway, registry may be nil to disable activity tracking.
func NewServer(appName string, logger log.Logger, pub broker.Publisher, reg storage.Registry, cfg Config) *Server {
	logger = log.With(logger, "component", "gateway")
	if cfg.VendorTag == "" {
		cfg.VendorTag = routing.TheThings
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.TouchTimeout <= 0 {
		cfg.TouchTimeout = 5 * time.Second
	}
	return &Server{
		appName:   appName,
		logger:    logger,
		config:    cfg,
		publisher: pub,
		registry:  reg,
		now:       time.Now,
	}
}

// ServeHTTP handles the TTN HTTP integration webhook.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wireContext, err := opentracing.GlobalTracer().Extract(
		opentracing.HTTPHeaders,
		opentracing.HTTPHeadersCarrier(r.Header))
	if err != nil {
		level.Debug(s.logger).Log("msg", "can't find a span", "error", err)
	}

	serverSpan := opentracing.StartSpan(
		"/"+s.config.VendorTag,
		ext.RPCServerOption(wireContext))
	defer serverSpan.Finish()
	ctx := opentracing.ContextWithSpan(r.Context(), serverSpan)

	if r.Method != http.MethodPost {
		plainText(w, http.StatusMethodNotAllowed, "Only POST with JSON body is allowed")
		return
	}

	body, err := ioutil.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			plainText(w, http.StatusRequestEntityTooLarge, "BODY TOO LARGE")
			return
		}
		level.Warn(s.logger).Log("msg", "can't read request body", "error", err)
		plainText(w, http.StatusBadRequest, "READ ERROR: "+err.Error())
		return
	}

	metrics.MsgReceivedCounter.WithLabelValues(metrics.ReceivedViaHTTP).Inc()

	env := envelope.FromRequest(r, body)
	env.Via = metrics.ReceivedViaHTTP

	devID, err := DeviceID(body)
	if err != nil {
		level.Info(s.logger).Log("msg", "invalid json body", "error", err, "remote_addr", r.RemoteAddr)
		plainText(w, http.StatusBadRequest, "JSON ERROR: "+err.Error())
		return
	}

	if err := s.Ingest(ctx, env, devID); err != nil {
		plainText(w, http.StatusServiceUnavailable, "BROKER ERROR: "+err.Error())
		return
	}

	plainText(w, http.StatusOK, "OK")
}

// Ingest stamps env for devID, publishes it on the raw data exchange and
// triggers an activity touch, an empty devID is skipped.
func (s *Server) Ingest(ctx context.Context, env *envelope.Envelope, devID string) error {
	if devID == "" {
		level.Info(s.logger).Log("msg", "no hardware_serial in uplink, skipping", "device_id", UnknownDevice, "via", env.Via)
		return nil
	}

	key, err := s.config.Keys.Key(s.config.VendorTag, devID)
	if err != nil {
		return err
	}

	env.Stamp(devID, s.now())
	b, err := envelope.Pack(env)
	if err != nil {
		metrics.ErrorCounter.Inc()
		level.Error(s.logger).Log("msg", "can't pack envelope", "device_id", devID, "error", err)
		return err
	}

	if err := s.publisher.Publish(ctx, s.config.Exchange, key, b); err != nil {
		metrics.ErrorCounter.Inc()
		level.Error(s.logger).Log("msg", "can't publish envelope", "device_id", devID, "key", key, "error", err)
		return err
	}

	level.Debug(s.logger).Log("msg", "published envelope", "device_id", devID, "key", key, "id", env.ID)

	s.touch(devID)
	return nil
}

// touch updates the device activity in the background, failures are only logged.
func (s *Server) touch(devID string) {
	if s.registry == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.config.TouchTimeout)
		defer cancel()
		if err := s.registry.TouchActivity(ctx, devID); err != nil {
			level.Warn(s.logger).Log("msg", "can't touch device activity", "device_id", devID, "error", err)
		}
	}()
}

// Wait blocks until pending activity touches are done.
func (s *Server) Wait() {
	s.wg.Wait()
}

// DeviceID parses a TTN uplink body and returns its hardware_serial,
// empty if absent, not a string or if the body is not a JSON object.
func DeviceID(body []byte) (string, error) {
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return "", err
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return "", nil
	}
	serial, _ := m["hardware_serial"].(string)
	return serial, nil
}

func plainText(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(code)
	w.Write([]byte(msg))
}
