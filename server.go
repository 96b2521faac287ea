package ttnrelay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	log "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"

	"github.com/akhenakh/ttnrelay/broker"
	"github.com/akhenakh/ttnrelay/envelope"
	"github.com/akhenakh/ttnrelay/metrics"
	"github.com/akhenakh/ttnrelay/payload"
	"github.com/akhenakh/ttnrelay/routing"
	"github.com/akhenakh/ttnrelay/storage"
)

// Decoder turns a payload into fields using the named decoder.
type Decoder interface {
	Decode(ctx context.Context, name, payloadHex string, port int) (map[string]interface{}, error)
}

// Server decodes enveloped uplinks and republishes them as parsed data.
type Server struct {
	appName   string
	logger    log.Logger
	config    Config
	registry  storage.Registry
	decoder   Decoder
	publisher broker.Publisher
}

type Config struct {
	VendorTag string

	// the parsed data exchange
	Exchange string

	Keys routing.Builder

	// processing timeout of one validated message
	Timeout time.Duration
}

func NewServer(appName string, logger log.Logger, reg storage.Registry, dec Decoder, pub broker.Publisher, cfg Config) *Server {
	logger = log.With(logger, "component", "decoder")
	if cfg.VendorTag == "" {
		cfg.VendorTag = routing.TheThings
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Server{
		appName:   appName,
		logger:    logger,
		config:    cfg,
		registry:  reg,
		decoder:   dec,
		publisher: pub,
	}
}

// HandleDelivery handles one enveloped raw request from the broker,
// every path resolves to an explicit acknowledgment decision.
func (s *Server) HandleDelivery(ctx context.Context, body []byte) broker.Action {
	env, err := envelope.Unpack(body)
	if err != nil {
		metrics.ErrorCounter.Inc()
		level.Error(s.logger).Log("msg", "can't unpack envelope, dropping", "error", err, "size", len(body))
		return broker.Poison
	}

	wireContext, err := opentracing.GlobalTracer().Extract(
		opentracing.HTTPHeaders,
		opentracing.HTTPHeadersCarrier(env.HTTPHeader()))
	if err != nil {
		level.Debug(s.logger).Log("msg", "can't find a span", "error", err)
	}
	span := opentracing.StartSpan("decode."+s.config.VendorTag, ext.RPCServerOption(wireContext))
	defer span.Finish()
	ctx = opentracing.ContextWithSpan(ctx, span)

	var up UplinkPayload
	if err := json.Unmarshal(env.Body, &up); err != nil {
		metrics.ErrorCounter.Inc()
		level.Error(s.logger).Log("msg", "can't parse uplink json, dropping", "error", err, "id", env.ID)
		return broker.Poison
	}

	if up.HardwareSerial == "" {
		level.Warn(s.logger).Log("msg", "hardware_serial not found in uplink", "id", env.ID)
		return broker.Ack
	}

	return s.process(ctx, &up)
}

func (s *Server) process(ctx context.Context, up *UplinkPayload) broker.Action {
	devID := up.HardwareSerial
	logger := log.With(s.logger, "device_id", devID)

	fail := func(err error, msg string) broker.Action {
		action := Classify(err)
		if action == broker.Poison {
			metrics.ErrorCounter.Inc()
			level.Error(logger).Log("msg", msg+", dropping", "error", err)
		} else {
			level.Warn(logger).Log("msg", msg+", will retry", "error", err)
		}
		return action
	}

	ts, err := up.Time()
	if err != nil {
		return fail(err, "invalid uplink time")
	}
	logger = log.With(logger, "time", ts)

	payloadHex, err := up.PayloadHex()
	if err != nil {
		return fail(err, "invalid uplink payload")
	}
	logger = log.With(logger, "payload_hex", payloadHex)

	rssi, err := up.RSSI()
	if err != nil {
		return fail(err, "invalid uplink gateway metadata")
	}

	port, err := up.FPort()
	if err != nil {
		return fail(err, "invalid uplink port")
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	dl, existed, err := s.registry.Lookup(ctx, devID)
	if err != nil {
		return fail(err, "can't lookup datalogger")
	}
	if !existed {
		level.Info(logger).Log("msg", "new datalogger registered", "decoder", dl.Decoder)
	}

	level.Info(logger).Log("msg", "decoding uplink", "rssi", rssi, "port", port, "decoder", dl.Decoder)

	fields, err := s.decoder.Decode(ctx, dl.Decoder, payloadHex, port)
	if err != nil {
		return fail(err, "can't decode payload")
	}
	fields["rssi"] = rssi

	key, err := s.config.Keys.Key(s.config.VendorTag, devID)
	if err != nil {
		return fail(err, "can't build routing key")
	}

	msg := envelope.NewParsedDataMessage(devID, envelope.NewDataLine(ts, fields))
	b, err := envelope.PackParsed(msg)
	if err != nil {
		return fail(err, "can't pack parsed data")
	}

	if err := s.publisher.Publish(ctx, s.config.Exchange, key, b); err != nil {
		return fail(err, "can't publish parsed data")
	}

	level.Debug(logger).Log("msg", "published parsed data", "exchange", s.config.Exchange, "key", key)
	return broker.Ack
}

// Classify maps a processing error to an acknowledgment decision: structurally invalid
// input is poison, everything else, including timeouts, is retried.
func Classify(err error) broker.Action {
	if err == nil {
		return broker.Ack
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return broker.Retry
	}

	var derr *payload.DecodeError
	var cerr *envelope.CodecError
	switch {
	case errors.Is(err, ErrInvalidUplink),
		errors.Is(err, routing.ErrEmptySegment),
		errors.As(err, &derr),
		errors.As(err, &cerr):
		return broker.Poison
	}
	return broker.Retry
}
