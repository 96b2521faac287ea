// Package sink stores parsed data lines into InfluxDB.
package sink

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	log "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/akhenakh/ttnrelay/broker"
	"github.com/akhenakh/ttnrelay/envelope"
	"github.com/akhenakh/ttnrelay/metrics"
)

const (
	DefaultMeasurement = "ttn_uplink"

	// DeviceTag is the tag carrying the device id
	DeviceTag = "devid"
)

// PointWriter writes points synchronously, satisfied by api.WriteAPIBlocking.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

type Options struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
	Timeout     time.Duration
}

// Sink writes every DataLine of a ParsedDataMessage as one point.
type Sink struct {
	logger      log.Logger
	writer      PointWriter
	measurement string
	timeout     time.Duration
}

// NewClient returns an influx client and its blocking write API.
func NewClient(o Options) (influxdb2.Client, PointWriter) {
	client := influxdb2.NewClient(o.URL, o.Token)
	return client, client.WriteAPIBlocking(o.Org, o.Bucket)
}

func New(logger log.Logger, w PointWriter, measurement string, timeout time.Duration) *Sink {
	if measurement == "" {
		measurement = DefaultMeasurement
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Sink{
		logger:      log.With(logger, "component", "sink"),
		writer:      w,
		measurement: measurement,
		timeout:     timeout,
	}
}

// HandleDelivery stores one packed ParsedDataMessage.
func (s *Sink) HandleDelivery(ctx context.Context, body []byte) broker.Action {
	m, err := envelope.UnpackParsed(body)
	if err != nil {
		metrics.ErrorCounter.Inc()
		level.Error(s.logger).Log("msg", "can't unpack parsed data, dropping", "error", err)
		return broker.Poison
	}

	points := s.Points(m)
	if len(points) == 0 {
		level.Warn(s.logger).Log("msg", "nothing to store", "device_id", m.DeviceID)
		return broker.Ack
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.writer.WritePoint(ctx, points...); err != nil {
		level.Warn(s.logger).Log("msg", "can't write points, will retry", "error", err, "device_id", m.DeviceID)
		return broker.Retry
	}

	metrics.InsertCounter.Add(float64(len(points)))
	level.Debug(s.logger).Log("msg", "stored points", "count", len(points), "device_id", m.DeviceID)
	return broker.Ack
}

// Points converts m, lines without any storable field are skipped.
func (s *Sink) Points(m *envelope.ParsedDataMessage) []*write.Point {
	points := make([]*write.Point, 0, len(m.DataLines))
	for _, line := range m.DataLines {
		flat := make(map[string]interface{})
		flatten("", line.Data, flat)

		fields := make(map[string]interface{}, len(flat))
		for k, v := range flat {
			if fv, ok := normalizeFieldValue(v); ok {
				fields[sanitizeFieldKey(k)] = fv
			}
		}
		if len(fields) == 0 {
			continue
		}

		tags := map[string]string{DeviceTag: m.DeviceID}
		points = append(points, write.NewPoint(s.measurement, tags, fields, line.Time))
	}
	return points
}

// flatten joins nested keys with "_", slices become comma separated strings
func flatten(prefix string, v interface{}, out map[string]interface{}) {
	key := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "_" + k
	}
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			flatten(key(k), val, out)
		}
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, fmt.Sprintf("%v", item))
		}
		out[prefix] = strings.Join(parts, ",")
	default:
		out[prefix] = t
	}
}

func normalizeFieldValue(v interface{}) (interface{}, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case int32:
		return float64(x), true
	case uint32:
		return float64(x), true
	case int16:
		return float64(x), true
	case uint16:
		return float64(x), true
	case int8:
		return float64(x), true
	case uint8:
		return float64(x), true
	case bool:
		return x, true
	case string:
		return x, true
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), true
	default:
		return nil, false
	}
}

var fieldKeyRe = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

func sanitizeFieldKey(k string) string {
	k = strings.TrimSpace(k)
	k = fieldKeyRe.ReplaceAllString(k, "_")
	k = strings.Trim(k, "_")
	if k == "" {
		return "field"
	}
	return k
}
