package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ViaLabel        = "via"
	ReceivedViaHTTP = "HTTP"
	ReceivedViaMQTT = "MQTT"

	ExchangeLabel = "exchange"
	ResultLabel   = "result"
)

var (
	MsgReceivedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ttnrelay",
			Name:      "received_msg_total",
			Help:      "The total number of received uplinks",
		},
		[]string{ViaLabel},
	)

	PublishedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ttnrelay",
			Name:      "published_msg_total",
			Help:      "The total number of msg published to the broker",
		},
		[]string{ExchangeLabel},
	)

	ConsumedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ttnrelay",
			Name:      "consumed_msg_total",
			Help:      "The total number of consumed msg by outcome",
		},
		[]string{ResultLabel},
	)

	ErrorCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ttnrelay",
			Name:      "error_total",
			Help:      "The total number of errors occurring",
		},
	)

	InsertCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ttnrelay",
			Name:      "insert_total",
			Help:      "The total number of inserts in the time series db",
		},
	)
)
