package endpoint

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "connmux"

type Metrics struct {
	BytesRead         prometheus.Counter
	BytesWritten      prometheus.Counter
	StreamsOpen       prometheus.Gauge
	StreamsClosed     *prometheus.CounterVec
	Accepts           *prometheus.CounterVec
	ConnectAttempts   *prometheus.CounterVec
	DatagramsSent     prometheus.Counter
	DatagramsReceived prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BytesRead: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "read_bytes_total",
			Help:      "Bytes read from streams.",
		}),
		BytesWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "written_bytes_total",
			Help:      "Bytes written to streams.",
		}),
		StreamsOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "open",
			Help:      "Streams currently open.",
		}),
		StreamsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "closed_total",
			Help:      "Streams closed, by reason.",
		}, []string{"reason"}),
		Accepts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "accepts_total",
			Help:      "Accepted connections, by result.",
		}, []string{"result"}),
		ConnectAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connector",
			Name:      "attempts_total",
			Help:      "Outbound connect attempts, by result.",
		}, []string{"result"}),
		DatagramsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "datagram",
			Name:      "sent_total",
			Help:      "Datagrams sent.",
		}),
		DatagramsReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "datagram",
			Name:      "received_total",
			Help:      "Datagrams received.",
		}),
	}
}

// DefaultMetrics is registered with the default prometheus registry and used
// by endpoints that are not given their own Metrics.
var DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

func metricsOrDefault(m *Metrics) *Metrics {
	if m == nil {
		return DefaultMetrics
	}
	return m
}
