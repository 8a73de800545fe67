// Package telemetry exports raw message timing as Prometheus metrics.
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/srg/linkmgr/pkg/transport"
)

const namespace = "linkmgr"

// Observer implements transport.TelemetryObserver.
// Messages seen by StartRawMsg are timed until StopRawMsg; a StopRawMsg for a
// message that was never started is counted as a received message.
type Observer struct {
	mu       sync.Mutex
	inflight map[*transport.RawMessage]time.Time
	now      func() time.Time

	sendLatency  prometheus.Histogram
	inFlight     prometheus.Gauge
	messages     *prometheus.CounterVec
	payloadBytes *prometheus.CounterVec
}

var _ transport.TelemetryObserver = (*Observer)(nil)

// NewObserver creates the observer and registers its collectors on reg.
// A nil reg leaves the collectors unregistered.
func NewObserver(reg prometheus.Registerer) (*Observer, error) {
	o := &Observer{
		inflight: make(map[*transport.RawMessage]time.Time),
		now:      time.Now,
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Time from handing a message to an adapter until its send completed.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "messages_in_flight",
			Help:      "Messages handed to adapters without a completion yet.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Raw messages by direction.",
		}, []string{"direction"}),
		payloadBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_bytes_total",
			Help:      "Raw message payload bytes by direction.",
		}, []string{"direction"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{o.sendLatency, o.inFlight, o.messages, o.payloadBytes} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return o, nil
}

func (o *Observer) StartRawMsg(msg *transport.RawMessage) {
	if msg == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, dup := o.inflight[msg]; dup {
		return
	}
	o.inflight[msg] = o.now()
	o.inFlight.Inc()
}

func (o *Observer) StopRawMsg(msg *transport.RawMessage) {
	if msg == nil {
		return
	}
	o.mu.Lock()
	started, ok := o.inflight[msg]
	if ok {
		delete(o.inflight, msg)
	}
	o.mu.Unlock()

	if !ok {
		o.messages.WithLabelValues("received").Inc()
		o.payloadBytes.WithLabelValues("received").Add(float64(msg.Len()))
		return
	}
	o.inFlight.Dec()
	o.sendLatency.Observe(o.now().Sub(started).Seconds())
	o.messages.WithLabelValues("sent").Inc()
	o.payloadBytes.WithLabelValues("sent").Add(float64(msg.Len()))
}

// InFlight returns the number of timed messages awaiting StopRawMsg.
func (o *Observer) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}
