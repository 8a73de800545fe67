package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/srg/linkmgr/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	m := &dto.Metric{}
	require.NoError(t, (<-ch).Write(m))
	if m.GetCounter() != nil {
		return m.GetCounter().GetValue()
	}
	return m.GetGauge().GetValue()
}

func TestObserverTimesSends(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, err := NewObserver(reg)
	require.NoError(t, err)

	base := time.Unix(0, 0)
	now := base
	o.now = func() time.Time { return now }

	msg := transport.NewRawMessage(1, 1, []byte("hello"))
	o.StartRawMsg(msg)
	o.StartRawMsg(msg) // duplicate start is ignored
	assert.Equal(t, 1, o.InFlight())
	assert.Equal(t, float64(1), counterValue(t, o.inFlight))

	now = base.Add(20 * time.Millisecond)
	o.StopRawMsg(msg)

	assert.Zero(t, o.InFlight(), "a stopped message MUST leave the in-flight set")
	assert.Equal(t, float64(0), counterValue(t, o.inFlight))
	assert.Equal(t, float64(1), counterValue(t, o.messages.WithLabelValues("sent")))
	assert.Equal(t, float64(5), counterValue(t, o.payloadBytes.WithLabelValues("sent")))

	h := &dto.Metric{}
	require.NoError(t, o.sendLatency.Write(h))
	assert.Equal(t, uint64(1), h.GetHistogram().GetSampleCount())
	assert.InDelta(t, 0.02, h.GetHistogram().GetSampleSum(), 1e-9)
}

func TestObserverCountsReceived(t *testing.T) {
	o, err := NewObserver(nil)
	require.NoError(t, err)

	o.StopRawMsg(transport.NewRawMessage(2, 1, []byte("abc")))
	o.StopRawMsg(nil)

	assert.Equal(t, float64(1), counterValue(t, o.messages.WithLabelValues("received")))
	assert.Equal(t, float64(3), counterValue(t, o.payloadBytes.WithLabelValues("received")))
}

func TestObserverDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewObserver(reg)
	require.NoError(t, err)
	_, err = NewObserver(reg)
	assert.Error(t, err, "registering the same collectors twice MUST fail")
}
