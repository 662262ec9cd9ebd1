package natsclient

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mr-carleone/server-for-nats/metric"
)

// streamMetrics polls StreamInfo for a fixed set of streams and exports
// their state as gauges.
type streamMetrics struct {
	streamMessages *prometheus.GaugeVec
	streamBytes    *prometheus.GaugeVec
	streamUp       *prometheus.GaugeVec

	streams  []string
	interval time.Duration
}

func newStreamMetrics(registry metric.MetricsRegistrar, interval time.Duration, streams ...string) (*streamMetrics, error) {
	m := &streamMetrics{
		streamMessages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wsbridge",
			Subsystem: "jetstream",
			Name:      "stream_messages",
			Help:      "Current number of messages in stream",
		}, []string{"stream"}),

		streamBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wsbridge",
			Subsystem: "jetstream",
			Name:      "stream_bytes",
			Help:      "Storage bytes used by stream",
		}, []string{"stream"}),

		streamUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wsbridge",
			Subsystem: "jetstream",
			Name:      "stream_up",
			Help:      "Whether the last stream info query succeeded (1=yes, 0=no)",
		}, []string{"stream"}),

		streams:  streams,
		interval: interval,
	}

	if err := registry.RegisterGaugeVec("jetstream", "stream_messages", m.streamMessages); err != nil {
		return nil, err
	}
	if err := registry.RegisterGaugeVec("jetstream", "stream_bytes", m.streamBytes); err != nil {
		return nil, err
	}
	if err := registry.RegisterGaugeVec("jetstream", "stream_up", m.streamUp); err != nil {
		return nil, err
	}

	return m, nil
}

type streamInfoer interface {
	StreamInfo(ctx context.Context, name string) (StreamInfo, error)
}

// collect refreshes the gauges once.
func (m *streamMetrics) collect(ctx context.Context, src streamInfoer) {
	for _, name := range m.streams {
		queryCtx, cancel := context.WithTimeout(ctx, m.interval)
		info, err := src.StreamInfo(queryCtx, name)
		cancel()
		if err != nil {
			m.streamUp.WithLabelValues(name).Set(0)
			continue
		}
		m.streamUp.WithLabelValues(name).Set(1)
		m.streamMessages.WithLabelValues(name).Set(float64(info.Messages))
		m.streamBytes.WithLabelValues(name).Set(float64(info.Bytes))
	}
}

func (m *streamMetrics) startPoller(ctx context.Context, src streamInfoer) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.collect(ctx, src)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.collect(ctx, src)
			}
		}
	}()
	return cancel
}
