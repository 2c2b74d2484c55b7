package p2p

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *networkMetrics
)

type networkMetrics struct {
	messages *prometheus.CounterVec

	messageCounter metric.Int64Counter
}

func newNetworkMetrics() *networkMetrics {
	metricsInitOnce.Do(func() {
		nm := &networkMetrics{
			messages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tradenet",
				Subsystem: "p2p",
				Name:      "messages_total",
				Help:      "Count of routed messages by direction, type and outcome.",
			}, []string{"direction", "type", "outcome"}),
		}
		prometheus.MustRegister(nm.messages)
		nm.initMeter()
		sharedMetrics = nm
	})
	return sharedMetrics
}

func (m *networkMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("tradenet/p2p")
	counter, err := meter.Int64Counter("tradenet.p2p.messages")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("tradenet/p2p")
		counter, _ = fallback.Int64Counter("tradenet.p2p.messages")
	}
	m.messageCounter = counter
}

func (m *networkMetrics) recordMessage(direction string, msgType byte, outcome string) {
	if m == nil {
		return
	}
	label := fmt.Sprintf("0x%02x", msgType)
	if direction == "" {
		direction = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.messages.WithLabelValues(direction, label, outcome).Inc()
	if m.messageCounter != nil {
		m.messageCounter.Add(
			context.Background(),
			1,
			metric.WithAttributes(
				attribute.String("direction", direction),
				attribute.String("type", label),
				attribute.String("outcome", outcome),
			),
		)
	}
}
