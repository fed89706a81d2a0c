package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MQTT error stages
const (
	MQTTStageConnect        = "connect"
	MQTTStagePublish        = "publish"
	MQTTStageConnectionLost = "connection_lost"
)

// MQTTMetrics tracks the event publisher's broker connection and deliveries.
type MQTTMetrics struct {
	connected   prometheus.Gauge
	connectedAt prometheus.Gauge
	delivered   prometheus.Counter
	errors      *prometheus.CounterVec
	payload     prometheus.Histogram
	latency     prometheus.Histogram
}

// NewMQTTMetrics creates the MQTT collectors and registers them.
func NewMQTTMetrics(registry prometheus.Registerer) (*MQTTMetrics, error) {
	m := &MQTTMetrics{
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audiobridge_mqtt_connection_status",
			Help: "1 while connected to the MQTT broker, 0 otherwise",
		}),
		connectedAt: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audiobridge_mqtt_last_connect_time_seconds",
			Help: "Unix time of the last successful broker connection",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audiobridge_mqtt_messages_delivered_total",
			Help: "Device events delivered to the broker",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audiobridge_mqtt_errors_total",
			Help: "MQTT failures by stage",
		}, []string{"stage"}),
		payload: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "audiobridge_mqtt_payload_bytes",
			Help:    "Size of published event payloads",
			Buckets: prometheus.ExponentialBuckets(BucketStart64B, BucketFactor2, BucketCount10),
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "audiobridge_mqtt_publish_latency_seconds",
			Help:    "Time from publish to broker acknowledgement",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount10),
		}),
	}
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateConnectionStatus records a connection state change.
func (m *MQTTMetrics) UpdateConnectionStatus(connected bool) {
	if !connected {
		m.connected.Set(0)
		return
	}
	m.connected.Set(1)
	m.connectedAt.SetToCurrentTime()
}

// RecordError counts a failure at stage.
func (m *MQTTMetrics) RecordError(stage string) {
	m.errors.WithLabelValues(stage).Inc()
}

// ObservePublish records a delivered payload of size bytes that took d.
func (m *MQTTMetrics) ObservePublish(size int, d time.Duration) {
	m.delivered.Inc()
	m.payload.Observe(float64(size))
	m.latency.Observe(d.Seconds())
}

func (m *MQTTMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.connected, m.connectedAt, m.delivered, m.errors, m.payload, m.latency}
}

// Describe implements prometheus.Collector.
func (m *MQTTMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *MQTTMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}
