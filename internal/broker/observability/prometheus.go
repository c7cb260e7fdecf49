// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// snapshotCollector traduz o MetricsSnapshot publicado pelo broker em
// métricas Prometheus via const-metrics. Collect apenas lê o último
// snapshot; nenhum contador é mantido aqui.
type snapshotCollector struct {
	view BrokerView

	activeConnections   *prometheus.Desc
	queueCount          *prometheus.Desc
	inFlight            *prometheus.Desc
	memoryUsage         *prometheus.Desc
	published           *prometheus.Desc
	delivered           *prometheus.Desc
	acknowledged        *prometheus.Desc
	retries             *prometheus.Desc
	deadLettered        *prometheus.Desc
	errors              *prometheus.Desc
	connectionsAccepted *prometheus.Desc
	connectionsRejected *prometheus.Desc
	deliveryLatency     *prometheus.Desc
	droppedTTL          *prometheus.Desc
	droppedOverflow     *prometheus.Desc
	dlqSize             *prometheus.Desc
	dlqEvicted          *prometheus.Desc
	uptime              *prometheus.Desc

	queuePending     *prometheus.Desc
	queueInFlight    *prometheus.Desc
	queueSubscribers *prometheus.Desc
}

func newSnapshotCollector(view BrokerView) *snapshotCollector {
	return &snapshotCollector{
		view: view,

		activeConnections: prometheus.NewDesc("vibemq_active_connections",
			"Number of authenticated client connections.", nil, nil),
		queueCount: prometheus.NewDesc("vibemq_queues",
			"Number of queues in the directory.", nil, nil),
		inFlight: prometheus.NewDesc("vibemq_in_flight_messages",
			"Messages delivered and awaiting acknowledgement.", nil, nil),
		memoryUsage: prometheus.NewDesc("vibemq_memory_usage_bytes",
			"Broker process resident set size.", nil, nil),
		published: prometheus.NewDesc("vibemq_published_total",
			"Messages accepted by publish.", nil, nil),
		delivered: prometheus.NewDesc("vibemq_delivered_total",
			"Message deliveries handed to subscribers.", nil, nil),
		acknowledged: prometheus.NewDesc("vibemq_acknowledged_total",
			"Deliveries acknowledged by subscribers.", nil, nil),
		retries: prometheus.NewDesc("vibemq_retries_total",
			"Redeliveries after ack timeout or negative ack.", nil, nil),
		deadLettered: prometheus.NewDesc("vibemq_dead_lettered_total",
			"Messages routed to the dead letter queue.", nil, nil),
		errors: prometheus.NewDesc("vibemq_errors_total",
			"Error frames sent to clients.", nil, nil),
		connectionsAccepted: prometheus.NewDesc("vibemq_connections_accepted_total",
			"TCP connections accepted by the listener.", nil, nil),
		connectionsRejected: prometheus.NewDesc("vibemq_connections_rejected_total",
			"TCP connections rejected (limits, handshake, auth).", nil, nil),
		deliveryLatency: prometheus.NewDesc("vibemq_delivery_latency_avg_ms",
			"EWMA of publish-to-ack latency in milliseconds.", nil, nil),
		droppedTTL: prometheus.NewDesc("vibemq_dropped_ttl_total",
			"Messages expired by TTL before delivery.", nil, nil),
		droppedOverflow: prometheus.NewDesc("vibemq_dropped_overflow_total",
			"Messages dropped by queue overflow strategies.", nil, nil),
		dlqSize: prometheus.NewDesc("vibemq_dlq_size",
			"Dead letter records currently retained.", nil, nil),
		dlqEvicted: prometheus.NewDesc("vibemq_dlq_evicted_total",
			"Dead letter records evicted by capacity or retention.", nil, nil),
		uptime: prometheus.NewDesc("vibemq_uptime_seconds",
			"Seconds since the broker started.", nil, nil),

		queuePending: prometheus.NewDesc("vibemq_queue_pending",
			"Messages buffered in the queue.", []string{"queue"}, nil),
		queueInFlight: prometheus.NewDesc("vibemq_queue_in_flight",
			"Unacked deliveries of the queue.", []string{"queue"}, nil),
		queueSubscribers: prometheus.NewDesc("vibemq_queue_subscribers",
			"Active subscriptions on the queue.", []string{"queue"}, nil),
	}
}

func (c *snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeConnections
	ch <- c.queueCount
	ch <- c.inFlight
	ch <- c.memoryUsage
	ch <- c.published
	ch <- c.delivered
	ch <- c.acknowledged
	ch <- c.retries
	ch <- c.deadLettered
	ch <- c.errors
	ch <- c.connectionsAccepted
	ch <- c.connectionsRejected
	ch <- c.deliveryLatency
	ch <- c.droppedTTL
	ch <- c.droppedOverflow
	ch <- c.dlqSize
	ch <- c.dlqEvicted
	ch <- c.uptime
	ch <- c.queuePending
	ch <- c.queueInFlight
	ch <- c.queueSubscribers
}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.view.Snapshot()

	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v)
	}

	gauge(c.activeConnections, float64(s.ActiveConnections))
	gauge(c.queueCount, float64(s.QueueCount))
	gauge(c.inFlight, float64(s.InFlightMessages))
	gauge(c.memoryUsage, float64(s.MemoryUsageBytes))
	counter(c.published, float64(s.TotalPublished))
	counter(c.delivered, float64(s.TotalDelivered))
	counter(c.acknowledged, float64(s.TotalAcknowledged))
	counter(c.retries, float64(s.TotalRetries))
	counter(c.deadLettered, float64(s.TotalDeadLettered))
	counter(c.errors, float64(s.TotalErrors))
	counter(c.connectionsAccepted, float64(s.TotalConnectionsAccepted))
	counter(c.connectionsRejected, float64(s.TotalConnectionsRejected))
	gauge(c.deliveryLatency, s.AverageDeliveryLatencyMs)
	counter(c.droppedTTL, float64(s.DroppedTTL))
	counter(c.droppedOverflow, float64(s.DroppedOverflow))
	gauge(c.dlqSize, float64(s.DlqSize))
	counter(c.dlqEvicted, float64(s.DlqEvicted))
	gauge(c.uptime, float64(s.UptimeSeconds))

	for _, info := range c.view.Queues() {
		ch <- prometheus.MustNewConstMetric(c.queuePending, prometheus.GaugeValue,
			float64(info.Pending), info.Name)
		ch <- prometheus.MustNewConstMetric(c.queueInFlight, prometheus.GaugeValue,
			float64(info.InFlight), info.Name)
		ch <- prometheus.MustNewConstMetric(c.queueSubscribers, prometheus.GaugeValue,
			float64(info.Subscribers), info.Name)
	}
}

// newPrometheusHandler monta o handler de GET /metrics com um registry
// próprio: só as métricas do broker, sem os collectors default do processo.
func newPrometheusHandler(view BrokerView) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(newSnapshotCollector(view))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
