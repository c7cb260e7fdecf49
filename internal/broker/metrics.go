// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package broker

import (
	"sync/atomic"
	"time"

	"github.com/Bobsans/VibeMQ-sub000/internal/broker/observability"
	"github.com/Bobsans/VibeMQ-sub000/internal/queue"
)

// metrics agrega os contadores do broker e publica o snapshot consumido pela
// API de observabilidade. Os contadores do queue core vivem nas filas e no
// tracker; aqui ficam apenas os de conexão e erro, que o core não vê.
type metrics struct {
	startedAt time.Time

	connectionsAccepted atomic.Int64
	connectionsRejected atomic.Int64
	errorsTotal         atomic.Int64

	// snap é o último snapshot publicado pelo clock. A API HTTP só lê;
	// nunca computa contadores sob demanda.
	snap atomic.Pointer[observability.MetricsSnapshot]
}

func newMetrics(now time.Time) *metrics {
	m := &metrics{startedAt: now}
	m.snap.Store(&observability.MetricsSnapshot{})
	return m
}

// snapshot retorna o último snapshot publicado.
func (m *metrics) snapshot() observability.MetricsSnapshot {
	return *m.snap.Load()
}

// publish monta e publica um snapshot novo. Chamado pelo clock a cada tick;
// now é o tempo do tick para manter uptime e latência coerentes entre si.
func (m *metrics) publish(now time.Time, mgr *queue.Manager, connCount int, memoryRSS uint64) {
	totals := mgr.Totals()
	tracker := mgr.Tracker()
	dlq := mgr.Dlq()

	snap := &observability.MetricsSnapshot{
		ActiveConnections:        connCount,
		QueueCount:               mgr.Count(),
		InFlightMessages:         tracker.Size(),
		MemoryUsageBytes:         memoryRSS,
		TotalPublished:           totals.Published,
		TotalDelivered:           totals.Delivered,
		TotalAcknowledged:        tracker.Acked(),
		TotalRetries:             tracker.Retries(),
		TotalDeadLettered:        totals.DeadLettered,
		TotalErrors:              m.errorsTotal.Load(),
		TotalConnectionsAccepted: m.connectionsAccepted.Load(),
		TotalConnectionsRejected: m.connectionsRejected.Load(),
		AverageDeliveryLatencyMs: tracker.AverageLatencyMs(),
		DroppedTTL:               totals.DroppedTTL,
		DroppedOverflow:          totals.DroppedOverflow,
		DlqSize:                  dlq.Size(),
		DlqEvicted:               dlq.Evicted(),
		UptimeSeconds:            int64(now.Sub(m.startedAt).Seconds()),
	}
	m.snap.Store(snap)
}
