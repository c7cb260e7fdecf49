// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Bobsans/VibeMQ-sub000/internal/config"
)

// janitorStopGrace é quanto o Stop espera por um ciclo de manutenção em
// andamento antes de desistir.
const janitorStopGrace = 10 * time.Second

// Janitor roda a manutenção periódica do broker via cron: retenção da DLQ,
// flush do archiver e a linha de stats. Ciclos que se sobrepõem são pulados.
type Janitor struct {
	b       *Broker
	cfg     config.MaintenanceConfig
	logger  *slog.Logger
	cron    *cron.Cron
	mu      sync.Mutex // garante um ciclo por vez
	running bool
}

// NewJanitor prepara o scheduler de manutenção. A expressão cron já foi
// validada pela config.
func NewJanitor(b *Broker, cfg config.MaintenanceConfig, logger *slog.Logger) *Janitor {
	return &Janitor{
		b:      b,
		cfg:    cfg,
		logger: logger.With("component", "janitor"),
	}
}

// Start registra o ciclo de manutenção no cron e o inicia.
func (j *Janitor) Start() error {
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(j.logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(j.cfg.Schedule, j.runCycle); err != nil {
		return fmt.Errorf("registering maintenance schedule %q: %w", j.cfg.Schedule, err)
	}
	j.cron = c
	j.cron.Start()
	j.logger.Info("maintenance scheduler started", "schedule", j.cfg.Schedule, "dlqRetention", j.cfg.DlqRetention)
	return nil
}

// Stop para o cron e espera um ciclo em andamento até janitorStopGrace.
func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	stopCtx := j.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(janitorStopGrace):
		j.logger.Warn("maintenance cycle still running at stop")
	}
}

// runCycle executa um ciclo de manutenção. Ciclo anterior ainda rodando é
// pulado, não enfileirado.
func (j *Janitor) runCycle() {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		j.logger.Warn("maintenance cycle already running, skipping")
		return
	}
	j.running = true
	j.mu.Unlock()

	defer func() {
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
	}()

	start := time.Now()

	purged := j.retentionSweep(start)

	if j.b.archiver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), janitorStopGrace)
		j.b.archiver.Flush(ctx)
		cancel()
	}

	j.statsLine(start, purged)
}

// retentionSweep descarta dead letters mais velhas que dlqRetention. Com o
// archiver ligado, os registros purgados já passaram pelo hook de evict ou
// serão cobertos pelo flush deste ciclo.
func (j *Janitor) retentionSweep(now time.Time) int {
	cutoff := now.Add(-j.cfg.DlqRetention)
	purged := j.b.manager.Dlq().PurgeOlderThan(cutoff)
	if purged > 0 {
		j.logger.Info("dlq retention sweep", "purged", purged, "olderThan", j.cfg.DlqRetention.String())
		j.b.emitEvent("info", "DLQ_RETENTION", "",
			fmt.Sprintf("%d dead letter(s) purged (older than %s)", purged, j.cfg.DlqRetention))
	}
	return purged
}

// statsLine loga o resumo operacional do broker no estilo das linhas de
// stats periódicas do servidor.
func (j *Janitor) statsLine(now time.Time, purged int) {
	snap := j.b.metrics.snapshot()
	sys := j.b.sysmon.Stats()

	j.logger.Info("broker stats",
		"uptime", (time.Duration(snap.UptimeSeconds) * time.Second).String(),
		"conns", snap.ActiveConnections,
		"queues", snap.QueueCount,
		"in_flight", snap.InFlightMessages,
		"published", snap.TotalPublished,
		"delivered", snap.TotalDelivered,
		"acked", snap.TotalAcknowledged,
		"retries", snap.TotalRetries,
		"dead_lettered", snap.TotalDeadLettered,
		"dlq_size", snap.DlqSize,
		"dlq_purged", purged,
		"avg_latency_ms", fmt.Sprintf("%.2f", snap.AverageDeliveryLatencyMs),
		"rss_mb", fmt.Sprintf("%.1f", float64(sys.MemoryRSS)/(1024*1024)),
		"goroutines", sys.Goroutines,
		"cycle", time.Since(now).Round(time.Millisecond).String(),
	)
}
