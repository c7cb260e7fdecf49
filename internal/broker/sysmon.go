package broker

import (
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemStats holds collected process and system metrics.
type SystemStats struct {
	MemoryRSS     uint64  // bytes residentes do processo do broker
	CPUPercent    float64 // CPU do processo
	MemoryPercent float64 // memória do sistema
	LoadAverage   float64
	Goroutines    int
}

// SystemMonitor collects process metrics periodically. MemoryRSS feeds the
// health rule (memory_usage_bytes / memoryLimit); the rest feeds the
// maintenance stats line.
type SystemMonitor struct {
	logger *slog.Logger
	proc   *process.Process
	close  chan struct{}
	wg     sync.WaitGroup
	stats  SystemStats
	mu     sync.RWMutex
}

// NewSystemMonitor creates a new SystemMonitor.
func NewSystemMonitor(logger *slog.Logger) *SystemMonitor {
	sm := &SystemMonitor{
		logger: logger.With("component", "system_monitor"),
		close:  make(chan struct{}),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		sm.proc = p
	} else {
		sm.logger.Warn("failed to attach process handle; memory stats unavailable", "error", err)
	}
	return sm
}

// Start begins periodic metric collection.
func (sm *SystemMonitor) Start() {
	sm.wg.Add(1)
	go sm.run()
}

// Stop stops the monitor.
func (sm *SystemMonitor) Stop() {
	close(sm.close)
	sm.wg.Wait()
}

// Stats returns the latest collected stats.
func (sm *SystemMonitor) Stats() SystemStats {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.stats
}

// MemoryRSS returns the latest resident set size of the broker process.
func (sm *SystemMonitor) MemoryRSS() uint64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.stats.MemoryRSS
}

func (sm *SystemMonitor) run() {
	defer sm.wg.Done()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	// Initial collection
	sm.collect()

	for {
		select {
		case <-sm.close:
			return
		case <-ticker.C:
			sm.collect()
		}
	}
}

func (sm *SystemMonitor) collect() {
	stats := SystemStats{Goroutines: runtime.NumGoroutine()}

	if sm.proc != nil {
		// Process RSS
		if mi, err := sm.proc.MemoryInfo(); err == nil && mi != nil {
			stats.MemoryRSS = mi.RSS
		} else {
			sm.logger.Debug("failed to collect process memory stats", "error", err)
		}

		// Process CPU
		if percentage, err := sm.proc.CPUPercent(); err == nil {
			stats.CPUPercent = percentage
		} else {
			sm.logger.Debug("failed to collect process cpu stats", "error", err)
		}
	}

	// System memory
	if v, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = v.UsedPercent
	} else {
		sm.logger.Debug("failed to collect memory stats", "error", err)
	}

	// Load Avg
	if l, err := load.Avg(); err == nil {
		stats.LoadAverage = l.Load1
	} else {
		sm.logger.Debug("failed to collect load stats", "error", err)
	}

	sm.mu.Lock()
	sm.stats = stats
	sm.mu.Unlock()
}
