// Package health samples process memory and serves liveness and metrics
// endpoints.
package health

import (
	"context"
	"runtime"
	"sync"
	"time"

	"warden/internal/metrics"

	"go.uber.org/zap"
)

type Stats struct {
	HeapAllocBytes uint64    `json:"heapAllocBytes"`
	SysBytes       uint64    `json:"sysBytes"`
	GCRuns         uint32    `json:"gcRuns"`
	Goroutines     int       `json:"goroutines"`
	SampledAt      time.Time `json:"sampledAt"`
}

type Monitor struct {
	interval  time.Duration
	warnBytes uint64
	logger    *zap.Logger
	read      func() Stats

	mu   sync.RWMutex
	last Stats
}

// NewMonitor samples every interval and warns once the heap passes warnMegabytes.
// A zero warnMegabytes disables the warning.
func NewMonitor(interval time.Duration, warnMegabytes int, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var warn uint64
	if warnMegabytes > 0 {
		warn = uint64(warnMegabytes) * 1024 * 1024
	}
	return &Monitor{interval: interval, warnBytes: warn, logger: logger, read: readStats}
}

func readStats() Stats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return Stats{
		HeapAllocBytes: m.HeapAlloc,
		SysBytes:       m.Sys,
		GCRuns:         m.NumGC,
		Goroutines:     runtime.NumGoroutine(),
		SampledAt:      time.Now(),
	}
}

// Run samples until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.Sample()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

func (m *Monitor) Sample() Stats {
	stats := m.read()
	metrics.HeapBytes.Set(float64(stats.HeapAllocBytes))
	metrics.Goroutines.Set(float64(stats.Goroutines))

	m.mu.Lock()
	m.last = stats
	m.mu.Unlock()

	if m.warnBytes > 0 && stats.HeapAllocBytes > m.warnBytes {
		m.logger.Warn("heap above threshold",
			zap.Uint64("heap_mb", stats.HeapAllocBytes/1024/1024),
			zap.Uint64("threshold_mb", m.warnBytes/1024/1024),
			zap.Int("goroutines", stats.Goroutines),
		)
	} else {
		m.logger.Debug("memory sample",
			zap.Uint64("heap_mb", stats.HeapAllocBytes/1024/1024),
			zap.Int("goroutines", stats.Goroutines),
		)
	}
	return stats
}

// Snapshot returns the last sample, taking one if none exists yet.
func (m *Monitor) Snapshot() Stats {
	m.mu.RLock()
	last := m.last
	m.mu.RUnlock()
	if last.SampledAt.IsZero() {
		return m.Sample()
	}
	return last
}
