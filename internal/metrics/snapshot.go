package metrics

import (
	"context"
	"runtime"
	"time"
)

func (r *Registry) currentHeapRatioLocked() float64 {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	if memStats.HeapSys == 0 {
		return 0
	}
	return float64(memStats.HeapAlloc) / float64(memStats.HeapSys) * 100
}

func (r *Registry) probeStore() (status string, responseTime time.Duration) {
	if r.store == nil {
		return "unknown", 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	report := r.store.HealthCheck(ctx)
	return string(report.Status), report.ResponseTime
}

// recordSnapshot appends a minute-granularity point to the time series
// and drops anything older than maxSnapshotAge.
func (r *Registry) recordSnapshot(messagesLastMinute int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.snapshots = append(r.snapshots, Snapshot{
		Timestamp:         time.Now(),
		ActiveConnections: r.activeConnections,
		MessageRatePerMin: float64(messagesLastMinute),
		MeanLatencyMS:     meanOf(r.latencySamples),
		ErrorRatePct:      r.errorRatePct(),
	})

	cutoff := time.Now().Add(-maxSnapshotAge)
	trimmed := r.snapshots[:0]
	for _, snap := range r.snapshots {
		if snap.Timestamp.After(cutoff) {
			trimmed = append(trimmed, snap)
		}
	}
	r.snapshots = trimmed
}

// DailyRollup is the aggregate persisted to the shared store once a day.
type DailyRollup struct {
	Date              string  `json:"date"`
	TotalConnections  int64   `json:"totalConnections"`
	PeakConnections   int64   `json:"peakConnections"`
	MeanLatencyMS     float64 `json:"meanLatencyMs"`
	P95LatencyMS      float64 `json:"p95LatencyMs"`
	ErrorRatePct      float64 `json:"errorRatePct"`
}

func (r *Registry) buildDailyRollup() DailyRollup {
	r.mu.Lock()
	defer r.mu.Unlock()
	return DailyRollup{
		Date:             time.Now().Format("2006-01-02"),
		TotalConnections: r.totalConnections,
		PeakConnections:  r.peakConnections,
		MeanLatencyMS:    meanOf(r.latencySamples),
		P95LatencyMS:     percentile(r.latencySamples, 0.95),
		ErrorRatePct:     r.errorRatePct(),
	}
}
