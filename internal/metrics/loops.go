package metrics

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	systemRefreshInterval = 5 * time.Second
	snapshotInterval      = time.Minute
	alertCheckInterval    = time.Minute
	cleanupInterval       = time.Hour
	rollupTTL             = 90 * 24 * time.Hour
	dailyRollupKey        = "metrics:daily"
)

// Start launches the registry's four background loops. It returns
// immediately; the loops stop when ctx is cancelled.
func (r *Registry) Start(ctx context.Context) {
	go r.runSystemRefreshLoop(ctx)
	go r.runSnapshotLoop(ctx)
	go r.runAlertCheckLoop(ctx)
	go r.runCleanupLoop(ctx)
}

// runSystemRefreshLoop probes shared-store health every few seconds and
// logs the result at debug level. It stores nothing: GetMetricsSummary
// reads memory and goroutine figures itself when it is called.
func (r *Registry) runSystemRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(systemRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.store != nil {
				status, responseTime := r.probeStore()
				r.logger.Debug("shared-store health probe",
					zap.String("status", status), zap.Duration("responseTime", responseTime))
			}
		}
	}
}

// runSnapshotLoop records a minute-granularity time series point.
func (r *Registry) runSnapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			var total int64
			for _, count := range r.messagesByType {
				total += count
			}
			delta := total - r.lastMessageTotal
			r.lastMessageTotal = total
			r.mu.Unlock()
			r.recordSnapshot(delta)
		}
	}
}

// runAlertCheckLoop evaluates alert thresholds once a minute.
func (r *Registry) runAlertCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(alertCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkAlerts()
		}
	}
}

// runCleanupLoop trims stale snapshots hourly and, once a day, persists
// a rollup to the shared store with a 90-day TTL.
func (r *Registry) runCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	lastRollupDate := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			cutoff := time.Now().Add(-maxSnapshotAge)
			trimmed := r.snapshots[:0]
			for _, snap := range r.snapshots {
				if snap.Timestamp.After(cutoff) {
					trimmed = append(trimmed, snap)
				}
			}
			r.snapshots = trimmed
			r.mu.Unlock()

			today := time.Now().Format("2006-01-02")
			if r.persister != nil && today != lastRollupDate {
				rollup := r.buildDailyRollup()
				key := dailyRollupKey + ":" + today
				result := r.persister.SetJSON(ctx, key, rollup, rollupTTL)
				if !result.Ok {
					r.logger.Warn("failed to persist daily metrics rollup", zap.Error(result.Err))
				} else {
					lastRollupDate = today
				}
			}
		}
	}
}
