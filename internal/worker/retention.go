package worker

import (
	"context"
	"time"

	"petavatar/internal/metrics"
)

// runRetention periodically sweeps job rows whose expiry has passed.
// Readers already refuse expired rows, so the sweep only reclaims
// storage; its timing is not correctness-critical.
func (w *Worker) runRetention(ctx context.Context) {
	interval := time.Duration(w.cfg.Retention.CleanupIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		deleted, err := w.store.DeleteExpiredJobs(ctx, time.Now().UTC())
		if err != nil {
			w.logger.Error("retention_sweep_failed", "error", err)
			continue
		}
		if deleted > 0 {
			metrics.RecordRetentionJobs(deleted)
			w.logger.Info("retention_sweep", "jobs_deleted", deleted)
		}
	}
}
