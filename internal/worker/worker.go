package worker

import (
	"context"
	"log"
	"time"

	"github.com/automail/engine/internal/engine"
)

// Runner triggers dispatch runs on a fixed interval when the service runs in
// serve mode, standing in for an external cron. Overlap between a ticker run
// and an HTTP-triggered run is safe: the store's atomic claim keeps any job
// from being processed twice.
type Runner struct {
	engine       *engine.Engine
	pollInterval time.Duration
}

// New creates a new periodic runner
func New(eng *engine.Engine, pollInterval time.Duration) *Runner {
	return &Runner{
		engine:       eng,
		pollInterval: pollInterval,
	}
}

// Start runs dispatch cycles until the context is canceled
func (r *Runner) Start(ctx context.Context) {
	log.Printf("[RUNNER] started interval=%v", r.pollInterval)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[RUNNER] shutting down")
			return
		case <-ticker.C:
			summary, err := r.engine.ProcessJobs(ctx)
			if err != nil {
				log.Printf("[RUNNER] dispatch run failed: %v", err)
				continue
			}
			if summary.ProcessedJobs > 0 {
				log.Printf("[RUNNER] processed=%d failed=%d", summary.ProcessedJobs, summary.FailedJobs)
			}
		}
	}
}
