package metrics

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/chronomail/chronomail/internal/capsule"
)

// Collector periodically refreshes gauges that mirror external state:
// capsule counts from the store, process stats, and the database file
// size. Counters are driven by the components themselves.
type Collector struct {
	metrics     *Metrics
	repo        capsule.Repository
	storagePath string
	interval    time.Duration
	logger      *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCollector creates a collector polling at interval (default 15s).
func NewCollector(m *Metrics, repo capsule.Repository, storagePath string, interval time.Duration, logger *slog.Logger) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		metrics:     m,
		repo:        repo,
		storagePath: storagePath,
		interval:    interval,
		logger:      logger,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start launches the refresh loop. An immediate refresh runs before the
// first tick so gauges are populated at startup.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		defer close(c.doneCh)

		c.refresh(ctx)

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.refresh(ctx)
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the refresh loop and waits for it to exit.
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Collector) refresh(ctx context.Context) {
	counts, err := c.repo.Stats(ctx)
	if err != nil {
		c.logger.Warn("failed to refresh capsule gauges", "error", err)
	} else {
		c.metrics.CapsulesPending.Set(float64(counts.Pending))
		c.metrics.CapsulesProcessing.Set(float64(counts.Processing))
	}

	c.metrics.UptimeSeconds.Set(time.Since(c.metrics.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}
}
