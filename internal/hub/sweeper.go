package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/caremate/internal/store"
)

// SweeperConfig controls idle session eviction and device retention.
type SweeperConfig struct {
	Interval time.Duration
	// IdleTTL is how long a detached session stays in memory.
	IdleTTL time.Duration
	// DeviceRetention is how long stored state of an unseen device is kept.
	// Zero disables device cleanup.
	DeviceRetention time.Duration
}

// EvictCallback is called for every evicted owner id.
type EvictCallback func(ownerID string)

// StartSweeper runs a background goroutine that periodically evicts idle
// sessions and deletes stored state of long-unseen devices.
func StartSweeper(ctx context.Context, h *Hub, repo store.Repository, cfg SweeperConfig, onEvict EvictCallback) {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	ticker := time.NewTicker(cfg.Interval)
	go func() {
		defer ticker.Stop()
		slog.Info("session sweeper started", "interval", cfg.Interval, "idle_ttl", cfg.IdleTTL)

		for {
			select {
			case <-ticker.C:
				sweepOnce(ctx, h, repo, cfg, time.Now(), onEvict)
			case <-ctx.Done():
				slog.Info("session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepOnce(ctx context.Context, h *Hub, repo store.Repository, cfg SweeperConfig, now time.Time, onEvict EvictCallback) {
	evicted := h.Sweep(now, cfg.IdleTTL)
	if len(evicted) > 0 {
		slog.Info("session sweeper evicted idle sessions", "count", len(evicted), "live", h.Len())
	}
	if onEvict != nil {
		for _, owner := range evicted {
			onEvict(owner)
		}
	}

	if repo == nil || cfg.DeviceRetention <= 0 {
		return
	}
	if deleted, err := repo.DeleteStaleDevices(ctx, cfg.DeviceRetention); err != nil {
		slog.Error("session sweeper failed to delete stale devices", "error", err)
	} else if deleted > 0 {
		slog.Info("session sweeper deleted stale devices", "count", deleted)
	}
}
