package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"capstan/internal/logging"
	"capstan/internal/queue"
)

// HeartbeatMonitor stamps the active queue item while a stage runs and
// reclaims items whose heartbeat went stale, usually after a daemon crash.
type HeartbeatMonitor struct {
	store             *queue.Store
	logger            *slog.Logger
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
}

func NewHeartbeatMonitor(store *queue.Store, logger *slog.Logger, interval, timeout time.Duration) *HeartbeatMonitor {
	if logger == nil {
		logger = logging.NewNop()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &HeartbeatMonitor{
		store:             store,
		logger:            logger.With(logging.String(logging.FieldComponent, "workflow-heartbeat")),
		heartbeatInterval: interval,
		heartbeatTimeout:  timeout,
	}
}

// ReclaimStaleItems returns items stuck in the given processing statuses to
// their start status when their heartbeat is older than the timeout. A
// timeout of zero disables reclaim.
func (h *HeartbeatMonitor) ReclaimStaleItems(ctx context.Context, statuses ...queue.Status) error {
	if h.heartbeatTimeout <= 0 || len(statuses) == 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-h.heartbeatTimeout)
	reclaimed, err := h.store.ReclaimStaleProcessing(ctx, cutoff, statuses...)
	if err != nil {
		return err
	}
	if reclaimed > 0 {
		h.logger.Info("reclaimed stale items", logging.Int64("count", reclaimed))
	}
	return nil
}

// StartLoop stamps the item's heartbeat until the context is cancelled.
func (h *HeartbeatMonitor) StartLoop(ctx context.Context, wg *sync.WaitGroup, itemID int64) {
	defer wg.Done()

	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.store.UpdateHeartbeat(ctx, itemID); err != nil {
				if errors.Is(err, context.Canceled) {
					h.logger.Info("daemon shutting down, heartbeat update cancelled")
					return
				}
				h.logger.Warn("heartbeat update failed",
					logging.Int64(logging.FieldJobID, itemID),
					logging.Error(err),
				)
			}
		}
	}
}
