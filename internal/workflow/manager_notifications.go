package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"capstan/internal/logging"
	"capstan/internal/notifications"
	"capstan/internal/queue"
)

func (m *Manager) notifyStageError(ctx context.Context, item *queue.Item, stageName string, stageErr error) {
	if m.notifier == nil {
		return
	}
	payload := notifications.Payload{
		"error":   stageErr.Error(),
		"context": fmt.Sprintf("%s (item #%d)", stageName, item.ID),
	}
	if err := m.notifier.Publish(ctx, notifications.EventError, payload); err != nil {
		if errors.Is(err, context.Canceled) {
			m.workerLogger().Debug("daemon shutting down, stage error notification skipped")
		} else {
			m.workerLogger().Debug("stage error notification failed", logging.Error(err))
		}
	}
}

func (m *Manager) notifyReviewRequired(ctx context.Context, item *queue.Item, reason string) {
	if m.notifier == nil {
		return
	}
	payload := notifications.Payload{
		"project": strings.TrimSpace(item.MovieName),
		"reason":  reason,
	}
	if err := m.notifier.Publish(ctx, notifications.EventReviewRequired, payload); err != nil {
		if errors.Is(err, context.Canceled) {
			m.workerLogger().Debug("daemon shutting down, review notification skipped")
		} else {
			m.workerLogger().Debug("review notification failed", logging.Error(err))
		}
	}
}

// onItemStarted announces the queue run once when work begins after an
// idle period.
func (m *Manager) onItemStarted(ctx context.Context) {
	if m.notifier == nil {
		return
	}
	stats, err := m.store.Stats(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			m.workerLogger().Debug("daemon shutting down, queue stats unavailable")
			return
		}
		logging.WarnWithContext(m.workerLogger(), "queue stats unavailable for start notification; notification skipped", "queue_stats_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check queue database access"),
			logging.String(logging.FieldImpact, "start notification will not be sent"),
		)
		return
	}

	m.mu.Lock()
	if m.queueActive {
		m.mu.Unlock()
		return
	}
	m.queueActive = true
	m.queueStart = time.Now()
	m.mu.Unlock()

	payload := notifications.Payload{"count": countWorkItems(stats)}
	if err := m.notifier.Publish(ctx, notifications.EventQueueStarted, payload); err != nil {
		m.workerLogger().Debug("queue start notification failed", logging.Error(err))
	}
}

// checkQueueCompletion announces the run summary once the queue drains.
func (m *Manager) checkQueueCompletion(ctx context.Context) {
	if m.notifier == nil {
		return
	}
	stats, err := m.store.Stats(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			m.workerLogger().Debug("queue stats unavailable for completion check", logging.Error(err))
		}
		return
	}
	if countActiveItems(stats) > 0 {
		return
	}

	m.mu.Lock()
	if !m.queueActive {
		m.mu.Unlock()
		return
	}
	m.queueActive = false
	duration := time.Since(m.queueStart)
	m.mu.Unlock()

	payload := notifications.Payload{
		"processed": stats[queue.StatusCompleted],
		"failed":    stats[queue.StatusFailed],
		"duration":  duration,
	}
	if err := m.notifier.Publish(ctx, notifications.EventQueueCompleted, payload); err != nil {
		m.workerLogger().Debug("queue completion notification failed", logging.Error(err))
	}
}

// countWorkItems counts items the run still owes work, terminal states
// excluded.
func countWorkItems(stats map[queue.Status]int) int {
	total := 0
	for status, count := range stats {
		switch status {
		case queue.StatusCompleted, queue.StatusFailed, queue.StatusReview:
			continue
		}
		total += count
	}
	return total
}

func countActiveItems(stats map[queue.Status]int) int {
	total := 0
	for _, status := range []queue.Status{
		queue.StatusPending,
		queue.StatusMerging,
		queue.StatusMerged,
		queue.StatusUpscaling,
		queue.StatusUpscaled,
		queue.StatusOrganizing,
	} {
		total += stats[status]
	}
	return total
}
