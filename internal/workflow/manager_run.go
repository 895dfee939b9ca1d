package workflow

import (
	"context"
	"errors"
	"time"

	"capstan/internal/logging"
	"capstan/internal/queue"
)

// Start launches the background worker. It fails when the manager is
// already running or no stages are configured.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	if len(m.stages) == 0 {
		m.mu.Unlock()
		return errors.New("workflow stages not configured")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(runCtx)

	m.workerLogger().Info("workflow manager started",
		logging.Duration("poll_interval", m.pollInterval),
	)
	return nil
}

// Stop cancels the worker and waits for the in-flight stage to unwind.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.workerLogger().Info("workflow manager stopped")
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	logger := m.workerLogger()
	for {
		if ctx.Err() != nil {
			return
		}

		if err := m.heartbeat.ReclaimStaleItems(ctx, m.processingStatusesSnapshot()...); err != nil && !errors.Is(err, context.Canceled) {
			logging.WarnWithContext(logger, "reclaim stale processing failed; stuck items may remain", "heartbeat_reclaim_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check queue database access"),
			)
		}

		item, err := m.store.NextForStatuses(ctx, m.statusOrderSnapshot()...)
		if err != nil {
			if m.handleNextItemError(ctx, err) {
				return
			}
			continue
		}
		if item == nil {
			if m.waitForItemOrShutdown(ctx) {
				return
			}
			continue
		}

		if err := m.runPreflightChecks(ctx); err != nil {
			m.setLastError(err)
			logging.ErrorWithContext(logger, "preflight checks failed; parking worker", "preflight_failed",
				logging.Error(err),
				logging.Int64(logging.FieldJobID, item.ID),
				logging.String(logging.FieldErrorHint, "fix the reported issue; the item stays queued"),
			)
			if m.sleep(ctx, m.errorRetryInterval()) {
				return
			}
			continue
		}

		if err := m.processItem(ctx, item); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
		}
	}
}

func (m *Manager) handleNextItemError(ctx context.Context, err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	m.setLastError(err)
	logging.ErrorWithContext(m.workerLogger(), "failed to fetch next queue item", "queue_fetch_failed",
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check queue database access"),
	)
	return m.sleep(ctx, m.errorRetryInterval())
}

func (m *Manager) waitForItemOrShutdown(ctx context.Context) bool {
	return m.sleep(ctx, m.pollInterval)
}

// sleep waits for the interval and reports whether shutdown interrupted it.
func (m *Manager) sleep(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = time.Second
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

func (m *Manager) errorRetryInterval() time.Duration {
	interval := time.Duration(m.cfg.Workflow.ErrorRetryInterval) * time.Second
	if interval <= 0 {
		interval = m.pollInterval
	}
	return interval
}

func (m *Manager) statusOrderSnapshot() []queue.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]queue.Status, len(m.statusOrder))
	copy(out, m.statusOrder)
	return out
}

func (m *Manager) processingStatusesSnapshot() []queue.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]queue.Status, len(m.processingStatuses))
	copy(out, m.processingStatuses)
	return out
}
