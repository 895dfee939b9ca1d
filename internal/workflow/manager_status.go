package workflow

import (
	"context"

	"capstan/internal/logging"
	"capstan/internal/queue"
	"capstan/internal/stage"
)

// StatusSummary is the workflow snapshot served to the CLI.
type StatusSummary struct {
	Running     bool
	LastError   error
	LastItem    *queue.Item
	QueueStats  map[queue.Status]int
	StageHealth map[string]stage.Health
}

// Status reports the manager state, queue counts, and per-stage health.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.RLock()
	summary := StatusSummary{
		Running:   m.running,
		LastError: m.lastErr,
	}
	if m.lastItem != nil {
		copied := *m.lastItem
		summary.LastItem = &copied
	}
	stages := make([]pipelineStage, len(m.stages))
	copy(stages, m.stages)
	m.mu.RUnlock()

	stats, err := m.store.Stats(ctx)
	if err != nil {
		m.workerLogger().Warn("failed to read queue stats", logging.Error(err))
	} else {
		summary.QueueStats = stats
	}

	summary.StageHealth = make(map[string]stage.Health, len(stages))
	for _, stg := range stages {
		summary.StageHealth[stg.name] = stg.handler.HealthCheck(ctx)
	}
	return summary
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) setLastItem(item *queue.Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item == nil {
		m.lastItem = nil
		return
	}
	copied := *item
	m.lastItem = &copied
}
