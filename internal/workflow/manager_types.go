package workflow

import (
	"capstan/internal/queue"
	"capstan/internal/stage"
)

// StageSet carries the handlers the manager drives, in pipeline order.
type StageSet struct {
	Merge   stage.Handler
	Upscale stage.Handler
	Export  stage.Handler
}

type pipelineStage struct {
	name             string
	handler          stage.Handler
	startStatus      queue.Status
	processingStatus queue.Status
	doneStatus       queue.Status
}

// ConfigureStages registers the pipeline chain. It must be called before
// Start. Stages without a handler are left out of the chain, so their
// start statuses are never claimed.
func (m *Manager) ConfigureStages(stages StageSet) {
	chain := make([]pipelineStage, 0, 3)
	if stages.Merge != nil {
		chain = append(chain, pipelineStage{
			name:             "merge",
			handler:          stages.Merge,
			startStatus:      queue.StatusPending,
			processingStatus: queue.StatusMerging,
			doneStatus:       queue.StatusMerged,
		})
	}
	if stages.Upscale != nil {
		chain = append(chain, pipelineStage{
			name:             "upscale",
			handler:          stages.Upscale,
			startStatus:      queue.StatusMerged,
			processingStatus: queue.StatusUpscaling,
			doneStatus:       queue.StatusUpscaled,
		})
	}
	if stages.Export != nil {
		chain = append(chain, pipelineStage{
			name:             "export",
			handler:          stages.Export,
			startStatus:      queue.StatusUpscaled,
			processingStatus: queue.StatusOrganizing,
			doneStatus:       queue.StatusCompleted,
		})
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.stages = chain
	m.stageByStart = make(map[queue.Status]pipelineStage, len(chain))
	m.statusOrder = m.statusOrder[:0]
	m.processingStatuses = m.processingStatuses[:0]
	for _, stg := range chain {
		m.stageByStart[stg.startStatus] = stg
		m.statusOrder = append(m.statusOrder, stg.startStatus)
		m.processingStatuses = append(m.processingStatuses, stg.processingStatus)
	}
}

func (m *Manager) stageForStatus(status queue.Status) (pipelineStage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stg, ok := m.stageByStart[status]
	return stg, ok
}
