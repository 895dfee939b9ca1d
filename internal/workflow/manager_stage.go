package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"capstan/internal/logging"
	"capstan/internal/queue"
	"capstan/internal/stage"
)

func (m *Manager) processItem(ctx context.Context, item *queue.Item) error {
	stg, ok := m.stageForStatus(item.Status)
	if !ok {
		logging.WarnWithContext(m.workerLogger(), "no stage configured for status", "stage_missing",
			logging.Int64(logging.FieldJobID, item.ID),
			logging.String("status", string(item.Status)),
		)
		m.waitForItemOrShutdown(ctx)
		return nil
	}

	requestID := uuid.NewString()
	stageCtx := m.withStageContext(ctx, item, stg.name, requestID)
	stageLogger := logging.WithContext(stageCtx, m.workerLogger())

	if err := m.transitionToProcessing(stageCtx, item, stg); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		m.setLastError(err)
		logging.ErrorWithContext(stageLogger, "failed to transition item to processing", "queue_update_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check queue database access"),
		)
		return err
	}

	return m.executeStage(stageCtx, stageLogger, item, stg)
}

func (m *Manager) executeStage(ctx context.Context, logger *slog.Logger, item *queue.Item, stg pipelineStage) error {
	started := time.Now()
	logger.Info("stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.String("processing_status", string(stg.processingStatus)),
	)

	if stg.handler == nil {
		logging.WarnWithContext(logger, "missing stage handler", "stage_handler_missing",
			logging.String("status", string(stg.startStatus)),
		)
		item.Status = queue.StatusFailed
		item.ErrorMessage = fmt.Sprintf("stage %s missing handler", stg.name)
		if err := m.store.Update(ctx, item); err != nil {
			return fmt.Errorf("persist missing handler failure: %w", err)
		}
		m.setLastItem(item)
		return errors.New("stage handler unavailable")
	}

	if err := stg.handler.Prepare(ctx, item); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		m.handleStageFailure(ctx, item, stg.name, err)
		m.setLastError(err)
		return err
	}
	if err := m.store.Update(ctx, item); err != nil {
		return fmt.Errorf("persist stage preparation: %w", err)
	}

	execErr := m.executeWithHeartbeat(ctx, item, stg.handler)
	if errors.Is(execErr, context.Canceled) {
		logger.Debug("stage interrupted by shutdown")
		return execErr
	}
	if execErr != nil {
		m.handleStageFailure(ctx, item, stg.name, execErr)
		m.setLastError(execErr)
		return execErr
	}

	next, gateNote := m.resolveDoneStatus(stg)
	if item.Status == stg.processingStatus || item.Status == "" {
		item.Status = next
	}
	item.LastHeartbeat = nil
	if gateNote != "" && item.Status == queue.StatusCompleted {
		item.ProgressMessage = gateNote
		logger.Info("stopping pipeline after stage",
			logging.Args(logging.DecisionAttrs("auto_chain", string(next), gateNote)...)...,
		)
	}
	if item.Status == queue.StatusCompleted {
		item.ProgressStage = deriveStageLabel(queue.StatusCompleted)
		if item.ProgressPercent < 100 {
			item.ProgressPercent = 100
		}
		if item.ProgressMessage == "" {
			item.ProgressMessage = "Processing completed"
		}
	}
	if err := m.store.Update(ctx, item); err != nil {
		return fmt.Errorf("persist stage result: %w", err)
	}

	logger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.String("next_status", string(item.Status)),
		logging.String(logging.FieldProgressStage, item.ProgressStage),
		logging.String(logging.FieldProgressMessage, item.ProgressMessage),
		logging.Duration("stage_duration", time.Since(started)),
	)
	m.setLastItem(item)
	m.checkQueueCompletion(ctx)
	return nil
}

// executeWithHeartbeat runs the handler while a heartbeat loop stamps the
// item, so a crashed run can be reclaimed once the timeout lapses.
func (m *Manager) executeWithHeartbeat(ctx context.Context, item *queue.Item, handler stage.Handler) error {
	hbCtx, hbCancel := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go m.heartbeat.StartLoop(hbCtx, &hbWG, item.ID)

	err := handler.Execute(ctx, item)

	hbCancel()
	hbWG.Wait()
	return err
}

// resolveDoneStatus applies the auto-chain gates: when the stage that just
// finished feeds a disabled follow-up stage, the item completes here.
func (m *Manager) resolveDoneStatus(stg pipelineStage) (queue.Status, string) {
	switch stg.doneStatus {
	case queue.StatusMerged:
		if !m.cfg.Workflow.AutoUpscale {
			return queue.StatusCompleted, "Merge finished; auto_upscale is disabled"
		}
	case queue.StatusUpscaled:
		if !m.cfg.Workflow.AutoExport {
			return queue.StatusCompleted, "Upscale finished; auto_export is disabled"
		}
	}
	return stg.doneStatus, ""
}

func (m *Manager) transitionToProcessing(ctx context.Context, item *queue.Item, stg pipelineStage) error {
	if stg.processingStatus == "" {
		return fmt.Errorf("stage %s has no processing status", stg.name)
	}
	m.setItemProcessingState(item, stg)
	if err := m.store.Update(ctx, item); err != nil {
		return fmt.Errorf("persist processing transition: %w", err)
	}
	m.setLastItem(item)
	m.onItemStarted(ctx)
	return nil
}

func (m *Manager) setItemProcessingState(item *queue.Item, stg pipelineStage) {
	now := time.Now().UTC()
	item.Status = stg.processingStatus
	// Overwrite the label from the previous stage so live status reads
	// "Merging", "Upscaling", or "Organizing" while the stage runs.
	item.ProgressStage = deriveStageLabel(stg.processingStatus)
	item.ProgressMessage = fmt.Sprintf("%s started", item.ProgressStage)
	item.ProgressPercent = 0
	item.ErrorMessage = ""
	item.LastHeartbeat = &now
}
