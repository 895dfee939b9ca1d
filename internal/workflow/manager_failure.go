package workflow

import (
	"context"
	"errors"

	"capstan/internal/logging"
	"capstan/internal/queue"
	"capstan/internal/services"
)

// handleStageFailure classifies the error, parks the item in review or
// failed, and persists the outcome.
func (m *Manager) handleStageFailure(ctx context.Context, item *queue.Item, stageName string, stageErr error) {
	logger := logging.WithContext(ctx, m.workerLogger())
	message := services.Message(stageErr)
	resolved := queue.FailureStatus(stageErr)
	if resolved == queue.StatusReview {
		item.SetReview(message)
	} else {
		item.SetFailed(message)
	}

	logger.Error("stage failed",
		logging.String("stage", stageName),
		logging.String("resolved_status", string(resolved)),
		logging.String("error_message", message),
		logging.String("error_kind", services.Kind(stageErr)),
		logging.Error(stageErr),
		logging.Alert("stage_failure"),
		logging.String(logging.FieldEventType, "stage_failure"),
	)

	if err := m.store.Update(ctx, item); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Debug("daemon shutting down, could not update stage failure")
		} else {
			logger.Error("failed to persist stage failure",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check queue database access"),
			)
		}
	}
	m.setLastItem(item)

	if resolved == queue.StatusReview {
		m.notifyReviewRequired(ctx, item, message)
	} else {
		m.notifyStageError(ctx, item, stageName, stageErr)
	}
	m.checkQueueCompletion(ctx)
}
