package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"capstan/internal/capture"
	"capstan/internal/events"
	"capstan/internal/logging"
	"capstan/internal/media/mjpeg"
	"capstan/internal/notifications"
	"capstan/internal/services"
)

// StartCapture begins recording a new tape project. The returned snapshot
// reflects the session immediately after the synchronous prepare step.
func (e *Engine) StartCapture(ctx context.Context, req capture.StartRequest) (capture.Snapshot, error) {
	ctx = services.WithRequestID(ctx, uuid.NewString())
	logger := logging.WithContext(ctx, e.logger)

	session, err := e.capture.Start(ctx, req)
	if err != nil {
		return e.capture.Status(), err
	}

	snap := session.Snapshot()
	logger.Info("capture session started",
		logging.String(logging.FieldProject, snap.Project),
		logging.String("device", snap.Device),
		logging.String(logging.FieldEventType, "capture_session_started"))
	return snap, nil
}

// StopCapture ends the active session and waits for it to settle.
func (e *Engine) StopCapture(ctx context.Context) (capture.Snapshot, error) {
	ctx = services.WithRequestID(ctx, uuid.NewString())
	logger := logging.WithContext(ctx, e.logger)

	snap, err := e.capture.Stop(ctx)
	if err != nil {
		return snap, err
	}
	logger.Info("capture session stopped",
		logging.String(logging.FieldProject, snap.Project),
		logging.Int("parts", len(snap.Parts)),
		logging.String(logging.FieldEventType, "capture_session_stopped"))
	return snap, nil
}

// CaptureStatus reports the current session snapshot.
func (e *Engine) CaptureStatus() capture.Snapshot {
	return e.capture.Status()
}

// PreviewStats exposes the preview pipeline counters of the active session.
func (e *Engine) PreviewStats() (mjpeg.Stats, bool) {
	return e.capture.PreviewStats()
}

// PreviewFrame returns the latest MJPEG preview frame when one exists.
func (e *Engine) PreviewFrame() (mjpeg.Frame, bool) {
	return e.capture.PreviewFrame()
}

// onSessionState is the capture transition hook. Every change lands on the
// hub; recording start, clean completion, and failure additionally notify
// the operator. A cleanly completed capture feeds the queue when
// auto_merge allows it.
func (e *Engine) onSessionState(snap capture.Snapshot) {
	e.mu.Lock()
	prev := e.lastState
	e.lastState = snap.State
	e.mu.Unlock()

	e.hub.Publish(events.Event{
		Kind:    events.KindSessionState,
		Project: snap.Project,
		Device:  snap.Device,
		State:   string(snap.State),
		Message: snap.Error,
	})

	switch snap.State {
	case capture.StateRecording:
		if prev != capture.StateRecording {
			e.notify(notifications.EventCaptureStarted,
				notifications.Payload{"project": snap.Project},
				fmt.Sprintf("capture started: %s", snap.Project), snap.Project)
		}
	case capture.StateIdle:
		if prev == capture.StateStopping {
			e.captureFinished(snap)
		}
	case capture.StateFailed:
		e.notify(notifications.EventError,
			notifications.Payload{
				"context": fmt.Sprintf("capture of %s", snap.Project),
				"error":   snap.Error,
			},
			fmt.Sprintf("capture failed: %s", snap.Project), snap.Project)
	}
}

func (e *Engine) captureFinished(snap capture.Snapshot) {
	logger := e.logger.With(logging.String(logging.FieldProject, snap.Project))

	e.notify(notifications.EventCaptureCompleted,
		notifications.Payload{"project": snap.Project, "parts": len(snap.Parts)},
		fmt.Sprintf("capture complete: %s", snap.Project), snap.Project)

	if len(snap.Parts) == 0 {
		logger.Info("capture ended without parts; nothing to queue",
			logging.String(logging.FieldEventType, "capture_empty"))
		return
	}
	if !e.cfg.Workflow.AutoMerge {
		logger.Info("leaving captured project for manual processing",
			logging.Args(logging.DecisionAttrs("auto_merge", "skip", "auto_merge is disabled")...)...)
		return
	}

	item, err := e.store.NewProject(e.hookCtx, snap.Directory, snap.Project, "")
	if err != nil {
		logging.ErrorWithContext(logger, "failed to queue captured project", "auto_merge_enqueue_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "run 'capstan process' to queue it manually"))
		return
	}
	attrs := append(logging.DecisionAttrs("auto_merge", "enqueue", "auto_merge is enabled"),
		logging.Int64(logging.FieldJobID, item.ID),
		logging.Int("parts", len(snap.Parts)))
	logger.Info("captured project queued for merge", logging.Args(attrs...)...)
}

// progressLoop publishes capture liveness while a recording runs.
func (e *Engine) progressLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(captureProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.publishCaptureProgress()
		}
	}
}

func (e *Engine) publishCaptureProgress() {
	if !e.capture.Active() {
		return
	}
	snap := e.capture.Status()

	event := events.Event{
		Kind:    events.KindCaptureProgress,
		Project: snap.Project,
		Device:  snap.Device,
		State:   string(snap.State),
	}
	if snap.State == capture.StateRecording && !snap.StartedAt.IsZero() {
		elapsed := time.Since(snap.StartedAt).Round(time.Second)
		event.Message = fmt.Sprintf("recording part %d, %s elapsed", snap.NextPart, elapsed)
		if stats, ok := e.capture.PreviewStats(); ok {
			event.Message = fmt.Sprintf("%s, %d preview frames", event.Message, stats.Published)
		}
	} else {
		event.Message = string(snap.State)
	}
	e.hub.Publish(event)
}
