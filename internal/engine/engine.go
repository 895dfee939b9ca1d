package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"log/slog"

	"capstan/internal/capture"
	"capstan/internal/config"
	"capstan/internal/deps"
	"capstan/internal/device"
	"capstan/internal/events"
	"capstan/internal/logging"
	"capstan/internal/notifications"
	"capstan/internal/preflight"
	"capstan/internal/queue"
)

// captureProgressInterval paces the liveness events published while a
// recording runs. Recordings last as long as the tape does, so without
// these the event stream goes silent for an hour at a time.
const captureProgressInterval = 5 * time.Second

const hubCapacity = 500

// DeckControl is the slice of the device controller the engine drives:
// the session verbs plus detection and manual pause.
type DeckControl interface {
	capture.DeviceControl
	Detect(ctx context.Context) (string, error)
	Pause(ctx context.Context, node string) error
}

// Engine composes the capture manager, deck controller, queue store, and
// event hub behind one object the daemon and IPC server share.
type Engine struct {
	cfg      *config.Config
	store    *queue.Store
	logger   *slog.Logger
	notifier notifications.Service
	deck     DeckControl
	capture  *capture.Manager
	hub      *events.Hub

	// hookCtx outlives individual requests; session and store hooks run on
	// goroutines the engine does not own.
	hookCtx    context.Context
	hookCancel context.CancelFunc

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	lastState  capture.State
	lastStatus map[int64]queue.Status
}

// New constructs an engine with a real device controller and the
// configured notification service.
func New(cfg *config.Config, store *queue.Store, logger *slog.Logger) (*Engine, error) {
	if cfg == nil || store == nil {
		return nil, errors.New("engine requires config and queue store")
	}
	return NewWithDependencies(cfg, store, logger, device.NewController(cfg, logger), notifications.NewService(cfg))
}

// NewWithDependencies constructs an engine with injected deck control and
// notifier. Hooks on the capture manager and the queue store are claimed
// here; the engine must be the only party setting them.
func NewWithDependencies(cfg *config.Config, store *queue.Store, logger *slog.Logger, deck DeckControl, notifier notifications.Service) (*Engine, error) {
	if cfg == nil || store == nil {
		return nil, errors.New("engine requires config and queue store")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}

	hookCtx, hookCancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		store:      store,
		logger:     logging.NewComponentLogger(logger, "engine"),
		notifier:   notifier,
		deck:       deck,
		capture:    capture.NewManager(cfg, deck, logger),
		hub:        events.NewHub(hubCapacity),
		hookCtx:    hookCtx,
		hookCancel: hookCancel,
		lastState:  capture.StateIdle,
		lastStatus: make(map[int64]queue.Status),
	}
	e.capture.SetTransitionHook(e.onSessionState)
	store.SetChangeHook(e.onQueueChange)
	return e, nil
}

// Start launches the capture progress publisher.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return errors.New("engine already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true

	e.wg.Add(1)
	go e.progressLoop(runCtx)
	return nil
}

// Stop halts the progress publisher. Hooks stay live so a session still
// winding down can finish publishing.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	cancel := e.cancel
	e.running = false
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

// Shutdown stops background publishing and ends any active capture
// session, then retires the hooks. The queue store stays open; its owner
// closes it.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.Stop()
	err := e.capture.Shutdown(ctx)
	e.hookCancel()
	return err
}

// Events exposes the hub for subscribers. Presentation layers poll it by
// sequence; nothing here blocks publishers.
func (e *Engine) Events() *events.Hub {
	return e.hub
}

// Status is the engine's composite snapshot: the capture session, queue
// aggregates, and external tool availability.
type Status struct {
	Capture capture.Snapshot    `json:"capture"`
	Queue   queue.HealthSummary `json:"queue"`
	Tools   []deps.Status       `json:"tools"`
}

// Status reports the current engine view.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	health, err := e.store.Health(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Capture: e.capture.Status(),
		Queue:   health,
		Tools:   preflight.CheckTools(e.cfg),
	}, nil
}

// notify pushes an operator notification and mirrors it on the hub so
// event followers see what went out. Delivery failures are logged and
// swallowed; notifications never gate pipeline progress.
func (e *Engine) notify(event notifications.Event, payload notifications.Payload, message, project string) {
	if err := e.notifier.Publish(e.hookCtx, event, payload); err != nil {
		if errors.Is(err, context.Canceled) {
			e.logger.Debug("engine shutting down, notification skipped", logging.String("event", string(event)))
		} else {
			e.logger.Debug("notification delivery failed",
				logging.String("event", string(event)),
				logging.Error(err))
		}
	}
	e.hub.Publish(events.Event{
		Kind:    events.KindNotification,
		Message: message,
		Project: project,
	})
}

// onQueueChange is the store hook. The first write for an item and every
// status change publish a transition; writes that only move progress
// publish a progress event.
func (e *Engine) onQueueChange(item queue.Item) {
	e.mu.Lock()
	last, seen := e.lastStatus[item.ID]
	e.lastStatus[item.ID] = item.Status
	e.mu.Unlock()

	event := events.Event{
		ItemID:  item.ID,
		Project: item.MovieName,
		Status:  string(item.Status),
		Stage:   item.ProgressStage,
		Percent: item.ProgressPercent,
		Message: item.ProgressMessage,
	}
	if !seen || last != item.Status {
		event.Kind = events.KindJobTransition
	} else {
		event.Kind = events.KindJobProgress
	}
	e.hub.Publish(event)
}
