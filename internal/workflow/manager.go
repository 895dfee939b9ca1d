package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"capstan/internal/config"
	"capstan/internal/logging"
	"capstan/internal/notifications"
	"capstan/internal/queue"
)

// Manager owns the background worker that advances queue items through the
// configured stages.
type Manager struct {
	cfg          *config.Config
	store        *queue.Store
	logger       *slog.Logger
	notifier     notifications.Service
	heartbeat    *HeartbeatMonitor
	pollInterval time.Duration

	mu                 sync.RWMutex
	stages             []pipelineStage
	stageByStart       map[queue.Status]pipelineStage
	statusOrder        []queue.Status
	processingStatuses []queue.Status
	running            bool
	cancel             context.CancelFunc
	wg                 sync.WaitGroup
	lastErr            error
	lastItem           *queue.Item
	queueActive        bool
	queueStart         time.Time
}

// NewManager builds a manager with the notification service derived from
// the configuration.
func NewManager(cfg *config.Config, store *queue.Store, logger *slog.Logger) *Manager {
	return NewManagerWithNotifier(cfg, store, logger, notifications.NewService(cfg))
}

// NewManagerWithNotifier builds a manager with an explicit notification
// service, which tests use to observe published events.
func NewManagerWithNotifier(cfg *config.Config, store *queue.Store, logger *slog.Logger, notifier notifications.Service) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	pollInterval := time.Duration(cfg.Workflow.QueuePollInterval) * time.Second
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Manager{
		cfg:          cfg,
		store:        store,
		logger:       logger,
		notifier:     notifier,
		pollInterval: pollInterval,
		heartbeat: NewHeartbeatMonitor(
			store,
			logger,
			time.Duration(cfg.Workflow.HeartbeatInterval)*time.Second,
			time.Duration(cfg.Workflow.HeartbeatTimeout)*time.Second,
		),
	}
}
