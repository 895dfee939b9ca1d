package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/gofrs/flock"

	"capstan/internal/capture"
	"capstan/internal/config"
	"capstan/internal/engine"
	"capstan/internal/events"
	"capstan/internal/logging"
	"capstan/internal/media/mjpeg"
	"capstan/internal/queue"
	"capstan/internal/upscaling"
	"capstan/internal/workflow"
)

const closeTimeout = 5 * time.Second

// Daemon coordinates the background services and enforces single-instance execution.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *queue.Store
	engine   *engine.Engine
	workflow *workflow.Manager
	logPath  string
	logHub   *logging.StreamHub

	lockPath string
	lock     *flock.Flock

	deckMonitor *deckMonitor

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running        bool
	PID            int
	Engine         engine.Status
	Workflow       workflow.StatusSummary
	QueueDBPath    string
	LockFilePath   string
	LogPath        string
	DeckMonitoring bool
}

// New constructs a daemon with initialized dependencies. The log path and
// stream hub may be empty/nil when the runtime does not stream logs.
func New(cfg *config.Config, store *queue.Store, logger *slog.Logger, eng *engine.Engine, wf *workflow.Manager, logPath string, logHub *logging.StreamHub) (*Daemon, error) {
	if cfg == nil || store == nil || eng == nil || wf == nil {
		return nil, errors.New("daemon requires config, store, engine, and workflow manager")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	lockPath := filepath.Join(cfg.Paths.LogDir, "capstand.lock")
	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		engine:   eng,
		workflow: wf,
		logPath:  logPath,
		logHub:   logHub,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	d.deckMonitor = newDeckMonitor(cfg, logger, eng)
	return d, nil
}

// Start acquires the daemon lock and launches the engine, the workflow
// manager, and the deck hotplug monitor.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another capstan daemon instance is already running")
	}

	// With the lock held, any scratch directory under the work dir
	// belongs to a run that died with its process.
	upscaling.CleanScratch(d.cfg.Paths.WorkDir, d.logger)

	d.mu.Lock()
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()

	if err := d.engine.Start(runCtx); err != nil {
		d.teardownAfterStartFailure(cancel)
		return fmt.Errorf("start engine: %w", err)
	}
	if err := d.workflow.Start(runCtx); err != nil {
		d.engine.Stop()
		d.teardownAfterStartFailure(cancel)
		return fmt.Errorf("start workflow: %w", err)
	}

	// Hotplug monitoring is best-effort; the monitor logs its own warning
	// when the netlink socket is unavailable.
	_ = d.deckMonitor.Start(runCtx)

	d.running.Store(true)
	d.logger.Info("capstan daemon started",
		logging.String("lock", d.lockPath),
		logging.String(logging.FieldEventType, "daemon_started"))
	return nil
}

func (d *Daemon) teardownAfterStartFailure(cancel context.CancelFunc) {
	cancel()
	d.mu.Lock()
	d.cancel = nil
	d.mu.Unlock()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
}

// Stop stops background processing and releases the daemon lock. An active
// capture session keeps running; only Close ends it.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	d.deckMonitor.Stop()
	d.workflow.Stop()
	d.engine.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("capstan daemon stopped",
		logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close stops the daemon and shuts the engine down, ending any capture
// session still in flight. The queue store stays open for its owner.
func (d *Daemon) Close() error {
	d.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return d.engine.Shutdown(ctx)
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	engineStatus, err := d.engine.Status(ctx)
	if err != nil {
		d.logger.Warn("engine status unavailable", logging.Error(err))
	}
	return Status{
		Running:        d.running.Load(),
		PID:            os.Getpid(),
		Engine:         engineStatus,
		Workflow:       d.workflow.Status(ctx),
		QueueDBPath:    d.store.Path(),
		LockFilePath:   d.lockPath,
		LogPath:        d.logPath,
		DeckMonitoring: d.deckMonitor.Running(),
	}
}

// LogPath returns the path to the daemon log file.
func (d *Daemon) LogPath() string {
	return d.logPath
}

// LogHub returns the in-memory log stream, nil when the runtime does not
// stream logs.
func (d *Daemon) LogHub() *logging.StreamHub {
	return d.logHub
}

// Events exposes the engine event hub for IPC long-polling.
func (d *Daemon) Events() *events.Hub {
	return d.engine.Events()
}

// StartCapture begins a capture session for the given title.
func (d *Daemon) StartCapture(ctx context.Context, req capture.StartRequest) (capture.Snapshot, error) {
	return d.engine.StartCapture(ctx, req)
}

// StopCapture ends the active capture session.
func (d *Daemon) StopCapture(ctx context.Context) (capture.Snapshot, error) {
	return d.engine.StopCapture(ctx)
}

// CaptureStatus reports the current capture session snapshot.
func (d *Daemon) CaptureStatus() capture.Snapshot {
	return d.engine.CaptureStatus()
}

// PreviewStats reports preview demuxer counters for the active session.
func (d *Daemon) PreviewStats() (mjpeg.Stats, bool) {
	return d.engine.PreviewStats()
}

// Transport sends a transport command to the deck.
func (d *Daemon) Transport(ctx context.Context, action engine.TransportAction) (string, error) {
	return d.engine.Transport(ctx, action)
}

// DetectDeck probes for an attached tape deck.
func (d *Daemon) DetectDeck(ctx context.Context) (string, error) {
	return d.engine.DetectDeck(ctx)
}

// Enqueue queues a captured project for post-processing.
func (d *Daemon) Enqueue(ctx context.Context, project, profile string) (*queue.Item, error) {
	return d.engine.Enqueue(ctx, project, profile)
}

// PendingProjects lists projects under the import root with unfinished work.
func (d *Daemon) PendingProjects(ctx context.Context) ([]engine.PendingProject, error) {
	return d.engine.PendingProjects(ctx)
}

// ProcessPending enqueues every discovered project not already queued.
func (d *Daemon) ProcessPending(ctx context.Context) ([]*queue.Item, error) {
	return d.engine.ProcessPending(ctx)
}

// ListQueue returns queue items filtered by optional statuses.
func (d *Daemon) ListQueue(ctx context.Context, statuses []queue.Status) ([]*queue.Item, error) {
	return d.engine.ListQueue(ctx, statuses)
}

// ClearQueue removes all queue items.
func (d *Daemon) ClearQueue(ctx context.Context) (int64, error) {
	return d.engine.ClearQueue(ctx)
}

// ClearCompleted removes only completed queue items.
func (d *Daemon) ClearCompleted(ctx context.Context) (int64, error) {
	return d.engine.ClearCompleted(ctx)
}

// ClearFailed removes failed and review queue items.
func (d *Daemon) ClearFailed(ctx context.Context) (int64, error) {
	return d.engine.ClearFailed(ctx)
}

// ResetStuck transitions in-flight items back to pending for retry.
func (d *Daemon) ResetStuck(ctx context.Context) (int64, error) {
	return d.engine.ResetStuck(ctx)
}

// RetryFailed resets failed items (optionally a subset) back to pending.
func (d *Daemon) RetryFailed(ctx context.Context, ids []int64) (int64, error) {
	return d.engine.RetryFailed(ctx, ids)
}

// QueueHealth returns aggregate queue diagnostics.
func (d *Daemon) QueueHealth(ctx context.Context) (queue.HealthSummary, error) {
	return d.engine.QueueHealth(ctx)
}

// DatabaseHealth returns detailed queue database diagnostics.
func (d *Daemon) DatabaseHealth(ctx context.Context) (queue.DatabaseHealth, error) {
	return d.engine.DatabaseHealth(ctx)
}

// TestNotification sends a test notification using the current configuration.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	return d.engine.TestNotification(ctx)
}
