package organizer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"log/slog"

	"capstan/internal/config"
	"capstan/internal/fileutil"
	"capstan/internal/logging"
	"capstan/internal/notifications"
	"capstan/internal/queue"
	"capstan/internal/services"
	"capstan/internal/services/plex"
	"capstan/internal/stage"
)

// Organizer copies the finished movie into the library and pokes Plex.
type Organizer struct {
	store    *queue.Store
	cfg      *config.Config
	logger   *slog.Logger
	plex     plex.Refresher
	notifier notifications.Service
}

// New constructs the export stage handler using default dependencies.
func New(cfg *config.Config, store *queue.Store, logger *slog.Logger) *Organizer {
	return NewWithDependencies(cfg, store, logger, plex.NewRefresher(cfg), notifications.NewService(cfg))
}

// NewWithDependencies allows injecting collaborators (used in tests).
func NewWithDependencies(cfg *config.Config, store *queue.Store, logger *slog.Logger, refresher plex.Refresher, notifier notifications.Service) *Organizer {
	stageLogger := logger
	if stageLogger != nil {
		stageLogger = stageLogger.With(logging.String("component", "organizer"))
	}
	return &Organizer{store: store, cfg: cfg, logger: stageLogger, plex: refresher, notifier: notifier}
}

func (o *Organizer) Prepare(ctx context.Context, item *queue.Item) error {
	logger := logging.WithContext(ctx, o.logger)
	if item.ProgressStage == "" {
		item.ProgressStage = "Export"
	}
	item.ProgressMessage = "Preparing library export"
	item.ProgressPercent = 0
	item.ErrorMessage = ""
	logger.Info(
		"starting export preparation",
		logging.String("movie", strings.TrimSpace(item.MovieName)),
		logging.String("source_file", strings.TrimSpace(item.UpscaledFile)),
	)
	return nil
}

func (o *Organizer) Execute(ctx context.Context, item *queue.Item) error {
	logger := logging.WithContext(ctx, o.logger)

	source := strings.TrimSpace(item.UpscaledFile)
	if source == "" {
		return services.Wrap(
			services.ErrValidation,
			"export",
			"validate inputs",
			"No upscaled movie present for export; run the upscale stage first",
			nil,
		)
	}
	if _, err := os.Stat(source); err != nil {
		return services.Wrap(
			services.ErrNotFound,
			"export",
			"stat source",
			"Upscaled movie missing on disk; re-run the upscale stage",
			err,
		)
	}

	dest, err := o.destinationPath(item, source)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dest); err == nil && !o.cfg.Library.OverwriteExisting {
		return services.Wrap(
			services.ErrValidation,
			"export",
			"check destination",
			fmt.Sprintf("Library file already exists: %s; enable overwrite_existing or remove it", dest),
			nil,
		)
	}

	o.updateProgress(ctx, item, "Copying into library", 20)
	logger.Info("copying movie into library",
		logging.String("source_file", source),
		logging.String("final_file", dest),
	)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return services.Wrap(services.ErrConfiguration, "export", "create library directory", "Failed to create library directory", err)
	}
	// The HighRes copy stays put; the library gets an integrity-checked duplicate.
	if err := fileutil.CopyFileVerified(source, dest); err != nil {
		return services.Wrap(services.ErrTransient, "export", "copy movie", "Failed to copy movie into library", err)
	}
	item.ExportedFile = dest
	logger.Info("library copy completed", logging.String("final_file", dest))

	o.updateProgress(ctx, item, "Refreshing Plex library", 80)
	if err := o.plex.Refresh(ctx); err != nil {
		logger.Warn("plex refresh failed", logging.Error(err))
	} else {
		logger.Info("plex library refresh requested")
	}

	o.updateProgress(ctx, item, "Export completed", 100)
	item.ProgressMessage = fmt.Sprintf("Available in library: %s", filepath.Base(dest))

	if o.notifier != nil {
		if err := o.notifier.Publish(ctx, notifications.EventExportCompleted, notifications.Payload{
			"project": strings.TrimSpace(item.MovieName),
			"file":    filepath.Base(dest),
		}); err != nil {
			logger.Warn("export notification failed", logging.Error(err))
		}
	}

	return nil
}

// destinationPath builds <library_dir>/<movie>/<movie><ext> from the item.
func (o *Organizer) destinationPath(item *queue.Item, source string) (string, error) {
	libraryDir := strings.TrimSpace(o.cfg.Paths.LibraryDir)
	if libraryDir == "" {
		return "", services.Wrap(
			services.ErrConfiguration,
			"export",
			"resolve library dir",
			"Library directory not configured; set paths.library_dir in config.toml",
			nil,
		)
	}
	name := strings.TrimSpace(item.MovieName)
	if name == "" {
		name = strings.TrimSpace(filepath.Base(item.ProjectDir))
	}
	if name == "" {
		return "", services.Wrap(
			services.ErrValidation,
			"export",
			"resolve movie name",
			"Movie name unavailable for export",
			nil,
		)
	}
	ext := filepath.Ext(source)
	if ext == "" {
		ext = ".mp4"
	}
	return filepath.Join(libraryDir, name, name+ext), nil
}

// HealthCheck verifies export prerequisites.
func (o *Organizer) HealthCheck(ctx context.Context) stage.Health {
	const name = "export"
	if o.cfg == nil {
		return stage.Unhealthy(name, "configuration unavailable")
	}
	if strings.TrimSpace(o.cfg.Paths.LibraryDir) == "" {
		return stage.Unhealthy(name, "library directory not configured")
	}
	if o.plex == nil {
		return stage.Unhealthy(name, "plex refresher unavailable")
	}
	return stage.Healthy(name)
}

func (o *Organizer) updateProgress(ctx context.Context, item *queue.Item, message string, percent float64) {
	logger := logging.WithContext(ctx, o.logger)
	copy := *item
	copy.ProgressMessage = message
	copy.ProgressPercent = percent
	if err := o.store.Update(ctx, &copy); err != nil {
		logger.Warn("failed to persist export progress", logging.Error(err))
		return
	}
	*item = copy
}
