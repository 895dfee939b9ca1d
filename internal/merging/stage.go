package merging

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"log/slog"

	"capstan/internal/config"
	"capstan/internal/logging"
	"capstan/internal/notifications"
	"capstan/internal/queue"
	"capstan/internal/services/ffmpeg"
	"capstan/internal/stage"
)

// Stage runs the merge step of the pipeline against queue items,
// delegating the actual assembly to an Assembler.
type Stage struct {
	store     *queue.Store
	cfg       *config.Config
	logger    *slog.Logger
	assembler *Assembler
	notifier  notifications.Service
}

// NewStage constructs the merge stage handler with the configured
// ffmpeg tooling.
func NewStage(cfg *config.Config, store *queue.Store, logger *slog.Logger) *Stage {
	assembler := New(cfg, ffmpeg.New(cfg.FFmpegBinary()), logger)
	return NewStageWithDependencies(cfg, store, logger, assembler, notifications.NewService(cfg))
}

// NewStageWithDependencies allows injecting collaborators (used in tests).
func NewStageWithDependencies(cfg *config.Config, store *queue.Store, logger *slog.Logger, assembler *Assembler, notifier notifications.Service) *Stage {
	stageLogger := logger
	if stageLogger != nil {
		stageLogger = stageLogger.With(logging.String("component", "merge"))
	}
	return &Stage{store: store, cfg: cfg, logger: stageLogger, assembler: assembler, notifier: notifier}
}

func (s *Stage) Prepare(ctx context.Context, item *queue.Item) error {
	logger := logging.WithContext(ctx, s.logger)
	if item.ProgressStage == "" {
		item.ProgressStage = "Merge"
	}
	item.ProgressMessage = "Preparing merge"
	item.ProgressPercent = 0
	item.ErrorMessage = ""
	logger.Info(
		"starting merge preparation",
		logging.String("movie", strings.TrimSpace(item.MovieName)),
		logging.String("project_dir", item.ProjectDir),
	)
	return nil
}

func (s *Stage) Execute(ctx context.Context, item *queue.Item) error {
	logger := logging.WithContext(ctx, s.logger)

	// A prior run may have produced the movie already; adopt it rather
	// than concatenating the parts a second time.
	if existing := MergedMovie(item.LowResDir()); existing != "" {
		item.MergedFile = existing
		item.SetProgressComplete("Merge", fmt.Sprintf("Merged movie already present: %s", filepath.Base(existing)))
		logger.Info("merged movie already present, skipping merge",
			logging.String("merged_file", existing))
		return nil
	}

	s.updateProgress(ctx, item, "Merging capture parts", 10)

	result, err := s.assembler.Merge(ctx, item.ProjectDir)
	if err != nil {
		return err
	}

	item.MergedFile = result.Output
	s.updateProgress(ctx, item, fmt.Sprintf("Merged %d parts", len(result.Parts)), 100)
	logger.Info("merge stage finished",
		logging.String("merged_file", result.Output),
		logging.Int("parts", len(result.Parts)),
		logging.Int("skipped", len(result.Skipped)),
	)

	if s.notifier != nil {
		if err := s.notifier.Publish(ctx, notifications.EventMergeCompleted, notifications.Payload{
			"project": strings.TrimSpace(item.MovieName),
			"parts":   len(result.Parts),
		}); err != nil {
			logger.Warn("merge notification failed", logging.Error(err))
		}
	}
	return nil
}

// HealthCheck verifies the ffmpeg tooling the merge depends on.
func (s *Stage) HealthCheck(ctx context.Context) stage.Health {
	const name = "merge"
	if s.cfg == nil {
		return stage.Unhealthy(name, "configuration unavailable")
	}
	if s.assembler == nil {
		return stage.Unhealthy(name, "assembler unavailable")
	}
	for _, binary := range []string{s.cfg.FFmpegBinary(), s.cfg.FFprobeBinary()} {
		if _, err := exec.LookPath(binary); err != nil {
			return stage.Unhealthy(name, fmt.Sprintf("binary %q not found", binary))
		}
	}
	return stage.Healthy(name)
}

func (s *Stage) updateProgress(ctx context.Context, item *queue.Item, message string, percent float64) {
	logger := logging.WithContext(ctx, s.logger)
	copy := *item
	copy.ProgressMessage = message
	copy.ProgressPercent = percent
	if err := s.store.Update(ctx, &copy); err != nil {
		logger.Warn("failed to persist merge progress", logging.Error(err))
		return
	}
	*item = copy
}
