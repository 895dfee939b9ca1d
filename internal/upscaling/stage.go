package upscaling

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"log/slog"

	"capstan/internal/config"
	"capstan/internal/logging"
	"capstan/internal/notifications"
	"capstan/internal/queue"
	"capstan/internal/services"
	"capstan/internal/services/esrgan"
	"capstan/internal/services/ffmpeg"
	"capstan/internal/stage"
)

// Stage runs the upscale step of the pipeline against queue items,
// delegating the actual passes to an Orchestrator.
type Stage struct {
	store        *queue.Store
	cfg          *config.Config
	logger       *slog.Logger
	orchestrator *Orchestrator
	notifier     notifications.Service
}

// NewStage constructs the upscale stage handler with the configured
// ffmpeg and Real-ESRGAN tooling.
func NewStage(cfg *config.Config, store *queue.Store, logger *slog.Logger) *Stage {
	scaler := ffmpeg.New(cfg.FFmpegBinary())
	var ai AIUpscaler
	if binary := cfg.UpscalerBinary(); binary != "" {
		if client, err := esrgan.New(binary, esrgan.WithFFmpeg(cfg.FFmpegBinary())); err == nil {
			ai = client
		}
	}
	orchestrator := New(cfg, scaler, ai, logger)
	return NewStageWithDependencies(cfg, store, logger, orchestrator, notifications.NewService(cfg))
}

// NewStageWithDependencies allows injecting collaborators (used in tests).
func NewStageWithDependencies(cfg *config.Config, store *queue.Store, logger *slog.Logger, orchestrator *Orchestrator, notifier notifications.Service) *Stage {
	stageLogger := logger
	if stageLogger != nil {
		stageLogger = stageLogger.With(logging.String("component", "upscale"))
	}
	return &Stage{store: store, cfg: cfg, logger: stageLogger, orchestrator: orchestrator, notifier: notifier}
}

// Prepare resolves the item's profile and resets progress. An empty
// profile is pinned to the configured default so the queue row shows
// what will actually run.
func (s *Stage) Prepare(ctx context.Context, item *queue.Item) error {
	logger := logging.WithContext(ctx, s.logger)
	_, name, err := s.cfg.Profile(item.Profile)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "upscale", "resolve profile", err.Error(), nil)
	}
	item.Profile = name
	if item.ProgressStage == "" {
		item.ProgressStage = "Upscale"
	}
	item.ProgressMessage = "Preparing upscale"
	item.ProgressPercent = 0
	item.ErrorMessage = ""
	logger.Info(
		"starting upscale preparation",
		logging.String("movie", strings.TrimSpace(item.MovieName)),
		logging.String("profile", name),
	)
	return nil
}

func (s *Stage) Execute(ctx context.Context, item *queue.Item) error {
	logger := logging.WithContext(ctx, s.logger)

	source := strings.TrimSpace(item.MergedFile)
	if source == "" {
		return services.Wrap(
			services.ErrValidation,
			"upscale",
			"validate inputs",
			"No merged movie present for upscaling; run the merge stage first",
			nil,
		)
	}
	if _, err := os.Stat(source); err != nil {
		return services.Wrap(
			services.ErrNotFound,
			"upscale",
			"stat source",
			"Merged movie missing on disk; re-run the merge stage",
			err,
		)
	}

	output, err := s.outputPath(item)
	if err != nil {
		return err
	}

	s.updateProgress(ctx, item, "Starting upscale", 10)
	logger.Info("upscaling movie",
		logging.String("source_file", source),
		logging.String("final_file", output),
		logging.String("profile", item.Profile),
	)

	// Tool progress arrives per frame; persist on whole-percent steps
	// to keep store writes bounded.
	lastPersisted := item.ProgressPercent
	result, err := s.orchestrator.Run(ctx, Request{
		Input:   source,
		Output:  output,
		Profile: item.Profile,
	}, func(update Progress) {
		if int(update.Percent) == int(lastPersisted) {
			return
		}
		lastPersisted = update.Percent
		s.applyProgress(ctx, item, update)
	})
	if err != nil {
		return err
	}

	item.UpscaledFile = result.Output
	s.updateProgress(ctx, item, fmt.Sprintf("Upscaled with profile %s", result.Profile), 100)
	logger.Info("upscale stage finished",
		logging.String("final_file", result.Output),
		logging.String("profile", result.Profile),
		logging.String("backend", result.Backend),
	)

	if s.notifier != nil {
		if err := s.notifier.Publish(ctx, notifications.EventUpscaleCompleted, notifications.Payload{
			"project": strings.TrimSpace(item.MovieName),
			"profile": result.Profile,
		}); err != nil {
			logger.Warn("upscale notification failed", logging.Error(err))
		}
	}
	return nil
}

// outputPath builds <project>/HighRes/<movie>_4k.mp4 from the item.
func (s *Stage) outputPath(item *queue.Item) (string, error) {
	name := strings.TrimSpace(item.MovieName)
	if name == "" {
		name = strings.TrimSpace(filepath.Base(item.ProjectDir))
	}
	if name == "" {
		return "", services.Wrap(
			services.ErrValidation,
			"upscale",
			"resolve movie name",
			"Movie name unavailable for upscale output",
			nil,
		)
	}
	return filepath.Join(item.HighResDir(), name+"_4k.mp4"), nil
}

// HealthCheck verifies the tooling needed by the default profile.
func (s *Stage) HealthCheck(ctx context.Context) stage.Health {
	const name = "upscale"
	if s.cfg == nil {
		return stage.Unhealthy(name, "configuration unavailable")
	}
	if s.orchestrator == nil {
		return stage.Unhealthy(name, "orchestrator unavailable")
	}
	profile, profileName, err := s.cfg.Profile("")
	if err != nil {
		return stage.Unhealthy(name, err.Error())
	}
	if _, err := exec.LookPath(s.cfg.FFmpegBinary()); err != nil {
		return stage.Unhealthy(name, fmt.Sprintf("binary %q not found", s.cfg.FFmpegBinary()))
	}
	if profile.Backend == config.BackendAI {
		binary := s.cfg.UpscalerBinary()
		if binary == "" {
			return stage.Unhealthy(name, fmt.Sprintf("profile %q needs tools.upscaler in config.toml", profileName))
		}
		if _, err := exec.LookPath(binary); err != nil {
			return stage.Unhealthy(name, fmt.Sprintf("binary %q not found", binary))
		}
	}
	return stage.Healthy(name)
}

func (s *Stage) applyProgress(ctx context.Context, item *queue.Item, update Progress) {
	logger := logging.WithContext(ctx, s.logger)
	copy := *item
	copy.ProgressPercent = update.Percent
	if message := passMessage(update.Stage); message != "" {
		copy.ProgressMessage = message
	}
	if err := s.store.Update(ctx, &copy); err != nil {
		logger.Warn("failed to persist upscale progress", logging.Error(err))
		return
	}
	*item = copy
}

func (s *Stage) updateProgress(ctx context.Context, item *queue.Item, message string, percent float64) {
	logger := logging.WithContext(ctx, s.logger)
	copy := *item
	copy.ProgressMessage = message
	copy.ProgressPercent = percent
	if err := s.store.Update(ctx, &copy); err != nil {
		logger.Warn("failed to persist upscale progress", logging.Error(err))
		return
	}
	*item = copy
}

// passMessage names an orchestrator pass for the status display.
func passMessage(pass string) string {
	switch pass {
	case "ai_2x":
		return "AI upscaling pass"
	case "scale_4k":
		return "Encoding 4K output"
	case "scale":
		return "Scaling and encoding"
	case config.BackendAI, config.BackendDeterministic:
		return "Upscale running"
	default:
		return ""
	}
}
