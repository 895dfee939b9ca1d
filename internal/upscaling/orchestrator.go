package upscaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"capstan/internal/config"
	"capstan/internal/fileutil"
	"capstan/internal/logging"
	"capstan/internal/media/ffprobe"
	"capstan/internal/services"
	"capstan/internal/services/esrgan"
	"capstan/internal/services/ffmpeg"
)

// ErrUpscaleActive reports that a run is already in flight.
var ErrUpscaleActive = errors.New("upscale already running")

// Outer progress window the upscale stage owns within the pipeline.
const (
	windowFloor = 25.0
	windowSpan  = 65.0
)

// Fallback frame totals when the source cannot be probed, so progress
// still moves on damaged containers.
const (
	assumedFrames       = 3000
	assumedStage2Frames = 4000
)

var inspectMedia = ffprobe.Inspect

// Progress is one outer progress report in [25, 90].
type Progress struct {
	Stage   string
	Percent float64
}

// Request names the source, destination, and profile of one upscale.
type Request struct {
	Input   string
	Output  string
	Profile string
}

// Result describes a finished upscale.
type Result struct {
	Output  string
	Profile string
	Backend string
}

// Scaler is the ffmpeg scale pass the orchestrator drives.
type Scaler interface {
	Scale(ctx context.Context, job ffmpeg.ScaleJob, progress func(ffmpeg.ProgressUpdate)) error
}

// AIUpscaler is the Real-ESRGAN stage for ai profiles.
type AIUpscaler interface {
	Upscale(ctx context.Context, job esrgan.Job, progress func(esrgan.ProgressUpdate)) (string, error)
}

// Orchestrator runs one upscale at a time.
type Orchestrator struct {
	cfg    *config.Config
	scaler Scaler
	ai     AIUpscaler
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

// New constructs an orchestrator. ai may be nil when no upscaler tool
// is configured; ai profiles then fail with a configuration error.
func New(cfg *config.Config, scaler Scaler, ai AIUpscaler, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Orchestrator{cfg: cfg, scaler: scaler, ai: ai, logger: logger}
}

// Running reports whether an upscale is in flight.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Stop cancels the in-flight run, if any. The active tool is killed
// through context cancellation.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

// Run upscales req.Input into req.Output with the named profile.
func (o *Orchestrator) Run(ctx context.Context, req Request, progress func(Progress)) (*Result, error) {
	if req.Input == "" || req.Output == "" {
		return nil, errors.New("upscale input and output required")
	}

	profile, name, err := o.cfg.Profile(req.Profile)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "upscale", "resolve_profile", err.Error(), nil)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, ErrUpscaleActive
	}
	o.running = true
	o.cancel = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.cancel = nil
		o.mu.Unlock()
	}()

	if err := os.MkdirAll(filepath.Dir(req.Output), 0o755); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "upscale", "prepare_output", "create output directory", err)
	}

	o.logger.Info("starting upscale",
		logging.String("input", req.Input),
		logging.String("output", req.Output),
		logging.String("profile", name),
		logging.String("backend", profile.Backend))

	tracker := &progressTracker{emit: progress}
	tracker.report(profile.Backend, 0)

	switch profile.Backend {
	case config.BackendAI:
		err = o.runAI(runCtx, req, profile, tracker)
	default:
		err = o.runDeterministic(runCtx, req, profile, tracker)
	}
	if err != nil {
		return nil, err
	}

	if _, statErr := os.Stat(req.Output); statErr != nil {
		return nil, services.Wrap(services.ErrExternalTool, "upscale", "verify_output",
			"tool reported success but produced no output", statErr)
	}

	tracker.report(profile.Backend, 1)
	o.logger.Info("upscale complete",
		logging.String("output", req.Output),
		logging.String("profile", name))
	return &Result{Output: req.Output, Profile: name, Backend: profile.Backend}, nil
}

// runDeterministic is the single lanczos pass for ffmpeg-only profiles.
func (o *Orchestrator) runDeterministic(ctx context.Context, req Request, profile config.UpscaleProfile, tracker *progressTracker) error {
	width, height := targetResolution(profile.Scale)
	total := o.frameTotal(ctx, req.Input, assumedFrames)

	job := ffmpeg.ScaleJob{
		Input:  req.Input,
		Output: req.Output,
		Width:  width,
		Height: height,
		Preset: profile.Preset,
		CRF:    profile.CRF,
		Tune:   profile.Tune,
	}
	return o.scaler.Scale(ctx, job, func(update ffmpeg.ProgressUpdate) {
		tracker.report("scale", fraction(update.Frame, total))
	})
}

// runAI runs the Real-ESRGAN 2x stage and, for 4x targets, a second
// lanczos pass. The intermediate lives in a scratch dir under the work
// directory and is removed no matter how the run ends.
func (o *Orchestrator) runAI(ctx context.Context, req Request, profile config.UpscaleProfile, tracker *progressTracker) error {
	if o.ai == nil {
		return services.Wrap(services.ErrConfiguration, "upscale", "ai_stage",
			"ai profile selected but no upscaler tool is configured", nil)
	}

	scratch, err := os.MkdirTemp(o.scratchRoot(), "upscale-")
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "upscale", "ai_stage", "create scratch directory", err)
	}
	defer os.RemoveAll(scratch)

	twoStage := profile.Scale > 2
	stageSpan := 1.0
	if twoStage {
		stageSpan = 0.5
	}

	job := esrgan.Job{
		Input:     req.Input,
		OutputDir: scratch,
		Model:     profile.Model,
		Scale:     2,
	}
	intermediate, err := o.ai.Upscale(ctx, job, func(update esrgan.ProgressUpdate) {
		tracker.report("ai_2x", stageSpan*fraction(update.Done, update.Total))
	})
	if err != nil {
		return fmt.Errorf("ai stage: %w", err)
	}

	if !twoStage {
		// 2x targets promote the tool output directly. Copy rather
		// than rename, the scratch dir can sit on another filesystem.
		if err := fileutil.CopyFile(intermediate, req.Output); err != nil {
			return fmt.Errorf("promote upscaled output: %w", err)
		}
		return nil
	}

	total := o.frameTotal(ctx, req.Input, assumedStage2Frames)
	scaleJob := ffmpeg.ScaleJob{
		Input:  intermediate,
		Output: req.Output,
		Width:  3840,
		Height: 2160,
		Preset: profile.Preset,
		CRF:    profile.CRF,
		Tune:   profile.Tune,
	}
	err = o.scaler.Scale(ctx, scaleJob, func(update ffmpeg.ProgressUpdate) {
		tracker.report("scale_4k", 0.5+0.5*fraction(update.Frame, total))
	})
	if err != nil {
		return fmt.Errorf("4k stage: %w", err)
	}
	return nil
}

func (o *Orchestrator) scratchRoot() string {
	root := o.cfg.Paths.WorkDir
	if root == "" {
		return ""
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return ""
	}
	return root
}

func (o *Orchestrator) frameTotal(ctx context.Context, path string, fallback int64) int64 {
	probed, err := inspectMedia(ctx, o.cfg.FFprobeBinary(), path)
	if err != nil {
		logging.WarnWithContext(o.logger, "could not probe frame count, assuming a total", "upscale_probe_failed",
			logging.Int64("assumed", fallback),
			logging.Error(err))
		return fallback
	}
	if frames := probed.FrameCount(); frames > 0 {
		return frames
	}
	return fallback
}

func targetResolution(scale int) (int, int) {
	if scale == 2 {
		return 1920, 1080
	}
	return 3840, 2160
}

func fraction(done, total int64) float64 {
	if total <= 0 {
		return 0
	}
	f := float64(done) / float64(total)
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// progressTracker maps inner stage fractions into the outer window and
// keeps reports monotonic. Tools restart their counters between stages
// and damaged sources make frame estimates jump, so the last reported
// value is a floor.
type progressTracker struct {
	emit func(Progress)
	last float64
}

func (t *progressTracker) report(stage string, inner float64) {
	if t.emit == nil {
		return
	}
	if inner < 0 {
		inner = 0
	} else if inner > 1 {
		inner = 1
	}
	outer := windowFloor + windowSpan*inner
	if outer < t.last {
		outer = t.last
	}
	t.last = outer
	t.emit(Progress{Stage: stage, Percent: outer})
}
