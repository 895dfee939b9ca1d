package merging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"capstan/internal/config"
	"capstan/internal/fileutil"
	"capstan/internal/logging"
	"capstan/internal/media/dvtime"
	"capstan/internal/media/ffprobe"
	"capstan/internal/services"
	"capstan/internal/services/ffmpeg"
)

const mergedStem = "movie_merged"

var partPattern = regexp.MustCompile(`^part_(\d+)\.(avi|dv|mov|mp4)$`)

// Seams for the media inspectors, overridden in tests.
var (
	inspectMedia = ffprobe.Inspect
	recordedAt   = dvtime.RecordedAt
)

// TimeSource names how a part's recording start was determined.
type TimeSource string

const (
	TimeSourceTimecode TimeSource = "timecode"
	TimeSourceMetadata TimeSource = "metadata"
	TimeSourceModTime  TimeSource = "mtime"
)

// Part is one capture file under a project's LowRes directory.
type Part struct {
	Path       string
	Index      int
	RecordedAt time.Time
	Source     TimeSource
	Err        error
}

// Result describes a completed merge.
type Result struct {
	Output         string
	Parts          []Part
	Skipped        []Part
	Reencoded      bool
	Overlaid       bool
	SceneCount     int
	RecordingStart time.Time
}

// Merger is the subset of the ffmpeg client the assembler drives.
type Merger interface {
	Concat(ctx context.Context, parts []string, output string) error
	ConcatEncode(ctx context.Context, parts []string, output string) error
	DetectScenes(ctx context.Context, input string, threshold float64) ([]float64, error)
	Overlay(ctx context.Context, input, output, filter string) error
}

// Assembler merges the parts of one project into a single movie.
type Assembler struct {
	tools    Merger
	probeBin string
	settings config.Merging
	logger   *slog.Logger
}

// New constructs an assembler around the given ffmpeg tooling.
func New(cfg *config.Config, tools Merger, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Assembler{
		tools:    tools,
		probeBin: cfg.FFprobeBinary(),
		settings: cfg.Merging,
		logger:   logger,
	}
}

// FindParts lists the capture parts under dir in merge order: recording
// start ascending, part index breaking ties. A missing directory yields
// an empty list.
func (a *Assembler) FindParts(ctx context.Context, dir string) ([]Part, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list parts: %w", err)
	}

	var parts []Part
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := partPattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		index, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		part := Part{Path: filepath.Join(dir, entry.Name()), Index: index}
		a.resolveRecordingStart(ctx, &part)
		parts = append(parts, part)
	}

	sort.Slice(parts, func(i, j int) bool {
		if !parts[i].RecordedAt.Equal(parts[j].RecordedAt) {
			return parts[i].RecordedAt.Before(parts[j].RecordedAt)
		}
		return parts[i].Index < parts[j].Index
	})
	return parts, nil
}

// HasParts reports whether dir holds at least one capture part.
func HasParts(dir string) bool {
	return CountParts(dir) > 0
}

// CountParts returns the number of capture part files directly under dir.
func CountParts(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() && partPattern.MatchString(entry.Name()) {
			count++
		}
	}
	return count
}

// MergedMovie returns the merged movie path under dir, or "" when no
// merge output exists yet.
func MergedMovie(dir string) string {
	for _, ext := range []string{".avi", ".dv", ".mov", ".mp4"} {
		path := filepath.Join(dir, mergedStem+ext)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// Merge assembles the project's parts into LowRes/movie_merged.<ext>,
// applying timestamp overlays afterwards when configured. Unreadable
// parts are skipped with a warning; overlays are best effort and never
// fail the merge.
func (a *Assembler) Merge(ctx context.Context, projectDir string) (*Result, error) {
	lowres := filepath.Join(projectDir, "LowRes")
	parts, err := a.FindParts(ctx, lowres)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, services.Wrap(services.ErrNotFound, "merge", "find_parts",
			fmt.Sprintf("no part files in %s", lowres), nil)
	}

	var readable, skipped []Part
	for _, part := range parts {
		if part.Err != nil {
			logging.WarnWithContext(a.logger, "skipping unreadable part", "merge_part_unreadable",
				logging.String("part", filepath.Base(part.Path)),
				logging.Error(part.Err))
			skipped = append(skipped, part)
			continue
		}
		readable = append(readable, part)
	}
	if len(readable) == 0 {
		return nil, services.Wrap(services.ErrValidation, "merge", "probe_parts",
			"all part files are unreadable", nil)
	}

	output := filepath.Join(lowres, mergedStem+filepath.Ext(readable[0].Path))
	result := &Result{Output: output, Parts: readable, Skipped: skipped}
	if start, ok := recordingStart(readable); ok {
		result.RecordingStart = start
	}

	paths := make([]string, len(readable))
	for i, part := range readable {
		paths[i] = part.Path
	}

	a.logger.Info("merging parts",
		logging.String("output", filepath.Base(output)),
		logging.Int("parts", len(paths)),
		logging.Int("skipped", len(skipped)))

	if len(paths) == 1 {
		if err := fileutil.CopyFile(paths[0], output); err != nil {
			return nil, fmt.Errorf("copy single part: %w", err)
		}
	} else if err := a.tools.Concat(ctx, paths, output); err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		logging.WarnWithContext(a.logger, "stream copy failed, re-encoding", "merge_copy_fallback",
			logging.Error(err))
		if err := a.tools.ConcatEncode(ctx, paths, output); err != nil {
			return nil, fmt.Errorf("merge parts: %w", err)
		}
		result.Reencoded = true
	}

	if a.settings.Overlays {
		a.applyOverlays(ctx, result)
	}

	a.logger.Info("merge complete",
		logging.String("output", output),
		logging.Bool("reencoded", result.Reencoded),
		logging.Bool("overlaid", result.Overlaid))
	return result, nil
}

func (a *Assembler) resolveRecordingStart(ctx context.Context, part *Part) {
	if ts, ok, err := recordedAt(part.Path, 0); err == nil && ok {
		part.RecordedAt = ts
		part.Source = TimeSourceTimecode
	}

	// The probe doubles as the readability gate, so it always runs.
	probed, err := inspectMedia(ctx, a.probeBin, part.Path)
	if err != nil {
		part.Err = err
	} else if part.Source == "" {
		if ts, ok := probed.CreationTime(); ok {
			part.RecordedAt = ts
			part.Source = TimeSourceMetadata
		}
	}

	if part.Source == "" {
		if info, err := os.Stat(part.Path); err == nil {
			part.RecordedAt = info.ModTime()
		}
		part.Source = TimeSourceModTime
	}
}

// recordingStart picks the wall clock base for overlay stamping. File
// mtimes order parts well enough but drift whenever files are copied,
// so only the first part's timecode or container metadata qualifies.
func recordingStart(parts []Part) (time.Time, bool) {
	if len(parts) == 0 {
		return time.Time{}, false
	}
	first := parts[0]
	if first.Source == TimeSourceTimecode || first.Source == TimeSourceMetadata {
		return first.RecordedAt, true
	}
	return time.Time{}, false
}

func (a *Assembler) applyOverlays(ctx context.Context, result *Result) {
	times, err := a.tools.DetectScenes(ctx, result.Output, a.settings.SceneThreshold)
	if err != nil {
		logging.WarnWithContext(a.logger, "scene detection failed, skipping overlays", "merge_overlay_skipped",
			logging.Error(err))
		return
	}
	if len(times) == 0 {
		a.logger.Info("no scene changes detected, skipping overlays")
		return
	}
	result.SceneCount = len(times)

	var base int64
	if !result.RecordingStart.IsZero() {
		base = result.RecordingStart.Unix()
	}
	filter := ffmpeg.TimestampFilter(times, float64(a.settings.OverlaySeconds), base)

	ext := filepath.Ext(result.Output)
	stem := strings.TrimSuffix(result.Output, ext)
	stamped := stem + "_stamped" + ext
	if err := a.tools.Overlay(ctx, result.Output, stamped, filter); err != nil {
		os.Remove(stamped)
		logging.WarnWithContext(a.logger, "timestamp overlay failed, keeping plain merge", "merge_overlay_skipped",
			logging.Error(err))
		return
	}

	// The overlay pass re-encodes, so the plain merge stays behind as
	// movie_merged_raw for anyone who wants the untouched cut.
	raw := stem + "_raw" + ext
	if err := os.Rename(result.Output, raw); err != nil {
		os.Remove(stamped)
		logging.WarnWithContext(a.logger, "could not set aside plain merge, keeping it", "merge_overlay_skipped",
			logging.Error(err))
		return
	}
	if err := os.Rename(stamped, result.Output); err != nil {
		if restoreErr := os.Rename(raw, result.Output); restoreErr != nil {
			logging.ErrorWithContext(a.logger, "failed to restore plain merge", "merge_overlay_restore_failed",
				logging.String("backup", raw),
				logging.Error(restoreErr))
		}
		logging.WarnWithContext(a.logger, "could not promote stamped merge, keeping plain cut", "merge_overlay_skipped",
			logging.Error(err))
		return
	}

	result.Overlaid = true
	a.logger.Info("timestamp overlays applied",
		logging.Int("scenes", len(times)),
		logging.Bool("wall_clock", base > 0))
}
