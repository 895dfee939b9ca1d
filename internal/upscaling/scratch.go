package upscaling

import (
	"log/slog"
	"os"
	"path/filepath"

	"capstan/internal/logging"
)

// CleanScratch removes leftover upscale scratch directories under the
// work directory. Runs are single-flight and remove their own scratch
// on every exit path, so anything matching the pattern belongs to a
// run that died with the process. Callers must hold the daemon lock.
func CleanScratch(workDir string, logger *slog.Logger) []string {
	if workDir == "" {
		return nil
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	matches, err := filepath.Glob(filepath.Join(workDir, "upscale-*"))
	if err != nil || len(matches) == 0 {
		return nil
	}

	var removed []string
	for _, dir := range matches {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("failed to remove stale scratch directory",
				logging.String("path", dir),
				logging.Error(err),
				logging.String(logging.FieldEventType, "scratch_cleanup_failed"),
				logging.String(logging.FieldErrorHint, "check work_dir permissions"),
				logging.String(logging.FieldImpact, "disk space not reclaimed"),
			)
			continue
		}
		removed = append(removed, dir)
		logger.Info("removed stale scratch directory",
			logging.String("path", dir),
			logging.String(logging.FieldEventType, "scratch_cleanup"),
		)
	}
	return removed
}
