package workflow

import (
	"context"
	"fmt"
	"strings"

	"capstan/internal/logging"
	"capstan/internal/preflight"
)

// runPreflightChecks verifies the environment before a stage claims the
// item. Any failure parks the worker so a doomed run never starts.
func (m *Manager) runPreflightChecks(ctx context.Context) error {
	logger := m.workerLogger()
	var failures []string
	for _, result := range preflight.RunAll(ctx, m.cfg) {
		if result.Passed {
			logger.Info("preflight check passed",
				logging.String("check", result.Name),
				logging.String("detail", result.Detail),
				logging.String(logging.FieldEventType, "preflight_passed"),
			)
			continue
		}
		logging.ErrorWithContext(logger, "preflight check failed", "preflight_failed",
			logging.String("check", result.Name),
			logging.String("detail", result.Detail),
			logging.String(logging.FieldErrorHint, "fix the reported issue and restart the daemon"),
		)
		failures = append(failures, fmt.Sprintf("%s: %s", result.Name, result.Detail))
	}
	if len(failures) > 0 {
		return fmt.Errorf("preflight checks failed: %s", strings.Join(failures, "; "))
	}
	return nil
}
