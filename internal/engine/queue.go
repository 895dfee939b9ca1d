package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"capstan/internal/logging"
	"capstan/internal/merging"
	"capstan/internal/notifications"
	"capstan/internal/queue"
)

// Enqueue creates a post-processing job for a captured project. The
// project may be a directory name under the import root or an absolute
// path. When an active job already tracks the directory it is returned
// instead of creating a duplicate.
func (e *Engine) Enqueue(ctx context.Context, project, profile string) (*queue.Item, error) {
	trimmed := strings.TrimSpace(project)
	if trimmed == "" {
		return nil, errors.New("project is required")
	}

	dir := trimmed
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(e.cfg.Paths.ImportRoot, trimmed)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat project directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project path %q is not a directory", dir)
	}

	lowres := filepath.Join(dir, "LowRes")
	if !merging.HasParts(lowres) && merging.MergedMovie(lowres) == "" {
		return nil, fmt.Errorf("no capture parts or merged movie under %s", lowres)
	}

	profile = strings.TrimSpace(profile)
	if profile != "" {
		if _, _, err := e.cfg.Profile(profile); err != nil {
			return nil, err
		}
	}

	existing, err := e.store.LatestForProject(ctx, dir)
	if err != nil {
		return nil, err
	}
	if existing != nil && !existing.IsTerminal() {
		e.logger.Debug("project already queued",
			logging.Int64(logging.FieldJobID, existing.ID),
			logging.String(logging.FieldProject, existing.MovieName))
		return existing, nil
	}

	item, err := e.store.NewProject(ctx, dir, "", profile)
	if err != nil {
		return nil, fmt.Errorf("enqueue project: %w", err)
	}
	e.logger.Info("project queued",
		logging.Int64(logging.FieldJobID, item.ID),
		logging.String(logging.FieldProject, item.MovieName),
		logging.String("profile", profile),
		logging.String(logging.FieldEventType, "project_queued"))
	return item, nil
}

// PendingProject describes an import-root project with unprocessed work.
type PendingProject struct {
	Name      string `json:"name"`
	Directory string `json:"directory"`
	Parts     int    `json:"parts"`
	NextStage string `json:"next_stage"`
	Queued    bool   `json:"queued"`
}

// PendingProjects scans the import root for projects the pipeline has not
// finished: parts awaiting a merge, or a merged movie with no upscale
// output yet. Projects already tracked by an active queue item are
// flagged rather than hidden.
func (e *Engine) PendingProjects(ctx context.Context) ([]PendingProject, error) {
	root := strings.TrimSpace(e.cfg.Paths.ImportRoot)
	if root == "" {
		return nil, errors.New("import root not configured")
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read import root: %w", err)
	}
	active, err := e.activeProjectDirs(ctx)
	if err != nil {
		return nil, err
	}

	var pending []PendingProject
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		lowres := filepath.Join(dir, "LowRes")
		merged := merging.MergedMovie(lowres)
		parts := merging.CountParts(lowres)

		if merged == "" && parts == 0 {
			continue
		}
		if merged != "" && hasUpscaleOutput(dir) {
			continue
		}

		next := "merge"
		if merged != "" {
			next = "upscale"
		}
		pending = append(pending, PendingProject{
			Name:      entry.Name(),
			Directory: dir,
			Parts:     parts,
			NextStage: next,
			Queued:    active[dir],
		})
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Name < pending[j].Name })
	return pending, nil
}

// ProcessPending enqueues every discovered pending project not already
// tracked by an active queue item.
func (e *Engine) ProcessPending(ctx context.Context) ([]*queue.Item, error) {
	pending, err := e.PendingProjects(ctx)
	if err != nil {
		return nil, err
	}
	var items []*queue.Item
	for _, project := range pending {
		if project.Queued {
			continue
		}
		item, err := e.Enqueue(ctx, project.Directory, "")
		if err != nil {
			return items, fmt.Errorf("enqueue %s: %w", project.Name, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func (e *Engine) activeProjectDirs(ctx context.Context) (map[string]bool, error) {
	items, err := e.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	active := make(map[string]bool, len(items))
	for _, item := range items {
		if item.IsTerminal() {
			continue
		}
		active[item.ProjectDir] = true
	}
	return active, nil
}

// hasUpscaleOutput reports whether the project's HighRes directory already
// holds a rendered file. The exact name depends on the profile, so any
// regular file counts.
func hasUpscaleOutput(projectDir string) bool {
	entries, err := os.ReadDir(filepath.Join(projectDir, "HighRes"))
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			return true
		}
	}
	return false
}

// ListQueue returns queue items filtered by optional statuses.
func (e *Engine) ListQueue(ctx context.Context, statuses []queue.Status) ([]*queue.Item, error) {
	if len(statuses) == 0 {
		return e.store.List(ctx)
	}
	return e.store.List(ctx, statuses...)
}

// ClearQueue removes all queue items.
func (e *Engine) ClearQueue(ctx context.Context) (int64, error) {
	return e.store.Clear(ctx)
}

// ClearCompleted removes only completed queue items.
func (e *Engine) ClearCompleted(ctx context.Context) (int64, error) {
	return e.store.ClearCompleted(ctx)
}

// ClearFailed removes failed and review queue items.
func (e *Engine) ClearFailed(ctx context.Context) (int64, error) {
	return e.store.ClearFailed(ctx)
}

// ResetStuck rolls in-flight items back to the start of their stage.
func (e *Engine) ResetStuck(ctx context.Context) (int64, error) {
	return e.store.ResetStuckProcessing(ctx)
}

// RetryFailed resets failed items, optionally a subset, back to pending.
func (e *Engine) RetryFailed(ctx context.Context, ids []int64) (int64, error) {
	return e.store.RetryFailed(ctx, ids...)
}

// QueueHealth returns aggregate queue diagnostics.
func (e *Engine) QueueHealth(ctx context.Context) (queue.HealthSummary, error) {
	return e.store.Health(ctx)
}

// DatabaseHealth returns detailed queue database diagnostics.
func (e *Engine) DatabaseHealth(ctx context.Context) (queue.DatabaseHealth, error) {
	return e.store.CheckHealth(ctx)
}

// TestNotification pushes a test message through the notifier so operators
// can verify their ntfy topic.
func (e *Engine) TestNotification(ctx context.Context) (bool, string, error) {
	if strings.TrimSpace(e.cfg.Notifications.NtfyTopic) == "" {
		return false, "ntfy topic not configured", nil
	}
	if err := e.notifier.Publish(ctx, notifications.EventTest, nil); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}
