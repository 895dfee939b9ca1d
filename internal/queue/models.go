package queue

import (
	"path/filepath"
	"strings"
	"time"
)

// Status represents the lifecycle of a queue item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusMerging    Status = "merging"
	StatusMerged     Status = "merged"
	StatusUpscaling  Status = "upscaling"
	StatusUpscaled   Status = "upscaled"
	StatusOrganizing Status = "organizing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusReview     Status = "review"
)

// UserStopReason is the error message set when a user explicitly stops an item.
const UserStopReason = "Stop requested by user"

// DaemonStopReason is the error message set when items are failed due to daemon shutdown.
const DaemonStopReason = "Daemon stopped"

var allStatuses = []Status{
	StatusPending,
	StatusMerging,
	StatusMerged,
	StatusUpscaling,
	StatusUpscaled,
	StatusOrganizing,
	StatusCompleted,
	StatusFailed,
	StatusReview,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

var processingStatuses = map[Status]struct{}{
	StatusMerging:    {},
	StatusUpscaling:  {},
	StatusOrganizing: {},
}

type statusTransition struct {
	from Status
	to   Status
}

// Rollbacks return an interrupted item to the start of its current
// stage, never to the start of the pipeline, so finished work is kept.
var stageRollbackTransitions = []statusTransition{
	{from: StatusMerging, to: StatusPending},
	{from: StatusUpscaling, to: StatusMerged},
	{from: StatusOrganizing, to: StatusUpscaled},
}

// DatabaseHealth captures diagnostic information about the queue database.
type DatabaseHealth struct {
	DBPath           string
	DatabaseExists   bool
	DatabaseReadable bool
	SchemaVersion    string
	TableExists      bool
	ColumnsPresent   []string
	MissingColumns   []string
	IntegrityCheck   bool
	TotalItems       int
	Error            string
}

// HealthSummary describes aggregated queue counts per key lifecycle states.
type HealthSummary struct {
	Total      int
	Pending    int
	Processing int
	Completed  int
	Failed     int
	Review     int
}

// Item represents a queue item persisted in SQLite. One item is one tape
// project's post-capture run through merge, upscale, and export.
type Item struct {
	ID              int64
	ProjectDir      string
	MovieName       string
	Status          Status
	Profile         string
	MergedFile      string
	UpscaledFile    string
	ExportedFile    string
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ProgressStage   string
	ProgressPercent float64
	ProgressMessage string
	LastHeartbeat   *time.Time
	ReviewReason    string
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// LowResDir returns the project's capture directory holding the part files
// and the merged movie.
func (i Item) LowResDir() string {
	if i.ProjectDir == "" {
		return ""
	}
	return filepath.Join(i.ProjectDir, "LowRes")
}

// HighResDir returns the project's upscale output directory.
func (i Item) HighResDir() string {
	if i.ProjectDir == "" {
		return ""
	}
	return filepath.Join(i.ProjectDir, "HighRes")
}

// IsProcessing returns true when the status reflects an in-flight stage.
func (i Item) IsProcessing() bool {
	_, ok := processingStatuses[i.Status]
	return ok
}

// IsProcessingStatus reports whether a status reflects an in-flight stage.
func IsProcessingStatus(status Status) bool {
	_, ok := processingStatuses[status]
	return ok
}

// IsTerminal reports whether an item has left the pipeline.
func (i Item) IsTerminal() bool {
	switch i.Status {
	case StatusCompleted, StatusFailed, StatusReview:
		return true
	default:
		return false
	}
}

// IsUserStopReason reports whether an error message represents a user-initiated stop.
func IsUserStopReason(reason string) bool {
	return strings.EqualFold(strings.TrimSpace(reason), UserStopReason)
}

// SetProgress updates all three progress fields together.
func (i *Item) SetProgress(stage, message string, percent float64) {
	i.ProgressStage = stage
	i.ProgressMessage = message
	i.ProgressPercent = percent
}

// SetProgressComplete sets progress to 100% with the given stage and message.
func (i *Item) SetProgressComplete(stage, message string) {
	i.SetProgress(stage, message, 100)
}

// SetFailed marks the item as failed with the given error message and
// clears the heartbeat.
func (i *Item) SetFailed(message string) {
	i.Status = StatusFailed
	i.ErrorMessage = message
	i.ProgressPercent = 0
	i.ProgressMessage = message
	i.ProgressStage = "Failed"
	i.LastHeartbeat = nil
}

// SetReview parks the item for manual intervention with the given reason.
func (i *Item) SetReview(reason string) {
	i.Status = StatusReview
	i.ReviewReason = reason
	i.ProgressMessage = reason
	i.ProgressStage = "Review"
	i.LastHeartbeat = nil
}
