package ipc

import (
	"capstan/internal/capture"
	"capstan/internal/engine"
	"capstan/internal/events"
	"capstan/internal/logging"
	"capstan/internal/queue"
)

// dateTimeFormat is used for RFC3339 timestamps in wire payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// CaptureSnapshot is the wire form of a capture session snapshot.
type CaptureSnapshot = capture.Snapshot

// PendingProject is the wire form of an unprocessed import-root project.
type PendingProject = engine.PendingProject

// LogEvent is the wire form of a structured log event.
type LogEvent = logging.LogEvent

// Event is the wire form of a pipeline event.
type Event = events.Event

// StartRequest triggers daemon pipeline startup.
type StartRequest struct{}

// StartResponse indicates whether the daemon was started.
type StartResponse struct {
	Started bool   `json:"started"`
	Message string `json:"message"`
}

// StopRequest stops the daemon pipeline.
type StopRequest struct{}

// StopResponse indicates stop result.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// QueueProgress captures stage progress for a queue entry.
type QueueProgress struct {
	Stage   string  `json:"stage"`
	Percent float64 `json:"percent"`
	Message string  `json:"message"`
}

// QueueItem describes a queue entry in a transport-friendly format.
type QueueItem struct {
	ID           int64         `json:"id"`
	MovieName    string        `json:"movie_name"`
	ProjectDir   string        `json:"project_dir"`
	Status       string        `json:"status"`
	Profile      string        `json:"profile,omitempty"`
	Progress     QueueProgress `json:"progress"`
	ErrorMessage string        `json:"error_message,omitempty"`
	ReviewReason string        `json:"review_reason,omitempty"`
	MergedFile   string        `json:"merged_file,omitempty"`
	UpscaledFile string        `json:"upscaled_file,omitempty"`
	ExportedFile string        `json:"exported_file,omitempty"`
	CreatedAt    string        `json:"created_at,omitempty"`
	UpdatedAt    string        `json:"updated_at,omitempty"`
}

// FromQueueItem converts a queue model into its wire representation.
func FromQueueItem(item *queue.Item) QueueItem {
	if item == nil {
		return QueueItem{}
	}
	dto := QueueItem{
		ID:         item.ID,
		MovieName:  item.MovieName,
		ProjectDir: item.ProjectDir,
		Status:     string(item.Status),
		Profile:    item.Profile,
		Progress: QueueProgress{
			Stage:   item.ProgressStage,
			Percent: item.ProgressPercent,
			Message: item.ProgressMessage,
		},
		ErrorMessage: item.ErrorMessage,
		ReviewReason: item.ReviewReason,
		MergedFile:   item.MergedFile,
		UpscaledFile: item.UpscaledFile,
		ExportedFile: item.ExportedFile,
	}
	if !item.CreatedAt.IsZero() {
		dto.CreatedAt = item.CreatedAt.UTC().Format(dateTimeFormat)
	}
	if !item.UpdatedAt.IsZero() {
		dto.UpdatedAt = item.UpdatedAt.UTC().Format(dateTimeFormat)
	}
	return dto
}

// FromQueueItems converts a batch of queue models.
func FromQueueItems(items []*queue.Item) []QueueItem {
	if len(items) == 0 {
		return nil
	}
	out := make([]QueueItem, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		out = append(out, FromQueueItem(item))
	}
	return out
}

// StageHealth describes readiness of a pipeline stage.
type StageHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// ToolStatus describes availability of an external tool.
type ToolStatus struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description"`
	Optional    bool   `json:"optional"`
	Available   bool   `json:"available"`
	Detail      string `json:"detail,omitempty"`
}

// StatusResponse represents combined daemon, capture, and workflow status.
type StatusResponse struct {
	Running        bool            `json:"running"`
	PID            int             `json:"pid"`
	QueueStats     map[string]int  `json:"queue_stats"`
	LastError      string          `json:"last_error,omitempty"`
	LastItem       *QueueItem      `json:"last_item,omitempty"`
	LockPath       string          `json:"lock_path"`
	QueueDBPath    string          `json:"queue_db_path"`
	LogPath        string          `json:"log_path"`
	DeckMonitoring bool            `json:"deck_monitoring"`
	Capture        CaptureSnapshot `json:"capture"`
	StageHealth    []StageHealth   `json:"stage_health,omitempty"`
	Tools          []ToolStatus    `json:"tools,omitempty"`
}

// CaptureStartRequest begins recording a new tape project.
type CaptureStartRequest struct {
	Title   string `json:"title"`
	Year    string `json:"year,omitempty"`
	Preview bool   `json:"preview"`
}

// CaptureStartResponse returns the session snapshot after prepare.
type CaptureStartResponse struct {
	Snapshot CaptureSnapshot `json:"snapshot"`
}

// CaptureStopRequest ends the active capture session.
type CaptureStopRequest struct{}

// CaptureStopResponse returns the final session snapshot.
type CaptureStopResponse struct {
	Snapshot CaptureSnapshot `json:"snapshot"`
}

// CaptureStatusRequest fetches the current capture snapshot.
type CaptureStatusRequest struct{}

// PreviewStats reports MJPEG preview pipeline counters.
type PreviewStats struct {
	Extracted   uint64 `json:"extracted"`
	Published   uint64 `json:"published"`
	Overwritten uint64 `json:"overwritten"`
	Oversized   uint64 `json:"oversized"`
	Throttled   uint64 `json:"throttled"`
}

// CaptureStatusResponse returns the session snapshot and, while a preview
// pipeline runs, its counters.
type CaptureStatusResponse struct {
	Snapshot CaptureSnapshot `json:"snapshot"`
	Preview  *PreviewStats   `json:"preview,omitempty"`
}

// DeckDetectRequest probes for a connected deck.
type DeckDetectRequest struct{}

// DeckDetectResponse names the detected device node.
type DeckDetectResponse struct {
	Device string `json:"device"`
}

// DeckTransportRequest issues a manual transport verb.
type DeckTransportRequest struct {
	Action string `json:"action"`
}

// DeckTransportResponse names the device node that was driven.
type DeckTransportResponse struct {
	Device string `json:"device"`
}

// EnqueueRequest queues a captured project for post-processing.
type EnqueueRequest struct {
	Project string `json:"project"`
	Profile string `json:"profile,omitempty"`
}

// EnqueueResponse contains the created or reused queue entry.
type EnqueueResponse struct {
	Item QueueItem `json:"item"`
}

// PendingRequest scans the import root for unprocessed projects.
type PendingRequest struct{}

// PendingResponse lists unprocessed projects.
type PendingResponse struct {
	Projects []PendingProject `json:"projects"`
}

// ProcessRequest enqueues every unqueued pending project.
type ProcessRequest struct{}

// ProcessResponse lists the queue entries created.
type ProcessResponse struct {
	Items []QueueItem `json:"items"`
}

// QueueListRequest filters queue listing by status.
type QueueListRequest struct {
	Statuses []string `json:"statuses"`
}

// QueueListResponse contains queue entries.
type QueueListResponse struct {
	Items []QueueItem `json:"items"`
}

// QueueClearRequest removes all items.
type QueueClearRequest struct{}

// QueueClearResponse reports number of removed entries.
type QueueClearResponse struct {
	Removed int64 `json:"removed"`
}

// QueueClearCompletedRequest removes completed items.
type QueueClearCompletedRequest struct{}

// QueueClearCompletedResponse reports number of removed entries.
type QueueClearCompletedResponse struct {
	Removed int64 `json:"removed"`
}

// QueueClearFailedRequest removes failed and review items.
type QueueClearFailedRequest struct{}

// QueueClearFailedResponse reports number of removed entries.
type QueueClearFailedResponse struct {
	Removed int64 `json:"removed"`
}

// QueueResetRequest resets in-flight items to the start of their stage.
type QueueResetRequest struct{}

// QueueResetResponse reports number of items reset.
type QueueResetResponse struct {
	Updated int64 `json:"updated"`
}

// QueueRetryRequest retries failed items. Empty list means all failed items.
type QueueRetryRequest struct {
	IDs []int64 `json:"ids"`
}

// QueueRetryResponse reports number of retried items.
type QueueRetryResponse struct {
	Updated int64 `json:"updated"`
}

// QueueHealthRequest fetches aggregate diagnostics.
type QueueHealthRequest struct{}

// QueueHealthResponse reports queue health information.
type QueueHealthResponse struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Review     int `json:"review"`
}

// DatabaseHealthRequest fetches detailed database diagnostics.
type DatabaseHealthRequest struct{}

// DatabaseHealthResponse reports database health information.
type DatabaseHealthResponse struct {
	DBPath           string   `json:"db_path"`
	DatabaseExists   bool     `json:"database_exists"`
	DatabaseReadable bool     `json:"database_readable"`
	SchemaVersion    string   `json:"schema_version"`
	TableExists      bool     `json:"table_exists"`
	ColumnsPresent   []string `json:"columns_present"`
	MissingColumns   []string `json:"missing_columns"`
	IntegrityCheck   bool     `json:"integrity_check"`
	TotalItems       int      `json:"total_items"`
	Error            string   `json:"error"`
}

// TestNotificationRequest triggers a notification test.
type TestNotificationRequest struct{}

// TestNotificationResponse reports notification test outcome.
type TestNotificationResponse struct {
	Sent    bool   `json:"sent"`
	Message string `json:"message"`
}

// LogTailRequest fetches raw log lines based on offset and follow semantics.
type LogTailRequest struct {
	Offset     int64 `json:"offset"`
	Limit      int   `json:"limit"`
	Follow     bool  `json:"follow"`
	WaitMillis int   `json:"wait_millis"`
}

// LogTailResponse returns log lines and the next offset.
type LogTailResponse struct {
	Lines  []string `json:"lines"`
	Offset int64    `json:"offset"`
}

// LogEventsRequest fetches structured log events from the stream hub.
// Tail > 0 returns the most recent events regardless of Since.
type LogEventsRequest struct {
	Since      uint64 `json:"since"`
	Limit      int    `json:"limit"`
	Follow     bool   `json:"follow"`
	WaitMillis int    `json:"wait_millis"`
	Tail       int    `json:"tail,omitempty"`
}

// LogEventsResponse returns structured log events and the next sequence.
type LogEventsResponse struct {
	Events []LogEvent `json:"events"`
	Next   uint64     `json:"next"`
}

// EventsRequest fetches pipeline events published after Since.
type EventsRequest struct {
	Since      int64 `json:"since"`
	WaitMillis int   `json:"wait_millis"`
}

// EventsResponse returns pipeline events and the next sequence.
type EventsResponse struct {
	Events []Event `json:"events"`
	Next   int64   `json:"next"`
}
