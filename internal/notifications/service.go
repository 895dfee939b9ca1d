package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"capstan/internal/config"
)

const userAgent = "Capstan/0.1.0"

// Event identifies a pipeline happening worth pushing to the operator.
type Event string

const (
	EventCaptureStarted   Event = "capture_started"
	EventCaptureCompleted Event = "capture_completed"
	EventDeckAttached     Event = "deck_attached"
	EventDeckDetached     Event = "deck_detached"
	EventMergeCompleted   Event = "merge_completed"
	EventUpscaleCompleted Event = "upscale_completed"
	EventExportCompleted  Event = "export_completed"
	EventQueueStarted     Event = "queue_started"
	EventQueueCompleted   Event = "queue_completed"
	EventReviewRequired   Event = "review_required"
	EventError            Event = "error"
	EventTest             Event = "test"
)

// Payload carries event-specific fields consumed by the message templates.
// Values are rendered with fmt.Sprint, so callers may pass errors, counts,
// and durations directly.
type Payload map[string]any

// Service defines the notification surface exposed to pipeline components.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		settings: cfg.Notifications,
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	settings config.Notifications
}

// Publish sends the event to the configured topic. Events whose category is
// disabled in config, and events without a template, are silently dropped.
func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	if !n.enabled(event) {
		return nil
	}
	msg, ok := render(event, payload)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func (n *ntfyService) enabled(event Event) bool {
	switch event {
	case EventCaptureStarted, EventCaptureCompleted, EventDeckAttached, EventDeckDetached:
		return n.settings.Capture
	case EventMergeCompleted:
		return n.settings.Merging
	case EventUpscaleCompleted:
		return n.settings.Upscaling
	case EventExportCompleted:
		return n.settings.Export
	case EventQueueStarted, EventQueueCompleted:
		// Queue lifecycle summaries ride along with the stage categories.
		return n.settings.Merging || n.settings.Upscaling || n.settings.Export
	case EventReviewRequired, EventError:
		return n.settings.Errors
	case EventTest:
		// The explicit test trigger ignores category toggles.
		return true
	default:
		return false
	}
}

func render(event Event, payload Payload) (message, bool) {
	get := func(key string) string {
		value, ok := payload[key]
		if !ok || value == nil {
			return ""
		}
		return strings.TrimSpace(fmt.Sprint(value))
	}

	switch event {
	case EventCaptureStarted:
		return message{
			title: "Capstan - Capture Started",
			body:  fmt.Sprintf("📼 Capturing: %s", get("project")),
			tags:  []string{"capstan", "capture", "started"},
		}, true
	case EventCaptureCompleted:
		body := fmt.Sprintf("📼 Capture complete: %s", get("project"))
		if parts := get("parts"); parts != "" {
			body = fmt.Sprintf("%s (%s parts)", body, parts)
		}
		return message{
			title: "Capstan - Capture Complete",
			body:  body,
			tags:  []string{"capstan", "capture", "completed"},
		}, true
	case EventDeckAttached:
		return message{
			title: "Capstan - Deck Connected",
			body:  fmt.Sprintf("🔌 Deck connected: %s", get("device")),
			tags:  []string{"capstan", "deck", "attached"},
		}, true
	case EventDeckDetached:
		return message{
			title: "Capstan - Deck Disconnected",
			body:  fmt.Sprintf("🔌 Deck disconnected: %s", get("device")),
			tags:  []string{"capstan", "deck", "detached"},
		}, true
	case EventMergeCompleted:
		body := fmt.Sprintf("🎞️ Merge complete: %s", get("project"))
		if parts := get("parts"); parts != "" {
			body = fmt.Sprintf("%s (%s parts)", body, parts)
		}
		return message{
			title: "Capstan - Merged",
			body:  body,
			tags:  []string{"capstan", "merge", "completed"},
		}, true
	case EventUpscaleCompleted:
		body := fmt.Sprintf("✨ Upscale complete: %s", get("project"))
		if profile := get("profile"); profile != "" {
			body = fmt.Sprintf("%s (%s)", body, profile)
		}
		return message{
			title: "Capstan - Upscaled",
			body:  body,
			tags:  []string{"capstan", "upscale", "completed"},
		}, true
	case EventExportCompleted:
		body := fmt.Sprintf("✅ Ready to watch: %s", get("project"))
		if file := get("file"); file != "" {
			body = fmt.Sprintf("%s\nFile: %s", body, file)
		}
		return message{
			title:    "Capstan - Library Updated",
			body:     body,
			tags:     []string{"capstan", "library", "added"},
			priority: "high",
		}, true
	case EventQueueStarted:
		return message{
			title: "Capstan - Queue Started",
			body:  fmt.Sprintf("🚀 Processing queue with %s jobs", get("count")),
			tags:  []string{"capstan", "queue", "started"},
		}, true
	case EventQueueCompleted:
		processed := get("processed")
		failed := get("failed")
		elapsed := queueDuration(payload["duration"])
		title := "Capstan - Queue Complete"
		body := fmt.Sprintf("🏁 Queue complete: %s jobs processed in %s", processed, elapsed)
		if failed != "" && failed != "0" {
			title = "Capstan - Queue Complete (with errors)"
			body = fmt.Sprintf("🏁 Queue complete: %s succeeded, %s failed in %s", processed, failed, elapsed)
		}
		return message{
			title: title,
			body:  body,
			tags:  []string{"capstan", "queue", "completed"},
		}, true
	case EventReviewRequired:
		body := fmt.Sprintf("⚠️ Review needed: %s", get("project"))
		if reason := get("reason"); reason != "" {
			body = fmt.Sprintf("%s\n%s", body, reason)
		}
		return message{
			title:    "Capstan - Review Required",
			body:     body,
			tags:     []string{"capstan", "review", "alert"},
			priority: "high",
		}, true
	case EventError:
		var builder strings.Builder
		builder.WriteString("❌ Error")
		if label := get("context"); label != "" {
			builder.WriteString(" with ")
			builder.WriteString(label)
		}
		builder.WriteString(": ")
		if detail := get("error"); detail != "" {
			builder.WriteString(detail)
		} else {
			builder.WriteString("unknown")
		}
		return message{
			title:    "Capstan - Error",
			body:     builder.String(),
			tags:     []string{"capstan", "error", "alert"},
			priority: "high",
		}, true
	case EventTest:
		return message{
			title:    "Capstan - Test",
			body:     "🧪 Notification system test",
			tags:     []string{"capstan", "test"},
			priority: "low",
		}, true
	default:
		return message{}, false
	}
}

func queueDuration(value any) string {
	d, ok := value.(time.Duration)
	if !ok {
		if text := strings.TrimSpace(fmt.Sprint(value)); text != "" && text != "<nil>" {
			return text
		}
		return "0s"
	}
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	return d.String()
}

func (n *ntfyService) send(ctx context.Context, msg message) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(msg.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg.title != "" {
		req.Header.Set("Title", msg.title)
	}
	if len(msg.tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.tags, ","))
	}
	if msg.priority != "" && msg.priority != "default" {
		req.Header.Set("Priority", msg.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
