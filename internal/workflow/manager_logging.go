package workflow

import (
	"context"
	"log/slog"
	"strings"
	"unicode"

	"capstan/internal/logging"
	"capstan/internal/queue"
	"capstan/internal/services"
)

func (m *Manager) workerLogger() *slog.Logger {
	return m.logger.With(logging.String(logging.FieldComponent, "workflow-runner"))
}

func (m *Manager) withStageContext(ctx context.Context, item *queue.Item, stageName, requestID string) context.Context {
	ctx = services.WithJobID(ctx, item.ID)
	if project := strings.TrimSpace(item.MovieName); project != "" {
		ctx = services.WithProject(ctx, project)
	}
	ctx = services.WithStage(ctx, stageName)
	return services.WithRequestID(ctx, requestID)
}

// deriveStageLabel turns a status like "upscaling" into a progress label
// like "Upscaling".
func deriveStageLabel(status queue.Status) string {
	words := strings.Fields(strings.ReplaceAll(string(status), "_", " "))
	for i, word := range words {
		runes := []rune(word)
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}
