// Package stage defines the contract between the workflow manager and the
// pipeline stages it drives.
package stage

import (
	"context"

	"capstan/internal/queue"
)

// Handler describes the contract the workflow manager needs from each stage.
// Prepare runs before the item is persisted in its processing status and may
// mutate progress fields; Execute performs the work; HealthCheck reports
// whether the stage's external tooling is ready.
type Handler interface {
	Prepare(context.Context, *queue.Item) error
	Execute(context.Context, *queue.Item) error
	HealthCheck(context.Context) Health
}
