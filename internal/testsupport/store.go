package testsupport

import (
	"context"
	"testing"

	"capstan/internal/config"
	"capstan/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewProject creates a pending queue item for tests using the provided store.
func NewProject(t testing.TB, store *queue.Store, projectDir, movieName string) *queue.Item {
	t.Helper()

	item, err := store.NewProject(context.Background(), projectDir, movieName, "")
	if err != nil {
		t.Fatalf("store.NewProject: %v", err)
	}
	return item
}
