package organizer_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"capstan/internal/logging"
	"capstan/internal/notifications"
	"capstan/internal/organizer"
	"capstan/internal/queue"
	"capstan/internal/services"
	"capstan/internal/testsupport"
)

type stubRefresher struct {
	calls int
	err   error
}

func (s *stubRefresher) Refresh(context.Context) error {
	s.calls++
	return s.err
}

type recordingNotifier struct {
	events   []notifications.Event
	payloads []notifications.Payload
}

func (r *recordingNotifier) Publish(_ context.Context, event notifications.Event, payload notifications.Payload) error {
	r.events = append(r.events, event)
	r.payloads = append(r.payloads, payload)
	return nil
}

func TestOrganizerExportsMovieIntoLibrary(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	projectDir := testsupport.NewProjectDir(t, cfg.Paths.ImportRoot, "Summer Tape (2003)")
	item := testsupport.NewProject(t, store, projectDir, "Summer Tape (2003)")

	source := filepath.Join(item.HighResDir(), "Summer Tape (2003)_4k.mp4")
	testsupport.WriteFile(t, source, 2048)
	item.UpscaledFile = source
	item.Status = queue.StatusOrganizing
	if err := store.Update(context.Background(), item); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	refresher := &stubRefresher{}
	notifier := &recordingNotifier{}
	org := organizer.NewWithDependencies(cfg, store, logging.NewNop(), refresher, notifier)

	if err := org.Prepare(context.Background(), item); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := org.Execute(context.Background(), item); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	want := filepath.Join(cfg.Paths.LibraryDir, "Summer Tape (2003)", "Summer Tape (2003).mp4")
	if item.ExportedFile != want {
		t.Fatalf("expected exported file %s, got %s", want, item.ExportedFile)
	}
	info, err := os.Stat(want)
	if err != nil {
		t.Fatalf("expected library copy at %s: %v", want, err)
	}
	if info.Size() != 2048 {
		t.Fatalf("expected 2048-byte copy, got %d", info.Size())
	}
	if _, err := os.Stat(source); err != nil {
		t.Fatalf("expected HighRes source to stay in place: %v", err)
	}
	if item.ProgressPercent != 100 {
		t.Fatalf("expected progress 100, got %v", item.ProgressPercent)
	}
	if refresher.calls != 1 {
		t.Fatalf("expected one plex refresh, got %d", refresher.calls)
	}
	if len(notifier.events) != 1 || notifier.events[0] != notifications.EventExportCompleted {
		t.Fatalf("expected export notification, got %v", notifier.events)
	}
}

func TestOrganizerRequiresUpscaledFile(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	projectDir := testsupport.NewProjectDir(t, cfg.Paths.ImportRoot, "No Source")
	item := testsupport.NewProject(t, store, projectDir, "No Source")

	org := organizer.NewWithDependencies(cfg, store, logging.NewNop(), &stubRefresher{}, nil)
	err := org.Execute(context.Background(), item)
	if err == nil {
		t.Fatal("expected error for missing upscaled file")
	}
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if status := queue.FailureStatus(err); status != queue.StatusReview {
		t.Fatalf("expected review routing, got %s", status)
	}
}

func TestOrganizerMissingSourceRoutesToReview(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	projectDir := testsupport.NewProjectDir(t, cfg.Paths.ImportRoot, "Gone")
	item := testsupport.NewProject(t, store, projectDir, "Gone")
	item.UpscaledFile = filepath.Join(item.HighResDir(), "Gone_4k.mp4")

	org := organizer.NewWithDependencies(cfg, store, logging.NewNop(), &stubRefresher{}, nil)
	err := org.Execute(context.Background(), item)
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
	if status := queue.FailureStatus(err); status != queue.StatusReview {
		t.Fatalf("expected review routing, got %s", status)
	}
}

func TestOrganizerRefusesOverwriteWhenDisabled(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Library.OverwriteExisting = false
	store := testsupport.MustOpenStore(t, cfg)

	projectDir := testsupport.NewProjectDir(t, cfg.Paths.ImportRoot, "Twice")
	item := testsupport.NewProject(t, store, projectDir, "Twice")
	source := filepath.Join(item.HighResDir(), "Twice_4k.mp4")
	testsupport.WriteFile(t, source, 512)
	item.UpscaledFile = source

	existing := filepath.Join(cfg.Paths.LibraryDir, "Twice", "Twice.mp4")
	testsupport.WriteFile(t, existing, 100)

	org := organizer.NewWithDependencies(cfg, store, logging.NewNop(), &stubRefresher{}, nil)
	err := org.Execute(context.Background(), item)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for existing destination, got %v", err)
	}

	cfg.Library.OverwriteExisting = true
	if err := org.Execute(context.Background(), item); err != nil {
		t.Fatalf("expected overwrite to succeed, got %v", err)
	}
	info, err := os.Stat(existing)
	if err != nil {
		t.Fatalf("stat library file: %v", err)
	}
	if info.Size() != 512 {
		t.Fatalf("expected overwritten copy of 512 bytes, got %d", info.Size())
	}
}

func TestOrganizerContinuesWhenPlexRefreshFails(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	projectDir := testsupport.NewProjectDir(t, cfg.Paths.ImportRoot, "Flaky Plex")
	item := testsupport.NewProject(t, store, projectDir, "Flaky Plex")
	source := filepath.Join(item.HighResDir(), "Flaky Plex_4k.mp4")
	testsupport.WriteFile(t, source, 256)
	item.UpscaledFile = source

	refresher := &stubRefresher{err: errors.New("plex unreachable")}
	org := organizer.NewWithDependencies(cfg, store, logging.NewNop(), refresher, nil)
	if err := org.Execute(context.Background(), item); err != nil {
		t.Fatalf("refresh failure should not fail the export: %v", err)
	}
	if item.ExportedFile == "" {
		t.Fatal("expected exported file to be recorded")
	}
}

func TestOrganizerHealthCheck(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	org := organizer.NewWithDependencies(cfg, store, logging.NewNop(), &stubRefresher{}, nil)
	if health := org.HealthCheck(context.Background()); !health.Ready {
		t.Fatalf("expected healthy organizer, got %+v", health)
	}

	cfg.Paths.LibraryDir = ""
	if health := org.HealthCheck(context.Background()); health.Ready {
		t.Fatal("expected unhealthy organizer without library dir")
	}
}
