package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"capstan/internal/capture"
	"capstan/internal/config"
	"capstan/internal/engine"
	"capstan/internal/events"
	"capstan/internal/logging"
	"capstan/internal/queue"
	"capstan/internal/testsupport"
)

// recordScript stands in for the capture tool: one non-empty output file,
// then recording until interrupted.
const recordScript = `#!/bin/sh
for arg; do base="$arg"; done
printf 'DVDATA' > "${base}001.avi"
trap 'exit 0' INT TERM
while :; do sleep 0.2; done
`

// dieScript exits mid-recording like a tool killed by a bus reset.
const dieScript = `#!/bin/sh
for arg; do base="$arg"; done
printf 'DVDATA' > "${base}001.avi"
echo "firewire bus reset" >&2
exit 7
`

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func captureEngine(t *testing.T, script string, mutate func(*config.Config)) (*engine.Engine, *queue.Store, *config.Config) {
	t.Helper()

	cfg := testsupport.NewConfig(t)
	if err := os.MkdirAll(cfg.Paths.ImportRoot, 0o755); err != nil {
		t.Fatalf("mkdir import root: %v", err)
	}
	cfg.Tools.Capture = script
	cfg.Device.Node = "/dev/fw1"
	cfg.Device.AutoTransport = false
	cfg.Device.SettleSeconds = 0
	cfg.Capture.StopGraceSeconds = 3
	cfg.Capture.KillGraceSeconds = 1
	if mutate != nil {
		mutate(cfg)
	}

	store := testsupport.MustOpenStore(t, cfg)
	eng, err := engine.NewWithDependencies(cfg, store, logging.NewNop(), &fakeDeck{node: "/dev/fw1"}, nil)
	if err != nil {
		t.Fatalf("NewWithDependencies: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(shutdownCtx)
	})
	return eng, store, cfg
}

func waitCaptureState(t *testing.T, eng *engine.Engine, want capture.State) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if eng.CaptureStatus().State == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("capture never reached %s, stuck at %s", want, eng.CaptureStatus().State)
}

func sessionStates(published []events.Event) []string {
	var states []string
	for _, event := range published {
		if event.Kind == events.KindSessionState {
			states = append(states, event.State)
		}
	}
	return states
}

func TestCaptureLifecycleAutoEnqueuesProject(t *testing.T) {
	script := writeScript(t, "capture.sh", recordScript)
	eng, store, cfg := captureEngine(t, script, nil)
	hub := eng.Events()

	snap, err := eng.StartCapture(context.Background(), capture.StartRequest{Title: "Wedding", Year: "1997"})
	if err != nil {
		t.Fatalf("StartCapture returned error: %v", err)
	}
	if snap.Project != "Wedding (1997)" {
		t.Fatalf("unexpected project %q", snap.Project)
	}
	waitCaptureState(t, eng, capture.StateRecording)

	snap, err = eng.StopCapture(context.Background())
	if err != nil {
		t.Fatalf("StopCapture returned error: %v", err)
	}
	if snap.State != capture.StateIdle || len(snap.Parts) != 1 {
		t.Fatalf("unexpected final snapshot %+v", snap)
	}

	// The idle transition ran before StopCapture returned, so the
	// auto_merge enqueue is already visible.
	items, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one queued item, got %d", len(items))
	}
	item := items[0]
	if item.Status != queue.StatusPending {
		t.Fatalf("expected pending item, got %s", item.Status)
	}
	wantDir := filepath.Join(cfg.Paths.ImportRoot, "Wedding (1997)")
	if item.ProjectDir != wantDir || item.MovieName != "Wedding (1997)" {
		t.Fatalf("unexpected item %+v", item)
	}

	published := hub.Since(0)
	states := sessionStates(published)
	want := []string{"preparing", "recording", "stopping", "idle"}
	if len(states) != len(want) {
		t.Fatalf("expected session states %v, got %v", want, states)
	}
	for i, state := range want {
		if states[i] != state {
			t.Fatalf("expected session states %v, got %v", want, states)
		}
	}

	var sawStart, sawComplete bool
	for _, event := range published {
		if event.Kind != events.KindNotification {
			continue
		}
		switch event.Message {
		case "capture started: Wedding (1997)":
			sawStart = true
		case "capture complete: Wedding (1997)":
			sawComplete = true
		}
	}
	if !sawStart || !sawComplete {
		t.Fatalf("expected start and complete notifications, got %+v", published)
	}
}

func TestCaptureLifecycleRespectsAutoMergeOff(t *testing.T) {
	script := writeScript(t, "capture.sh", recordScript)
	eng, store, _ := captureEngine(t, script, func(cfg *config.Config) {
		cfg.Workflow.AutoMerge = false
	})

	if _, err := eng.StartCapture(context.Background(), capture.StartRequest{Title: "Holiday", Year: "1998"}); err != nil {
		t.Fatalf("StartCapture returned error: %v", err)
	}
	waitCaptureState(t, eng, capture.StateRecording)
	if _, err := eng.StopCapture(context.Background()); err != nil {
		t.Fatalf("StopCapture returned error: %v", err)
	}

	items, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("auto_merge off must not enqueue, got %+v", items)
	}

	// The parts stay discoverable for manual processing.
	pending, err := eng.PendingProjects(context.Background())
	if err != nil {
		t.Fatalf("PendingProjects returned error: %v", err)
	}
	if len(pending) != 1 || pending[0].Name != "Holiday (1998)" || pending[0].NextStage != "merge" {
		t.Fatalf("expected Holiday pending for merge, got %+v", pending)
	}
}

func TestCaptureFailurePublishesError(t *testing.T) {
	script := writeScript(t, "capture.sh", dieScript)
	eng, store, _ := captureEngine(t, script, nil)
	hub := eng.Events()

	if _, err := eng.StartCapture(context.Background(), capture.StartRequest{Title: "Doomed", Year: "1999"}); err != nil {
		t.Fatalf("StartCapture returned error: %v", err)
	}
	waitCaptureState(t, eng, capture.StateFailed)

	deadline := time.Now().Add(5 * time.Second)
	var sawFailure bool
	for time.Now().Before(deadline) && !sawFailure {
		for _, event := range hub.Since(0) {
			if event.Kind == events.KindNotification && event.Message == "capture failed: Doomed (1999)" {
				sawFailure = true
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !sawFailure {
		t.Fatalf("expected a failure notification, got %+v", hub.Since(0))
	}

	items, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("failed captures are not auto queued, got %+v", items)
	}

	// The failed session must not block the deck for transport commands.
	if _, err := eng.Transport(context.Background(), engine.TransportStop); err != nil {
		t.Fatalf("Transport after failure returned error: %v", err)
	}
}

func TestTransportRefusedWhileCapturing(t *testing.T) {
	script := writeScript(t, "capture.sh", recordScript)
	eng, _, _ := captureEngine(t, script, nil)

	if _, err := eng.StartCapture(context.Background(), capture.StartRequest{Title: "Wedding", Year: "1997"}); err != nil {
		t.Fatalf("StartCapture returned error: %v", err)
	}
	waitCaptureState(t, eng, capture.StateRecording)

	if _, err := eng.Transport(context.Background(), engine.TransportRewind); err == nil {
		t.Fatal("expected transport refusal during an active session")
	}

	if _, err := eng.StopCapture(context.Background()); err != nil {
		t.Fatalf("StopCapture returned error: %v", err)
	}
}
