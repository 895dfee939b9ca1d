package capture_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"capstan/internal/capture"
	"capstan/internal/config"
	"capstan/internal/device"
	"capstan/internal/logging"
	"capstan/internal/services"
)

// captureScript mimics a capture tool: it writes one non-empty output file
// from the basename argument, then records until interrupted.
const captureScript = `#!/bin/sh
for arg; do base="$arg"; done
printf 'DVDATA' > "${base}001.avi"
echo "capture running" >&2
trap 'exit 0' INT TERM
while :; do sleep 0.2; done
`

// twoPartScript emits two output files before waiting, as a tool splitting
// on its own boundaries would.
const twoPartScript = `#!/bin/sh
for arg; do base="$arg"; done
printf 'DVDATA' > "${base}001.avi"
printf 'DVDATA' > "${base}002.avi"
trap 'exit 0' INT TERM
while :; do sleep 0.2; done
`

// crashScript dies mid-recording the way a bus reset kills a real tool.
const crashScript = `#!/bin/sh
for arg; do base="$arg"; done
printf 'DVDATA' > "${base}001.avi"
echo "firewire bus reset storm" >&2
exit 7
`

// transportScript records each invocation for later inspection.
const transportScript = `#!/bin/sh
printf '%s\n' "$*" >> "$TRANSPORT_LOG"
exit 0
`

// previewScript emits a single JPEG frame and holds stdout open until its
// stdin closes, standing in for the preview ffmpeg.
const previewScript = `#!/bin/sh
printf '\377\330\377\340AAAA\377\331'
cat >/dev/null
exit 0
`

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func testConfig(t *testing.T, captureTool string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.ImportRoot = t.TempDir()
	cfg.Paths.LibraryDir = t.TempDir()
	cfg.Paths.LogDir = t.TempDir()
	cfg.Paths.WorkDir = t.TempDir()
	cfg.Tools.Capture = captureTool
	cfg.Device.Node = "/dev/fw1"
	cfg.Device.AutoTransport = false
	cfg.Device.SettleSeconds = 0
	cfg.Capture.StopGraceSeconds = 3
	cfg.Capture.KillGraceSeconds = 1
	return &cfg
}

func newManager(t *testing.T, cfg *config.Config) *capture.Manager {
	t.Helper()
	logger := logging.NewNop()
	return capture.NewManager(cfg, device.NewController(cfg, logger), logger)
}

func waitState(t *testing.T, session *capture.Session, want capture.State) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if session.State() == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("session never reached %s, stuck at %s", want, session.State())
}

func TestStartValidatesProject(t *testing.T) {
	manager := newManager(t, testConfig(t, "/bin/true"))

	if _, err := manager.Start(context.Background(), capture.StartRequest{Title: "  ", Year: "1997"}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for empty title, got %v", err)
	}
	if _, err := manager.Start(context.Background(), capture.StartRequest{Title: "Wedding", Year: "97"}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for short year, got %v", err)
	}
	if _, err := manager.Start(context.Background(), capture.StartRequest{Title: "Wedding", Year: "19x7"}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for non-numeric year, got %v", err)
	}
}

func TestCaptureLifecycle(t *testing.T) {
	script := writeScript(t, "capture.sh", captureScript)
	cfg := testConfig(t, script)
	manager := newManager(t, cfg)

	session, err := manager.Start(context.Background(), capture.StartRequest{Title: "Wedding", Year: "1997"})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	waitState(t, session, capture.StateRecording)

	lowRes := filepath.Join(cfg.Paths.ImportRoot, "Wedding (1997)", "LowRes")
	if _, err := os.Stat(lowRes); err != nil {
		t.Fatalf("expected LowRes directory: %v", err)
	}

	snap, err := manager.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if snap.State != capture.StateIdle {
		t.Fatalf("expected idle after stop, got %s", snap.State)
	}
	if len(snap.Parts) != 1 {
		t.Fatalf("expected one part, got %v", snap.Parts)
	}
	want := filepath.Join(lowRes, "part_001.avi")
	if snap.Parts[0] != want {
		t.Fatalf("expected %s, got %s", want, snap.Parts[0])
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("canonical part missing: %v", err)
	}

	leftovers, _ := filepath.Glob(filepath.Join(lowRes, "take-*"))
	if len(leftovers) != 0 {
		t.Fatalf("tool-named files should be renamed away, found %v", leftovers)
	}
	if manager.Active() {
		t.Fatal("manager should be inactive after stop")
	}
}

func TestStartRejectsSecondSession(t *testing.T) {
	script := writeScript(t, "capture.sh", captureScript)
	manager := newManager(t, testConfig(t, script))

	session, err := manager.Start(context.Background(), capture.StartRequest{Title: "Wedding", Year: "1997"})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	waitState(t, session, capture.StateRecording)

	if _, err := manager.Start(context.Background(), capture.StartRequest{Title: "Holiday", Year: "1998"}); !errors.Is(err, capture.ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}

	if _, err := manager.Stop(context.Background()); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
}

func TestStopContinuesExistingPartNumbering(t *testing.T) {
	script := writeScript(t, "capture.sh", twoPartScript)
	cfg := testConfig(t, script)
	manager := newManager(t, cfg)

	lowRes := filepath.Join(cfg.Paths.ImportRoot, "Wedding (1997)", "LowRes")
	if err := os.MkdirAll(lowRes, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, name := range []string{"part_001.avi", "part_002.avi"} {
		if err := os.WriteFile(filepath.Join(lowRes, name), []byte("old"), 0o644); err != nil {
			t.Fatalf("seed part: %v", err)
		}
	}

	session, err := manager.Start(context.Background(), capture.StartRequest{Title: "Wedding", Year: "1997"})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if snap := session.Snapshot(); snap.NextPart != 3 {
		t.Fatalf("expected next part 3, got %d", snap.NextPart)
	}
	waitState(t, session, capture.StateRecording)

	snap, err := manager.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if len(snap.Parts) != 2 {
		t.Fatalf("expected two new parts, got %v", snap.Parts)
	}
	if filepath.Base(snap.Parts[0]) != "part_003.avi" || filepath.Base(snap.Parts[1]) != "part_004.avi" {
		t.Fatalf("expected part_003/part_004, got %v", snap.Parts)
	}
}

func TestUnexpectedExitFailsSession(t *testing.T) {
	script := writeScript(t, "capture.sh", crashScript)
	manager := newManager(t, testConfig(t, script))

	session, err := manager.Start(context.Background(), capture.StartRequest{Title: "Wedding", Year: "1997"})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	select {
	case <-session.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("session never finished")
	}

	if session.State() != capture.StateFailed {
		t.Fatalf("expected failed state, got %s", session.State())
	}
	err = session.Err()
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool classification, got %v", err)
	}
	if !strings.Contains(err.Error(), "code 7") || !strings.Contains(err.Error(), "bus reset") {
		t.Fatalf("expected exit detail in error, got %v", err)
	}

	// The failed session must not block the next one.
	next, err := manager.Start(context.Background(), capture.StartRequest{Title: "Holiday", Year: "1998"})
	if err != nil {
		t.Fatalf("Start after failure returned error: %v", err)
	}
	select {
	case <-next.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("second session never finished")
	}
}

func TestAutoTransportIssuesRewindThenPlay(t *testing.T) {
	captureTool := writeScript(t, "capture.sh", captureScript)
	transportTool := writeScript(t, "dvcont.sh", transportScript)
	logPath := filepath.Join(t.TempDir(), "transport.log")
	t.Setenv("TRANSPORT_LOG", logPath)

	cfg := testConfig(t, captureTool)
	cfg.Tools.Transport = transportTool
	cfg.Device.AutoTransport = true

	manager := newManager(t, cfg)
	session, err := manager.Start(context.Background(), capture.StartRequest{Title: "Wedding", Year: "1997"})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	waitState(t, session, capture.StateRecording)

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("transport log missing: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected rewind and play invocations, got %v", lines)
	}
	if lines[0] != "-c 1 rewind" || lines[1] != "-c 1 play" {
		t.Fatalf("unexpected transport commands %v", lines)
	}

	if _, err := manager.Stop(context.Background()); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
}

func TestPreviewFramesFlow(t *testing.T) {
	captureTool := writeScript(t, "capture.sh", captureScript)
	previewTool := writeScript(t, "ffmpeg.sh", previewScript)

	cfg := testConfig(t, captureTool)
	cfg.Tools.FFmpeg = previewTool

	manager := newManager(t, cfg)
	session, err := manager.Start(context.Background(), capture.StartRequest{Title: "Wedding", Year: "1997", Preview: true})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	waitState(t, session, capture.StateRecording)

	deadline := time.Now().Add(5 * time.Second)
	var got bool
	for time.Now().Before(deadline) {
		if frame, ok := manager.PreviewFrame(); ok {
			if len(frame.Data) == 0 || frame.Data[0] != 0xFF || frame.Data[1] != 0xD8 {
				t.Fatalf("unexpected frame payload % X", frame.Data)
			}
			got = true
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !got {
		t.Fatal("no preview frame arrived")
	}

	if _, err := manager.Stop(context.Background()); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
}

func TestStopWithoutSessionReturnsError(t *testing.T) {
	manager := newManager(t, testConfig(t, "/bin/true"))
	if _, err := manager.Stop(context.Background()); !errors.Is(err, capture.ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestTransitionHookObservesLifecycle(t *testing.T) {
	script := writeScript(t, "capture.sh", captureScript)
	manager := newManager(t, testConfig(t, script))

	var mu sync.Mutex
	var seen []capture.State
	manager.SetTransitionHook(func(snap capture.Snapshot) {
		mu.Lock()
		seen = append(seen, snap.State)
		mu.Unlock()
	})

	session, err := manager.Start(context.Background(), capture.StartRequest{Title: "Wedding", Year: "1997"})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	waitState(t, session, capture.StateRecording)
	if _, err := manager.Stop(context.Background()); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []capture.State{capture.StatePreparing, capture.StateRecording, capture.StateStopping, capture.StateIdle}
	if len(seen) != len(want) {
		t.Fatalf("expected states %v, got %v", want, seen)
	}
	for i, state := range want {
		if seen[i] != state {
			t.Fatalf("expected states %v, got %v", want, seen)
		}
	}
}
