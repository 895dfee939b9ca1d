package capture

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"capstan/internal/config"
	"capstan/internal/proc"
)

func TestRecordingSucceeded(t *testing.T) {
	cases := []struct {
		name string
		exit proc.ExitState
		want bool
	}{
		{"clean exit", proc.ExitState{Code: 0}, true},
		{"quit acknowledged", proc.ExitState{Code: 1, Stopped: true}, true},
		{"quit forced", proc.ExitState{Code: 1, Stopped: true, Forced: true}, false},
		{"tape end", proc.ExitState{Code: 2, StderrTail: "part_001.avi: End of file"}, true},
		{"interrupted", proc.ExitState{Code: 255, StderrTail: "Interrupted by signal"}, true},
		{"hard failure", proc.ExitState{Code: 2, StderrTail: "No such device"}, false},
	}
	for _, tc := range cases {
		if got := recordingSucceeded(tc.exit); got != tc.want {
			t.Fatalf("%s: recordingSucceeded = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestNextPartIndex(t *testing.T) {
	dir := t.TempDir()

	next, err := nextPartIndex(dir, "avi")
	if err != nil {
		t.Fatalf("nextPartIndex: %v", err)
	}
	if next != 1 {
		t.Fatalf("empty directory should start at 1, got %d", next)
	}

	for _, name := range []string{"part_001.avi", "part_004.avi", "part_junk.avi", "part_007.dv"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	next, err = nextPartIndex(dir, "avi")
	if err != nil {
		t.Fatalf("nextPartIndex: %v", err)
	}
	if next != 5 {
		t.Fatalf("expected 5 after part_004, got %d", next)
	}
}

func TestToolFormatSelection(t *testing.T) {
	cfg := config.Default()

	cfg.Capture.Container = "avi"
	cfg.Capture.Audio = true
	if got := toolFormat(&cfg); got != "dv2" {
		t.Fatalf("avi with audio should record dv2, got %q", got)
	}
	cfg.Capture.Audio = false
	if got := toolFormat(&cfg); got != "dv1" {
		t.Fatalf("avi without audio should record dv1, got %q", got)
	}
	cfg.Capture.Container = "dv"
	if got := toolFormat(&cfg); got != "raw" {
		t.Fatalf("dv container should record raw, got %q", got)
	}
	cfg.Capture.Container = "mov"
	if got := toolFormat(&cfg); got != "qt" {
		t.Fatalf("mov container should record qt, got %q", got)
	}
}

func TestContainerExt(t *testing.T) {
	if containerExt("avi") != "avi" || containerExt("dv") != "dv" || containerExt("mov") != "mov" {
		t.Fatal("container extensions should pass through")
	}
}

func TestValidTransitions(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateIdle, StatePreparing},
		{StatePreparing, StateAutoTransport},
		{StatePreparing, StateRecording},
		{StateAutoTransport, StateRecording},
		{StateRecording, StateStopping},
		{StateRecording, StateFailed},
		{StateStopping, StateIdle},
		{StateStopping, StateFailed},
	}
	for _, tc := range allowed {
		if !validTransition(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to State }{
		{StateIdle, StateRecording},
		{StateRecording, StateIdle},
		{StateFailed, StatePreparing},
		{StateFailed, StateIdle},
	}
	for _, tc := range denied {
		if validTransition(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
	}
}

func TestTailSnippet(t *testing.T) {
	if got := tailSnippet("  "); got != "no stderr output" {
		t.Fatalf("blank tail should report placeholder, got %q", got)
	}
	long := strings.Repeat("a", 450) + strings.Repeat("b", 100)
	got := tailSnippet(long)
	if len(got) != 500 {
		t.Fatalf("expected 500 byte snippet, got %d", len(got))
	}
	if !strings.HasSuffix(got, "b") {
		t.Fatal("snippet should keep the trailing output")
	}
}
