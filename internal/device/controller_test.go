package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"

	"capstan/internal/config"
	"capstan/internal/logging"
	"capstan/internal/services"
)

const udevSample = `P: /devices/pci0000:00/0000:00:1f.2/ata1/host0/target0:0:0/0:0:0:0/block/sda
N: sda
E: DEVNAME=/dev/sda
E: SUBSYSTEM=block

P: /devices/pci0000:00/0000:00:1c.0/0000:02:00.0/fw0
N: fw0
E: DEVNAME=/dev/fw0
E: SUBSYSTEM=firewire

P: /devices/pci0000:00/0000:00:1c.0/0000:02:00.0/fw0/fw1
N: fw1
E: DEVNAME=/dev/fw1
E: SUBSYSTEM=firewire
E: IEEE1394_UNIT_FUNCTION_VIDEO=1
`

func TestParseUdevNodes(t *testing.T) {
	nodes := ParseUdevNodes(udevSample)
	if len(nodes) != 2 {
		t.Fatalf("expected two firewire nodes, got %v", nodes)
	}
	if nodes[0] != "/dev/fw0" || nodes[1] != "/dev/fw1" {
		t.Fatalf("unexpected nodes %v", nodes)
	}
}

func TestParseUdevNodesIgnoresIncompleteRecords(t *testing.T) {
	output := "P: /devices/fw-bus\nE: SUBSYSTEM=firewire\n\nP: /devices/sda\nE: DEVNAME=/dev/sda\nE: SUBSYSTEM=block\n"
	if nodes := ParseUdevNodes(output); len(nodes) != 0 {
		t.Fatalf("expected no nodes, got %v", nodes)
	}
}

func TestPickNodePrefersAttachedNode(t *testing.T) {
	cases := []struct {
		nodes []string
		want  string
	}{
		{nil, ""},
		{[]string{"/dev/fw0"}, "/dev/fw0"},
		{[]string{"/dev/fw0", "/dev/fw1"}, "/dev/fw1"},
		{[]string{"/dev/fw2"}, "/dev/fw2"},
	}
	for _, tc := range cases {
		if got := pickNode(tc.nodes); got != tc.want {
			t.Fatalf("pickNode(%v) = %q, want %q", tc.nodes, got, tc.want)
		}
	}
}

func TestDetectParsesListingOutput(t *testing.T) {
	var capturedName string
	var capturedArgs []string
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		capturedName = name
		capturedArgs = append([]string(nil), args...)
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess")
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "DEVICE_HELPER_MODE=udev")
		return cmd
	}
	t.Cleanup(func() { commandContext = original })

	controller := NewController(&config.Config{}, logging.NewNop())
	node, err := controller.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect returned error: %v", err)
	}
	if node != "/dev/fw1" {
		t.Fatalf("expected /dev/fw1, got %q", node)
	}
	if capturedName != "udevadm" {
		t.Fatalf("expected udevadm listing, got %q", capturedName)
	}
	if len(capturedArgs) == 0 || capturedArgs[len(capturedArgs)-1] != "--export-db" {
		t.Fatalf("unexpected listing args %v", capturedArgs)
	}
}

func TestDetectFallsBackToWellKnownNodes(t *testing.T) {
	originalCommand := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess")
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "DEVICE_HELPER_MODE=failure")
		return cmd
	}
	originalExists := nodeExists
	nodeExists = func(path string) bool { return path == "/dev/fw2" }
	t.Cleanup(func() {
		commandContext = originalCommand
		nodeExists = originalExists
	})

	controller := NewController(&config.Config{}, logging.NewNop())
	node, err := controller.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect returned error: %v", err)
	}
	if node != "/dev/fw2" {
		t.Fatalf("expected fallback node /dev/fw2, got %q", node)
	}
}

func TestDetectReportsMissingDevice(t *testing.T) {
	originalCommand := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess")
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "DEVICE_HELPER_MODE=failure")
		return cmd
	}
	originalExists := nodeExists
	nodeExists = func(string) bool { return false }
	t.Cleanup(func() {
		commandContext = originalCommand
		nodeExists = originalExists
	})

	controller := NewController(&config.Config{}, logging.NewNop())
	if _, err := controller.Detect(context.Background()); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not-found classification, got %v", err)
	}
}

func TestResolvePrefersConfiguredNode(t *testing.T) {
	cfg := &config.Config{}
	cfg.Device.Node = "/dev/fw3"

	controller := NewController(cfg, logging.NewNop())
	node, err := controller.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if node != "/dev/fw3" {
		t.Fatalf("expected configured node, got %q", node)
	}
}

func TestRewindBuildsTransportCommand(t *testing.T) {
	var capturedName string
	var capturedArgs []string
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		capturedName = name
		capturedArgs = append([]string(nil), args...)
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess")
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "DEVICE_HELPER_MODE=success")
		return cmd
	}
	t.Cleanup(func() { commandContext = original })

	cfg := &config.Config{}
	cfg.Device.Node = "/dev/fw1"

	controller := NewController(cfg, logging.NewNop())
	if err := controller.Rewind(context.Background(), ""); err != nil {
		t.Fatalf("Rewind returned error: %v", err)
	}
	if capturedName != "dvcont" {
		t.Fatalf("expected dvcont, got %q", capturedName)
	}
	want := []string{"-c", "1", "rewind"}
	if len(capturedArgs) != len(want) {
		t.Fatalf("unexpected args %v", capturedArgs)
	}
	for i, arg := range want {
		if capturedArgs[i] != arg {
			t.Fatalf("expected args %v, got %v", want, capturedArgs)
		}
	}
}

func TestTransportOmitsIndexForCustomNode(t *testing.T) {
	var capturedArgs []string
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		capturedArgs = append([]string(nil), args...)
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess")
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "DEVICE_HELPER_MODE=success")
		return cmd
	}
	t.Cleanup(func() { commandContext = original })

	controller := NewController(&config.Config{}, logging.NewNop())
	if err := controller.Play(context.Background(), "/dev/avdeck"); err != nil {
		t.Fatalf("Play returned error: %v", err)
	}
	if len(capturedArgs) != 1 || capturedArgs[0] != "play" {
		t.Fatalf("expected bare play command, got %v", capturedArgs)
	}
}

func TestTransportFailureClassifiedExternalTool(t *testing.T) {
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess")
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "DEVICE_HELPER_MODE=failure")
		return cmd
	}
	t.Cleanup(func() { commandContext = original })

	controller := NewController(&config.Config{}, logging.NewNop())
	err := controller.Pause(context.Background(), "/dev/fw1")
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool classification, got %v", err)
	}
	if !strings.Contains(err.Error(), "no AV/C device") {
		t.Fatalf("expected stderr detail in error, got %v", err)
	}
}

func TestTransportMissingToolClassifiedConfiguration(t *testing.T) {
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "capstan-missing-transport-tool")
	}
	t.Cleanup(func() { commandContext = original })

	controller := NewController(&config.Config{}, logging.NewNop())
	if err := controller.Stop(context.Background(), "/dev/fw1"); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration classification, got %v", err)
	}
}

func TestStatusTrimsOutput(t *testing.T) {
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess")
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "DEVICE_HELPER_MODE=status")
		return cmd
	}
	t.Cleanup(func() { commandContext = original })

	controller := NewController(&config.Config{}, logging.NewNop())
	status, err := controller.Status(context.Background(), "/dev/fw1")
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if status != "Winding stopped" {
		t.Fatalf("expected trimmed status, got %q", status)
	}
}

func TestNodeIndex(t *testing.T) {
	cases := []struct {
		node string
		idx  int
		ok   bool
	}{
		{"/dev/fw0", 0, true},
		{"/dev/fw12", 12, true},
		{"/dev/avdeck", 0, false},
		{"fw3", 3, true},
		{"/dev/fw", 0, false},
	}
	for _, tc := range cases {
		idx, ok := NodeIndex(tc.node)
		if idx != tc.idx || ok != tc.ok {
			t.Fatalf("NodeIndex(%q) = %d,%v want %d,%v", tc.node, idx, ok, tc.idx, tc.ok)
		}
	}
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	switch os.Getenv("DEVICE_HELPER_MODE") {
	case "success":
		fmt.Println("ok")
		os.Exit(0)
	case "status":
		fmt.Println("Winding stopped")
		os.Exit(0)
	case "udev":
		fmt.Print(udevSample)
		os.Exit(0)
	case "failure":
		fmt.Fprintln(os.Stderr, "no AV/C device found")
		os.Exit(1)
	default:
		os.Exit(0)
	}
}
