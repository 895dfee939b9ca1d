package esrgan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"capstan/internal/services"
)

func TestNewRequiresBinary(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty binary")
	}
}

func TestUpscaleBuildsCommand(t *testing.T) {
	captured := captureArgs(t, "success")

	dir := t.TempDir()
	outDir := filepath.Join(dir, "stage")
	writeOutput(t, outDir, "movie_merged_out.mp4")

	cli, err := New("/opt/realesrgan-video", WithFFmpeg("/usr/bin/ffmpeg"))
	if err != nil {
		t.Fatal(err)
	}
	job := Job{Input: filepath.Join(dir, "movie_merged.avi"), OutputDir: outDir, Model: "RealESRGAN_x4plus", Scale: 2}
	path, err := cli.Upscale(context.Background(), job, nil)
	if err != nil {
		t.Fatalf("Upscale returned error: %v", err)
	}
	if want := filepath.Join(outDir, "movie_merged_out.mp4"); path != want {
		t.Fatalf("output path = %q, want %q", path, want)
	}

	args := *captured
	pairs := map[string]string{
		"-i":                    job.Input,
		"-o":                    outDir,
		"-n":                    "RealESRGAN_x4plus",
		"-s":                    "2",
		"--tile":                "400",
		"--tile_pad":            "10",
		"--num_process_per_gpu": "1",
		"--ffmpeg_bin":          "/usr/bin/ffmpeg",
	}
	for flag, value := range pairs {
		idx := findArg(args, flag)
		if idx == -1 || idx+1 >= len(args) {
			t.Fatalf("expected flag %q in args %v", flag, args)
		}
		if args[idx+1] != value {
			t.Fatalf("flag %q = %q, want %q", flag, args[idx+1], value)
		}
	}
}

func TestUpscaleReportsProgress(t *testing.T) {
	captureArgs(t, "progress")

	dir := t.TempDir()
	outDir := filepath.Join(dir, "stage")
	writeOutput(t, outDir, "clip_out.mp4")

	cli, err := New("realesrgan-video")
	if err != nil {
		t.Fatal(err)
	}
	var updates []ProgressUpdate
	_, err = cli.Upscale(context.Background(), Job{Input: filepath.Join(dir, "clip.avi"), OutputDir: outDir}, func(update ProgressUpdate) {
		updates = append(updates, ProgressUpdate{Done: update.Done, Total: update.Total})
	})
	if err != nil {
		t.Fatalf("Upscale returned error: %v", err)
	}
	want := []ProgressUpdate{
		{Done: 100, Total: 3520},
		{Done: 1760, Total: 3520},
		{Done: 3520, Total: 3520},
	}
	if !reflect.DeepEqual(updates, want) {
		t.Fatalf("updates = %v, want %v", updates, want)
	}
}

func TestUpscaleFallsBackToDirectoryScan(t *testing.T) {
	captureArgs(t, "success")

	dir := t.TempDir()
	outDir := filepath.Join(dir, "stage")
	writeOutput(t, outDir, "renamed-by-tool.mp4")

	cli, err := New("realesrgan-video")
	if err != nil {
		t.Fatal(err)
	}
	path, err := cli.Upscale(context.Background(), Job{Input: filepath.Join(dir, "clip.avi"), OutputDir: outDir}, nil)
	if err != nil {
		t.Fatalf("Upscale returned error: %v", err)
	}
	if want := filepath.Join(outDir, "renamed-by-tool.mp4"); path != want {
		t.Fatalf("output path = %q, want %q", path, want)
	}
}

func TestUpscaleFailsWithoutOutput(t *testing.T) {
	captureArgs(t, "success")

	dir := t.TempDir()
	cli, err := New("realesrgan-video")
	if err != nil {
		t.Fatal(err)
	}
	_, err = cli.Upscale(context.Background(), Job{Input: filepath.Join(dir, "clip.avi"), OutputDir: filepath.Join(dir, "stage")}, nil)
	if err == nil {
		t.Fatal("expected error when tool produced nothing")
	}
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool classification, got %v", err)
	}
}

func TestUpscaleFailureCarriesTail(t *testing.T) {
	captureArgs(t, "failure")

	dir := t.TempDir()
	cli, err := New("realesrgan-video")
	if err != nil {
		t.Fatal(err)
	}
	_, err = cli.Upscale(context.Background(), Job{Input: filepath.Join(dir, "clip.avi"), OutputDir: filepath.Join(dir, "stage")}, nil)
	if err == nil {
		t.Fatal("expected upscale failure")
	}
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool classification, got %v", err)
	}
	if !strings.Contains(err.Error(), "CUDA out of memory") {
		t.Fatalf("expected tool tail in error: %v", err)
	}
}

func TestParseProgress(t *testing.T) {
	cases := []struct {
		line  string
		done  int64
		total int64
		ok    bool
	}{
		{"inference video: 35%|=====     | 1234/3520 [01:12<02:45, 17.4it/s]", 1234, 3520, true},
		{"100/100", 100, 100, true},
		{"frame 5 of many", 0, 0, false},
		{"9/0", 0, 0, false},
		{"500/100", 0, 0, false},
		{"", 0, 0, false},
	}
	for _, tc := range cases {
		done, total, ok := parseProgress(tc.line)
		if done != tc.done || total != tc.total || ok != tc.ok {
			t.Errorf("parseProgress(%q) = (%d, %d, %v), want (%d, %d, %v)",
				tc.line, done, total, ok, tc.done, tc.total, tc.ok)
		}
	}
}

func writeOutput(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte("mp4"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func captureArgs(t *testing.T, mode string) *[]string {
	t.Helper()
	captured := &[]string{}
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		*captured = append([]string(nil), args...)
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess")
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", fmt.Sprintf("ESRGAN_HELPER_MODE=%s", mode))
		return cmd
	}
	t.Cleanup(func() { commandContext = original })
	return captured
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	switch os.Getenv("ESRGAN_HELPER_MODE") {
	case "success":
		os.Exit(0)
	case "progress":
		fmt.Fprint(os.Stderr, "inference video:   3%|=         | 100/3520 [00:05<03:10, 18.0it/s]\r")
		fmt.Fprint(os.Stderr, "inference video:  50%|=====     | 1760/3520 [01:35<01:35, 18.4it/s]\r")
		fmt.Fprintln(os.Stderr, "inference video: 100%|==========| 3520/3520 [03:10<00:00, 18.5it/s]")
		os.Exit(0)
	case "failure":
		fmt.Fprintln(os.Stderr, "Error: CUDA out of memory. Tried to allocate 512.00 MiB")
		os.Exit(1)
	default:
		os.Exit(0)
	}
}

func findArg(args []string, target string) int {
	for i, arg := range args {
		if arg == target {
			return i
		}
	}
	return -1
}
