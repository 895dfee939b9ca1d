package ffmpeg

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

func TestConcatBuildsCommand(t *testing.T) {
	var captured []string
	var listBody string
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		captured = append([]string(nil), args...)
		for i, arg := range args {
			if arg == "-i" && i+1 < len(args) {
				data, err := os.ReadFile(args[i+1])
				if err != nil {
					t.Errorf("read concat list: %v", err)
				}
				listBody = string(data)
			}
		}
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess")
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "FFMPEG_HELPER_MODE=success")
		return cmd
	}
	t.Cleanup(func() { commandContext = original })

	dir := t.TempDir()
	parts := []string{filepath.Join(dir, "part_001.avi"), filepath.Join(dir, "part_002.avi")}
	output := filepath.Join(dir, "movie_merged.avi")

	cli := New("ffmpeg")
	if err := cli.Concat(context.Background(), parts, output); err != nil {
		t.Fatalf("Concat returned error: %v", err)
	}

	for _, want := range []string{"-f", "concat", "-safe", "0", "-c", "copy", "-movflags", "+faststart", "-y", output} {
		if findArg(captured, want) == -1 {
			t.Fatalf("expected %q in args %v", want, captured)
		}
	}
	wantBody := fmt.Sprintf("file '%s'\nfile '%s'\n", parts[0], parts[1])
	if listBody != wantBody {
		t.Fatalf("concat list body = %q, want %q", listBody, wantBody)
	}

	entries, err := filepath.Glob(filepath.Join(dir, "concat-*.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("concat list not cleaned up: %v", entries)
	}
}

func TestConcatEncodeUsesFallbackCodecs(t *testing.T) {
	captured := captureArgs(t, "success")

	dir := t.TempDir()
	cli := New("ffmpeg")
	err := cli.ConcatEncode(context.Background(), []string{filepath.Join(dir, "a.mp4")}, filepath.Join(dir, "out.mp4"))
	if err != nil {
		t.Fatalf("ConcatEncode returned error: %v", err)
	}

	args := *captured
	for _, want := range []string{"-c:v", "libx264", "-preset", "medium", "-crf", "18", "-c:a", "aac"} {
		if findArg(args, want) == -1 {
			t.Fatalf("expected %q in args %v", want, args)
		}
	}
	if findArg(args, "copy") != -1 {
		t.Fatalf("re-encode args should not stream copy: %v", args)
	}
}

func TestConcatRequiresInputs(t *testing.T) {
	cli := New("")
	if err := cli.Concat(context.Background(), nil, "/tmp/out.avi"); err == nil {
		t.Fatal("expected error for empty part list")
	}
	if err := cli.Concat(context.Background(), []string{"/tmp/a.avi"}, ""); err == nil {
		t.Fatal("expected error for empty output")
	}
}

func TestConcatListBodyEscapesQuotes(t *testing.T) {
	got := ConcatListBody([]string{"/media/o'brien.avi"})
	want := "file '/media/o'\\''brien.avi'\n"
	if got != want {
		t.Fatalf("ConcatListBody = %q, want %q", got, want)
	}
}

func TestDetectScenesParsesTimes(t *testing.T) {
	captured := captureArgs(t, "scenes")

	cli := New("ffmpeg")
	times, err := cli.DetectScenes(context.Background(), "/media/movie_merged.avi", 0.3)
	if err != nil {
		t.Fatalf("DetectScenes returned error: %v", err)
	}
	want := []float64{2.211833, 8.847333}
	if !reflect.DeepEqual(times, want) {
		t.Fatalf("scene times = %v, want %v", times, want)
	}

	idx := findArg(*captured, "-vf")
	if idx == -1 || idx+1 >= len(*captured) {
		t.Fatalf("expected -vf in args %v", *captured)
	}
	if filter := (*captured)[idx+1]; filter != "select='gt(scene,0.3)',showinfo" {
		t.Fatalf("scene filter = %q", filter)
	}
}

func TestOverlayBuildsCommand(t *testing.T) {
	captured := captureArgs(t, "success")

	cli := New("ffmpeg")
	err := cli.Overlay(context.Background(), "/media/in.avi", "/media/out.avi", "drawtext=text='x'")
	if err != nil {
		t.Fatalf("Overlay returned error: %v", err)
	}
	args := *captured
	for _, want := range []string{"-vf", "drawtext=text='x'", "-c:a", "copy", "-y", "/media/out.avi"} {
		if findArg(args, want) == -1 {
			t.Fatalf("expected %q in args %v", want, args)
		}
	}
}

func TestScaleReportsProgress(t *testing.T) {
	captured := captureArgs(t, "scale")

	cli := New("ffmpeg")
	job := ScaleJob{
		Input:  "/media/movie_merged.avi",
		Output: "/media/movie_4k.mp4",
		Width:  3840,
		Height: 2160,
		Preset: "veryfast",
		CRF:    18,
		Tune:   "film",
	}
	var frames []int64
	err := cli.Scale(context.Background(), job, func(update ProgressUpdate) {
		frames = append(frames, update.Frame)
	})
	if err != nil {
		t.Fatalf("Scale returned error: %v", err)
	}
	if want := []int64{100, 200, 300}; !reflect.DeepEqual(frames, want) {
		t.Fatalf("frames = %v, want %v", frames, want)
	}

	args := *captured
	for _, want := range []string{"-stats", "scale=3840:2160:flags=lanczos", "-tune", "film"} {
		if findArg(args, want) == -1 {
			t.Fatalf("expected %q in args %v", want, args)
		}
	}
}

func TestScaleJobDefaults(t *testing.T) {
	job := ScaleJob{Input: "in.avi", Output: "out.mp4", Width: 1920, Height: 1080}
	args := job.args()
	for _, want := range []string{"libx264", "veryfast", "18"} {
		if findArg(args, want) == -1 {
			t.Fatalf("expected default %q in args %v", want, args)
		}
	}
	if findArg(args, "-tune") != -1 {
		t.Fatalf("unexpected -tune in default args %v", args)
	}
}

func TestScaleFailureKeepsTailWithoutNoise(t *testing.T) {
	setHelperCommand(t, "scalefail")

	cli := New("ffmpeg")
	job := ScaleJob{Input: "in.avi", Output: "out.mp4", Width: 3840, Height: 2160}
	err := cli.Scale(context.Background(), job, nil)
	if err == nil {
		t.Fatal("expected scale failure")
	}
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool classification, got %v", err)
	}
	if !strings.Contains(err.Error(), "Error while decoding") {
		t.Fatalf("expected decode error in tail: %v", err)
	}
	if strings.Contains(err.Error(), "AC EOB") {
		t.Fatalf("concealment noise leaked into tail: %v", err)
	}
}

func TestConcatFailureClassifiedExternalTool(t *testing.T) {
	setHelperCommand(t, "failure")

	dir := t.TempDir()
	cli := New("ffmpeg")
	err := cli.Concat(context.Background(), []string{filepath.Join(dir, "a.avi")}, filepath.Join(dir, "out.avi"))
	if err == nil {
		t.Fatal("expected concat failure")
	}
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool classification, got %v", err)
	}
	if !strings.Contains(err.Error(), "moov atom not found") {
		t.Fatalf("expected stderr tail in error: %v", err)
	}
}

func TestMissingBinaryClassifiedConfiguration(t *testing.T) {
	dir := t.TempDir()
	cli := New("capstan-missing-ffmpeg")
	err := cli.Concat(context.Background(), []string{filepath.Join(dir, "a.avi")}, filepath.Join(dir, "out.avi"))
	if err == nil {
		t.Fatal("expected missing binary error")
	}
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration classification, got %v", err)
	}
}

func TestParseSceneTimes(t *testing.T) {
	input := strings.Join([]string{
		"[Parsed_showinfo_1 @ 0x55d] n:   1 pts:  221184 pts_time:8.847333 pos:  1680000",
		"frame=  100 fps= 25 q=-0.0 size=N/A",
		"[Parsed_showinfo_1 @ 0x55d] n:   0 pts:   55296 pts_time:2.211833 pos:   420000",
		"[Parsed_showinfo_1 @ 0x55d] n:   2 pts:  -11111 pts_time:junk pos: 0",
	}, "\n")
	got := ParseSceneTimes(strings.NewReader(input))
	want := []float64{2.211833, 8.847333}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseSceneTimes = %v, want %v", got, want)
	}
}

func TestParseFrame(t *testing.T) {
	cases := []struct {
		line  string
		frame int64
		ok    bool
	}{
		{"frame=  492 fps= 45 q=28.0 size=    1024KiB", 492, true},
		{"frame=100", 100, true},
		{"  frame= 7 speed=2x  ", 7, true},
		{"size= 1024KiB frame= 5", 0, false},
		{"frame= abc", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		frame, ok := ParseFrame(tc.line)
		if frame != tc.frame || ok != tc.ok {
			t.Errorf("ParseFrame(%q) = (%d, %v), want (%d, %v)", tc.line, frame, ok, tc.frame, tc.ok)
		}
	}
}

func TestTimestampFilter(t *testing.T) {
	got := TimestampFilter([]float64{12.5}, 4, 1046461556)
	want := `drawtext=text='%{pts\:gmtime\:1046461556\:%Y-%m-%d %H\:%M\:%S}'` +
		`:fontsize=24:x=10:y=10:fontcolor=white:box=1:boxcolor=black@0.5` +
		`:enable='between(t,12.5,16.5)'`
	if got != want {
		t.Fatalf("TimestampFilter = %q, want %q", got, want)
	}
}

func TestTimestampFilterElapsedFallback(t *testing.T) {
	got := TimestampFilter([]float64{0, 30}, 4, 0)
	if !strings.Contains(got, `gmtime\:0\:%H\:%M\:%S`) {
		t.Fatalf("expected elapsed-time template, got %q", got)
	}
	if strings.Contains(got, "%Y") {
		t.Fatalf("elapsed template should not carry a date: %q", got)
	}
	if strings.Count(got, "drawtext=") != 2 {
		t.Fatalf("expected one drawtext per cut, got %q", got)
	}
	if !strings.Contains(got, "between(t,30,34)") {
		t.Fatalf("expected hold window after second cut, got %q", got)
	}
}

func TestTimestampFilterEmpty(t *testing.T) {
	if got := TimestampFilter(nil, 4, 0); got != "" {
		t.Fatalf("expected empty filter for no cuts, got %q", got)
	}
}

func TestErrorTail(t *testing.T) {
	noisy := strings.Join([]string{
		"[dv @ 0x55e] AC EOB marker is absent pos=66",
		"[dv @ 0x55e] Concealing bitstream errors",
		"",
	}, "\n")
	if got := errorTail(noisy); got != "no stderr output" {
		t.Fatalf("all-noise tail = %q", got)
	}

	long := strings.Repeat("x", 600) + "\ntrailing error"
	got := errorTail(long)
	if len(got) != tailChars {
		t.Fatalf("tail length = %d, want %d", len(got), tailChars)
	}
	if !strings.HasSuffix(got, "trailing error") {
		t.Fatalf("tail should keep the end: %q", got)
	}
}

func captureArgs(t *testing.T, mode string) *[]string {
	t.Helper()
	captured := &[]string{}
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		*captured = append([]string(nil), args...)
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess")
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", fmt.Sprintf("FFMPEG_HELPER_MODE=%s", mode))
		return cmd
	}
	t.Cleanup(func() { commandContext = original })
	return captured
}

func setHelperCommand(t *testing.T, mode string) {
	t.Helper()
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess")
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", fmt.Sprintf("FFMPEG_HELPER_MODE=%s", mode))
		return cmd
	}
	t.Cleanup(func() { commandContext = original })
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	switch os.Getenv("FFMPEG_HELPER_MODE") {
	case "success":
		os.Exit(0)
	case "scenes":
		fmt.Println("[Parsed_showinfo_1 @ 0x55d] n:   1 pts:  221184 pts_time:8.847333 pos:  1680000")
		fmt.Println("frame=  250 fps= 25 q=-0.0 size=N/A")
		fmt.Println("[Parsed_showinfo_1 @ 0x55d] n:   0 pts:   55296 pts_time:2.211833 pos:   420000")
		os.Exit(0)
	case "scale":
		fmt.Fprint(os.Stderr, "frame=  100 fps= 25 q=28.0 size=     512KiB time=00:00:04.00 bitrate=1048.6kbits/s speed=   2x    \r")
		fmt.Fprint(os.Stderr, "frame=  200 fps= 25 q=28.0 size=    1024KiB time=00:00:08.00 bitrate=1048.6kbits/s speed=   2x    \r")
		fmt.Fprintln(os.Stderr, "frame=  300 fps= 25 q=28.0 size=    1536KiB time=00:00:12.00 bitrate=1048.6kbits/s speed=   2x")
		os.Exit(0)
	case "scalefail":
		fmt.Fprintln(os.Stderr, "[dv @ 0x55e] AC EOB marker is absent pos=66")
		fmt.Fprintln(os.Stderr, "[dv @ 0x55e] AC EOB marker is absent pos=70")
		fmt.Fprintln(os.Stderr, "Error while decoding stream #0:0: Invalid data found when processing input")
		fmt.Fprintln(os.Stderr, "Conversion failed!")
		os.Exit(1)
	case "failure":
		fmt.Fprintln(os.Stderr, "[mov,mp4,m4a @ 0x5587] moov atom not found")
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
