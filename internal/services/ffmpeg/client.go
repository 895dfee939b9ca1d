package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"capstan/internal/services"
)

var commandContext = exec.CommandContext

// ProgressUpdate carries one parsed encoder status line.
type ProgressUpdate struct {
	Frame int64
	Raw   string
}

// ScaleJob describes a single scale-and-encode pass.
type ScaleJob struct {
	Input   string
	Output  string
	Width   int
	Height  int
	Encoder string
	Preset  string
	CRF     int
	Tune    string
}

// CLI wraps the ffmpeg command line tool.
type CLI struct {
	binary string
}

// New constructs a client for the given binary path. An empty path
// resolves "ffmpeg" from PATH.
func New(binary string) *CLI {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	return &CLI{binary: binary}
}

// Concat joins the parts into output by stream copy via the concat
// demuxer. Inputs must share codec parameters; use ConcatEncode when
// they do not.
func (c *CLI) Concat(ctx context.Context, parts []string, output string) error {
	return c.concat(ctx, "concat", parts, output,
		"-c", "copy", "-movflags", "+faststart")
}

// ConcatEncode joins the parts re-encoding to H.264 and AAC. Slower
// than Concat but tolerates mismatched codec parameters.
func (c *CLI) ConcatEncode(ctx context.Context, parts []string, output string) error {
	return c.concat(ctx, "concat_encode", parts, output,
		"-c:v", "libx264", "-preset", "medium", "-crf", "18", "-c:a", "aac")
}

func (c *CLI) concat(ctx context.Context, op string, parts []string, output string, codecArgs ...string) error {
	if len(parts) == 0 {
		return errors.New("concat inputs required")
	}
	if output == "" {
		return errors.New("concat output required")
	}
	list, err := writeConcatList(filepath.Dir(output), parts)
	if err != nil {
		return services.Wrap(services.ErrTransient, "ffmpeg", op, "write concat list", err)
	}
	defer os.Remove(list)

	args := []string{"-hide_banner", "-nostdin", "-v", "error", "-f", "concat", "-safe", "0", "-i", list}
	args = append(args, codecArgs...)
	args = append(args, "-y", output)
	return c.run(ctx, op, args)
}

// DetectScenes returns the presentation times, in seconds and sorted
// ascending, where ffmpeg's scene filter scores a cut above threshold.
func (c *CLI) DetectScenes(ctx context.Context, input string, threshold float64) ([]float64, error) {
	if input == "" {
		return nil, errors.New("scene detection input required")
	}
	if threshold <= 0 {
		threshold = 0.3
	}
	// showinfo logs at info level, so verbosity stays at the default here.
	filter := fmt.Sprintf("select='gt(scene,%g)',showinfo", threshold)
	args := []string{"-hide_banner", "-nostdin", "-i", input, "-vf", filter, "-f", "null", "-"}

	cmd := commandContext(ctx, c.binary, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, c.classify("scene_detect", string(output), err)
	}
	return ParseSceneTimes(bytes.NewReader(output)), nil
}

// Overlay re-encodes input applying the video filter, copying audio
// untouched.
func (c *CLI) Overlay(ctx context.Context, input, output, filter string) error {
	if input == "" || output == "" {
		return errors.New("overlay input and output required")
	}
	if filter == "" {
		return errors.New("overlay filter required")
	}
	args := []string{"-hide_banner", "-nostdin", "-v", "error", "-i", input, "-vf", filter, "-c:a", "copy", "-y", output}
	return c.run(ctx, "overlay", args)
}

// Scale runs one lanczos scale-and-encode pass, reporting frame counts
// parsed from the encoder status line as the pass runs.
func (c *CLI) Scale(ctx context.Context, job ScaleJob, progress func(ProgressUpdate)) error {
	if job.Input == "" || job.Output == "" {
		return errors.New("scale input and output required")
	}
	if job.Width <= 0 || job.Height <= 0 {
		return errors.New("scale target resolution required")
	}

	cmd := commandContext(ctx, c.binary, job.args()...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return services.Wrap(services.ErrTransient, "ffmpeg", "scale", "stderr pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return c.classify("scale", "", err)
	}

	// ffmpeg rewrites the status line with carriage returns, so the
	// scanner splits on both \r and \n.
	var tail []string
	scanner := bufio.NewScanner(stderr)
	scanner.Split(scanStatusLines)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		tail = appendBounded(tail, line)
		if frame, ok := ParseFrame(line); ok && progress != nil {
			progress(ProgressUpdate{Frame: frame, Raw: line})
		}
	}

	scanErr := scanner.Err()
	if err := cmd.Wait(); err != nil {
		return c.classify("scale", strings.Join(tail, "\n"), err)
	}
	if scanErr != nil {
		return services.Wrap(services.ErrTransient, "ffmpeg", "scale", "read encoder output", scanErr)
	}
	return nil
}

func (j ScaleJob) args() []string {
	encoder := j.Encoder
	if encoder == "" {
		encoder = "libx264"
	}
	preset := j.Preset
	if preset == "" {
		preset = "veryfast"
	}
	crf := j.CRF
	if crf <= 0 {
		crf = 18
	}
	args := []string{
		"-hide_banner", "-nostdin", "-v", "error", "-stats",
		"-i", j.Input,
		"-vf", fmt.Sprintf("scale=%d:%d:flags=lanczos", j.Width, j.Height),
		"-c:v", encoder,
		"-preset", preset,
		"-crf", strconv.Itoa(crf),
	}
	if j.Tune != "" {
		args = append(args, "-tune", j.Tune)
	}
	args = append(args, "-c:a", "copy", "-y", j.Output)
	return args
}

func (c *CLI) run(ctx context.Context, op string, args []string) error {
	cmd := commandContext(ctx, c.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return c.classify(op, stderr.String(), err)
	}
	return nil
}

func (c *CLI) classify(op, stderr string, err error) error {
	if errors.Is(err, exec.ErrNotFound) {
		return services.Wrap(services.ErrConfiguration, "ffmpeg", op, c.binary+" not installed", err)
	}
	return services.Wrap(services.ErrExternalTool, "ffmpeg", op, errorTail(stderr), err)
}

// writeConcatList materializes a concat demuxer list next to the output
// so relative resolution never comes into play; entries are absolute.
func writeConcatList(dir string, parts []string) (string, error) {
	file, err := os.CreateTemp(dir, "concat-*.txt")
	if err != nil {
		return "", err
	}
	name := file.Name()
	if _, err := file.WriteString(ConcatListBody(parts)); err != nil {
		file.Close()
		os.Remove(name)
		return "", err
	}
	if err := file.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

// ConcatListBody renders concat demuxer entries, escaping single quotes
// the way the demuxer expects ('\'').
func ConcatListBody(parts []string) string {
	var b strings.Builder
	for _, part := range parts {
		if abs, err := filepath.Abs(part); err == nil {
			part = abs
		}
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(part, "'", `'\''`))
		b.WriteString("'\n")
	}
	return b.String()
}
