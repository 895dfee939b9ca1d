package esrgan

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"capstan/internal/services"
)

var commandContext = exec.CommandContext

const (
	defaultModel    = "RealESRGAN_x4plus"
	defaultTileSize = 400
	defaultTilePad  = 10

	tailLines = 40
	tailChars = 500
)

// Counter in the tool's progress bar output ("1234/3520").
var progressPattern = regexp.MustCompile(`(\d+)/(\d+)`)

// ProgressUpdate carries one parsed frame counter from the tool output.
type ProgressUpdate struct {
	Done  int64
	Total int64
	Raw   string
}

// Job describes a single upscale run.
type Job struct {
	Input     string
	OutputDir string
	Model     string
	Scale     int
	TileSize  int
	TilePad   int
}

// Option configures the client.
type Option func(*CLI)

// WithFFmpeg points the tool at a specific ffmpeg binary for its
// internal extract and mux steps.
func WithFFmpeg(path string) Option {
	return func(c *CLI) {
		c.ffmpegBin = strings.TrimSpace(path)
	}
}

// CLI wraps the Real-ESRGAN video command line tool.
type CLI struct {
	binary    string
	ffmpegBin string
}

// New constructs a client for the given upscaler binary.
func New(binary string, opts ...Option) (*CLI, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, errors.New("upscaler binary required")
	}
	cli := &CLI{binary: binary}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// Upscale runs the tool and returns the path of the produced video.
// The tool names its output <input stem>_out.mp4; when that file is
// absent the newest .mp4 in the output directory is taken instead.
func (c *CLI) Upscale(ctx context.Context, job Job, progress func(ProgressUpdate)) (string, error) {
	if job.Input == "" {
		return "", errors.New("upscale input required")
	}
	if job.OutputDir == "" {
		return "", errors.New("upscale output directory required")
	}
	if err := os.MkdirAll(job.OutputDir, 0o755); err != nil {
		return "", services.Wrap(services.ErrConfiguration, "upscaler", "upscale", "create output directory", err)
	}

	cmd := commandContext(ctx, c.binary, job.args(c.ffmpegBin)...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "upscaler", "upscale", "stderr pipe", err)
	}
	cmd.Stdout = cmd.Stderr
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", services.Wrap(services.ErrConfiguration, "upscaler", "upscale", c.binary+" not installed", err)
		}
		return "", services.Wrap(services.ErrExternalTool, "upscaler", "upscale", "start tool", err)
	}

	var tail []string
	scanner := bufio.NewScanner(stderr)
	scanner.Split(scanProgressLines)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		tail = append(tail, line)
		if len(tail) > tailLines {
			tail = tail[len(tail)-tailLines:]
		}
		if done, total, ok := parseProgress(line); ok && progress != nil {
			progress(ProgressUpdate{Done: done, Total: total, Raw: line})
		}
	}

	if err := cmd.Wait(); err != nil {
		return "", services.Wrap(services.ErrExternalTool, "upscaler", "upscale", tailSnippet(tail), err)
	}

	output, err := c.resolveOutput(job)
	if err != nil {
		return "", err
	}
	return output, nil
}

func (j Job) args(ffmpegBin string) []string {
	model := j.Model
	if model == "" {
		model = defaultModel
	}
	scale := j.Scale
	if scale <= 0 {
		scale = 2
	}
	tile := j.TileSize
	if tile <= 0 {
		tile = defaultTileSize
	}
	pad := j.TilePad
	if pad <= 0 {
		pad = defaultTilePad
	}
	args := []string{
		"-i", j.Input,
		"-o", j.OutputDir,
		"-n", model,
		"-s", strconv.Itoa(scale),
		"--tile", strconv.Itoa(tile),
		"--tile_pad", strconv.Itoa(pad),
		"--num_process_per_gpu", "1",
	}
	if ffmpegBin != "" {
		args = append(args, "--ffmpeg_bin", ffmpegBin)
	}
	return args
}

func (c *CLI) resolveOutput(job Job) (string, error) {
	base := filepath.Base(job.Input)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	expected := filepath.Join(job.OutputDir, stem+"_out.mp4")
	if _, err := os.Stat(expected); err == nil {
		return expected, nil
	}

	candidates, err := filepath.Glob(filepath.Join(job.OutputDir, "*.mp4"))
	if err == nil && len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool {
			return modTime(candidates[i]).After(modTime(candidates[j]))
		})
		return candidates[0], nil
	}
	return "", services.Wrap(services.ErrExternalTool, "upscaler", "upscale",
		fmt.Sprintf("tool produced no output in %s", job.OutputDir), nil)
}

func modTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

func parseProgress(line string) (done, total int64, ok bool) {
	match := progressPattern.FindStringSubmatch(line)
	if match == nil {
		return 0, 0, false
	}
	done, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	total, err = strconv.ParseInt(match[2], 10, 64)
	if err != nil || total <= 0 || done > total {
		return 0, 0, false
	}
	return done, total, true
}

func tailSnippet(lines []string) string {
	joined := strings.TrimSpace(strings.Join(lines, "\n"))
	if joined == "" {
		return "no tool output"
	}
	if len(joined) > tailChars {
		joined = joined[len(joined)-tailChars:]
	}
	return joined
}

// scanProgressLines treats both \r and \n as line ends so progress-bar
// rewrites surface as individual lines.
func scanProgressLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
