package proc

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"capstan/internal/logging"
	"capstan/internal/services"
)

var commandContext = exec.CommandContext

const (
	defaultGraceTimeout = 10 * time.Second
	defaultKillTimeout  = 3 * time.Second
	defaultTailLimit    = 2000
)

// Spec describes the child process a Supervisor should own.
type Spec struct {
	Binary string
	Args   []string
	Dir    string
	Env    []string

	// GracefulStdin is written to the child's stdin when a stop is requested
	// (ffmpeg understands "q"). When empty, SIGINT is sent instead.
	GracefulStdin string

	// GraceTimeout bounds the wait after the graceful request; KillTimeout
	// bounds the wait after SIGTERM before SIGKILL.
	GraceTimeout time.Duration
	KillTimeout  time.Duration

	// WantStdout exposes the child's stdout as a stream via Stdout().
	WantStdout bool

	// OnStderrLine receives each stderr line as it arrives. The trailing tail
	// is retained for error reporting regardless.
	OnStderrLine func(string)

	// TailLimit bounds the retained stderr tail in bytes.
	TailLimit int
}

// ExitState records how the child ended.
type ExitState struct {
	Code       int
	Err        error
	Stopped    bool // a stop was requested before the child exited
	Forced     bool // SIGKILL was required
	StderrTail string
}

// Supervisor owns one spawned child process.
type Supervisor struct {
	spec   Spec
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	mu      sync.Mutex
	stopped bool
	forced  bool
	tail    *tailBuffer

	stderrDone chan struct{}
	done       chan struct{}
	exit       ExitState
}

// Start spawns the described process and begins watching it.
func Start(ctx context.Context, spec Spec, logger *slog.Logger) (*Supervisor, error) {
	if strings.TrimSpace(spec.Binary) == "" {
		return nil, services.Wrap(services.ErrValidation, "proc", "spawn", "binary required", nil)
	}
	if spec.GraceTimeout <= 0 {
		spec.GraceTimeout = defaultGraceTimeout
	}
	if spec.KillTimeout <= 0 {
		spec.KillTimeout = defaultKillTimeout
	}
	if spec.TailLimit <= 0 {
		spec.TailLimit = defaultTailLimit
	}

	s := &Supervisor{
		spec:       spec,
		logger:     logging.NewComponentLogger(logger, "proc"),
		tail:       newTailBuffer(spec.TailLimit),
		stderrDone: make(chan struct{}),
		done:       make(chan struct{}),
	}

	cmd := commandContext(ctx, spec.Binary, spec.Args...) //nolint:gosec
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	// The child gets its own process group so stop signals do not leak to the
	// daemon, and context cancellation escalates instead of instant SIGKILL.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = spec.KillTimeout

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "proc", "spawn", "stdin pipe", err)
	}
	s.stdin = stdin

	if spec.WantStdout {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, services.Wrap(services.ErrExternalTool, "proc", "spawn", "stdout pipe", err)
		}
		s.stdout = stdout
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "proc", "spawn", "stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, services.Wrap(services.ErrConfiguration, "proc", "spawn", spec.Binary+" not installed", err)
		}
		return nil, services.Wrap(services.ErrExternalTool, "proc", "spawn", "start "+spec.Binary, err)
	}
	s.cmd = cmd

	s.logger.Debug("process started",
		logging.String("binary", spec.Binary),
		logging.Int("pid", cmd.Process.Pid),
	)

	go s.scanStderr(stderr)
	go s.wait()

	return s, nil
}

// Stdout returns the child's stdout stream. Nil unless Spec.WantStdout was set.
func (s *Supervisor) Stdout() io.Reader {
	return s.stdout
}

// Pid reports the child's process id.
func (s *Supervisor) Pid() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Running reports whether the child is still alive.
func (s *Supervisor) Running() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Done is closed once the child has exited and its state recorded.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Exit returns the recorded exit state. Only meaningful after Done is closed.
func (s *Supervisor) Exit() ExitState {
	select {
	case <-s.done:
		return s.exit
	default:
		return ExitState{}
	}
}

// Stop requests the child to end, escalating from the graceful request to
// SIGTERM to SIGKILL. It returns the final exit state once the child is gone.
func (s *Supervisor) Stop(ctx context.Context) (ExitState, error) {
	s.mu.Lock()
	alreadyStopped := s.stopped
	s.stopped = true
	s.mu.Unlock()

	select {
	case <-s.done:
		return s.exit, nil
	default:
	}

	if !alreadyStopped {
		s.requestGraceful()
	}

	if s.waitInterval(ctx, s.spec.GraceTimeout) {
		return s.exit, nil
	}

	logging.WarnWithContext(s.logger, "graceful stop timed out; sending SIGTERM", "process_stop_escalated",
		logging.String("binary", s.spec.Binary),
		logging.Int("pid", s.Pid()),
		logging.String(logging.FieldErrorHint, "the tool ignored its quit request"),
		logging.String(logging.FieldImpact, "output may be truncated"),
	)
	s.signal(syscall.SIGTERM)

	if s.waitInterval(ctx, s.spec.KillTimeout) {
		return s.exit, nil
	}

	s.mu.Lock()
	s.forced = true
	s.mu.Unlock()
	logging.WarnWithContext(s.logger, "SIGTERM ignored; forcing SIGKILL", "process_killed",
		logging.String("binary", s.spec.Binary),
		logging.Int("pid", s.Pid()),
		logging.String(logging.FieldImpact, "process terminated without cleanup"),
	)
	s.signal(syscall.SIGKILL)

	select {
	case <-s.done:
		return s.exit, nil
	case <-time.After(s.spec.KillTimeout):
		return s.exit, services.Wrap(services.ErrTimeout, "proc", "stop", s.spec.Binary+" survived SIGKILL", nil)
	case <-ctx.Done():
		return s.exit, ctx.Err()
	}
}

// StderrTail returns the retained trailing stderr output.
func (s *Supervisor) StderrTail() string {
	return s.tail.String()
}

func (s *Supervisor) requestGraceful() {
	if s.spec.GracefulStdin != "" {
		if _, err := io.WriteString(s.stdin, s.spec.GracefulStdin); err == nil {
			_ = s.stdin.Close()
			return
		}
		// Broken stdin usually means the child already died; fall through so
		// the signal path settles it either way.
	}
	s.signal(syscall.SIGINT)
}

func (s *Supervisor) signal(sig syscall.Signal) {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	_ = s.cmd.Process.Signal(sig)
}

// waitInterval blocks until the child exits, the interval elapses, or ctx ends.
func (s *Supervisor) waitInterval(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) scanStderr(r io.Reader) {
	defer close(s.stderrDone)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.tail.Append(line)
		if s.spec.OnStderrLine != nil {
			s.spec.OnStderrLine(line)
		}
	}
}

func (s *Supervisor) wait() {
	// Drain stderr to EOF before reaping so the tail keeps the final lines.
	<-s.stderrDone
	err := s.cmd.Wait()

	s.mu.Lock()
	state := ExitState{
		Err:        err,
		Stopped:    s.stopped,
		Forced:     s.forced,
		StderrTail: s.tail.String(),
	}
	s.mu.Unlock()

	if err == nil {
		state.Code = 0
	} else {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			state.Code = exitErr.ExitCode()
		} else {
			state.Code = -1
		}
	}

	s.exit = state
	close(s.done)

	s.logger.Debug("process exited",
		logging.String("binary", s.spec.Binary),
		logging.Int("exit_code", state.Code),
		logging.Bool("stop_requested", state.Stopped),
		logging.Bool("forced", state.Forced),
	)
}

// tailBuffer retains the trailing bytes of line-oriented output.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	lines []string
	size  int
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	b.size += len(line) + 1
	for len(b.lines) > 1 && b.size > b.limit {
		b.size -= len(b.lines[0]) + 1
		b.lines = b.lines[1:]
	}
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}
