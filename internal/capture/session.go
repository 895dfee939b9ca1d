package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"capstan/internal/config"
	"capstan/internal/device"
	"capstan/internal/logging"
	"capstan/internal/media/mjpeg"
	"capstan/internal/proc"
	"capstan/internal/services"
	"capstan/internal/textutil"
)

// ErrSessionActive is returned when starting a second concurrent session.
var ErrSessionActive = errors.New("capture session already active")

// ErrNoSession is returned when stop is requested with nothing running.
var ErrNoSession = errors.New("no active capture session")

// DeviceControl is the slice of the device controller a session drives.
type DeviceControl interface {
	Resolve(ctx context.Context) (string, error)
	Rewind(ctx context.Context, node string) error
	Play(ctx context.Context, node string) error
	Stop(ctx context.Context, node string) error
}

// StartRequest names the project a session records into.
type StartRequest struct {
	Title string
	Year  string

	// Preview starts the MJPEG side channel alongside the recording.
	Preview bool
}

// Snapshot is a point-in-time view of a session for status endpoints.
type Snapshot struct {
	State     State     `json:"state"`
	Project   string    `json:"project,omitempty"`
	Directory string    `json:"directory,omitempty"`
	Device    string    `json:"device,omitempty"`
	NextPart  int       `json:"next_part,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Parts     []string  `json:"parts,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Manager owns the single allowed capture session.
type Manager struct {
	cfg     *config.Config
	device  DeviceControl
	logger  *slog.Logger
	onState func(Snapshot)

	mu      sync.Mutex
	session *Session
}

// NewManager builds a session manager around the device controller.
func NewManager(cfg *config.Config, control DeviceControl, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		device: control,
		logger: logging.NewComponentLogger(logger, "capture"),
	}
}

// SetTransitionHook registers a callback fired on every session state
// change. Set it before the first Start; it runs on session goroutines.
func (m *Manager) SetTransitionHook(hook func(Snapshot)) {
	m.onState = hook
}

// Start begins a new capture session. The device is resolved and the
// project directory prepared synchronously so callers see configuration
// problems immediately; transport and recording proceed in the background.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*Session, error) {
	project, err := projectName(req)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.session != nil && m.session.Active() {
		m.mu.Unlock()
		return nil, ErrSessionActive
	}
	session := newSession(m, project, req.Preview)
	m.session = session
	m.mu.Unlock()

	if err := session.prepare(ctx); err != nil {
		session.fail(err)
		session.finish()
		return nil, err
	}

	go session.run()
	return session, nil
}

// Stop ends the active session and waits for it to settle.
func (m *Manager) Stop(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()

	if session == nil || !session.Active() {
		return m.Status(), ErrNoSession
	}
	return session.Stop(ctx)
}

// Status reports the current session snapshot. After a session ends the
// final snapshot remains visible until the next Start.
func (m *Manager) Status() Snapshot {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()

	if session == nil {
		return Snapshot{State: StateIdle}
	}
	return session.Snapshot()
}

// Active reports whether a session currently owns the deck.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil && m.session.Active()
}

// PreviewFrame returns the latest MJPEG preview frame, when a session with
// preview enabled is producing them.
func (m *Manager) PreviewFrame() (mjpeg.Frame, bool) {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()

	if session == nil {
		return mjpeg.Frame{}, false
	}
	return session.PreviewFrame()
}

// PreviewStats returns the preview pipeline counters of the current session.
func (m *Manager) PreviewStats() (mjpeg.Stats, bool) {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()

	if session == nil {
		return mjpeg.Stats{}, false
	}
	return session.PreviewStats()
}

// Shutdown stops any active session. Used when the daemon exits.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()

	if session == nil || !session.Active() {
		return nil
	}
	_, err := session.Stop(ctx)
	return err
}

// Session is one capture run into a project directory.
type Session struct {
	cfg     *config.Config
	device  DeviceControl
	logger  *slog.Logger
	onState func(Snapshot)

	project  string
	preview  bool
	ext      string
	format   string
	basename string

	ctx    context.Context
	cancel context.CancelFunc

	stopOnce   sync.Once
	stopCh     chan struct{}
	finishOnce sync.Once
	done       chan struct{}

	mu          sync.Mutex
	state       State
	node        string
	dir         string
	nextPart    int
	createdAt   time.Time
	parts       []string
	err         error
	capture     *proc.Supervisor
	previewProc *proc.Supervisor
	demux       *mjpeg.Demuxer
}

func newSession(m *Manager, project string, preview bool) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:       m.cfg,
		device:    m.device,
		logger:    m.logger,
		onState:   m.onState,
		project:   project,
		preview:   preview,
		ext:       containerExt(m.cfg.Capture.Container),
		format:    toolFormat(m.cfg),
		ctx:       ctx,
		cancel:    cancel,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		state:     StateIdle,
		createdAt: time.Now(),
	}
	// Session-scoped basename so only this run's files are swept up when
	// the tool appends its own suffixes.
	s.basename = "take-" + s.createdAt.Format("20060102-150405") + "-"
	return s
}

// Stop requests the session end and waits for it to settle.
func (s *Session) Stop(ctx context.Context) (Snapshot, error) {
	s.stopOnce.Do(func() { close(s.stopCh) })

	select {
	case <-s.done:
	case <-ctx.Done():
		return s.Snapshot(), ctx.Err()
	}

	if err := s.Err(); err != nil {
		return s.Snapshot(), err
	}
	return s.Snapshot(), nil
}

// Done is closed once the session has reached a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Active reports whether the session still owns the deck.
func (s *Session) Active() bool {
	return s.State().active()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error of a failed session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Parts lists the canonical part files the session produced.
func (s *Session) Parts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.parts...)
}

// Project returns the `Title (Year)` directory name the session records into.
func (s *Session) Project() string {
	return s.project
}

// Snapshot returns a point-in-time view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// PreviewFrame returns the latest preview frame.
func (s *Session) PreviewFrame() (mjpeg.Frame, bool) {
	s.mu.Lock()
	demux := s.demux
	s.mu.Unlock()

	if demux == nil {
		return mjpeg.Frame{}, false
	}
	return demux.Latest()
}

// PreviewStats returns the preview pipeline counters.
func (s *Session) PreviewStats() (mjpeg.Stats, bool) {
	s.mu.Lock()
	demux := s.demux
	s.mu.Unlock()

	if demux == nil {
		return mjpeg.Stats{}, false
	}
	return demux.Stats(), true
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:     s.state,
		Project:   s.project,
		Directory: s.dir,
		Device:    s.node,
		NextPart:  s.nextPart,
		StartedAt: s.createdAt,
		Parts:     append([]string(nil), s.parts...),
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	return snap
}

// prepare resolves the device and lays out the project directory. Runs
// synchronously under Start so callers get these failures directly.
func (s *Session) prepare(ctx context.Context) error {
	s.transition(StatePreparing)

	node, err := s.device.Resolve(ctx)
	if err != nil {
		return err
	}

	dir := filepath.Join(s.cfg.Paths.ImportRoot, s.project, "LowRes")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return services.Wrap(services.ErrConfiguration, "capture", "prepare", "create "+dir, err)
	}

	next, err := nextPartIndex(dir, s.ext)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.node = node
	s.dir = dir
	s.nextPart = next
	s.mu.Unlock()

	s.logger.Info("session prepared",
		logging.String(logging.FieldProject, s.project),
		logging.String("node", node),
		logging.String("directory", dir),
		logging.Int("next_part", next),
		logging.String(logging.FieldEventType, "capture_session_prepared"),
	)
	return nil
}

func (s *Session) run() {
	defer s.finish()

	if s.stopRequested() {
		s.settleEarlyStop()
		return
	}

	if s.cfg.Device.AutoTransport {
		s.transition(StateAutoTransport)
		s.autoTransport()
		if s.stopRequested() {
			s.settleEarlyStop()
			return
		}
	}

	s.transition(StateRecording)
	if err := s.startCapture(); err != nil {
		s.fail(err)
		return
	}
	if s.preview {
		s.startPreview()
	}

	select {
	case <-s.capture.Done():
		s.handleUnexpectedExit()
	case <-s.stopCh:
		s.transition(StateStopping)
		s.finishStop()
	}
}

// settleEarlyStop closes out a session stopped before recording began.
func (s *Session) settleEarlyStop() {
	s.transition(StateStopping)
	s.transition(StateIdle)
}

// autoTransport rewinds the tape to the start and begins playback.
// Transport refusals are advisory: some decks never answer AV/C commands
// yet capture fine.
func (s *Session) autoTransport() {
	if err := s.device.Rewind(s.ctx, s.nodeValue()); err != nil {
		logging.WarnWithContext(s.logger, "rewind command failed; continuing", "transport_rewind_failed",
			logging.Error(err),
			logging.String("node", s.nodeValue()),
			logging.String(logging.FieldImpact, "tape may not start at the beginning"),
		)
	} else {
		s.waitSettle(time.Duration(s.cfg.Device.SettleSeconds) * time.Second)
	}

	if s.stopRequested() {
		return
	}

	if err := s.device.Play(s.ctx, s.nodeValue()); err != nil {
		logging.WarnWithContext(s.logger, "play command failed; continuing", "transport_play_failed",
			logging.Error(err),
			logging.String("node", s.nodeValue()),
			logging.String(logging.FieldImpact, "deck must be started by hand"),
		)
		return
	}
	// Brief pause so the deck is rolling before frames matter.
	s.waitSettle(2 * time.Second)
}

func (s *Session) startCapture() error {
	args := []string{"-noavc"}
	if index, ok := device.NodeIndex(s.nodeValue()); ok {
		args = append(args, "-card", strconv.Itoa(index))
	}
	args = append(args, "-format", s.format, "-size", "0", s.basename)

	spec := proc.Spec{
		Binary:       s.cfg.CaptureBinary(),
		Args:         args,
		Dir:          s.dirValue(),
		GraceTimeout: time.Duration(s.cfg.Capture.StopGraceSeconds) * time.Second,
		KillTimeout:  time.Duration(s.cfg.Capture.KillGraceSeconds) * time.Second,
		OnStderrLine: func(line string) {
			s.logger.Debug("capture tool output", logging.String("line", line))
		},
	}

	sup, err := proc.Start(s.ctx, spec, s.logger)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.capture = sup
	s.mu.Unlock()

	s.logger.Info("recording started",
		logging.String(logging.FieldProject, s.project),
		logging.String("node", s.nodeValue()),
		logging.Int("next_part", s.nextPartValue()),
		logging.String(logging.FieldEventType, "capture_recording_started"),
	)
	return nil
}

func (s *Session) finishStop() {
	s.stopPreview()

	stopCtx, cancel := context.WithTimeout(context.Background(), s.stopWindow())
	defer cancel()

	exit, err := s.capture.Stop(stopCtx)
	if err != nil {
		s.fail(err)
		return
	}
	if !recordingSucceeded(exit) {
		s.fail(services.Wrap(services.ErrExternalTool, "capture", "stop",
			fmt.Sprintf("capture tool exited with code %d: %s", exit.Code, tailSnippet(exit.StderrTail)), exit.Err))
		return
	}

	parts, err := s.collectParts()
	if err != nil {
		s.fail(err)
		return
	}

	s.mu.Lock()
	s.parts = parts
	s.mu.Unlock()

	s.logger.Info("capture session complete",
		logging.String(logging.FieldProject, s.project),
		logging.Int("parts", len(parts)),
		logging.String(logging.FieldEventType, "capture_session_complete"),
	)
	s.transition(StateIdle)
}

func (s *Session) handleUnexpectedExit() {
	exit := s.capture.Exit()
	s.stopPreview()
	s.fail(services.Wrap(services.ErrExternalTool, "capture", "record",
		fmt.Sprintf("capture tool exited unexpectedly with code %d: %s", exit.Code, tailSnippet(exit.StderrTail)), exit.Err))
}

// collectParts renames the tool's own output files to the canonical
// part_NNN sequence, continuing from the part numbers already present.
func (s *Session) collectParts() ([]string, error) {
	dir := s.dirValue()
	matches, err := filepath.Glob(filepath.Join(dir, s.basename+"*"))
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "capture", "collect", "scan output", err)
	}
	sort.Strings(matches)

	var parts []string
	index := s.nextPartValue()
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil || info.IsDir() {
			continue
		}
		if info.Size() == 0 {
			// Zero-length leftovers happen when the deck never delivered.
			_ = os.Remove(match)
			continue
		}
		target := filepath.Join(dir, fmt.Sprintf("part_%03d.%s", index, s.ext))
		if err := os.Rename(match, target); err != nil {
			return nil, services.Wrap(services.ErrTransient, "capture", "collect", "rename "+filepath.Base(match), err)
		}
		parts = append(parts, target)
		index++
	}

	if len(parts) == 0 {
		return nil, services.Wrap(services.ErrExternalTool, "capture", "collect", "capture produced no output files", nil)
	}
	return parts, nil
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()

	logging.ErrorWithContext(s.logger, "capture session failed", "capture_session_failed",
		logging.Error(err),
		logging.String(logging.FieldProject, s.project),
	)
	s.transition(StateFailed)
}

func (s *Session) finish() {
	s.finishOnce.Do(func() {
		s.cancel()
		close(s.done)
	})
}

func (s *Session) transition(to State) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	if !validTransition(from, to) {
		s.mu.Unlock()
		s.logger.Error("invalid session transition",
			logging.String("from", string(from)),
			logging.String("to", string(to)),
		)
		return
	}
	s.state = to
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Info("session state changed",
		logging.String("from", string(from)),
		logging.String("to", string(to)),
		logging.String(logging.FieldProject, s.project),
		logging.String(logging.FieldEventType, "capture_state_changed"),
	)
	if s.onState != nil {
		s.onState(snap)
	}
}

func (s *Session) stopRequested() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// waitSettle pauses between transport phases, cutting out early on stop.
func (s *Session) waitSettle(d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.stopCh:
	case <-s.ctx.Done():
	}
}

// stopWindow bounds the whole stop escalation with margin to spare.
func (s *Session) stopWindow() time.Duration {
	grace := time.Duration(s.cfg.Capture.StopGraceSeconds) * time.Second
	kill := time.Duration(s.cfg.Capture.KillGraceSeconds) * time.Second
	return grace + 2*kill + 2*time.Second
}

func (s *Session) nodeValue() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.node
}

func (s *Session) dirValue() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

func (s *Session) nextPartValue() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextPart
}

// recordingSucceeded decides whether the tool's exit was a clean stop.
// ffmpeg exits 1 after a stdin "q"; dvgrab reports end of tape through
// stderr rather than the exit code.
func recordingSucceeded(exit proc.ExitState) bool {
	if exit.Code == 0 {
		return true
	}
	if exit.Stopped && !exit.Forced && exit.Code == 1 {
		return true
	}
	return strings.Contains(exit.StderrTail, "End of file") ||
		strings.Contains(exit.StderrTail, "Interrupted")
}

func tailSnippet(tail string) string {
	tail = strings.TrimSpace(tail)
	if tail == "" {
		return "no stderr output"
	}
	if len(tail) > 500 {
		tail = tail[len(tail)-500:]
	}
	return tail
}

// projectName builds the `Title (Year)` project directory name.
func projectName(req StartRequest) (string, error) {
	title := textutil.SanitizeFileName(req.Title)
	if title == "" {
		return "", services.Wrap(services.ErrValidation, "capture", "start", "title required", nil)
	}
	year := strings.TrimSpace(req.Year)
	if len(year) != 4 {
		return "", services.Wrap(services.ErrValidation, "capture", "start", "year must be four digits", nil)
	}
	for _, r := range year {
		if r < '0' || r > '9' {
			return "", services.Wrap(services.ErrValidation, "capture", "start", "year must be four digits", nil)
		}
	}
	return fmt.Sprintf("%s (%s)", title, year), nil
}

// nextPartIndex returns max(existing part numbers) + 1.
func nextPartIndex(dir, ext string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "part_*."+ext))
	if err != nil {
		return 0, services.Wrap(services.ErrTransient, "capture", "prepare", "scan parts", err)
	}

	next := 1
	for _, match := range matches {
		name := strings.TrimSuffix(filepath.Base(match), "."+ext)
		number, err := strconv.Atoi(strings.TrimPrefix(name, "part_"))
		if err != nil || number < 1 {
			continue
		}
		if number >= next {
			next = number + 1
		}
	}
	return next, nil
}

func containerExt(container string) string {
	switch container {
	case "dv":
		return "dv"
	case "mov":
		return "mov"
	default:
		return "avi"
	}
}

// toolFormat maps the configured container to the capture tool's format
// tag. AVI output records DV type 2 when a separate audio stream is
// wanted, type 1 otherwise.
func toolFormat(cfg *config.Config) string {
	switch cfg.Capture.Container {
	case "dv":
		return "raw"
	case "mov":
		return "qt"
	default:
		if cfg.Capture.Audio {
			return "dv2"
		}
		return "dv1"
	}
}
