package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"capstan/internal/config"
	"capstan/internal/daemon"
	"capstan/internal/engine"
	"capstan/internal/ipc"
	"capstan/internal/logging"
	"capstan/internal/queue"
	"capstan/internal/stage"
	"capstan/internal/testsupport"
	"capstan/internal/workflow"
)

type noopStage struct{}

func (noopStage) Prepare(context.Context, *queue.Item) error { return nil }
func (noopStage) Execute(context.Context, *queue.Item) error { return nil }
func (noopStage) HealthCheck(context.Context) stage.Health {
	return stage.Healthy("noop")
}

type fakeDeck struct{}

func (fakeDeck) Resolve(context.Context) (string, error) { return "/dev/fw1", nil }
func (fakeDeck) Detect(context.Context) (string, error)  { return "/dev/fw1", nil }
func (fakeDeck) Rewind(context.Context, string) error    { return nil }
func (fakeDeck) Play(context.Context, string) error      { return nil }
func (fakeDeck) Pause(context.Context, string) error     { return nil }
func (fakeDeck) Stop(context.Context, string) error      { return nil }

type cliTestEnv struct {
	cfg        *config.Config
	store      *queue.Store
	daemon     *daemon.Daemon
	server     *ipc.Server
	logHub     *logging.StreamHub
	socketPath string
	configPath string
	baseDir    string
	logPath    string
	cancel     context.CancelFunc
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	homeDir := filepath.Join(base, "home")
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		t.Fatalf("mkdir home: %v", err)
	}
	t.Setenv("HOME", homeDir)
	// The capstand stub keeps binary resolution in `start` happy; the live
	// test socket means the stub is never launched.
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries("ffmpeg", "ffprobe", "dvgrab", "dvcont", "capstand"))
	// Park the workflow worker so queue items stay in the state each test
	// puts them in.
	cfg.Workflow.QueuePollInterval = 3600
	if err := os.MkdirAll(cfg.Paths.ImportRoot, 0o755); err != nil {
		t.Fatalf("mkdir import root: %v", err)
	}
	logPath := filepath.Join(cfg.Paths.LogDir, "capstan-test.log")
	if err := os.MkdirAll(cfg.Paths.LogDir, 0o755); err != nil {
		t.Fatalf("mkdir log dir: %v", err)
	}
	if _, err := os.Stat(logPath); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(logPath, nil, 0o644); err != nil {
			t.Fatalf("create log file: %v", err)
		}
	}

	configPath := filepath.Join(homeDir, ".config", "capstan", "config.toml")
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	writeTestConfig(t, configPath, cfg)

	store := testsupport.MustOpenStore(t, cfg)

	logger := logging.NewNop()
	eng, err := engine.NewWithDependencies(cfg, store, logger, fakeDeck{}, nil)
	if err != nil {
		t.Fatalf("NewWithDependencies: %v", err)
	}
	mgr := workflow.NewManager(cfg, store, logger)
	// Only the export stage is wired, so pending items seeded by tests are
	// never claimed by the worker.
	mgr.ConfigureStages(workflow.StageSet{Export: noopStage{}})

	logHub := logging.NewStreamHub(128)
	d, err := daemon.New(cfg, store, logger, eng, mgr, logPath, logHub)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	socketPath := filepath.Join(cfg.Paths.LogDir, "cli.sock")
	srv, err := ipc.NewServer(ctx, socketPath, d, logger)
	if err != nil {
		cancel()
		_ = d.Close()
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping CLI test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()

	env := &cliTestEnv{
		cfg:        cfg,
		store:      store,
		daemon:     d,
		server:     srv,
		logHub:     logHub,
		socketPath: socketPath,
		configPath: configPath,
		baseDir:    base,
		logPath:    logPath,
		cancel:     cancel,
	}

	t.Cleanup(func() {
		cancel()
		srv.Close()
		d.Close()
	})

	return env
}

func runCLI(t *testing.T, args []string, socket, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	flags := []string{"--socket", socket}
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func seedProject(t *testing.T, root, name string, parts int) string {
	t.Helper()
	dir := testsupport.NewProjectDir(t, root, name)
	for i := 1; i <= parts; i++ {
		testsupport.WriteFile(t, filepath.Join(dir, "LowRes", fmt.Sprintf("part_%03d.avi", i)), 2048)
	}
	return dir
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	content := fmt.Sprintf(
		"[paths]\nimport_root = %q\nlibrary_dir = %q\nlog_dir = %q\nwork_dir = %q\n\n[workflow]\nqueue_poll_interval = %d\n",
		cfg.Paths.ImportRoot,
		cfg.Paths.LibraryDir,
		cfg.Paths.LogDir,
		cfg.Paths.WorkDir,
		cfg.Workflow.QueuePollInterval,
	)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func waitFor(t *testing.T, duration time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", duration)
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

// syncBuffer guards a bytes.Buffer for writers and readers on different
// goroutines, as in the follow-mode log tests.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var _ io.Writer = (*syncBuffer)(nil)
