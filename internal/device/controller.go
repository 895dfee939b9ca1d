package device

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"capstan/internal/config"
	"capstan/internal/logging"
	"capstan/internal/services"
)

// commandContext is swapped out by tests.
var commandContext = exec.CommandContext

// nodeExists reports whether a device node is present. Swapped by tests.
var nodeExists = func(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

const (
	detectTimeout    = 5 * time.Second
	transportTimeout = 10 * time.Second
)

// wellKnownNodes are probed when udevadm reports nothing useful.
var wellKnownNodes = []string{"/dev/fw0", "/dev/fw1", "/dev/fw2", "/dev/fw3"}

// Controller resolves the tape deck device node and issues AV/C transport
// commands through the configured control tool.
type Controller struct {
	transportBinary string
	configuredNode  string
	logger          *slog.Logger
}

// NewController builds a controller from configuration.
func NewController(cfg *config.Config, logger *slog.Logger) *Controller {
	controller := &Controller{transportBinary: "dvcont"}
	if cfg != nil {
		controller.transportBinary = cfg.TransportBinary()
		controller.configuredNode = strings.TrimSpace(cfg.Device.Node)
	}
	controller.logger = logging.NewComponentLogger(logger, "device")
	return controller
}

// Resolve returns the node capture should use: the configured node when one
// is pinned, otherwise the first detected one.
func (c *Controller) Resolve(ctx context.Context) (string, error) {
	if c.configuredNode != "" {
		return c.configuredNode, nil
	}
	return c.Detect(ctx)
}

// Detect lists firewire device nodes and picks one, preferring attached
// nodes over the host controller. When udevadm is unavailable or reports
// nothing, the well-known /dev/fw* nodes are probed directly.
func (c *Controller) Detect(ctx context.Context) (string, error) {
	nodes := c.listNodes(ctx)
	if len(nodes) == 0 {
		for _, node := range wellKnownNodes {
			if nodeExists(node) {
				nodes = append(nodes, node)
			}
		}
	}

	node := pickNode(nodes)
	if node == "" {
		return "", services.Wrap(services.ErrNotFound, "device", "detect", "no firewire device nodes found", nil)
	}

	c.logger.Debug("detected firewire node",
		logging.String("node", node),
		logging.Int("candidates", len(nodes)))
	return node, nil
}

func (c *Controller) listNodes(ctx context.Context) []string {
	listCtx, cancel := context.WithTimeout(ctx, detectTimeout)
	defer cancel()

	output, err := commandContext(listCtx, "udevadm", "info", "--export-db").Output()
	if err != nil {
		c.logger.Debug("udevadm listing failed", logging.Error(err))
		return nil
	}
	return ParseUdevNodes(string(output))
}

// ParseUdevNodes extracts firewire device node paths from udevadm export-db
// output. Records are blank-line separated blocks of "K: value" lines; a
// firewire node carries SUBSYSTEM=firewire and a DEVNAME property.
func ParseUdevNodes(output string) []string {
	var (
		nodes    []string
		devname  string
		firewire bool
	)
	flush := func() {
		if firewire && devname != "" {
			nodes = append(nodes, devname)
		}
		devname = ""
		firewire = false
	}

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			flush()
			continue
		}
		value, ok := strings.CutPrefix(line, "E: ")
		if !ok {
			continue
		}
		switch {
		case strings.HasPrefix(value, "DEVNAME="):
			devname = strings.TrimPrefix(value, "DEVNAME=")
		case value == "SUBSYSTEM=firewire":
			firewire = true
		}
	}
	flush()

	sort.Strings(nodes)
	return nodes
}

// pickNode prefers the first node beyond /dev/fw0. fw0 is normally the local
// host controller; an attached deck enumerates above it.
func pickNode(nodes []string) string {
	if len(nodes) == 0 {
		return ""
	}
	for _, node := range nodes {
		if node != "/dev/fw0" {
			return node
		}
	}
	return nodes[0]
}

// Rewind winds the tape back to the start. Pass an empty node to resolve one.
func (c *Controller) Rewind(ctx context.Context, node string) error {
	return c.transport(ctx, node, "rewind")
}

// Play starts tape playback.
func (c *Controller) Play(ctx context.Context, node string) error {
	return c.transport(ctx, node, "play")
}

// Pause pauses tape playback.
func (c *Controller) Pause(ctx context.Context, node string) error {
	return c.transport(ctx, node, "pause")
}

// Stop halts the tape transport.
func (c *Controller) Stop(ctx context.Context, node string) error {
	return c.transport(ctx, node, "stop")
}

// Status queries the deck transport state and returns the control tool's
// trimmed output (e.g. "Playing").
func (c *Controller) Status(ctx context.Context, node string) (string, error) {
	output, err := c.run(ctx, node, "status")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

func (c *Controller) transport(ctx context.Context, node, verb string) error {
	output, err := c.run(ctx, node, verb)
	if err != nil {
		return err
	}
	c.logger.Debug("transport command accepted",
		logging.String("verb", verb),
		logging.String("output", strings.TrimSpace(output)))
	return nil
}

func (c *Controller) run(ctx context.Context, node, verb string) (string, error) {
	if strings.TrimSpace(node) == "" {
		resolved, err := c.Resolve(ctx)
		if err != nil {
			return "", err
		}
		node = resolved
	}

	args := make([]string, 0, 3)
	if index, ok := NodeIndex(node); ok {
		args = append(args, "-c", strconv.Itoa(index))
	}
	args = append(args, verb)

	runCtx, cancel := context.WithTimeout(ctx, transportTimeout)
	defer cancel()

	output, err := commandContext(runCtx, c.transportBinary, args...).CombinedOutput()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", services.Wrap(services.ErrConfiguration, "device", verb,
				c.transportBinary+" not installed", err)
		}
		return "", services.Wrap(services.ErrExternalTool, "device", verb, failureDetail(output), err)
	}
	return string(output), nil
}

// NodeIndex maps /dev/fwN to the control tool's card index. Nodes that do
// not follow the fwN naming yield no index.
func NodeIndex(node string) (int, bool) {
	base := filepath.Base(node)
	digits, ok := strings.CutPrefix(base, "fw")
	if !ok || digits == "" {
		return 0, false
	}
	index, err := strconv.Atoi(digits)
	if err != nil || index < 0 {
		return 0, false
	}
	return index, true
}

func failureDetail(output []byte) string {
	text := strings.TrimSpace(string(output))
	if text == "" {
		return "transport command failed"
	}
	if len(text) > 200 {
		text = text[len(text)-200:]
	}
	return text
}
