package daemon

import (
	"context"
	"path"
	"strings"
	"sync"

	"log/slog"

	"github.com/pilebones/go-udev/netlink"

	"capstan/internal/config"
	"capstan/internal/engine"
	"capstan/internal/logging"
)

// deckMonitor listens for udev netlink events on the FireWire subsystem and
// announces deck arrival and removal through the engine. This removes the
// need for udev rules that call the CLI as root.
type deckMonitor struct {
	cfg    *config.Config
	logger *slog.Logger
	engine *engine.Engine
	node   string

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

func newDeckMonitor(cfg *config.Config, logger *slog.Logger, eng *engine.Engine) *deckMonitor {
	if cfg == nil || eng == nil {
		return nil
	}
	return &deckMonitor{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "deck-monitor"),
		engine: eng,
		node:   strings.TrimSpace(cfg.Device.Node),
	}
}

// Start begins listening for FireWire udev events. Netlink connection
// failures are non-fatal; manual detection still works.
func (m *deckMonitor) Start(ctx context.Context) error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		m.logger.Warn("failed to connect to netlink socket; deck hotplug events unavailable",
			logging.Error(err),
			logging.String(logging.FieldEventType, "netlink_connect_failed"),
			logging.String(logging.FieldErrorHint, "ensure the daemon has permission to access netlink sockets"),
			logging.String(logging.FieldImpact, "deck arrival must be detected manually"),
		)
		return nil
	}

	m.conn = conn
	m.quit = make(chan struct{})
	m.running = true

	quit := m.quit
	go m.monitorLoop(ctx, quit)

	m.logger.Info("deck monitor started",
		logging.String(logging.FieldEventType, "deck_monitor_started"))
	return nil
}

// Stop shuts down the netlink monitor.
func (m *deckMonitor) Stop() {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	if m.quit != nil {
		close(m.quit)
		m.quit = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.running = false

	m.logger.Info("deck monitor stopped",
		logging.String(logging.FieldEventType, "deck_monitor_stopped"))
}

// Running reports whether the netlink monitor is active.
func (m *deckMonitor) Running() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *deckMonitor) monitorLoop(ctx context.Context, quit <-chan struct{}) {
	uevents := make(chan netlink.UEvent)
	errs := make(chan error)

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}

	monitorQuit := conn.Monitor(uevents, errs, m.buildMatcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case uevent := <-uevents:
			m.handleEvent(uevent)
		case err := <-errs:
			m.logger.Warn("netlink monitor error",
				logging.Error(err),
				logging.String(logging.FieldEventType, "netlink_monitor_error"),
				logging.String(logging.FieldImpact, "deck hotplug events may be missed"),
			)
		}
	}
}

// buildMatcher matches SUBSYSTEM=firewire, ACTION=add|remove.
func (m *deckMonitor) buildMatcher() netlink.Matcher {
	action := "add|remove"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": "firewire",
		},
	})
	return rules
}

func (m *deckMonitor) handleEvent(uevent netlink.UEvent) {
	node := m.extractNode(uevent)
	if node == "" {
		m.logger.Debug("ignoring event without device node",
			logging.String("action", string(uevent.Action)),
			logging.String("kobj", uevent.KObj),
		)
		return
	}
	if !m.wantNode(node) {
		m.logger.Debug("ignoring event for unrelated node",
			logging.String("device", node),
			logging.String("configured_device", m.node),
		)
		return
	}

	switch strings.ToLower(string(uevent.Action)) {
	case "add":
		m.logger.Info("deck attached via netlink",
			logging.String(logging.FieldEventType, "netlink_deck_attached"),
			logging.String("device", node))
		m.engine.DeckAttached(node)
	case "remove":
		m.logger.Info("deck detached via netlink",
			logging.String(logging.FieldEventType, "netlink_deck_detached"),
			logging.String("device", node))
		m.engine.DeckDetached(node)
	}
}

// wantNode filters events to the configured node, or to any node other
// than fw0 (the local host controller) when none is configured.
func (m *deckMonitor) wantNode(node string) bool {
	if m.node != "" {
		return node == m.node
	}
	return path.Base(node) != "fw0"
}

func (m *deckMonitor) extractNode(uevent netlink.UEvent) string {
	name := strings.TrimSpace(uevent.Env["DEVNAME"])
	if name == "" {
		devpath := uevent.Env["DEVPATH"]
		if devpath == "" {
			return ""
		}
		name = path.Base(devpath)
	}
	if name == "" || name == "." || name == "/" {
		return ""
	}
	if !strings.HasPrefix(name, "/") {
		name = "/dev/" + name
	}
	return name
}
