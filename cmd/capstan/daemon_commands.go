package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"capstan/internal/capture"
	"capstan/internal/daemonctl"
	"capstan/internal/ipc"
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	var startLogLevel string
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the capstan daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			exe, err := daemonctl.ResolveDaemonBinary()
			if err != nil {
				return err
			}

			result, err := daemonctl.EnsureStarted(
				ctx.socketPath(),
				exe,
				daemonLaunchOptions(ctx, startLogLevel),
				10*time.Second,
			)
			if err != nil {
				return err
			}

			if result.Launched {
				fmt.Fprintln(stdout, "Daemon not running, launching...")
			}

			switch result.State {
			case daemonctl.StartStateStarted:
				fmt.Fprintln(stdout, "Daemon started")
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintln(stdout, "Daemon already running")
			case daemonctl.StartStateRequested:
				if strings.TrimSpace(result.Message) != "" {
					fmt.Fprintln(stdout, result.Message)
					return nil
				}
				fmt.Fprintln(stdout, "Start request sent")
			}
			return nil
		},
	}
	startCmd.Flags().StringVar(&startLogLevel, "log-level", "", "Log level for the launched daemon (debug, info, warn, error)")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the capstan daemon (completely terminates the process)",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			result, err := daemonctl.StopAndTerminate(ctx.socketPath(), ctx.configValue(), 5*time.Second)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if !result.StopAcknowledged {
				fmt.Fprintln(stdout, "Stop request sent")
			} else {
				fmt.Fprintln(stdout, "Stopping daemon workflow...")
			}
			if result.ForcedKill && result.PID > 0 {
				fmt.Fprintf(stdout, "Stopping daemon process (pid %d)...\n", result.PID)
			}
			fmt.Fprintln(stdout, "Daemon stopped")
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, capture, and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.configValue()
			statusResp, err := daemonctl.BuildStatusSnapshot(cmd.Context(), ctx.socketPath(), cfg)
			if err != nil {
				return err
			}
			if ctx.JSONMode() {
				return writeJSON(cmd, statusResp)
			}

			stdout := cmd.OutOrStdout()
			colorize := shouldColorize(stdout)

			for _, line := range renderSectionHeader("Daemon", colorize) {
				fmt.Fprintln(stdout, line)
			}
			for _, line := range daemonLines(statusResp, colorize) {
				fmt.Fprintln(stdout, line)
			}
			fmt.Fprintln(stdout)

			for _, line := range renderSectionHeader("Capture", colorize) {
				fmt.Fprintln(stdout, line)
			}
			for _, line := range captureLines(statusResp.Capture, colorize) {
				fmt.Fprintln(stdout, line)
			}
			fmt.Fprintln(stdout)

			if len(statusResp.StageHealth) > 0 {
				for _, line := range renderSectionHeader("Stages", colorize) {
					fmt.Fprintln(stdout, line)
				}
				for _, line := range stageLines(statusResp.StageHealth, colorize) {
					fmt.Fprintln(stdout, line)
				}
				fmt.Fprintln(stdout)
			}

			for _, line := range renderSectionHeader("Tools", colorize) {
				fmt.Fprintln(stdout, line)
			}
			for _, line := range toolLines(statusResp.Tools, colorize) {
				fmt.Fprintln(stdout, line)
			}
			fmt.Fprintln(stdout)

			for _, line := range renderSectionHeader("Queue Status", colorize) {
				fmt.Fprintln(stdout, line)
			}

			rows := buildQueueStatusRows(statusResp.QueueStats)
			if len(rows) == 0 {
				fmt.Fprintln(stdout, "Queue is empty")
				return nil
			}

			table := renderTable([]string{"Status", "Count"}, rows, []columnAlignment{alignLeft, alignRight})
			fmt.Fprint(stdout, table)
			return nil
		},
	}

	var restartLogLevel string
	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the capstan daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			exe, err := daemonctl.ResolveDaemonBinary()
			if err != nil {
				return err
			}

			result, err := daemonctl.Restart(
				ctx.socketPath(),
				ctx.configValue(),
				exe,
				daemonLaunchOptions(ctx, restartLogLevel),
				5*time.Second,
				10*time.Second,
			)
			if err != nil {
				return err
			}

			if result.WasRunning {
				if result.Stop.ForcedKill && result.Stop.PID > 0 {
					fmt.Fprintf(stdout, "Stopping daemon process (pid %d)...\n", result.Stop.PID)
				}
				fmt.Fprintln(stdout, "Daemon stopped")
			}

			switch result.Start.State {
			case daemonctl.StartStateStarted, daemonctl.StartStateAlreadyRunning:
				fmt.Fprintln(stdout, "Daemon restarted")
			case daemonctl.StartStateRequested:
				if strings.TrimSpace(result.Start.Message) != "" {
					fmt.Fprintln(stdout, result.Start.Message)
					return nil
				}
				fmt.Fprintln(stdout, "Start request sent")
			}
			return nil
		},
	}
	restartCmd.Flags().StringVar(&restartLogLevel, "log-level", "", "Log level for the relaunched daemon (debug, info, warn, error)")

	return []*cobra.Command{startCmd, stopCmd, restartCmd, statusCmd}
}

func daemonLines(resp *ipc.StatusResponse, colorize bool) []string {
	lines := make([]string, 0, 6)
	if resp.Running {
		lines = append(lines, renderStatusLine("Daemon", statusOK, fmt.Sprintf("running (pid %d)", resp.PID), colorize))
	} else {
		lines = append(lines, renderStatusLine("Daemon", statusWarn, "not running", colorize))
	}
	deckKind := statusWarn
	if resp.DeckMonitoring {
		deckKind = statusOK
	}
	lines = append(lines, renderStatusLine("Deck monitor", deckKind, yesNo(resp.DeckMonitoring), colorize))
	if resp.LogPath != "" {
		lines = append(lines, renderStatusLine("Log file", statusInfo, resp.LogPath, colorize))
	}
	if resp.QueueDBPath != "" {
		lines = append(lines, renderStatusLine("Queue database", statusInfo, resp.QueueDBPath, colorize))
	}
	if strings.TrimSpace(resp.LastError) != "" {
		lines = append(lines, renderStatusLine("Last error", statusError, resp.LastError, colorize))
	}
	return lines
}

func captureLines(snap ipc.CaptureSnapshot, colorize bool) []string {
	lines := make([]string, 0, 6)
	kind := statusInfo
	switch snap.State {
	case capture.StateRecording:
		kind = statusOK
	case capture.StateFailed:
		kind = statusError
	}
	lines = append(lines, renderStatusLine("State", kind, string(snap.State), colorize))
	if snap.Project != "" {
		lines = append(lines, renderStatusLine("Project", statusInfo, snap.Project, colorize))
	}
	if snap.Device != "" {
		lines = append(lines, renderStatusLine("Device", statusInfo, snap.Device, colorize))
	}
	if len(snap.Parts) > 0 {
		lines = append(lines, renderStatusLine("Parts", statusInfo, fmt.Sprintf("%d recorded", len(snap.Parts)), colorize))
	}
	if !snap.StartedAt.IsZero() {
		lines = append(lines, renderStatusLine("Started", statusInfo, humanize.Time(snap.StartedAt), colorize))
	}
	if snap.Error != "" {
		lines = append(lines, renderStatusLine("Error", statusError, snap.Error, colorize))
	}
	return lines
}

func stageLines(stages []ipc.StageHealth, colorize bool) []string {
	lines := make([]string, 0, len(stages))
	for _, stage := range stages {
		kind := statusOK
		message := "Ready"
		if !stage.Ready {
			kind = statusWarn
			message = strings.TrimSpace(stage.Detail)
			if message == "" {
				message = "not ready"
			}
		} else if detail := strings.TrimSpace(stage.Detail); detail != "" {
			message = fmt.Sprintf("Ready (%s)", detail)
		}
		lines = append(lines, renderStatusLine(stage.Name, kind, message, colorize))
	}
	return lines
}

func toolLines(tools []ipc.ToolStatus, colorize bool) []string {
	lines := make([]string, 0, len(tools)+1)
	missing := make([]string, 0)
	for _, tool := range tools {
		if tool.Available {
			message := "Ready"
			if tool.Command != "" {
				message = fmt.Sprintf("Ready (command: %s)", tool.Command)
			}
			lines = append(lines, renderStatusLine(tool.Name, statusOK, message, colorize))
			continue
		}

		detail := strings.TrimSpace(tool.Detail)
		if detail == "" {
			detail = "not available"
		}
		kind := statusError
		if tool.Optional {
			kind = statusWarn
		}
		lines = append(lines, renderStatusLine(tool.Name, kind, detail, colorize))
		if !tool.Optional {
			missing = append(missing, tool.Name)
		}
	}
	if len(missing) > 0 {
		lines = append(lines, renderStatusLine("Missing tools", statusWarn, fmt.Sprintf("%s (see README.md for install steps)", strings.Join(missing, ", ")), colorize))
	}
	return lines
}

func daemonLaunchOptions(ctx *commandContext, logLevel string) daemonctl.LaunchOptions {
	opts := daemonctl.LaunchOptions{LogLevel: strings.TrimSpace(logLevel)}
	if ctx.socketFlag != nil {
		if socket := strings.TrimSpace(*ctx.socketFlag); socket != "" {
			opts.SocketPath = socket
		}
	}
	if ctx.configFlag != nil {
		if config := strings.TrimSpace(*ctx.configFlag); config != "" {
			opts.ConfigPath = config
		}
	}
	return opts
}
