package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"capstan/internal/ipc"
)

func newCaptureCommand(ctx *commandContext) *cobra.Command {
	captureCmd := &cobra.Command{
		Use:   "capture",
		Short: "Control tape capture sessions",
	}

	captureCmd.AddCommand(newCaptureStartCommand(ctx))
	captureCmd.AddCommand(newCaptureStopCommand(ctx))
	captureCmd.AddCommand(newCaptureStatusCommand(ctx))

	return captureCmd
}

func newCaptureStartCommand(ctx *commandContext) *cobra.Command {
	var year string
	var preview bool

	cmd := &cobra.Command{
		Use:   "start <title>",
		Short: "Begin recording a new tape project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.CaptureStart(ipc.CaptureStartRequest{
					Title:   args[0],
					Year:    year,
					Preview: preview,
				})
				if err != nil {
					return err
				}
				snap := resp.Snapshot
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Capture started: %s\n", snap.Project)
				if snap.Device != "" {
					fmt.Fprintf(out, "Recording from %s into %s\n", snap.Device, snap.Directory)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&year, "year", "", "Four-digit year for the project name, as in \"Family Picnic (1998)\"")
	cmd.Flags().BoolVar(&preview, "preview", false, "Publish MJPEG preview frames during capture")
	return cmd
}

func newCaptureStopCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the active capture session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.CaptureStop()
				if err != nil {
					return err
				}
				snap := resp.Snapshot
				fmt.Fprintf(cmd.OutOrStdout(), "Capture stopped: %d part(s) recorded\n", len(snap.Parts))
				return nil
			})
		},
	}
}

func newCaptureStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current capture session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.CaptureStatus()
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, resp)
				}

				stdout := cmd.OutOrStdout()
				colorize := shouldColorize(stdout)
				for _, line := range captureLines(resp.Snapshot, colorize) {
					fmt.Fprintln(stdout, line)
				}
				if resp.Preview != nil {
					fmt.Fprintln(stdout)
					for _, line := range renderSectionHeader("Preview", colorize) {
						fmt.Fprintln(stdout, line)
					}
					fmt.Fprintln(stdout, renderStatusLine("Frames", statusInfo,
						fmt.Sprintf("%d extracted, %d published", resp.Preview.Extracted, resp.Preview.Published), colorize))
					fmt.Fprintln(stdout, renderStatusLine("Dropped", statusInfo,
						fmt.Sprintf("%d overwritten, %d oversized, %d throttled", resp.Preview.Overwritten, resp.Preview.Oversized, resp.Preview.Throttled), colorize))
				}
				return nil
			})
		},
	}
}
