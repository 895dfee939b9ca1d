// Command capstand runs the capstan capture and post-processing daemon
// in the foreground. The capstan CLI launches it in the background and
// talks to it over the unix socket; running it directly is useful under
// a process supervisor or when debugging.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"capstan/internal/config"
	"capstan/internal/daemonrun"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configFlag  string
		socketFlag  string
		logLevel    string
		development bool
	)

	cmd := &cobra.Command{
		Use:           "capstand",
		Short:         "Run the capstan capture daemon",
		Long:          "Run the capstan daemon in the foreground: device monitoring, capture sessions, and the merge/upscale/export queue.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, _, err := config.Load(configFlag)
			if err != nil {
				return err
			}
			level := logLevel
			if level == "" {
				level = cfg.Logging.Level
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel:    level,
				Development: development,
				SocketPath:  socketFlag,
			})
		},
	}

	cmd.Flags().StringVarP(&configFlag, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&socketFlag, "socket", "", "Unix socket path for the control interface")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&development, "development", false, "Enable development logging output")

	return cmd
}
