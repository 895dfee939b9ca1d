package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"capstan/internal/ipc"
)

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var profile string

	cmd := &cobra.Command{
		Use:   "enqueue <project>",
		Short: "Queue a captured project for post-processing",
		Long:  "Queue a captured project for merge, upscale, and export. The project may be a directory name under the import root or an absolute path.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Enqueue(args[0], profile)
				if err != nil {
					return err
				}
				if resp == nil {
					return errors.New("empty response from daemon")
				}
				item := resp.Item
				fmt.Fprintf(cmd.OutOrStdout(), "Queued %s as item #%d (%s)\n", item.MovieName, item.ID, formatStatusLabel(item.Status))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&profile, "profile", "", "Upscale profile for this project (defaults to the configured default)")
	return cmd
}
