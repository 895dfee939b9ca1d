package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"capstan/internal/ipc"
)

func newDeckCommand(ctx *commandContext) *cobra.Command {
	deckCmd := &cobra.Command{
		Use:   "deck",
		Short: "Probe and drive the tape deck transport",
	}

	deckCmd.AddCommand(newDeckDetectCommand(ctx))
	deckCmd.AddCommand(newDeckTransportCommand(ctx, "rewind", "Rewind the tape"))
	deckCmd.AddCommand(newDeckTransportCommand(ctx, "play", "Start tape playback"))
	deckCmd.AddCommand(newDeckTransportCommand(ctx, "pause", "Pause tape playback"))
	deckCmd.AddCommand(newDeckTransportCommand(ctx, "stop", "Stop the tape transport"))

	return deckCmd
}

func newDeckDetectCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Probe for a connected tape deck",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.DeckDetect()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deck detected at %s\n", resp.Device)
				return nil
			})
		},
	}
}

func newDeckTransportCommand(ctx *commandContext, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.DeckTransport(action)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to %s\n", action, resp.Device)
				return nil
			})
		},
	}
}
