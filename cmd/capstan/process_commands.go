package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"capstan/internal/ipc"
)

func newPendingCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List import-root projects with unfinished work",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Pending()
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, resp.Projects)
				}
				if len(resp.Projects) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No pending projects")
					return nil
				}

				rows := make([][]string, 0, len(resp.Projects))
				for _, project := range resp.Projects {
					rows = append(rows, []string{
						project.Name,
						fmt.Sprintf("%d", project.Parts),
						formatStatusLabel(project.NextStage),
						yesNo(project.Queued),
					})
				}
				table := renderTable(
					[]string{"Project", "Parts", "Next Stage", "Queued"},
					rows,
					[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft},
				)
				fmt.Fprint(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}
}

func newProcessCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Queue every pending project that is not already queued",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Process()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(resp.Items) == 0 {
					fmt.Fprintln(out, "Nothing to queue")
					return nil
				}
				for _, item := range resp.Items {
					fmt.Fprintf(out, "Queued %s as item #%d\n", item.MovieName, item.ID)
				}
				fmt.Fprintf(out, "Queued %d project(s)\n", len(resp.Items))
				return nil
			})
		},
	}
}
