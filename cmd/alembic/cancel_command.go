package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCancelCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "cancel TASK_ID",
		Short: "Request cancellation of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiClient) error {
				task, err := client.CancelTask(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, task)
				}
				if task.Status == "cancelled" {
					fmt.Fprintf(cmd.OutOrStdout(), "Task %s cancelled\n", task.ID)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Task %s: cancellation requested (currently %s)\n", task.ID, task.Status)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit JSON instead of text")
	return cmd
}
