package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"alembic/internal/api"
)

func newShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show TASK_ID",
		Short: "Show a task's full state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiClient) error {
				task, err := client.GetTask(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, task)
				}
				printTaskDetail(cmd, task)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit JSON instead of text")
	return cmd
}

func printTaskDetail(cmd *cobra.Command, task api.Task) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Task %s\n", task.ID)
	fmt.Fprintf(out, "  User:       %s (%s)\n", task.UserID, task.Tier)
	fmt.Fprintf(out, "  Conversion: %s -> %s\n", task.SourceFormat, task.TargetFormat)
	fmt.Fprintf(out, "  Status:     %s\n", task.Status)
	fmt.Fprintf(out, "  Attempts:   %d\n", task.Attempts)
	if len(task.Path) > 0 {
		steps := make([]string, 0, len(task.Path)+1)
		steps = append(steps, task.Path[0].Source)
		for _, step := range task.Path {
			steps = append(steps, step.Target)
		}
		fmt.Fprintf(out, "  Path:       %s\n", strings.Join(steps, " -> "))
	}
	if task.Progress.Total > 0 {
		fmt.Fprintf(out, "  Progress:   step %d/%d (%.0f%%)", task.Progress.Step, task.Progress.Total, task.Progress.Percent)
		if task.Progress.Message != "" {
			fmt.Fprintf(out, " %s", task.Progress.Message)
		}
		fmt.Fprintln(out)
	}
	if task.BatchID != "" {
		fmt.Fprintf(out, "  Batch:      %s\n", task.BatchID)
	}
	if task.ScheduledAt != "" {
		fmt.Fprintf(out, "  Scheduled:  %s\n", task.ScheduledAt)
	}
	if task.RetryAt != "" {
		fmt.Fprintf(out, "  Retry at:   %s\n", task.RetryAt)
	}
	if task.TargetRef != "" {
		fmt.Fprintf(out, "  Output:     %s (%s)\n", task.TargetRef, task.TargetFilename)
	}
	if task.ErrorMessage != "" {
		fmt.Fprintf(out, "  Error:      %s (%s)\n", task.ErrorMessage, task.ErrorKind)
	}
}
