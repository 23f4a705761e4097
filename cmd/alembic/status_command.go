package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiClient) error {
				status, err := client.Status(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, status)
				}

				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)

				fmt.Fprintln(out, renderStatusLine("Daemon", boolKind(status.Running), fmt.Sprintf("pid %d", status.PID), colorize))
				fmt.Fprintln(out, renderStatusLine("Scheduler", boolKind(status.Scheduler.Running),
					fmt.Sprintf("%d workers", status.Scheduler.Workers), colorize))
				if status.Scheduler.LastError != "" {
					fmt.Fprintln(out, renderStatusLine("Last error", statusWarn, status.Scheduler.LastError, colorize))
				}
				capKind, capMessage := statusOK, "all converter binaries available"
				if !status.Capabilities.Ready {
					capKind, capMessage = statusWarn, status.Capabilities.Detail
				}
				fmt.Fprintln(out, renderStatusLine("Converters", capKind, capMessage, colorize))
				fmt.Fprintln(out, renderStatusLine("Task database", statusInfo, status.TaskDBPath, colorize))

				if stats := status.Scheduler.QueueStats; len(stats) > 0 && stats["total"] > 0 {
					fmt.Fprintf(out, "\nQueue: %d tasks (%d processing, %d pending, %d failed)\n",
						stats["total"], stats["processing"], stats["pending"], stats["failed"])
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit JSON instead of text")
	return cmd
}

func boolKind(ok bool) statusKind {
	if ok {
		return statusOK
	}
	return statusError
}
