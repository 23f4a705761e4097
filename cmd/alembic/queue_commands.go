package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"alembic/internal/queue"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the task queue",
	}

	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueStatsCommand(ctx))

	return queueCmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var (
		user       string
		statuses   []string
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			var parsed []queue.Status
			for _, value := range statuses {
				status, ok := queue.ParseStatus(value)
				if !ok {
					return fmt.Errorf("unknown status %q", value)
				}
				parsed = append(parsed, status)
			}
			return ctx.withClient(func(client *apiClient) error {
				listed, err := client.ListTasks(cmd.Context(), user, parsed, limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, listed)
				}
				if len(listed.Items) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No tasks found")
					return nil
				}
				rows := make([][]string, 0, len(listed.Items))
				for _, task := range listed.Items {
					rows = append(rows, []string{
						task.ID,
						task.UserID,
						task.SourceFormat + " -> " + task.TargetFormat,
						task.Status,
						strconv.Itoa(task.Attempts),
						task.UpdatedAt,
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Task", "User", "Conversion", "Status", "Attempts", "Updated"}, rows, 4))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "Only this user's tasks")
	cmd.Flags().StringArrayVar(&statuses, "status", nil, "Filter by status (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of tasks")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit JSON instead of text")
	return cmd
}

func newQueueStatsCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show task counts per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiClient) error {
				status, err := client.Status(cmd.Context())
				if err != nil {
					return err
				}
				stats := status.Scheduler.QueueStats
				if jsonOutput {
					return writeJSON(cmd, stats)
				}
				if stats["total"] == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				keys := make([]string, 0, len(stats))
				for key := range stats {
					if key != "total" {
						keys = append(keys, key)
					}
				}
				sort.Strings(keys)
				rows := make([][]string, 0, len(keys)+1)
				for _, key := range keys {
					rows = append(rows, []string{key, strconv.Itoa(stats[key])})
				}
				rows = append(rows, []string{"total", strconv.Itoa(stats["total"])})
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Status", "Count"}, rows, 1))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit JSON instead of text")
	return cmd
}
