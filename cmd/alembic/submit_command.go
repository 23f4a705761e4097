package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"alembic/internal/api"
	"alembic/internal/queue"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		user       string
		tier       string
		from       string
		to         string
		filename   string
		options    string
		schedule   string
		expires    string
		webhook    string
		wait       bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "submit SOURCE_REF",
		Short: "Submit a file for conversion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiClient) error {
				req := api.SubmitTaskRequest{
					UserID:         user,
					Tier:           tier,
					SourceFormat:   from,
					TargetFormat:   to,
					SourceRef:      args[0],
					SourceFilename: filename,
					ScheduledAt:    schedule,
					ExpiresAt:      expires,
					WebhookURL:     webhook,
				}
				if strings.TrimSpace(options) != "" {
					req.Options = []byte(options)
				}
				created, err := client.SubmitTask(cmd.Context(), req)
				if err != nil {
					return err
				}
				if !wait {
					if jsonOutput {
						return writeJSON(cmd, created)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Task %s submitted (%s)\n", created.TaskID, created.Status)
					return nil
				}

				task, err := waitForTerminal(cmd.Context(), client, created.TaskID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, task)
				}
				printTaskSummary(cmd, task)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "Submitting user id")
	cmd.Flags().StringVar(&tier, "tier", "", "User tier (free, premium, enterprise)")
	cmd.Flags().StringVar(&from, "from", "", "Source format id")
	cmd.Flags().StringVar(&to, "to", "", "Target format id")
	cmd.Flags().StringVar(&filename, "filename", "", "Original filename for naming the output")
	cmd.Flags().StringVar(&options, "options", "", "Converter options as a JSON object")
	cmd.Flags().StringVar(&schedule, "schedule", "", "Run no earlier than this RFC3339 time")
	cmd.Flags().StringVar(&expires, "expires", "", "Give up after this RFC3339 time")
	cmd.Flags().StringVar(&webhook, "webhook", "", "Webhook URL notified when the task finishes")
	cmd.Flags().BoolVar(&wait, "wait", false, "Block until the task reaches a terminal state")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit JSON instead of text")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")

	return cmd
}

func waitForTerminal(ctx context.Context, client *apiClient, id string) (api.Task, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		task, err := client.GetTask(ctx, id)
		if err != nil {
			return api.Task{}, err
		}
		switch queue.Status(task.Status) {
		case queue.StatusCompleted, queue.StatusCancelled, queue.StatusExpired:
			return task, nil
		case queue.StatusFailed:
			if task.RetryAt == "" {
				return task, nil
			}
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printTaskSummary(cmd *cobra.Command, task api.Task) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Task %s: %s\n", task.ID, task.Status)
	if task.TargetRef != "" {
		fmt.Fprintf(out, "Output: %s (%s)\n", task.TargetRef, task.TargetFilename)
	}
	if task.ErrorMessage != "" {
		fmt.Fprintf(out, "Error: %s (%s)\n", task.ErrorMessage, task.ErrorKind)
	}
}
