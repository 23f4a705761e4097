package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"alembic/internal/api"
)

func newBatchCommand(ctx *commandContext) *cobra.Command {
	batchCmd := &cobra.Command{
		Use:   "batch",
		Short: "Submit and inspect batches",
	}

	batchCmd.AddCommand(newBatchSubmitCommand(ctx))
	batchCmd.AddCommand(newBatchShowCommand(ctx))

	return batchCmd
}

func newBatchSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		user       string
		tier       string
		policy     string
		webhook    string
		items      []string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit several conversions tracked as one batch",
		Long: `Submit several conversions tracked as one batch.

Each --item takes the form FROM:TO:SOURCE_REF, for example
--item csv:pdf:uploads/report.csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(items) == 0 {
				return fmt.Errorf("at least one --item is required")
			}
			requests := make([]api.SubmitTaskRequest, 0, len(items))
			for _, item := range items {
				req, err := parseItemSpec(item)
				if err != nil {
					return err
				}
				requests = append(requests, req)
			}
			return ctx.withClient(func(client *apiClient) error {
				created, err := client.SubmitBatch(cmd.Context(), api.SubmitBatchRequest{
					UserID:     user,
					Tier:       tier,
					Policy:     policy,
					WebhookURL: webhook,
					Items:      requests,
				})
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, created)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Batch %s submitted with %d tasks\n", created.BatchID, len(created.TaskIDs))
				for _, id := range created.TaskIDs {
					fmt.Fprintf(out, "  %s\n", id)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "Submitting user id")
	cmd.Flags().StringVar(&tier, "tier", "", "User tier (free, premium, enterprise)")
	cmd.Flags().StringVar(&policy, "policy", "", "Aggregation policy (partial_success, all_or_nothing)")
	cmd.Flags().StringVar(&webhook, "webhook", "", "Webhook URL notified when the batch finishes")
	cmd.Flags().StringArrayVar(&items, "item", nil, "Conversion item as FROM:TO:SOURCE_REF (repeatable)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit JSON instead of text")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func newBatchShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show BATCH_ID",
		Short: "Show a batch with its member tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiClient) error {
				detail, err := client.GetBatch(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, detail)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Batch %s: %s (%s)\n", detail.Batch.ID, detail.Batch.Status, detail.Batch.Policy)
				fmt.Fprintf(out, "Progress: %d/%d done, %d failed, %.0f%%\n",
					detail.Progress.Completed, detail.Progress.Total, detail.Progress.Failed, detail.Progress.Percent)

				rows := make([][]string, 0, len(detail.Items))
				for _, task := range detail.Items {
					rows = append(rows, []string{
						task.ID,
						task.SourceFormat + " -> " + task.TargetFormat,
						task.Status,
						fmt.Sprintf("%d", task.Attempts),
					})
				}
				fmt.Fprintln(out, renderTable([]string{"Task", "Conversion", "Status", "Attempts"}, rows, 3))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit JSON instead of text")
	return cmd
}

func parseItemSpec(spec string) (api.SubmitTaskRequest, error) {
	parts := strings.SplitN(spec, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return api.SubmitTaskRequest{}, fmt.Errorf("invalid item %q: expected FROM:TO:SOURCE_REF", spec)
	}
	return api.SubmitTaskRequest{
		SourceFormat: parts[0],
		TargetFormat: parts[1],
		SourceRef:    parts[2],
	}, nil
}
