package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newFormatsCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "formats",
		Short: "List registered formats and their direct conversions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiClient) error {
				listed, err := client.Formats(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, listed)
				}
				rows := make([][]string, 0, len(listed.Formats))
				for _, format := range listed.Formats {
					targets := "-"
					if len(format.Targets) > 0 {
						targets = strings.Join(format.Targets, ", ")
					}
					rows = append(rows, []string{format.ID, format.Category, targets})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Format", "Category", "Converts To"}, rows))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit JSON instead of text")
	return cmd
}
