package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/appsignal-mcp/appsignal-mcp/internal/appsignal"
	"github.com/appsignal-mcp/appsignal-mcp/internal/output"
)

func newSamplesCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "samples",
		Short: "Fetch and search AppSignal samples",
	}
	cmd.AddCommand(newSamplesGetCommand(a), newSamplesSearchCommand(a))
	return cmd
}

func newSamplesGetCommand(a *app) *cobra.Command {
	var appID, sampleID string
	var errorOnly bool

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Fetch one sample as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.newClient()
			if err != nil {
				return err
			}

			var payload any
			if errorOnly {
				payload, err = fetchErrorSamplePayload(cmd.Context(), client, sampleID, appID)
				if err != nil {
					return cliError(err, fmt.Sprintf("Error sample %s not found", sampleID), "Error fetching AppSignal error sample")
				}
			} else {
				payload, err = fetchSamplePayload(cmd.Context(), client, sampleID, appID)
				if err != nil {
					return cliError(err, fmt.Sprintf("Sample %s not found", sampleID), "Error fetching AppSignal sample")
				}
			}
			return output.PrintJSON(a.stdout, payload)
		},
	}

	cmd.Flags().StringVar(&appID, "app-id", "", "AppSignal application ID")
	cmd.Flags().StringVar(&sampleID, "sample-id", "", "Sample ID")
	cmd.Flags().BoolVar(&errorOnly, "error", false, "Project the sample as an error sample")
	return cmd
}

func newSamplesSearchCommand(a *app) *cobra.Command {
	var (
		appID      string
		sampleType string
		exception  string
		actionID   string
		since      string
		before     string
		limit      int
		countOnly  bool
		format     string
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search samples of an application",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			outputFormat, err := output.ParseFormat(format)
			if err != nil {
				return err
			}
			parsedType, err := appsignal.ParseSampleType(sampleType)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			filters := appsignal.Filters{
				ActionID:  changedString(flags.Changed("action-id"), actionID),
				Exception: changedString(flags.Changed("exception"), exception),
				Since:     changedString(flags.Changed("since"), since),
				Before:    changedString(flags.Changed("before"), before),
			}
			if flags.Changed("limit") {
				filters.Limit = &limit
			}
			if flags.Changed("count-only") {
				filters.CountOnly = &countOnly
			}

			client, err := a.newClient()
			if err != nil {
				return err
			}

			payload, err := searchSamplesPayload(cmd.Context(), client, appID, parsedType, filters)
			if err != nil {
				return cliError(err, fmt.Sprintf("Application %s not found", appID), "Error searching AppSignal samples")
			}

			table := output.Table{Columns: []string{"ID", "Action", "Path", "Status", "Duration", "Time", "Exception"}}
			for _, sample := range payload.Samples {
				table.AddRow(sample.ID, sample.Action, sample.Path, sample.Status, sample.Duration, sample.Time, sample.Exception)
			}
			return output.Print(a.stdout, outputFormat, payload, table)
		},
	}

	cmd.Flags().StringVar(&appID, "app-id", "", "AppSignal application ID")
	cmd.Flags().StringVar(&sampleType, "type", string(appsignal.SampleTypeErrors), "Sample type: all|errors|performance")
	cmd.Flags().StringVar(&exception, "exception", "", "Filter by exception name")
	cmd.Flags().StringVar(&actionID, "action-id", "", "Filter by action ID")
	cmd.Flags().StringVar(&since, "since", "", "Only samples after this time (ISO 8601 or Unix timestamp)")
	cmd.Flags().StringVar(&before, "before", "", "Only samples before this time (ISO 8601 or Unix timestamp)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of samples")
	cmd.Flags().BoolVar(&countOnly, "count-only", false, "Only return the number of matching samples")
	cmd.Flags().StringVar(&format, "format", "json", "Output format: json|table|csv")
	return cmd
}

func changedString(changed bool, value string) *string {
	if !changed || strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}

// cliError gives commands the same wording the MCP tools use.
func cliError(err error, notFound, fallback string) error {
	return errors.New(toolErrorMessage(err, notFound, fallback))
}
