package main

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cobra"
	triflestats "github.com/trifle-io/trifle_stats_go"

	"github.com/appsignal-mcp/appsignal-mcp/internal/output"
	"github.com/appsignal-mcp/appsignal-mcp/internal/usage"
)

var granularityPattern = regexp.MustCompile(`^\d+(s|m|h|d|w|mo|q|y)$`)

type usageReport struct {
	Key         string             `json:"key"`
	From        string             `json:"from"`
	To          string             `json:"to"`
	Granularity string             `json:"granularity"`
	Tools       []usage.ToolTotals `json:"tools"`
}

func newUsageCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Inspect recorded tool usage",
	}
	cmd.AddCommand(newUsageSetupCommand(a), newUsageShowCommand(a))
	return cmd
}

func newUsageSetupCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Create the usage table or collection for the configured driver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.requireUsageStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := store.Setup(); err != nil {
				return err
			}

			target := strings.TrimSpace(store.TableName)
			if target == "" {
				target = "(default)"
			}
			driverLabel := store.DriverName
			if driverLabel != "" {
				driverLabel = strings.ToUpper(driverLabel[:1]) + driverLabel[1:]
			}
			_, err = fmt.Fprintf(a.stdout, "%s setup complete for %s\n", driverLabel, target)
			return err
		},
	}
}

func newUsageShowCommand(a *app) *cobra.Command {
	var from, to, granularity, format string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print per-tool call counts, errors and durations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			outputFormat, err := output.ParseFormat(format)
			if err != nil {
				return err
			}

			store, err := a.requireUsageStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			fromValue, toValue, err := resolveTimeRange(from, to)
			if err != nil {
				return err
			}
			granularityValue, err := resolveGranularity(granularity, store.Config)
			if err != nil {
				return err
			}
			fromTime, err := parseRFC3339("from", fromValue)
			if err != nil {
				return err
			}
			toTime, err := parseRFC3339("to", toValue)
			if err != nil {
				return err
			}

			totals, err := usage.NewStatsRecorder(store.Config).Totals(fromTime, toTime, granularityValue, toolNames())
			if err != nil {
				return maybeSuggestSetup(err, store.DriverName, store.TableName)
			}

			report := usageReport{
				Key:         usage.Key,
				From:        fromValue,
				To:          toValue,
				Granularity: granularityValue,
				Tools:       totals,
			}

			table := output.Table{Columns: []string{"Tool", "Count", "Errors", "Duration (ms)", "Avg (ms)"}}
			for _, row := range totals {
				table.AddRow(row.Tool, row.Count, row.Errors, row.DurationMS, row.AvgDurationMS)
			}
			return output.Print(a.stdout, outputFormat, report, table)
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "RFC3339 start timestamp (default 24h ago)")
	cmd.Flags().StringVar(&to, "to", "", "RFC3339 end timestamp (default now)")
	cmd.Flags().StringVar(&granularity, "granularity", "", "Granularity (e.g. 1h, 1d)")
	cmd.Flags().StringVar(&format, "format", "json", "Output format: json|table|csv")
	return cmd
}

func (a *app) requireUsageStore() (*usageStore, error) {
	store, err := a.openRecorderStore()
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("usage recording is not configured (set --usage-driver or APPSIGNAL_USAGE_DRIVER)")
	}
	return store, nil
}

func resolveTimeRange(from, to string) (string, string, error) {
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)

	if from == "" && to == "" {
		now := time.Now().UTC()
		from = now.Add(-24 * time.Hour).Format(time.RFC3339)
		to = now.Format(time.RFC3339)
		return from, to, nil
	}

	if from == "" || to == "" {
		return "", "", fmt.Errorf("from and to are required together (RFC3339, e.g. 2024-01-02T15:04:05Z)")
	}

	if _, err := parseRFC3339("from", from); err != nil {
		return "", "", err
	}
	if _, err := parseRFC3339("to", to); err != nil {
		return "", "", err
	}

	return from, to, nil
}

func validateGranularity(value string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "", fmt.Errorf("granularity is required")
	}
	if !granularityPattern.MatchString(normalized) {
		return "", fmt.Errorf("granularity must be <number><unit> using s, m, h, d, w, mo, q, y (e.g. 1h, 15m, 1d)")
	}
	return normalized, nil
}

// resolveGranularity validates an explicit value, or picks 1h, then 1d,
// then the first granularity the store tracks.
func resolveGranularity(granularity string, cfg *triflestats.Config) (string, error) {
	granularity = strings.TrimSpace(granularity)
	if granularity != "" {
		return validateGranularity(granularity)
	}

	available := cfg.EffectiveGranularities()
	for _, candidate := range []string{"1h", "1d"} {
		for _, value := range available {
			if value == candidate {
				return candidate, nil
			}
		}
	}
	if len(available) > 0 {
		return available[0], nil
	}
	return "1h", nil
}
