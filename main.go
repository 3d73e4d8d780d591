package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/appsignal-mcp/appsignal-mcp/internal/appsignal"
	"github.com/appsignal-mcp/appsignal-mcp/internal/logging"
)

const binaryName = "appsignal-mcp"

var version = "0.1.0-dev"

func resolveVersion() string {
	if version != "0.1.0-dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "(devel)" && info.Main.Version != "" {
		return info.Main.Version
	}
	return version
}

const longHelp = `appsignal-mcp exposes AppSignal error and performance samples to MCP
clients over stdio, and the same lookups as plain commands.

Environment:
  APPSIGNAL_API_TOKEN            AppSignal API token (required for any lookup)
  APPSIGNAL_API_URL              API base URL (default https://appsignal.com/api)
  APPSIGNAL_TIMEOUT              HTTP timeout, e.g. 30s (default none)
  LOG_LEVEL                      debug|info|warn|error (default info)
  PORT                           Metrics endpoint port (default 3000)
  APPSIGNAL_MCP_METRICS          Serve /metrics and /healthz when true
  APPSIGNAL_MCP_CONFIG           Config file path
  APPSIGNAL_USAGE_DRIVER         Record tool usage: sqlite|postgres|mysql|redis|mongo
  APPSIGNAL_USAGE_*              Usage driver settings (DB, DSN, HOST, PORT, ...)

A .env file in the working directory is loaded first. Flags override the
environment, which overrides the config file.`

// app carries what every command shares once flags are parsed.
type app struct {
	flags    *globalFlags
	settings settings
	logger   *zap.Logger
	in       io.Reader
	stdout   io.Writer
	stderr   io.Writer
}

func main() {
	if err := newRootCommand(os.Stdin, os.Stdout, os.Stderr).ExecuteContext(context.Background()); err != nil {
		exitError(err)
	}
}

func newRootCommand(in io.Reader, stdout, stderr io.Writer) *cobra.Command {
	a := &app{in: in, stdout: stdout, stderr: stderr, logger: zap.NewNop()}

	root := &cobra.Command{
		Use:           binaryName,
		Short:         "AppSignal sample lookups over MCP",
		Long:          longHelp,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			resolved, err := resolveSettings(cmd.Flags(), a.flags)
			if err != nil {
				return err
			}
			a.settings = resolved
			a.logger = logging.New(resolved.LogLevel, a.stderr)
			a.logger.Debug("configuration resolved",
				zap.String("config", resolved.ConfigPath),
				zap.String("api_url", resolved.APIURL),
				zap.Bool("token_set", strings.TrimSpace(resolved.APIToken) != ""),
				zap.Duration("timeout", resolved.Timeout),
				zap.String("usage_driver", resolved.Usage.Driver),
				zap.Bool("metrics", resolved.Metrics),
			)
			return nil
		},
	}
	root.SetIn(in)
	root.SetOut(stdout)
	root.SetErr(stderr)
	a.flags = addGlobalFlags(root.PersistentFlags())

	root.AddCommand(
		newMCPCommand(a),
		newSamplesCommand(a),
		newUsageCommand(a),
		newVersionCommand(a),
	)
	return root
}

func newVersionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(a.stdout, resolveVersion())
			return err
		},
	}
}

func (a *app) newClient() (*appsignal.Client, error) {
	return appsignal.New(a.settings.APIURL, a.settings.APIToken, a.settings.Timeout, a.logger)
}

// openRecorderStore opens the usage store, or returns nil when usage
// recording is not configured.
func (a *app) openRecorderStore() (*usageStore, error) {
	if !usageEnabled(a.settings.Usage) {
		if driver := strings.TrimSpace(a.settings.Usage.Driver); driver != "" && !strings.EqualFold(driver, "none") {
			return nil, fmt.Errorf("unsupported usage driver: %q (expected sqlite, postgres, mysql, redis or mongo)", driver)
		}
		return nil, nil
	}
	return openUsageStore(&a.settings.Usage)
}

func exitError(err error) {
	var upstream *appsignal.UpstreamError
	if errors.As(err, &upstream) {
		fmt.Fprintln(os.Stderr, upstream.Error())
	} else if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
	}
	os.Exit(1)
}

func parseRFC3339(label, value string) (time.Time, error) {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC3339 (e.g. 2024-01-02T15:04:05Z or 2024-01-02T15:04:05+00:00)", label)
	}
	return parsed, nil
}
