package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/mirrorsync/internal/adminclient"
	"github.com/agentworkforce/mirrorsync/internal/mirror"
)

const (
	envServer = "MIRRORSYNC_SERVER"
	envToken  = "MIRRORSYNC_TOKEN"
)

// Version is overwritten at build time using -ldflags.
var Version = "dev"

type globalOptions struct {
	server     string
	token      string
	jsonOutput bool
	verbose    bool
	timeout    time.Duration
	stderr     io.Writer
}

func (o *globalOptions) logger() zerolog.Logger {
	level := zerolog.WarnLevel
	if o.verbose {
		level = zerolog.DebugLevel
	}
	w := o.stderr
	if w == nil {
		w = os.Stderr
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).Level(level).With().Timestamp().Logger()
}

func (o *globalOptions) client() *adminclient.Client {
	logger := o.logger()
	return adminclient.New(adminclient.Options{BaseURL: o.server, Token: o.token, Logger: &logger})
}

func newRootCmd(getenv func(string) string) *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "mirrorctl",
		Short:         "Administer a mirrorsync server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.stderr = cmd.ErrOrStderr()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.Version = Version
	cmd.SetVersionTemplate("mirrorctl version {{.Version}}\n")

	server := getenv(envServer)
	if server == "" {
		server = "http://127.0.0.1:8080"
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", server, "mirrorsync base URL (env "+envServer+")")
	cmd.PersistentFlags().StringVar(&opts.token, "token", getenv(envToken), "bearer token (env "+envToken+")")
	cmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log requests and retries")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Minute, "request timeout")

	cmd.AddCommand(
		newSyncCmd(opts),
		newResyncCmd(opts),
		newSnapshotCmd(opts),
		newWorkspacesCmd(opts),
		newRecordsCmd(opts),
		newSnapshotsCmd(opts),
		newStatsCmd(opts),
		newRunsCmd(opts),
		newResolveCmd(opts),
		newWritebacksCmd(opts),
		newTokenCmd(),
	)
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printAdminResult prints the outcome and turns a failed result into an error
// so the exit status reflects it.
func printAdminResult(cmd *cobra.Command, opts *globalOptions, result mirror.AdminResult) error {
	out := cmd.OutOrStdout()
	if opts.jsonOutput {
		if err := writeJSON(out, result); err != nil {
			return err
		}
	} else {
		if result.Message != "" {
			fmt.Fprintln(out, result.Message)
		}
		for _, source := range sortedCountKeys(result.Counts) {
			c := result.Counts[source]
			fmt.Fprintf(out, "  %-12s %-9s upserted=%d unchanged=%d tombstoned=%d errored=%d\n",
				source, c.Status, c.Upserted, c.Unchanged, c.Tombstoned, c.Errored)
		}
		if result.Workspace != nil {
			printWorkspace(out, *result.Workspace)
		}
		for _, e := range result.Errors {
			fmt.Fprintln(cmd.ErrOrStderr(), "  -", e)
		}
	}
	if !result.Success {
		if result.Error == "" {
			return fmt.Errorf("operation failed")
		}
		return fmt.Errorf("%s", result.Error)
	}
	return nil
}

func printWorkspace(w io.Writer, ws mirror.WorkspaceConfig) {
	state := "active"
	if !ws.Active {
		state = "inactive"
	}
	label := ws.Label
	if label == "" {
		label = "-"
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", ws.ID, ws.Source, ws.ExternalWorkspaceID, state, label)
}

// parseAssignments turns ["k=v", ...] into a map.
func parseAssignments(items []string) (map[string]string, error) {
	if len(items) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(items))
	for _, item := range items {
		key, value, ok := strings.Cut(item, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", item)
		}
		out[key] = value
	}
	return out, nil
}
