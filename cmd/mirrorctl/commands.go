package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/mirrorsync/internal/adminclient"
	"github.com/agentworkforce/mirrorsync/internal/httpapi"
	"github.com/agentworkforce/mirrorsync/internal/mirror"
)

func (o *globalOptions) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

func newSyncCmd(opts *globalOptions) *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a full sync now (all sources unless --source is set)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			result, err := opts.client().TriggerSync(ctx, source)
			if err != nil {
				return err
			}
			return printAdminResult(cmd, opts, result)
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "limit to one source")
	return cmd
}

func newResyncCmd(opts *globalOptions) *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "resync",
		Short: "Force a full resync that rewrites every mirrored record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			result, err := opts.client().ForceResync(ctx, source)
			if err != nil {
				return err
			}
			return printAdminResult(cmd, opts, result)
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "limit to one source")
	return cmd
}

func newSnapshotCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Capture a snapshot for the current bucket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			result, err := opts.client().CaptureSnapshot(ctx)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bucket %s: %d inserted, %d patched (%s)\n",
				result.Bucket.Format(time.RFC3339), result.Inserted, result.Patched, strings.Join(result.Dimensions, ", "))
			return nil
		},
	}
}

func newWorkspacesCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workspaces",
		Aliases: []string{"ws"},
		Short:   "Manage workspace connections",
	}

	var listSource string
	list := &cobra.Command{
		Use:   "list",
		Short: "List workspaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			workspaces, err := opts.client().ListWorkspaces(ctx, listSource)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), workspaces)
			}
			if len(workspaces) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no workspaces")
				return nil
			}
			for _, ws := range workspaces {
				printWorkspace(cmd.OutOrStdout(), ws)
			}
			return nil
		},
	}
	list.Flags().StringVar(&listSource, "source", "", "filter by source")

	var req mirror.AddWorkspaceRequest
	add := &cobra.Command{
		Use:   "add",
		Short: "Connect a workspace after verifying its credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			result, err := opts.client().AddWorkspace(ctx, req)
			if err != nil {
				return err
			}
			return printAdminResult(cmd, opts, result)
		},
	}
	add.Flags().StringVar(&req.Source, "source", "", "source id")
	add.Flags().StringVar(&req.Credential, "credential", "", "API credential")
	add.Flags().StringVar(&req.ExternalWorkspaceID, "external-id", "", "upstream workspace id (discovered when empty)")
	add.Flags().StringVar(&req.OwnerFilter, "owner", "", `owner filter; "me" resolves to the connected account`)
	add.Flags().StringVar(&req.Label, "label", "", "display label")
	_ = add.MarkFlagRequired("source")
	_ = add.MarkFlagRequired("credential")

	byID := func(use, short string, call func(*adminclient.Client, context.Context, string) (mirror.AdminResult, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " ID",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := opts.context(cmd)
				defer cancel()
				result, err := call(opts.client(), ctx, args[0])
				if err != nil {
					return err
				}
				return printAdminResult(cmd, opts, result)
			},
		}
	}

	cmd.AddCommand(
		list,
		add,
		byID("toggle", "Flip a workspace between active and inactive", (*adminclient.Client).ToggleWorkspace),
		byID("delete", "Delete a workspace and its mirrored records", (*adminclient.Client).DeleteWorkspace),
		byID("test", "Verify a workspace credential against its source", (*adminclient.Client).TestConnection),
	)
	return cmd
}

func newRecordsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Query and edit mirrored records",
	}

	var q adminclient.RecordsQuery
	list := &cobra.Command{
		Use:   "list",
		Short: "List mirrored records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			records, err := opts.client().ListRecords(ctx, q)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), records)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SOURCE\tEXTERNAL ID\tKIND\tSTATE\tTITLE")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Source, r.ExternalID, r.Kind, r.State, r.Fields[mirror.FieldTitle])
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&q.Source, "source", "", "filter by source")
	list.Flags().StringVar(&q.WorkspaceID, "workspace", "", "filter by workspace id")
	list.Flags().StringVar(&q.Kind, "kind", "", "filter by record kind")
	list.Flags().StringVar(&q.Team, "team", "", "filter by team")
	list.Flags().StringVar(&q.Project, "project", "", "filter by project")
	list.Flags().StringVar(&q.State, "state", "", "filter by lifecycle state")
	list.Flags().BoolVar(&q.IncludeCompleted, "include-completed", false, "include tombstoned records")
	list.Flags().IntVar(&q.Limit, "limit", 0, "maximum records")

	get := &cobra.Command{
		Use:   "get SOURCE EXTERNAL_ID",
		Short: "Show one record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			record, err := opts.client().GetRecord(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), record)
		},
	}

	var sets, locals []string
	edit := &cobra.Command{
		Use:   "edit SOURCE EXTERNAL_ID",
		Short: "Edit a record; --set fields are pushed upstream, --local fields stay local",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseAssignments(sets)
			if err != nil {
				return err
			}
			localFields, err := parseAssignments(locals)
			if err != nil {
				return err
			}
			if len(fields) == 0 && len(localFields) == 0 {
				return fmt.Errorf("nothing to edit: pass --set or --local")
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			record, err := opts.client().EditRecord(ctx, mirror.EditRequest{
				Source:      args[0],
				ExternalID:  args[1],
				Fields:      fields,
				LocalFields: localFields,
			})
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), record)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated %s/%s\n", record.Source, record.ExternalID)
			return nil
		},
	}
	edit.Flags().StringArrayVar(&sets, "set", nil, "source-owned field to push, key=value")
	edit.Flags().StringArrayVar(&locals, "local", nil, "local-owned field, key=value")

	cmd.AddCommand(list, get, edit)
	return cmd
}

func newSnapshotsCmd(opts *globalOptions) *cobra.Command {
	var (
		from, to string
		q        adminclient.SnapshotsQuery
	)
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List snapshot rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if q.From, err = parseFlagTime(from); err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			if q.To, err = parseFlagTime(to); err != nil {
				return fmt.Errorf("--to: %w", err)
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			rows, err := opts.client().ListSnapshots(ctx, q)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), rows)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "BUCKET\tDIMENSION\tTOTAL\tHOURS")
			for _, row := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", row.Bucket.Format(time.RFC3339), row.Dimension, row.Total, row.TrackedHours.String())
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "earliest bucket (RFC3339)")
	cmd.Flags().StringVar(&to, "to", "", "latest bucket (RFC3339)")
	cmd.Flags().StringVar(&q.Dimension, "dimension", "", "dimension prefix")
	cmd.Flags().BoolVar(&q.Rollup, "rollup", false, "sum matching dimensions per bucket")
	return cmd
}

func newStatsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-source record counts and last runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			stats, err := opts.client().Stats(ctx)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func newRunsCmd(opts *globalOptions) *cobra.Command {
	var (
		source string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent sync runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			runs, err := opts.client().ListRuns(ctx, source, limit)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), runs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tSOURCE\tSTATUS\tUPSERTED\tUNCHANGED\tTOMBSTONED\tERRORED")
			for _, run := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
					run.StartedAt.Format(time.RFC3339), run.Source, run.Status, run.Upserted, run.Unchanged, run.Tombstoned, run.Errored)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "filter by source")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs")
	return cmd
}

func newResolveCmd(opts *globalOptions) *cobra.Command {
	var key mirror.IdentityKey
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Find the local record matching identity signals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if key.Empty() {
				return fmt.Errorf("pass at least one of --link, --external, --username, --phone, --email")
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			record, err := opts.client().ResolveIdentity(ctx, key)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), record)
		},
	}
	cmd.Flags().StringVar(&key.Link, "link", "", "explicit link id")
	cmd.Flags().StringVar(&key.External, "external", "", "external id")
	cmd.Flags().StringVar(&key.Username, "username", "", "username")
	cmd.Flags().StringVar(&key.Phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&key.Email, "email", "", "email address")
	return cmd
}

func newWritebacksCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "writebacks",
		Short: "List queued write-backs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			items, err := opts.client().PendingWritebacks(ctx)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), items)
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no pending write-backs")
				return nil
			}
			for _, item := range items {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s/%s\t%d field(s)\n", item.OpID, item.Source, item.ExternalID, len(item.Patch))
			}
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		secret  string
		subject string
		scopes  []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with the server's JWT secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := httpapi.SignToken(secret, subject, scopes, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "JWT secret")
	cmd.Flags().StringVar(&subject, "subject", "mirrorctl", "token subject")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{
		httpapi.ScopeAdminSync,
		httpapi.ScopeAdminWorkspaces,
		httpapi.ScopeRecordsRead,
		httpapi.ScopeRecordsWrite,
	}, "granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("secret")
	return cmd
}

func parseFlagTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func sortedCountKeys(in map[string]mirror.SyncCounts) []string {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
