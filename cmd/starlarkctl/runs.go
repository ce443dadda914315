package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	sdk "enclaverun/sdk/go/enclaverun"
)

var errServerRequired = errors.New("this command needs --server or ENCLAVERUN_URL")

func (o *rootOptions) remoteClient() (*sdk.Client, error) {
	if o.server == "" {
		return nil, errServerRequired
	}
	return o.client(), nil
}

func newRunsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Manage asynchronous runs on enclaved",
	}
	cmd.AddCommand(newRunsSubmitCmd(root), newRunsListCmd(root), newRunsGetCmd(root), newRunsLinesCmd(root), newRunsStatsCmd(root))
	return cmd
}

func newRunsSubmitCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}
	var (
		id   string
		wait bool
	)
	cmd := &cobra.Command{
		Use:   "submit <script.star | package-dir | package-id>",
		Short: "Queue a run and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := root.remoteClient()
			if err != nil {
				return err
			}
			req, err := opts.buildRequest(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			run, err := client.SubmitRun(ctx, sdk.RunSubmission{ID: id, Enclave: opts.enclave, Script: req.script, Package: req.pkg})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, run.ID)
			if !wait {
				return nil
			}
			if run, err = client.WaitForRun(ctx, run.ID, time.Second); err != nil {
				return err
			}
			printRun(out, run)
			if run.Status != "succeeded" {
				return errRunFailed
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.enclave, "enclave", "default", "enclave to run in")
	flags.StringVar(&opts.params, "params", "", "JSON params passed to run()")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "interpret and validate without executing")
	flags.BoolVar(&opts.remote, "remote", false, "treat the argument as a remote package id")
	flags.StringVar(&id, "id", "", "client chosen run id; resubmitting the same id is a no-op")
	flags.BoolVar(&wait, "wait", false, "wait until the run finishes")
	return cmd
}

func newRunsListCmd(root *rootOptions) *cobra.Command {
	var opts sdk.ListRunsOptions
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := root.remoteClient()
			if err != nil {
				return err
			}
			if since > 0 {
				opts.Since = time.Now().Add(-since)
			}
			runs, err := client.ListRuns(cmd.Context(), opts)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tENCLAVE\tKIND\tSTATUS\tPHASE\tATTEMPTS\tUPDATED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n", r.ID, r.Enclave, r.Kind, r.Status, r.Phase, r.Attempts,
					time.Unix(r.UpdatedAt, 0).Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&opts.Limit, "limit", 20, "maximum number of runs")
	flags.IntVar(&opts.Offset, "offset", 0, "number of runs to skip")
	flags.StringSliceVar(&opts.Statuses, "status", nil, "filter by status (pending, running, succeeded, failed)")
	flags.StringVar(&opts.Enclave, "enclave", "", "filter by enclave")
	flags.StringVar(&opts.Kind, "kind", "", "filter by kind (script, package)")
	flags.StringVar(&opts.Query, "query", "", "free text filter")
	flags.DurationVar(&since, "since", 0, "only runs updated within this window")
	flags.BoolVar(&opts.Ascending, "asc", false, "oldest first")
	return cmd
}

func newRunsGetCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := root.remoteClient()
			if err != nil {
				return err
			}
			run, err := client.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printRun(cmd.OutOrStdout(), run)
			return nil
		},
	}
}

func newRunsLinesCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "lines <run-id>",
		Short: "Replay the recorded response lines of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := root.remoteClient()
			if err != nil {
				return err
			}
			lines, err := client.RunLines(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printer := newLinePrinter(cmd.OutOrStdout())
			for _, line := range lines {
				if err := printer.print(line); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newRunsStatsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show run counts by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := root.remoteClient()
			if err != nil {
				return err
			}
			stats, err := client.RunStats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "total=%d pending=%d running=%d succeeded=%d failed=%d\n",
				stats.Total, stats.Pending, stats.Running, stats.Succeeded, stats.Failed)
			return nil
		},
	}
}

func printRun(w io.Writer, r sdk.Run) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", r.ID)
	fmt.Fprintf(tw, "Enclave:\t%s\n", r.Enclave)
	fmt.Fprintf(tw, "Kind:\t%s\n", r.Kind)
	fmt.Fprintf(tw, "Status:\t%s\n", r.Status)
	fmt.Fprintf(tw, "Phase:\t%s\n", r.Phase)
	fmt.Fprintf(tw, "Attempts:\t%d/%d\n", r.Attempts, r.MaxRetries)
	fmt.Fprintf(tw, "Lines:\t%d\n", r.LineCount)
	if r.LastError != "" {
		fmt.Fprintf(tw, "Error:\t[%s] %s\n", r.ErrorCode, r.LastError)
	}
	if r.Output != nil {
		fmt.Fprintf(tw, "Output:\t%s\n", *r.Output)
	}
	_ = tw.Flush()
}

func newEnclavesCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enclaves",
		Short: "List or create enclaves on enclaved",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List enclaves",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := root.remoteClient()
			if err != nil {
				return err
			}
			enclaves, err := client.ListEnclaves(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tUUID\tCREATED")
			for _, e := range enclaves {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Name, e.UUID, e.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}, &cobra.Command{
		Use:   "add <name>",
		Short: "Create an enclave",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := root.remoteClient()
			if err != nil {
				return err
			}
			enc, err := client.CreateEnclave(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", enc.Name, enc.UUID)
			return nil
		},
	})
	return cmd
}
