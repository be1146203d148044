package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"ghostbot/internal/command/commands"
	"ghostbot/internal/job"
	"ghostbot/internal/storage"
)

// knownCommands lists the registered command kinds. The registry's
// dependencies are not needed for name lookups.
func knownCommands() []string {
	return commands.Default(commands.Deps{}).Names()
}

// parseDetails reads a JSON object inline or from @file.
func parseDetails(raw string) (job.Details, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return job.Details{}, nil
	}
	data := []byte(raw)
	if strings.HasPrefix(raw, "@") {
		b, err := os.ReadFile(strings.TrimPrefix(raw, "@"))
		if err != nil {
			return nil, errors.Wrap(err, "read details file")
		}
		data = b
	}
	var d job.Details
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, errors.Wrap(err, "details must be a JSON object")
	}
	if d == nil {
		d = job.Details{}
	}
	return d, nil
}

func newSubmitCommand(opts *rootOptions) *cobra.Command {
	var (
		accountID int64
		details   string
		processID string
	)
	cmd := &cobra.Command{
		Use:   "submit <command>",
		Short: "Create a pending job",
		Long: `Create a pending job for the scheduler to pick up.

Examples:
  ghostbot submit auto_reply --account 1 --details '{"targets":[-100123],"keywords":["hi"],"reply_text":"hello"}'
  ghostbot submit broadcast --account 1 --details @broadcast.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])
			if known := knownCommands(); !slices.Contains(known, name) {
				return errors.Newf("unknown command %q (known: %s)", name, strings.Join(known, ", "))
			}
			if accountID <= 0 {
				return errors.New("--account is required")
			}
			d, err := parseDetails(details)
			if err != nil {
				return err
			}
			if strings.TrimSpace(processID) == "" {
				processID = uuid.NewString()
			}
			return opts.withStore(cmd, func(ctx context.Context, st storage.Store) error {
				j, err := st.CreateJob(ctx, storage.NewJob{
					AccountID: accountID,
					ProcessID: processID,
					Command:   name,
					Details:   d,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%s\n", j.ProcessID, j.ID, j.Status)
				return nil
			})
		},
	}
	cmd.Flags().Int64VarP(&accountID, "account", "a", 0, "account id the job runs under")
	cmd.Flags().StringVarP(&details, "details", "d", "", "job details as JSON, or @path to a JSON file")
	cmd.Flags().StringVar(&processID, "pid", "", "process id (default: random UUID)")
	return cmd
}

func newStopCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <process-id>",
		Short: "Ask the scheduler to stop a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd, func(ctx context.Context, st storage.Store) error {
				ok, err := st.RequestStop(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					j, err := st.GetJobByProcessID(ctx, args[0])
					if err != nil {
						return err
					}
					return errors.Newf("job %s is %s and cannot be stopped", j.ProcessID, j.Status)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stop requested for %s\n", args[0])
				return nil
			})
		},
	}
}

func newJobsCommand(opts *rootOptions) *cobra.Command {
	var (
		statuses  []string
		accountID int64
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := storage.JobFilter{AccountID: accountID, Limit: limit}
			for _, s := range statuses {
				st := job.Status(strings.ToLower(strings.TrimSpace(s)))
				if !slices.Contains(job.Statuses(), st) {
					return errors.Newf("unknown status %q", s)
				}
				f.Statuses = append(f.Statuses, st)
			}
			return opts.withStore(cmd, func(ctx context.Context, st storage.Store) error {
				jobs, err := st.ListJobs(ctx, f)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tPROCESS\tACCOUNT\tCOMMAND\tSTATUS\tSTARTED")
				for _, j := range jobs {
					fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\n",
						j.ID, j.ProcessID, j.AccountID, j.Command, j.Status, j.StartTime.UTC().Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "filter by status (repeatable)")
	cmd.Flags().Int64VarP(&accountID, "account", "a", 0, "filter by account id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "max results")
	return cmd
}

func newShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <process-id>",
		Short: "Print one job with its details as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd, func(ctx context.Context, st storage.Store) error {
				j, err := st.GetJobByProcessID(ctx, args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(j)
			})
		},
	}
}

func newRecoverCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Reset in-flight jobs to pending",
		Long: `Reset running, scheduled and interval jobs to pending.

"ghostbot run" does this on startup. Use it only while no scheduler is running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withStore(cmd, func(ctx context.Context, st storage.Store) error {
				n, err := st.RecoverInflight(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d job(s) reset to pending\n", n)
				return nil
			})
		},
	}
}
