package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"jobkeeper/internal/app"
)

func newJobsCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and control registered jobs",
	}
	cmd.AddCommand(
		newJobsListCmd(o),
		newJobsShowCmd(o),
		newJobsHistoryCmd(o),
		newJobsRunCmd(o),
		newJobsToggleCmd(o, "enable", "Enable a job; a running daemon resumes it within scheduler.reconcile_interval"),
		newJobsToggleCmd(o, "disable", "Disable a job; in-flight runs finish"),
	)
	return cmd
}

// withApp builds the app, registers jobs so implementations are loaded, runs
// fn and shuts the app down. Timers are never started.
func (o *options) withApp(ctx context.Context, fn func(a *app.App) error) error {
	a, err := o.newApp(o.cfgPath)
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopCLI)
	}()
	// Registration failures are logged; the remaining jobs are still usable.
	_ = a.RegisterJobs(ctx)
	return fn(a)
}

func newJobsListCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every persisted job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withApp(cmd.Context(), func(a *app.App) error {
				list, err := a.Scheduler().ListJobs(cmd.Context())
				if err != nil {
					return err
				}
				if len(list) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No jobs found.")
					return nil
				}
				return renderJobList(cmd.OutOrStdout(), list)
			})
		},
	}
}

func newJobsShowCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job's definition, health and timer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd.Context(), func(a *app.App) error {
				st, err := a.Scheduler().GetJobStatus(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return renderJobStatus(cmd.OutOrStdout(), st)
			})
		},
	}
}

func newJobsHistoryCmd(o *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <job-id>",
		Short: "Show recent executions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd.Context(), func(a *app.App) error {
				recs, err := a.Scheduler().GetExecutions(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No executions recorded.")
					return nil
				}
				return renderExecutions(cmd.OutOrStdout(), recs)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of executions (capped by scheduler.history_limit_max)")
	return cmd
}

func newJobsRunCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run <job-id>",
		Short: "Run a job now and wait for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd.Context(), func(a *app.App) error {
				start := time.Now()
				res, err := a.Scheduler().RunNow(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				took := time.Since(start).Round(time.Millisecond)
				if res.Failed() {
					return errors.Wrapf(res.Err(), "job %s failed after %s", args[0], took)
				}
				msg := fmt.Sprintf("job %s succeeded in %s", args[0], took)
				if n, ok := res.Count(); ok {
					msg += " (processed " + strconv.Itoa(n) + ")"
				}
				fmt.Fprintln(cmd.OutOrStdout(), msg)
				return nil
			})
		},
	}
}

func newJobsToggleCmd(o *options, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd.Context(), func(a *app.App) error {
				var err error
				if verb == "enable" {
					err = a.Scheduler().EnableJob(cmd.Context(), args[0])
				} else {
					err = a.Scheduler().DisableJob(cmd.Context(), args[0])
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %s %sd\n", args[0], verb)
				return nil
			})
		},
	}
}
