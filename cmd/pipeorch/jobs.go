package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"pipeorch/internal/app"
	"pipeorch/internal/jobstore"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Sync manifest-owned jobs with the pipelines on disk and exit",
	Long: `Run one reconciliation pass against the job store.

Jobs created through the API are never touched. A running server registers
the resulting changes on its next reconcile or restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		a, err := app.New(cmd.Context(), cfgPath)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		res, err := a.Reconcile(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created=%d updated=%d deleted=%d unchanged=%d failed=%d\n",
			res.Created, res.Updated, res.Deleted, res.Unchanged, res.Failed)
		return nil
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect stored jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored jobs with their next fire time",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		pipelineName, _ := cmd.Flags().GetString("pipeline")
		source, _ := cmd.Flags().GetString("source")

		f := jobstore.Filter{PipelineName: pipelineName, Source: jobstore.Source(source)}
		if source != "" && !f.Source.Valid() {
			return errors.Newf("unknown source %q", source)
		}

		a, err := app.New(cmd.Context(), cfgPath)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		views, err := a.Jobs().List(cmd.Context(), f)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPIPELINE\tSOURCE\tTRIGGER\tENABLED\tNEXT")
		for _, v := range views {
			next := "-"
			if v.NextFireAt != nil {
				next = v.NextFireAt.Local().Format(time.RFC3339)
			}
			desc := string(v.TriggerKind) + " " + v.TriggerValue
			if trig, err := v.Trigger(); err == nil {
				desc = trig.Describe()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
				v.ID, v.PipelineName, v.Source, desc, v.Enabled, next)
		}
		return w.Flush()
	},
}

func init() {
	jobsListCmd.Flags().String("pipeline", "", "only jobs of this pipeline")
	jobsListCmd.Flags().String("source", "", "only jobs from this source (api, manifest_schedule, manifest_restart)")
	jobsCmd.AddCommand(jobsListCmd)
}
