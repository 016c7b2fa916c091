package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetmend/fleetmend/pkg/engine"
)

func newIncidentsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "incidents",
		Short: "Inspect and resolve incidents",
	}

	cmd.AddCommand(newIncidentsListCommand())
	cmd.AddCommand(newIncidentsResolveCommand())
	return cmd
}

func newIncidentsListCommand() *cobra.Command {
	var (
		handle  string
		showAll bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List incidents (open by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			var filter []engine.IncidentStatus
			if !showAll {
				filter = []engine.IncidentStatus{
					engine.IncidentStatusDetected,
					engine.IncidentStatusRecovering,
				}
			}

			incidents, err := rt.store.ListIncidents(ctx, handle, filter)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(incidents)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tHANDLE\tTYPE\tSTATUS\tDETECTED\tRESOLVED")
			for _, inc := range incidents {
				resolved := "-"
				if inc.ResolvedAt != nil {
					resolved = inc.ResolvedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					inc.ID, inc.ServerHandle, inc.IncidentType, inc.Status,
					inc.DetectedAt.Format(time.RFC3339), resolved)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&handle, "handle", "", "filter by server handle")
	cmd.Flags().BoolVar(&showAll, "all", false, "include resolved and failed incidents")
	return cmd
}

func newIncidentsResolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <handle>",
		Short: "Resolve every open incident for a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			tracker := engine.NewTracker(rt.store, nil)
			resolved := tracker.ResolveOpen(ctx, args[0])
			fmt.Printf("resolved %d incident(s) for %s\n", resolved, args[0])
			return nil
		},
	}
}
