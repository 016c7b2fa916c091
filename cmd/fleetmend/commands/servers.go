package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fleetmend/fleetmend/pkg/engine"
)

func newServersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Inspect and manage server records",
	}

	cmd.AddCommand(newServersListCommand())
	cmd.AddCommand(newServersShowCommand())
	cmd.AddCommand(newServersForceRebuildCommand())
	return cmd
}

func newServersListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all server records",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			servers, err := rt.store.ListServers(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(servers)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "HANDLE\tIP\tSTATUS\tATTEMPTS\tOS")
			for _, s := range servers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					s.Handle, s.PublicIP, s.Status, s.ProvisioningAttempts, s.OSTemplate)
			}
			return w.Flush()
		},
	}
}

func newServersShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <handle>",
		Short: "Show one server record with its deployments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			server, err := rt.store.GetServer(ctx, args[0])
			if err != nil {
				return err
			}
			deployments, err := rt.store.ListServiceDeployments(ctx, args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]any{
					"server":      server,
					"deployments": deployments,
				})
			}

			fmt.Printf("handle:    %s\n", server.Handle)
			fmt.Printf("ip:        %s\n", server.PublicIP)
			fmt.Printf("status:    %s\n", server.Status)
			fmt.Printf("os:        %s\n", server.OSTemplate)
			fmt.Printf("attempts:  %d\n", server.ProvisioningAttempts)
			for k, v := range server.Labels {
				fmt.Printf("label:     %s=%s\n", k, v)
			}
			for _, d := range deployments {
				fmt.Printf("service:   %s/%s port=%d status=%s\n",
					d.ProjectID, d.ServiceName, d.Port, d.Status)
			}
			return nil
		},
	}
}

func newServersForceRebuildCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "force-rebuild <handle>",
		Short: "Mark a server for forced reinstall on its next provisioning run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			// Ensure the handle exists before flipping its status.
			if _, err := rt.store.GetServer(ctx, args[0]); err != nil {
				return err
			}

			status := engine.ServerStatusForceRebuild
			if err := rt.store.UpdateServer(ctx, args[0], engine.ServerUpdate{Status: &status}); err != nil {
				return err
			}
			fmt.Printf("%s marked for forced rebuild\n", args[0])
			return nil
		},
	}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
