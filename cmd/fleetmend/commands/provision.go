package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fleetmend/fleetmend/pkg/engine"
)

func newProvisionCommand() *cobra.Command {
	var (
		forceReinstall bool
		noWait         bool
		waitTimeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "provision <handle>",
		Short: "Enqueue a provisioning request for a server",
		Long: `Publishes a provisioning request to the job queue and, unless --no-wait
is given, polls the result slot until the run finishes or the wait timeout
elapses. The request keeps running on the worker either way.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvision(cmd, args[0], forceReinstall, noWait, waitTimeout)
		},
	}

	cmd.Flags().BoolVar(&forceReinstall, "force-reinstall", false, "wipe and rebuild even if the server is reachable")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "enqueue only, do not wait for the result")
	cmd.Flags().DurationVar(&waitTimeout, "wait-timeout", 45*time.Minute, "how long to wait for the result")
	return cmd
}

func runProvision(cmd *cobra.Command, handle string, forceReinstall, noWait bool, waitTimeout time.Duration) error {
	ctx := cmd.Context()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	req := engine.ProvisioningRequest{
		RequestID:      uuid.New().String(),
		ServerHandle:   handle,
		ForceReinstall: forceReinstall,
	}
	if err := rt.queue.Publish(ctx, req); err != nil {
		return fmt.Errorf("failed to enqueue request: %w", err)
	}

	if noWait {
		fmt.Printf("request %s enqueued for %s\n", req.RequestID, handle)
		return nil
	}

	fmt.Printf("request %s enqueued for %s, waiting for result...\n", req.RequestID, handle)

	result, err := rt.queue.WaitResult(ctx, req.RequestID, waitTimeout, 5*time.Second)
	if err != nil {
		return fmt.Errorf("waiting for result: %w", err)
	}

	return printResult(result)
}

func printResult(result *engine.ProvisioningResult) error {
	if jsonOutput {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		if result.Status != engine.ResultStatusSuccess {
			return fmt.Errorf("provisioning %s", result.Status)
		}
		return nil
	}

	fmt.Printf("status:   %s\n", result.Status)
	fmt.Printf("server:   %s (%s)\n", result.ServerHandle, result.ServerIP)
	if result.ServicesRedeployed > 0 || result.ServicesFailed > 0 {
		fmt.Printf("services: %d redeployed, %d failed\n", result.ServicesRedeployed, result.ServicesFailed)
	}
	for _, e := range result.Errors {
		fmt.Printf("error:    %s\n", e)
	}

	if result.Status != engine.ResultStatusSuccess {
		return fmt.Errorf("provisioning %s", result.Status)
	}
	return nil
}
