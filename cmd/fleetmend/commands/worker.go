package commands

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fleetmend/fleetmend/pkg/config"
	"github.com/fleetmend/fleetmend/pkg/engine"
	"github.com/fleetmend/fleetmend/pkg/notify"
	"github.com/fleetmend/fleetmend/pkg/playbook"
	"github.com/fleetmend/fleetmend/pkg/provider"
	"github.com/fleetmend/fleetmend/pkg/secrets"
	"github.com/fleetmend/fleetmend/pkg/telemetry"
	sshtransport "github.com/fleetmend/fleetmend/pkg/transports/ssh"
)

// deployPlaybook is the phase the recovery sweep runs per recorded service.
const deployPlaybook = "deploy_service"

func newWorkerCommand() *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run queue consumers plus the discovery and health loops",
		Long: `Starts N queue consumers that pull provisioning requests and run them
through the engine, along with the provider discovery reconciler and the
reachability monitor. Serves prometheus metrics when enabled. SIGINT/SIGTERM
stops polling and lets in-flight runs finish.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), workers)
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 0, "number of queue consumers (overrides config)")
	return cmd
}

func runWorker(ctx context.Context, workerOverride int) error {
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg := rt.cfg

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	// Carry telemetry in the context so engine runs pick up scoped loggers
	// and spans.
	ctx = tel.WithContext(ctx)

	if cfg.Telemetry.Metrics.Enabled {
		if err := tel.StartMetricsServer(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	library, err := playbook.NewLibrary(cfg.Playbooks.Dir, cfg.Playbooks.PayloadDir)
	if err != nil {
		return fmt.Errorf("failed to load playbook library: %w", err)
	}
	if cfg.Playbooks.WatchForChanges {
		if err := library.Watch(ctx); err != nil {
			return fmt.Errorf("failed to watch playbook library: %w", err)
		}
	}

	eng, tracker, cp := buildEngine(cfg, rt, library, tel)

	workers := cfg.Queue.Workers
	if workerOverride > 0 {
		workers = workerOverride
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		worker := engine.NewWorker(
			fmt.Sprintf("worker-%d", i),
			rt.queue,
			eng,
			tracker,
			tel.Tracer,
			2*time.Second,
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Run(ctx)
		}()
	}

	if cfg.Discovery.Enabled {
		discovery := engine.NewDiscovery(rt.store, cp, cfg.Discovery.Interval)
		wg.Add(1)
		go func() {
			defer wg.Done()
			discovery.Run(ctx)
		}()
	}

	if cfg.Monitor.Enabled {
		monitor := engine.NewMonitor(
			rt.store,
			sshtransport.NewChecker(cfg.Engine.SSHUser, cfg.Engine.SSHPrivateKeyPath),
			tracker,
			rt.store,
			rt.store,
			rt.queue,
			cfg.Monitor.Interval,
			cfg.Engine.AccessCheckTimeout,
			cfg.Engine.MaxRetries,
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			monitor.Run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		reportQueueDepth(ctx, rt, tel)
	}()

	log.Info().Int("workers", workers).Msg("fleetmend worker started")
	<-ctx.Done()
	log.Info().Msg("draining in-flight runs")
	wg.Wait()
	return nil
}

// buildEngine wires the provisioning engine and its collaborators from
// configuration.
func buildEngine(cfg *config.Config, rt *runtime, library *playbook.Library, tel *telemetry.Telemetry) (*engine.Engine, *engine.Tracker, engine.ControlPlane) {
	client := newProviderClient(cfg)
	poller := provider.NewPoller(client, cfg.Provider.PollInterval)
	cp := engine.NewProviderControlPlane(client, poller)

	runner := playbook.NewRunner(library)
	tracker := engine.NewTracker(rt.store, tel.Metrics)
	access := sshtransport.NewChecker(cfg.Engine.SSHUser, cfg.Engine.SSHPrivateKeyPath)

	var notifier engine.Notifier = notify.NopNotifier{}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Telemetry.ServiceName)
	}

	var credSource engine.CredentialSource
	if cfg.Secrets.BaseURL != "" {
		credSource = secrets.NewHTTPCredentialSource(cfg.Secrets.BaseURL, cfg.Secrets.APIToken)
	} else {
		credSource = secrets.StaticCredentialSource{Token: cfg.Secrets.StaticToken}
	}

	identity := engine.Credential{
		User:           cfg.Engine.SSHUser,
		PrivateKeyPath: cfg.Engine.SSHPrivateKeyPath,
	}
	sweep := engine.NewSweep(
		rt.store,
		credSource,
		runner,
		notifier,
		deployPlaybook,
		cfg.Engine.DeployTimeout,
		identity,
	)

	opts := engineOptions(cfg)
	eng := engine.New(
		opts,
		rt.store,
		rt.store,
		cp,
		access,
		runner,
		tracker,
		sweep,
		notifier,
		tel.Metrics,
	)
	return eng, tracker, cp
}

func newProviderClient(cfg *config.Config) *provider.Client {
	return provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIToken, 30*time.Second)
}

// engineOptions maps the config file onto engine options, leaving the engine
// defaults in place for anything unset.
func engineOptions(cfg *config.Config) engine.Options {
	opts := engine.DefaultOptions()

	e := cfg.Engine
	if e.MaxRetries > 0 {
		opts.MaxRetries = e.MaxRetries
	}
	if e.DefaultOSTemplate != "" {
		opts.DefaultOSTemplate = e.DefaultOSTemplate
	}
	if e.SSHUser != "" {
		opts.AdminUser = e.SSHUser
	}
	opts.AdminKeyPath = e.SSHPrivateKeyPath
	opts.SSHPublicKey = e.SSHPublicKey
	if e.ReinstallTimeout > 0 {
		opts.ReinstallTimeout = e.ReinstallTimeout
	}
	if e.PasswordResetTimeout > 0 {
		opts.PasswordResetTimeout = e.PasswordResetTimeout
	}
	if e.BootGrace > 0 {
		opts.BootGrace = e.BootGrace
	}
	if e.AccessCheckTimeout > 0 {
		opts.AccessCheckTimeout = e.AccessCheckTimeout
	}
	if e.AccessPhaseTimeout > 0 {
		opts.AccessPhaseTimeout = e.AccessPhaseTimeout
	}
	if e.SoftwarePhaseTimeout > 0 {
		opts.SoftwarePhaseTimeout = e.SoftwarePhaseTimeout
	}
	return opts
}

// reportQueueDepth keeps the queue depth gauge current.
func reportQueueDepth(ctx context.Context, rt *runtime, tel *telemetry.Telemetry) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := rt.queue.Depth(ctx)
			if err != nil {
				log.Debug().Err(err).Msg("failed to read queue depth")
				continue
			}
			tel.Metrics.SetQueueDepth(float64(depth))
		}
	}
}
