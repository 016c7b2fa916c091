package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fleetmend/fleetmend/pkg/provider"
	"github.com/fleetmend/fleetmend/pkg/telemetry"
)

// Options is the tuning surface of the provisioning engine. Every external
// wait the engine performs is bounded by one of these.
type Options struct {
	// MaxRetries is the attempts ceiling per server. A server at the ceiling
	// fails validation and requires operator intervention.
	MaxRetries int

	// DefaultOSTemplate is used for reinstalls when the server record has no
	// template of its own.
	DefaultOSTemplate string

	// SSHPublicKey is injected during OS reinstall so the key identity works
	// once the software phase completes.
	SSHPublicKey string

	// AdminUser and AdminKeyPath form the pre-provisioned key identity.
	AdminUser    string
	AdminKeyPath string

	// ReinstallTimeout bounds the wait for the provider reinstall task.
	ReinstallTimeout time.Duration

	// PasswordResetTimeout bounds the wait for the fallback password reset.
	PasswordResetTimeout time.Duration

	// BootGrace is the fixed wait after reinstall before the first phase.
	BootGrace time.Duration

	// AccessCheckTimeout bounds the reachability probe.
	AccessCheckTimeout time.Duration

	// AccessPhaseTimeout and SoftwarePhaseTimeout bound the two
	// configuration phases.
	AccessPhaseTimeout   time.Duration
	SoftwarePhaseTimeout time.Duration

	// AccessPlaybook and SoftwarePlaybook name the phases handed to the
	// config runner.
	AccessPlaybook   string
	SoftwarePlaybook string
}

// DefaultOptions returns engine options with the documented defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetries:           3,
		DefaultOSTemplate:    "debian-12",
		AdminUser:            "root",
		ReinstallTimeout:     15 * time.Minute,
		PasswordResetTimeout: 5 * time.Minute,
		BootGrace:            60 * time.Second,
		AccessCheckTimeout:   10 * time.Second,
		AccessPhaseTimeout:   10 * time.Minute,
		SoftwarePhaseTimeout: 20 * time.Minute,
		AccessPlaybook:       "access_setup",
		SoftwarePlaybook:     "software_setup",
	}
}

// Engine is the provisioning and incident-recovery orchestrator. One Execute
// call drives one request through validation, path decision, the phased
// configuration runs, and the terminal bookkeeping. All collaborators are
// injected at construction so tests can substitute fakes per run.
type Engine struct {
	opts     Options
	registry ServerRegistry
	runs     RunStore
	cp       ControlPlane
	access   AccessChecker
	runner   ConfigRunner
	tracker  *Tracker
	sweep    Redeployer
	notifier Notifier
	metrics  *telemetry.Metrics
}

// New creates a provisioning engine with the given collaborators.
func New(
	opts Options,
	registry ServerRegistry,
	runs RunStore,
	cp ControlPlane,
	access AccessChecker,
	runner ConfigRunner,
	tracker *Tracker,
	sweep Redeployer,
	notifier Notifier,
	metrics *telemetry.Metrics,
) *Engine {
	return &Engine{
		opts:     opts,
		registry: registry,
		runs:     runs,
		cp:       cp,
		access:   access,
		runner:   runner,
		tracker:  tracker,
		sweep:    sweep,
		notifier: notifier,
		metrics:  metrics,
	}
}

// Execute runs the full state machine for one request and always returns a
// structured result; no failure escapes as an error or panic. With
// at-least-once delivery an escaped failure would either wedge the handle or
// spin forever, so everything is caught at this boundary.
func (e *Engine) Execute(ctx context.Context, req ProvisioningRequest) *ProvisioningResult {
	started := time.Now()

	// Scope every log line of this run to the request; downstream steps pull
	// the enriched logger back out of the context.
	logger := telemetry.FromContext(ctx).
		WithRequestID(req.RequestID).
		WithHandle(req.ServerHandle)
	ctx = logger.WithContext(ctx)

	logger.WithFields(map[string]interface{}{
		"force_reinstall":   req.ForceReinstall,
		"incident_recovery": req.IsIncidentRecovery,
	}).Info("provisioning run started")
	e.metrics.RunStarted()

	rc, runErr := e.validate(ctx, req)
	if runErr == nil {
		runErr = e.executePath(ctx, rc)
	}

	var result *ProvisioningResult
	if runErr != nil {
		result = e.finishFailed(ctx, req, rc, runErr)
	} else {
		result = e.finishSucceeded(ctx, req, rc)
	}
	result.FinishedAt = time.Now()

	e.metrics.RunCompleted(string(result.Status), time.Since(started))
	logger.WithFields(map[string]interface{}{
		"status":              string(result.Status),
		"services_redeployed": result.ServicesRedeployed,
		"services_failed":     result.ServicesFailed,
		"duration":            time.Since(started).String(),
	}).Info("provisioning run finished")

	return result
}

// validate loads the server record, enforces the preconditions, marks the
// server as provisioning, and builds the RunContext. The attempts counter is
// incremented here, exactly once per run; it is the only irreversible side
// effect of a failed run.
func (e *Engine) validate(ctx context.Context, req ProvisioningRequest) (*RunContext, *RunError) {
	server, err := e.registry.GetServer(ctx, req.ServerHandle)
	if err != nil {
		return nil, NewValidationError(req.ServerHandle, "server not found").WithStep("validating")
	}

	if server.Status == ServerStatusProvisioning && !e.isRedelivery(ctx, req) {
		return nil, NewValidationError(req.ServerHandle, "another provisioning run is in flight").
			WithStep("validating")
	}

	if server.ProvisioningAttempts >= e.opts.MaxRetries {
		// No provider contact, no attempt increment: the server needs an
		// operator, not another run.
		incErr := NewMaxAttemptsError(req.ServerHandle, server.ProvisioningAttempts, e.opts.MaxRetries)
		e.tracker.Create(ctx, req.ServerHandle, IncidentTypeProvisioningFailed, map[string]any{
			"step":     "validating",
			"attempts": server.ProvisioningAttempts,
			"error":    incErr.Message,
		}, nil)
		e.markError(ctx, req.ServerHandle)
		return nil, incErr
	}

	if server.PublicIP == "" {
		e.markError(ctx, req.ServerHandle)
		return nil, NewValidationError(req.ServerHandle, "server has no public IP").WithStep("validating")
	}

	rc := &RunContext{
		Request:   req,
		Server:    server,
		RunID:     uuid.New().String(),
		ServerIP:  server.PublicIP,
		StartedAt: time.Now(),
	}

	attempts := server.ProvisioningAttempts + 1
	status := ServerStatusProvisioning
	if err := e.registry.UpdateServer(ctx, server.Handle, ServerUpdate{
		Status:               &status,
		ProvisioningAttempts: &attempts,
	}); err != nil {
		return nil, NewExternalError(req.ServerHandle, "failed to mark server provisioning", err)
	}

	if err := e.runs.CreateRun(ctx, &ProvisioningRun{
		ID:           rc.RunID,
		RequestID:    req.RequestID,
		ServerHandle: req.ServerHandle,
		State:        RunStateValidating,
		StartedAt:    rc.StartedAt,
	}); err != nil {
		return rc, NewExternalError(req.ServerHandle, "failed to persist run state", err)
	}

	return rc, nil
}

// isRedelivery reports whether a request already owns the in-flight run for
// its handle. A worker crash leaves the server stuck in provisioning status;
// the queue redelivers the message and the new worker must be allowed to
// re-run rather than reject its own request forever.
func (e *Engine) isRedelivery(ctx context.Context, req ProvisioningRequest) bool {
	runs, err := e.runs.ListRunsByHandle(ctx, req.ServerHandle, 1)
	if err != nil || len(runs) == 0 {
		return false
	}
	last := runs[0]
	if last.RequestID == req.RequestID {
		return true
	}
	// The previous run reached a terminal state but the status write was
	// lost; the advisory lock is stale.
	return last.State == RunStateSucceeded || last.State == RunStateFailed
}

// executePath decides between reinstall and existing access, then drives the
// two configuration phases in order.
func (e *Engine) executePath(ctx context.Context, rc *RunContext) *RunError {
	reachable := e.access.CanReach(ctx, rc.ServerIP, e.opts.AccessCheckTimeout)
	rc.UseReinstall = !reachable ||
		rc.Request.ForceReinstall ||
		rc.Server.Status == ServerStatusForceRebuild

	telemetry.FromContext(ctx).WithFields(map[string]interface{}{
		"reachable": reachable,
		"reinstall": rc.UseReinstall,
	}).Debug("recovery path decided")

	accessCred := Credential{User: e.opts.AdminUser, PrivateKeyPath: e.opts.AdminKeyPath}
	if rc.UseReinstall {
		if err := e.reinstall(ctx, rc); err != nil {
			return err
		}
		// Immediately after reinstall the only working identity is the fresh
		// root password; the key identity exists once the access phase ran.
		accessCred = Credential{User: "root", Password: rc.RootPassword}
	}

	if err := e.runPhase(ctx, rc, RunStateAccess, e.opts.AccessPlaybook,
		PhaseAccessConfiguration, accessCred, e.opts.AccessPhaseTimeout); err != nil {
		return err
	}

	identity := Credential{User: e.opts.AdminUser, PrivateKeyPath: e.opts.AdminKeyPath}
	return e.runPhase(ctx, rc, RunStateSoftware, e.opts.SoftwarePlaybook,
		PhaseSoftwareInstallation, identity, e.opts.SoftwarePhaseTimeout)
}

// reinstall wipes the server through the control plane, recovers the fresh
// root password from the task output, and waits out the boot grace period.
func (e *Engine) reinstall(ctx context.Context, rc *RunContext) *RunError {
	handle := rc.Server.Handle
	_ = e.runs.UpdateRunState(ctx, rc.RunID, RunStateReinstall, "")

	serverID, err := e.cp.ServerID(ctx, handle)
	if err != nil {
		return e.externalOrTimeout(handle, "failed to resolve provider server id", err)
	}
	_ = e.registry.UpdateServer(ctx, handle, ServerUpdate{
		Labels: map[string]string{LabelProviderID: serverID},
	})

	template := rc.Server.OSTemplate
	if template == "" {
		template = e.opts.DefaultOSTemplate
	}

	telemetry.FromContext(ctx).WithField("template", template).Info("starting OS reinstall")
	taskID, err := e.cp.ReinstallOS(ctx, serverID, template, e.opts.SSHPublicKey)
	if err != nil {
		e.createReinstallIncident(ctx, rc, err)
		return e.externalOrTimeout(handle, "reinstall request failed", err)
	}

	output, err := e.cp.WaitTask(ctx, serverID, taskID, e.opts.ReinstallTimeout)
	if err != nil {
		e.createReinstallIncident(ctx, rc, err)
		return e.externalOrTimeout(handle, "reinstall task did not complete", err)
	}

	password, ok := provider.ExtractPassword(output)
	if !ok {
		// The provider is inconsistent between endpoints; an explicit reset
		// produces output the extractor does understand.
		password, err = e.resetPassword(ctx, serverID)
		if err != nil {
			e.createReinstallIncident(ctx, rc, err)
			return e.externalOrTimeout(handle, "could not recover root password after reinstall", err)
		}
	}
	rc.RootPassword = password

	select {
	case <-time.After(e.opts.BootGrace):
	case <-ctx.Done():
		return NewTimeoutError(handle, "cancelled during boot grace period", ctx.Err())
	}
	return nil
}

// resetPassword is the fallback when extraction from the reinstall output
// fails: trigger an explicit reset task and extract from its output instead.
func (e *Engine) resetPassword(ctx context.Context, serverID string) (string, error) {
	taskID, err := e.cp.ResetPassword(ctx, serverID)
	if err != nil {
		return "", err
	}
	output, err := e.cp.WaitTask(ctx, serverID, taskID, e.opts.PasswordResetTimeout)
	if err != nil {
		return "", err
	}
	password, ok := provider.ExtractPassword(output)
	if !ok {
		return "", fmt.Errorf("no password found in reset task output")
	}
	return password, nil
}

// runPhase executes one configuration phase and records its outcome in the
// run state, the server labels, and (on failure) a new incident.
func (e *Engine) runPhase(
	ctx context.Context,
	rc *RunContext,
	state RunState,
	playbook string,
	phaseLabel string,
	cred Credential,
	timeout time.Duration,
) *RunError {
	handle := rc.Server.Handle
	_ = e.runs.UpdateRunState(ctx, rc.RunID, state, "")
	_ = e.registry.UpdateServer(ctx, handle, ServerUpdate{
		Labels: map[string]string{LabelProvisioningPhase: phaseLabel},
	})

	op := telemetry.StartOperation(ctx, "configuration-phase",
		attribute.String("phase", playbook),
		attribute.String("server.handle", handle),
	)
	logger := op.Logger.WithPhase(playbook)

	started := time.Now()
	result := e.runner.RunPhase(op.Ctx, PhaseRun{
		ServerIP:     rc.ServerIP,
		ServerHandle: handle,
		Phase:        playbook,
		Credential:   cred,
		ExtraVars:    map[string]string{"server_handle": handle},
		Timeout:      timeout,
	})
	e.metrics.PhaseCompleted(playbook, result.Success, time.Since(started))

	if !result.Success {
		step := string(state)
		e.tracker.Create(ctx, handle, IncidentTypeProvisioningFailed, map[string]any{
			"step":   step,
			"phase":  playbook,
			"output": tail(result.Output, 2000),
		}, nil)
		phaseErr := NewPhaseError(handle, step, result.Output, nil)
		op.End(phaseErr)
		return phaseErr
	}
	op.End(nil)

	logger.Infof("configuration phase completed in %s", time.Since(started).Round(time.Millisecond))
	return nil
}

// finishSucceeded performs the terminal bookkeeping of a successful run:
// mark ready, resolve open incidents, and (for incident recoveries) sweep
// the recorded service deployments back onto the host.
func (e *Engine) finishSucceeded(ctx context.Context, req ProvisioningRequest, rc *RunContext) *ProvisioningResult {
	handle := rc.Server.Handle
	ready := ServerStatusReady
	if err := e.registry.UpdateServer(ctx, handle, ServerUpdate{
		Status: &ready,
		Labels: map[string]string{LabelProvisioningPhase: PhaseComplete},
	}); err != nil {
		log.Error().Err(err).Str("handle", handle).Msg("failed to mark server ready")
	}

	result := &ProvisioningResult{
		RequestID:    req.RequestID,
		ServerHandle: handle,
		Status:       ResultStatusSuccess,
		ServerIP:     rc.ServerIP,
	}

	if req.IsIncidentRecovery {
		resolved := e.tracker.ResolveOpen(ctx, handle)
		log.Info().Str("handle", handle).Int("resolved", resolved).Msg("open incidents resolved")

		_ = e.runs.UpdateRunState(ctx, rc.RunID, RunStateRedeploy, "")
		sweep := e.sweep.Redeploy(ctx, handle, rc.ServerIP)
		result.ServicesRedeployed = sweep.Succeeded
		result.ServicesFailed = sweep.Failed
		result.Errors = sweep.Errors
	}

	_ = e.runs.UpdateRunState(ctx, rc.RunID, RunStateSucceeded, "")
	e.notifier.Notify(ctx,
		fmt.Sprintf("server %s provisioned successfully (ip %s)", handle, rc.ServerIP),
		NotifyInfo)
	return result
}

// finishFailed converts a classified run error into the terminal failed
// result. rc may be nil when validation failed before a context existed.
func (e *Engine) finishFailed(ctx context.Context, req ProvisioningRequest, rc *RunContext, runErr *RunError) *ProvisioningResult {
	if rc != nil {
		e.markError(ctx, req.ServerHandle)
		_ = e.runs.UpdateRunState(ctx, rc.RunID, RunStateFailed, runErr.Error())
	}

	status := ResultStatusFailed
	switch runErr.Class {
	case ErrorClassTimeout:
		status = ResultStatusTimeout
	case ErrorClassValidation, ErrorClassMaxAttempts:
		status = ResultStatusError
	}

	result := &ProvisioningResult{
		RequestID:    req.RequestID,
		ServerHandle: req.ServerHandle,
		Status:       status,
		Errors:       []string{runErr.Error()},
	}
	if rc != nil {
		result.ServerIP = rc.ServerIP
	}

	e.notifier.Notify(ctx,
		fmt.Sprintf("provisioning of %s failed: %s", req.ServerHandle, runErr.Error()),
		NotifyError)
	return result
}

// markError sets the server status to error, best-effort.
func (e *Engine) markError(ctx context.Context, handle string) {
	status := ServerStatusError
	if err := e.registry.UpdateServer(ctx, handle, ServerUpdate{Status: &status}); err != nil {
		log.Error().Err(err).Str("handle", handle).Msg("failed to mark server errored")
	}
}

// externalOrTimeout keeps timeout classification intact when wrapping a
// collaborator error.
func (e *Engine) externalOrTimeout(handle, message string, err error) *RunError {
	var timeout interface{ Timeout() bool }
	if IsTimeout(err) ||
		errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &timeout) && timeout.Timeout()) {
		return NewTimeoutError(handle, message, err)
	}
	return NewExternalError(handle, message, err)
}

// createReinstallIncident records a reinstall failure with the affected
// deployments so operators see what was running on the host.
func (e *Engine) createReinstallIncident(ctx context.Context, rc *RunContext, cause error) {
	var services []string
	if deployments, err := e.registry.ListServiceDeployments(ctx, rc.Server.Handle); err == nil {
		for _, d := range deployments {
			services = append(services, d.ServiceName)
		}
	}
	e.tracker.Create(ctx, rc.Server.Handle, IncidentTypeReinstallFailed, map[string]any{
		"step":  "reinstall",
		"error": cause.Error(),
	}, services)
}

// tail returns the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
