package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fleetmend/fleetmend/pkg/provider"
	"github.com/fleetmend/fleetmend/pkg/telemetry"
)

type engineFixture struct {
	engine    *Engine
	registry  *fakeRegistry
	incidents *fakeIncidentStore
	runs      *fakeRunStore
	cp        *fakeControlPlane
	access    *fakeAccess
	runner    *fakeRunner
	notifier  *fakeNotifier
	sweep     *fakeRedeployer
}

func newEngineFixture(t *testing.T, server *Server) *engineFixture {
	t.Helper()

	registry := newFakeRegistry(server)
	incidents := &fakeIncidentStore{}
	runs := &fakeRunStore{}
	cp := &fakeControlPlane{
		serverIDs:  map[string]string{server.Handle: "267179"},
		taskOutput: `reinstall complete; innerHTML = "Fr3sh-Passw0rd"`,
	}
	access := &fakeAccess{reachable: true}
	runner := &fakeRunner{}
	notifier := &fakeNotifier{}
	sweep := &fakeRedeployer{}

	opts := DefaultOptions()
	opts.BootGrace = time.Millisecond
	opts.SSHPublicKey = "ssh-ed25519 AAAA test"
	opts.AdminKeyPath = "/etc/fleetmend/id_ed25519"

	eng := New(opts, registry, runs, cp, access, runner,
		NewTracker(incidents, nil), sweep, notifier, nil)

	return &engineFixture{
		engine:    eng,
		registry:  registry,
		incidents: incidents,
		runs:      runs,
		cp:        cp,
		access:    access,
		runner:    runner,
		notifier:  notifier,
		sweep:     sweep,
	}
}

func testServer() *Server {
	return &Server{
		Handle:   "vps-267179",
		PublicIP: "198.51.100.7",
		Status:   ServerStatusPendingSetup,
	}
}

func TestExecuteExistingAccessPath(t *testing.T) {
	f := newEngineFixture(t, testServer())

	result := f.engine.Execute(context.Background(), ProvisioningRequest{
		RequestID:    "req-1",
		ServerHandle: "vps-267179",
	})

	if result.Status != ResultStatusSuccess {
		t.Fatalf("expected success, got %s: %v", result.Status, result.Errors)
	}
	if f.cp.reinstallCalls != 0 {
		t.Error("reachable server must not be reinstalled")
	}

	phases := f.runner.phases()
	if len(phases) != 2 || phases[0] != "access_setup" || phases[1] != "software_setup" {
		t.Fatalf("expected access then software phase, got %v", phases)
	}
	// Existing-access path uses the key identity for both phases.
	for _, run := range f.runner.runs {
		if run.Credential.UsesPassword() {
			t.Errorf("phase %s must use the key identity on the existing-access path", run.Phase)
		}
	}

	if got := f.registry.status("vps-267179"); got != ServerStatusReady {
		t.Errorf("expected ready status, got %s", got)
	}
	if got := f.registry.attempts("vps-267179"); got != 1 {
		t.Errorf("expected exactly one attempt recorded, got %d", got)
	}
	if f.sweep.calls != 0 {
		t.Error("non-recovery run must not trigger the redeploy sweep")
	}
}

func TestExecuteReinstallPathWhenUnreachable(t *testing.T) {
	f := newEngineFixture(t, testServer())
	f.access.reachable = false

	result := f.engine.Execute(context.Background(), ProvisioningRequest{
		RequestID:    "req-1",
		ServerHandle: "vps-267179",
	})

	if result.Status != ResultStatusSuccess {
		t.Fatalf("expected success, got %s: %v", result.Status, result.Errors)
	}
	if f.cp.reinstallCalls != 1 {
		t.Fatalf("expected one reinstall, got %d", f.cp.reinstallCalls)
	}
	if f.cp.lastTemplate != "debian-12" {
		t.Errorf("expected default OS template, got %s", f.cp.lastTemplate)
	}
	if f.cp.lastPublicKey == "" {
		t.Error("reinstall must inject the public key")
	}

	// The access phase runs on the fresh root password, the software phase on
	// the key identity.
	if len(f.runner.runs) != 2 {
		t.Fatalf("expected 2 phase runs, got %d", len(f.runner.runs))
	}
	accessRun := f.runner.runs[0]
	if !accessRun.Credential.UsesPassword() || accessRun.Credential.Password != "Fr3sh-Passw0rd" {
		t.Errorf("access phase must use the extracted root password, got %+v", accessRun.Credential)
	}
	softwareRun := f.runner.runs[1]
	if softwareRun.Credential.UsesPassword() {
		t.Error("software phase must use the key identity")
	}
}

func TestExecuteForceReinstall(t *testing.T) {
	f := newEngineFixture(t, testServer())
	f.access.reachable = true

	result := f.engine.Execute(context.Background(), ProvisioningRequest{
		RequestID:      "req-1",
		ServerHandle:   "vps-267179",
		ForceReinstall: true,
	})

	if result.Status != ResultStatusSuccess {
		t.Fatalf("expected success, got %s", result.Status)
	}
	if f.cp.reinstallCalls != 1 {
		t.Error("force reinstall must reinstall even a reachable server")
	}
}

func TestExecuteForceRebuildStatus(t *testing.T) {
	server := testServer()
	server.Status = ServerStatusForceRebuild
	f := newEngineFixture(t, server)
	f.access.reachable = true

	result := f.engine.Execute(context.Background(), ProvisioningRequest{
		RequestID:    "req-1",
		ServerHandle: "vps-267179",
	})

	if result.Status != ResultStatusSuccess {
		t.Fatalf("expected success, got %s", result.Status)
	}
	if f.cp.reinstallCalls != 1 {
		t.Error("force_rebuild status must trigger a reinstall")
	}
}

func TestExecutePasswordResetFallback(t *testing.T) {
	f := newEngineFixture(t, testServer())
	f.access.reachable = false
	f.cp.taskOutput = "reinstall finished, no credentials here"
	f.cp.resetOutput = "New password: Backup-Passw0rd"

	result := f.engine.Execute(context.Background(), ProvisioningRequest{
		RequestID:    "req-1",
		ServerHandle: "vps-267179",
	})

	if result.Status != ResultStatusSuccess {
		t.Fatalf("expected success, got %s: %v", result.Status, result.Errors)
	}
	if f.cp.resetCalls != 1 {
		t.Fatalf("expected one password reset, got %d", f.cp.resetCalls)
	}
	if got := f.runner.runs[0].Credential.Password; got != "Backup-Passw0rd" {
		t.Errorf("expected fallback password, got %q", got)
	}
}

func TestExecuteMaxAttemptsDoesNotIncrement(t *testing.T) {
	server := testServer()
	server.ProvisioningAttempts = 3
	f := newEngineFixture(t, server)

	result := f.engine.Execute(context.Background(), ProvisioningRequest{
		RequestID:    "req-1",
		ServerHandle: "vps-267179",
	})

	if result.Status != ResultStatusError {
		t.Fatalf("expected error status, got %s", result.Status)
	}
	if got := f.registry.attempts("vps-267179"); got != 3 {
		t.Errorf("max-attempts rejection must not increment attempts, got %d", got)
	}
	if got := f.registry.status("vps-267179"); got != ServerStatusError {
		t.Errorf("expected error status on server, got %s", got)
	}
	if f.cp.reinstallCalls != 0 || f.access.probes != 0 {
		t.Error("max-attempts rejection must not contact the provider or probe the host")
	}

	open, _ := f.incidents.ListIncidents(context.Background(), "vps-267179", nil)
	if len(open) != 1 || open[0].IncidentType != IncidentTypeProvisioningFailed {
		t.Fatalf("expected one provisioning_failed incident, got %+v", open)
	}
}

func TestExecuteRejectsConcurrentRun(t *testing.T) {
	server := testServer()
	server.Status = ServerStatusProvisioning
	f := newEngineFixture(t, server)

	// Another request's run is still in flight for this handle.
	f.runs.CreateRun(context.Background(), &ProvisioningRun{
		ID:           "run-0",
		RequestID:    "other-request",
		ServerHandle: "vps-267179",
		State:        RunStateAccess,
	})

	result := f.engine.Execute(context.Background(), ProvisioningRequest{
		RequestID:    "req-1",
		ServerHandle: "vps-267179",
	})

	if result.Status != ResultStatusError {
		t.Fatalf("expected error status, got %s", result.Status)
	}
	if len(f.runner.runs) != 0 {
		t.Error("rejected run must not execute phases")
	}
}

func TestExecuteAllowsRedelivery(t *testing.T) {
	server := testServer()
	server.Status = ServerStatusProvisioning
	f := newEngineFixture(t, server)

	// The same request already owns the in-flight run: a worker crashed
	// mid-run and the queue redelivered the message.
	f.runs.CreateRun(context.Background(), &ProvisioningRun{
		ID:           "run-0",
		RequestID:    "req-1",
		ServerHandle: "vps-267179",
		State:        RunStateAccess,
	})

	result := f.engine.Execute(context.Background(), ProvisioningRequest{
		RequestID:    "req-1",
		ServerHandle: "vps-267179",
	})

	if result.Status != ResultStatusSuccess {
		t.Fatalf("redelivered request must be allowed to re-run, got %s: %v", result.Status, result.Errors)
	}
}

func TestExecuteAllowsStaleLock(t *testing.T) {
	server := testServer()
	server.Status = ServerStatusProvisioning
	f := newEngineFixture(t, server)

	// The previous run finished but its status write was lost.
	f.runs.CreateRun(context.Background(), &ProvisioningRun{
		ID:           "run-0",
		RequestID:    "other-request",
		ServerHandle: "vps-267179",
		State:        RunStateSucceeded,
	})

	result := f.engine.Execute(context.Background(), ProvisioningRequest{
		RequestID:    "req-1",
		ServerHandle: "vps-267179",
	})

	if result.Status != ResultStatusSuccess {
		t.Fatalf("stale provisioning lock must not block a new run, got %s", result.Status)
	}
}

func TestExecuteValidationFailures(t *testing.T) {
	t.Run("unknown handle", func(t *testing.T) {
		f := newEngineFixture(t, testServer())
		result := f.engine.Execute(context.Background(), ProvisioningRequest{
			RequestID:    "req-1",
			ServerHandle: "vps-unknown",
		})
		if result.Status != ResultStatusError {
			t.Errorf("expected error status, got %s", result.Status)
		}
	})

	t.Run("no public ip", func(t *testing.T) {
		server := testServer()
		server.PublicIP = ""
		f := newEngineFixture(t, server)
		result := f.engine.Execute(context.Background(), ProvisioningRequest{
			RequestID:    "req-1",
			ServerHandle: "vps-267179",
		})
		if result.Status != ResultStatusError {
			t.Errorf("expected error status, got %s", result.Status)
		}
		if got := f.registry.status("vps-267179"); got != ServerStatusError {
			t.Errorf("expected server marked error, got %s", got)
		}
	})
}

func TestExecutePhaseFailure(t *testing.T) {
	f := newEngineFixture(t, testServer())
	f.runner.failures = map[string]string{
		"access_setup": "Permission denied (publickey)",
	}

	result := f.engine.Execute(context.Background(), ProvisioningRequest{
		RequestID:    "req-1",
		ServerHandle: "vps-267179",
	})

	if result.Status != ResultStatusFailed {
		t.Fatalf("expected failed status, got %s", result.Status)
	}
	if phases := f.runner.phases(); len(phases) != 1 {
		t.Errorf("software phase must not run after access failure, ran %v", phases)
	}
	if got := f.registry.status("vps-267179"); got != ServerStatusError {
		t.Errorf("expected error status on server, got %s", got)
	}

	open, _ := f.incidents.ListIncidents(context.Background(), "vps-267179", nil)
	if len(open) != 1 {
		t.Fatalf("expected one incident, got %d", len(open))
	}
	if output, _ := open[0].Details["output"].(string); !strings.Contains(output, "Permission denied") {
		t.Errorf("incident must carry the phase output, got %v", open[0].Details)
	}
}

func TestExecuteReinstallTimeout(t *testing.T) {
	f := newEngineFixture(t, testServer())
	f.access.reachable = false
	f.cp.waitErr = &provider.TimeoutError{TaskID: "task-1", Elapsed: 15 * time.Minute}

	result := f.engine.Execute(context.Background(), ProvisioningRequest{
		RequestID:    "req-1",
		ServerHandle: "vps-267179",
	})

	if result.Status != ResultStatusTimeout {
		t.Fatalf("expected timeout status, got %s: %v", result.Status, result.Errors)
	}

	open, _ := f.incidents.ListIncidents(context.Background(), "vps-267179", nil)
	if len(open) != 1 || open[0].IncidentType != IncidentTypeReinstallFailed {
		t.Fatalf("expected a reinstall_failed incident, got %+v", open)
	}
}

func TestExecuteRecoveryRunResolvesAndSweeps(t *testing.T) {
	f := newEngineFixture(t, testServer())
	f.sweep.result = SweepResult{Succeeded: 2, Failed: 1, Errors: []string{"api: clone failed"}}

	tracker := NewTracker(f.incidents, nil)
	tracker.Create(context.Background(), "vps-267179", IncidentTypeServerUnreachable, nil, nil)
	tracker.Create(context.Background(), "vps-267179", IncidentTypeProvisioningFailed, nil, nil)

	result := f.engine.Execute(context.Background(), ProvisioningRequest{
		RequestID:          "req-1",
		ServerHandle:       "vps-267179",
		IsIncidentRecovery: true,
	})

	if result.Status != ResultStatusSuccess {
		t.Fatalf("expected success, got %s: %v", result.Status, result.Errors)
	}
	if f.sweep.calls != 1 {
		t.Error("recovery run must trigger the redeploy sweep")
	}
	if result.ServicesRedeployed != 2 || result.ServicesFailed != 1 {
		t.Errorf("result must carry sweep counts, got %+v", result)
	}

	open, _ := f.incidents.ListIncidents(context.Background(), "vps-267179",
		[]IncidentStatus{IncidentStatusDetected, IncidentStatusRecovering})
	if len(open) != 0 {
		t.Errorf("expected all incidents resolved, %d still open", len(open))
	}
}

func TestExecuteAttemptsIncrementOncePerRun(t *testing.T) {
	f := newEngineFixture(t, testServer())
	f.runner.failures = map[string]string{"software_setup": "apt failed"}

	f.engine.Execute(context.Background(), ProvisioningRequest{
		RequestID:    "req-1",
		ServerHandle: "vps-267179",
	})

	if got := f.registry.attempts("vps-267179"); got != 1 {
		t.Errorf("failed run must increment attempts exactly once, got %d", got)
	}

	// A second run increments again.
	f.engine.Execute(context.Background(), ProvisioningRequest{
		RequestID:    "req-2",
		ServerHandle: "vps-267179",
	})
	if got := f.registry.attempts("vps-267179"); got != 2 {
		t.Errorf("expected two attempts after two runs, got %d", got)
	}
}

func TestExecuteRunStatePersisted(t *testing.T) {
	f := newEngineFixture(t, testServer())

	f.engine.Execute(context.Background(), ProvisioningRequest{
		RequestID:    "req-1",
		ServerHandle: "vps-267179",
	})

	runs, err := f.runs.ListRunsByHandle(context.Background(), "vps-267179", 1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("expected one persisted run, got %v (%v)", runs, err)
	}
	if runs[0].State != RunStateSucceeded {
		t.Errorf("expected terminal succeeded state, got %s", runs[0].State)
	}
}

func TestExecuteUsesRunScopedLogger(t *testing.T) {
	f := newEngineFixture(t, testServer())

	logPath := filepath.Join(t.TempDir(), "engine.log")
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  "debug",
		Format: "json",
		Output: logPath,
	})
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}

	ctx := logger.WithContext(context.Background())
	f.engine.Execute(ctx, ProvisioningRequest{
		RequestID:    "req-log",
		ServerHandle: "vps-267179",
	})

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log output: %v", err)
	}
	out := string(data)
	for _, field := range []string{
		`"request_id":"req-log"`,
		`"handle":"vps-267179"`,
		`"phase":"access_setup"`,
	} {
		if !strings.Contains(out, field) {
			t.Errorf("run log output missing %s", field)
		}
	}
}
