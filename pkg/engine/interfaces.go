package engine

import (
	"context"
	"time"
)

// ServerRegistry is the storage collaborator for server records and the
// service deployments recorded against them. All engine mutation of shared
// state goes through this interface.
type ServerRegistry interface {
	// GetServer retrieves a server by handle.
	GetServer(ctx context.Context, handle string) (*Server, error)

	// UpdateServer applies a partial update to a server record. Label updates
	// merge into the existing map.
	UpdateServer(ctx context.Context, handle string, update ServerUpdate) error

	// ListServers lists all server records.
	ListServers(ctx context.Context) ([]*Server, error)

	// CreateServer registers a new server record.
	CreateServer(ctx context.Context, server *Server) error

	// ListServiceDeployments lists every service deployment recorded for a
	// handle.
	ListServiceDeployments(ctx context.Context, handle string) ([]*ServiceDeployment, error)
}

// IncidentStore is the storage collaborator for incident records.
type IncidentStore interface {
	// CreateIncident persists a new incident.
	CreateIncident(ctx context.Context, incident *Incident) error

	// ListIncidents lists incidents for a handle, filtered by status when
	// statusFilter is non-empty.
	ListIncidents(ctx context.Context, handle string, statusFilter []IncidentStatus) ([]*Incident, error)

	// UpdateIncident applies a partial update to an incident.
	UpdateIncident(ctx context.Context, id string, update IncidentUpdate) error
}

// IncidentUpdate is a partial update applied to an incident record.
type IncidentUpdate struct {
	Status           *IncidentStatus `json:"status,omitempty"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
	RecoveryAttempts *int            `json:"recovery_attempts,omitempty"`
	Details          map[string]any  `json:"details,omitempty"`
}

// RunStore persists provisioning run state so a crashed worker's in-flight
// run is visible to whoever handles the redelivered request.
type RunStore interface {
	// CreateRun persists a new run record.
	CreateRun(ctx context.Context, run *ProvisioningRun) error

	// UpdateRunState updates the state of a run; terminal states also record
	// the finish time and error message.
	UpdateRunState(ctx context.Context, id string, state RunState, errMsg string) error

	// ListRunsByHandle lists runs for a server handle, newest first.
	ListRunsByHandle(ctx context.Context, handle string, limit int) ([]*ProvisioningRun, error)
}

// ProviderServer is one server as reported by the VPS control plane.
type ProviderServer struct {
	ID       string
	Handle   string
	PublicIP string
	Status   string
}

// ControlPlane is the VPS control-plane collaborator. Reinstall and password
// reset are asynchronous on the provider side; WaitTask polls the resulting
// task until it is terminal or the timeout elapses.
type ControlPlane interface {
	// ListServers lists all servers visible to the account.
	ListServers(ctx context.Context) ([]ProviderServer, error)

	// ServerID resolves a handle to the provider-assigned server ID.
	ServerID(ctx context.Context, handle string) (string, error)

	// ReinstallOS starts an OS reinstall and returns the provider task ID.
	ReinstallOS(ctx context.Context, serverID, osTemplate, sshPublicKey string) (string, error)

	// ResetPassword starts a root password reset and returns the provider
	// task ID.
	ResetPassword(ctx context.Context, serverID string) (string, error)

	// WaitTask polls the task until the provider marks it completed, then
	// returns its raw output. Past the timeout it returns an error that
	// reports as a timeout via IsTimeout.
	WaitTask(ctx context.Context, serverID, taskID string, timeout time.Duration) (string, error)
}

// AccessChecker reports whether a server is reachable over its management
// channel with the engine's pre-provisioned identity. This is a liveness
// probe, not an authorization check: any error counts as unreachable.
type AccessChecker interface {
	CanReach(ctx context.Context, serverIP string, timeout time.Duration) bool
}

// Credential selects the authentication mode for a configuration phase.
// Password is set only immediately after an OS reinstall, before the
// long-lived identity exists; otherwise the key identity is used.
type Credential struct {
	User           string
	Password       string
	PrivateKeyPath string
}

// UsesPassword returns true when the credential authenticates by password.
func (c Credential) UsesPassword() bool {
	return c.Password != ""
}

// PhaseRun describes one configuration phase execution against a target.
type PhaseRun struct {
	ServerIP     string
	ServerHandle string
	Phase        string
	Credential   Credential
	ExtraVars    map[string]string
	Timeout      time.Duration
}

// PhaseResult is the outcome of one phase. On failure Output contains the
// error channel plus the tail of standard output so the failure is
// diagnosable without re-running.
type PhaseResult struct {
	Success bool
	Output  string
}

// ConfigRunner executes a named, phased configuration playbook against a
// target host. A phase is atomic: partial failure reports as whole-phase
// failure. The runner is stateless and safe to call repeatedly.
type ConfigRunner interface {
	RunPhase(ctx context.Context, run PhaseRun) PhaseResult
}

// NotifyLevel is the severity of an operator notification.
type NotifyLevel string

const (
	NotifyInfo  NotifyLevel = "info"
	NotifyWarn  NotifyLevel = "warning"
	NotifyError NotifyLevel = "error"
)

// Notifier delivers operator notifications. Best-effort and fire-and-forget:
// implementations must bound their own timeout and never block the engine's
// critical path.
type Notifier interface {
	Notify(ctx context.Context, message string, level NotifyLevel)
}

// CredentialSource mints short-lived source-access credentials for service
// repositories, used by the recovery sweep when redeploying.
type CredentialSource interface {
	SourceToken(ctx context.Context, repository string) (string, error)
}

// SweepResult aggregates a recovery sweep over a server's deployments.
type SweepResult struct {
	Succeeded int
	Failed    int
	Errors    []string
}

// Redeployer re-applies previously recorded service deployments to a server
// after it becomes healthy again.
type Redeployer interface {
	Redeploy(ctx context.Context, serverHandle, serverIP string) SweepResult
}
