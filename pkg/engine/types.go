package engine

import (
	"time"
)

// ServerStatus represents the lifecycle state of a managed server.
type ServerStatus string

const (
	ServerStatusDiscovered     ServerStatus = "discovered"
	ServerStatusPendingSetup   ServerStatus = "pending_setup"
	ServerStatusProvisioning   ServerStatus = "provisioning"
	ServerStatusForceRebuild   ServerStatus = "force_rebuild"
	ServerStatusReady          ServerStatus = "ready"
	ServerStatusInUse          ServerStatus = "in_use"
	ServerStatusError          ServerStatus = "error"
	ServerStatusMaintenance    ServerStatus = "maintenance"
	ServerStatusReserved       ServerStatus = "reserved"
	ServerStatusMissing        ServerStatus = "missing"
	ServerStatusDecommissioned ServerStatus = "decommissioned"
)

// Labels written by the engine during a run.
const (
	// LabelProvisioningPhase tracks how far the current run has progressed.
	LabelProvisioningPhase = "provisioning_phase"

	// LabelProviderID caches the provider-assigned numeric ID for the handle.
	LabelProviderID = "provider_id"
)

// Values of the provisioning_phase label.
const (
	PhaseAccessConfiguration  = "access_configuration"
	PhaseSoftwareInstallation = "software_installation"
	PhaseComplete             = "complete"
)

// Server is one managed host. The handle is the stable human-assigned
// identifier (e.g. "vps-267179"), independent of provider-assigned IDs.
type Server struct {
	Handle               string            `json:"handle"`
	PublicIP             string            `json:"public_ip"`
	OSTemplate           string            `json:"os_template"`
	Status               ServerStatus      `json:"status"`
	ProvisioningAttempts int               `json:"provisioning_attempts"`
	Labels               map[string]string `json:"labels,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// ServerUpdate is a partial update applied to a server record. Nil fields are
// left untouched; Labels merge into the existing label map rather than
// replacing it.
type ServerUpdate struct {
	Status               *ServerStatus     `json:"status,omitempty"`
	PublicIP             *string           `json:"public_ip,omitempty"`
	OSTemplate           *string           `json:"os_template,omitempty"`
	ProvisioningAttempts *int              `json:"provisioning_attempts,omitempty"`
	Labels               map[string]string `json:"labels,omitempty"`
}

// IncidentStatus represents the lifecycle state of an incident.
type IncidentStatus string

const (
	IncidentStatusDetected   IncidentStatus = "detected"
	IncidentStatusRecovering IncidentStatus = "recovering"
	IncidentStatusResolved   IncidentStatus = "resolved"
	IncidentStatusFailed     IncidentStatus = "failed"
)

// Well-known incident types. The field is free-form; these are the types the
// engine itself writes.
const (
	IncidentTypeProvisioningFailed = "provisioning_failed"
	IncidentTypeServerUnreachable  = "server_unreachable"
	IncidentTypeReinstallFailed    = "reinstall_failed"
)

// Incident is one tracked failure episode for a server. Multiple open
// incidents per server are allowed; a successful recovery run resolves all of
// them at once.
type Incident struct {
	ID               string         `json:"id"`
	ServerHandle     string         `json:"server_handle"`
	IncidentType     string         `json:"incident_type"`
	Status           IncidentStatus `json:"status"`
	DetectedAt       time.Time      `json:"detected_at"`
	ResolvedAt       *time.Time     `json:"resolved_at,omitempty"`
	Details          map[string]any `json:"details,omitempty"`
	AffectedServices []string       `json:"affected_services,omitempty"`
	RecoveryAttempts int            `json:"recovery_attempts"`
}

// DeploymentStatus represents the recorded state of a service deployment.
type DeploymentStatus string

const (
	DeploymentStatusRunning DeploymentStatus = "running"
	DeploymentStatusStopped DeploymentStatus = "stopped"
	DeploymentStatusFailed  DeploymentStatus = "failed"
)

// ServiceDeployment records that a service was last successfully running on a
// server. Written by the deployment subsystem; the recovery sweep only reads
// these.
type ServiceDeployment struct {
	ProjectID      string           `json:"project_id"`
	ServiceName    string           `json:"service_name"`
	ServerHandle   string           `json:"server_handle"`
	Port           int              `json:"port"`
	Status         DeploymentStatus `json:"status"`
	DeploymentInfo DeploymentInfo   `json:"deployment_info"`
}

// DeploymentInfo carries everything needed to redeploy a service: the source
// repository, branch, compose files, and any extra redeploy parameters.
type DeploymentInfo struct {
	Repository   string            `json:"repository"`
	Branch       string            `json:"branch,omitempty"`
	ComposeFiles []string          `json:"compose_files,omitempty"`
	Params       map[string]string `json:"params,omitempty"`
}

// ProvisioningRequest is the queue-carried request for one engine run.
type ProvisioningRequest struct {
	RequestID          string `json:"request_id"`
	ServerHandle       string `json:"server_handle"`
	ForceReinstall     bool   `json:"force_reinstall"`
	IsIncidentRecovery bool   `json:"is_incident_recovery"`
	CorrelationID      string `json:"correlation_id,omitempty"`
}

// ResultStatus is the terminal status of a provisioning run.
type ResultStatus string

const (
	ResultStatusSuccess ResultStatus = "success"
	ResultStatusFailed  ResultStatus = "failed"
	ResultStatusTimeout ResultStatus = "timeout"
	ResultStatusError   ResultStatus = "error"
)

// ProvisioningResult is the queue-carried outcome of one engine run, written
// to the request's result slot.
type ProvisioningResult struct {
	RequestID          string       `json:"request_id"`
	ServerHandle       string       `json:"server_handle"`
	Status             ResultStatus `json:"status"`
	ServerIP           string       `json:"server_ip,omitempty"`
	ServicesRedeployed int          `json:"services_redeployed"`
	ServicesFailed     int          `json:"services_failed"`
	Errors             []string     `json:"errors,omitempty"`
	FinishedAt         time.Time    `json:"finished_at"`
}

// RunState is the persisted phase of an in-flight provisioning run. A crashed
// worker leaves the record behind; the redelivered request re-runs whole
// phases rather than resuming mid-phase.
type RunState string

const (
	RunStateValidating RunState = "validating"
	RunStateReinstall  RunState = "reinstall"
	RunStateAccess     RunState = "access_setup"
	RunStateSoftware   RunState = "software_setup"
	RunStateRedeploy   RunState = "redeploy_services"
	RunStateSucceeded  RunState = "succeeded"
	RunStateFailed     RunState = "failed"
)

// ProvisioningRun is the durable record of one engine run.
type ProvisioningRun struct {
	ID           string     `json:"id"`
	RequestID    string     `json:"request_id"`
	ServerHandle string     `json:"server_handle"`
	State        RunState   `json:"state"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// RunContext carries the resolved inputs of one run through the state
// machine. It is constructed once during validation so every later step works
// from the same snapshot instead of re-deriving fields ad hoc.
type RunContext struct {
	Request  ProvisioningRequest
	Server   *Server
	RunID    string
	ServerIP string

	// UseReinstall is the path decision: wipe and rebuild versus reusing the
	// existing access identity.
	UseReinstall bool

	// RootPassword is the fresh root password after an OS reinstall. Empty on
	// the existing-access path.
	RootPassword string

	StartedAt time.Time
}
