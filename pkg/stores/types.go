package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/fleetmend/fleetmend/pkg/engine"
)

// Store defines the interface for the persistence layer. It covers the server
// registry, incident records, recorded service deployments, and durable run
// state. The engine depends on narrower per-concern interfaces; Store is the
// union a concrete implementation provides.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Server operations
	CreateServer(ctx context.Context, server *engine.Server) error
	GetServer(ctx context.Context, handle string) (*engine.Server, error)
	UpdateServer(ctx context.Context, handle string, update engine.ServerUpdate) error
	ListServers(ctx context.Context) ([]*engine.Server, error)
	DeleteServer(ctx context.Context, handle string) error

	// Incident operations
	CreateIncident(ctx context.Context, incident *engine.Incident) error
	GetIncident(ctx context.Context, id string) (*engine.Incident, error)
	ListIncidents(ctx context.Context, handle string, statusFilter []engine.IncidentStatus) ([]*engine.Incident, error)
	UpdateIncident(ctx context.Context, id string, update engine.IncidentUpdate) error

	// Service deployment operations
	UpsertServiceDeployment(ctx context.Context, deployment *engine.ServiceDeployment) error
	ListServiceDeployments(ctx context.Context, handle string) ([]*engine.ServiceDeployment, error)
	DeleteServiceDeployment(ctx context.Context, projectID, serviceName string) error

	// Provisioning run operations
	CreateRun(ctx context.Context, run *engine.ProvisioningRun) error
	UpdateRunState(ctx context.Context, id string, state engine.RunState, errMsg string) error
	ListRunsByHandle(ctx context.Context, handle string, limit int) ([]*engine.ProvisioningRun, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
